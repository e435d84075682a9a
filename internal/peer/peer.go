package peer

import (
	"net"
	"strings"
)

// Peer is a reachable group member as seen by a transport.
type Peer struct {
	ID   string
	Name string
	Addr string
}

func (p Peer) Host() string {
	return HostForAddr(p.Addr)
}

// Dedup keeps the first occurrence of every id, preserving order.
func Dedup(peers []Peer) []Peer {
	seen := make(map[string]struct{}, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// HostForAddr strips the port from addr. Addresses without a port are
// returned as is.
func HostForAddr(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
