package network

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"nearcast/internal/peer"
)

const (
	MDNSService = "_nearcast._udp"
	mdnsDomain  = "local."
)

// Discovery advertises this node over mDNS and feeds browsed peers into a
// registry. The group id is never advertised.
type Discovery struct {
	self     peer.Peer
	port     int
	registry *peer.Registry
	log      zerolog.Logger
}

func NewDiscovery(self peer.Peer, port int, registry *peer.Registry, log zerolog.Logger) *Discovery {
	return &Discovery{self: self, port: port, registry: registry, log: log}
}

// Run registers the service and browses until ctx is done.
func (d *Discovery) Run(ctx context.Context) error {
	server, err := zeroconf.Register(instanceName(d.self), MDNSService, mdnsDomain, d.port, d.txt(), nil)
	if err != nil {
		return err
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for e := range entries {
			if p, ok := d.entryPeer(e); ok {
				d.registry.Observe(p)
				d.log.Debug().Str("peer", p.ID).Str("addr", p.Addr).Msg("mdns peer observed")
			}
		}
	}()
	if err := resolver.Browse(ctx, MDNSService, mdnsDomain, entries); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (d *Discovery) txt() []string {
	return []string{"id=" + d.self.ID, "name=" + d.self.Name}
}

func instanceName(self peer.Peer) string {
	if self.Name != "" {
		return self.Name
	}
	return self.ID
}

// entryPeer converts a browse result. Entries for this node or without an
// id are skipped.
func (d *Discovery) entryPeer(e *zeroconf.ServiceEntry) (peer.Peer, bool) {
	var p peer.Peer
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "id":
			p.ID = v
		case "name":
			p.Name = v
		}
	}
	if p.ID == "" || p.ID == d.self.ID {
		return peer.Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return peer.Peer{}, false
	}
	p.Addr = net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	return p, true
}
