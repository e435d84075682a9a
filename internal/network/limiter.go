package network

import "sync"

// slots counts concurrent holders per key against a fixed cap. A cap of
// zero or less admits everything.
type slots struct {
	limit int
	held  map[string]int
}

func (s *slots) take(key string) bool {
	if s.limit <= 0 {
		return true
	}
	if s.held[key] >= s.limit {
		return false
	}
	s.held[key]++
	return true
}

func (s *slots) give(key string) {
	if s.limit <= 0 {
		return
	}
	if n := s.held[key]; n > 1 {
		s.held[key] = n - 1
	} else {
		delete(s.held, key)
	}
}

// IPLimiter caps concurrent connections and streams per remote host. The
// QUIC listener uses both caps; the bridge only caps connections. A nil
// limiter admits everything.
type IPLimiter struct {
	mu      sync.Mutex
	conns   slots
	streams slots
}

func NewIPLimiter(maxConns, maxStreams int) *IPLimiter {
	return &IPLimiter{
		conns:   slots{limit: maxConns, held: make(map[string]int)},
		streams: slots{limit: maxStreams, held: make(map[string]int)},
	}
}

func (l *IPLimiter) AcquireConn(host string) bool {
	return l == nil || l.take(&l.conns, host)
}

func (l *IPLimiter) ReleaseConn(host string) {
	if l != nil {
		l.give(&l.conns, host)
	}
}

func (l *IPLimiter) AcquireStream(host string) bool {
	return l == nil || l.take(&l.streams, host)
}

func (l *IPLimiter) ReleaseStream(host string) {
	if l != nil {
		l.give(&l.streams, host)
	}
}

func (l *IPLimiter) take(s *slots, host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.take(host)
}

func (l *IPLimiter) give(s *slots, host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.give(host)
}
