package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	sendMaxAttempts  = 3
	sendBackoffBase  = 100 * time.Millisecond
	sendBackoffMax   = time.Second
	peerConnIdle     = 30 * time.Second
	sendTimeout      = 8 * time.Second
	peerFailureReset = time.Minute
)

type dialFunc func(ctx context.Context, addr string) (*quic.Conn, error)

type peerConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type peerFailures struct {
	count int
	last  time.Time
}

// connPool keeps one outbound connection per peer address and counts
// consecutive send failures so retries back off per peer.
type connPool struct {
	dial      dialFunc
	idleAfter time.Duration
	now       func() time.Time

	mu       sync.Mutex
	conns    map[string]*peerConn
	failures map[string]*peerFailures
}

func newConnPool(dial dialFunc, idleAfter time.Duration) *connPool {
	if idleAfter <= 0 {
		idleAfter = peerConnIdle
	}
	return &connPool{
		dial:      dial,
		idleAfter: idleAfter,
		now:       time.Now,
		conns:     make(map[string]*peerConn),
		failures:  make(map[string]*peerFailures),
	}
}

// get returns a live pooled connection or dials a new one. Concurrent
// dials to the same address keep whichever finished first.
func (p *connPool) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	if conn := p.cached(addr); conn != nil {
		return conn, nil
	}
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.conns[addr]; ok && prev.conn.Context().Err() == nil {
		_ = conn.CloseWithError(0, "duplicate")
		return prev.conn, nil
	}
	p.conns[addr] = &peerConn{conn: conn, lastUsed: p.now()}
	return conn, nil
}

func (p *connPool) cached(addr string) *quic.Conn {
	p.mu.Lock()
	ent, ok := p.conns[addr]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	now := p.now()
	if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
		ent.lastUsed = now
		p.mu.Unlock()
		return ent.conn
	}
	delete(p.conns, addr)
	p.mu.Unlock()
	_ = ent.conn.CloseWithError(0, "idle")
	return nil
}

// done records the outcome of one send attempt. A failed attempt evicts
// conn (when set) and returns the consecutive failure count for addr.
func (p *connPool) done(addr string, conn *quic.Conn, err error) int {
	p.mu.Lock()
	if err == nil {
		if ent, ok := p.conns[addr]; ok && ent.conn == conn {
			ent.lastUsed = p.now()
		}
		delete(p.failures, addr)
		p.mu.Unlock()
		return 0
	}
	evict := false
	if conn != nil {
		if ent, ok := p.conns[addr]; ok && ent.conn == conn {
			delete(p.conns, addr)
		}
		evict = true
	}
	n := p.failLocked(addr)
	p.mu.Unlock()
	if evict {
		_ = conn.CloseWithError(0, "send failed")
	}
	return n
}

func (p *connPool) failLocked(addr string) int {
	now := p.now()
	ent := p.failures[addr]
	if ent == nil {
		ent = &peerFailures{}
		p.failures[addr] = ent
	}
	if now.Sub(ent.last) > peerFailureReset {
		ent.count = 0
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*peerConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

// backoff is the wait before the next attempt after failures consecutive
// failures, or false once the attempt budget is spent.
func backoff(failures int) (time.Duration, bool) {
	if failures <= 0 || failures > sendMaxAttempts {
		return 0, false
	}
	d := sendBackoffBase << (failures - 1)
	if d > sendBackoffMax {
		d = sendBackoffMax
	}
	return d, true
}

func waitBackoff(ctx context.Context, failures int) bool {
	d, ok := backoff(failures)
	if !ok {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withSendTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, sendTimeout)
}
