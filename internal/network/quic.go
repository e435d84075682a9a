package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"nearcast/internal/crypto"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
)

const (
	alpn       = "nearcast"
	serverName = "nearcast"

	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	DefaultMaxConnsPerIP   = 8
	DefaultMaxStreamsPerIP = 64
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// groupTLSCert derives one self-signed certificate per group. Every member
// presents it and trusts only it, so a handshake succeeds only between
// holders of the same group secret.
func groupTLSCert(secret crypto.GroupSecret) (tls.Certificate, *x509.Certificate, error) {
	seed, err := crypto.DeriveSubkey(secret, "quic-cert")
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{serverName},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, leaf, nil
}

func tlsConfigs(secret crypto.GroupSecret) (server, client *tls.Config, err error) {
	cert, leaf, err := groupTLSCert(secret)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return server, client, nil
}

type QUICConfig struct {
	ListenAddr      string
	Secret          crypto.GroupSecret
	Registry        *peer.Registry
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Log             zerolog.Logger
}

// QUICTransport carries one framed envelope per stream. Peers come from the
// registry; inbound senders are matched to registry entries by host.
type QUICTransport struct {
	cfg       QUICConfig
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	pool      *connPool
	limiter   *IPLimiter
	registry  *peer.Registry
	log       zerolog.Logger

	mu       sync.Mutex
	listener *quic.Listener
	port     string
	wg       sync.WaitGroup
}

var _ PeerTransport = (*QUICTransport)(nil)

func NewQUIC(cfg QUICConfig) (*QUICTransport, error) {
	serverTLS, clientTLS, err := tlsConfigs(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = peer.NewRegistry(0, 0)
	}
	if cfg.MaxConnsPerIP == 0 {
		cfg.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	if cfg.MaxStreamsPerIP == 0 {
		cfg.MaxStreamsPerIP = DefaultMaxStreamsPerIP
	}
	t := &QUICTransport{
		cfg:       cfg,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		limiter:  NewIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		registry: cfg.Registry,
		log:      cfg.Log,
	}
	t.pool = newConnPool(t.dial, peerConnIdle)
	return t, nil
}

func (t *QUICTransport) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	return quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
}

func (t *QUICTransport) Registry() *peer.Registry {
	return t.registry
}

func (t *QUICTransport) Peers() []peer.Peer {
	return t.registry.List()
}

// Addr is the bound listen address once Listen has returned.
func (t *QUICTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Port is the bound UDP port, used for mDNS registration.
func (t *QUICTransport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, _ := strconv.Atoi(t.port)
	return p
}

func (t *QUICTransport) Listen() error {
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, t.serverTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.cfg.ListenAddr, err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	t.mu.Lock()
	t.listener = ln
	t.port = port
	t.mu.Unlock()
	t.log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	return nil
}

// Serve accepts connections until ctx is done or the listener is closed.
// Listen must have been called. Serve joins the wait group under t.mu, so
// Close either sees it running or Serve sees the listener gone.
func (t *QUICTransport) Serve(ctx context.Context, handle Handler) error {
	t.mu.Lock()
	ln := t.listener
	if ln != nil {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if ln == nil {
		return errors.New("quic transport not listening")
	}
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			t.log.Warn().Err(err).Msg("quic accept error")
			return err
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(ctx, conn, handle)
		}()
	}
}

func (t *QUICTransport) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	remote := conn.RemoteAddr().String()
	host := peer.HostForAddr(remote)
	if !t.limiter.AcquireConn(host) {
		t.log.Debug().Str("remote", remote).Msg("quic conn over per-ip cap")
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer t.limiter.ReleaseConn(host)
	from := t.resolvePeer(host)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !t.limiter.AcquireStream(host) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		t.wg.Add(1)
		go func(s *quic.Stream) {
			defer t.wg.Done()
			defer t.limiter.ReleaseStream(host)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamRWTimeout))
			data, err := proto.ReadFrame(s)
			if err != nil {
				t.log.Debug().Err(err).Str("remote", remote).Msg("quic read failed")
				return
			}
			handle(data, from, func(ctx context.Context, payload []byte) error {
				return t.Send(ctx, from, payload)
			})
		}(stream)
	}
}

// resolvePeer maps a remote host to a registry entry. Unknown senders are
// assumed to listen on the same port as this node.
func (t *QUICTransport) resolvePeer(host string) peer.Peer {
	if p, ok := t.registry.ByHost(host); ok {
		return p
	}
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	addr := net.JoinHostPort(host, port)
	return peer.Peer{ID: addr, Addr: addr}
}

// Send writes payload as a single frame on a fresh stream. Failed attempts
// evict the pooled connection and back off before redialing.
func (t *QUICTransport) Send(ctx context.Context, p peer.Peer, payload []byte) error {
	addr := p.Addr
	if addr == "" {
		return fmt.Errorf("peer %s has no address", p.ID)
	}
	ctx, cancel := withSendTimeout(ctx)
	defer cancel()
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		conn, err := t.pool.get(ctx, addr)
		if err == nil {
			err = t.writeOnce(ctx, conn, payload)
		}
		n := t.pool.done(addr, conn, err)
		if err == nil {
			return nil
		}
		lastErr = err
		t.log.Debug().Err(err).Str("addr", addr).Int("failures", n).Msg("quic send attempt failed")
		if !waitBackoff(ctx, n) {
			return lastErr
		}
	}
}

func (t *QUICTransport) writeOnce(ctx context.Context, conn *quic.Conn, payload []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		return err
	}
	if err := stream.Close(); err != nil {
		t.log.Debug().Err(err).Msg("quic stream close error")
	}
	return nil
}

// Close stops the listener, closes pooled connections and waits for
// in-flight streams.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	t.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.pool.closeAll()
	t.wg.Wait()
	return err
}
