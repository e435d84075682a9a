// Package bridge accepts envelopes over a minimal HTTP/1.1 endpoint for
// clients that cannot join the discovery transport.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"nearcast/internal/dispatch"
	"nearcast/internal/metrics"
	"nearcast/internal/network"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
)

const (
	DefaultAddr = ":7550"
	Path        = "/airbattery"

	DefaultMaxConnsPerIP = 16

	maxRequestSize = 64 << 10
	readTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
	drainTimeout   = 5 * time.Second
)

var ErrListenerBind = errors.New("bridge listener bind failed")

// Submit hands an accepted envelope to the dispatcher. It must not block.
type Submit func(env proto.Envelope, origin dispatch.Origin)

type Config struct {
	Addr          string
	GroupID       string
	MaxConnsPerIP int
	Metrics       *metrics.Metrics
	Log           zerolog.Logger
}

type Server struct {
	addr    string
	groupID string
	submit  Submit
	limiter *network.IPLimiter
	metrics *metrics.Metrics
	log     zerolog.Logger
	drain   time.Duration

	tomb tomb.Tomb
	wg   sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
}

func New(cfg Config, submit Submit) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxConnsPerIP == 0 {
		cfg.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		addr:    cfg.Addr,
		groupID: cfg.GroupID,
		submit:  submit,
		limiter: network.NewIPLimiter(cfg.MaxConnsPerIP, 0),
		metrics: m,
		log:     cfg.Log,
		drain:   drainTimeout,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting. A bind failure is reported
// as ErrListenerBind; the caller keeps running without the bridge.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrListenerBind, s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("bridge listening")
	s.tomb.Go(s.acceptLoop)
	s.tomb.Go(s.closeOnKill)
	return nil
}

func (s *Server) Addr() string {
	if ln := s.listener(); ln != nil {
		return ln.Addr().String()
	}
	return ""
}

func (s *Server) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// Stop closes the listener and waits for in-flight connections. Connections
// still open after the drain bound are closed.
func (s *Server) Stop() error {
	if s.listener() == nil {
		return nil
	}
	s.tomb.Kill(nil)
	err := s.tomb.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drain):
		s.log.Warn().Msg("bridge drain timed out, closing connections")
		s.closeConns()
		<-done
	}
	return err
}

func (s *Server) closeOnKill() error {
	<-s.tomb.Dying()
	return s.ln.Close()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("bridge accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	ip := peer.HostForAddr(remote)
	if !s.limiter.AcquireConn(ip) {
		s.respond(conn, http.StatusTooManyRequests, "Too many connections")
		return
	}
	defer s.limiter.ReleaseConn(ip)
	s.metrics.AddCurrentConns(1)
	defer s.metrics.AddCurrentConns(-1)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	raw, err := readRequest(conn)
	if len(raw) == 0 {
		if err != nil {
			s.log.Debug().Err(err).Str("remote", remote).Msg("bridge read failed")
		}
		return
	}
	status, body := s.route(raw, remote)
	s.respond(conn, status, body)
}

func (s *Server) route(raw []byte, remote string) (int, string) {
	req, err := parseRequest(raw)
	if err != nil {
		return http.StatusBadRequest, "Invalid request"
	}
	if req.method == http.MethodOptions {
		return http.StatusOK, ""
	}
	if req.method != http.MethodPost || req.path() != Path {
		return http.StatusNotFound, "Not found"
	}
	if len(bytes.TrimSpace(req.body)) == 0 {
		return http.StatusBadRequest, "No body"
	}
	env, err := proto.DecodeEnvelope(req.body)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", remote).Msg("bridge body rejected")
		return http.StatusBadRequest, "Invalid JSON"
	}
	if env.ID != s.groupID {
		return http.StatusForbidden, "Invalid group ID"
	}
	if s.submit != nil {
		s.submit(env, dispatch.Origin{
			Peer: peer.Peer{ID: env.Sender, Addr: remote},
			Via:  dispatch.ViaBridge,
		})
	}
	return http.StatusOK, "Message processed"
}

func (s *Server) respond(conn net.Conn, status int, body string) {
	s.metrics.IncBridgeStatus(strconv.Itoa(status))
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(formatResponse(status, body)); err != nil {
		s.log.Debug().Err(err).Int("status", status).Msg("bridge write failed")
	}
}

func formatResponse(status int, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("Access-Control-Allow-Methods: POST, OPTIONS\r\n")
	b.WriteString("Access-Control-Allow-Headers: Content-Type\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// readRequest reads until EOF, a complete request, or maxRequestSize.
// Whatever arrived before a read error is returned with it.
func readRequest(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < maxRequestSize {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if requestComplete(buf) {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
	}
	if len(buf) > maxRequestSize {
		buf = buf[:maxRequestSize]
	}
	return buf, nil
}

var headerEnd = []byte("\r\n\r\n")

func requestComplete(buf []byte) bool {
	idx := bytes.Index(buf, headerEnd)
	if idx < 0 {
		return false
	}
	return len(buf)-idx-len(headerEnd) >= contentLength(buf[:idx])
}

func contentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\r\n")[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

type request struct {
	method string
	target string
	header map[string]string
	body   []byte
}

func (r request) path() string {
	p, _, _ := strings.Cut(r.target, "?")
	return p
}

var errMalformed = errors.New("malformed request")

func parseRequest(raw []byte) (request, error) {
	if !utf8.Valid(raw) {
		return request{}, errMalformed
	}
	head, body, _ := bytes.Cut(raw, headerEnd)
	lines := strings.Split(string(head), "\r\n")
	// Any request line starting with OPTIONS is a preflight, target or not.
	if strings.HasPrefix(lines[0], http.MethodOptions) {
		return request{method: http.MethodOptions, header: map[string]string{}}, nil
	}
	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return request{}, errMalformed
	}
	req := request{
		method: parts[0],
		target: parts[1],
		header: make(map[string]string),
		body:   body,
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.header[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if cl, ok := req.header["content-length"]; ok {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n < len(req.body) {
			req.body = req.body[:n]
		}
	}
	return req, nil
}
