package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"nearcast/internal/bridge"
	"nearcast/internal/config"
	"nearcast/internal/crypto"
	"nearcast/internal/debuglog"
	"nearcast/internal/dispatch"
	"nearcast/internal/metrics"
	"nearcast/internal/network"
	"nearcast/internal/peer"
	"nearcast/internal/platform"
	"nearcast/internal/proto"
	"nearcast/internal/store"
)

const (
	defaultMaxQueued     = 1024
	snapshotInterval     = time.Second
	metricsSnapshotFile  = "metrics.json"
	shutdownGrace        = 5 * time.Second
	DefaultRefreshPeriod = 2 * time.Minute
)

// Transport is a peer transport the runner can serve and send on.
type Transport interface {
	network.PeerTransport
	Serve(ctx context.Context, handle network.Handler) error
	Close() error
}

type Options struct {
	Transport Transport
	Store     store.Store
	Battery   dispatch.BatteryProvider
	Notifier  dispatch.Notifier
	Bluetooth dispatch.Bluetooth
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	// RefreshPeriod is the interval between broadcast resend requests.
	// Zero uses DefaultRefreshPeriod; negative disables the loop.
	RefreshPeriod time.Duration
	MaxQueued     int
}

// Runner owns every long-lived component of one node.
type Runner struct {
	Config     config.Config
	Store      store.Store
	Metrics    *metrics.Metrics
	Registry   *peer.Registry
	Dispatcher *dispatch.Dispatcher
	Outbox     *dispatch.Outbox

	transport  Transport
	quic       *network.QUICTransport
	bridge     *bridge.Server
	metricsSrv *metrics.Server
	pool       *workerpool.WorkerPool
	policy     *dispatch.Policy
	log        zerolog.Logger
	baseLog    zerolog.Logger

	refreshPeriod time.Duration
	maxQueued     int
	snapPath      string
	stopSnap      chan struct{}

	mu           sync.RWMutex
	ctx          context.Context
	stopped      bool
	shutdownOnce sync.Once
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("missing home")
	}
	log := debuglog.Component(opts.Log, "daemon")
	box, err := crypto.NewBox(cfg.GroupSecret, crypto.NewKeyring())
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	st := opts.Store
	if st == nil {
		st, err = store.Open(cfg.StoreBackend, cfg.Home)
		if err != nil {
			return nil, err
		}
	}

	registry := peer.NewRegistry(0, 0)
	for _, p := range cfg.Peers {
		registry.Pin(p)
	}

	r := &Runner{
		Config:        cfg,
		Store:         st,
		Metrics:       m,
		Registry:      registry,
		log:           log,
		baseLog:       opts.Log,
		refreshPeriod: opts.RefreshPeriod,
		maxQueued:     opts.MaxQueued,
		snapPath:      filepath.Join(cfg.Home, metricsSnapshotFile),
		stopSnap:      make(chan struct{}, 1),
		ctx:           context.Background(),
	}
	if r.refreshPeriod == 0 {
		r.refreshPeriod = DefaultRefreshPeriod
	}
	if r.maxQueued <= 0 {
		r.maxQueued = defaultMaxQueued
	}

	r.transport = opts.Transport
	if r.transport == nil {
		q, err := network.NewQUIC(network.QUICConfig{
			ListenAddr: cfg.ListenAddr,
			Secret:     cfg.GroupSecret,
			Registry:   registry,
			Log:        debuglog.Component(opts.Log, "quic"),
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		r.quic = q
		r.transport = q
	}

	battery := opts.Battery
	if battery == nil {
		battery = platform.NewSysfsBattery(cfg.DeviceID, cfg.DeviceName)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = platform.Notifier(debuglog.Component(opts.Log, "notify"))
	}
	bt := opts.Bluetooth
	if bt == nil && cfg.TransEnabled {
		bz, err := platform.NewBlueZ(cfg.BluetoothAdapter, debuglog.Component(opts.Log, "bluez"))
		if err != nil {
			log.Warn().Err(err).Msg("bluetooth unavailable, trans requests will be ignored")
		} else {
			bt = bz
		}
	}

	composer := dispatch.NewComposer(box, cfg.DeviceID)
	r.Dispatcher = dispatch.New(dispatch.Options{
		Box:          box,
		Composer:     composer,
		Store:        st,
		Battery:      battery,
		Notifier:     notifier,
		Bluetooth:    bt,
		Metrics:      m,
		Log:          debuglog.Component(opts.Log, "dispatch"),
		TransEnabled: cfg.TransEnabled,
	})
	r.Outbox = dispatch.NewOutbox(r.transport, composer, battery, m, debuglog.Component(opts.Log, "outbox"))
	r.policy = dispatch.NewPolicy(debuglog.Component(opts.Log, "policy"), m)

	workers := cfg.Workers
	if workers < 1 {
		workers = config.DefaultWorkers
	}
	r.pool = workerpool.New(workers)

	if cfg.BridgeEnabled {
		r.bridge = bridge.New(bridge.Config{
			Addr:    cfg.BridgeAddr,
			GroupID: box.GroupID(),
			Metrics: m,
			Log:     debuglog.Component(opts.Log, "bridge"),
		}, r.submitEnvelope)
	}
	return r, nil
}

// ListenAddr is the bound QUIC address, empty for injected transports or
// before RunWithContext has bound it.
func (r *Runner) ListenAddr() string {
	if r.quic == nil {
		return ""
	}
	return r.quic.Addr()
}

func (r *Runner) BridgeAddr() string {
	if b := r.bridgeServer(); b != nil {
		return b.Addr()
	}
	return ""
}

func (r *Runner) bridgeServer() *bridge.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridge
}

func (r *Runner) Peers() []peer.Peer {
	return r.transport.Peers()
}

func (r *Runner) Run() error {
	return r.RunWithContext(context.Background(), nil)
}

// RunWithContext serves until ctx is done or the transport fails. ready
// receives the bound QUIC address once every listener is up.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errors.New("runner already stopped")
	}
	r.ctx = ctx
	r.mu.Unlock()

	if r.quic != nil {
		if err := r.quic.Listen(); err != nil {
			r.shutdown()
			return err
		}
	}
	if b := r.bridgeServer(); b != nil {
		if err := b.Start(); err != nil {
			if !errors.Is(err, bridge.ErrListenerBind) {
				r.shutdown()
				return err
			}
			r.log.Warn().Err(err).Msg("bridge disabled")
			r.mu.Lock()
			r.bridge = nil
			r.mu.Unlock()
		}
	}
	if r.Config.MetricsAddr != "" {
		srv, err := metrics.Serve(r.Config.MetricsAddr, r.Config.MetricsPublic, r.Metrics, debuglog.Component(r.baseLog, "metrics"))
		if err != nil {
			r.log.Warn().Err(err).Msg("metrics server disabled")
		} else {
			r.metricsSrv = srv
		}
	}
	r.StartSnapshotWriter(snapshotInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.transport.Serve(ctx, r.handleInbound)
	}()
	if r.quic != nil && r.Config.MDNSEnabled {
		self := peer.Peer{ID: r.Config.DeviceID, Name: r.Config.DeviceName}
		d := network.NewDiscovery(self, r.quic.Port(), r.Registry, debuglog.Component(r.baseLog, "mdns"))
		go func() {
			if err := d.Run(ctx); err != nil {
				r.log.Warn().Err(err).Msg("mdns discovery stopped")
			}
		}()
	}
	if r.refreshPeriod > 0 {
		go r.refreshLoop(ctx)
	}

	r.log.Info().Str("device", r.Config.DeviceName).Str("quic", r.ListenAddr()).
		Str("bridge", r.BridgeAddr()).Msg("nearcast running")
	if ready != nil {
		select {
		case ready <- r.ListenAddr():
		default:
		}
	}

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	cancel()
	r.shutdown()
	return err
}

func (r *Runner) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Outbox.Refresh(ctx); err != nil {
				r.log.Debug().Err(err).Msg("periodic refresh incomplete")
			}
		}
	}
}

// shutdown stops ingress first, then drains queued work.
func (r *Runner) shutdown() {
	r.shutdownOnce.Do(r.doShutdown)
}

func (r *Runner) doShutdown() {
	if b := r.bridgeServer(); b != nil {
		if err := b.Stop(); err != nil {
			r.log.Warn().Err(err).Msg("bridge stop")
		}
	}
	if err := r.transport.Close(); err != nil {
		r.log.Debug().Err(err).Msg("transport close")
	}
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.pool.StopWait()
	if r.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = r.metricsSrv.Close(ctx)
		cancel()
	}
	r.StopSnapshotWriter()
	_ = r.Metrics.WriteSnapshot(r.snapPath)
}

// Close releases the store. Call after RunWithContext has returned.
func (r *Runner) Close() error {
	r.shutdown()
	return r.Store.Close()
}

func (r *Runner) handleInbound(data []byte, from peer.Peer, reply network.ReplyFunc) {
	origin := dispatch.Origin{Peer: from, Via: dispatch.ViaPeer, Reply: reply}
	r.submit(origin, func(ctx context.Context) error {
		return r.Dispatcher.HandleRaw(ctx, data, origin)
	})
}

func (r *Runner) submitEnvelope(env proto.Envelope, origin dispatch.Origin) {
	r.submit(origin, func(ctx context.Context) error {
		return r.Dispatcher.Handle(ctx, env, origin)
	})
}

// submit queues one message on the worker pool. Messages arriving after
// shutdown or beyond the queue bound are dropped as overload.
func (r *Runner) submit(origin dispatch.Origin, fn func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped || r.pool.WaitingQueueSize() >= r.maxQueued {
		r.Metrics.IncDropByReason(metrics.DropOverload)
		return
	}
	ctx := r.ctx
	r.pool.Submit(func() {
		r.policy.Run(origin, func() error { return fn(ctx) })
	})
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					r.log.Debug().Err(err).Msg("metrics snapshot write failed")
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	select {
	case r.stopSnap <- struct{}{}:
	default:
	}
}
