package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nearcast/internal/crypto"
	"nearcast/internal/metrics"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
	"nearcast/internal/store"
)

const (
	groupSecret = "nc-abcdefghijklmnopqrst"
	otherSecret = "zz-abcdefghijklmnopqrst"
)

func newBox(t *testing.T, s string) *crypto.Box {
	t.Helper()
	secret, err := crypto.ParseGroupSecret(s)
	require.NoError(t, err)
	box, err := crypto.NewBox(secret, nil)
	require.NoError(t, err)
	return box
}

type memStore struct {
	mu    sync.Mutex
	snaps map[string][]byte
	order []string
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string][]byte)}
}

func (s *memStore) Replace(sender string, data []byte) error {
	if err := store.ValidateSender(sender); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[sender]; !ok {
		s.order = append(s.order, sender)
	}
	s.snaps[sender] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) List() ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Snapshot, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, store.Snapshot{Sender: k, Data: s.snaps[k]})
	}
	return out, nil
}

func (s *memStore) get(sender string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.snaps[sender]
	return b, ok
}

type post struct{ title, message string }

type recordingNotifier struct {
	mu    sync.Mutex
	posts []post
}

func (n *recordingNotifier) Post(title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, post{title, message})
	return nil
}

func (n *recordingNotifier) all() []post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]post(nil), n.posts...)
}

type fakeBluetooth struct {
	ok    bool
	mu    sync.Mutex
	calls []string
}

func (b *fakeBluetooth) ConnectByAddress(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, addr)
	return b.ok
}

type fakeBattery struct {
	dev proto.Device
	err error
}

func (b fakeBattery) Status() (proto.Device, error) {
	return b.dev, b.err
}

type replies struct {
	mu   sync.Mutex
	envs []proto.Envelope
}

func (r *replies) origin(id, name string) Origin {
	return Origin{
		Peer: peer.Peer{ID: id, Name: name},
		Via:  ViaPeer,
		Reply: func(_ context.Context, payload []byte) error {
			env, err := proto.DecodeEnvelope(payload)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.envs = append(r.envs, env)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *replies) all() []proto.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Envelope(nil), r.envs...)
}

type fixture struct {
	box      *crypto.Box
	store    *memStore
	notifier *recordingNotifier
	bt       *fakeBluetooth
	metrics  *metrics.Metrics
	d        *Dispatcher
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		box:      newBox(t, groupSecret),
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		bt:       &fakeBluetooth{ok: true},
		metrics:  metrics.New(),
	}
	opts := Options{
		Box:       f.box,
		Composer:  NewComposer(f.box, "local-uuid"),
		Store:     f.store,
		Battery:   fakeBattery{dev: proto.Device{DeviceName: "Local", BatteryLevel: 77, HasBattery: true}},
		Notifier:  f.notifier,
		Bluetooth: f.bt,
		Metrics:   f.metrics,
		Log:       zerolog.Nop(),
	}
	if mod != nil {
		mod(&opts)
	}
	f.d = New(opts)
	return f
}

// seal builds an envelope with content sealed under box.
func seal(t *testing.T, box *crypto.Box, sender, command string, plain []byte) proto.Envelope {
	t.Helper()
	env := proto.Envelope{ID: box.GroupID(), Sender: sender, Command: command}
	if plain != nil {
		c, err := box.Encrypt(plain)
		require.NoError(t, err)
		env.Content = c
	}
	return env
}

func openNotification(t *testing.T, box *crypto.Box, env proto.Envelope) proto.Notification {
	t.Helper()
	require.Equal(t, proto.CmdNotify, env.Command)
	plain, err := box.Decrypt(env.Content)
	require.NoError(t, err)
	n, err := proto.DecodeNotification(plain)
	require.NoError(t, err)
	return n
}

var errBoom = errors.New("boom")
