package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nearcast/internal/metrics"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
)

type fakeTransport struct {
	peers []peer.Peer
	fail  map[string]bool

	mu   sync.Mutex
	sent map[string][]proto.Envelope
}

func (f *fakeTransport) Peers() []peer.Peer {
	return f.peers
}

func (f *fakeTransport) Send(_ context.Context, p peer.Peer, payload []byte) error {
	if f.fail[p.ID] {
		return errBoom
	}
	env, err := proto.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]proto.Envelope)
	}
	f.sent[p.ID] = append(f.sent[p.ID], env)
	return nil
}

func (f *fakeTransport) sentTo(id string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[id]
}

func newOutbox(t *testing.T, tr *fakeTransport, battery BatteryProvider) (*Outbox, *metrics.Metrics) {
	box := newBox(t, groupSecret)
	m := metrics.New()
	return NewOutbox(tr, NewComposer(box, "local-uuid"), battery, m, zerolog.Nop()), m
}

func TestBroadcastDedupsAndIsolatesFailures(t *testing.T) {
	tr := &fakeTransport{
		peers: []peer.Peer{{ID: "a"}, {ID: "b"}, {ID: "a"}, {ID: "c"}},
		fail:  map[string]bool{"b": true},
	}
	o, m := newOutbox(t, tr, nil)
	err := o.Refresh(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSend))

	require.Len(t, tr.sentTo("a"), 1)
	require.Len(t, tr.sentTo("c"), 1)
	require.Empty(t, tr.sentTo("b"))
	env := tr.sentTo("a")[0]
	require.Equal(t, proto.CmdResend, env.Command)
	require.Empty(t, env.Content)
	require.Equal(t, "local-uuid", env.Sender)
	require.EqualValues(t, 2, m.Snapshot().BroadcastsSent)
	require.EqualValues(t, 1, m.DropCount(metrics.DropSend))
}

func TestBroadcastNoPeers(t *testing.T) {
	o, _ := newOutbox(t, &fakeTransport{}, nil)
	require.NoError(t, o.Refresh(context.Background()))
}

func TestPushLocal(t *testing.T) {
	tr := &fakeTransport{peers: []peer.Peer{{ID: "a"}}}
	o, _ := newOutbox(t, tr, fakeBattery{dev: proto.Device{DeviceName: "Local", BatteryLevel: 40}})
	require.NoError(t, o.PushLocal(context.Background()))
	env := tr.sentTo("a")[0]
	require.Equal(t, proto.CmdData, env.Command)
	plain, err := newBox(t, groupSecret).Decrypt(env.Content)
	require.NoError(t, err)
	recs, err := proto.DecodeDevices(plain)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	o2, _ := newOutbox(t, tr, fakeBattery{err: errBoom})
	require.Error(t, o2.PushLocal(context.Background()))
}

func TestSendToAndByName(t *testing.T) {
	tr := &fakeTransport{peers: []peer.Peer{
		{ID: "a", Name: "Desk"}, {ID: "b", Name: "Laptop"}, {ID: "c", Name: "Laptop"},
	}}
	o, _ := newOutbox(t, tr, nil)
	env := o.Composer().BuildResendRequest()

	require.NoError(t, o.SendTo(context.Background(), "a", env))
	require.True(t, errors.Is(o.SendTo(context.Background(), "zz", env), ErrUnknownPeer))

	require.NoError(t, o.SendToName(context.Background(), "Laptop", env))
	var got []string
	for _, id := range []string{"a", "b", "c"} {
		if len(tr.sentTo(id)) > 0 {
			got = append(got, id)
		}
	}
	sort.Strings(got)
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.True(t, errors.Is(o.SendToName(context.Background(), "Nobody", env), ErrUnknownPeer))
}

func TestTransDeviceNormalizesMAC(t *testing.T) {
	tr := &fakeTransport{peers: []peer.Peer{{ID: "b", Name: "Laptop"}}}
	o, _ := newOutbox(t, tr, nil)
	o.composer.now = func() time.Time { return time.Date(2001, 1, 1, 0, 0, 10, 0, time.UTC) }
	dev := proto.Device{DeviceID: "AA:BB:CC:DD:EE:FF", DeviceName: "Keyboard", DeviceType: "Keyboard", BatteryLevel: 12}
	require.NoError(t, o.TransDevice(context.Background(), dev, "Laptop"))

	env := tr.sentTo("b")[0]
	require.Equal(t, proto.CmdTrans, env.Command)
	plain, err := newBox(t, groupSecret).Decrypt(env.Content)
	require.NoError(t, err)
	td, err := proto.DecodeTransDevice(plain)
	require.NoError(t, err)
	require.Equal(t, "aa-bb-cc-dd-ee-ff", td.MAC)
	require.Equal(t, 12, td.Level)
	require.Equal(t, float64(10), td.Time)
}
