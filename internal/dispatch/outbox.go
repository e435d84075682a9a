package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"nearcast/internal/metrics"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
)

var ErrUnknownPeer = errors.New("unknown peer")

// Transport is the outbound half of a peer transport.
type Transport interface {
	Peers() []peer.Peer
	Send(ctx context.Context, p peer.Peer, payload []byte) error
}

// Outbox sends composed envelopes over a Transport.
type Outbox struct {
	transport Transport
	composer  *Composer
	battery   BatteryProvider
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewOutbox(t Transport, c *Composer, battery BatteryProvider, m *metrics.Metrics, log zerolog.Logger) *Outbox {
	if m == nil {
		m = metrics.New()
	}
	return &Outbox{transport: t, composer: c, battery: battery, metrics: m, log: log}
}

func (o *Outbox) Composer() *Composer {
	return o.composer
}

// Broadcast sends env to every known peer once. A failing peer does not
// prevent delivery to the others; failures are returned together.
func (o *Outbox) Broadcast(ctx context.Context, env proto.Envelope) error {
	payload, err := proto.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	peers := peer.Dedup(o.transport.Peers())
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			if err := o.transport.Send(ctx, p, payload); err != nil {
				o.log.Warn().Err(err).Str("peer", p.ID).Str("command", env.Command).Msg("broadcast send failed")
				o.metrics.IncDropByReason(metrics.DropSend)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%w: %s: %v", ErrSend, p.ID, err))
				mu.Unlock()
				return
			}
			o.metrics.IncBroadcastSent()
		}(p)
	}
	wg.Wait()
	o.log.Debug().Str("command", env.Command).Int("peers", len(peers)).Msg("broadcast done")
	return result.ErrorOrNil()
}

func (o *Outbox) SendTo(ctx context.Context, peerID string, env proto.Envelope) error {
	for _, p := range o.transport.Peers() {
		if p.ID == peerID {
			return o.send(ctx, p, env)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
}

// SendToName sends env to every peer advertising name.
func (o *Outbox) SendToName(ctx context.Context, name string, env proto.Envelope) error {
	var result *multierror.Error
	found := false
	for _, p := range peer.Dedup(o.transport.Peers()) {
		if p.Name != name {
			continue
		}
		found = true
		if err := o.send(ctx, p, env); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if !found {
		return fmt.Errorf("%w: no peer named %q", ErrUnknownPeer, name)
	}
	return result.ErrorOrNil()
}

func (o *Outbox) send(ctx context.Context, p peer.Peer, env proto.Envelope) error {
	payload, err := proto.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if err := o.transport.Send(ctx, p, payload); err != nil {
		o.metrics.IncDropByReason(metrics.DropSend)
		return fmt.Errorf("%w: %s: %v", ErrSend, p.ID, err)
	}
	return nil
}

// Refresh asks every peer for its records.
func (o *Outbox) Refresh(ctx context.Context) error {
	return o.Broadcast(ctx, o.composer.BuildResendRequest())
}

// PushLocal broadcasts the live local record as a data envelope.
func (o *Outbox) PushLocal(ctx context.Context) error {
	if o.battery == nil {
		return fmt.Errorf("no battery provider")
	}
	dev, err := o.battery.Status()
	if err != nil {
		return fmt.Errorf("battery status: %w", err)
	}
	recs, err := DevicesToRecords(dev)
	if err != nil {
		return err
	}
	env, err := o.composer.BuildDataEnvelope(recs)
	if err != nil {
		return err
	}
	return o.Broadcast(ctx, env)
}

// TransDevice hands a Bluetooth device over to the peer(s) named name.
func (o *Outbox) TransDevice(ctx context.Context, d proto.Device, name string) error {
	env, err := o.composer.BuildTransEnvelope(o.composer.TransDeviceFor(d))
	if err != nil {
		return err
	}
	return o.SendToName(ctx, name, env)
}
