// internal/dispatch/dispatch.go
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"nearcast/internal/crypto"
	"nearcast/internal/metrics"
	"nearcast/internal/peer"
	"nearcast/internal/proto"
	"nearcast/internal/store"
)

var (
	ErrGroupMismatch  = errors.New("group id mismatch")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoReplyPath    = errors.New("no reply path")
	ErrEncoding       = errors.New("encoding failed")
	ErrPersist        = errors.New("persist failed")
	ErrSend           = errors.New("send failed")
)

// BatteryProvider reports the local device's live battery record.
type BatteryProvider interface {
	Status() (proto.Device, error)
}

type Notifier interface {
	Post(title, message string) error
}

// Bluetooth connects a device by MAC address (aa-bb-cc-dd-ee-ff).
type Bluetooth interface {
	ConnectByAddress(addr string) bool
}

type SnapshotStore interface {
	Replace(sender string, data []byte) error
	List() ([]store.Snapshot, error)
}

type Via string

const (
	ViaPeer   Via = "peer"
	ViaBridge Via = "bridge"
)

// Origin describes where an inbound envelope came from. Reply is nil when
// the transport has no way back to the sender.
type Origin struct {
	Peer  peer.Peer
	Via   Via
	Reply func(ctx context.Context, payload []byte) error
}

type Options struct {
	Box          *crypto.Box
	Composer     *Composer
	Store        SnapshotStore
	Battery      BatteryProvider
	Notifier     Notifier
	Bluetooth    Bluetooth
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	TransEnabled bool
}

// Dispatcher routes one inbound envelope at a time. It holds no per-message
// state and is safe for concurrent use.
type Dispatcher struct {
	box          *crypto.Box
	composer     *Composer
	store        SnapshotStore
	battery      BatteryProvider
	notifier     Notifier
	bt           Bluetooth
	metrics      *metrics.Metrics
	log          zerolog.Logger
	transEnabled bool
}

func New(opts Options) *Dispatcher {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	composer := opts.Composer
	if composer == nil {
		composer = NewComposer(opts.Box, "")
	}
	return &Dispatcher{
		box:          opts.Box,
		composer:     composer,
		store:        opts.Store,
		battery:      opts.Battery,
		notifier:     opts.Notifier,
		bt:           opts.Bluetooth,
		metrics:      m,
		log:          opts.Log,
		transEnabled: opts.TransEnabled,
	}
}

func (d *Dispatcher) GroupID() string {
	return d.box.GroupID()
}

// HandleRaw decodes data and dispatches it.
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte, origin Origin) error {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	return d.Handle(ctx, env, origin)
}

func (d *Dispatcher) Handle(ctx context.Context, env proto.Envelope, origin Origin) error {
	if env.ID != d.box.GroupID() {
		return ErrGroupMismatch
	}
	d.metrics.IncRecvByVia(string(origin.Via))
	d.metrics.IncRecvByCommand(env.Command)
	log := d.log.With().Str("sender", env.Sender).Str("via", string(origin.Via)).Logger()

	switch env.Command {
	case proto.CmdResend:
		log.Debug().Msg("resend requested")
		return d.handleResend(ctx, origin)
	case proto.CmdTrans:
		return d.handleTrans(ctx, env, origin, log)
	case proto.CmdNotify:
		log.Debug().Msg("notification received")
		return d.handleNotify(env, origin)
	case proto.CmdData:
		log.Debug().Msg("device data received")
		return d.handleData(env)
	default:
		return d.handleUnknown(ctx, env, origin)
	}
}

func (d *Dispatcher) decrypt(content string) ([]byte, error) {
	d.metrics.IncDecryptAttempt()
	return d.box.Decrypt(content)
}

func (d *Dispatcher) reply(ctx context.Context, origin Origin, env proto.Envelope) error {
	if origin.Reply == nil {
		return fmt.Errorf("%w: %s reply to %q", ErrNoReplyPath, env.Command, origin.Peer.ID)
	}
	b, err := proto.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if err := origin.Reply(ctx, b); err != nil {
		return fmt.Errorf("%w: reply to %q: %v", ErrSend, origin.Peer.ID, err)
	}
	d.metrics.IncReplySent()
	return nil
}

// LocalRecords returns the live local record followed by every stored
// record. A failing battery provider contributes nothing.
func (d *Dispatcher) LocalRecords() ([]json.RawMessage, error) {
	var out []json.RawMessage
	if d.battery != nil {
		dev, err := d.battery.Status()
		if err != nil {
			d.log.Warn().Err(err).Msg("battery status unavailable, replying with stored records")
		} else {
			rec, err := proto.EncodeDevice(dev)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
			}
			out = append(out, rec)
		}
	}
	if d.store == nil {
		return out, nil
	}
	snaps, err := d.store.List()
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", ErrPersist, err)
	}
	for _, s := range snaps {
		recs, err := proto.DecodeDevices(s.Data)
		if err != nil {
			d.log.Warn().Err(err).Str("sender", s.Sender).Msg("skipping unreadable snapshot")
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (d *Dispatcher) handleResend(ctx context.Context, origin Origin) error {
	records, err := d.LocalRecords()
	if err != nil {
		return err
	}
	env, err := d.composer.BuildDataEnvelope(records)
	if err != nil {
		return err
	}
	return d.reply(ctx, origin, env)
}

func (d *Dispatcher) handleTrans(ctx context.Context, env proto.Envelope, origin Origin, log zerolog.Logger) error {
	if !d.transEnabled || d.bt == nil {
		log.Info().Msg("device received")
		return nil
	}
	plain, err := d.decrypt(env.Content)
	if err != nil {
		return err
	}
	dev, err := proto.DecodeTransDevice(plain)
	if err != nil {
		return err
	}
	from := senderName(env, origin)
	if d.bt.ConnectByAddress(dev.MAC) {
		log.Info().Str("mac", dev.MAC).Msg("device connected")
		return d.post("Device Connected", fmt.Sprintf("%s from %s", dev.Name, from))
	}
	log.Warn().Str("mac", dev.MAC).Msg("device connect failed")
	reply, err := d.composer.BuildNotifyEnvelope(proto.Notification{
		Type:  proto.NotifyBluetoothError,
		Title: "Connection Failed",
		Info:  fmt.Sprintf("cannot connect to %s!", dev.Name),
		Atta:  dev.MAC,
	})
	if err != nil {
		return err
	}
	return d.reply(ctx, origin, reply)
}

func (d *Dispatcher) handleNotify(env proto.Envelope, origin Origin) error {
	plain, err := d.decrypt(env.Content)
	if err != nil {
		return err
	}
	n, err := proto.DecodeNotification(plain)
	if err != nil {
		return err
	}
	from := senderName(env, origin)
	if origin.Via == ViaBridge {
		return d.post(n.Title, fmt.Sprintf("%s (from %s)", n.Info, from))
	}
	switch n.Type {
	case proto.NotifyError:
		return d.post(n.Title, fmt.Sprintf("%s (%s)", n.Info, from))
	case proto.NotifyUnknownCommand:
		return d.post(n.Title, fmt.Sprintf("%s %s", from, n.Info))
	case proto.NotifyBluetoothError:
		if d.bt != nil && n.Atta != "" {
			_ = d.bt.ConnectByAddress(n.Atta)
		}
		return d.post(n.Title, fmt.Sprintf("%s %s", from, n.Info))
	default:
		return d.post(n.Title, n.Info)
	}
}

func (d *Dispatcher) post(title, message string) error {
	if d.notifier == nil {
		return nil
	}
	if err := d.notifier.Post(title, message); err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	d.metrics.IncNotified()
	return nil
}

func (d *Dispatcher) handleData(env proto.Envelope) error {
	plain, err := d.decrypt(env.Content)
	if err != nil {
		return err
	}
	if _, err := proto.DecodeDevices(plain); err != nil {
		return err
	}
	if d.store == nil {
		return fmt.Errorf("%w: no snapshot store", ErrPersist)
	}
	if err := d.store.Replace(env.Sender, plain); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	d.metrics.IncPersisted()
	return nil
}

func (d *Dispatcher) handleUnknown(ctx context.Context, env proto.Envelope, origin Origin) error {
	var result *multierror.Error
	result = multierror.Append(result, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command))
	reply, err := d.composer.BuildNotifyEnvelope(proto.Notification{
		Type:  proto.NotifyUnknownCommand,
		Title: "Unknown Command",
		Info:  fmt.Sprintf("doesn't support command \"%s\"", env.Command),
	})
	if err == nil {
		err = d.reply(ctx, origin, reply)
	}
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func senderName(env proto.Envelope, origin Origin) string {
	if origin.Peer.Name != "" {
		return origin.Peer.Name
	}
	return env.Sender
}
