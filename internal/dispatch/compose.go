package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nearcast/internal/crypto"
	"nearcast/internal/proto"
)

// Composer builds outbound envelopes stamped with the group id and the
// local sender identity.
type Composer struct {
	box    *crypto.Box
	sender string
	now    func() time.Time
}

func NewComposer(box *crypto.Box, sender string) *Composer {
	return &Composer{box: box, sender: sender, now: time.Now}
}

func (c *Composer) Sender() string {
	return c.sender
}

func (c *Composer) envelope(command string, payload []byte) (proto.Envelope, error) {
	env := proto.Envelope{ID: c.box.GroupID(), Sender: c.sender, Command: command}
	if payload == nil {
		return env, nil
	}
	content, err := c.box.Encrypt(payload)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	env.Content = content
	return env, nil
}

func (c *Composer) BuildDataEnvelope(records []json.RawMessage) (proto.Envelope, error) {
	payload, err := proto.EncodeDevices(records)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return c.envelope(proto.CmdData, payload)
}

// BuildResendRequest has empty content.
func (c *Composer) BuildResendRequest() proto.Envelope {
	return proto.Envelope{ID: c.box.GroupID(), Sender: c.sender, Command: proto.CmdResend}
}

func (c *Composer) BuildNotifyEnvelope(n proto.Notification) (proto.Envelope, error) {
	payload, err := proto.EncodeNotification(n)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return c.envelope(proto.CmdNotify, payload)
}

func (c *Composer) BuildTransEnvelope(d proto.TransDevice) (proto.Envelope, error) {
	payload, err := proto.EncodeTransDevice(d)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return c.envelope(proto.CmdTrans, payload)
}

// TransDeviceFor converts a battery record into a hand-off request. Device
// ids of Bluetooth peripherals are MAC addresses; receivers expect them
// lower case and dash separated.
func (c *Composer) TransDeviceFor(d proto.Device) proto.TransDevice {
	return proto.TransDevice{
		Time:  proto.ReferenceTime(c.now()),
		Type:  d.DeviceType,
		MAC:   strings.ToLower(strings.ReplaceAll(d.DeviceID, ":", "-")),
		Name:  d.DeviceName,
		Level: d.BatteryLevel,
	}
}

// DevicesToRecords encodes devices for BuildDataEnvelope.
func DevicesToRecords(devs ...proto.Device) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(devs))
	for _, d := range devs {
		rec, err := proto.EncodeDevice(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
