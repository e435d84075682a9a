// internal/proto/envelope.go
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MaxMessageSize = 1 << 20

	CmdData   = ""
	CmdResend = "resend"
	CmdTrans  = "trans"
	CmdNotify = "notify"
)

var ErrDecode = errors.New("decode failed")

// Envelope is the only message shape on every transport. Content is empty or
// the base64 output of crypto.Seal.
type Envelope struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Command string `json:"command"`
	Content string `json:"content"`
}

// envelopeKeys are matched exactly. encoding/json folds case on struct
// fields, but existing peers treat "ID" and "id" as different keys.
var envelopeKeys = [...]string{"id", "sender", "command", "content"}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxMessageSize {
		return Envelope{}, fmt.Errorf("%w: envelope too large (%d bytes)", ErrDecode, len(data))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var vals [len(envelopeKeys)]string
	for i, key := range envelopeKeys {
		raw, ok := fields[key]
		if !ok {
			return Envelope{}, fmt.Errorf("%w: missing %s", ErrDecode, key)
		}
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrDecode, key, err)
		}
		if v == nil {
			return Envelope{}, fmt.Errorf("%w: missing %s", ErrDecode, key)
		}
		vals[i] = *v
	}
	return Envelope{ID: vals[0], Sender: vals[1], Command: vals[2], Content: vals[3]}, nil
}

// DecodeDevices checks that a decrypted data payload is a JSON array and
// returns its elements untouched.
func DecodeDevices(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: device list is not a JSON array", ErrDecode)
	}
	var out []json.RawMessage
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

func EncodeDevices(devices []json.RawMessage) ([]byte, error) {
	if devices == nil {
		devices = []json.RawMessage{}
	}
	return json.Marshal(devices)
}
