package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeader is the big-endian uint32 length that prefixes every envelope
// written to a QUIC stream.
const frameHeader = 4

var ErrFrameSize = errors.New("frame size out of range")

func checkFrameSize(n int) error {
	if n <= 0 || n > MaxMessageSize {
		return fmt.Errorf("%w: %d", ErrFrameSize, n)
	}
	return nil
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if err := checkFrameSize(len(payload)); err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, frameHeader+len(payload)), uint32(len(payload)))
	return append(out, payload...), nil
}

// ReadFrame reads exactly one frame. The size is checked before the payload
// buffer is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if err := checkFrameSize(n); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	n, err := w.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	return err
}
