package network

import (
	"context"

	"nearcast/internal/peer"
)

// PeerTransport delivers opaque envelope bytes to group members.
type PeerTransport interface {
	Peers() []peer.Peer
	Send(ctx context.Context, p peer.Peer, payload []byte) error
}

// ReplyFunc sends payload back to the peer an inbound message came from.
type ReplyFunc func(ctx context.Context, payload []byte) error

// Handler receives one inbound payload. It must not block for long; the
// daemon hands the payload to its worker pool.
type Handler func(data []byte, from peer.Peer, reply ReplyFunc)
