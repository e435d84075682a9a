package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"nearcast/internal/crypto"
	"nearcast/internal/debuglog"
	"nearcast/internal/metrics"
	"nearcast/internal/proto"
)

// Policy turns handler errors into log lines and drop counters. Nothing
// returned by a handler stops the caller's loop.
type Policy struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	limiter *debuglog.Limiter
}

func NewPolicy(log zerolog.Logger, m *metrics.Metrics) *Policy {
	if m == nil {
		m = metrics.New()
	}
	return &Policy{log: log, metrics: m, limiter: debuglog.NewLimiter(10 * time.Second)}
}

// Run calls fn, recovering a panic into an error, and observes the result.
func (p *Policy) Run(origin Origin, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.IncDropByReason(metrics.DropPanic)
				p.log.Error().Str("peer", origin.Peer.ID).Str("via", string(origin.Via)).
					Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("handler panic recovered")
			}
		}()
		err = fn()
	}()
	p.Observe(err, origin)
}

// Reason maps an error to its drop counter label. Informational errors map
// to the empty string.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGroupMismatch):
		return metrics.DropGroupMismatch
	case errors.Is(err, crypto.ErrDecryption):
		return metrics.DropDecrypt
	case errors.Is(err, proto.ErrDecode):
		return metrics.DropDecode
	case errors.Is(err, ErrEncoding):
		return metrics.DropEncoding
	case errors.Is(err, ErrPersist):
		return metrics.DropPersist
	case errors.Is(err, ErrNoReplyPath):
		return metrics.DropNoReplyPath
	case errors.Is(err, ErrSend):
		return metrics.DropSend
	case errors.Is(err, ErrUnknownCommand):
		return ""
	default:
		return metrics.DropOther
	}
}

func (p *Policy) Observe(err error, origin Origin) {
	if err == nil {
		return
	}
	reason := Reason(err)
	if reason != "" {
		p.metrics.IncDropByReason(reason)
	}
	key := reason + "|" + string(origin.Via) + "|" + origin.Peer.ID
	switch reason {
	case metrics.DropGroupMismatch:
		// never log the envelope id; it is derived from another group's secret
		p.limiter.Debug(p.log, key).Str("peer", origin.Peer.ID).Str("via", string(origin.Via)).Msg("dropped envelope for another group")
	case "":
		p.log.Info().Err(err).Str("peer", origin.Peer.ID).Str("via", string(origin.Via)).Msg("unsupported command")
	case metrics.DropNoReplyPath:
		p.log.Info().Err(err).Str("via", string(origin.Via)).Msg("reply skipped")
	default:
		if p.limiter.Allow(key) {
			p.log.Warn().Err(err).Str("reason", reason).Str("peer", origin.Peer.ID).Str("via", string(origin.Via)).Msg("message dropped")
		}
	}
}
