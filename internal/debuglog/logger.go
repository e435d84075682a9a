package debuglog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Console output is for interactive use; JSON
// lines otherwise.
func New(w io.Writer, debug, console bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// IsTerminal reports whether f is attached to a character device.
func IsTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Component tags a logger with the owning component.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Limiter suppresses repeats of the same key within an interval. Used on hot
// drop paths where a misbehaving peer could flood the log.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
	now      func() time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Limiter{interval: interval, last: make(map[string]time.Time), now: time.Now}
}

func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Debug returns a debug event for key, or nil when key fired recently. A nil
// event discards everything chained onto it.
func (l *Limiter) Debug(log zerolog.Logger, key string) *zerolog.Event {
	if !l.Allow(key) {
		return nil
	}
	return log.Debug()
}
