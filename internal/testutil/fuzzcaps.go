// Package testutil bounds fuzz inputs so decoders are exercised at the sizes
// the transports actually admit.
package testutil

import (
	"testing"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxFuzzBytes matches the bridge request bound.
	DefaultMaxFuzzBytes = 64 << 10
	DefaultFuzzTimeout  = 200 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// CapString truncates s to at most max bytes without splitting a rune.
func CapString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(s[cut]); i++ {
		cut--
	}
	return s[:cut]
}

// AddSeeds registers each seed as a single []byte corpus entry.
func AddSeeds(f *testing.F, seeds ...string) {
	f.Helper()
	for _, s := range seeds {
		f.Add([]byte(s))
	}
}

// WithTimeout fails t when fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
