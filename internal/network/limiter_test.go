package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPLimiterCaps(t *testing.T) {
	cases := []struct {
		name    string
		acquire func(*IPLimiter, string) bool
		release func(*IPLimiter, string)
		limit   int
	}{
		{"conns", (*IPLimiter).AcquireConn, (*IPLimiter).ReleaseConn, 1},
		{"streams", (*IPLimiter).AcquireStream, (*IPLimiter).ReleaseStream, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lim := NewIPLimiter(tc.limit, tc.limit)
			for i := 0; i < tc.limit; i++ {
				require.True(t, tc.acquire(lim, "192.168.1.20"))
			}
			require.False(t, tc.acquire(lim, "192.168.1.20"))
			require.True(t, tc.acquire(lim, "192.168.1.21"), "hosts are counted separately")

			tc.release(lim, "192.168.1.20")
			require.True(t, tc.acquire(lim, "192.168.1.20"))
		})
	}
}

func TestIPLimiterUnlimited(t *testing.T) {
	lim := NewIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, lim.AcquireConn("10.0.0.1"))
	}
	lim.ReleaseConn("10.0.0.1")
	require.Empty(t, lim.conns.held)
}

func TestNilIPLimiterAdmitsEverything(t *testing.T) {
	var none *IPLimiter
	require.NotPanics(t, func() {
		require.True(t, none.AcquireConn("10.0.0.1"))
		require.True(t, none.AcquireStream("10.0.0.1"))
		none.ReleaseConn("10.0.0.1")
		none.ReleaseStream("10.0.0.1")
	})
}

func TestIPLimiterReleaseClearsHost(t *testing.T) {
	lim := NewIPLimiter(3, 0)
	require.True(t, lim.AcquireConn("10.0.0.1"))
	require.True(t, lim.AcquireConn("10.0.0.1"))
	lim.ReleaseConn("10.0.0.1")
	lim.ReleaseConn("10.0.0.1")
	lim.ReleaseConn("10.0.0.1")
	require.NotContains(t, lim.conns.held, "10.0.0.1")
}
