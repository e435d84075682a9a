package store

import (
	"fmt"
	"testing"
)

var benchSnapshot = []byte(`[{"deviceID":"bench","deviceName":"Bench","batteryLevel":50,"isCharging":0,"lastUpdate":1700000000.5}]`)

func benchBackends(b *testing.B) map[string]Store {
	b.Helper()
	fs, err := NewFileStore(b.TempDir())
	if err != nil {
		b.Fatalf("file store: %v", err)
	}
	bs, err := OpenBadgerInMemory()
	if err != nil {
		b.Fatalf("badger store: %v", err)
	}
	b.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{BackendFile: fs, BackendBadger: bs}
}

func BenchmarkReplace(b *testing.B) {
	for name, st := range benchBackends(b) {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(benchSnapshot)))
			for i := 0; i < b.N; i++ {
				if err := st.Replace("bench", benchSnapshot); err != nil {
					b.Fatalf("replace: %v", err)
				}
			}
		})
	}
}

// BenchmarkResendList measures the store scan a resend reply performs.
func BenchmarkResendList(b *testing.B) {
	for name, st := range benchBackends(b) {
		for i := 0; i < 32; i++ {
			if err := st.Replace(fmt.Sprintf("peer-%02d", i), benchSnapshot); err != nil {
				b.Fatalf("seed: %v", err)
			}
		}
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				snaps, err := st.List()
				if err != nil || len(snaps) != 32 {
					b.Fatalf("list: %d %v", len(snaps), err)
				}
			}
		})
	}
}
