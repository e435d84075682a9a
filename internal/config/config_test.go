package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"nearcast/internal/crypto"
	"nearcast/internal/peer"
)

const testSecret = "nc-abcdefghijklmnopqrst"

func load(t *testing.T, requireSecret bool, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(args))
	return Load(v, requireSecret)
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := load(t, true, "--home", home, "--group-secret", testSecret, "--device-name", "desk")
	require.NoError(t, err)

	require.Equal(t, home, cfg.Home)
	require.Equal(t, "nc-abcdefghijkl", cfg.GroupSecret.GroupID())
	require.Equal(t, "desk", cfg.DeviceName)
	require.True(t, cfg.BridgeEnabled)
	require.Equal(t, ":7550", cfg.BridgeAddr)
	require.Equal(t, ":7551", cfg.ListenAddr)
	require.True(t, cfg.MDNSEnabled)
	require.Equal(t, "file", cfg.StoreBackend)
	require.Equal(t, 8, cfg.Workers)
	require.False(t, cfg.TransEnabled)
	require.Empty(t, cfg.MetricsAddr)

	b, err := os.ReadFile(filepath.Join(home, DeviceIDFile))
	require.NoError(t, err)
	require.Equal(t, cfg.DeviceID+"\n", string(b))

	again, err := load(t, true, "--home", home, "--group-secret", testSecret)
	require.NoError(t, err)
	require.Equal(t, cfg.DeviceID, again.DeviceID)
}

func TestLoadEnvAndFile(t *testing.T) {
	home := t.TempDir()
	yaml := "workers: 3\nstore_backend: badger\npeers:\n  - m=Mac@10.0.0.1:7551\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "nearcast.yaml"), []byte(yaml), 0o600))
	t.Setenv("NEARCAST_GROUP_SECRET", testSecret)
	t.Setenv("NEARCAST_TRANS_ENABLED", "true")

	cfg, err := load(t, true, "--home", home, "--device-id", "fixed", "--workers", "5")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Workers, "flag beats file")
	require.Equal(t, "badger", cfg.StoreBackend)
	require.True(t, cfg.TransEnabled)
	require.Equal(t, "fixed", cfg.DeviceID)
	require.Equal(t, []peer.Peer{{ID: "m", Name: "Mac", Addr: "10.0.0.1:7551"}}, cfg.Peers)
}

func TestLoadSecretRules(t *testing.T) {
	home := t.TempDir()
	_, err := load(t, true, "--home", home)
	require.ErrorIs(t, err, ErrMissingGroupSecret)

	cfg, err := load(t, false, "--home", home)
	require.NoError(t, err)
	require.Empty(t, string(cfg.GroupSecret))

	_, err = load(t, false, "--home", home, "--group-secret", "too-short")
	require.ErrorIs(t, err, crypto.ErrInvalidGroupSecret)
}

func TestValidate(t *testing.T) {
	home := t.TempDir()
	cases := map[string][]string{
		"backend":     {"--store-backend", "sqlite"},
		"workers":     {"--workers", "0"},
		"listen":      {"--listen-addr", "nope"},
		"bridge":      {"--bridge-addr", "7550"},
		"metrics":     {"--metrics-addr", "localhost"},
		"device id":   {"--device-id", "../etc"},
		"peer format": {"--peers", "justanid"},
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"--home", home, "--group-secret", testSecret}, extra...)
			_, err := load(t, true, args...)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := load(t, true, "--home", home, "--group-secret", testSecret, "--bridge-enabled=false", "--bridge-addr", "x")
	require.NoError(t, err, "bridge address ignored when the bridge is off")
}

func TestParsePeer(t *testing.T) {
	p, err := ParsePeer("abc=Work Mac@192.168.1.4:7551")
	require.NoError(t, err)
	require.Equal(t, peer.Peer{ID: "abc", Name: "Work Mac", Addr: "192.168.1.4:7551"}, p)

	p, err = ParsePeer("abc@[fe80::1]:7551")
	require.NoError(t, err)
	require.Equal(t, "abc", p.Name)

	for _, bad := range []string{"", "@h:1", "abc=x@host", "abc=x@:7551", "abc"} {
		_, err := ParsePeer(bad)
		require.ErrorIs(t, err, ErrInvalidConfig, bad)
	}
}
