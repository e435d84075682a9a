// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nearcast/internal/bridge"
	"nearcast/internal/crypto"
	"nearcast/internal/peer"
	"nearcast/internal/platform"
	"nearcast/internal/store"
)

const (
	EnvPrefix      = "NEARCAST"
	ConfigName     = "nearcast"
	DeviceIDFile   = "device_id"
	DefaultHomeDir = ".nearcast"

	DefaultListenAddr = ":7551"
	DefaultWorkers    = 8
)

// Keys shared by flags, env (NEARCAST_<KEY>) and the config file.
const (
	KeyHome             = "home"
	KeyGroupSecret      = "group_secret"
	KeyDeviceName       = "device_name"
	KeyDeviceID         = "device_id"
	KeyBridgeEnabled    = "bridge_enabled"
	KeyBridgeAddr       = "bridge_addr"
	KeyListenAddr       = "listen_addr"
	KeyPeers            = "peers"
	KeyMDNSEnabled      = "mdns_enabled"
	KeyStoreBackend     = "store_backend"
	KeyWorkers          = "workers"
	KeyTransEnabled     = "trans_enabled"
	KeyBluetoothAdapter = "bluetooth_adapter"
	KeyMetricsAddr      = "metrics_addr"
	KeyMetricsPublic    = "metrics_public"
	KeyDebug            = "debug"
)

var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrMissingGroupSecret = errors.New("group secret not configured")
)

type Config struct {
	Home             string
	GroupSecret      crypto.GroupSecret
	DeviceName       string
	DeviceID         string
	BridgeEnabled    bool
	BridgeAddr       string
	ListenAddr       string
	Peers            []peer.Peer
	MDNSEnabled      bool
	StoreBackend     string
	Workers          int
	TransEnabled     bool
	BluetoothAdapter string
	MetricsAddr      string
	MetricsPublic    bool
	Debug            bool
}

// BindFlags registers every key on fs and binds it into v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String(flagName(KeyHome), "", "state directory (default ~/.nearcast)")
	fs.String(flagName(KeyGroupSecret), "", "shared group secret (at least 23 characters)")
	fs.String(flagName(KeyDeviceName), "", "advertised device name (default hostname)")
	fs.String(flagName(KeyDeviceID), "", "device identity (default: persisted UUID)")
	fs.Bool(flagName(KeyBridgeEnabled), true, "accept envelopes over the HTTP bridge")
	fs.String(flagName(KeyBridgeAddr), bridge.DefaultAddr, "HTTP bridge listen address")
	fs.String(flagName(KeyListenAddr), DefaultListenAddr, "QUIC listen address")
	fs.StringSlice(flagName(KeyPeers), nil, "static peers as id=name@host:port")
	fs.Bool(flagName(KeyMDNSEnabled), true, "discover peers with mDNS")
	fs.String(flagName(KeyStoreBackend), store.BackendFile, "snapshot store backend (file|badger)")
	fs.Int(flagName(KeyWorkers), DefaultWorkers, "message worker pool size")
	fs.Bool(flagName(KeyTransEnabled), false, "honour trans (Bluetooth connect) requests")
	fs.String(flagName(KeyBluetoothAdapter), platform.DefaultAdapter, "BlueZ adapter for trans requests")
	fs.String(flagName(KeyMetricsAddr), "", "metrics and pprof listen address (empty disables)")
	fs.Bool(flagName(KeyMetricsPublic), false, "allow a non-loopback metrics address")
	fs.Bool(flagName(KeyDebug), false, "debug logging")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Load resolves flags, NEARCAST_* env and <home>/nearcast.yaml into a
// validated Config. requireSecret makes a missing group secret an error.
func Load(v *viper.Viper, requireSecret bool) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	home, err := resolveHome(v.GetString(KeyHome))
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("%w: read config: %v", ErrInvalidConfig, err)
		}
	}

	cfg := Config{
		Home:             home,
		DeviceName:       v.GetString(KeyDeviceName),
		DeviceID:         v.GetString(KeyDeviceID),
		BridgeEnabled:    v.GetBool(KeyBridgeEnabled),
		BridgeAddr:       v.GetString(KeyBridgeAddr),
		ListenAddr:       v.GetString(KeyListenAddr),
		MDNSEnabled:      v.GetBool(KeyMDNSEnabled),
		StoreBackend:     v.GetString(KeyStoreBackend),
		Workers:          v.GetInt(KeyWorkers),
		TransEnabled:     v.GetBool(KeyTransEnabled),
		BluetoothAdapter: v.GetString(KeyBluetoothAdapter),
		MetricsAddr:      v.GetString(KeyMetricsAddr),
		MetricsPublic:    v.GetBool(KeyMetricsPublic),
		Debug:            v.GetBool(KeyDebug),
	}

	if raw := v.GetString(KeyGroupSecret); raw != "" {
		secret, err := crypto.ParseGroupSecret(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.GroupSecret = secret
	} else if requireSecret {
		return Config{}, fmt.Errorf("%w: set --group-secret or %s_GROUP_SECRET", ErrMissingGroupSecret, EnvPrefix)
	}

	for _, raw := range v.GetStringSlice(KeyPeers) {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		p, err := ParsePeer(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Peers = append(cfg.Peers, p)
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName, _ = os.Hostname()
		if cfg.DeviceName == "" {
			cfg.DeviceName = "nearcast"
		}
	}
	if cfg.DeviceID == "" {
		id, err := LoadOrCreateDeviceID(home)
		if err != nil {
			return Config{}, err
		}
		cfg.DeviceID = id
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks everything Load cannot express through types.
func (c Config) Validate() error {
	if err := store.ValidateSender(c.DeviceID); err != nil {
		return fmt.Errorf("%w: device id: %v", ErrInvalidConfig, err)
	}
	switch c.StoreBackend {
	case store.BackendFile, store.BackendBadger:
	default:
		return fmt.Errorf("%w: store backend %q", ErrInvalidConfig, c.StoreBackend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	}
	if err := checkAddr(KeyListenAddr, c.ListenAddr); err != nil {
		return err
	}
	if c.BridgeEnabled {
		if err := checkAddr(KeyBridgeAddr, c.BridgeAddr); err != nil {
			return err
		}
	}
	if c.MetricsAddr != "" {
		if err := checkAddr(KeyMetricsAddr, c.MetricsAddr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, addr, err)
	}
	return nil
}

// ParsePeer parses id=name@host:port. The name part is optional.
func ParsePeer(s string) (peer.Peer, error) {
	idName, addr, ok := strings.Cut(s, "@")
	if !ok {
		return peer.Peer{}, fmt.Errorf("%w: peer %q: missing @host:port", ErrInvalidConfig, s)
	}
	id, name, _ := strings.Cut(idName, "=")
	if id == "" {
		return peer.Peer{}, fmt.Errorf("%w: peer %q: missing id", ErrInvalidConfig, s)
	}
	if name == "" {
		name = id
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return peer.Peer{}, fmt.Errorf("%w: peer %q: bad address", ErrInvalidConfig, s)
	}
	return peer.Peer{ID: id, Name: name, Addr: addr}, nil
}

func resolveHome(home string) (string, error) {
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: home: %v", ErrInvalidConfig, err)
		}
		home = filepath.Join(dir, DefaultHomeDir)
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return "", fmt.Errorf("%w: home: %v", ErrInvalidConfig, err)
	}
	return home, nil
}

// LoadOrCreateDeviceID returns the identity stored in <home>/device_id,
// generating a random UUID on first use.
func LoadOrCreateDeviceID(home string) (string, error) {
	path := filepath.Join(home, DeviceIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := strings.ToUpper(uuid.NewString())
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
