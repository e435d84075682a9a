// cmd/nearcast/main.go
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nearcast/internal/bridge"
	"nearcast/internal/config"
	"nearcast/internal/crypto"
	"nearcast/internal/daemon"
	"nearcast/internal/debuglog"
	"nearcast/internal/dispatch"
	"nearcast/internal/platform"
	"nearcast/internal/proto"
	"nearcast/internal/store"
)

const (
	defaultDiscoverWait = 3 * time.Second
	defaultReplyWait    = 3 * time.Second
	oneShotListenAddr   = ":0"
)

type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "nearcast",
		Short:         "Share battery status between devices on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.BindFlags(root.PersistentFlags(), a.v)

	root.AddCommand(
		a.runCmd(),
		a.refreshCmd(),
		a.pushCmd(),
		a.transCmd(),
		a.peersCmd(),
		a.snapshotsCmd(),
		a.keyCheckCmd(),
	)
	return root
}

func (a *app) load(requireSecret bool) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(a.v, requireSecret)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	console := false
	if f, ok := a.stderr.(*os.File); ok {
		console = debuglog.IsTerminal(f)
	}
	return cfg, debuglog.New(a.stderr, cfg.Debug, console), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := a.load(true)
			if err != nil {
				return err
			}
			r, err := daemon.NewRunner(cfg, daemon.Options{Log: log})
			if err != nil {
				return err
			}
			defer r.Close()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return r.RunWithContext(ctx, nil)
		},
	}
}

// oneShot starts a short-lived node without the bridge or metrics, waits for
// discovery, runs fn, then keeps serving for linger so replies can land.
func (a *app) oneShot(parent context.Context, discover, linger time.Duration, fn func(ctx context.Context, r *daemon.Runner) error) error {
	cfg, log, err := a.load(true)
	if err != nil {
		return err
	}
	cfg.BridgeEnabled = false
	cfg.MetricsAddr = ""
	cfg.ListenAddr = oneShotListenAddr
	r, err := daemon.NewRunner(cfg, daemon.Options{Log: log, RefreshPeriod: -1})
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	select {
	case <-ready:
	case err := <-done:
		return err
	}
	if !sleepCtx(ctx, discover) {
		cancel()
		return <-done
	}
	fnErr := fn(ctx, r)
	if fnErr == nil {
		sleepCtx(ctx, linger)
	}
	cancel()
	if err := <-done; err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (a *app) refreshCmd() *cobra.Command {
	var discover, wait time.Duration
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Ask every peer to resend its devices and store the replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd.Context(), discover, wait, func(ctx context.Context, r *daemon.Runner) error {
				if err := r.Outbox.Refresh(ctx); err != nil {
					fmt.Fprintf(a.stderr, "warning: %v\n", err)
				}
				fmt.Fprintf(a.stdout, "resend requested from %d peer(s)\n", len(r.Peers()))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&discover, "discover", defaultDiscoverWait, "time to wait for peer discovery")
	cmd.Flags().DurationVar(&wait, "wait", defaultReplyWait, "time to wait for replies")
	return cmd
}

func (a *app) pushCmd() *cobra.Command {
	var discover time.Duration
	var bridgeAddr string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send this device's battery record to every peer, or to one bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bridgeAddr != "" {
				return a.pushBridge(cmd.Context(), bridgeAddr)
			}
			return a.oneShot(cmd.Context(), discover, 0, func(ctx context.Context, r *daemon.Runner) error {
				if err := r.Outbox.PushLocal(ctx); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "pushed to %d peer(s)\n", len(r.Peers()))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&discover, "discover", defaultDiscoverWait, "time to wait for peer discovery")
	cmd.Flags().StringVar(&bridgeAddr, "bridge", "", "post to the HTTP bridge at host:port instead of discovered peers")
	return cmd
}

func (a *app) pushBridge(ctx context.Context, addr string) error {
	cfg, _, err := a.load(true)
	if err != nil {
		return err
	}
	box, err := crypto.NewBox(cfg.GroupSecret, nil)
	if err != nil {
		return err
	}
	dev, err := platform.NewSysfsBattery(cfg.DeviceID, cfg.DeviceName).Status()
	if err != nil {
		return err
	}
	recs, err := dispatch.DevicesToRecords(dev)
	if err != nil {
		return err
	}
	env, err := dispatch.NewComposer(box, cfg.DeviceID).BuildDataEnvelope(recs)
	if err != nil {
		return err
	}
	if err := bridge.Post(ctx, addr, env); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "pushed to bridge %s\n", addr)
	return nil
}

func (a *app) transCmd() *cobra.Command {
	var discover time.Duration
	var to, mac, name, kind string
	var level int
	cmd := &cobra.Command{
		Use:   "trans",
		Short: "Ask the named peer to connect a Bluetooth device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" || mac == "" {
				return errors.New("--to and --mac are required")
			}
			dev := proto.Device{DeviceID: mac, DeviceName: name, DeviceType: kind, BatteryLevel: level}
			return a.oneShot(cmd.Context(), discover, defaultReplyWait, func(ctx context.Context, r *daemon.Runner) error {
				return r.Outbox.TransDevice(ctx, dev, to)
			})
		},
	}
	cmd.Flags().DurationVar(&discover, "discover", defaultDiscoverWait, "time to wait for peer discovery")
	cmd.Flags().StringVar(&to, "to", "", "peer device name")
	cmd.Flags().StringVar(&mac, "mac", "", "Bluetooth address of the device")
	cmd.Flags().StringVar(&name, "name", "", "device display name")
	cmd.Flags().StringVar(&kind, "type", "", "device type")
	cmd.Flags().IntVar(&level, "level", 0, "battery level")
	return cmd
}

func (a *app) peersCmd() *cobra.Command {
	var discover time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers discovered on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd.Context(), discover, 0, func(_ context.Context, r *daemon.Runner) error {
				for _, p := range r.Peers() {
					fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", p.ID, p.Name, p.Addr)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&discover, "discover", defaultDiscoverWait, "time to wait for peer discovery")
	return cmd
}

type snapshotView struct {
	Sender    string          `json:"sender"`
	UpdatedAt time.Time       `json:"updated_at"`
	Devices   []proto.Device  `json:"devices"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (a *app) snapshotsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Print the stored device lists, one per sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.load(false)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.StoreBackend, cfg.Home)
			if err != nil {
				return err
			}
			defer st.Close()
			snaps, err := st.List()
			if err != nil {
				return err
			}
			views := make([]snapshotView, 0, len(snaps))
			for _, s := range snaps {
				views = append(views, viewSnapshot(s))
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			for _, v := range views {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", v.Sender, v.UpdatedAt.UTC().Format(time.RFC3339), summarize(v.Devices))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func viewSnapshot(s store.Snapshot) snapshotView {
	v := snapshotView{Sender: s.Sender, UpdatedAt: s.UpdatedAt}
	recs, err := proto.DecodeDevices(s.Data)
	if err != nil {
		v.Raw = json.RawMessage(s.Data)
		return v
	}
	for _, rec := range recs {
		var d proto.Device
		if err := json.Unmarshal(rec, &d); err == nil {
			v.Devices = append(v.Devices, d)
		}
	}
	return v
}

func summarize(devs []proto.Device) string {
	parts := make([]string, 0, len(devs))
	for _, d := range devs {
		s := fmt.Sprintf("%s %d%%", d.DeviceName, d.BatteryLevel)
		if d.IsCharging != 0 {
			s += " charging"
		}
		parts = append(parts, s)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func (a *app) keyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key-check",
		Short: "Validate the group secret and print a key fingerprint to compare across devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.load(true)
			if err != nil {
				return err
			}
			key, err := crypto.DeriveKey(cfg.GroupSecret)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(key)
			fmt.Fprintf(a.stdout, "ok fingerprint=%s device=%s id=%s\n", hex.EncodeToString(sum[:8]), cfg.DeviceName, cfg.DeviceID)
			return nil
		},
	}
}
