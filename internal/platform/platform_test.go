package platform

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nearcast/internal/proto"
)

func writeSupply(t *testing.T, dir, name string, files map[string]string) {
	t.Helper()
	base := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(base, 0o755))
	for k, v := range files {
		require.NoError(t, os.WriteFile(filepath.Join(base, k), []byte(v+"\n"), 0o644))
	}
}

func newTestBattery(dir string, at time.Time) *SysfsBattery {
	return &SysfsBattery{ID: "dev-1", Name: "laptop", Dir: dir, Model: "ThinkPad", now: func() time.Time { return at }}
}

func TestSysfsBatteryCharging(t *testing.T) {
	dir := t.TempDir()
	writeSupply(t, dir, "AC", map[string]string{"type": "Mains", "online": "1"})
	writeSupply(t, dir, "BAT0", map[string]string{"type": "Battery", "capacity": "57", "status": "Charging"})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	dev, err := newTestBattery(dir, at).Status()
	require.NoError(t, err)
	require.True(t, dev.HasBattery)
	require.Equal(t, 57, dev.BatteryLevel)
	require.Equal(t, 1, dev.IsCharging)
	require.True(t, dev.ACPowered)
	require.False(t, dev.LowPower)
	require.Equal(t, "Mac", dev.DeviceType)
	require.Equal(t, "dev-1", dev.DeviceID)
	require.Equal(t, "laptop", dev.DeviceName)
	require.Equal(t, "ThinkPad", dev.DeviceModel)
	require.Equal(t, proto.ReferenceTime(at), dev.LastUpdate)
}

func TestSysfsBatteryStates(t *testing.T) {
	cases := []struct {
		name   string
		status string
		level  string
		ac     string
		check  func(t *testing.T, d proto.Device)
	}{
		{"full", "Full", "100", "1", func(t *testing.T, d proto.Device) {
			require.True(t, d.IsCharged)
			require.Equal(t, 0, d.IsCharging)
		}},
		{"low discharging", "Discharging", "7", "0", func(t *testing.T, d proto.Device) {
			require.True(t, d.LowPower)
			require.False(t, d.ACPowered)
		}},
		{"paused", "Not charging", "80", "1", func(t *testing.T, d proto.Device) {
			require.True(t, d.IsPaused)
			require.True(t, d.ACPowered)
		}},
		{"capacity clamped", "Discharging", "140", "0", func(t *testing.T, d proto.Device) {
			require.Equal(t, 100, d.BatteryLevel)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSupply(t, dir, "ADP1", map[string]string{"type": "Mains", "online": tc.ac})
			writeSupply(t, dir, "BAT1", map[string]string{"type": "Battery", "capacity": tc.level, "status": tc.status})
			dev, err := newTestBattery(dir, time.Now()).Status()
			require.NoError(t, err)
			tc.check(t, dev)
		})
	}
}

func TestSysfsBatteryDesktop(t *testing.T) {
	dir := t.TempDir()
	dev, err := newTestBattery(dir, time.Now()).Status()
	require.NoError(t, err)
	require.False(t, dev.HasBattery)
	require.True(t, dev.ACPowered)
	require.Equal(t, 100, dev.BatteryLevel)

	_, err = newTestBattery(filepath.Join(dir, "missing"), time.Now()).Status()
	require.ErrorIs(t, err, ErrNoPowerSupply)
}

func TestDevicePath(t *testing.T) {
	p, ok := DevicePath("hci0", "aa-bb-cc-dd-ee-0f")
	require.True(t, ok)
	require.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_0F"), p)

	p, ok = DevicePath("hci1", "AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	require.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"), p)

	for _, bad := range []string{"", "aa-bb", "zz-bb-cc-dd-ee-ff", "aa-bb-cc-dd-ee-ff-00", "../../x"} {
		_, ok := DevicePath("hci0", bad)
		require.False(t, ok, bad)
	}
}

type fakeCaller struct {
	method string
	args   []interface{}
	call   *dbus.Call
}

func (f *fakeCaller) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.method = method
	f.args = args
	return f.call
}

func TestBlueZConnect(t *testing.T) {
	var paths []dbus.ObjectPath
	fc := &fakeCaller{call: &dbus.Call{}}
	bz := &BlueZ{
		adapter: "hci0",
		object: func(p dbus.ObjectPath) caller {
			paths = append(paths, p)
			return fc
		},
		log: zerolog.Nop(),
	}
	require.True(t, bz.ConnectByAddress("aa-bb-cc-dd-ee-ff"))
	require.Equal(t, []dbus.ObjectPath{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"}, paths)
	require.Equal(t, "org.bluez.Device1.Connect", fc.method)

	fc.call = &dbus.Call{Err: errors.New("org.bluez.Error.Failed")}
	require.False(t, bz.ConnectByAddress("aa-bb-cc-dd-ee-ff"))
	require.False(t, bz.ConnectByAddress("not-a-mac"))
	require.Len(t, paths, 2)
}

func TestDesktopNotifierPost(t *testing.T) {
	fc := &fakeCaller{call: &dbus.Call{Body: []interface{}{uint32(9)}}}
	n := &DesktopNotifier{obj: fc}
	require.NoError(t, n.Post("Device Connected", "AirPods from Mac"))
	require.Equal(t, "org.freedesktop.Notifications.Notify", fc.method)
	require.Len(t, fc.args, 8)
	require.Equal(t, "Device Connected", fc.args[3])
	require.Equal(t, "AirPods from Mac", fc.args[4])

	fc.call = &dbus.Call{Err: errors.New("no server")}
	require.Error(t, n.Post("a", "b"))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: zerolog.New(&buf)}
	require.NoError(t, n.Post("Unknown Command", "peer doesn't support command"))
	require.Contains(t, buf.String(), `"title":"Unknown Command"`)
}
