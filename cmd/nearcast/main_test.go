package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nearcast/internal/dispatch"
	"nearcast/internal/proto"
	"nearcast/internal/store"
)

const testSecret = "nc-abcdefghijklmnopqrst"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestKeyCheck(t *testing.T) {
	home := t.TempDir()
	code, out, errOut := runCLI(t, "key-check", "--home", home, "--group-secret", testSecret, "--device-name", "desk")
	require.Equal(t, 0, code, errOut)
	require.True(t, strings.HasPrefix(out, "ok fingerprint="), out)
	require.Contains(t, out, "device=desk")
	require.NotContains(t, out, testSecret)
	require.NotContains(t, out, testSecret[:15])

	code2, out2, _ := runCLI(t, "key-check", "--home", home, "--group-secret", testSecret, "--device-name", "desk")
	require.Equal(t, 0, code2)
	require.Equal(t, out, out2)
}

func TestKeyCheckRejectsBadSecret(t *testing.T) {
	home := t.TempDir()
	code, _, errOut := runCLI(t, "key-check", "--home", home)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "group secret")

	code, _, errOut = runCLI(t, "key-check", "--home", home, "--group-secret", "short")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid group secret")
}

func seedSnapshot(t *testing.T, home, sender string, devs ...proto.Device) {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(home, "snapshots"))
	require.NoError(t, err)
	recs, err := dispatch.DevicesToRecords(devs...)
	require.NoError(t, err)
	raw, err := proto.EncodeDevices(recs)
	require.NoError(t, err)
	require.NoError(t, fs.Replace(sender, raw))
}

func TestSnapshotsList(t *testing.T) {
	home := t.TempDir()
	seedSnapshot(t, home, "dev-n",
		proto.Device{DeviceName: "Air", BatteryLevel: 55, IsCharging: 1},
		proto.Device{DeviceName: "Pencil", BatteryLevel: 90},
	)

	code, out, errOut := runCLI(t, "snapshots", "--home", home)
	require.Equal(t, 0, code, errOut)
	require.True(t, strings.HasPrefix(out, "dev-n\t"), out)
	require.Contains(t, out, "Air 55% charging, Pencil 90%")

	code, out, errOut = runCLI(t, "snapshots", "--home", home, "--json")
	require.Equal(t, 0, code, errOut)
	var views []snapshotView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	require.Equal(t, "dev-n", views[0].Sender)
	require.Len(t, views[0].Devices, 2)
}

func TestSnapshotsEmptyStore(t *testing.T) {
	code, out, errOut := runCLI(t, "snapshots", "--home", t.TempDir())
	require.Equal(t, 0, code, errOut)
	require.Empty(t, out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown command")
}

func TestTransRequiresTarget(t *testing.T) {
	code, _, errOut := runCLI(t, "trans", "--home", t.TempDir(), "--group-secret", testSecret)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--to and --mac are required")
}

func TestSummarize(t *testing.T) {
	got := summarize([]proto.Device{
		{DeviceName: "Watch", BatteryLevel: 70},
		{DeviceName: "AirPods", BatteryLevel: 20, IsCharging: 1},
	})
	require.Equal(t, "AirPods 20% charging, Watch 70%", got)
}
