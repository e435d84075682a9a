package platform

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"nearcast/internal/dispatch"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = "/org/freedesktop/Notifications"
	notificationsNotify = notificationsDest + ".Notify"

	bluezDest      = "org.bluez"
	bluezConnect   = "org.bluez.Device1.Connect"
	DefaultAdapter = "hci0"

	appName          = "nearcast"
	notifyExpireMs   = int32(5000)
	bluezCallTimeout = 15 * time.Second
)

// caller is the subset of dbus.BusObject the adapters need.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DesktopNotifier posts through org.freedesktop.Notifications on the
// session bus.
type DesktopNotifier struct {
	obj caller
}

func NewDesktopNotifier() (*DesktopNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &DesktopNotifier{obj: conn.Object(notificationsDest, notificationsPath)}, nil
}

func (n *DesktopNotifier) Post(title, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var id uint32
	call := n.obj.CallWithContext(ctx, notificationsNotify, 0,
		appName, uint32(0), "", title, message, []string{}, map[string]dbus.Variant{}, notifyExpireMs)
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no session bus is
// reachable.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Post(title, message string) error {
	n.Log.Info().Str("title", title).Str("message", message).Msg("notification")
	return nil
}

// Notifier returns a desktop notifier, or a LogNotifier when the session
// bus is unavailable.
func Notifier(log zerolog.Logger) dispatch.Notifier {
	n, err := NewDesktopNotifier()
	if err != nil {
		log.Info().Err(err).Msg("desktop notifications unavailable, logging instead")
		return LogNotifier{Log: log}
	}
	return n
}

var macPattern = regexp.MustCompile(`^[0-9a-fA-F]{2}([-:][0-9a-fA-F]{2}){5}$`)

// DevicePath maps aa-bb-cc-dd-ee-ff to the BlueZ object path under adapter.
func DevicePath(adapter, addr string) (dbus.ObjectPath, bool) {
	if !macPattern.MatchString(addr) {
		return "", false
	}
	mac := strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(addr))
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + mac), true
}

// BlueZ connects already paired devices through org.bluez.Device1.
type BlueZ struct {
	adapter string
	object  func(path dbus.ObjectPath) caller
	log     zerolog.Logger
}

func NewBlueZ(adapter string, log zerolog.Logger) (*BlueZ, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	return &BlueZ{
		adapter: adapter,
		object:  func(path dbus.ObjectPath) caller { return conn.Object(bluezDest, path) },
		log:     log,
	}, nil
}

func (b *BlueZ) ConnectByAddress(addr string) bool {
	path, ok := DevicePath(b.adapter, addr)
	if !ok {
		b.log.Debug().Str("mac", addr).Msg("bluetooth address malformed")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), bluezCallTimeout)
	defer cancel()
	if err := b.object(path).CallWithContext(ctx, bluezConnect, 0).Err; err != nil {
		b.log.Debug().Err(err).Str("path", string(path)).Msg("bluetooth connect failed")
		return false
	}
	return true
}
