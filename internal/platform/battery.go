// Package platform adapts the host (power supplies, desktop notifications,
// Bluetooth) to the interfaces the dispatcher consumes.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"nearcast/internal/proto"
)

const (
	DefaultPowerSupplyDir = "/sys/class/power_supply"
	DefaultDMIProductPath = "/sys/class/dmi/id/product_name"

	localDeviceType = "Mac"
	lowPowerLevel   = 10
)

var ErrNoPowerSupply = errors.New("no power supply information")

// SysfsBattery reports the local record from the Linux power_supply class.
type SysfsBattery struct {
	ID    string
	Name  string
	Dir   string
	Model string

	now func() time.Time
}

func NewSysfsBattery(id, name string) *SysfsBattery {
	return &SysfsBattery{
		ID:    id,
		Name:  name,
		Dir:   DefaultPowerSupplyDir,
		Model: readTrimmed(DefaultDMIProductPath),
		now:   time.Now,
	}
}

type supply struct {
	kind     string
	online   bool
	capacity int
	status   string
}

func (b *SysfsBattery) Status() (proto.Device, error) {
	supplies, err := readSupplies(b.Dir)
	if err != nil {
		return proto.Device{}, err
	}
	now := proto.ReferenceTime(b.now())
	dev := proto.Device{
		DeviceID:     b.ID,
		DeviceType:   localDeviceType,
		DeviceName:   b.Name,
		DeviceModel:  b.Model,
		BatteryLevel: 100,
		LastUpdate:   now,
		RealUpdate:   now,
	}
	var battery *supply
	for i := range supplies {
		s := &supplies[i]
		switch s.kind {
		case "Mains", "USB":
			dev.ACPowered = dev.ACPowered || s.online
		case "Battery":
			if battery == nil {
				battery = s
			}
		}
	}
	if battery == nil {
		dev.ACPowered = true
		return dev, nil
	}
	dev.HasBattery = true
	dev.BatteryLevel = battery.capacity
	switch battery.status {
	case "Charging":
		dev.IsCharging = 1
		dev.ACPowered = true
	case "Full":
		dev.IsCharged = true
		dev.ACPowered = true
	case "Not charging":
		dev.IsPaused = dev.ACPowered
	}
	dev.LowPower = dev.IsCharging == 0 && dev.BatteryLevel <= lowPowerLevel
	return dev, nil
}

func readSupplies(dir string) ([]supply, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPowerSupply, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make([]supply, 0, len(names))
	for _, name := range names {
		base := filepath.Join(dir, name)
		s := supply{
			kind:   readTrimmed(filepath.Join(base, "type")),
			status: readTrimmed(filepath.Join(base, "status")),
			online: readTrimmed(filepath.Join(base, "online")) == "1",
		}
		if s.kind == "" {
			continue
		}
		if c, err := strconv.Atoi(readTrimmed(filepath.Join(base, "capacity"))); err == nil {
			s.capacity = clamp(c, 0, 100)
		}
		out = append(out, s)
	}
	return out, nil
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
