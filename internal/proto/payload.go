package proto

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Notification types.
const (
	NotifyGeneric        = 0
	NotifyError          = 1
	NotifyBluetoothError = 254
	NotifyUnknownCommand = 255
)

type Notification struct {
	Type  int    `json:"type"`
	Title string `json:"title"`
	Info  string `json:"info"`
	Atta  string `json:"atta"`
}

// Device is one battery record. Field names and types follow the records
// produced by existing peers; timestamps are seconds since 2001-01-01 UTC.
type Device struct {
	HasBattery   bool    `json:"hasBattery"`
	DeviceID     string  `json:"deviceID"`
	DeviceType   string  `json:"deviceType"`
	DeviceName   string  `json:"deviceName"`
	DeviceModel  string  `json:"deviceModel"`
	BatteryLevel int     `json:"batteryLevel"`
	IsCharging   int     `json:"isCharging"`
	IsCharged    bool    `json:"isCharged"`
	IsPaused     bool    `json:"isPaused"`
	ACPowered    bool    `json:"acPowered"`
	IsHidden     bool    `json:"isHidden"`
	LowPower     bool    `json:"lowPower"`
	ParentName   string  `json:"parentName"`
	LastUpdate   float64 `json:"lastUpdate"`
	RealUpdate   float64 `json:"realUpdate"`
}

// TransDevice asks the receiver to connect a Bluetooth device by MAC.
type TransDevice struct {
	Time  float64 `json:"time"`
	VID   string  `json:"vid"`
	PID   string  `json:"pid"`
	Type  string  `json:"type"`
	MAC   string  `json:"mac"`
	Name  string  `json:"name"`
	Level int     `json:"level"`
}

var referenceEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// ReferenceTime converts t into the timestamp encoding used by Device and
// TransDevice.
func ReferenceTime(t time.Time) float64 {
	return t.Sub(referenceEpoch).Seconds()
}

func FromReferenceTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return referenceEpoch.Add(time.Duration(whole)*time.Second + time.Duration(frac*float64(time.Second)))
}

func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: notification: %v", ErrDecode, err)
	}
	return n, nil
}

func EncodeDevice(d Device) (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func DecodeTransDevice(data []byte) (TransDevice, error) {
	var d TransDevice
	if err := json.Unmarshal(data, &d); err != nil {
		return TransDevice{}, fmt.Errorf("%w: trans device: %v", ErrDecode, err)
	}
	if d.MAC == "" {
		return TransDevice{}, fmt.Errorf("%w: trans device without mac", ErrDecode)
	}
	return d, nil
}

func EncodeTransDevice(d TransDevice) ([]byte, error) {
	return json.Marshal(d)
}
