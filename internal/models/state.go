package models

import "time"

// DeviceState is the derived, per-cycle view of a watch. A fresh value
// replaces the previous one every cycle; it is never mutated in place so
// consumers can hold a snapshot without locking.
type DeviceState struct {
	DeviceID               string     `json:"deviceId"`
	Name                   string     `json:"name"`
	BatteryPercent         int        `json:"batteryPercent"`
	StepCount              int        `json:"stepCount"`
	SignalStrength         int        `json:"signalStrength"`
	LastSeenAt             *time.Time `json:"lastSeenAt,omitempty"`
	IsOnline               bool       `json:"isOnline"`
	Latitude               *float64   `json:"lat,omitempty"`
	Longitude              *float64   `json:"lng,omitempty"`
	LocationAccuracyMeters *int       `json:"locationAccuracyMeters,omitempty"`
	LocationTimestamp      *time.Time `json:"locationTimestamp,omitempty"`

	// LastMessage is the newest watch-originated chat message observed
	// for the device, carried forward across cycles with no new mail.
	LastMessage *ChatMessage `json:"lastMessage,omitempty"`
}

// Snapshot is the full account view published after a successful cycle.
// Containment maps deviceID to the set of geofence IDs the device is
// currently inside.
type Snapshot struct {
	AccountID   string                          `json:"accountId"`
	Devices     map[string]Device               `json:"devices"`
	States      map[string]DeviceState          `json:"states"`
	Geofences   []Geofence                      `json:"geofences"`
	Containment map[string]map[string]bool      `json:"containment"`
	Warnings    []string                        `json:"warnings,omitempty"`
	UpdatedAt   time.Time                       `json:"updatedAt"`
}

// MessageEvent is emitted exactly once per new watch-originated message.
type MessageEvent struct {
	DeviceID  string    `json:"deviceId"`
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
