package models

import (
	"encoding/json"
	"time"
)

// Activity item types the bridge cares about.
const (
	ActivityTypeMessage  = "MESSAGE"
	ActivityTypeLocation = "LOCATION"
)

// ActivityItem is one entry of the chronological activity feed.
type ActivityItem struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Message decodes the embedded chat message of a MESSAGE activity item.
func (a ActivityItem) Message() (*ChatMessage, error) {
	if a.Type != ActivityTypeMessage || len(a.Data) == 0 {
		return nil, nil
	}
	var msg ChatMessage
	if err := json.Unmarshal(a.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeviceLocation is an entry from /v1/location/{deviceId}/last. Position
// is a [lat, lng] pair.
type DeviceLocation struct {
	Position             []float64 `json:"position"`
	BatteryLevel         int       `json:"batteryLevel"`
	SignalStrength       int       `json:"signalStrength"`
	PositionDeterminedBy string    `json:"positionDeterminedBy"`
	Date                 time.Time `json:"date"`
	LastResponse         time.Time `json:"lastResponse"`
	Speed                int       `json:"speed"`
	Direction            int       `json:"direction"`
	DeviceID             string    `json:"deviceId"`
}

// Latitude returns the first element of the position pair.
func (l DeviceLocation) Latitude() float64 {
	if len(l.Position) > 0 {
		return l.Position[0]
	}
	return 0
}

// Longitude returns the second element of the position pair.
func (l DeviceLocation) Longitude() float64 {
	if len(l.Position) > 1 {
		return l.Position[1]
	}
	return 0
}

// Valid reports whether the entry carries a usable coordinate pair.
func (l DeviceLocation) Valid() bool {
	return len(l.Position) >= 2
}
