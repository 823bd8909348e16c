package models

import "time"

// Message types reported by the cloud.
const (
	MessageTypeText  = "TEXT"
	MessageTypeEmoji = "EMOJI"
	MessageTypeVoice = "VOICE"
)

// Message senders. "WATCH" and "DEVICE" both mean watch-originated; the
// cloud switched naming between firmware generations.
const (
	SenderApp    = "APP"
	SenderWatch  = "WATCH"
	SenderDevice = "DEVICE"
)

// ChatMessage is a single chat entry from the cloud, append-only from the
// server's perspective.
type ChatMessage struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Text       string    `json:"text"`
	Username   *string   `json:"username,omitempty"`
	Type       string    `json:"type"`
	Sender     string    `json:"sender"`
	IsReceived bool      `json:"isReceived"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FromWatch reports whether the message originated on the watch.
func (m ChatMessage) FromWatch() bool {
	return m.Sender == SenderWatch || m.Sender == SenderDevice
}

// SendMessageRequest is the outbound payload for text and emoji messages.
type SendMessageRequest struct {
	DeviceID string `json:"deviceId" validate:"required"`
	Text     string `json:"text" validate:"required"`
	Username string `json:"username,omitempty"`
}
