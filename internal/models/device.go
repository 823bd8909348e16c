package models

import "encoding/json"

// Capability flag names derived from the device config.
const (
	CapTextChat       = "text_chat"
	CapVoiceChat      = "voice_chat"
	CapEmojis         = "emojis"
	CapStepCounter    = "step_counter"
	CapLocatingSwitch = "locating_switch"
)

// DeviceConfig is the immutable hardware/firmware description of a watch.
type DeviceConfig struct {
	Generation           string `json:"generation"`
	Type                 string `json:"type"`
	FirmwareVersion      string `json:"firmwareVersion"`
	MaxChatMessageLength int    `json:"maxChatMessageLength"`
	MaxPhonebookEntries  int    `json:"maxPhonebookEntries"`
	MaxGeofences         int    `json:"maxGeofences"`
	HasTextChat          bool   `json:"hasTextChat"`
	HasVoiceChat         bool   `json:"hasVoiceChat"`
	HasEmojis            bool   `json:"hasEmojis"`
	HasStepCounter       bool   `json:"hasStepCounter"`
	HasLocatingSwitch    bool   `json:"hasLocatingSwitch"`
}

// DeviceSettings are the user-adjustable settings reported with a device.
type DeviceSettings struct {
	Name             string  `json:"name"`
	HexColor         string  `json:"hexColor"`
	PhoneNr          *string `json:"phoneNr,omitempty"`
	Gender           *string `json:"gender,omitempty"`
	StepTarget       int     `json:"stepTarget"`
	StepCount        int     `json:"stepCount"`
	Battery          int     `json:"battery"`
	IsLocatingActive bool    `json:"isLocatingActive"`
	RingProfile      string  `json:"ringProfile"`
}

// UnmarshalJSON clamps battery to [0,100] and step count to >= 0, since
// the cloud occasionally reports transient out-of-range readings.
func (s *DeviceSettings) UnmarshalJSON(data []byte) error {
	type alias DeviceSettings
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Battery < 0 {
		a.Battery = 0
	}
	if a.Battery > 100 {
		a.Battery = 100
	}
	if a.StepCount < 0 {
		a.StepCount = 0
	}
	*s = DeviceSettings(a)
	return nil
}

// UserInfo identifies the cloud account a device belongs to.
type UserInfo struct {
	ID       string  `json:"id"`
	Username *string `json:"username,omitempty"`
}

// Device is the per-session identity record for a watch. It is replaced
// wholesale on each successful device-list fetch, never merged.
type Device struct {
	ID       string         `json:"id"`
	IMEI     string         `json:"imei"`
	Config   DeviceConfig   `json:"config"`
	Settings DeviceSettings `json:"settings"`
	User     *UserInfo      `json:"user,omitempty"`
}

// MaxMessageLength returns the chat message limit, defaulting to 95 when
// the cloud omits the field.
func (d Device) MaxMessageLength() int {
	if d.Config.MaxChatMessageLength <= 0 {
		return 95
	}
	return d.Config.MaxChatMessageLength
}

// Capabilities maps the config booleans onto a set of flag names.
func (d Device) Capabilities() map[string]bool {
	caps := make(map[string]bool, 5)
	if d.Config.HasTextChat {
		caps[CapTextChat] = true
	}
	if d.Config.HasVoiceChat {
		caps[CapVoiceChat] = true
	}
	if d.Config.HasEmojis {
		caps[CapEmojis] = true
	}
	if d.Config.HasStepCounter {
		caps[CapStepCounter] = true
	}
	if d.Config.HasLocatingSwitch {
		caps[CapLocatingSwitch] = true
	}
	return caps
}
