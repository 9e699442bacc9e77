package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Audience tells whether a recipient is the primary subject of a broadcast
// or was derived from one (a parent of a student).
type Audience string

const (
	AudiencePrimary Audience = "primary"
	AudienceParent  Audience = "parent"
)

// Recipient is one entry of a resolved, immutable recipient snapshot.
type Recipient struct {
	ID       string
	Audience Audience
}

// Contact carries the transport addresses of a recipient.
type Contact struct {
	Email          string
	TelegramChatID int64
}

// TimeOfDay is a wall-clock time in minutes after midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ClockOf returns the wall-clock part of t in t's own location.
func ClockOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return NewTimeOfDay(h, m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Preferences are a recipient's notification settings. Read-only to the engine.
type Preferences struct {
	FeedbackNotifications bool      `json:"feedback_notifications" yaml:"feedback_notifications"`
	ParentNotifications   bool      `json:"parent_notifications" yaml:"parent_notifications"`
	EmailNotifications    bool      `json:"email_notifications" yaml:"email_notifications"`
	QuietHoursEnabled     bool      `json:"quiet_hours_enabled" yaml:"quiet_hours_enabled"`
	QuietHoursStart       TimeOfDay `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd         TimeOfDay `json:"quiet_hours_end" yaml:"quiet_hours_end"`

	// Timezone is an IANA zone name; empty means the engine default.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// DefaultPreferences opts a recipient into everything with quiet hours off.
func DefaultPreferences() Preferences {
	return Preferences{
		FeedbackNotifications: true,
		ParentNotifications:   true,
		EmailNotifications:    true,
	}
}
