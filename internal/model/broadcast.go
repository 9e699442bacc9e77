package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Broadcast.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusSending   Status = "SENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// TargetGroup selects the audience handed to the recipient resolver.
type TargetGroup string

const (
	TargetAll      TargetGroup = "ALL"
	TargetStudents TargetGroup = "STUDENTS"
	TargetTeachers TargetGroup = "TEACHERS"
	TargetTutors   TargetGroup = "TUTORS"
	TargetParents  TargetGroup = "PARENTS"
	TargetCustom   TargetGroup = "CUSTOM"
)

// Valid reports whether g is one of the known target groups.
func (g TargetGroup) Valid() bool {
	switch g {
	case TargetAll, TargetStudents, TargetTeachers, TargetTutors, TargetParents, TargetCustom:
		return true
	}
	return false
}

// Channel is the delivery transport of a broadcast.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelInApp    Channel = "inapp"
)

// Deferred channels postpone delivery during a recipient's quiet hours.
// Immediate channels (the in-app record) are never gated.
func (c Channel) Deferred() bool {
	return c == ChannelEmail || c == ChannelTelegram
}

// EventType classifies the message for preference gating.
type EventType string

const (
	EventAnnouncement EventType = "announcement"
	EventFeedback     EventType = "feedback"
	EventReminder     EventType = "reminder"
)

// Message is the opaque payload delivered to each recipient.
type Message struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Filter is passed through to the recipient resolver untouched.
type Filter map[string]any

// Broadcast is one logical send-to-many job.
//
// Pending is never stored: it is always Total - Sent - Failed - Skipped.
type Broadcast struct {
	ID           string      `json:"id"`
	CreatedBy    string      `json:"created_by"`
	TargetGroup  TargetGroup `json:"target_group"`
	TargetFilter Filter      `json:"target_filter,omitempty"`
	Message      Message     `json:"message"`
	Channel      Channel     `json:"channel"`
	EventType    EventType   `json:"event_type"`
	ScheduledAt  *time.Time  `json:"scheduled_at,omitempty"`
	Status       Status      `json:"status"`

	TotalRecipients int `json:"total_recipients"`
	SentCount       int `json:"sent_count"`
	FailedCount     int `json:"failed_count"`
	SkippedCount    int `json:"skipped_count"`

	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Pending is the derived count of recipients without a terminal outcome.
func (b Broadcast) Pending() int {
	return b.TotalRecipients - b.SentCount - b.FailedCount - b.SkippedCount
}

// EncodeFilter renders f for storage; nil becomes "{}".
func EncodeFilter(f Filter) (string, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeFilter is the inverse of EncodeFilter.
func DecodeFilter(raw string) (Filter, error) {
	if raw == "" {
		return Filter{}, nil
	}
	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, err
	}
	return f, nil
}
