package storage

import (
	"errors"
	"time"

	"broadcastd/internal/model"
)

var (
	// ErrNotFound is returned when the broadcast id does not exist.
	ErrNotFound = errors.New("storage: broadcast not found")
	// ErrStateConflict is returned when a guarded transition does not match the
	// broadcast's current status.
	ErrStateConflict = errors.New("storage: state conflict")
)

type Config struct {
	// Path of the SQLite database file. ":memory:" keeps everything in RAM.
	Path        string
	BusyTimeout time.Duration
}

// OutcomeRecord is a terminal result for one PENDING outcome row.
type OutcomeRecord struct {
	BroadcastID string
	RecipientID string
	Outcome     model.Outcome
	Error       string
	Attempts    int
	AttemptedAt time.Time
	ResolvedAt  time.Time
}

type ListFilter struct {
	Statuses  []model.Status
	CreatedBy string
	Limit     int
}

// InboxMessage is an in-app notification row.
type InboxMessage struct {
	ID          int64      `json:"id"`
	BroadcastID string     `json:"broadcast_id"`
	RecipientID string     `json:"recipient_id"`
	Subject     string     `json:"subject,omitempty"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// AuditEntry records an operator action against a broadcast.
type AuditEntry struct {
	At          time.Time
	Actor       string
	Action      string
	BroadcastID string
	Detail      string
}
