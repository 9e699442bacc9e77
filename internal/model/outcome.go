package model

import "time"

// Outcome is the per-recipient delivery result.
type Outcome string

const (
	OutcomePending           Outcome = "PENDING"
	OutcomeSent              Outcome = "SENT"
	OutcomeFailed            Outcome = "FAILED"
	OutcomeSkippedQuietHours Outcome = "SKIPPED_QUIET_HOURS"
	OutcomeSkippedPreference Outcome = "SKIPPED_PREFERENCE"
	OutcomeSkippedCancelled  Outcome = "SKIPPED_CANCELLED"
)

// Skipped reports whether o counts towards a broadcast's skipped counter.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedQuietHours, OutcomeSkippedPreference, OutcomeSkippedCancelled:
		return true
	}
	return false
}

// DeliveryOutcome is one row per (broadcast, recipient).
type DeliveryOutcome struct {
	BroadcastID  string     `json:"broadcast_id"`
	RecipientID  string     `json:"recipient_id"`
	Audience     Audience   `json:"audience"`
	Channel      Channel    `json:"channel"`
	Outcome      Outcome    `json:"outcome"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	AttemptedAt  *time.Time `json:"attempted_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ErrorLogEntry is one append-only failure record of a broadcast.
type ErrorLogEntry struct {
	RecipientID string    `json:"recipient_id"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorSummary condenses a broadcast's error log for progress reports.
type ErrorSummary struct {
	Total    int             `json:"total"`
	ByReason map[string]int  `json:"by_reason,omitempty"`
	Recent   []ErrorLogEntry `json:"recent,omitempty"`
}

// Progress is the read-only view returned by getProgress.
type Progress struct {
	BroadcastID  string       `json:"broadcast_id"`
	Status       Status       `json:"status"`
	Total        int          `json:"total"`
	Sent         int          `json:"sent"`
	Failed       int          `json:"failed"`
	Skipped      int          `json:"skipped"`
	Pending      int          `json:"pending"`
	ProgressPct  float64      `json:"progress_pct"`
	ErrorSummary ErrorSummary `json:"error_summary"`
}

// NewProgress derives the progress view from a broadcast row.
func NewProgress(b Broadcast, summary ErrorSummary) Progress {
	p := Progress{
		BroadcastID:  b.ID,
		Status:       b.Status,
		Total:        b.TotalRecipients,
		Sent:         b.SentCount,
		Failed:       b.FailedCount,
		Skipped:      b.SkippedCount,
		Pending:      b.Pending(),
		ErrorSummary: summary,
	}
	if p.Total > 0 {
		p.ProgressPct = float64(p.Total-p.Pending) * 100 / float64(p.Total)
	} else if b.Status == StatusCompleted {
		p.ProgressPct = 100
	}
	return p
}
