// Package dispatch fans broadcast deliveries out to a bounded worker pool.
// Each worker gates, sends with transport-level retry and records exactly one
// outcome per queued recipient.
package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/channel"
	"broadcastd/internal/directory"
	"broadcastd/internal/gate"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
)

var (
	ErrStopped  = errors.New("dispatch pool stopped")
	ErrStopping = errors.New("dispatch pool stopping")
)

type Config struct {
	Workers   int
	QueueSize int
	// RatePerSec bounds adapter calls across all workers; negative disables the limit.
	RatePerSec float64
	Burst      int

	// MaxAttempts counts sends per recipient, including the first.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is the +/- fraction applied to each delay; negative disables it.
	RetryJitter float64
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(math.Ceil(c.RatePerSec)))
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 60 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 240 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

func newLimiter(c Config) *rate.Limiter {
	if c.RatePerSec < 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.RatePerSec), c.Burst)
}

// Job is the per-broadcast part of a delivery, shared by all its recipients.
type Job struct {
	BroadcastID string
	Channel     model.Channel
	EventType   model.EventType
	Message     model.Message
}

// JobOf builds the dispatch job of a broadcast.
func JobOf(b model.Broadcast) Job {
	return Job{BroadcastID: b.ID, Channel: b.Channel, EventType: b.EventType, Message: b.Message}
}

type task struct {
	job        *Job
	rcpt       model.Recipient
	enqueuedAt time.Time
}

type taskKey struct{ broadcast, recipient string }

func (t task) key() taskKey { return taskKey{t.job.BroadcastID, t.rcpt.ID} }

// OutcomeReader reads the current state of an outcome row.
type OutcomeReader interface {
	OutcomeOf(ctx context.Context, broadcastID, recipientID string) (model.Outcome, error)
}

// Recorder stores terminal outcomes. *progress.Tracker satisfies it.
type Recorder interface {
	Record(ctx context.Context, e progress.Entry) (progress.Result, error)
}

// Lookup is the directory surface the workers need.
type Lookup interface {
	directory.PreferenceStore
	directory.ContactBook
}

// Deps are the collaborators of the pool.
type Deps struct {
	Adapters  channel.Set
	Directory Lookup
	Outcomes  OutcomeReader
	Recorder  Recorder
	Quiet     gate.QuietHoursGate
	Prefs     gate.PreferenceGate
	Clock     gate.Clock
}
