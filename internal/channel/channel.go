// Package channel defines the transport boundary of the dispatch workers and
// the error classification they rely on for retries.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broadcastd/internal/model"
)

// Delivery is everything an adapter needs to deliver one message to one recipient.
type Delivery struct {
	BroadcastID string
	Recipient   model.Recipient
	Contact     model.Contact
	Channel     model.Channel
	EventType   model.EventType
	Message     model.Message
}

// Adapter delivers a message over one transport.
//
// Send must honour ctx cancellation where the transport allows it. Errors
// wrapped with Permanent are never retried; anything else is transient.
type Adapter interface {
	Send(ctx context.Context, d Delivery) error
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, d Delivery) error

func (f AdapterFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// ErrNoContact is returned when the recipient has no address for the channel.
var ErrNoContact = Permanent(errors.New("recipient has no contact for channel"))

// Set maps each channel to its adapter.
type Set map[model.Channel]Adapter

// Get returns the adapter of ch, or one that fails every send permanently.
func (s Set) Get(ch model.Channel) Adapter {
	if a, ok := s[ch]; ok && a != nil {
		return a
	}
	return Unavailable(ch)
}

// Unavailable returns an adapter for a channel that is not configured.
func Unavailable(ch model.Channel) Adapter {
	return AdapterFunc(func(context.Context, Delivery) error {
		return Permanent(fmt.Errorf("channel %s is not configured", ch))
	})
}

// Permanent marks an error as non-retryable (invalid address, rejected
// recipient, 4xx-style API refusals).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a transport-suggested delay (e.g. a flood-control
// response) to a transient error.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
