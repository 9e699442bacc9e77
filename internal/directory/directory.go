// Package directory resolves broadcast audiences and looks up recipient
// preferences and contacts.
//
// The engine only sees the three interfaces below. Roster is the file-backed
// implementation used by the daemon: a YAML list of people with their role,
// classes, parents, contacts and notification preferences.
//
// Target filter keys understood by Roster:
//
//	classes          []string  keep people enrolled in (or teaching) any listed class
//	ids              []string  explicit recipient ids; required for CUSTOM
//	include_parents  bool      also deliver to the parents of resolved students
package directory

import (
	"context"
	"errors"

	"broadcastd/internal/model"
)

// ErrUnknownRecipient is returned for ids that are not in the directory.
var ErrUnknownRecipient = errors.New("directory: unknown recipient")

// Resolver turns a target group and filter into a deduplicated recipient
// snapshot, ordered deterministically.
type Resolver interface {
	Resolve(ctx context.Context, group model.TargetGroup, filter model.Filter) ([]model.Recipient, error)
}

type PreferenceStore interface {
	Preferences(ctx context.Context, recipientID string) (model.Preferences, error)
}

type ContactBook interface {
	Contact(ctx context.Context, recipientID string) (model.Contact, error)
}

// Directory bundles the three lookups.
type Directory interface {
	Resolver
	PreferenceStore
	ContactBook
}
