// Package inapp delivers broadcasts to the in-app inbox table.
package inapp

import (
	"context"

	"broadcastd/internal/channel"
	"broadcastd/internal/gate"
	"broadcastd/internal/storage"
)

// Inbox is the storage surface the adapter writes to.
type Inbox interface {
	DeliverInbox(ctx context.Context, m storage.InboxMessage) error
}

type Adapter struct {
	inbox Inbox
	clock gate.Clock
}

func New(inbox Inbox, clock gate.Clock) *Adapter {
	if clock == nil {
		clock = gate.SystemClock{}
	}
	return &Adapter{inbox: inbox, clock: clock}
}

// Send records the message in the recipient's inbox. Re-delivery of the same
// broadcast is a no-op, so a resumed job never shows a message twice.
func (a *Adapter) Send(ctx context.Context, d channel.Delivery) error {
	return a.inbox.DeliverInbox(ctx, storage.InboxMessageFor(d.BroadcastID, d.Recipient.ID, d.Message, a.clock.Now()))
}
