package inapp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/channel"
	"broadcastd/internal/gate"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

func TestSendWritesInboxOnce(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "inbox.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	a := New(st, gate.NewFixedClock(at))
	d := channel.Delivery{
		BroadcastID: "b1",
		Recipient:   model.Recipient{ID: "p1", Audience: model.AudienceParent},
		Channel:     model.ChannelInApp,
		Message:     model.Message{Subject: "Trip", Body: "Permission slip due Friday"},
	}
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, d))
	require.NoError(t, a.Send(ctx, d))

	box, err := st.Inbox(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, box, 1)
	assert.Equal(t, "Trip", box[0].Subject)
	assert.True(t, box[0].CreatedAt.Equal(at))
}
