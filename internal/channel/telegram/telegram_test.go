package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/channel"
	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	texts []string
	reply func(w http.ResponseWriter)
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	var text string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		text, _ = body["text"].(string)
	} else {
		_ = r.ParseForm()
		text = r.FormValue("text")
	}
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if b.reply != nil {
		b.reply(w)
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
}

func newAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)
	return a
}

func delivery(chatID int64) channel.Delivery {
	return channel.Delivery{
		BroadcastID: "b1",
		Recipient:   model.Recipient{ID: "t1"},
		Contact:     model.Contact{TelegramChatID: chatID},
		Channel:     model.ChannelTelegram,
		Message:     model.Message{Subject: "Staff meeting", Body: "Room 4 at 3pm"},
	}
}

func TestSendPostsMessage(t *testing.T) {
	api := &botAPI{}
	a := newAdapter(t, api)

	require.NoError(t, a.Send(context.Background(), delivery(42)))
	require.Len(t, api.texts, 1)
	assert.Equal(t, "Staff meeting\n\nRoom 4 at 3pm", api.texts[0])
}

func TestSendWithoutChatIsPermanent(t *testing.T) {
	a := newAdapter(t, &botAPI{})
	err := a.Send(context.Background(), delivery(0))
	require.Error(t, err)
	assert.True(t, channel.IsPermanent(err))
}

func TestSendFloodCarriesRetryHint(t *testing.T) {
	api := &botAPI{reply: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`))
	}}
	a := newAdapter(t, api)

	err := a.Send(context.Background(), delivery(42))
	require.Error(t, err)
	assert.False(t, channel.IsPermanent(err))
	var ra channel.RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 5*time.Second, ra.RetryAfter())
}

func TestSendServerErrorIsTransient(t *testing.T) {
	api := &botAPI{reply: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
	}}
	a := newAdapter(t, api)

	err := a.Send(context.Background(), delivery(42))
	require.Error(t, err)
	assert.False(t, channel.IsPermanent(err))
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 8))

	parts := splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, parts)
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
