// Package testsupport holds fakes shared by the engine's package tests.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"broadcastd/internal/channel"
	"broadcastd/internal/directory"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// OpenStore opens a file-backed store in a temp dir, closed on cleanup.
func OpenStore(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "broadcastd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Roster builds an in-memory directory from people.
func Roster(t testing.TB, people ...directory.Person) *directory.Roster {
	t.Helper()
	r, err := directory.NewRoster(people)
	require.NoError(t, err)
	return r
}

// Students returns n active students s01..sNN with default preferences and
// both contacts set.
func Students(n int) []directory.Person {
	out := make([]directory.Person, n)
	for i := range out {
		id := fmt.Sprintf("s%02d", i+1)
		out[i] = directory.Person{
			ID:             id,
			Role:           directory.RoleStudent,
			Email:          id + "@school.test",
			TelegramChatID: int64(1000 + i),
			Classes:        []string{"7A"},
			Preferences:    model.DefaultPreferences(),
		}
	}
	return out
}

// Adapter is a scripted channel.Adapter.
//
// Scripted errors are returned in order per recipient; once exhausted the
// send succeeds. While held, Send blocks until Release or ctx ends.
type Adapter struct {
	mu        sync.Mutex
	calls     map[string]int
	script    map[string][]error
	always    map[string]error
	delivered []channel.Delivery
	hold      chan struct{}
	started   chan string
}

func NewAdapter() *Adapter {
	return &Adapter{
		calls:   map[string]int{},
		script:  map[string][]error{},
		always:  map[string]error{},
		started: make(chan string, 1024),
	}
}

// FailWith makes the next sends to recipientID return errs, one per call.
func (a *Adapter) FailWith(recipientID string, errs ...error) {
	a.mu.Lock()
	a.script[recipientID] = append(a.script[recipientID], errs...)
	a.mu.Unlock()
}

// FailAlways makes every send to recipientID return err.
func (a *Adapter) FailAlways(recipientID string, err error) {
	a.mu.Lock()
	a.always[recipientID] = err
	a.mu.Unlock()
}

// Clear drops every scripted failure.
func (a *Adapter) Clear() {
	a.mu.Lock()
	a.script = map[string][]error{}
	a.always = map[string]error{}
	a.mu.Unlock()
}

// Hold blocks subsequent sends until Release.
func (a *Adapter) Hold() {
	a.mu.Lock()
	if a.hold == nil {
		a.hold = make(chan struct{})
	}
	a.mu.Unlock()
}

func (a *Adapter) Release() {
	a.mu.Lock()
	if a.hold != nil {
		close(a.hold)
		a.hold = nil
	}
	a.mu.Unlock()
}

// Started receives the recipient id of every send as it begins.
func (a *Adapter) Started() <-chan string { return a.started }

func (a *Adapter) Send(ctx context.Context, d channel.Delivery) error {
	a.mu.Lock()
	a.calls[d.Recipient.ID]++
	hold := a.hold
	a.mu.Unlock()

	select {
	case a.started <- d.Recipient.ID:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.always[d.Recipient.ID]; ok {
		return err
	}
	if errs := a.script[d.Recipient.ID]; len(errs) > 0 {
		a.script[d.Recipient.ID] = errs[1:]
		return errs[0]
	}
	a.delivered = append(a.delivered, d)
	return nil
}

// Calls is the number of sends attempted for recipientID.
func (a *Adapter) Calls(recipientID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[recipientID]
}

// TotalCalls is the number of sends attempted overall.
func (a *Adapter) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// Delivered returns the successful deliveries in completion order.
func (a *Adapter) Delivered() []channel.Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channel.Delivery(nil), a.delivered...)
}
