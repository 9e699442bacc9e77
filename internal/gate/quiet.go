package gate

import (
	"strings"
	"sync"
	"time"

	"broadcastd/internal/model"
)

// IsQuiet reports whether now falls inside the [start, end) window.
//
// A window whose start is after its end wraps midnight. start == end is
// treated as no window at all rather than a 24h lockout.
func IsQuiet(now, start, end model.TimeOfDay) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// QuietHoursGate decides whether a deferred-channel delivery must wait.
type QuietHoursGate interface {
	Quiet(prefs model.Preferences, now time.Time) bool
}

// QuietHours evaluates a recipient's window in the recipient's own zone,
// falling back to Default when the recipient has none (or an unknown one).
type QuietHours struct {
	Default *time.Location

	mu    sync.Mutex
	zones map[string]*time.Location
}

func NewQuietHours(def *time.Location) *QuietHours {
	if def == nil {
		def = time.Local
	}
	return &QuietHours{Default: def, zones: map[string]*time.Location{}}
}

func (g *QuietHours) Quiet(prefs model.Preferences, now time.Time) bool {
	if !prefs.QuietHoursEnabled {
		return false
	}
	local := now.In(g.location(prefs.Timezone))
	return IsQuiet(model.ClockOf(local), prefs.QuietHoursStart, prefs.QuietHoursEnd)
}

func (g *QuietHours) location(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return g.Default
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc, ok := g.zones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = g.Default
	}
	g.zones[name] = loc
	return loc
}
