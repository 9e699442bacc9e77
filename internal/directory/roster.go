package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleTutor   Role = "tutor"
	RoleParent  Role = "parent"
)

// Person is one roster entry.
type Person struct {
	ID             string
	Name           string
	Role           Role
	Email          string
	TelegramChatID int64
	Classes        []string
	Parents        []string
	Inactive       bool
	Preferences    model.Preferences
}

type rosterFile struct {
	People []personYAML `yaml:"people"`
}

type personYAML struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	Role           string    `yaml:"role"`
	Email          string    `yaml:"email"`
	TelegramChatID int64     `yaml:"telegram_chat_id"`
	Classes        []string  `yaml:"classes"`
	Parents        []string  `yaml:"parents"`
	Inactive       bool      `yaml:"inactive"`
	Preferences    prefsYAML `yaml:"preferences"`
}

// prefsYAML leaves omitted settings at their defaults.
type prefsYAML struct {
	FeedbackNotifications *bool            `yaml:"feedback_notifications"`
	ParentNotifications   *bool            `yaml:"parent_notifications"`
	EmailNotifications    *bool            `yaml:"email_notifications"`
	QuietHoursEnabled     *bool            `yaml:"quiet_hours_enabled"`
	QuietHoursStart       *model.TimeOfDay `yaml:"quiet_hours_start"`
	QuietHoursEnd         *model.TimeOfDay `yaml:"quiet_hours_end"`
	Timezone              string           `yaml:"timezone"`
}

func (p prefsYAML) apply(base model.Preferences) model.Preferences {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&base.FeedbackNotifications, p.FeedbackNotifications)
	set(&base.ParentNotifications, p.ParentNotifications)
	set(&base.EmailNotifications, p.EmailNotifications)
	set(&base.QuietHoursEnabled, p.QuietHoursEnabled)
	if p.QuietHoursStart != nil {
		base.QuietHoursStart = *p.QuietHoursStart
	}
	if p.QuietHoursEnd != nil {
		base.QuietHoursEnd = *p.QuietHoursEnd
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		base.Timezone = tz
	}
	return base
}

// statInterval bounds how often per-recipient lookups stat the roster file.
const statInterval = time.Second

// Roster is an in-memory directory, optionally backed by a YAML file that is
// re-read when its modification time changes. Resolve always checks the file;
// Preferences and Contact check it at most once per statInterval.
type Roster struct {
	path       string
	log        logx.Logger
	checkEvery time.Duration

	mu        sync.RWMutex
	people    map[string]Person
	modTime   time.Time
	lastCheck time.Time
}

// NewRoster builds a static roster from people.
func NewRoster(people []Person) (*Roster, error) {
	idx, err := index(people)
	if err != nil {
		return nil, err
	}
	return &Roster{people: idx, log: logx.Nop()}, nil
}

// LoadRoster reads path and keeps watching its modification time.
func LoadRoster(path string, log logx.Logger) (*Roster, error) {
	r := &Roster{path: path, log: log.With(logx.String("comp", "directory")), checkEvery: statInterval}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseRoster decodes roster YAML.
func ParseRoster(data []byte) ([]Person, error) {
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("roster yaml: %w", err)
	}
	out := make([]Person, 0, len(f.People))
	for _, p := range f.People {
		role := Role(strings.ToLower(strings.TrimSpace(p.Role)))
		switch role {
		case RoleStudent, RoleTeacher, RoleTutor, RoleParent:
		default:
			return nil, fmt.Errorf("roster: %s has unknown role %q", p.ID, p.Role)
		}
		out = append(out, Person{
			ID:             strings.TrimSpace(p.ID),
			Name:           p.Name,
			Role:           role,
			Email:          strings.TrimSpace(p.Email),
			TelegramChatID: p.TelegramChatID,
			Classes:        p.Classes,
			Parents:        p.Parents,
			Inactive:       p.Inactive,
			Preferences:    p.Preferences.apply(model.DefaultPreferences()),
		})
	}
	return out, nil
}

func index(people []Person) (map[string]Person, error) {
	idx := make(map[string]Person, len(people))
	for _, p := range people {
		if p.ID == "" {
			return nil, fmt.Errorf("roster: person without id")
		}
		if _, dup := idx[p.ID]; dup {
			return nil, fmt.Errorf("roster: duplicate id %q", p.ID)
		}
		idx[p.ID] = p
	}
	return idx, nil
}

func (r *Roster) reload() error {
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()

	st, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	r.mu.RLock()
	same := !r.modTime.IsZero() && st.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if same {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	people, err := ParseRoster(data)
	if err != nil {
		return err
	}
	idx, err := index(people)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.people = idx
	r.modTime = st.ModTime()
	r.mu.Unlock()
	r.log.Info("roster loaded", logx.String("path", r.path), logx.Int("people", len(idx)))
	return nil
}

// snapshot returns the current people map, refreshing from disk first when
// file-backed and force is set or the last check is older than checkEvery.
// A failed refresh keeps serving the previous roster.
func (r *Roster) snapshot(force bool) map[string]Person {
	if r.path != "" && (force || r.checkDue()) {
		if err := r.reload(); err != nil {
			r.log.Warn("roster reload failed; keeping previous", logx.Err(err))
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.people
}

func (r *Roster) checkDue() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.lastCheck) >= r.checkEvery
}

func (r *Roster) Resolve(ctx context.Context, group model.TargetGroup, filter model.Filter) ([]model.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	people := r.snapshot(true)

	classes := stringSet(filter["classes"])
	ids := stringSet(filter["ids"])
	includeParents, _ := filter["include_parents"].(bool)

	enrolled := func(p Person) bool {
		if len(classes) == 0 {
			return true
		}
		for _, c := range p.Classes {
			if _, ok := classes[c]; ok {
				return true
			}
		}
		return false
	}

	primary := map[string]struct{}{}
	var students []Person
	take := func(p Person) {
		primary[p.ID] = struct{}{}
		if p.Role == RoleStudent {
			students = append(students, p)
		}
	}

	switch group {
	case model.TargetCustom:
		if len(ids) == 0 {
			return nil, fmt.Errorf("directory: CUSTOM target requires a non-empty ids filter")
		}
		for id := range ids {
			if p, ok := people[id]; ok && !p.Inactive {
				take(p)
			}
		}
	case model.TargetParents:
		// Parents are reached through the students that match the filter.
		includeParents = true
		for _, p := range people {
			if p.Role == RoleStudent && !p.Inactive && enrolled(p) {
				students = append(students, p)
			}
		}
	default:
		role, ok := groupRole[group]
		if !ok && group != model.TargetAll {
			return nil, fmt.Errorf("directory: unknown target group %q", group)
		}
		for _, p := range people {
			if p.Inactive || (ok && p.Role != role) || !enrolled(p) {
				continue
			}
			take(p)
		}
	}

	derived := map[string]struct{}{}
	if includeParents {
		for _, s := range students {
			for _, pid := range s.Parents {
				p, ok := people[pid]
				if !ok || p.Inactive {
					continue
				}
				if _, isPrimary := primary[pid]; isPrimary {
					continue
				}
				derived[pid] = struct{}{}
			}
		}
	}

	out := make([]model.Recipient, 0, len(primary)+len(derived))
	for id := range primary {
		out = append(out, model.Recipient{ID: id, Audience: model.AudiencePrimary})
	}
	for id := range derived {
		out = append(out, model.Recipient{ID: id, Audience: model.AudienceParent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var groupRole = map[model.TargetGroup]Role{
	model.TargetStudents: RoleStudent,
	model.TargetTeachers: RoleTeacher,
	model.TargetTutors:   RoleTutor,
}

func (r *Roster) Preferences(ctx context.Context, recipientID string) (model.Preferences, error) {
	p, ok := r.snapshot(false)[recipientID]
	if !ok {
		return model.Preferences{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}
	return p.Preferences, nil
}

func (r *Roster) Contact(ctx context.Context, recipientID string) (model.Contact, error) {
	p, ok := r.snapshot(false)[recipientID]
	if !ok {
		return model.Contact{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}
	return model.Contact{Email: p.Email, TelegramChatID: p.TelegramChatID}, nil
}

func stringSet(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out[s] = struct{}{}
			}
		}
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out[strings.TrimSpace(s)] = struct{}{}
			}
		}
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out[s] = struct{}{}
			}
		}
	}
	return out
}
