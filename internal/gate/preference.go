package gate

import "broadcastd/internal/model"

// Subject describes one delivery for preference checks.
type Subject struct {
	EventType model.EventType
	Audience  model.Audience
	Channel   model.Channel
}

// Decision is the result of a preference check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// PreferenceGate decides whether a recipient opted in to a delivery.
type PreferenceGate interface {
	Allow(s Subject, prefs model.Preferences) Decision
}

// Preferences is the default PreferenceGate.
//
// The prefs passed in always belong to the recipient being delivered to, so
// for a parent audience they are the parent's own settings.
type Preferences struct{}

func (Preferences) Allow(s Subject, prefs model.Preferences) Decision {
	if s.Channel == model.ChannelEmail && !prefs.EmailNotifications {
		return Decision{Reason: "email notifications disabled"}
	}
	if s.EventType == model.EventFeedback && !prefs.FeedbackNotifications {
		return Decision{Reason: "feedback notifications disabled"}
	}
	if s.Audience == model.AudienceParent && !prefs.ParentNotifications {
		return Decision{Reason: "parent notifications disabled"}
	}
	return Decision{Allowed: true}
}
