// Package gate holds the pure per-recipient delivery gates applied by the
// dispatch workers before a send: notification preferences and quiet hours.
package gate
