// Package model holds the domain types shared by the broadcast engine:
// broadcasts, per-recipient delivery outcomes, recipients and their
// notification preferences.
package model
