// Package storage persists broadcasts, per-recipient delivery outcomes, the
// error log, the in-app inbox and the operator audit trail in SQLite.
//
// Every mutation of a broadcast's counters or status is either an atomic
// "x = x + n" update or a statement guarded on the current status, executed
// inside a transaction. Callers never read a counter and write it back.
package storage
