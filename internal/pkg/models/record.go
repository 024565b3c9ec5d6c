package models

import "time"

// Completed result of a remote call, keyed by (Signature, Scope).
type CacheRecord struct {
	Signature string    `json:"signature"`
	Scope     string    `json:"scope"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Age of the record relative to now.
func (r CacheRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Marker is attached to a rehydrated target. It mirrors a CacheRecord key and
// is never the source of truth.
type Marker struct {
	Scope     string `json:"scope"`
	Signature string `json:"signature"`
}

// Equal reports whether both markers name the same record.
func (m Marker) Equal(other Marker) bool {
	return m.Scope == other.Scope && m.Signature == other.Signature
}
