package models

import "time"

// FieldChange is the old and new value of one tracked field.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// HistoryEntry is an immutable record of a change to a Finding. It refers to
// its finding only by identifier. Created marks the first observation, in
// which case Changes is empty.
type HistoryEntry struct {
	ID        int64                  `json:"id"`
	FindingID string                 `json:"finding_id"`
	RunID     string                 `json:"run_id,omitempty"`
	ChangedAt time.Time              `json:"changed_at"`
	Created   bool                   `json:"created"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
}
