package models

import "time"

// RunStatus is the outcome of an ingestion cycle.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial means at least one region failed but not all.
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// RegionFailure is a region that did not complete, with the reason.
type RegionFailure struct {
	Region string `json:"region"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
}

// RunMetadata summarises one ingestion cycle. It is created when the run
// starts and finalised when it ends; afterwards it is read-only.
type RunMetadata struct {
	ID         string     `json:"id"`
	Trigger    RunTrigger `json:"trigger"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`

	RegionsAttempted []string        `json:"regions_attempted"`
	RegionsSucceeded []string        `json:"regions_succeeded"`
	RegionsFailed    []RegionFailure `json:"regions_failed"`

	FindingsSeen     int `json:"findings_seen"`
	FindingsCreated  int `json:"findings_created"`
	ChangesDetected  int `json:"changes_detected"`
	MalformedSkipped int `json:"malformed_skipped"`
	StorageFailures  int `json:"storage_failures"`

	// Error is set when the run aborted as a whole.
	Error string `json:"error,omitempty"`
}

// Duration returns the wall-clock length of a finished run.
func (r RunMetadata) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
