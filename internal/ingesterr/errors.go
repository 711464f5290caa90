// Package ingesterr defines the error taxonomy of the ingestion engine.
// Region- and record-scoped errors are aggregated into RunMetadata; only
// discovery failures and the storage-failure threshold abort a run.
package ingesterr

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while another
	// run is active.
	ErrAlreadyRunning = errors.New("ingestion run already in progress")

	// ErrStorageThreshold aborts a run once too many findings failed to persist.
	ErrStorageThreshold = errors.New("storage failure threshold exceeded")

	// ErrNotFound is returned by read operations for unknown identifiers.
	ErrNotFound = errors.New("not found")

	// ErrRunCancelled marks regions skipped because the run was cancelled.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrAllRegionsFailed is returned when a run resolved regions but none
	// of them completed.
	ErrAllRegionsFailed = errors.New("all regions failed")
)

// RegionDiscoveryError means the region list could not be resolved and no
// fallback list is configured. It is fatal to the run.
type RegionDiscoveryError struct {
	Err error
}

func (e *RegionDiscoveryError) Error() string {
	return fmt.Sprintf("region discovery failed: %v", e.Err)
}

func (e *RegionDiscoveryError) Unwrap() error { return e.Err }

// FetchKind categorises why a region fetch failed.
type FetchKind string

const (
	FetchThrottled    FetchKind = "throttled"
	FetchUnauthorized FetchKind = "unauthorized"
	FetchTimeout      FetchKind = "timeout"
	FetchTransient    FetchKind = "transient"
	FetchAPI          FetchKind = "api"
	FetchCancelled    FetchKind = "cancelled"
)

// Retryable reports whether errors of this kind are worth retrying.
func (k FetchKind) Retryable() bool {
	return k == FetchThrottled || k == FetchTransient
}

// RegionFetchError is scoped to one region. It is recorded in RunMetadata
// and never aborts the run.
type RegionFetchError struct {
	Region string
	Kind   FetchKind
	Page   int
	Err    error
}

func (e *RegionFetchError) Error() string {
	return fmt.Sprintf("fetch region %s (%s, page %d): %v", e.Region, e.Kind, e.Page, e.Err)
}

func (e *RegionFetchError) Unwrap() error { return e.Err }

// ThrottlingError is a throttled request that exhausted its retry budget.
type ThrottlingError struct {
	Attempts int
	Err      error
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("throttled after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ThrottlingError) Unwrap() error { return e.Err }

// MalformedRecordError is a raw record that cannot be normalised. The record
// is skipped and counted.
type MalformedRecordError struct {
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return "malformed finding record: " + e.Reason
}

// StorageError is a failed write for one finding.
type StorageError struct {
	FindingID string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s finding %q: %v", e.Op, e.FindingID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KindOf returns the FetchKind carried by err, or FetchAPI when err is not a
// RegionFetchError.
func KindOf(err error) FetchKind {
	var rf *RegionFetchError
	if errors.As(err, &rf) {
		return rf.Kind
	}
	return FetchAPI
}
