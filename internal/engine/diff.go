package engine

import (
	"sort"
	"time"

	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// Diff compares an incoming finding with the previously stored version and
// returns the finding to store plus at most one history entry.
//
//   - prior == nil: the finding is new. FirstSeenAt and LastUpdatedAt are both
//     now and a created entry is returned.
//   - any tracked field differs: one entry holding every differing field.
//   - otherwise: no entry; LastUpdatedAt is still refreshed to now.
//
// FirstSeenAt is always carried over from prior and LastUpdatedAt never moves
// backward.
func Diff(incoming models.Finding, prior *models.Finding, now time.Time) (models.Finding, *models.HistoryEntry) {
	now = now.UTC()
	if prior == nil {
		incoming.FirstSeenAt = now
		incoming.LastUpdatedAt = now
		return incoming, &models.HistoryEntry{
			FindingID: incoming.ID,
			ChangedAt: now,
			Created:   true,
		}
	}

	incoming.ID = prior.ID
	incoming.FirstSeenAt = prior.FirstSeenAt
	incoming.LastUpdatedAt = now
	if prior.LastUpdatedAt.After(now) {
		incoming.LastUpdatedAt = prior.LastUpdatedAt
	}

	changes := trackedChanges(prior.TrackedFields(), incoming.TrackedFields())
	if len(changes) == 0 {
		return incoming, nil
	}
	return incoming, &models.HistoryEntry{
		FindingID: incoming.ID,
		ChangedAt: incoming.LastUpdatedAt,
		Changes:   changes,
	}
}

func trackedChanges(old, cur map[string]string) map[string]models.FieldChange {
	var changes map[string]models.FieldChange
	for field, newVal := range cur {
		if oldVal := old[field]; oldVal != newVal {
			if changes == nil {
				changes = make(map[string]models.FieldChange)
			}
			changes[field] = models.FieldChange{Old: oldVal, New: newVal}
		}
	}
	return changes
}

// ChangedFields returns the sorted field names of an entry.
func ChangedFields(e *models.HistoryEntry) []string {
	if e == nil {
		return nil
	}
	fields := make([]string, 0, len(e.Changes))
	for f := range e.Changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
