package presence

import (
	"context"
	"time"
)

// Presence status classifications.
const (
	StatusNotInRoom      = "not_in_room"
	StatusInRoom         = "in_room"
	StatusMultipleActive = "multiple_active"
)

// stateSnapshot is the analyzer's view of one (student, room[, session])
// scope at a point in time.
type stateSnapshot struct {
	ActiveHere      []PresenceRecord
	ActiveElsewhere []PresenceRecord
	Orphaned        []PresenceRecord
	RecentScans     []PresenceRecord
	Status          string
}

// analyzeState queries the store for the scope and classifies the current
// presence status. Pure reads; repairs happen elsewhere.
func analyzeState(ctx context.Context, store Store, studentID, roomID string, sessionID *string, now time.Time, duplicateWindow, orphanMaxAge time.Duration) (stateSnapshot, error) {
	var snap stateSnapshot

	activeHere, err := store.ActiveRecords(ctx, studentID, roomID, sessionID)
	if err != nil {
		return snap, err
	}
	snap.ActiveHere = activeHere

	elsewhere, err := store.ActiveRecordsElsewhere(ctx, studentID, roomID, sessionID)
	if err != nil {
		return snap, err
	}
	snap.ActiveElsewhere = elsewhere

	// Orphans within this scope only; cross-scope cleanup belongs to the
	// batch sweeper.
	cutoff := now.Add(-orphanMaxAge)
	for _, rec := range activeHere {
		if !rec.TimeIn.After(cutoff) {
			snap.Orphaned = append(snap.Orphaned, rec)
		}
	}

	recent, err := store.RecordsSince(ctx, studentID, roomID, sessionID, now.Add(-duplicateWindow))
	if err != nil {
		return snap, err
	}
	snap.RecentScans = recent

	switch len(activeHere) {
	case 0:
		snap.Status = StatusNotInRoom
	case 1:
		snap.Status = StatusInRoom
	default:
		snap.Status = StatusMultipleActive
	}
	return snap, nil
}
