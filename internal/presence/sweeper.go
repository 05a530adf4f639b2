package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"scanme/internal/metrics"
	"scanme/internal/timeutil"
)

// Sweeper repairs inconsistent presence state out-of-band: duplicate active
// records and orphaned (never timed out) records. Every operation is
// idempotent; a second run over clean state reports zero.
type Sweeper struct {
	store Store
	now   func() time.Time
}

// NewSweeper creates a sweeper. A nil clock uses the wall clock.
func NewSweeper(store Store, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{store: store, now: clock}
}

// CleanupDuplicateActives force-closes all but the newest active record for
// the scope and returns how many were closed.
func (w *Sweeper) CleanupDuplicateActives(ctx context.Context, studentID, roomID string, sessionID *string) (int, error) {
	var closed int
	err := w.store.InTx(ctx, func(tx Store) error {
		active, err := tx.ActiveRecords(ctx, studentID, roomID, sessionID)
		if err != nil {
			return err
		}
		closed, err = closeDuplicateActives(ctx, tx, active, timeutil.Normalize(w.now()), "")
		return err
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		metrics.RecordsRepaired.WithLabelValues("duplicate_active").Add(float64(closed))
		log.Printf("sweeper closed %d duplicate active records for student %s in room %s", closed, studentID, roomID)
	}
	return closed, nil
}

// closeDuplicateActives keeps the record with the latest time-in and closes
// the rest. Shared with the scan pipeline, which runs it inside its own
// transaction before deciding.
func closeDuplicateActives(ctx context.Context, tx Store, active []PresenceRecord, now time.Time, scannedBy string) (int, error) {
	if len(active) <= 1 {
		return 0, nil
	}
	keep, _ := mostRecentActive(active)
	closed := 0
	for i := range active {
		rec := &active[i]
		if rec.ID == keep.ID || !rec.Active {
			continue
		}
		closedAt := now
		rec.TimeOut = &closedAt
		rec.Active = false
		if scannedBy != "" {
			sb := scannedBy
			rec.TimeOutScannedBy = &sb
		}
		rec.Notes = appendNote(rec.Notes, "[Auto-timed out due to multiple active records]")
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// CleanupOrphaned force-closes every active record older than maxAge and
// returns the count. Designed to run on a schedule; safe to run alongside
// live scans because it only touches records that are still active.
func (w *Sweeper) CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultOrphanMaxAge
	}
	now := timeutil.Normalize(w.now())
	cutoff := now.Add(-maxAge)

	var closed int
	err := w.store.InTx(ctx, func(tx Store) error {
		orphaned, err := tx.ActiveRecordsOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		for i := range orphaned {
			rec := &orphaned[i]
			if !rec.Active {
				continue
			}
			closedAt := now
			rec.TimeOut = &closedAt
			rec.Active = false
			rec.Notes = appendNote(rec.Notes,
				fmt.Sprintf("[Auto-timed out after %dh by cleanup service]", int(maxAge.Hours())))
			if err := tx.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		metrics.RecordsRepaired.WithLabelValues("orphaned").Add(float64(closed))
		log.Printf("sweeper closed %d orphaned active records older than %s", closed, maxAge)
	}
	return closed, nil
}

// Summary is a monitoring snapshot of presence state health.
type Summary struct {
	TotalActive             int `json:"total_active_records"`
	StudentsInMultipleRooms int `json:"students_in_multiple_rooms"`
	DuplicateActivePairs    int `json:"duplicate_active_pairs"`
	OrphanedRecords         int `json:"orphaned_records"`
}

// Summary reports current anomaly counts for monitoring dashboards.
func (w *Sweeper) Summary(ctx context.Context, orphanMaxAge time.Duration) (Summary, error) {
	if orphanMaxAge <= 0 {
		orphanMaxAge = DefaultOrphanMaxAge
	}
	var sum Summary
	var err error
	if sum.TotalActive, err = w.store.CountActive(ctx); err != nil {
		return sum, err
	}
	if sum.StudentsInMultipleRooms, err = w.store.StudentsInMultipleRooms(ctx); err != nil {
		return sum, err
	}
	if sum.DuplicateActivePairs, err = w.store.DuplicateActivePairs(ctx); err != nil {
		return sum, err
	}
	orphaned, err := w.store.ActiveRecordsOlderThan(ctx, timeutil.Normalize(w.now()).Add(-orphanMaxAge))
	if err != nil {
		return sum, err
	}
	sum.OrphanedRecords = len(orphaned)
	return sum, nil
}
