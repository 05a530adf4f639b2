package presence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedActive(t *testing.T, store *memStore, age time.Duration, now time.Time) *PresenceRecord {
	t.Helper()
	rec := &PresenceRecord{
		ID:        uuid.NewString(),
		StudentID: "s1",
		RoomID:    "r1",
		TimeIn:    now.Add(-age),
		Active:    true,
		ScannedBy: "prof-1",
	}
	if err := store.InsertRecord(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestCleanupOrphanedClosesStaleRecords(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	store := newMemStore()
	sweeper := NewSweeper(store, clock.Now)

	stale := seedActive(t, store, 30*time.Hour, clock.Now())
	fresh := seedActive(t, store, 2*time.Hour, clock.Now())

	closed, err := sweeper.CleanupOrphaned(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	got := store.record(stale.ID)
	if got.Active || got.TimeOut == nil {
		t.Fatal("stale record must be force-closed")
	}
	if !strings.Contains(got.Notes, "Auto-timed out after 24h") {
		t.Fatalf("expected cleanup note, got %q", got.Notes)
	}
	if !store.record(fresh.ID).Active {
		t.Fatal("fresh record must be left open")
	}

	// Idempotent: a second pass over clean state closes nothing.
	closed, err = sweeper.CleanupOrphaned(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 0 {
		t.Fatalf("second run must be a no-op, closed %d", closed)
	}
}

func TestCleanupOrphanedZeroMaxAgeUsesDefault(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	store := newMemStore()
	sweeper := NewSweeper(store, clock.Now)

	seedActive(t, store, 30*time.Hour, clock.Now())
	seedActive(t, store, 12*time.Hour, clock.Now())

	closed, err := sweeper.CleanupOrphaned(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Fatalf("expected the 24h default to apply, closed %d", closed)
	}
}

func TestCleanupDuplicateActivesKeepsNewest(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	store := newMemStore()
	sweeper := NewSweeper(store, clock.Now)

	oldest := seedActive(t, store, 3*time.Hour, clock.Now())
	middle := seedActive(t, store, 2*time.Hour, clock.Now())
	newest := seedActive(t, store, time.Hour, clock.Now())

	closed, err := sweeper.CleanupDuplicateActives(context.Background(), "s1", "r1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 2 {
		t.Fatalf("expected 2 closed, got %d", closed)
	}
	if !store.record(newest.ID).Active {
		t.Fatal("newest record must stay open")
	}
	for _, id := range []string{oldest.ID, middle.ID} {
		rec := store.record(id)
		if rec.Active {
			t.Fatalf("record %s must be closed", id)
		}
		if !strings.Contains(rec.Notes, "multiple active records") {
			t.Fatalf("expected repair note on %s, got %q", id, rec.Notes)
		}
	}

	closed, err = sweeper.CleanupDuplicateActives(context.Background(), "s1", "r1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 0 {
		t.Fatalf("second run must be a no-op, closed %d", closed)
	}
}

func TestSummaryCountsAnomalies(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	store := newMemStore()
	sweeper := NewSweeper(store, clock.Now)

	// s1 active in two rooms, twice in r1; one of the r1 records is stale.
	seedActive(t, store, 30*time.Hour, clock.Now())
	seedActive(t, store, time.Hour, clock.Now())
	other := &PresenceRecord{
		ID: uuid.NewString(), StudentID: "s1", RoomID: "r2",
		TimeIn: clock.Now().Add(-time.Hour), Active: true, ScannedBy: "prof-1",
	}
	if err := store.InsertRecord(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	sum, err := sweeper.Summary(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalActive != 3 {
		t.Fatalf("expected 3 active, got %d", sum.TotalActive)
	}
	if sum.StudentsInMultipleRooms != 1 {
		t.Fatalf("expected 1 multi-room student, got %d", sum.StudentsInMultipleRooms)
	}
	if sum.DuplicateActivePairs != 1 {
		t.Fatalf("expected 1 duplicate pair, got %d", sum.DuplicateActivePairs)
	}
	if sum.OrphanedRecords != 1 {
		t.Fatalf("expected 1 orphan, got %d", sum.OrphanedRecords)
	}
}
