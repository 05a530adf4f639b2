package presence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Set(t time.Time)         { c.t = t }

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

// newTestHarness builds a service over the in-memory store, with a shared
// injected clock, a student, a room, and a session starting at the clock's
// start with a 10-minute grace window.
func newTestHarness(t *testing.T) (*Service, *memStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	store := newMemStore()
	store.students["s1"] = Student{ID: "s1", StudentNo: "2025-001", FirstName: "Maria", LastName: "Reyes", Active: true}
	store.students["s2"] = Student{ID: "s2", StudentNo: "2025-002", FirstName: "Ben", LastName: "Cruz", Active: false}
	store.rooms["r1"] = Room{ID: "r1", Number: "101", Name: "Physics Lab", Capacity: 40, Active: true}
	store.rooms["r2"] = Room{ID: "r2", Number: "102", Name: "Annex", Capacity: 20, Active: false}
	store.sessions["sess1"] = SessionWindow{
		ID:      "sess1",
		RoomID:  "r1",
		Name:    "Physics 101",
		StartAt: clock.Now(),
		EndAt:   clock.Now().Add(time.Hour),
		Grace:   10,
		Active:  true,
	}
	store.sessions["sess-off"] = SessionWindow{ID: "sess-off", RoomID: "r1", Active: false}

	guard := NewMemoryGuardAt(clock.Now)
	svc := NewService(store, guard, Options{Clock: clock.Now})
	return svc, store, clock
}

func scan(svc *Service, mode string) ScanResult {
	return svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1",
		RoomID:    "r1",
		SessionID: "sess1",
		ScannedBy: "prof-1",
		Mode:      mode,
	})
}

func TestAutoScanTimeInThenTimeOut(t *testing.T) {
	svc, store, clock := newTestHarness(t)

	// First scan of the day: not present, no recent scans.
	res := scan(svc, ModeAuto)
	if !res.Success || res.Action != ActionTimeIn {
		t.Fatalf("expected time_in, got %+v", res)
	}
	if res.Late == nil || *res.Late {
		t.Fatalf("arrival at session start must not be late: %+v", res)
	}
	if res.RecordID == "" || res.EventID == "" {
		t.Fatal("expected record and event ids")
	}

	clock.Advance(30 * time.Minute)
	res = scan(svc, ModeAuto)
	if !res.Success || res.Action != ActionTimeOut {
		t.Fatalf("expected time_out, got %+v", res)
	}
	if res.DurationMinutes == nil || *res.DurationMinutes != 30 {
		t.Fatalf("expected 30 minutes, got %+v", res.DurationMinutes)
	}

	// Round trip: exactly two audit events, one per half of the record.
	if len(store.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(store.events))
	}
	if store.events[0].Type != EventTimeIn || store.events[1].Type != EventTimeOut {
		t.Fatalf("unexpected event types: %s, %s", store.events[0].Type, store.events[1].Type)
	}
	if store.events[1].DurationMinutes == nil || *store.events[1].DurationMinutes != 30 {
		t.Fatal("time_out event must carry the computed duration")
	}
	if store.activeCount() != 0 {
		t.Fatalf("expected no active records, got %d", store.activeCount())
	}
}

func TestRapidScanRejected(t *testing.T) {
	svc, _, clock := newTestHarness(t)

	if res := scan(svc, ModeAuto); !res.Success {
		t.Fatalf("first scan should pass: %+v", res)
	}
	clock.Advance(2 * time.Second)
	res := scan(svc, ModeAuto)
	if res.Success || res.ErrorCode != ErrRapidScanDetected {
		t.Fatalf("expected RAPID_SCAN_DETECTED, got %+v", res)
	}
	if res.Action != ActionRateLimited {
		t.Fatalf("expected rate_limited action, got %s", res.Action)
	}
}

func TestTimeOutWhenNotPresent(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	res := scan(svc, ModeTimeOut)
	if res.Success || res.ErrorCode != ErrNotInRoom {
		t.Fatalf("expected NOT_IN_ROOM, got %+v", res)
	}
}

func TestTimeInWhenAlreadyPresent(t *testing.T) {
	svc, _, clock := newTestHarness(t)
	if res := scan(svc, ModeTimeIn); !res.Success {
		t.Fatalf("first time-in should pass: %+v", res)
	}
	clock.Advance(time.Minute)
	res := scan(svc, ModeTimeIn)
	if res.Success || res.ErrorCode != ErrAlreadyInRoom {
		t.Fatalf("expected ALREADY_IN_ROOM, got %+v", res)
	}
	if res.Action != ActionDuplicate {
		t.Fatalf("expected duplicate action, got %s", res.Action)
	}
}

func TestRecentDuplicateTimeIn(t *testing.T) {
	svc, _, clock := newTestHarness(t)

	if res := scan(svc, ModeAuto); !res.Success {
		t.Fatalf("time-in failed: %+v", res)
	}
	clock.Advance(time.Minute)
	if res := scan(svc, ModeAuto); !res.Success || res.Action != ActionTimeOut {
		t.Fatalf("time-out failed: %+v", res)
	}

	// Third scan would be a fresh time-in, but the first record's time-in
	// is still inside the 5-minute duplicate window.
	clock.Advance(time.Minute)
	res := scan(svc, ModeAuto)
	if res.Success || res.ErrorCode != ErrRecentDuplicate {
		t.Fatalf("expected RECENT_DUPLICATE, got %+v", res)
	}
}

func TestValidationErrors(t *testing.T) {
	svc, _, clock := newTestHarness(t)
	cases := []struct {
		name string
		req  ScanRequest
		code string
	}{
		{"unknown student", ScanRequest{StudentID: "ghost", RoomID: "r1"}, ErrStudentNotFound},
		{"inactive student", ScanRequest{StudentID: "s2", RoomID: "r1"}, ErrStudentInactive},
		{"unknown room", ScanRequest{StudentID: "s1", RoomID: "ghost"}, ErrRoomNotFound},
		{"inactive room", ScanRequest{StudentID: "s1", RoomID: "r2"}, ErrRoomInactive},
		{"unknown session", ScanRequest{StudentID: "s1", RoomID: "r1", SessionID: "ghost"}, ErrSessionNotFound},
		{"inactive session", ScanRequest{StudentID: "s1", RoomID: "r1", SessionID: "sess-off"}, ErrSessionInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Keep the rapid-scan guard out of the way; two cases share a key.
			clock.Advance(10 * time.Second)
			res := svc.ProcessScan(context.Background(), tc.req)
			if res.Success || res.ErrorCode != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, res)
			}
		})
	}
}

func TestLateArrivalPastGrace(t *testing.T) {
	svc, store, clock := newTestHarness(t)
	clock.Advance(20 * time.Minute) // session started at harness epoch, grace 10

	res := scan(svc, ModeAuto)
	if !res.Success || res.Action != ActionTimeIn {
		t.Fatalf("expected time_in, got %+v", res)
	}
	if res.Late == nil || !*res.Late {
		t.Fatal("20 minutes past a 10-minute grace must be late")
	}
	rec := store.record(res.RecordID)
	if rec == nil || !rec.Late {
		t.Fatal("record must persist the late flag")
	}
}

func TestSessionlessCutoffLateness(t *testing.T) {
	svc, _, clock := newTestHarness(t)

	early := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeIn,
	})
	if !early.Success || early.Late == nil || *early.Late {
		t.Fatalf("08:00 scan without session should not be late: %+v", early)
	}

	// A different student slot is not needed; time the same student out
	// and back in past the 09:00 cutoff.
	clock.Advance(90 * time.Minute)
	if res := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeOut,
	}); !res.Success {
		t.Fatalf("time-out failed: %+v", res)
	}
	clock.Advance(10 * time.Minute)
	late := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeIn,
	})
	if !late.Success || late.Late == nil || !*late.Late {
		t.Fatalf("09:40 scan without session should be late: %+v", late)
	}
}

func TestDuplicateActivesRepairedBeforeDeciding(t *testing.T) {
	svc, store, clock := newTestHarness(t)
	sess := "sess1"

	// Simulate the race: two active records inserted directly.
	older := &PresenceRecord{
		ID: uuid.NewString(), StudentID: "s1", RoomID: "r1", SessionID: &sess,
		TimeIn: clock.Now().Add(-time.Hour), Active: true, ScannedBy: "prof-1",
	}
	newer := &PresenceRecord{
		ID: uuid.NewString(), StudentID: "s1", RoomID: "r1", SessionID: &sess,
		TimeIn: clock.Now().Add(-30 * time.Minute), Active: true, ScannedBy: "prof-1",
	}
	if err := store.InsertRecord(context.Background(), older); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertRecord(context.Background(), newer); err != nil {
		t.Fatal(err)
	}

	res := scan(svc, ModeAuto)
	if !res.Success || res.Action != ActionTimeOut {
		t.Fatalf("after repair the student is present once, expected time_out: %+v", res)
	}
	if res.RecordID != newer.ID {
		t.Fatalf("time-out must close the most recent record, got %s", res.RecordID)
	}

	repaired := store.record(older.ID)
	if repaired.Active || repaired.TimeOut == nil {
		t.Fatal("older duplicate must be force-closed")
	}
	if !strings.Contains(repaired.Notes, "multiple active records") {
		t.Fatalf("expected repair note, got %q", repaired.Notes)
	}
	if store.activeCount() != 0 {
		t.Fatalf("invariant violated: %d active records remain", store.activeCount())
	}
}

func TestMultiRoomPresenceWarnsButProceeds(t *testing.T) {
	svc, store, clock := newTestHarness(t)
	store.rooms["r3"] = Room{ID: "r3", Number: "201", Active: true}

	elsewhere := &PresenceRecord{
		ID: uuid.NewString(), StudentID: "s1", RoomID: "r3",
		TimeIn: clock.Now().Add(-time.Hour), Active: true, ScannedBy: "prof-2",
	}
	if err := store.InsertRecord(context.Background(), elsewhere); err != nil {
		t.Fatal(err)
	}

	res := scan(svc, ModeAuto)
	if !res.Success || res.Action != ActionTimeIn {
		t.Fatalf("multi-room presence must not block, got %+v", res)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "elsewhere") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a multi-room warning, got %v", res.Warnings)
	}
	if rec := store.record(elsewhere.ID); !rec.Active {
		t.Fatal("the other room's record must be left alone")
	}
}

func TestMidnightCrossoverTimeOut(t *testing.T) {
	svc, _, clock := newTestHarness(t)
	clock.Set(time.Date(2025, 6, 2, 23, 55, 0, 0, time.UTC))

	if res := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeIn,
	}); !res.Success {
		t.Fatalf("time-in failed: %+v", res)
	}

	clock.Set(time.Date(2025, 6, 3, 0, 15, 0, 0, time.UTC))
	res := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeOut,
	})
	if !res.Success || res.DurationMinutes == nil || *res.DurationMinutes != 20 {
		t.Fatalf("expected 20 minutes across midnight, got %+v", res)
	}
}

func TestClockSkewTimeOutCorrected(t *testing.T) {
	svc, store, clock := newTestHarness(t)

	// Time-in written by a scanner whose clock ran two minutes ahead.
	in := &PresenceRecord{
		ID: uuid.NewString(), StudentID: "s1", RoomID: "r1",
		TimeIn: clock.Now().Add(2 * time.Minute), Active: true, ScannedBy: "prof-2",
	}
	if err := store.InsertRecord(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	res := svc.ProcessScan(context.Background(), ScanRequest{
		StudentID: "s1", RoomID: "r1", ScannedBy: "prof-1", Mode: ModeTimeOut,
	})
	if !res.Success {
		t.Fatalf("time-out must survive clock skew: %+v", res)
	}
	if res.DurationMinutes == nil || *res.DurationMinutes != 1 {
		t.Fatalf("expected forced 1-minute duration, got %+v", res.DurationMinutes)
	}
	rec := store.record(in.ID)
	if !strings.Contains(rec.Notes, "Clock synchronization") {
		t.Fatalf("expected clock sync note, got %q", rec.Notes)
	}
	if rec.TimeOut == nil || !rec.TimeOut.Equal(in.TimeIn.Add(time.Minute)) {
		t.Fatalf("corrected time-out must be time-in plus one minute, got %v", rec.TimeOut)
	}
}

func TestExtremeDurationAnnotatedNotRejected(t *testing.T) {
	svc, store, clock := newTestHarness(t)

	in := scan(svc, ModeTimeIn)
	if !in.Success {
		t.Fatalf("time-in failed: %+v", in)
	}
	clock.Advance(20 * time.Hour)
	res := scan(svc, ModeTimeOut)
	if !res.Success {
		t.Fatalf("extreme duration must not reject the time-out: %+v", res)
	}
	if res.DurationMinutes == nil || *res.DurationMinutes != 20*60 {
		t.Fatalf("duration must be preserved, got %+v", res.DurationMinutes)
	}
	rec := store.record(in.RecordID)
	if !strings.Contains(rec.Notes, "Extreme duration") {
		t.Fatalf("expected extreme-duration note, got %q", rec.Notes)
	}
}

func TestScheduledSlotTiming(t *testing.T) {
	slot := ScheduledSlot{
		ID:            "slot1",
		RoomID:        "r1",
		Date:          time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		StartClock:    9 * time.Hour,
		EndClock:      10*time.Hour + 30*time.Minute,
		WindowMinutes: 15,
		Active:        true,
	}
	if got := slot.Start(); !got.Equal(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start: %v", got)
	}
	if got := slot.End(); !got.Equal(time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end: %v", got)
	}
	if slot.GraceMinutes() != 15 {
		t.Fatalf("expected window to drive grace, got %d", slot.GraceMinutes())
	}

	overnight := ScheduledSlot{
		Date:       time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		StartClock: 22 * time.Hour,
		EndClock:   1 * time.Hour,
	}
	if got := overnight.End(); !got.Equal(time.Date(2025, 6, 3, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("overnight slot must end next day, got %v", got)
	}
	if overnight.GraceMinutes() != DefaultGraceMinutes {
		t.Fatalf("zero window must fall back to default grace, got %d", overnight.GraceMinutes())
	}
}

func TestMemoryGuardWindowExpires(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	guard := NewMemoryGuardAt(clock.Now)
	ctx := context.Background()

	if ok, _ := guard.Allow(ctx, "s1|r1", 5*time.Second); !ok {
		t.Fatal("first claim must pass")
	}
	clock.Advance(2 * time.Second)
	if ok, _ := guard.Allow(ctx, "s1|r1", 5*time.Second); ok {
		t.Fatal("claim inside the window must fail")
	}
	clock.Advance(4 * time.Second)
	if ok, _ := guard.Allow(ctx, "s1|r1", 5*time.Second); !ok {
		t.Fatal("claim after the window must pass")
	}
	if ok, _ := guard.Allow(ctx, "s2|r1", 5*time.Second); !ok {
		t.Fatal("other keys are independent")
	}
}
