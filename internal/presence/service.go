package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"scanme/internal/metrics"
	"scanme/internal/timeutil"
)

// Defaults for the state machine thresholds.
const (
	DefaultGraceMinutes    = 10
	DefaultRapidScanWindow = 5 * time.Second
	DefaultDuplicateWindow = 5 * time.Minute
	DefaultOrphanMaxAge    = 24 * time.Hour
	DefaultCutoffHour      = 9 // sessionless lateness cutoff, 09:00
)

// Options tune the Service thresholds. Zero values take the defaults.
type Options struct {
	RapidScanWindow time.Duration
	DuplicateWindow time.Duration
	OrphanMaxAge    time.Duration
	CutoffHour      int
	MaxReasonable   time.Duration
	Clock           func() time.Time
}

// Service coordinates the scan pipeline: rapid-scan guard, validation,
// state analysis, transition decision, and execution.
type Service struct {
	store Store
	guard RapidScanGuard

	rapidWindow  time.Duration
	dupWindow    time.Duration
	orphanMaxAge time.Duration
	cutoffHour   int
	calc         timeutil.Calculator
	now          func() time.Time
}

// NewService creates a service backed by a store and a rapid-scan guard.
func NewService(store Store, guard RapidScanGuard, opts Options) *Service {
	if opts.RapidScanWindow <= 0 {
		opts.RapidScanWindow = DefaultRapidScanWindow
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}
	if opts.OrphanMaxAge <= 0 {
		opts.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if opts.CutoffHour <= 0 {
		opts.CutoffHour = DefaultCutoffHour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	calc := timeutil.NewCalculator()
	if opts.MaxReasonable > 0 {
		calc.MaxReasonable = opts.MaxReasonable
	}
	return &Service{
		store:        store,
		guard:        guard,
		rapidWindow:  opts.RapidScanWindow,
		dupWindow:    opts.DuplicateWindow,
		orphanMaxAge: opts.OrphanMaxAge,
		cutoffHour:   opts.CutoffHour,
		calc:         calc,
		now:          opts.Clock,
	}
}

// ProcessScan classifies and executes one scan. Rejections come back as
// unsuccessful results with a specific error code; only infrastructure
// failures surface as SYSTEM_ERROR.
func (s *Service) ProcessScan(ctx context.Context, req ScanRequest) ScanResult {
	if req.Mode == "" {
		req.Mode = ModeAuto
	}

	// Guard first: reject accidental double-triggers before touching state.
	allowed, err := s.guard.Allow(ctx, req.StudentID+"|"+req.RoomID, s.rapidWindow)
	if err != nil {
		log.Printf("warning: rapid-scan guard unavailable: %v", err)
	}
	if !allowed {
		metrics.ScanRejections.WithLabelValues(ErrRapidScanDetected).Inc()
		return ScanResult{
			Success:   false,
			Action:    ActionRateLimited,
			ErrorCode: ErrRapidScanDetected,
			Message:   fmt.Sprintf("Please wait %d seconds between scans", int(s.rapidWindow.Seconds())),
		}
	}

	var result ScanResult
	err = s.store.InTx(ctx, func(tx Store) error {
		var txErr error
		result, txErr = s.processLocked(ctx, tx, req)
		return txErr
	})
	if err != nil {
		log.Printf("scan processing failed for student %s in room %s: %v", req.StudentID, req.RoomID, err)
		metrics.ScanRejections.WithLabelValues(ErrSystem).Inc()
		return errorResult(ErrSystem, "System error occurred while processing the scan, please retry")
	}

	if result.Success {
		metrics.Scans.WithLabelValues(result.Action).Inc()
	} else if result.ErrorCode != "" {
		metrics.ScanRejections.WithLabelValues(result.ErrorCode).Inc()
	}
	return result
}

// processLocked runs the read-decide-write sequence inside one transaction.
func (s *Service) processLocked(ctx context.Context, tx Store, req ScanRequest) (ScanResult, error) {
	resolved, rejection, err := validateScan(ctx, tx, req)
	if err != nil {
		return ScanResult{}, err
	}
	if rejection != nil {
		return *rejection, nil
	}

	var sessionID *string
	if req.SessionID != "" {
		sessionID = &req.SessionID
	}

	now := timeutil.Normalize(s.now())
	snap, err := analyzeState(ctx, tx, req.StudentID, req.RoomID, sessionID, now, s.dupWindow, s.orphanMaxAge)
	if err != nil {
		return ScanResult{}, err
	}

	var warnings []string

	// Repair before deciding: the decision must see at most one active record.
	if snap.Status == StatusMultipleActive {
		closed, err := closeDuplicateActives(ctx, tx, snap.ActiveHere, now, req.ScannedBy)
		if err != nil {
			return ScanResult{}, err
		}
		if closed > 0 {
			log.Printf("warning: closed %d duplicate active records for student %s in room %s",
				closed, req.StudentID, req.RoomID)
			metrics.RecordsRepaired.WithLabelValues("duplicate_active").Add(float64(closed))
			warnings = append(warnings, fmt.Sprintf("repaired %d duplicate active records before deciding", closed))
		}
		snap, err = analyzeState(ctx, tx, req.StudentID, req.RoomID, sessionID, now, s.dupWindow, s.orphanMaxAge)
		if err != nil {
			return ScanResult{}, err
		}
	}

	if len(snap.ActiveElsewhere) > 0 {
		// Physically impossible but legitimately produced by offline
		// scanners; log, never block.
		log.Printf("warning: %s has %d active records in other rooms or sessions",
			resolved.Student.FullName(), len(snap.ActiveElsewhere))
		warnings = append(warnings, fmt.Sprintf("student has %d active records elsewhere", len(snap.ActiveElsewhere)))
	}
	if len(snap.Orphaned) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d stale active records exceed the orphan threshold", len(snap.Orphaned)))
	}

	action, rejection := decideAction(req.Mode, snap.Status, resolved.Student)
	if rejection != nil {
		return *rejection, nil
	}
	if action == ActionTimeIn && snap.Status != StatusNotInRoom && snap.Status != "" {
		warnings = append(warnings, "ambiguous state detected, defaulting to time-in")
	}

	// Duplicate-window check precedes every time-in regardless of mode.
	if action == ActionTimeIn {
		if rec, ok := mostRecent(snap.RecentScans); ok && now.Sub(timeutil.Normalize(rec.TimeIn)) < s.dupWindow {
			return ScanResult{
				Success:   false,
				Action:    ActionDuplicate,
				ErrorCode: ErrRecentDuplicate,
				Message:   fmt.Sprintf("%s has a recent scan in this room", resolved.Student.FullName()),
			}, nil
		}
	}

	switch action {
	case ActionTimeIn:
		return s.executeTimeIn(ctx, tx, req, resolved, now, warnings)
	default:
		return s.executeTimeOut(ctx, tx, req, resolved, snap, now, warnings)
	}
}

// decideAction implements the transition table. The snapshot is guaranteed
// to hold at most one active record by the time this runs.
func decideAction(mode, status string, student *Student) (string, *ScanResult) {
	switch mode {
	case ModeTimeOut:
		if status == StatusNotInRoom {
			res := errorResult(ErrNotInRoom, fmt.Sprintf("%s is not currently in this room", student.FullName()))
			return "", &res
		}
		return ActionTimeOut, nil
	case ModeTimeIn:
		if status == StatusInRoom {
			res := ScanResult{
				Success:   false,
				Action:    ActionDuplicate,
				ErrorCode: ErrAlreadyInRoom,
				Message:   fmt.Sprintf("%s is already in this room", student.FullName()),
			}
			return "", &res
		}
		return ActionTimeIn, nil
	default: // auto
		switch status {
		case StatusNotInRoom:
			return ActionTimeIn, nil
		case StatusInRoom:
			return ActionTimeOut, nil
		default:
			// Should not occur after repair; surface it, never drop it.
			return ActionTimeIn, nil
		}
	}
}

func (s *Service) executeTimeIn(ctx context.Context, tx Store, req ScanRequest, resolved resolvedScan, now time.Time, warnings []string) (ScanResult, error) {
	late := false
	if resolved.Session != nil {
		arrival := timeutil.LateArrival(resolved.Session.Start(), now, resolved.Session.GraceMinutes())
		late = arrival.Late
		if arrival.Early {
			warnings = append(warnings, fmt.Sprintf("arrived %d minutes before session start", arrival.EarlyMinutes))
		}
		if arrival.AtGraceBoundary {
			warnings = append(warnings, "arrival at grace period boundary")
		}
	} else {
		cutoff := time.Date(now.Year(), now.Month(), now.Day(), s.cutoffHour, 0, 0, 0, time.UTC)
		late = now.After(cutoff)
	}

	var sessionID *string
	if req.SessionID != "" {
		sessionID = &req.SessionID
	}

	rec := &PresenceRecord{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		RoomID:    req.RoomID,
		SessionID: sessionID,
		TimeIn:    now,
		Active:    true,
		Late:      late,
		ScannedBy: req.ScannedBy,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	}
	if err := tx.InsertRecord(ctx, rec); err != nil {
		return ScanResult{}, err
	}

	evt := &PresenceEvent{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		RoomID:    req.RoomID,
		SessionID: sessionID,
		RecordID:  rec.ID,
		Type:      EventTimeIn,
		At:        now,
		ScannedBy: req.ScannedBy,
		Late:      late,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return ScanResult{}, err
	}

	log.Printf("time-in: student %s in room %s at %s", req.StudentID, req.RoomID, now.Format(time.RFC3339))

	msg := fmt.Sprintf("Successfully timed in %s", resolved.Student.FullName())
	if late {
		msg += " (Late)"
	}
	lateCopy := late
	return ScanResult{
		Success:     true,
		Action:      ActionTimeIn,
		Message:     msg,
		StudentName: resolved.Student.FullName(),
		Late:        &lateCopy,
		RecordID:    rec.ID,
		EventID:     evt.ID,
		TimeIn:      now.Format(time.RFC3339),
		Warnings:    warnings,
	}, nil
}

func (s *Service) executeTimeOut(ctx context.Context, tx Store, req ScanRequest, resolved resolvedScan, snap stateSnapshot, now time.Time, warnings []string) (ScanResult, error) {
	rec, ok := mostRecentActive(snap.ActiveHere)
	if !ok {
		// Defensive; the decider already rejected NOT_IN_ROOM.
		return errorResult(ErrNotInRoom, fmt.Sprintf("%s is not currently in this room", resolved.Student.FullName())), nil
	}

	d := s.calc.SafeDuration(rec.TimeIn, now)
	for _, c := range d.CorrectionsApplied {
		if c == timeutil.CorrectionClockSync || c == timeutil.CorrectionMinimumDuration {
			log.Printf("warning: clock sync issue closing record %s: time_out <= time_in", rec.ID)
			rec.Notes = appendNote(rec.Notes, "[Clock synchronization correction applied]")
		}
	}
	warnings = append(warnings, d.Warnings...)

	closedAt := d.TimeOut
	rec.TimeOut = &closedAt
	rec.Active = false
	scanner := req.ScannedBy
	rec.TimeOutScannedBy = &scanner
	if !d.Reasonable {
		rec.Notes = appendNote(rec.Notes, fmt.Sprintf("[Extreme duration detected: %d minutes]", d.Minutes))
	}
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return ScanResult{}, err
	}

	minutes := d.Minutes
	evt := &PresenceEvent{
		ID:              uuid.NewString(),
		StudentID:       req.StudentID,
		RoomID:          req.RoomID,
		SessionID:       rec.SessionID,
		RecordID:        rec.ID,
		Type:            EventTimeOut,
		At:              closedAt,
		ScannedBy:       req.ScannedBy,
		DurationMinutes: &minutes,
		IP:              req.IP,
		UserAgent:       req.UserAgent,
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return ScanResult{}, err
	}

	log.Printf("time-out: student %s from room %s at %s, duration %d minutes",
		req.StudentID, req.RoomID, closedAt.Format(time.RFC3339), minutes)

	return ScanResult{
		Success:         true,
		Action:          ActionTimeOut,
		Message:         fmt.Sprintf("Successfully timed out %s. Duration: %d minutes", resolved.Student.FullName(), minutes),
		StudentName:     resolved.Student.FullName(),
		DurationMinutes: &minutes,
		RecordID:        rec.ID,
		EventID:         evt.ID,
		TimeIn:          timeutil.Normalize(rec.TimeIn).Format(time.RFC3339),
		TimeOut:         closedAt.Format(time.RFC3339),
		Warnings:        warnings,
	}, nil
}

func mostRecent(recs []PresenceRecord) (*PresenceRecord, bool) {
	if len(recs) == 0 {
		return nil, false
	}
	best := 0
	for i := range recs {
		if recs[i].TimeIn.After(recs[best].TimeIn) {
			best = i
		}
	}
	return &recs[best], true
}

func mostRecentActive(recs []PresenceRecord) (*PresenceRecord, bool) {
	var best *PresenceRecord
	for i := range recs {
		if !recs[i].Active {
			continue
		}
		if best == nil || recs[i].TimeIn.After(best.TimeIn) {
			best = &recs[i]
		}
	}
	return best, best != nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + " " + note
}
