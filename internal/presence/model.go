// Package presence implements the room-attendance state machine: scan
// classification, grace periods, anomaly detection and self-repair.
package presence

import (
	"time"

	"scanme/internal/timeutil"
)

// Scan modes requested by the caller.
const (
	ModeAuto    = "auto"
	ModeTimeIn  = "time_in"
	ModeTimeOut = "time_out"
)

// Result actions returned to the caller.
const (
	ActionTimeIn      = "time_in"
	ActionTimeOut     = "time_out"
	ActionDuplicate   = "duplicate"
	ActionRateLimited = "rate_limited"
	ActionError       = "error"
)

// Event types on the audit log.
const (
	EventTimeIn  = "time_in"
	EventTimeOut = "time_out"
)

// Error codes surfaced on rejected scans.
const (
	ErrStudentNotFound   = "STUDENT_NOT_FOUND"
	ErrStudentInactive   = "STUDENT_INACTIVE"
	ErrRoomNotFound      = "ROOM_NOT_FOUND"
	ErrRoomInactive      = "ROOM_INACTIVE"
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionInactive   = "SESSION_INACTIVE"
	ErrNotInRoom         = "NOT_IN_ROOM"
	ErrAlreadyInRoom     = "ALREADY_IN_ROOM"
	ErrRecentDuplicate   = "RECENT_DUPLICATE"
	ErrRapidScanDetected = "RAPID_SCAN_DETECTED"
	ErrSystem            = "SYSTEM_ERROR"
)

// Student is a roster entry. Owned by the roster subsystem; read-only here.
type Student struct {
	ID        string
	StudentNo string
	FirstName string
	LastName  string
	Active    bool
	CreatedAt time.Time
}

// FullName returns the display name used in scan messages.
func (s Student) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// Room is a scannable location. Owned by the facilities subsystem.
type Room struct {
	ID       string
	Number   string
	Name     string
	Capacity int
	Active   bool
}

// SessionTimingView is the single timing contract the state machine sees.
// Two session shapes exist in the wild (a plain datetime window and a
// recurring date+clock-time slot); both are adapted to this interface.
type SessionTimingView interface {
	Start() time.Time
	End() time.Time
	GraceMinutes() int
	IsActive() bool
}

// SessionWindow is the simple variant: explicit start and end instants.
type SessionWindow struct {
	ID         string
	RoomID     string
	Name       string
	Instructor string
	StartAt    time.Time
	EndAt      time.Time
	Grace      int
	Active     bool
}

func (s SessionWindow) Start() time.Time { return timeutil.Normalize(s.StartAt) }
func (s SessionWindow) End() time.Time   { return timeutil.Normalize(s.EndAt) }
func (s SessionWindow) IsActive() bool   { return s.Active }

func (s SessionWindow) GraceMinutes() int {
	if s.Grace <= 0 {
		return DefaultGraceMinutes
	}
	return s.Grace
}

// ScheduledSlot is the richer variant: a calendar date with clock times,
// as produced by the recurring scheduler. End before start means the slot
// runs past midnight.
type ScheduledSlot struct {
	ID            string
	RoomID        string
	Title         string
	InstructorID  string
	Date          time.Time // calendar date, time fields ignored
	StartClock    time.Duration
	EndClock      time.Duration
	WindowMinutes int // attendance window, doubles as the grace period
	Active        bool
}

func (s ScheduledSlot) day() time.Time {
	d := timeutil.Normalize(s.Date)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (s ScheduledSlot) Start() time.Time { return s.day().Add(s.StartClock) }

func (s ScheduledSlot) End() time.Time {
	end := s.day().Add(s.EndClock)
	if s.EndClock < s.StartClock {
		end = end.Add(24 * time.Hour)
	}
	return end
}

func (s ScheduledSlot) IsActive() bool { return s.Active }

func (s ScheduledSlot) GraceMinutes() int {
	if s.WindowMinutes <= 0 {
		return DefaultGraceMinutes
	}
	return s.WindowMinutes
}

// PresenceRecord is the canonical "student is/was in room" fact. Active is
// authoritative; TimeOut == nil is the derived check the sweeper uses to
// detect drift.
type PresenceRecord struct {
	ID               string
	StudentID        string
	RoomID           string
	SessionID        *string
	TimeIn           time.Time
	TimeOut          *time.Time
	Active           bool
	Late             bool
	Notes            string
	ScannedBy        string
	TimeOutScannedBy *string
	IP               string
	UserAgent        string
	CreatedAt        time.Time
}

// DurationMinutes returns minutes in room, measured to now for open records.
func (r PresenceRecord) DurationMinutes(now time.Time) int {
	end := timeutil.Normalize(now)
	if r.TimeOut != nil {
		end = timeutil.Normalize(*r.TimeOut)
	}
	return int(end.Sub(timeutil.Normalize(r.TimeIn)).Minutes())
}

// PresenceEvent is one append-only audit entry per scan action. Events are
// never mutated, so history survives even if record state goes inconsistent.
type PresenceEvent struct {
	ID              string
	StudentID       string
	RoomID          string
	SessionID       *string
	RecordID        string
	Type            string
	At              time.Time
	ScannedBy       string
	Late            bool
	DurationMinutes *int
	Notes           string
	IP              string
	UserAgent       string
	CreatedAt       time.Time
}

// ScanRequest is one scan to classify.
type ScanRequest struct {
	StudentID string
	RoomID    string
	SessionID string // optional
	ScannedBy string
	Mode      string // auto, time_in, time_out
	IP        string
	UserAgent string
}

// ScanResult is the outcome contract returned to the entry point.
type ScanResult struct {
	Success         bool     `json:"success"`
	Action          string   `json:"action"`
	Message         string   `json:"message"`
	ErrorCode       string   `json:"error_code,omitempty"`
	StudentName     string   `json:"student_name,omitempty"`
	Late            *bool    `json:"is_late,omitempty"`
	DurationMinutes *int     `json:"duration_minutes,omitempty"`
	RecordID        string   `json:"record_id,omitempty"`
	EventID         string   `json:"event_id,omitempty"`
	TimeIn          string   `json:"time_in,omitempty"`
	TimeOut         string   `json:"time_out,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

func errorResult(code, message string) ScanResult {
	return ScanResult{Success: false, Action: ActionError, ErrorCode: code, Message: message}
}
