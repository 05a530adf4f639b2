package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists presence data in Postgres.
type Repository struct {
	db *sql.DB
	q  querier
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// InTx runs fn against a transaction-scoped repository. The scan pipeline's
// read-decide-write sequence relies on this boundary.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	if r.db == nil {
		return errors.New("repository not bound to a database")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	scoped := &Repository{db: r.db, q: tx}
	if err := fn(scoped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Student returns a student by id, or nil when absent.
func (r *Repository) Student(ctx context.Context, id string) (*Student, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, student_no, first_name, last_name, is_active, created_at
		FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.StudentNo, &s.FirstName, &s.LastName, &s.Active, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Room returns a room by id, or nil when absent.
func (r *Repository) Room(ctx context.Context, id string) (*Room, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, room_number, room_name, capacity, is_active
		FROM rooms WHERE id = $1
	`, id)
	var rm Room
	if err := row.Scan(&rm.ID, &rm.Number, &rm.Name, &rm.Capacity, &rm.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rm, nil
}

// Session resolves either session variant by id, scheduled slots first,
// falling back to plain session windows. Returns nil when neither matches.
func (r *Repository) Session(ctx context.Context, id string) (SessionTimingView, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, room_id, title, instructor_id, session_date, start_seconds, end_seconds,
		       attendance_window_minutes, status IN ('scheduled', 'active')
		FROM scheduled_slots WHERE id = $1
	`, id)
	var slot ScheduledSlot
	var startSec, endSec int
	err := row.Scan(&slot.ID, &slot.RoomID, &slot.Title, &slot.InstructorID, &slot.Date,
		&startSec, &endSec, &slot.WindowMinutes, &slot.Active)
	if err == nil {
		slot.StartClock = time.Duration(startSec) * time.Second
		slot.EndClock = time.Duration(endSec) * time.Second
		return slot, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row = r.q.QueryRowContext(ctx, `
		SELECT id, room_id, session_name, instructor, start_time, end_time,
		       COALESCE(grace_minutes, 0), is_active
		FROM session_windows WHERE id = $1
	`, id)
	var win SessionWindow
	err = row.Scan(&win.ID, &win.RoomID, &win.Name, &win.Instructor, &win.StartAt,
		&win.EndAt, &win.Grace, &win.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return win, nil
}

const recordColumns = `
	id, student_id, room_id, session_id, time_in, time_out, is_active, is_late,
	COALESCE(notes, ''), scanned_by, time_out_scanned_by,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at`

func scanRecord(rows *sql.Rows) (PresenceRecord, error) {
	var rec PresenceRecord
	err := rows.Scan(&rec.ID, &rec.StudentID, &rec.RoomID, &rec.SessionID, &rec.TimeIn,
		&rec.TimeOut, &rec.Active, &rec.Late, &rec.Notes, &rec.ScannedBy,
		&rec.TimeOutScannedBy, &rec.IP, &rec.UserAgent, &rec.CreatedAt)
	return rec, err
}

func collectRecords(rows *sql.Rows) ([]PresenceRecord, error) {
	defer rows.Close()
	var res []PresenceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// sessionClause matches the session scope: a concrete session id, or the
// sessionless records when sessionID is nil.
func sessionClause(sessionID *string, argPos int) (string, []any) {
	if sessionID == nil {
		return "session_id IS NULL", nil
	}
	return fmt.Sprintf("session_id = $%d", argPos), []any{*sessionID}
}

// ActiveRecords returns open records for (student, room[, session]).
func (r *Repository) ActiveRecords(ctx context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error) {
	clause, extra := sessionClause(sessionID, 3)
	args := append([]any{studentID, roomID}, extra...)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM presence_records
		WHERE student_id = $1 AND room_id = $2 AND `+clause+` AND is_active = TRUE
		ORDER BY time_in DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ActiveRecordsElsewhere returns the student's open records outside the
// target (room, session) scope. Multi-room presence is reported from these.
func (r *Repository) ActiveRecordsElsewhere(ctx context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error) {
	clause, extra := sessionClause(sessionID, 3)
	args := append([]any{studentID, roomID}, extra...)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM presence_records
		WHERE student_id = $1 AND is_active = TRUE
		  AND NOT (room_id = $2 AND `+clause+`)
		ORDER BY time_in DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ActiveRecordsOlderThan returns open records whose time-in predates cutoff.
func (r *Repository) ActiveRecordsOlderThan(ctx context.Context, cutoff time.Time) ([]PresenceRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM presence_records
		WHERE is_active = TRUE AND time_in <= $1
		ORDER BY time_in
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// RecordsSince returns records for the scope whose time-in falls after since.
func (r *Repository) RecordsSince(ctx context.Context, studentID, roomID string, sessionID *string, since time.Time) ([]PresenceRecord, error) {
	clause, extra := sessionClause(sessionID, 4)
	args := append([]any{studentID, roomID, since}, extra...)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM presence_records
		WHERE student_id = $1 AND room_id = $2 AND `+clause+` AND time_in >= $3
		ORDER BY time_in DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// InsertRecord writes a new presence record.
func (r *Repository) InsertRecord(ctx context.Context, rec *PresenceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO presence_records
			(id, student_id, room_id, session_id, time_in, time_out, is_active, is_late,
			 notes, scanned_by, time_out_scanned_by, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.RoomID, rec.SessionID, rec.TimeIn, rec.TimeOut,
		rec.Active, rec.Late, nullIfEmpty(rec.Notes), rec.ScannedBy,
		rec.TimeOutScannedBy, nullIfEmpty(rec.IP), nullIfEmpty(rec.UserAgent))
	return row.Scan(&rec.CreatedAt)
}

// UpdateRecord persists time-out fields, the active flag, and notes.
func (r *Repository) UpdateRecord(ctx context.Context, rec *PresenceRecord) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE presence_records
		SET time_out = $2, is_active = $3, is_late = $4, notes = $5, time_out_scanned_by = $6
		WHERE id = $1
	`, rec.ID, rec.TimeOut, rec.Active, rec.Late, nullIfEmpty(rec.Notes), rec.TimeOutScannedBy)
	return err
}

// AppendEvent writes one immutable audit entry.
func (r *Repository) AppendEvent(ctx context.Context, evt *PresenceEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO presence_events
			(id, student_id, room_id, session_id, record_id, event_type, event_time,
			 scanned_by, is_late, duration_minutes, notes, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at
	`, evt.ID, evt.StudentID, evt.RoomID, evt.SessionID, evt.RecordID, evt.Type, evt.At,
		evt.ScannedBy, evt.Late, evt.DurationMinutes, nullIfEmpty(evt.Notes),
		nullIfEmpty(evt.IP), nullIfEmpty(evt.UserAgent))
	return row.Scan(&evt.CreatedAt)
}

// CountActive returns the number of open presence records.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM presence_records WHERE is_active = TRUE`).Scan(&n)
	return n, err
}

// StudentsInMultipleRooms counts students with open records in more than one room.
func (r *Repository) StudentsInMultipleRooms(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT student_id FROM presence_records
			WHERE is_active = TRUE
			GROUP BY student_id
			HAVING COUNT(DISTINCT room_id) > 1
		) multi
	`).Scan(&n)
	return n, err
}

// DuplicateActivePairs counts (student, room) pairs holding more than one
// open record, the invariant the sweeper exists to repair.
func (r *Repository) DuplicateActivePairs(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT student_id, room_id FROM presence_records
			WHERE is_active = TRUE
			GROUP BY student_id, room_id
			HAVING COUNT(*) > 1
		) dup
	`).Scan(&n)
	return n, err
}

// EventTimes returns the student's most recent audit timestamps, newest first.
func (r *Repository) EventTimes(ctx context.Context, studentID string, limit int) ([]time.Time, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT event_time FROM presence_events
		WHERE student_id = $1
		ORDER BY event_time DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// ListRecords returns records with basic filters for the read API.
func (r *Repository) ListRecords(ctx context.Context, studentID, roomID string, limit, offset int) ([]PresenceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM presence_records`
	args := []any{}
	clauses := []string{}
	if studentID != "" {
		args = append(args, studentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if roomID != "" {
		args = append(args, roomID)
		clauses = append(clauses, fmt.Sprintf("room_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY time_in DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListEvents returns audit entries with basic filters, newest first.
func (r *Repository) ListEvents(ctx context.Context, studentID, roomID string, limit, offset int) ([]PresenceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, student_id, room_id, session_id, record_id, event_type, event_time,
		       scanned_by, is_late, duration_minutes, COALESCE(notes, ''),
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM presence_events`
	args := []any{}
	clauses := []string{}
	if studentID != "" {
		args = append(args, studentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if roomID != "" {
		args = append(args, roomID)
		clauses = append(clauses, fmt.Sprintf("room_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY event_time DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PresenceEvent
	for rows.Next() {
		var evt PresenceEvent
		if err := rows.Scan(&evt.ID, &evt.StudentID, &evt.RoomID, &evt.SessionID, &evt.RecordID,
			&evt.Type, &evt.At, &evt.ScannedBy, &evt.Late, &evt.DurationMinutes,
			&evt.Notes, &evt.IP, &evt.UserAgent, &evt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// UpsertScanner ensures a scanner-device row exists.
func (r *Repository) UpsertScanner(ctx context.Context, scannerID string) error {
	if scannerID == "" {
		return errors.New("scanner id required")
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scanners (scanner_id)
		VALUES ($1)
		ON CONFLICT (scanner_id) DO NOTHING
	`, scannerID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, scannerID, token string, expiresAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO refresh_tokens (scanner_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, scannerID, token, expiresAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
