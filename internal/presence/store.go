package presence

import (
	"context"
	"time"
)

// Store is the persistence port the state machine operates through. Absent
// rows come back as (nil, nil); errors are reserved for real failures.
// Implementations must make InTx atomic per scan so a record is never
// persisted without its audit event.
type Store interface {
	// Entity lookups used by the validator.
	Student(ctx context.Context, id string) (*Student, error)
	Room(ctx context.Context, id string) (*Room, error)
	Session(ctx context.Context, id string) (SessionTimingView, error)

	// Presence queries used by the analyzer and sweeper. sessionID narrows
	// the match when non-nil; nil matches records without a session.
	ActiveRecords(ctx context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error)
	ActiveRecordsElsewhere(ctx context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error)
	ActiveRecordsOlderThan(ctx context.Context, cutoff time.Time) ([]PresenceRecord, error)
	RecordsSince(ctx context.Context, studentID, roomID string, sessionID *string, since time.Time) ([]PresenceRecord, error)

	// Writes.
	InsertRecord(ctx context.Context, rec *PresenceRecord) error
	UpdateRecord(ctx context.Context, rec *PresenceRecord) error
	AppendEvent(ctx context.Context, evt *PresenceEvent) error

	// Monitoring.
	CountActive(ctx context.Context) (int, error)
	StudentsInMultipleRooms(ctx context.Context) (int, error)
	DuplicateActivePairs(ctx context.Context) (int, error)
	EventTimes(ctx context.Context, studentID string, limit int) ([]time.Time, error)

	// InTx runs fn against a transactional view of the store.
	InTx(ctx context.Context, fn func(Store) error) error
}
