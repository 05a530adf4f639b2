package presence

import "context"

// resolvedScan carries the entities a validated scan refers to. Session is
// nil when the scan was not bound to one.
type resolvedScan struct {
	Student *Student
	Room    *Room
	Session SessionTimingView
}

// validateScan resolves every referenced entity and fails fast with the
// first specific error. Read-only; nothing is written on rejection.
func validateScan(ctx context.Context, store Store, req ScanRequest) (resolvedScan, *ScanResult, error) {
	var out resolvedScan

	student, err := store.Student(ctx, req.StudentID)
	if err != nil {
		return out, nil, err
	}
	if student == nil {
		res := errorResult(ErrStudentNotFound, "Student not found")
		return out, &res, nil
	}
	if !student.Active {
		res := errorResult(ErrStudentInactive, "Student account is inactive")
		return out, &res, nil
	}
	out.Student = student

	room, err := store.Room(ctx, req.RoomID)
	if err != nil {
		return out, nil, err
	}
	if room == nil {
		res := errorResult(ErrRoomNotFound, "Room not found")
		return out, &res, nil
	}
	if !room.Active {
		res := errorResult(ErrRoomInactive, "Room is inactive")
		return out, &res, nil
	}
	out.Room = room

	if req.SessionID != "" {
		session, err := store.Session(ctx, req.SessionID)
		if err != nil {
			return out, nil, err
		}
		if session == nil {
			res := errorResult(ErrSessionNotFound, "Session not found")
			return out, &res, nil
		}
		if !session.IsActive() {
			res := errorResult(ErrSessionInactive, "Session is inactive")
			return out, &res, nil
		}
		out.Session = session
	}

	return out, nil, nil
}
