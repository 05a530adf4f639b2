package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is the in-memory Store fake used across the package tests.
type memStore struct {
	mu       sync.Mutex
	students map[string]Student
	rooms    map[string]Room
	sessions map[string]SessionTimingView
	records  map[string]*PresenceRecord
	events   []PresenceEvent
}

func newMemStore() *memStore {
	return &memStore{
		students: make(map[string]Student),
		rooms:    make(map[string]Room),
		sessions: make(map[string]SessionTimingView),
		records:  make(map[string]*PresenceRecord),
	}
}

func (m *memStore) InTx(_ context.Context, fn func(Store) error) error {
	// Single-process fake; the real boundary lives in Postgres.
	return fn(m)
}

func (m *memStore) Student(_ context.Context, id string) (*Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[id]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Room(_ context.Context, id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		cp := r
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Session(_ context.Context, id string) (SessionTimingView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

func sameSession(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memStore) ActiveRecords(_ context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []PresenceRecord
	for _, rec := range m.records {
		if rec.Active && rec.StudentID == studentID && rec.RoomID == roomID && sameSession(rec.SessionID, sessionID) {
			res = append(res, *rec)
		}
	}
	sortByTimeInDesc(res)
	return res, nil
}

func (m *memStore) ActiveRecordsElsewhere(_ context.Context, studentID, roomID string, sessionID *string) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []PresenceRecord
	for _, rec := range m.records {
		if !rec.Active || rec.StudentID != studentID {
			continue
		}
		if rec.RoomID == roomID && sameSession(rec.SessionID, sessionID) {
			continue
		}
		res = append(res, *rec)
	}
	sortByTimeInDesc(res)
	return res, nil
}

func (m *memStore) ActiveRecordsOlderThan(_ context.Context, cutoff time.Time) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []PresenceRecord
	for _, rec := range m.records {
		if rec.Active && !rec.TimeIn.After(cutoff) {
			res = append(res, *rec)
		}
	}
	sortByTimeInDesc(res)
	return res, nil
}

func (m *memStore) RecordsSince(_ context.Context, studentID, roomID string, sessionID *string, since time.Time) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []PresenceRecord
	for _, rec := range m.records {
		if rec.StudentID == studentID && rec.RoomID == roomID && sameSession(rec.SessionID, sessionID) && !rec.TimeIn.Before(since) {
			res = append(res, *rec)
		}
	}
	sortByTimeInDesc(res)
	return res, nil
}

func (m *memStore) InsertRecord(_ context.Context, rec *PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = rec.TimeIn
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) UpdateRecord(_ context.Context, rec *PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, evt *PresenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt.CreatedAt = evt.At
	m.events = append(m.events, *evt)
	return nil
}

func (m *memStore) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.Active {
			n++
		}
	}
	return n, nil
}

func (m *memStore) StudentsInMultipleRooms(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make(map[string]map[string]bool)
	for _, rec := range m.records {
		if !rec.Active {
			continue
		}
		if rooms[rec.StudentID] == nil {
			rooms[rec.StudentID] = make(map[string]bool)
		}
		rooms[rec.StudentID][rec.RoomID] = true
	}
	n := 0
	for _, set := range rooms {
		if len(set) > 1 {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DuplicateActivePairs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make(map[string]int)
	for _, rec := range m.records {
		if rec.Active {
			pairs[rec.StudentID+"|"+rec.RoomID]++
		}
	}
	n := 0
	for _, count := range pairs {
		if count > 1 {
			n++
		}
	}
	return n, nil
}

func (m *memStore) EventTimes(_ context.Context, studentID string, limit int) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var times []time.Time
	for _, evt := range m.events {
		if evt.StudentID == studentID {
			times = append(times, evt.At)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	if limit > 0 && len(times) > limit {
		times = times[:limit]
	}
	return times, nil
}

func (m *memStore) activeCount() int {
	n, _ := m.CountActive(context.Background())
	return n
}

func (m *memStore) record(id string) *PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

func sortByTimeInDesc(recs []PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].TimeIn.After(recs[j].TimeIn) })
}
