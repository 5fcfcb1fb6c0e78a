// Package inmem is a mutex-guarded in-memory implementation of the engine
// and schedule stores, used by tests in place of Postgres.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"classsync/attendance/internal/engine"
	"classsync/attendance/internal/schedule"
)

type Student struct {
	ID         uuid.UUID
	Section    string
	Department string
}

type attendanceKey struct {
	sessionID uuid.UUID
	studentID uuid.UUID
}

type Store struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]engine.Session
	attendance map[attendanceKey]engine.AttendanceRecord
	history    map[uuid.UUID]engine.ClassHistory
	students   []Student
	timetables []schedule.WeeklyTimetable
}

func NewStore() *Store {
	return &Store{
		sessions:   make(map[uuid.UUID]engine.Session),
		attendance: make(map[attendanceKey]engine.AttendanceRecord),
		history:    make(map[uuid.UUID]engine.ClassHistory),
	}
}

// Seeding

func (s *Store) AddStudent(student Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students = append(s.students, student)
}

func (s *Store) AddTimetable(timetable schedule.WeeklyTimetable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timetables = append(s.timetables, timetable)
}

// SaveTimetable replaces the routine with the same ID, or adds it.
func (s *Store) SaveTimetable(_ context.Context, timetable schedule.WeeklyTimetable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.timetables {
		if existing.ID == timetable.ID {
			s.timetables[i] = timetable
			return nil
		}
	}
	s.timetables = append(s.timetables, timetable)
	return nil
}

func (s *Store) FindTimetable(_ context.Context, department, batch string, semester int) (schedule.WeeklyTimetable, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, timetable := range s.timetables {
		if timetable.Department == department && timetable.Batch == batch && timetable.Semester == semester {
			return timetable, true, nil
		}
	}
	return schedule.WeeklyTimetable{}, false, nil
}

// schedule.Store

func (s *Store) PeriodsForTeacher(_ context.Context, teacherID uuid.UUID, subject, day string) ([]schedule.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var periods []schedule.Period
	for _, t := range s.timetables {
		for _, d := range t.Days {
			if d.Name != day {
				continue
			}
			for _, p := range d.Periods {
				if p.TeacherID == teacherID && p.Subject == subject {
					periods = append(periods, p)
				}
			}
		}
	}
	return periods, nil
}

// engine.SessionStore

func (s *Store) CreateSession(_ context.Context, session engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) SessionByID(_ context.Context, id uuid.UUID) (engine.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *Store) SessionByQRToken(_ context.Context, token string) (engine.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.QRToken == token && session.IsActive {
			return session, true, nil
		}
	}
	return engine.Session{}, false, nil
}

func (s *Store) ActiveSessionsByTeacher(_ context.Context, teacherID uuid.UUID) ([]engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []engine.Session
	for _, session := range s.sessions {
		if session.TeacherID == teacherID && session.IsActive {
			active = append(active, session)
		}
	}
	return active, nil
}

func (s *Store) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// engine.AttendanceStore

func (s *Store) InsertAttendanceIfAbsent(_ context.Context, record engine.AttendanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attendanceKey{sessionID: record.SessionID, studentID: record.StudentID}
	if _, exists := s.attendance[key]; exists {
		return false, nil
	}
	s.attendance[key] = record
	return true, nil
}

func (s *Store) AttendanceBySession(_ context.Context, sessionID uuid.UUID) ([]engine.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []engine.AttendanceRecord
	for key, record := range s.attendance {
		if key.sessionID == sessionID {
			records = append(records, record)
		}
	}
	return records, nil
}

// engine.HistoryStore

func (s *Store) CreateHistory(_ context.Context, history engine.ClassHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[history.ID] = history
	return nil
}

func (s *Store) HistoryByID(_ context.Context, id uuid.UUID) (engine.ClassHistory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.history[id]
	return history, ok, nil
}

// engine.EnrollmentStore

func (s *Store) ListStudents(_ context.Context, section, department string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, student := range s.students {
		if student.Section == section && student.Department == department {
			ids = append(ids, student.ID)
		}
	}
	return ids, nil
}
