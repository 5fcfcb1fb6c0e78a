package engine

import (
	"context"

	"github.com/google/uuid"
)

type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	SessionByID(ctx context.Context, id uuid.UUID) (Session, bool, error)
	SessionByQRToken(ctx context.Context, token string) (Session, bool, error)
	ActiveSessionsByTeacher(ctx context.Context, teacherID uuid.UUID) ([]Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

type AttendanceStore interface {
	// InsertAttendanceIfAbsent atomically inserts the record unless one
	// already exists for (SessionID, StudentID). It reports whether the
	// insert happened.
	InsertAttendanceIfAbsent(ctx context.Context, record AttendanceRecord) (bool, error)
	AttendanceBySession(ctx context.Context, sessionID uuid.UUID) ([]AttendanceRecord, error)
}

type HistoryStore interface {
	// CreateHistory archives the session. It must be idempotent so a close
	// that failed after archiving can be retried to completion.
	CreateHistory(ctx context.Context, history ClassHistory) error
	HistoryByID(ctx context.Context, id uuid.UUID) (ClassHistory, bool, error)
}

type EnrollmentStore interface {
	// ListStudents returns the ids of enrolled students, scoped by both
	// section and department.
	ListStudents(ctx context.Context, section, department string) ([]uuid.UUID, error)
}

// Store is the full persistence surface the engine runs against.
type Store interface {
	SessionStore
	AttendanceStore
	HistoryStore
	EnrollmentStore
}
