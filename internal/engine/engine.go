// Package engine owns the class session lifecycle: opening sessions against
// the timetable, at-most-once attendance accounting, and close-time
// reconciliation into the archive.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"classsync/attendance/internal/credentials"
	"classsync/attendance/internal/schedule"
)

type Engine struct {
	store    Store
	schedule *schedule.Validator
	creds    credentials.Generator
	now      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*teacherLock
}

func New(store Store, validator *schedule.Validator, creds credentials.Generator) *Engine {
	return &Engine{
		store:    store,
		schedule: validator,
		creds:    creds,
		now:      time.Now,
		locks:    make(map[uuid.UUID]*teacherLock),
	}
}

type teacherLock struct {
	mu   sync.Mutex
	refs int
}

// lockTeacher serializes session mutations per teacher. Concurrent
// StartSession calls for the same teacher must not both end up active.
// Entries are refcounted and dropped on last release, so the table is
// bounded by in-flight requests rather than teachers ever seen.
func (e *Engine) lockTeacher(teacherID uuid.UUID) func() {
	e.mu.Lock()
	lock, ok := e.locks[teacherID]
	if !ok {
		lock = &teacherLock{}
		e.locks[teacherID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, teacherID)
		}
		e.mu.Unlock()
	}
}

type StartSessionInput struct {
	TeacherID  uuid.UUID
	Department string
	Subject    string
	Section    string
	BSSID      string
	SSID       string
}

// StartSession validates the teacher's claim against the timetable, closes
// any session the teacher still has open through the full reconciliation
// path, and creates the new active session with fresh credentials.
func (e *Engine) StartSession(ctx context.Context, in StartSessionInput, asOf time.Time) (Session, error) {
	period, err := e.schedule.ResolveActivePeriod(ctx, in.TeacherID, in.Subject, asOf)
	if err != nil {
		return Session{}, err
	}

	unlock := e.lockTeacher(in.TeacherID)
	defer unlock()

	active, err := e.store.ActiveSessionsByTeacher(ctx, in.TeacherID)
	if err != nil {
		return Session{}, err
	}
	for _, prior := range active {
		// Superseded sessions keep their absentee accounting instead of
		// being orphaned as merely inactive.
		if _, err := e.reconcile(ctx, prior, asOf); err != nil {
			return Session{}, err
		}
	}

	otp, qrToken, err := e.creds.Issue()
	if err != nil {
		return Session{}, err
	}

	session := Session{
		ID:         uuid.New(),
		TeacherID:  in.TeacherID,
		Subject:    in.Subject,
		Section:    in.Section,
		Department: in.Department,
		BSSID:      in.BSSID,
		SSID:       in.SSID,
		OTP:        otp,
		QRToken:    qrToken,
		IsActive:   true,
		RoutineID:  period.RoutineID,
		PeriodNo:   period.PeriodNo,
		CreatedAt:  asOf.UTC(),
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// EndSession archives the session and deletes the live row. A retry after a
// successful close finds no session and fails with ErrSessionNotFound.
func (e *Engine) EndSession(ctx context.Context, sessionID, teacherID uuid.UUID) (ClassHistory, error) {
	unlock := e.lockTeacher(teacherID)
	defer unlock()

	session, ok, err := e.store.SessionByID(ctx, sessionID)
	if err != nil {
		return ClassHistory{}, err
	}
	if !ok {
		return ClassHistory{}, ErrSessionNotFound
	}
	if session.TeacherID != teacherID {
		return ClassHistory{}, ErrForbidden
	}
	return e.reconcile(ctx, session, e.now())
}

// reconcile computes absentees, writes their records, archives the session
// under its own ID and deletes the live row. Callers hold the teacher lock.
// Every step tolerates rows left behind by an earlier close attempt that
// failed partway, so a retried close converges on the same archive.
func (e *Engine) reconcile(ctx context.Context, session Session, closedAt time.Time) (ClassHistory, error) {
	enrolled, err := e.store.ListStudents(ctx, session.Section, session.Department)
	if err != nil {
		return ClassHistory{}, err
	}
	records, err := e.store.AttendanceBySession(ctx, session.ID)
	if err != nil {
		return ClassHistory{}, err
	}

	present := make(map[uuid.UUID]struct{}, len(records))
	for _, r := range records {
		if r.Status != StatusPresent {
			continue
		}
		present[r.StudentID] = struct{}{}
	}

	for _, studentID := range enrolled {
		if _, ok := present[studentID]; ok {
			continue
		}
		if _, err := e.store.InsertAttendanceIfAbsent(ctx, AttendanceRecord{
			SessionID:  session.ID,
			StudentID:  studentID,
			Status:     StatusAbsent,
			Method:     MethodManual,
			Verified:   true,
			RecordedAt: closedAt.UTC(),
		}); err != nil {
			return ClassHistory{}, err
		}
	}

	// Count from the persisted rows rather than the insert outcomes: a
	// genuine submission that landed between the snapshot and the absentee
	// insert shows up here as present, and every enrolled student has
	// exactly one row, so presentCount + absentCount == len(enrolled).
	records, err = e.store.AttendanceBySession(ctx, session.ID)
	if err != nil {
		return ClassHistory{}, err
	}
	enrolledSet := make(map[uuid.UUID]struct{}, len(enrolled))
	for _, studentID := range enrolled {
		enrolledSet[studentID] = struct{}{}
	}
	presentCount := 0
	absentCount := 0
	for _, r := range records {
		if _, ok := enrolledSet[r.StudentID]; !ok {
			continue
		}
		if r.Status == StatusPresent {
			presentCount++
		} else {
			absentCount++
		}
	}

	history := ClassHistory{
		ID:           session.ID,
		TeacherID:    session.TeacherID,
		Subject:      session.Subject,
		Section:      session.Section,
		Department:   session.Department,
		BSSID:        session.BSSID,
		SSID:         session.SSID,
		OTP:          session.OTP,
		QRToken:      session.QRToken,
		StartTime:    session.CreatedAt,
		EndTime:      closedAt.UTC(),
		PresentCount: presentCount,
		AbsentCount:  absentCount,
	}
	if err := e.store.CreateHistory(ctx, history); err != nil {
		return ClassHistory{}, err
	}
	if err := e.store.DeleteSession(ctx, session.ID); err != nil {
		return ClassHistory{}, err
	}
	return history, nil
}

type AttendanceSubmission struct {
	SessionID uuid.UUID
	StudentID uuid.UUID
	Method    AttendanceMethod
	OTP       string
	QRToken   string
	Verified  bool
}

// RecordAttendance inserts exactly one record per (session, student). OTP
// and QR submissions must carry the credential issued for the session.
func (e *Engine) RecordAttendance(ctx context.Context, sub AttendanceSubmission) (AttendanceRecord, error) {
	session, ok, err := e.store.SessionByID(ctx, sub.SessionID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if !ok || !session.IsActive {
		return AttendanceRecord{}, ErrSessionClosed
	}

	verified := sub.Verified
	switch sub.Method {
	case MethodOTP:
		if sub.OTP != session.OTP {
			return AttendanceRecord{}, ErrInvalidCredential
		}
		verified = true
	case MethodQR:
		if sub.QRToken != session.QRToken {
			return AttendanceRecord{}, ErrInvalidCredential
		}
		verified = true
	case MethodManual:
	default:
		return AttendanceRecord{}, ErrInvalidMethod
	}

	record := AttendanceRecord{
		SessionID:  session.ID,
		StudentID:  sub.StudentID,
		Status:     StatusPresent,
		Method:     sub.Method,
		Verified:   verified,
		RecordedAt: e.now().UTC(),
	}
	inserted, err := e.store.InsertAttendanceIfAbsent(ctx, record)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if !inserted {
		return AttendanceRecord{}, ErrDuplicateAttendance
	}
	return record, nil
}

// ActiveSession is a pure read of the teacher's current session, if any.
func (e *Engine) ActiveSession(ctx context.Context, teacherID uuid.UUID) (Session, bool, error) {
	sessions, err := e.store.ActiveSessionsByTeacher(ctx, teacherID)
	if err != nil {
		return Session{}, false, err
	}
	if len(sessions) == 0 {
		return Session{}, false, nil
	}
	return sessions[0], true, nil
}

// SessionByQRToken resolves a scanned token to its live session.
func (e *Engine) SessionByQRToken(ctx context.Context, token string) (Session, bool, error) {
	return e.store.SessionByQRToken(ctx, token)
}

// History returns the archive record for a closed session.
func (e *Engine) History(ctx context.Context, sessionID uuid.UUID) (ClassHistory, bool, error) {
	return e.store.HistoryByID(ctx, sessionID)
}
