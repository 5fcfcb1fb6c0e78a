package engine_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classsync/attendance/internal/credentials"
	"classsync/attendance/internal/db/inmem"
	"classsync/attendance/internal/engine"
	"classsync/attendance/internal/schedule"
)

// mondayMorning falls inside the seeded 09:00-10:00 Data Structures period.
var mondayMorning = time.Date(2026, 1, 26, 9, 30, 0, 0, time.UTC)

type fixture struct {
	engine    *engine.Engine
	store     *inmem.Store
	teacherID uuid.UUID
	students  []uuid.UUID
}

func newFixture(t *testing.T, studentCount int) *fixture {
	t.Helper()
	store := inmem.NewStore()
	teacherID := uuid.New()
	routineID := uuid.New()

	store.AddTimetable(schedule.WeeklyTimetable{
		ID:         routineID,
		Department: "CSE",
		Batch:      "2022-2026",
		Semester:   3,
		Days: []schedule.Day{{
			Name: "Monday",
			Periods: []schedule.Period{{
				RoutineID: routineID,
				Day:       "Monday",
				PeriodNo:  1,
				StartTime: "09:00",
				EndTime:   "10:00",
				Subject:   "Data Structures",
				TeacherID: teacherID,
			}},
		}},
	})

	students := make([]uuid.UUID, 0, studentCount)
	for i := 0; i < studentCount; i++ {
		id := uuid.New()
		store.AddStudent(inmem.Student{ID: id, Section: "A", Department: "CSE"})
		students = append(students, id)
	}

	return &fixture{
		engine:    engine.New(store, schedule.NewValidator(store), credentials.NewGenerator()),
		store:     store,
		teacherID: teacherID,
		students:  students,
	}
}

func (f *fixture) startInput() engine.StartSessionInput {
	return engine.StartSessionInput{
		TeacherID:  f.teacherID,
		Department: "CSE",
		Subject:    "Data Structures",
		Section:    "A",
		BSSID:      "aa:bb:cc:dd:ee:ff",
		SSID:       "campus-wifi",
	}
}

func TestStartSessionWithinSchedule(t *testing.T) {
	f := newFixture(t, 5)

	session, err := f.engine.StartSession(context.Background(), f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if !session.IsActive {
		t.Fatalf("expected active session")
	}
	if len(session.OTP) != 4 {
		t.Fatalf("expected 4-digit otp, got %q", session.OTP)
	}
	if value, err := strconv.Atoi(session.OTP); err != nil || value < 1000 || value > 9999 {
		t.Fatalf("otp out of range: %q", session.OTP)
	}
	if len(session.QRToken) != 32 {
		t.Fatalf("expected hex qr token, got %q", session.QRToken)
	}
	if session.PeriodNo != 1 {
		t.Fatalf("expected session linked to period 1, got %d", session.PeriodNo)
	}
}

func TestStartSessionOutsideSchedule(t *testing.T) {
	f := newFixture(t, 5)

	cases := map[string]time.Time{
		"after the period": time.Date(2026, 1, 26, 10, 30, 0, 0, time.UTC),
		"wrong weekday":    time.Date(2026, 1, 27, 9, 30, 0, 0, time.UTC),
	}
	for name, asOf := range cases {
		_, err := f.engine.StartSession(context.Background(), f.startInput(), asOf)
		var mismatch *schedule.MismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("%s: expected schedule mismatch, got %v", name, err)
		}
	}
}

func TestStartSessionInclusiveBounds(t *testing.T) {
	f := newFixture(t, 0)

	for _, minute := range []int{0, 60} {
		asOf := time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
		if _, err := f.engine.StartSession(context.Background(), f.startInput(), asOf); err != nil {
			t.Fatalf("expected boundary start at +%dm to succeed, got %v", minute, err)
		}
	}
}

func TestStartSessionSupersedesWithReconciliation(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	first, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("first start error: %v", err)
	}
	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: first.ID,
		StudentID: f.students[0],
		Method:    engine.MethodOTP,
		OTP:       first.OTP,
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	second, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("second start error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new session id")
	}

	activeSession, ok, err := f.engine.ActiveSession(ctx, f.teacherID)
	if err != nil {
		t.Fatalf("active error: %v", err)
	}
	if !ok || activeSession.ID != second.ID {
		t.Fatalf("expected the new session to be the active one")
	}

	// The superseded session went through the full close path.
	history, ok, err := f.engine.History(ctx, first.ID)
	if err != nil || !ok {
		t.Fatalf("expected history for superseded session, ok=%v err=%v", ok, err)
	}
	if history.PresentCount != 1 || history.AbsentCount != 4 {
		t.Fatalf("expected 1 present / 4 absent, got %d/%d", history.PresentCount, history.AbsentCount)
	}
}

func TestConcurrentStartsKeepOneActive(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning); err != nil {
				t.Errorf("start error: %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := f.store.ActiveSessionsByTeacher(ctx, f.teacherID)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active session, got %d", len(active))
	}
}

func TestEndSessionReconciliation(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	for _, studentID := range f.students[:3] {
		if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
			SessionID: session.ID,
			StudentID: studentID,
			Method:    engine.MethodOTP,
			OTP:       session.OTP,
		}); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}

	history, err := f.engine.EndSession(ctx, session.ID, f.teacherID)
	if err != nil {
		t.Fatalf("end error: %v", err)
	}
	if history.ID != session.ID {
		t.Fatalf("archive must reuse the session id: %s vs %s", history.ID, session.ID)
	}
	if history.PresentCount != 3 || history.AbsentCount != 2 {
		t.Fatalf("expected 3 present / 2 absent, got %d/%d", history.PresentCount, history.AbsentCount)
	}
	if history.PresentCount+history.AbsentCount != len(f.students) {
		t.Fatalf("counts must add up to enrollment")
	}

	records, err := f.store.AttendanceBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("attendance error: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected one record per enrolled student, got %d", len(records))
	}
	absentees := make(map[uuid.UUID]bool)
	for _, record := range records {
		if record.Status == engine.StatusAbsent {
			if record.Method != engine.MethodManual || !record.Verified {
				t.Fatalf("absent record should be manual and verified: %+v", record)
			}
			absentees[record.StudentID] = true
		}
	}
	if len(absentees) != 2 {
		t.Fatalf("expected 2 absentee records, got %d", len(absentees))
	}
	for _, studentID := range f.students[3:] {
		if !absentees[studentID] {
			t.Fatalf("student %s should have an absent record", studentID)
		}
	}

	// A retry after a successful close must fail cleanly.
	if _, err := f.engine.EndSession(ctx, session.ID, f.teacherID); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on retry, got %v", err)
	}
}

func TestEndSessionRetryAfterPartialClose(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	for _, studentID := range f.students[:3] {
		if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
			SessionID: session.ID,
			StudentID: studentID,
			Method:    engine.MethodOTP,
			OTP:       session.OTP,
		}); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}

	// Rows a close attempt would leave behind if it failed after writing
	// the absentees but before archiving the session.
	for _, studentID := range f.students[3:] {
		if _, err := f.store.InsertAttendanceIfAbsent(ctx, engine.AttendanceRecord{
			SessionID:  session.ID,
			StudentID:  studentID,
			Status:     engine.StatusAbsent,
			Method:     engine.MethodManual,
			Verified:   true,
			RecordedAt: mondayMorning,
		}); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	history, err := f.engine.EndSession(ctx, session.ID, f.teacherID)
	if err != nil {
		t.Fatalf("end error: %v", err)
	}
	if history.PresentCount != 3 || history.AbsentCount != 2 {
		t.Fatalf("expected 3 present / 2 absent, got %d/%d", history.PresentCount, history.AbsentCount)
	}
	records, err := f.store.AttendanceBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("attendance error: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected one record per enrolled student, got %d", len(records))
	}
}

func TestEndSessionForbidden(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if _, err := f.engine.EndSession(ctx, session.ID, uuid.New()); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRecordAttendanceRejections(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}

	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[0],
		Method:    engine.MethodOTP,
		OTP:       "0000",
	}); !errors.Is(err, engine.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for wrong otp, got %v", err)
	}
	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[0],
		Method:    engine.MethodQR,
		QRToken:   "not-the-token",
	}); !errors.Is(err, engine.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for wrong qr token, got %v", err)
	}
	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[0],
		Method:    engine.AttendanceMethod("telepathy"),
	}); !errors.Is(err, engine.ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}

	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[0],
		Method:    engine.MethodQR,
		QRToken:   session.QRToken,
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[0],
		Method:    engine.MethodOTP,
		OTP:       session.OTP,
	}); !errors.Is(err, engine.ErrDuplicateAttendance) {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}

	if _, err := f.engine.EndSession(ctx, session.ID, f.teacherID); err != nil {
		t.Fatalf("end error: %v", err)
	}
	if _, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
		SessionID: session.ID,
		StudentID: f.students[1],
		Method:    engine.MethodOTP,
		OTP:       session.OTP,
	}); !errors.Is(err, engine.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after archive, got %v", err)
	}
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, f.startInput(), mondayMorning)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}

	const attempts = 10
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordAttendance(ctx, engine.AttendanceSubmission{
				SessionID: session.ID,
				StudentID: f.students[0],
				Method:    engine.MethodOTP,
				OTP:       session.OTP,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	duplicates := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, engine.ErrDuplicateAttendance):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || duplicates != attempts-1 {
		t.Fatalf("expected exactly one insert, got %d inserts / %d duplicates", succeeded, duplicates)
	}

	records, err := f.store.AttendanceBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("attendance error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single persisted record, got %d", len(records))
	}
}
