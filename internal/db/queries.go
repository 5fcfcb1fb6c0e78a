package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"classsync/attendance/internal/engine"
	"classsync/attendance/internal/schedule"
)

const (
	uniqueViolation            = "23505"
	oneActiveSessionPerTeacher = "sessions_one_active_per_teacher"
)

// schedule.Store

func (s *Store) PeriodsForTeacher(ctx context.Context, teacherID uuid.UUID, subject, day string) ([]schedule.Period, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT routine_id, day, period_no, start_time, end_time, subject, teacher_id
		FROM routine_periods
		WHERE teacher_id = $1 AND subject = $2 AND day = $3
		ORDER BY period_no`,
		pgUUID(teacherID), subject, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []schedule.Period
	for rows.Next() {
		var (
			p                    schedule.Period
			routineID, teacherID pgtype.UUID
		)
		if err := rows.Scan(&routineID, &p.Day, &p.PeriodNo, &p.StartTime, &p.EndTime, &p.Subject, &teacherID); err != nil {
			return nil, err
		}
		p.RoutineID = uuidValue(routineID)
		p.TeacherID = uuidValue(teacherID)
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// SaveTimetable upserts the routine header and replaces its periods in one
// transaction. Callers validate the timetable before handing it over.
func (s *Store) SaveTimetable(ctx context.Context, t schedule.WeeklyTimetable) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO routines (id, department, batch, semester)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET department = $2, batch = $3, semester = $4`,
			pgUUID(t.ID), t.Department, t.Batch, t.Semester); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM routine_periods WHERE routine_id = $1`, pgUUID(t.ID)); err != nil {
			return err
		}
		for _, day := range t.Days {
			for _, p := range day.Periods {
				if _, err := tx.Exec(ctx, `
					INSERT INTO routine_periods (routine_id, day, period_no, start_time, end_time, subject, teacher_id)
					VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					pgUUID(t.ID), day.Name, p.PeriodNo, p.StartTime, p.EndTime, p.Subject, pgUUID(p.TeacherID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// FindTimetable loads one routine by its (department, batch, semester) key.
func (s *Store) FindTimetable(ctx context.Context, department, batch string, semester int) (schedule.WeeklyTimetable, bool, error) {
	var id pgtype.UUID
	err := s.Pool.QueryRow(ctx, `
		SELECT id FROM routines WHERE department = $1 AND batch = $2 AND semester = $3`,
		department, batch, semester).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.WeeklyTimetable{}, false, nil
	}
	if err != nil {
		return schedule.WeeklyTimetable{}, false, err
	}

	timetable := schedule.WeeklyTimetable{
		ID:         uuidValue(id),
		Department: department,
		Batch:      batch,
		Semester:   semester,
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT day, period_no, start_time, end_time, subject, teacher_id
		FROM routine_periods WHERE routine_id = $1
		ORDER BY day, period_no`, id)
	if err != nil {
		return schedule.WeeklyTimetable{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         schedule.Period
			teacherID pgtype.UUID
		)
		if err := rows.Scan(&p.Day, &p.PeriodNo, &p.StartTime, &p.EndTime, &p.Subject, &teacherID); err != nil {
			return schedule.WeeklyTimetable{}, false, err
		}
		p.RoutineID = timetable.ID
		p.TeacherID = uuidValue(teacherID)
		if n := len(timetable.Days); n == 0 || timetable.Days[n-1].Name != p.Day {
			timetable.Days = append(timetable.Days, schedule.Day{Name: p.Day})
		}
		last := &timetable.Days[len(timetable.Days)-1]
		last.Periods = append(last.Periods, p)
	}
	return timetable, true, rows.Err()
}

// engine.SessionStore

func (s *Store) CreateSession(ctx context.Context, session engine.Session) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sessions (id, teacher_id, subject, section, department, bssid, ssid, otp, qr_token, is_active, routine_id, period_no, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pgUUID(session.ID), pgUUID(session.TeacherID), session.Subject, session.Section, session.Department,
		session.BSSID, session.SSID, session.OTP, session.QRToken, session.IsActive,
		pgUUID(session.RoutineID), session.PeriodNo, pgTime(session.CreatedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneActiveSessionPerTeacher {
		// Another process created an active session between this one's
		// reconciliation pass and its insert.
		return engine.ErrActiveSessionExists
	}
	return err
}

const sessionColumns = `id, teacher_id, subject, section, department, bssid, ssid, otp, qr_token, is_active, routine_id, period_no, created_at`

func (s *Store) SessionByID(ctx context.Context, id uuid.UUID) (engine.Session, bool, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, pgUUID(id))
	return scanSession(row)
}

func (s *Store) SessionByQRToken(ctx context.Context, token string) (engine.Session, bool, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE qr_token = $1 AND is_active`, token)
	return scanSession(row)
}

func (s *Store) ActiveSessionsByTeacher(ctx context.Context, teacherID uuid.UUID) ([]engine.Session, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE teacher_id = $1 AND is_active ORDER BY created_at`, pgUUID(teacherID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []engine.Session
	for rows.Next() {
		session, _, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, pgUUID(id))
	return err
}

func scanSession(row pgx.Row) (engine.Session, bool, error) {
	var (
		session              engine.Session
		id, teacher, routine pgtype.UUID
		createdAt            pgtype.Timestamptz
	)
	err := row.Scan(&id, &teacher, &session.Subject, &session.Section, &session.Department,
		&session.BSSID, &session.SSID, &session.OTP, &session.QRToken, &session.IsActive,
		&routine, &session.PeriodNo, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Session{}, false, nil
	}
	if err != nil {
		return engine.Session{}, false, err
	}
	session.ID = uuidValue(id)
	session.TeacherID = uuidValue(teacher)
	session.RoutineID = uuidValue(routine)
	session.CreatedAt = createdAt.Time
	return session, true, nil
}

// engine.AttendanceStore

func (s *Store) InsertAttendanceIfAbsent(ctx context.Context, record engine.AttendanceRecord) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO attendance (session_id, student_id, status, method, verified, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, student_id) DO NOTHING`,
		pgUUID(record.SessionID), pgUUID(record.StudentID), string(record.Status), string(record.Method),
		record.Verified, pgTime(record.RecordedAt))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AttendanceBySession(ctx context.Context, sessionID uuid.UUID) ([]engine.AttendanceRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT session_id, student_id, status, method, verified, recorded_at
		FROM attendance WHERE session_id = $1`, pgUUID(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []engine.AttendanceRecord
	for rows.Next() {
		var (
			record           engine.AttendanceRecord
			session, student pgtype.UUID
			status, method   string
			recordedAt       pgtype.Timestamptz
		)
		if err := rows.Scan(&session, &student, &status, &method, &record.Verified, &recordedAt); err != nil {
			return nil, err
		}
		record.SessionID = uuidValue(session)
		record.StudentID = uuidValue(student)
		record.Status = engine.AttendanceStatus(status)
		record.Method = engine.AttendanceMethod(method)
		record.RecordedAt = recordedAt.Time
		records = append(records, record)
	}
	return records, rows.Err()
}

// engine.HistoryStore

func (s *Store) CreateHistory(ctx context.Context, history engine.ClassHistory) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO class_history (id, teacher_id, subject, section, department, bssid, ssid, otp, qr_token, start_time, end_time, present_count, absent_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		pgUUID(history.ID), pgUUID(history.TeacherID), history.Subject, history.Section, history.Department,
		history.BSSID, history.SSID, history.OTP, history.QRToken,
		pgTime(history.StartTime), pgTime(history.EndTime), history.PresentCount, history.AbsentCount)
	return err
}

func (s *Store) HistoryByID(ctx context.Context, id uuid.UUID) (engine.ClassHistory, bool, error) {
	var (
		history      engine.ClassHistory
		hid, teacher pgtype.UUID
		start, end   pgtype.Timestamptz
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT id, teacher_id, subject, section, department, bssid, ssid, otp, qr_token, start_time, end_time, present_count, absent_count
		FROM class_history WHERE id = $1`, pgUUID(id)).
		Scan(&hid, &teacher, &history.Subject, &history.Section, &history.Department,
			&history.BSSID, &history.SSID, &history.OTP, &history.QRToken,
			&start, &end, &history.PresentCount, &history.AbsentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ClassHistory{}, false, nil
	}
	if err != nil {
		return engine.ClassHistory{}, false, err
	}
	history.ID = uuidValue(hid)
	history.TeacherID = uuidValue(teacher)
	history.StartTime = start.Time
	history.EndTime = end.Time
	return history, true, nil
}

// engine.EnrollmentStore

func (s *Store) ListStudents(ctx context.Context, section, department string) ([]uuid.UUID, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM users WHERE role = 'student' AND section = $1 AND department = $2`,
		section, department)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uuidValue(id))
	}
	return ids, rows.Err()
}

// pgtype conversions

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func uuidValue(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
