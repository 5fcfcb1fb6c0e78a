// Package schedule resolves teacher actions against the weekly timetable.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Period is one teaching slot inside a weekly timetable. Start and end times
// are zero-padded 24-hour "HH:MM" strings, which compare correctly as text.
type Period struct {
	RoutineID uuid.UUID
	Day       string
	PeriodNo  int
	StartTime string
	EndTime   string
	Subject   string
	TeacherID uuid.UUID
}

type Day struct {
	Name    string
	Periods []Period
}

// WeeklyTimetable holds one department/batch/semester routine.
type WeeklyTimetable struct {
	ID         uuid.UUID
	Department string
	Batch      string
	Semester   int
	Days       []Day
}

// Validate enforces the write-time preconditions the read path relies on:
// well-formed HH:MM values and non-overlapping windows within a day.
func (t WeeklyTimetable) Validate() error {
	for _, day := range t.Days {
		for i, p := range day.Periods {
			if err := validClock(p.StartTime); err != nil {
				return fmt.Errorf("day %s period %d: %w", day.Name, p.PeriodNo, err)
			}
			if err := validClock(p.EndTime); err != nil {
				return fmt.Errorf("day %s period %d: %w", day.Name, p.PeriodNo, err)
			}
			if p.EndTime < p.StartTime {
				return fmt.Errorf("day %s period %d: window ends before it starts", day.Name, p.PeriodNo)
			}
			for _, q := range day.Periods[i+1:] {
				if p.StartTime < q.EndTime && q.StartTime < p.EndTime {
					return fmt.Errorf("day %s: periods %d and %d overlap", day.Name, p.PeriodNo, q.PeriodNo)
				}
			}
		}
	}
	return nil
}

func validClock(value string) error {
	if len(value) != 5 {
		return fmt.Errorf("invalid time %q", value)
	}
	if _, err := time.Parse("15:04", value); err != nil {
		return fmt.Errorf("invalid time %q", value)
	}
	return nil
}

// Store is the read-only timetable collaborator. Implementations return the
// periods taught by one teacher for one subject on one weekday.
type Store interface {
	PeriodsForTeacher(ctx context.Context, teacherID uuid.UUID, subject, day string) ([]Period, error)
}

// MismatchError reports that no timetable period covers the requested
// subject and instant. The message is shown to the teacher as-is.
type MismatchError struct {
	Subject string
	Clock   string
	Day     string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("no active class found for %s at %s on %s", e.Subject, e.Clock, e.Day)
}

type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ResolveActivePeriod returns the period whose window contains asOf, with
// inclusive bounds on both ends. A well-formed timetable has at most one
// match per instant; if the data is inconsistent the first period in
// iteration order wins rather than masking the defect with a merge.
func (v *Validator) ResolveActivePeriod(ctx context.Context, teacherID uuid.UUID, subject string, asOf time.Time) (Period, error) {
	day := asOf.Weekday().String()
	clock := asOf.Format("15:04")

	periods, err := v.store.PeriodsForTeacher(ctx, teacherID, subject, day)
	if err != nil {
		return Period{}, err
	}
	for _, p := range periods {
		if p.StartTime <= clock && clock <= p.EndTime {
			return p, nil
		}
	}
	return Period{}, &MismatchError{Subject: subject, Clock: clock, Day: day}
}
