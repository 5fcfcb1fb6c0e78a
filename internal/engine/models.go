package engine

import (
	"time"

	"github.com/google/uuid"
)

type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

type AttendanceMethod string

const (
	MethodManual AttendanceMethod = "manual"
	MethodOTP    AttendanceMethod = "otp"
	MethodQR     AttendanceMethod = "qr"
)

// Session is a live attendance window. At most one session per teacher has
// IsActive set at any time.
type Session struct {
	ID         uuid.UUID
	TeacherID  uuid.UUID
	Subject    string
	Section    string
	Department string
	BSSID      string
	SSID       string
	OTP        string
	QRToken    string
	IsActive   bool
	RoutineID  uuid.UUID
	PeriodNo   int
	CreatedAt  time.Time
}

// AttendanceRecord is keyed by (SessionID, StudentID); exactly one record
// exists per pair.
type AttendanceRecord struct {
	SessionID  uuid.UUID
	StudentID  uuid.UUID
	Status     AttendanceStatus
	Method     AttendanceMethod
	Verified   bool
	RecordedAt time.Time
}

// ClassHistory is the immutable archive of a closed session. It reuses the
// session's ID so attendance rows keep resolving after archival.
type ClassHistory struct {
	ID           uuid.UUID
	TeacherID    uuid.UUID
	Subject      string
	Section      string
	Department   string
	BSSID        string
	SSID         string
	OTP          string
	QRToken      string
	StartTime    time.Time
	EndTime      time.Time
	PresentCount int
	AbsentCount  int
}
