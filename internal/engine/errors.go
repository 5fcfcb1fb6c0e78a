package engine

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrForbidden           = errors.New("not authorized")
	ErrSessionClosed       = errors.New("session is not active")
	ErrDuplicateAttendance = errors.New("attendance already recorded for this session")
	ErrInvalidCredential   = errors.New("credential does not match the session")
	ErrInvalidMethod       = errors.New("invalid attendance method")

	// ErrActiveSessionExists reports that the storage layer refused a new
	// active session because another process created one for the same
	// teacher first.
	ErrActiveSessionExists = errors.New("teacher already has an active session")
)
