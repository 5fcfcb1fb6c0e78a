package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"classsync/attendance/internal/auth"
	"classsync/attendance/internal/config"
	"classsync/attendance/internal/engine"
	"classsync/attendance/internal/schedule"
)

// TimetableStore persists and looks up weekly routines. Writers validate a
// timetable before handing it over.
type TimetableStore interface {
	SaveTimetable(ctx context.Context, t schedule.WeeklyTimetable) error
	FindTimetable(ctx context.Context, department, batch string, semester int) (schedule.WeeklyTimetable, bool, error)
}

type Server struct {
	cfg        config.Config
	engine     *engine.Engine
	timetables TimetableStore
	redis      *redis.Client
	validate   *validator.Validate
	qrTokenTTL time.Duration
}

func NewServer(cfg config.Config, eng *engine.Engine, timetables TimetableStore, redisClient *redis.Client) *Server {
	return &Server{
		cfg:        cfg,
		engine:     eng,
		timetables: timetables,
		redis:      redisClient,
		validate:   validator.New(),
		qrTokenTTL: cfg.QRTokenTTL,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/sessions/start", s.handleStartSession)
	r.With(s.authMiddleware).Post("/sessions/end", s.handleEndSession)
	r.With(s.authMiddleware).Get("/sessions/active", s.handleActiveSession)
	r.With(s.authMiddleware).Post("/attendance", s.handleRecordAttendance)
	r.With(s.authMiddleware).Get("/history/{sessionId}", s.handleGetHistory)
	r.With(s.authMiddleware).Post("/timetables", s.handleSaveTimetable)
	r.With(s.authMiddleware).Get("/timetables", s.handleFindTimetable)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type startSessionRequest struct {
	Subject string `json:"subject" validate:"required"`
	Section string `json:"section" validate:"required"`
	BSSID   string `json:"bssid"`
	SSID    string `json:"ssid"`
}

type endSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

type attendanceRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,uuid"`
	Method    string `json:"method" validate:"required,oneof=manual otp qr"`
	OTP       string `json:"otp"`
	QRToken   string `json:"qrToken"`
}

type timetablePeriod struct {
	PeriodNo  int    `json:"periodNo" validate:"required,min=1"`
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime" validate:"required"`
	Subject   string `json:"subject" validate:"required"`
	TeacherID string `json:"teacherId" validate:"required,uuid"`
}

type timetableDay struct {
	Day     string            `json:"day" validate:"required"`
	Periods []timetablePeriod `json:"periods" validate:"required,dive"`
}

type timetableRequest struct {
	RoutineID  string         `json:"routineId" validate:"omitempty,uuid"`
	Department string         `json:"department" validate:"required"`
	Batch      string         `json:"batch" validate:"required"`
	Semester   int            `json:"semester" validate:"required,min=1"`
	Days       []timetableDay `json:"days" validate:"required,dive"`
}

type timetableResponse struct {
	RoutineID  string         `json:"routineId"`
	Department string         `json:"department"`
	Batch      string         `json:"batch"`
	Semester   int            `json:"semester"`
	Days       []timetableDay `json:"days"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	Teacher   string `json:"teacher"`
	Subject   string `json:"subject"`
	Section   string `json:"section"`
	BSSID     string `json:"bssid,omitempty"`
	SSID      string `json:"ssid,omitempty"`
	OTP       string `json:"otp"`
	QRToken   string `json:"qrToken"`
	IsActive  bool   `json:"isActive"`
	RoutineID string `json:"routineId"`
	PeriodNo  int    `json:"periodNo"`
	CreatedAt int64  `json:"createdAt"`
}

type historyResponse struct {
	ID           string `json:"id"`
	Teacher      string `json:"teacher"`
	Subject      string `json:"subject"`
	Section      string `json:"section"`
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
	PresentCount int    `json:"presentCount"`
	AbsentCount  int    `json:"absentCount"`
}

type attendanceResponse struct {
	Session   string `json:"session"`
	Student   string `json:"student"`
	Status    string `json:"status"`
	Method    string `json:"method"`
	Verified  bool   `json:"verified"`
	Timestamp int64  `json:"timestamp"`
}

// Handlers

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.Role != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	teacherID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	session, err := s.engine.StartSession(r.Context(), engine.StartSessionInput{
		TeacherID:  teacherID,
		Department: claims.Department,
		Subject:    req.Subject,
		Section:    req.Section,
		BSSID:      req.BSSID,
		SSID:       req.SSID,
	}, time.Now())
	if err != nil {
		var mismatch *schedule.MismatchError
		switch {
		case errors.As(err, &mismatch):
			writeErrorMessage(w, http.StatusBadRequest, "schedule_mismatch", mismatch.Error())
		case errors.Is(err, engine.ErrActiveSessionExists):
			writeError(w, http.StatusConflict, "active_session_exists")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	s.storeQRToken(r.Context(), session.QRToken, session.ID)
	writeJSON(w, http.StatusCreated, mapSession(session))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.Role != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	teacherID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}

	history, err := s.engine.EndSession(r.Context(), sessionID, teacherID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found")
		case errors.Is(err, engine.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	s.clearQRToken(r.Context(), history.QRToken)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session ended and archived",
		"history": mapHistory(history),
	})
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.Role != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	teacherID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	session, ok, err := s.engine.ActiveSession(r.Context(), teacherID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, mapSession(session))
}

func (s *Server) handleRecordAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.Role != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	studentID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	var req attendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	sessionID, err := s.resolveSessionID(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionClosed):
			writeError(w, http.StatusConflict, "session_closed")
		case errors.Is(err, errMissingSession):
			writeError(w, http.StatusBadRequest, "missing_session")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	record, err := s.engine.RecordAttendance(r.Context(), engine.AttendanceSubmission{
		SessionID: sessionID,
		StudentID: studentID,
		Method:    engine.AttendanceMethod(req.Method),
		OTP:       req.OTP,
		QRToken:   req.QRToken,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionClosed):
			writeError(w, http.StatusConflict, "session_closed")
		case errors.Is(err, engine.ErrDuplicateAttendance):
			writeError(w, http.StatusConflict, "duplicate_attendance")
		case errors.Is(err, engine.ErrInvalidCredential):
			writeError(w, http.StatusForbidden, "invalid_credential")
		case errors.Is(err, engine.ErrInvalidMethod):
			writeError(w, http.StatusBadRequest, "invalid_method")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, attendanceResponse{
		Session:   record.SessionID.String(),
		Student:   record.StudentID.String(),
		Status:    string(record.Status),
		Method:    string(record.Method),
		Verified:  record.Verified,
		Timestamp: record.RecordedAt.Unix(),
	})
}

var errMissingSession = errors.New("missing session")

// resolveSessionID prefers an explicit session id; a bare scanned QR token is
// resolved through redis, falling back to the store when redis is absent. A
// token that no longer resolves belongs to a closed or superseded session.
func (s *Server) resolveSessionID(ctx context.Context, req attendanceRequest) (uuid.UUID, error) {
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return uuid.Nil, errMissingSession
		}
		return id, nil
	}
	if req.QRToken == "" {
		return uuid.Nil, errMissingSession
	}
	if id, ok := s.lookupQRToken(ctx, req.QRToken); ok {
		return id, nil
	}
	session, ok, err := s.engine.SessionByQRToken(ctx, req.QRToken)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, engine.ErrSessionClosed
	}
	return session.ID, nil
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	history, ok, err := s.engine.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapHistory(history))
}

func (s *Server) handleSaveTimetable(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req timetableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	routineID := uuid.New()
	if req.RoutineID != "" {
		id, err := uuid.Parse(req.RoutineID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_routine_id")
			return
		}
		routineID = id
	}

	timetable := schedule.WeeklyTimetable{
		ID:         routineID,
		Department: req.Department,
		Batch:      req.Batch,
		Semester:   req.Semester,
	}
	for _, day := range req.Days {
		periods := make([]schedule.Period, 0, len(day.Periods))
		for _, p := range day.Periods {
			teacherID, err := uuid.Parse(p.TeacherID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_teacher_id")
				return
			}
			periods = append(periods, schedule.Period{
				RoutineID: routineID,
				Day:       day.Day,
				PeriodNo:  p.PeriodNo,
				StartTime: p.StartTime,
				EndTime:   p.EndTime,
				Subject:   p.Subject,
				TeacherID: teacherID,
			})
		}
		timetable.Days = append(timetable.Days, schedule.Day{Name: day.Day, Periods: periods})
	}

	if err := timetable.Validate(); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_timetable", err.Error())
		return
	}
	if err := s.timetables.SaveTimetable(r.Context(), timetable); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"routineId": routineID.String()})
}

func (s *Server) handleFindTimetable(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	query := r.URL.Query()
	department := query.Get("department")
	batch := query.Get("batch")
	semester, err := strconv.Atoi(query.Get("semester"))
	if department == "" || batch == "" || err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	timetable, ok, err := s.timetables.FindTimetable(r.Context(), department, batch, semester)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "timetable_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapTimetable(timetable))
}

// Mapping helpers

func mapTimetable(timetable schedule.WeeklyTimetable) timetableResponse {
	resp := timetableResponse{
		RoutineID:  timetable.ID.String(),
		Department: timetable.Department,
		Batch:      timetable.Batch,
		Semester:   timetable.Semester,
	}
	for _, day := range timetable.Days {
		periods := make([]timetablePeriod, 0, len(day.Periods))
		for _, p := range day.Periods {
			periods = append(periods, timetablePeriod{
				PeriodNo:  p.PeriodNo,
				StartTime: p.StartTime,
				EndTime:   p.EndTime,
				Subject:   p.Subject,
				TeacherID: p.TeacherID.String(),
			})
		}
		resp.Days = append(resp.Days, timetableDay{Day: day.Name, Periods: periods})
	}
	return resp
}

func mapSession(session engine.Session) sessionResponse {
	return sessionResponse{
		ID:        session.ID.String(),
		Teacher:   session.TeacherID.String(),
		Subject:   session.Subject,
		Section:   session.Section,
		BSSID:     session.BSSID,
		SSID:      session.SSID,
		OTP:       session.OTP,
		QRToken:   session.QRToken,
		IsActive:  session.IsActive,
		RoutineID: session.RoutineID.String(),
		PeriodNo:  session.PeriodNo,
		CreatedAt: session.CreatedAt.Unix(),
	}
}

func mapHistory(history engine.ClassHistory) historyResponse {
	return historyResponse{
		ID:           history.ID.String(),
		Teacher:      history.TeacherID.String(),
		Subject:      history.Subject,
		Section:      history.Section,
		StartTime:    history.StartTime.Unix(),
		EndTime:      history.EndTime.Unix(),
		PresentCount: history.PresentCount,
		AbsentCount:  history.AbsentCount,
	}
}

// Redis QR token index

func (s *Server) storeQRToken(ctx context.Context, token string, sessionID uuid.UUID) {
	if s.redis == nil || token == "" {
		return
	}
	_ = s.redis.Set(ctx, qrTokenKey(token), sessionID.String(), s.qrTokenTTL).Err()
}

func (s *Server) lookupQRToken(ctx context.Context, token string) (uuid.UUID, bool) {
	if s.redis == nil {
		return uuid.Nil, false
	}
	value, err := s.redis.Get(ctx, qrTokenKey(token)).Result()
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) clearQRToken(ctx context.Context, token string) {
	if s.redis == nil || token == "" {
		return
	}
	_ = s.redis.Del(ctx, qrTokenKey(token)).Err()
}

func qrTokenKey(token string) string {
	return fmt.Sprintf("qr_token:%s", token)
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
