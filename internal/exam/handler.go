package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"examhall/internal/app/apiresp"
	"examhall/internal/auth"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc examService
}

type examService interface {
	LookupByAccessCode(ctx context.Context, code string) (*Exam, error)
	ListOwnExams(ctx context.Context, sess auth.Session) ([]Exam, error)
	CreateExam(ctx context.Context, sess auth.Session, in ExamInput) (*Exam, error)
	GetExam(ctx context.Context, sess auth.Session, examID int64) (*Exam, error)
	UpdateExam(ctx context.Context, sess auth.Session, examID int64, in ExamInput) (*Exam, error)
	DeleteExam(ctx context.Context, sess auth.Session, examID int64) error
	SetExamStatus(ctx context.Context, sess auth.Session, examID int64, status string) (*Exam, error)
	RegenerateAccessCode(ctx context.Context, sess auth.Session, examID int64) (*Exam, error)
	StartOrResumeAttempt(ctx context.Context, sess auth.Session, examID int64) (*Attempt, error)
	ListAttempts(ctx context.Context, sess auth.Session, examID int64) ([]Attempt, error)
	GetAttempt(ctx context.Context, sess auth.Session, attemptID int64) (*Attempt, error)
	SubmitAttempt(ctx context.Context, sess auth.Session, attemptID int64) (*GradedAttempt, error)
	SaveAnswer(ctx context.Context, sess auth.Session, in SaveAnswerInput) (*Answer, error)
	ListAnswers(ctx context.Context, sess auth.Session, attemptID int64) ([]Answer, error)
	GradeAnswer(ctx context.Context, sess auth.Session, in GradeAnswerInput) (*Answer, error)
	GetResult(ctx context.Context, sess auth.Session, attemptID int64) (*Result, error)
}

type examRequest struct {
	Title                  string `json:"title"`
	Description            string `json:"description"`
	TimeLimitMinutes       *int   `json:"time_limit_minutes"`
	MaxAttempts            *int   `json:"max_attempts"`
	ShowResultsImmediately bool   `json:"show_results_immediately"`
}

func (r examRequest) input() ExamInput {
	return ExamInput{
		Title:                  r.Title,
		Description:            r.Description,
		TimeLimitMinutes:       r.TimeLimitMinutes,
		MaxAttempts:            r.MaxAttempts,
		ShowResultsImmediately: r.ShowResultsImmediately,
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

type saveAnswerRequest struct {
	Value json.RawMessage `json:"value"`
}

type gradeAnswerRequest struct {
	PointsEarned *float64 `json:"points_earned"`
	IsCorrect    *bool    `json:"is_correct"`
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	ex, err := h.svc.LookupByAccessCode(r.Context(), code)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) ListExams(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	items, err := h.svc.ListOwnExams(r.Context(), sess)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) CreateExam(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req examRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	ex, err := h.svc.CreateExam(r.Context(), sess, req.input())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, ex)
}

// GetExam is readable without a session while the exam is active.
func (h *Handler) GetExam(w http.ResponseWriter, r *http.Request) {
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	ex, err := h.svc.GetExam(r.Context(), SessionOf(r), examID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) UpdateExam(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	var req examRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	ex, err := h.svc.UpdateExam(r.Context(), sess, examID, req.input())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) DeleteExam(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	if err := h.svc.DeleteExam(r.Context(), sess, examID); err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	ex, err := h.svc.SetExamStatus(r.Context(), sess, examID, req.Status)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) RegenerateAccessCode(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	ex, err := h.svc.RegenerateAccessCode(r.Context(), sess, examID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) StartAttempt(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	att, err := h.svc.StartOrResumeAttempt(r.Context(), sess, examID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, att)
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	examID, ok := PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	items, err := h.svc.ListAttempts(r.Context(), sess, examID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	attemptID, ok := PathID(w, r, "id", "attempt")
	if !ok {
		return
	}
	att, err := h.svc.GetAttempt(r.Context(), sess, attemptID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, att)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	attemptID, ok := PathID(w, r, "id", "attempt")
	if !ok {
		return
	}
	graded, err := h.svc.SubmitAttempt(r.Context(), sess, attemptID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, graded)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	attemptID, ok := PathID(w, r, "id", "attempt")
	if !ok {
		return
	}
	questionID, ok := PathID(w, r, "questionID", "question")
	if !ok {
		return
	}
	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	ans, err := h.svc.SaveAnswer(r.Context(), sess, SaveAnswerInput{
		AttemptID:  attemptID,
		QuestionID: questionID,
		Value:      req.Value,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ans)
}

func (h *Handler) ListAnswers(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	attemptID, ok := PathID(w, r, "id", "attempt")
	if !ok {
		return
	}
	items, err := h.svc.ListAnswers(r.Context(), sess, attemptID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) GradeAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	answerID, ok := PathID(w, r, "id", "answer")
	if !ok {
		return
	}
	var req gradeAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PointsEarned == nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "points_earned is required")
		return
	}

	ans, err := h.svc.GradeAnswer(r.Context(), sess, GradeAnswerInput{
		AnswerID:     answerID,
		PointsEarned: *req.PointsEarned,
		IsCorrect:    req.IsCorrect,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ans)
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	attemptID, ok := PathID(w, r, "id", "attempt")
	if !ok {
		return
	}
	res, err := h.svc.GetResult(r.Context(), sess, attemptID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

// WriteError maps a service error to a status code and envelope. It is shared
// by every handler that calls into exam-domain services.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	entity := EntityOf(err)
	msg := err.Error()

	switch {
	case errors.Is(err, ErrNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, ErrNotAvailable):
		code := "not_available"
		if entity != "" {
			code = entity + "_not_available"
		}
		apiresp.WriteErrorCode(w, r, http.StatusConflict, code, msg)
	case errors.Is(err, ErrLimitReached):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "limit_reached", msg)
	case errors.Is(err, ErrAlreadyCompleted):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "already_completed", msg)
	case errors.Is(err, ErrLocked):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "locked", msg)
	case errors.Is(err, ErrPersistenceConflict):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "conflict", msg)
	case errors.Is(err, ErrValidationFailed):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "validation_failed", msg)
	case errors.Is(err, ErrUnauthorized):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "forbidden", msg)
	case errors.Is(err, ErrAccessCodeExhausted):
		apiresp.WriteError(w, r, http.StatusServiceUnavailable, "could not allocate an access code, retry later")
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// PathID parses a positive int64 URL parameter, writing a 400 when it is not one.
func PathID(w http.ResponseWriter, r *http.Request, param, entity string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid "+entity+" id")
		return 0, false
	}
	return id, true
}

func requireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	sess, ok := auth.CurrentSession(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Session{}, false
	}
	return *sess, true
}

// SessionOf returns the anonymous session when the request carries none.
func SessionOf(r *http.Request) auth.Session {
	if sess, ok := auth.CurrentSession(r.Context()); ok {
		return *sess
	}
	return auth.Session{}
}

// RequireSession is requireSession for handlers outside this package.
func RequireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	return requireSession(w, r)
}
