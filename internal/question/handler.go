package question

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"examhall/internal/app/apiresp"
	"examhall/internal/auth"
	"examhall/internal/exam"
	"examhall/internal/storage"
)

type questionService interface {
	CreateQuestion(ctx context.Context, sess auth.Session, examID int64, in Input) (*Question, error)
	UpdateQuestion(ctx context.Context, sess auth.Session, questionID int64, in Input) (*Question, error)
	DeleteQuestion(ctx context.Context, sess auth.Session, questionID int64) error
	ReorderQuestions(ctx context.Context, sess auth.Session, examID int64, ids []int64) ([]Question, error)
	ListQuestions(ctx context.Context, sess auth.Session, examID int64) ([]Question, error)
	SetQuestionImage(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error)
	OpenQuestionImage(ctx context.Context, sess auth.Session, questionID int64) (io.ReadCloser, storage.ObjectInfo, error)
}

type Handler struct {
	svc questionService
}

type questionRequest struct {
	Text          string          `json:"question_text"`
	Type          string          `json:"question_type"`
	Points        float64         `json:"points"`
	Options       []string        `json:"options"`
	CorrectAnswer json.RawMessage `json:"correct_answer"`
	OrderIndex    *int            `json:"order_index"`
}

func (r questionRequest) input() Input {
	return Input{
		Text:          r.Text,
		Type:          r.Type,
		Points:        r.Points,
		Options:       r.Options,
		CorrectAnswer: r.CorrectAnswer,
		OrderIndex:    r.OrderIndex,
	}
}

type reorderRequest struct {
	QuestionIDs []int64 `json:"question_ids"`
}

func NewHandler(svc questionService) *Handler {
	return &Handler{svc: svc}
}

// List is readable without a session while the exam is active.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	examID, ok := exam.PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	items, err := h.svc.ListQuestions(r.Context(), exam.SessionOf(r), examID)
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	examID, ok := exam.PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	q, err := h.svc.CreateQuestion(r.Context(), sess, examID, req.input())
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, q)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	questionID, ok := exam.PathID(w, r, "id", "question")
	if !ok {
		return
	}
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	q, err := h.svc.UpdateQuestion(r.Context(), sess, questionID, req.input())
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	questionID, ok := exam.PathID(w, r, "id", "question")
	if !ok {
		return
	}
	if err := h.svc.DeleteQuestion(r.Context(), sess, questionID); err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	examID, ok := exam.PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	items, err := h.svc.ReorderQuestions(r.Context(), sess, examID, req.QuestionIDs)
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

// UploadImage takes the raw image as the request body.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	questionID, ok := exam.PathID(w, r, "id", "question")
	if !ok {
		return
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r.Body, MaxImageBytes+1))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "could not read image")
		return
	}
	if n > MaxImageBytes {
		apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "image must be at most 5 MiB")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(buf.Bytes())
	}
	q, err := h.svc.SetQuestionImage(r.Context(), sess, questionID, contentType, bytes.NewReader(buf.Bytes()), n)
	if err != nil {
		if errors.Is(err, exam.ErrValidationFailed) && exam.EntityOf(err) == "question" {
			var e *exam.Error
			if errors.As(err, &e) && e.Field == "image" {
				apiresp.WriteError(w, r, http.StatusUnsupportedMediaType, e.Msg)
				return
			}
		}
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	questionID, ok := exam.PathID(w, r, "id", "question")
	if !ok {
		return
	}
	rc, info, err := h.svc.OpenQuestionImage(r.Context(), exam.SessionOf(r), questionID)
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
