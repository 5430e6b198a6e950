package report

import (
	"context"
	"net/http"
	"strconv"

	"examhall/internal/app/apiresp"
	"examhall/internal/auth"
	"examhall/internal/exam"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type reportService interface {
	SummaryByExam(ctx context.Context, sess auth.Session, examID int64) (*ExamSummary, error)
	ExportExamResultsXLSX(ctx context.Context, sess auth.Session, examID int64) ([]byte, string, error)
}

type Handler struct {
	svc reportService
}

func NewHandler(svc reportService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	examID, ok := exam.PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	out, err := h.svc.SummaryByExam(r.Context(), sess, examID)
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ExportXLSX(w http.ResponseWriter, r *http.Request) {
	sess, ok := exam.RequireSession(w, r)
	if !ok {
		return
	}
	examID, ok := exam.PathID(w, r, "id", "exam")
	if !ok {
		return
	}
	data, name, err := h.svc.ExportExamResultsXLSX(r.Context(), sess, examID)
	if err != nil {
		exam.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
