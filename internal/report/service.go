// Package report aggregates exam results for the exam creator.
package report

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"examhall/internal/auth"
	"examhall/internal/exam"

	"github.com/xuri/excelize/v2"
)

type resultSource interface {
	ExamResults(ctx context.Context, sess auth.Session, examID int64) (*exam.Exam, []exam.ExamResultRow, error)
}

type Service struct {
	results resultSource
}

// ExamSummary scores are final scores (auto-graded plus manual grades) of
// completed attempts; they are zero when nothing is completed.
type ExamSummary struct {
	ExamID            int64   `json:"exam_id"`
	Title             string  `json:"title"`
	Participants      int     `json:"participants"`
	Attempts          int     `json:"attempts"`
	CompletedAttempts int     `json:"completed_attempts"`
	AverageScore      float64 `json:"average_score"`
	HighestScore      float64 `json:"highest_score"`
	LowestScore       float64 `json:"lowest_score"`
	TotalPoints       float64 `json:"total_points"`
	PendingManual     int     `json:"pending_manual"`
}

func NewService(results resultSource) *Service {
	return &Service{results: results}
}

func (s *Service) SummaryByExam(ctx context.Context, sess auth.Session, examID int64) (*ExamSummary, error) {
	ex, rows, err := s.results.ExamResults(ctx, sess, examID)
	if err != nil {
		return nil, err
	}
	return summarize(ex, rows), nil
}

func summarize(ex *exam.Exam, rows []exam.ExamResultRow) *ExamSummary {
	out := &ExamSummary{ExamID: ex.ID, Title: ex.Title, Attempts: len(rows)}
	students := make(map[int64]bool)
	sum := 0.0
	out.LowestScore = math.Inf(1)

	for _, r := range rows {
		students[r.StudentID] = true
		if r.Attempt.Status != exam.AttemptCompleted {
			continue
		}
		out.CompletedAttempts++
		out.PendingManual += r.PendingManual
		sum += r.FinalScore
		out.HighestScore = math.Max(out.HighestScore, r.FinalScore)
		out.LowestScore = math.Min(out.LowestScore, r.FinalScore)
		if r.Attempt.TotalPoints != nil {
			out.TotalPoints = *r.Attempt.TotalPoints
		}
	}
	out.Participants = len(students)

	if out.CompletedAttempts == 0 {
		out.LowestScore = 0
		return out
	}
	out.AverageScore = math.Round(sum/float64(out.CompletedAttempts)*100) / 100
	return out
}

// ExportExamResultsXLSX renders one row per attempt. The file name is derived
// from the exam id.
func (s *Service) ExportExamResultsXLSX(ctx context.Context, sess auth.Session, examID int64) ([]byte, string, error) {
	ex, rows, err := s.results.ExamResults(ctx, sess, examID)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	headers := []string{
		"student_name", "student_email", "attempt_number", "status", "started_at",
		"completed_at", "score", "final_score", "total_points", "pending_manual",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range rows {
		completedAt := ""
		if r.Attempt.CompletedAt != nil {
			completedAt = r.Attempt.CompletedAt.UTC().Format(time.DateTime)
		}
		values := []interface{}{
			r.StudentName,
			r.StudentEmail,
			r.AttemptNumber,
			r.Attempt.Status,
			r.Attempt.StartedAt.UTC().Format(time.DateTime),
			completedAt,
			floatCell(r.Attempt.Score),
			r.FinalScore,
			floatCell(r.Attempt.TotalPoints),
			r.PendingManual,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "J", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, "", fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), fmt.Sprintf("exam-%d-results.xlsx", ex.ID), nil
}

func floatCell(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
