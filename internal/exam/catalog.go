package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"examhall/internal/access"
	"examhall/internal/auth"
	"examhall/internal/db"

	"go.uber.org/zap"
)

const (
	maxTitleLength     = 200
	defaultMaxAttempts = 1
	writeRetries       = 3
)

type Exam struct {
	ID                     int64     `json:"id"`
	CreatorID              int64     `json:"creator_id"`
	Title                  string    `json:"title"`
	Description            string    `json:"description"`
	AccessCode             string    `json:"access_code"`
	TimeLimitMinutes       *int      `json:"time_limit_minutes"`
	MaxAttempts            int       `json:"max_attempts"`
	Status                 string    `json:"status"`
	ShowResultsImmediately bool      `json:"show_results_immediately"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// ExamInput is the editable part of an exam. MaxAttempts 0 means unlimited;
// nil keeps the current value (1 on create).
type ExamInput struct {
	Title                  string
	Description            string
	TimeLimitMinutes       *int
	MaxAttempts            *int
	ShowResultsImmediately bool
}

func (r *examRow) toExam() *Exam {
	e := &Exam{
		ID:                     r.ID,
		CreatorID:              r.CreatorID,
		Title:                  r.Title,
		Description:            r.Description,
		AccessCode:             r.AccessCode,
		MaxAttempts:            r.MaxAttempts,
		Status:                 r.Status,
		ShowResultsImmediately: r.ShowResultsImmediately,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	if r.TimeLimitMinutes.Valid {
		v := int(r.TimeLimitMinutes.Int64)
		e.TimeLimitMinutes = &v
	}
	return e
}

func (in *ExamInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		return Invalid("exam", "title", "title is required")
	}
	if len(in.Title) > maxTitleLength {
		return Invalid("exam", "title", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if in.TimeLimitMinutes != nil && *in.TimeLimitMinutes < 1 {
		return Invalid("exam", "time_limit_minutes", "time limit must be at least 1 minute")
	}
	if in.MaxAttempts != nil && *in.MaxAttempts < 0 {
		return Invalid("exam", "max_attempts", "max attempts must be 0 (unlimited) or more")
	}
	return nil
}

func (s *Service) CreateExam(ctx context.Context, sess auth.Session, in ExamInput) (*Exam, error) {
	if !access.CanCreateExam(sess) {
		return nil, Unauthorized("exam", "only teachers and admins can create exams")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	maxAttempts := defaultMaxAttempts
	if in.MaxAttempts != nil {
		maxAttempts = *in.MaxAttempts
	}

	for i := 0; i < writeRetries; i++ {
		code, err := s.GenerateAccessCode(ctx)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		row, err := scanExam(s.db.QueryRowContext(ctx, `
			INSERT INTO exams (
				creator_id, title, description, access_code, time_limit_minutes,
				max_attempts, status, show_results_immediately, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING `+examColumns,
			sess.UserID, in.Title, in.Description, code, nullableInt(in.TimeLimitMinutes),
			maxAttempts, StatusDraft, in.ShowResultsImmediately, now,
		))
		if err != nil {
			if db.IsUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("insert exam: %w", err)
		}
		s.log.Info("exam created", zap.Int64("exam_id", row.ID), zap.Int64("creator_id", sess.UserID))
		return row.toExam(), nil
	}
	return nil, errCodeConflict()
}

func (s *Service) UpdateExam(ctx context.Context, sess auth.Session, examID int64, in ExamInput) (*Exam, error) {
	current, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageExam(sess, current.facts()) {
		return nil, NotFound("exam")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	maxAttempts := current.MaxAttempts
	if in.MaxAttempts != nil {
		maxAttempts = *in.MaxAttempts
	}

	row, err := scanExam(s.db.QueryRowContext(ctx, `
		UPDATE exams
		SET title = $2,
			description = $3,
			time_limit_minutes = $4,
			max_attempts = $5,
			show_results_immediately = $6,
			updated_at = $7
		WHERE id = $1
		RETURNING `+examColumns,
		examID, in.Title, in.Description, nullableInt(in.TimeLimitMinutes),
		maxAttempts, in.ShowResultsImmediately, s.now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("update exam: %w", err)
	}
	return row.toExam(), nil
}

// DeleteExam removes the exam; questions, attempts and answers cascade.
func (s *Service) DeleteExam(ctx context.Context, sess auth.Session, examID int64) error {
	current, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return err
	}
	if !access.CanManageExam(sess, current.facts()) {
		return NotFound("exam")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exams WHERE id = $1`, examID); err != nil {
		return fmt.Errorf("delete exam: %w", err)
	}
	s.log.Info("exam deleted", zap.Int64("exam_id", examID), zap.Int64("creator_id", sess.UserID))
	return nil
}

func (s *Service) GetExam(ctx context.Context, sess auth.Session, examID int64) (*Exam, error) {
	row, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanReadExam(sess, row.facts()) {
		return nil, NotFound("exam")
	}
	return row.toExam(), nil
}

func (s *Service) ListOwnExams(ctx context.Context, sess auth.Session) ([]Exam, error) {
	if !access.CanCreateExam(sess) {
		return nil, Unauthorized("exam", "only teachers and admins own exams")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+examColumns+`
		FROM exams
		WHERE creator_id = $1
		ORDER BY created_at DESC, id DESC
	`, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("query exams: %w", err)
	}
	defer rows.Close()

	out := make([]Exam, 0)
	for rows.Next() {
		r, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exam: %w", err)
		}
		out = append(out, *r.toExam())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exams: %w", err)
	}
	return out, nil
}

// LookupByAccessCode resolves a code to an exam only while that exam is active.
func (s *Service) LookupByAccessCode(ctx context.Context, code string) (*Exam, error) {
	code = NormalizeAccessCode(code)
	if !IsValidAccessCode(code) {
		return nil, NotFound("exam")
	}
	row, err := scanExam(s.db.QueryRowContext(ctx, `
		SELECT `+examColumns+`
		FROM exams
		WHERE access_code = $1 AND status = $2
	`, code, StatusActive))
	if err != nil {
		if isNoRows(err) {
			return nil, NotFound("exam")
		}
		return nil, fmt.Errorf("lookup access code: %w", err)
	}
	return row.toExam(), nil
}

var statusTransitions = map[string]map[string]bool{
	StatusDraft:     {StatusActive: true, StatusInactive: true},
	StatusActive:    {StatusInactive: true, StatusCompleted: true},
	StatusInactive:  {StatusActive: true, StatusCompleted: true},
	StatusCompleted: {},
}

// CanTransition reports whether an exam may move from one status to another.
func CanTransition(from, to string) bool {
	return statusTransitions[from][to]
}

func (s *Service) SetExamStatus(ctx context.Context, sess auth.Session, examID int64, status string) (*Exam, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if _, ok := statusTransitions[status]; !ok {
		return nil, Invalid("exam", "status", "status must be one of draft, active, inactive, completed")
	}

	current, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageExam(sess, current.facts()) {
		return nil, NotFound("exam")
	}
	if current.Status == status {
		return current.toExam(), nil
	}
	if current.Status == StatusCompleted {
		return nil, Locked("exam", "completed exams cannot change status")
	}
	if !CanTransition(current.Status, status) {
		return nil, Invalid("exam", "status", fmt.Sprintf("cannot move exam from %s to %s", current.Status, status))
	}
	if status == StatusActive {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = $1`, examID).Scan(&n); err != nil {
			return nil, fmt.Errorf("count questions: %w", err)
		}
		if n == 0 {
			return nil, Invalid("exam", "questions", "an exam needs at least one question before it can be activated")
		}
	}

	row, err := scanExam(s.db.QueryRowContext(ctx, `
		UPDATE exams
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+examColumns,
		examID, status, s.now().UTC(), current.Status,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, &Error{Kind: ErrPersistenceConflict, Entity: "exam", Msg: "exam status changed concurrently, reload and retry"}
		}
		return nil, fmt.Errorf("update exam status: %w", err)
	}
	s.log.Info("exam status changed",
		zap.Int64("exam_id", examID),
		zap.String("from", current.Status),
		zap.String("to", status),
	)
	return row.toExam(), nil
}

func (s *Service) RegenerateAccessCode(ctx context.Context, sess auth.Session, examID int64) (*Exam, error) {
	current, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageExam(sess, current.facts()) {
		return nil, NotFound("exam")
	}

	for i := 0; i < writeRetries; i++ {
		code, err := s.GenerateAccessCode(ctx)
		if err != nil {
			return nil, err
		}
		row, err := scanExam(s.db.QueryRowContext(ctx, `
			UPDATE exams
			SET access_code = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+examColumns,
			examID, code, s.now().UTC(),
		))
		if err != nil {
			if db.IsUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("update access code: %w", err)
		}
		return row.toExam(), nil
	}
	return nil, errCodeConflict()
}

func errCodeConflict() error {
	return &Error{Kind: ErrPersistenceConflict, Entity: "exam", Msg: "could not reserve a unique access code, retry"}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
