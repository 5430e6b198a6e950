package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examhall/internal/access"
	"examhall/internal/auth"
	"examhall/internal/db"

	"go.uber.org/zap"
)

const (
	AttemptInProgress = "in_progress"
	AttemptCompleted  = "completed"
)

type Attempt struct {
	ID               int64      `json:"id"`
	ExamID           int64      `json:"exam_id"`
	StudentID        int64      `json:"student_id"`
	AttemptNumber    int        `json:"attempt_number"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds *int64     `json:"remaining_seconds,omitempty"`
	Score            *float64   `json:"score"`
	TotalPoints      *float64   `json:"total_points"`
}

// GradedAttempt is the outcome of a submission.
type GradedAttempt struct {
	Attempt  Attempt          `json:"attempt"`
	Answers  []GradedQuestion `json:"-"`
	TimedOut bool             `json:"timed_out"`
}

func (r *attemptRow) toAttempt(now time.Time) *Attempt {
	a := &Attempt{
		ID:            r.ID,
		ExamID:        r.ExamID,
		StudentID:     r.StudentID,
		AttemptNumber: r.AttemptNumber,
		Status:        AttemptInProgress,
		StartedAt:     r.StartedAt,
		Score:         floatOrNil(r.Score),
		TotalPoints:   floatOrNil(r.TotalPoints),
	}
	if r.completed() {
		a.Status = AttemptCompleted
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	if d := r.deadline(); d != nil {
		a.ExpiresAt = d
		if !r.completed() {
			secs := int64(d.Sub(now) / time.Second)
			if secs < 0 {
				secs = 0
			}
			a.RemainingSeconds = &secs
		}
	}
	return a
}

// viewFor hides the score from students until the exam releases results.
func (r *attemptRow) viewFor(sess auth.Session, now time.Time) *Attempt {
	a := r.toAttempt(now)
	if !r.ShowResultsImmediately && !access.CanManageExam(sess, r.facts().Exam) {
		a.Score = nil
		a.TotalPoints = nil
	}
	return a
}

// StartOrResumeAttempt returns the caller's open attempt for an active exam,
// or opens the next one if the attempt limit allows it.
func (s *Service) StartOrResumeAttempt(ctx context.Context, sess auth.Session, examID int64) (*Attempt, error) {
	if sess.UserID <= 0 || sess.Role != auth.RoleStudent {
		return nil, Unauthorized("attempt", "only students can take exams")
	}

	for i := 0; i < writeRetries; i++ {
		ex, err := s.loadExam(ctx, s.db, examID)
		if err != nil || ex.Status != StatusActive {
			if err != nil && !isEntityNotFound(err) {
				return nil, err
			}
			return nil, &Error{Kind: ErrNotAvailable, Entity: "exam", Msg: "exam is not available"}
		}

		open, count, err := s.openAttempt(ctx, examID, sess.UserID)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		if open != nil {
			if !open.expired(now) {
				return open.toAttempt(now), nil
			}
			if _, err := s.finalize(ctx, open.ID, true); err != nil && !isAlreadyCompleted(err) {
				return nil, err
			}
		}

		if ex.MaxAttempts != 0 && count >= ex.MaxAttempts {
			return nil, &Error{
				Kind:   ErrLimitReached,
				Entity: "attempt",
				Msg:    fmt.Sprintf("all %d allowed attempts have been used", ex.MaxAttempts),
			}
		}

		var attemptID int64
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO attempts (exam_id, student_id, attempt_number, started_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, examID, sess.UserID, count+1, now).Scan(&attemptID)
		if err != nil {
			if db.IsUniqueViolation(err) {
				// A concurrent start won the number; re-read and try again.
				continue
			}
			return nil, fmt.Errorf("insert attempt: %w", err)
		}

		created, err := s.loadAttempt(ctx, s.db, attemptID)
		if err != nil {
			return nil, err
		}
		s.metrics.AttemptStarted()
		s.log.Info("attempt started",
			zap.Int64("attempt_id", attemptID),
			zap.Int64("exam_id", examID),
			zap.Int64("student_id", sess.UserID),
			zap.Int("attempt_number", created.AttemptNumber),
		)
		return created.toAttempt(now), nil
	}
	return nil, &Error{Kind: ErrPersistenceConflict, Entity: "attempt", Msg: "attempt was started concurrently, retry"}
}

// openAttempt returns the newest incomplete attempt (if any) and the number of
// attempts the student has for the exam.
func (s *Service) openAttempt(ctx context.Context, examID, studentID int64) (*attemptRow, int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts WHERE exam_id = $1 AND student_id = $2
	`, examID, studentID).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	row, err := scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+`
		WHERE a.exam_id = $1 AND a.student_id = $2 AND a.completed_at IS NULL
		ORDER BY a.attempt_number DESC
		LIMIT 1
	`, examID, studentID))
	if err != nil {
		if isNoRows(err) {
			return nil, count, nil
		}
		return nil, 0, fmt.Errorf("query open attempt: %w", err)
	}
	return row, count, nil
}

// SubmitAttempt grades and closes the caller's attempt. Submitting twice
// fails with ErrAlreadyCompleted and leaves the first grading untouched.
func (s *Service) SubmitAttempt(ctx context.Context, sess auth.Session, attemptID int64) (*GradedAttempt, error) {
	row, err := s.loadAttempt(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageAttempt(sess, row.facts()) {
		return nil, NotFound("attempt")
	}
	if row.completed() {
		return nil, alreadyCompleted()
	}
	graded, err := s.finalize(ctx, attemptID, false)
	if err != nil {
		return nil, err
	}
	if !row.ShowResultsImmediately {
		graded.Attempt.Score = nil
		graded.Attempt.TotalPoints = nil
	}
	return graded, nil
}

// GetAttempt returns an attempt to its owner or the exam creator. An attempt
// whose time ran out is submitted before it is returned.
func (s *Service) GetAttempt(ctx context.Context, sess auth.Session, attemptID int64) (*Attempt, error) {
	row, err := s.loadAttempt(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if !access.CanReadAttempt(sess, row.facts()) {
		return nil, NotFound("attempt")
	}
	row, err = s.expireIfDue(ctx, row)
	if err != nil {
		return nil, err
	}
	return row.viewFor(sess, s.now().UTC()), nil
}

// ListAttempts returns every attempt of the exam to its creator and only the
// caller's own attempts to anyone else.
func (s *Service) ListAttempts(ctx context.Context, sess auth.Session, examID int64) ([]Attempt, error) {
	ex, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}

	query := attemptSelect + ` WHERE a.exam_id = $1`
	args := []interface{}{examID}
	switch {
	case access.CanManageExam(sess, ex.facts()):
	case sess.UserID > 0:
		query += ` AND a.student_id = $2`
		args = append(args, sess.UserID)
	default:
		return nil, NotFound("exam")
	}
	query += ` ORDER BY a.student_id ASC, a.attempt_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	out := make([]Attempt, 0)
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *r.viewFor(sess, now))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// expireIfDue force-submits an in-progress attempt whose deadline passed and
// returns the reloaded row.
func (s *Service) expireIfDue(ctx context.Context, row *attemptRow) (*attemptRow, error) {
	if row.completed() || !row.expired(s.now().UTC()) {
		return row, nil
	}
	if _, err := s.finalize(ctx, row.ID, true); err != nil && !isAlreadyCompleted(err) {
		return nil, err
	}
	return s.loadAttempt(ctx, s.db, row.ID)
}

// finalize closes the attempt and grades every question of the exam in one
// transaction. The completed_at IS NULL guard makes a concurrent second
// finalize fail instead of grading twice.
func (s *Service) finalize(ctx context.Context, attemptID int64, forced bool) (*GradedAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := s.loadAttempt(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	if row.completed() {
		return nil, alreadyCompleted()
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts SET completed_at = $2
		WHERE id = $1 AND completed_at IS NULL
	`, attemptID, now)
	if err != nil {
		return nil, fmt.Errorf("complete attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("complete attempt: %w", err)
	} else if n == 0 {
		return nil, alreadyCompleted()
	}

	// Read after taking the row so a save committed just before is graded.
	questions, err := s.loadQuestionKeys(ctx, tx, row.ExamID)
	if err != nil {
		return nil, err
	}
	saved, err := loadAnswerValues(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}

	graded := make([]GradedQuestion, 0, len(questions))
	for _, q := range questions {
		var submitted json.RawMessage
		if a, ok := saved[q.ID]; ok {
			submitted = a.value
		}
		graded = append(graded, GradedQuestion{
			QuestionID: q.ID,
			Points:     q.Points,
			Result: Grade(GradeInput{
				QuestionType: q.Type,
				Points:       q.Points,
				Submitted:    submitted,
				Correct:      q.CorrectAnswer,
			}),
		})
	}
	score, total := Summarize(graded)

	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts SET score = $2, total_points = $3 WHERE id = $1
	`, attemptID, score, total); err != nil {
		return nil, fmt.Errorf("score attempt: %w", err)
	}

	for _, g := range graded {
		a, ok := saved[g.QuestionID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE answers
			SET is_correct = $2, points_earned = $3, updated_at = $4
			WHERE id = $1
		`, a.id, nullableBool(g.Result.IsCorrect), nullableFloat(g.Result.PointsEarned), now); err != nil {
			return nil, fmt.Errorf("grade answer: %w", err)
		}
	}

	row, err = s.loadAttempt(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	deadline := row.deadline()
	timedOut := deadline != nil && !now.Before(*deadline)
	s.metrics.AttemptSubmitted(forced)
	s.log.Info("attempt submitted",
		zap.Int64("attempt_id", attemptID),
		zap.Int64("exam_id", row.ExamID),
		zap.Float64("score", score),
		zap.Float64("total_points", total),
		zap.Bool("forced", forced),
		zap.Bool("timed_out", timedOut),
	)
	return &GradedAttempt{Attempt: *row.toAttempt(now), Answers: graded, TimedOut: timedOut}, nil
}

type savedAnswer struct {
	id    int64
	value json.RawMessage
}

func loadAnswerValues(ctx context.Context, q queryable, attemptID int64) (map[int64]savedAnswer, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, question_id, value FROM answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]savedAnswer)
	for rows.Next() {
		var (
			a          savedAnswer
			questionID int64
			value      string
		)
		if err := rows.Scan(&a.id, &questionID, &value); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.value = json.RawMessage(value)
		out[questionID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

func alreadyCompleted() error {
	return &Error{Kind: ErrAlreadyCompleted, Entity: "attempt", Msg: "attempt has already been submitted"}
}

func isAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted)
}

func isEntityNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
