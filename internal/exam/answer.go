package exam

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"examhall/internal/access"
	"examhall/internal/auth"

	"go.uber.org/zap"
)

type Answer struct {
	ID           int64           `json:"id"`
	AttemptID    int64           `json:"attempt_id"`
	QuestionID   int64           `json:"question_id"`
	Value        json.RawMessage `json:"value"`
	IsCorrect    *bool           `json:"is_correct"`
	PointsEarned *float64        `json:"points_earned"`
	GradedBy     *int64          `json:"graded_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SaveAnswerInput struct {
	AttemptID  int64
	QuestionID int64
	Value      json.RawMessage
}

// GradeAnswerInput sets the manual grade of one answer. IsCorrect defaults to
// whether full points were awarded.
type GradeAnswerInput struct {
	AnswerID     int64
	PointsEarned float64
	IsCorrect    *bool
}

const answerColumns = `id, attempt_id, question_id, value, is_correct, points_earned, graded_by, created_at, updated_at`

func scanAnswer(row interface{ Scan(...interface{}) error }) (*Answer, error) {
	var (
		a         Answer
		value     string
		isCorrect sql.NullBool
		points    sql.NullFloat64
		gradedBy  sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &value, &isCorrect, &points, &gradedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Value = json.RawMessage(value)
	a.IsCorrect = boolOrNil(isCorrect)
	a.PointsEarned = floatOrNil(points)
	if gradedBy.Valid {
		v := gradedBy.Int64
		a.GradedBy = &v
	}
	return &a, nil
}

// SaveAnswer upserts the caller's answer to one question of an open attempt.
// The last write for a question wins.
func (s *Service) SaveAnswer(ctx context.Context, sess auth.Session, in SaveAnswerInput) (*Answer, error) {
	row, err := s.loadAttempt(ctx, s.db, in.AttemptID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageAnswer(sess, row.facts()) {
		return nil, NotFound("attempt")
	}
	if row.completed() {
		return nil, alreadyCompleted()
	}
	if row.expired(s.now().UTC()) {
		if _, err := s.expireIfDue(ctx, row); err != nil {
			return nil, err
		}
		return nil, &Error{Kind: ErrAlreadyCompleted, Entity: "attempt", Msg: "time limit elapsed, the attempt was submitted"}
	}

	var (
		qType   string
		options string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT question_type, options FROM questions WHERE id = $1 AND exam_id = $2
	`, in.QuestionID, row.ExamID).Scan(&qType, &options)
	if err != nil {
		if isNoRows(err) {
			return nil, NotFound("question")
		}
		return nil, fmt.Errorf("load question: %w", err)
	}
	var opts []string
	if err := json.Unmarshal([]byte(options), &opts); err != nil {
		return nil, fmt.Errorf("decode question options: %w", err)
	}
	if err := ValidateAnswerValue(qType, in.Value, len(opts)); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Touching the attempt row serializes this save with finalize, which takes
	// the same row first.
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts SET started_at = started_at
		WHERE id = $1 AND completed_at IS NULL
	`, in.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("lock attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("lock attempt: %w", err)
	} else if n == 0 {
		return nil, alreadyCompleted()
	}

	a, err := scanAnswer(tx.QueryRowContext(ctx, `
		INSERT INTO answers (attempt_id, question_id, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING `+answerColumns,
		in.AttemptID, in.QuestionID, string(compactJSON(in.Value)), now,
	))
	if err != nil {
		if c := Conflict("answer", err); c != err {
			return nil, c
		}
		return nil, fmt.Errorf("upsert answer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit answer: %w", err)
	}

	s.metrics.AnswerSaved()
	s.log.Debug("answer saved",
		zap.Int64("attempt_id", in.AttemptID),
		zap.Int64("question_id", in.QuestionID),
	)
	return a, nil
}

// ListAnswers returns the saved answers of an attempt in question order.
func (s *Service) ListAnswers(ctx context.Context, sess auth.Session, attemptID int64) ([]Answer, error) {
	row, err := s.loadAttempt(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if !access.CanReadAnswer(sess, row.facts()) {
		return nil, NotFound("attempt")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.attempt_id, a.question_id, a.value, a.is_correct, a.points_earned,
			a.graded_by, a.created_at, a.updated_at
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		WHERE a.attempt_id = $1
		ORDER BY q.order_index ASC, q.id ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make([]Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

// GradeAnswer records a manual grade on an open_answer or matching answer of a
// completed attempt. The attempt score frozen at submission is left as is.
func (s *Service) GradeAnswer(ctx context.Context, sess auth.Session, in GradeAnswerInput) (*Answer, error) {
	var (
		attemptID   int64
		qType       string
		qPoints     float64
		creatorID   int64
		examStatus  string
		studentID   int64
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT a.attempt_id, q.question_type, q.points, e.creator_id, e.status, t.student_id, t.completed_at
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		JOIN attempts t ON t.id = a.attempt_id
		JOIN exams e ON e.id = t.exam_id
		WHERE a.id = $1
	`, in.AnswerID).Scan(&attemptID, &qType, &qPoints, &creatorID, &examStatus, &studentID, &completedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, NotFound("answer")
		}
		return nil, fmt.Errorf("load answer: %w", err)
	}
	if !access.CanManageExam(sess, access.ExamFacts{CreatorID: creatorID, Status: examStatus}) {
		return nil, NotFound("answer")
	}
	if !completedAt.Valid {
		return nil, Invalid("answer", "attempt", "answers can only be graded after the attempt is submitted")
	}
	if IsAutoGraded(qType) {
		return nil, Invalid("answer", "question_type", "only open_answer and matching answers are graded manually")
	}
	if math.IsNaN(in.PointsEarned) || in.PointsEarned < 0 || in.PointsEarned > qPoints {
		return nil, Invalid("answer", "points_earned", fmt.Sprintf("points must be between 0 and %g", qPoints))
	}
	isCorrect := in.PointsEarned == qPoints
	if in.IsCorrect != nil {
		isCorrect = *in.IsCorrect
	}

	a, err := scanAnswer(s.db.QueryRowContext(ctx, `
		UPDATE answers
		SET is_correct = $2, points_earned = $3, graded_by = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+answerColumns,
		in.AnswerID, isCorrect, in.PointsEarned, sess.UserID, s.now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("grade answer: %w", err)
	}

	s.metrics.AnswerGraded()
	s.log.Info("answer graded",
		zap.Int64("answer_id", in.AnswerID),
		zap.Int64("attempt_id", attemptID),
		zap.Int64("student_id", studentID),
		zap.Int64("grader_id", sess.UserID),
		zap.Float64("points_earned", in.PointsEarned),
	)
	return a, nil
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
