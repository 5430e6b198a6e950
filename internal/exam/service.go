package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examhall/internal/access"

	"go.uber.org/zap"
)

const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusCompleted = "completed"
)

// Recorder receives domain events for metrics. The zero Service uses a no-op.
type Recorder interface {
	AttemptStarted()
	AttemptSubmitted(forced bool)
	AnswerSaved()
	AnswerGraded()
}

type nopRecorder struct{}

func (nopRecorder) AttemptStarted()       {}
func (nopRecorder) AttemptSubmitted(bool) {}
func (nopRecorder) AnswerSaved()          {}
func (nopRecorder) AnswerGraded()         {}

type Service struct {
	db      *sql.DB
	log     *zap.Logger
	now     func() time.Time
	newCode CodeSource
	metrics Recorder
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeSource replaces the random access code generator.
func WithCodeSource(src CodeSource) Option {
	return func(s *Service) { s.newCode = src }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:      db,
		log:     zap.NewNop(),
		now:     time.Now,
		newCode: RandomCode,
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// examRow is the full exam record as stored.
type examRow struct {
	ID                     int64
	CreatorID              int64
	Title                  string
	Description            string
	AccessCode             string
	TimeLimitMinutes       sql.NullInt64
	MaxAttempts            int
	Status                 string
	ShowResultsImmediately bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (r *examRow) facts() access.ExamFacts {
	return access.ExamFacts{CreatorID: r.CreatorID, Status: r.Status}
}

func (r *examRow) timeLimit() *time.Duration {
	if !r.TimeLimitMinutes.Valid || r.TimeLimitMinutes.Int64 <= 0 {
		return nil
	}
	d := time.Duration(r.TimeLimitMinutes.Int64) * time.Minute
	return &d
}

const examColumns = `
	id, creator_id, title, description, access_code, time_limit_minutes,
	max_attempts, status, show_results_immediately, created_at, updated_at`

func scanExam(row interface{ Scan(...interface{}) error }) (*examRow, error) {
	r := &examRow{}
	err := row.Scan(
		&r.ID,
		&r.CreatorID,
		&r.Title,
		&r.Description,
		&r.AccessCode,
		&r.TimeLimitMinutes,
		&r.MaxAttempts,
		&r.Status,
		&r.ShowResultsImmediately,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func (s *Service) loadExam(ctx context.Context, q queryable, examID int64) (*examRow, error) {
	r, err := scanExam(q.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, examID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFound("exam")
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	return r, nil
}

// attemptRow is an attempt joined with the exam fields its rules need.
type attemptRow struct {
	ID            int64
	ExamID        int64
	StudentID     int64
	AttemptNumber int
	StartedAt     time.Time
	CompletedAt   sql.NullTime
	Score         sql.NullFloat64
	TotalPoints   sql.NullFloat64

	ExamCreatorID          int64
	ExamStatus             string
	ExamTimeLimitMinutes   sql.NullInt64
	ShowResultsImmediately bool
}

func (r *attemptRow) facts() access.AttemptFacts {
	return access.AttemptFacts{
		StudentID: r.StudentID,
		Exam:      access.ExamFacts{CreatorID: r.ExamCreatorID, Status: r.ExamStatus},
	}
}

func (r *attemptRow) completed() bool { return r.CompletedAt.Valid }

// deadline is nil when the exam has no time limit.
func (r *attemptRow) deadline() *time.Time {
	if !r.ExamTimeLimitMinutes.Valid || r.ExamTimeLimitMinutes.Int64 <= 0 {
		return nil
	}
	d := r.StartedAt.Add(time.Duration(r.ExamTimeLimitMinutes.Int64) * time.Minute)
	return &d
}

func (r *attemptRow) expired(now time.Time) bool {
	d := r.deadline()
	return d != nil && !now.Before(*d)
}

const attemptSelect = `
	SELECT
		a.id, a.exam_id, a.student_id, a.attempt_number, a.started_at,
		a.completed_at, a.score, a.total_points,
		e.creator_id, e.status, e.time_limit_minutes, e.show_results_immediately
	FROM attempts a
	JOIN exams e ON e.id = a.exam_id`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*attemptRow, error) {
	r := &attemptRow{}
	err := row.Scan(
		&r.ID,
		&r.ExamID,
		&r.StudentID,
		&r.AttemptNumber,
		&r.StartedAt,
		&r.CompletedAt,
		&r.Score,
		&r.TotalPoints,
		&r.ExamCreatorID,
		&r.ExamStatus,
		&r.ExamTimeLimitMinutes,
		&r.ShowResultsImmediately,
	)
	return r, err
}

func (s *Service) loadAttempt(ctx context.Context, q queryable, attemptID int64) (*attemptRow, error) {
	r, err := scanAttempt(q.QueryRowContext(ctx, attemptSelect+` WHERE a.id = $1`, attemptID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFound("attempt")
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return r, nil
}

type questionKey struct {
	ID            int64
	Type          string
	Text          string
	Points        float64
	OrderIndex    int
	Options       []string
	CorrectAnswer json.RawMessage
}

func (s *Service) loadQuestionKeys(ctx context.Context, q queryable, examID int64) ([]questionKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, question_type, question_text, points, order_index, options, correct_answer
		FROM questions
		WHERE exam_id = $1
		ORDER BY order_index ASC, id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]questionKey, 0)
	for rows.Next() {
		var (
			k       questionKey
			options string
			correct sql.NullString
		)
		if err := rows.Scan(&k.ID, &k.Type, &k.Text, &k.Points, &k.OrderIndex, &options, &correct); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &k.Options); err != nil {
			k.Options = nil
		}
		if correct.Valid {
			k.CorrectAnswer = json.RawMessage(correct.String)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func floatOrNil(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolOrNil(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
