package question

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"examhall/internal/access"
	"examhall/internal/auth"
	"examhall/internal/exam"
	"examhall/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxImageBytes = 5 << 20

	minChoiceOptions = 2
)

type Service struct {
	db    *sql.DB
	blobs storage.Blob
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(db *sql.DB, blobs storage.Blob, opts ...Option) *Service {
	s := &Service{db: db, blobs: blobs, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Question struct {
	ID            int64           `json:"id"`
	ExamID        int64           `json:"exam_id"`
	Text          string          `json:"question_text"`
	Type          string          `json:"question_type"`
	Points        float64         `json:"points"`
	OrderIndex    int             `json:"order_index"`
	Options       []string        `json:"options"`
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	HasImage      bool            `json:"has_image"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	imageRef string
}

// Input is the editable part of a question. OrderIndex is only read on
// create; nil appends the question after the last one.
type Input struct {
	Text          string
	Type          string
	Points        float64
	Options       []string
	CorrectAnswer json.RawMessage
	OrderIndex    *int
}

const questionColumns = `
	id, exam_id, question_text, question_type, points, order_index,
	options, correct_answer, image_ref, created_at, updated_at`

func scanQuestion(row interface{ Scan(...interface{}) error }) (*Question, error) {
	var (
		q        Question
		options  string
		correct  sql.NullString
		imageRef sql.NullString
	)
	err := row.Scan(&q.ID, &q.ExamID, &q.Text, &q.Type, &q.Points, &q.OrderIndex,
		&options, &correct, &imageRef, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil || q.Options == nil {
		q.Options = []string{}
	}
	if correct.Valid {
		q.CorrectAnswer = json.RawMessage(correct.String)
	}
	if imageRef.Valid && imageRef.String != "" {
		q.imageRef = imageRef.String
		q.HasImage = true
	}
	return &q, nil
}

func (in *Input) normalize() error {
	in.Text = strings.TrimSpace(in.Text)
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if in.Text == "" {
		return exam.Invalid("question", "question_text", "question text is required")
	}
	if !exam.IsValidQuestionType(in.Type) {
		return exam.Invalid("question", "question_type", "question type must be one of multiple_choice, true_false, open_answer, matching")
	}
	if !(in.Points > 0) {
		return exam.Invalid("question", "points", "points must be greater than 0")
	}
	if in.OrderIndex != nil && *in.OrderIndex < 1 {
		return exam.Invalid("question", "order_index", "order index starts at 1")
	}

	opts := make([]string, 0, len(in.Options))
	for _, o := range in.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			if in.Type == exam.TypeMultipleChoice {
				return exam.Invalid("question", "options", "options cannot be empty")
			}
			continue
		}
		opts = append(opts, o)
	}
	in.Options = opts

	key := bytes.TrimSpace(in.CorrectAnswer)
	if bytes.Equal(key, []byte("null")) {
		key = nil
	}
	in.CorrectAnswer = key

	switch in.Type {
	case exam.TypeMultipleChoice:
		if len(in.Options) < minChoiceOptions {
			return exam.Invalid("question", "options", "multiple_choice needs at least two options")
		}
		var idx int
		if len(key) == 0 || json.Unmarshal(key, &idx) != nil {
			return exam.Invalid("question", "correct_answer", "multiple_choice needs the index of the correct option")
		}
		if idx < 0 || idx >= len(in.Options) {
			return exam.Invalid("question", "correct_answer", fmt.Sprintf("correct option must be between 0 and %d", len(in.Options)-1))
		}
	case exam.TypeTrueFalse:
		in.Options = []string{}
		var b bool
		if len(key) == 0 || json.Unmarshal(key, &b) != nil {
			return exam.Invalid("question", "correct_answer", "true_false needs a boolean answer key")
		}
	case exam.TypeOpenAnswer:
		in.Options = []string{}
		var text string
		if len(key) > 0 && json.Unmarshal(key, &text) != nil {
			return exam.Invalid("question", "correct_answer", "open_answer reference answer must be text")
		}
	case exam.TypeMatching:
		var pairs map[string]string
		if len(key) > 0 && json.Unmarshal(key, &pairs) != nil {
			return exam.Invalid("question", "correct_answer", "matching answer key must map left items to right items")
		}
	}
	return nil
}

func (in *Input) optionsJSON() string {
	b, _ := json.Marshal(in.Options)
	return string(b)
}

func (in *Input) correctAnswer() interface{} {
	if len(in.CorrectAnswer) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, in.CorrectAnswer); err != nil {
		return string(in.CorrectAnswer)
	}
	return buf.String()
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadExamFacts(ctx context.Context, q queryable, examID int64) (access.ExamFacts, error) {
	var f access.ExamFacts
	err := q.QueryRowContext(ctx, `SELECT creator_id, status FROM exams WHERE id = $1`, examID).Scan(&f.CreatorID, &f.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, exam.NotFound("exam")
		}
		return f, fmt.Errorf("load exam: %w", err)
	}
	return f, nil
}

// loadForManage returns the question with its exam facts, or not found when
// the caller does not own the exam.
func (s *Service) loadForManage(ctx context.Context, q queryable, sess auth.Session, questionID int64) (*Question, error) {
	row, err := scanQuestion(q.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, questionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, exam.NotFound("question")
		}
		return nil, fmt.Errorf("load question: %w", err)
	}
	facts, err := loadExamFacts(ctx, q, row.ExamID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageQuestion(sess, facts) {
		return nil, exam.NotFound("question")
	}
	return row, nil
}

// ensureEditable fails with ErrLocked once a student has started the exam,
// so graded attempts always refer to the questions they were graded against.
func ensureEditable(ctx context.Context, q queryable, examID int64) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE exam_id = $1`, examID).Scan(&n); err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if n > 0 {
		return exam.Locked("question", "questions cannot change after students have started the exam")
	}
	return nil
}

func (s *Service) CreateQuestion(ctx context.Context, sess auth.Session, examID int64, in Input) (*Question, error) {
	facts, err := loadExamFacts(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageQuestion(sess, facts) {
		return nil, exam.NotFound("exam")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureEditable(ctx, tx, examID); err != nil {
		return nil, err
	}
	order := 0
	if in.OrderIndex != nil {
		order = *in.OrderIndex
	} else if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(order_index), 0) + 1 FROM questions WHERE exam_id = $1
	`, examID).Scan(&order); err != nil {
		return nil, fmt.Errorf("next order index: %w", err)
	}

	now := s.now().UTC()
	row, err := scanQuestion(tx.QueryRowContext(ctx, `
		INSERT INTO questions (
			exam_id, question_text, question_type, points, order_index,
			options, correct_answer, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+questionColumns,
		examID, in.Text, in.Type, in.Points, order, in.optionsJSON(), in.correctAnswer(), now,
	))
	if err != nil {
		if c := exam.Conflict("question", err); c != err {
			var ce *exam.Error
			if errors.As(c, &ce) {
				s.log.Warn("question insert conflict",
					zap.Int64("exam_id", examID),
					zap.String("constraint", ce.Field),
				)
			}
			return nil, c
		}
		return nil, fmt.Errorf("insert question: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit question: %w", err)
	}

	s.log.Info("question created",
		zap.Int64("question_id", row.ID),
		zap.Int64("exam_id", examID),
		zap.String("question_type", row.Type),
	)
	return row, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, sess auth.Session, questionID int64, in Input) (*Question, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.loadForManage(ctx, tx, sess, questionID)
	if err != nil {
		return nil, err
	}
	if err := ensureEditable(ctx, tx, current.ExamID); err != nil {
		return nil, err
	}

	row, err := scanQuestion(tx.QueryRowContext(ctx, `
		UPDATE questions
		SET question_text = $2,
			question_type = $3,
			points = $4,
			options = $5,
			correct_answer = $6,
			updated_at = $7
		WHERE id = $1
		RETURNING `+questionColumns,
		questionID, in.Text, in.Type, in.Points, in.optionsJSON(), in.correctAnswer(), s.now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("update question: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit question: %w", err)
	}
	return row, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, sess auth.Session, questionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.loadForManage(ctx, tx, sess, questionID)
	if err != nil {
		return err
	}
	if err := ensureEditable(ctx, tx, current.ExamID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, questionID); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit question: %w", err)
	}

	s.dropImage(ctx, current.imageRef)
	s.log.Info("question deleted", zap.Int64("question_id", questionID), zap.Int64("exam_id", current.ExamID))
	return nil
}

// ReorderQuestions assigns order 1..n following ids, which must list every
// question of the exam exactly once.
func (s *Service) ReorderQuestions(ctx context.Context, sess auth.Session, examID int64, ids []int64) ([]Question, error) {
	facts, err := loadExamFacts(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageQuestion(sess, facts) {
		return nil, exam.NotFound("exam")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reorder tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureEditable(ctx, tx, examID); err != nil {
		return nil, err
	}
	existing, err := listQuestions(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	if err := sameQuestionSet(existing, ids); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	// Park every row on a negative index first so the unique (exam_id,
	// order_index) constraint holds between statements.
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE questions SET order_index = $2 WHERE id = $1`, id, -(i + 1)); err != nil {
			return nil, fmt.Errorf("park question order: %w", err)
		}
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE questions SET order_index = $2, updated_at = $3 WHERE id = $1
		`, id, i+1, now); err != nil {
			return nil, fmt.Errorf("set question order: %w", err)
		}
	}

	out, err := listQuestions(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reorder: %w", err)
	}
	return out, nil
}

func sameQuestionSet(existing []Question, ids []int64) error {
	if len(ids) != len(existing) {
		return exam.Invalid("question", "question_ids", "reorder must list every question of the exam exactly once")
	}
	want := make(map[int64]bool, len(existing))
	for _, q := range existing {
		want[q.ID] = true
	}
	for _, id := range ids {
		if !want[id] {
			return exam.Invalid("question", "question_ids", "reorder must list every question of the exam exactly once")
		}
		delete(want, id)
	}
	return nil
}

// ListQuestions returns the questions of an exam in order. Answer keys are
// only included for the exam creator.
func (s *Service) ListQuestions(ctx context.Context, sess auth.Session, examID int64) ([]Question, error) {
	facts, err := loadExamFacts(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanReadQuestion(sess, facts) {
		return nil, exam.NotFound("exam")
	}

	out, err := listQuestions(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageQuestion(sess, facts) {
		for i := range out {
			out[i].CorrectAnswer = nil
		}
	}
	return out, nil
}

type rowsQueryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listQuestions(ctx context.Context, q rowsQueryable, examID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE exam_id = $1
		ORDER BY order_index ASC, id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// SetQuestionImage stores the image in the blob store and points the question
// at it. The previous image, if any, is removed afterwards.
func (s *Service) SetQuestionImage(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	ext, ok := storage.ExtensionFor(contentType)
	if !ok {
		return nil, exam.Invalid("question", "image", "image must be png, jpeg, gif or webp")
	}
	if size <= 0 || size > MaxImageBytes {
		return nil, exam.Invalid("question", "image", fmt.Sprintf("image must be between 1 byte and %d bytes", MaxImageBytes))
	}

	current, err := s.loadForManage(ctx, s.db, sess, questionID)
	if err != nil {
		return nil, err
	}
	if err := ensureEditable(ctx, s.db, current.ExamID); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("questions/%d/%s%s", questionID, uuid.NewString(), ext)
	if err := s.blobs.Put(ctx, key, io.LimitReader(r, MaxImageBytes+1), size, contentType); err != nil {
		return nil, fmt.Errorf("store question image: %w", err)
	}

	row, err := scanQuestion(s.db.QueryRowContext(ctx, `
		UPDATE questions SET image_ref = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+questionColumns,
		questionID, key, s.now().UTC(),
	))
	if err != nil {
		s.dropImage(ctx, key)
		return nil, fmt.Errorf("set question image: %w", err)
	}

	s.dropImage(ctx, current.imageRef)
	s.log.Info("question image stored",
		zap.Int64("question_id", questionID),
		zap.String("image_ref", key),
		zap.Int64("bytes", size),
	)
	return row, nil
}

// OpenQuestionImage streams the image of a question the caller may read.
// The caller closes the reader.
func (s *Service) OpenQuestionImage(ctx context.Context, sess auth.Session, questionID int64) (io.ReadCloser, storage.ObjectInfo, error) {
	row, err := scanQuestion(s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, questionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ObjectInfo{}, exam.NotFound("question")
		}
		return nil, storage.ObjectInfo{}, fmt.Errorf("load question: %w", err)
	}
	facts, err := loadExamFacts(ctx, s.db, row.ExamID)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	if !access.CanReadQuestion(sess, facts) {
		return nil, storage.ObjectInfo{}, exam.NotFound("question")
	}
	if row.imageRef == "" {
		return nil, storage.ObjectInfo{}, exam.NotFound("image")
	}

	rc, info, err := s.blobs.Open(ctx, row.imageRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("question image missing from store",
				zap.Int64("question_id", questionID),
				zap.String("image_ref", row.imageRef),
			)
			return nil, storage.ObjectInfo{}, exam.NotFound("image")
		}
		return nil, storage.ObjectInfo{}, err
	}
	return rc, info, nil
}

func (s *Service) dropImage(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("remove question image", zap.String("image_ref", key), zap.Error(err))
	}
}
