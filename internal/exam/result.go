package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"examhall/internal/access"
	"examhall/internal/auth"
)

type Result struct {
	Attempt Attempt      `json:"attempt"`
	Items   []ResultItem `json:"items"`
	// FinalScore adds manual grades awarded after submission to the frozen score.
	FinalScore    float64 `json:"final_score"`
	PendingManual int     `json:"pending_manual"`
}

type ResultItem struct {
	QuestionID    int64           `json:"question_id"`
	QuestionText  string          `json:"question_text"`
	QuestionType  string          `json:"question_type"`
	Points        float64         `json:"points"`
	Options       []string        `json:"options,omitempty"`
	Value         json.RawMessage `json:"value"`
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	IsCorrect     *bool           `json:"is_correct"`
	PointsEarned  *float64        `json:"points_earned"`
}

// canViewResult decides whether results of an attempt can be shown.
// Creators see any completed attempt; owners only when the exam releases
// results immediately.
func canViewResult(isCreator, isOwner, completed, showImmediately bool) bool {
	if !completed {
		return false
	}
	if isCreator {
		return true
	}
	return isOwner && showImmediately
}

func (s *Service) GetResult(ctx context.Context, sess auth.Session, attemptID int64) (*Result, error) {
	row, err := s.loadAttempt(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	facts := row.facts()
	if !access.CanReadAttempt(sess, facts) {
		return nil, NotFound("attempt")
	}
	row, err = s.expireIfDue(ctx, row)
	if err != nil {
		return nil, err
	}

	isCreator := access.CanManageExam(sess, facts.Exam)
	if !canViewResult(isCreator, access.CanManageAttempt(sess, facts), row.completed(), row.ShowResultsImmediately) {
		msg := "results are not released for this exam"
		if !row.completed() {
			msg = "results are available after the attempt is submitted"
		}
		return nil, &Error{Kind: ErrNotAvailable, Entity: "result", Msg: msg}
	}

	questions, err := s.loadQuestionKeys(ctx, s.db, row.ExamID)
	if err != nil {
		return nil, err
	}
	graded, err := loadGradedAnswers(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}

	res := &Result{Attempt: *row.toAttempt(s.now().UTC()), Items: make([]ResultItem, 0, len(questions))}
	for _, q := range questions {
		item := ResultItem{
			QuestionID:    q.ID,
			QuestionText:  q.Text,
			QuestionType:  q.Type,
			Points:        q.Points,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
		}
		a, answered := graded[q.ID]
		switch {
		case answered:
			item.Value = a.Value
			item.IsCorrect = a.IsCorrect
			item.PointsEarned = a.PointsEarned
		case IsAutoGraded(q.Type):
			// Unanswered auto-graded questions count as wrong.
			item.IsCorrect = boolPtr(false)
			item.PointsEarned = floatPtr(0)
		}
		if item.PointsEarned != nil {
			res.FinalScore += *item.PointsEarned
		} else if answered {
			res.PendingManual++
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func loadGradedAnswers(ctx context.Context, q queryable, attemptID int64) (map[int64]Answer, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+answerColumns+` FROM answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Answer)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out[a.QuestionID] = *a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

// ExamResultRow is one attempt of an exam as reported to its creator.
type ExamResultRow struct {
	AttemptID     int64
	StudentID     int64
	StudentName   string
	StudentEmail  string
	AttemptNumber int
	Attempt       Attempt
	FinalScore    float64
	PendingManual int
}

// ExamResults lists every attempt of an exam with its final score. Only the
// exam creator may call it.
func (s *Service) ExamResults(ctx context.Context, sess auth.Session, examID int64) (*Exam, []ExamResultRow, error) {
	ex, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return nil, nil, err
	}
	if !access.CanManageExam(sess, ex.facts()) {
		return nil, nil, NotFound("exam")
	}

	rows, err := s.db.QueryContext(ctx, attemptSelect+`
		WHERE a.exam_id = $1
		ORDER BY a.student_id ASC, a.attempt_number ASC
	`, examID)
	if err != nil {
		return nil, nil, fmt.Errorf("query attempts: %w", err)
	}
	attempts := make([]*attemptRow, 0)
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iterate attempts: %w", err)
	}
	rows.Close()

	manualByAttempt, err := s.manualTotals(ctx, examID)
	if err != nil {
		return nil, nil, err
	}
	names, err := s.studentNames(ctx, examID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	out := make([]ExamResultRow, 0, len(attempts))
	for _, r := range attempts {
		totals := manualByAttempt[r.ID]
		row := ExamResultRow{
			AttemptID:     r.ID,
			StudentID:     r.StudentID,
			StudentName:   names[r.StudentID].name,
			StudentEmail:  names[r.StudentID].email,
			AttemptNumber: r.AttemptNumber,
			Attempt:       *r.toAttempt(now),
			FinalScore:    totals.earned,
			PendingManual: totals.pending,
		}
		if !r.completed() {
			row.FinalScore = 0
			row.PendingManual = 0
		}
		out = append(out, row)
	}
	return ex.toExam(), out, nil
}

type pointTotals struct {
	earned  float64
	pending int
}

// manualTotals sums awarded points and counts ungraded manual answers per attempt.
func (s *Service) manualTotals(ctx context.Context, examID int64) (map[int64]pointTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.attempt_id, a.points_earned, q.question_type
		FROM answers a
		JOIN attempts t ON t.id = a.attempt_id
		JOIN questions q ON q.id = a.question_id
		WHERE t.exam_id = $1
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query answer totals: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]pointTotals)
	for rows.Next() {
		var (
			attemptID int64
			points    sql.NullFloat64
			qType     string
		)
		if err := rows.Scan(&attemptID, &points, &qType); err != nil {
			return nil, fmt.Errorf("scan answer totals: %w", err)
		}
		t := out[attemptID]
		switch {
		case points.Valid:
			t.earned += points.Float64
		case !IsAutoGraded(qType):
			t.pending++
		}
		out[attemptID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answer totals: %w", err)
	}
	return out, nil
}

type studentName struct {
	name  string
	email string
}

func (s *Service) studentNames(ctx context.Context, examID int64) (map[int64]studentName, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.id, p.full_name, u.email
		FROM attempts t
		JOIN users u ON u.id = t.student_id
		JOIN profiles p ON p.user_id = u.id
		WHERE t.exam_id = $1
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]studentName)
	for rows.Next() {
		var (
			id int64
			n  studentName
		)
		if err := rows.Scan(&id, &n.name, &n.email); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return out, nil
}
