package exam

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeMultipleChoice = "multiple_choice"
	TypeTrueFalse      = "true_false"
	TypeOpenAnswer     = "open_answer"
	TypeMatching       = "matching"
)

func IsValidQuestionType(t string) bool {
	switch t {
	case TypeMultipleChoice, TypeTrueFalse, TypeOpenAnswer, TypeMatching:
		return true
	default:
		return false
	}
}

// IsAutoGraded reports whether correctness is computable by value comparison.
func IsAutoGraded(t string) bool {
	return t == TypeMultipleChoice || t == TypeTrueFalse
}

type GradeInput struct {
	QuestionType string
	Points       float64
	Submitted    json.RawMessage
	Correct      json.RawMessage
}

// GradeResult leaves both fields nil when the answer needs manual grading.
type GradeResult struct {
	IsCorrect    *bool    `json:"is_correct"`
	PointsEarned *float64 `json:"points_earned"`
	Reason       string   `json:"reason"`
}

// Grade scores one question. It has no side effects.
func Grade(in GradeInput) GradeResult {
	qType := strings.TrimSpace(strings.ToLower(in.QuestionType))
	points := in.Points
	if points < 0 {
		points = 0
	}

	if !IsAutoGraded(qType) {
		return GradeResult{Reason: "manual"}
	}
	if isEmptyValue(in.Submitted) {
		return wrong("unanswered")
	}

	switch qType {
	case TypeMultipleChoice:
		return gradeMultipleChoice(in.Submitted, in.Correct, points)
	default:
		return gradeTrueFalse(in.Submitted, in.Correct, points)
	}
}

func gradeMultipleChoice(submittedRaw, correctRaw json.RawMessage, points float64) GradeResult {
	correct, ok := parseOptionIndex(correctRaw)
	if !ok {
		return wrong("malformed_answer_key")
	}
	selected, ok := parseOptionIndex(submittedRaw)
	if !ok {
		return wrong("malformed_payload")
	}
	if selected == correct {
		return right(points)
	}
	return wrong("wrong")
}

func gradeTrueFalse(submittedRaw, correctRaw json.RawMessage, points float64) GradeResult {
	var correct, selected bool
	if err := json.Unmarshal(correctRaw, &correct); err != nil || isEmptyValue(correctRaw) {
		return wrong("malformed_answer_key")
	}
	if err := json.Unmarshal(submittedRaw, &selected); err != nil {
		return wrong("malformed_payload")
	}
	if selected == correct {
		return right(points)
	}
	return wrong("wrong")
}

// GradedQuestion pairs a question's points with its grade.
type GradedQuestion struct {
	QuestionID int64
	Points     float64
	Result     GradeResult
}

// Summarize totals a graded exam. Total counts every question; score only
// counts points that were actually awarded.
func Summarize(items []GradedQuestion) (score, total float64) {
	for _, it := range items {
		total += it.Points
		if it.Result.PointsEarned != nil {
			score += *it.Result.PointsEarned
		}
	}
	return score, total
}

// ValidateAnswerValue checks the shape of a submitted value for a question type.
// optionCount bounds multiple_choice indexes.
func ValidateAnswerValue(questionType string, value json.RawMessage, optionCount int) error {
	if isEmptyValue(value) {
		return Invalid("answer", "value", "answer value is required")
	}
	switch questionType {
	case TypeMultipleChoice:
		idx, ok := parseOptionIndex(value)
		if !ok {
			return Invalid("answer", "value", "multiple_choice answer must be an option index")
		}
		if idx < 0 || idx >= optionCount {
			return Invalid("answer", "value", fmt.Sprintf("option index must be between 0 and %d", optionCount-1))
		}
	case TypeTrueFalse:
		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			return Invalid("answer", "value", "true_false answer must be a boolean")
		}
	case TypeOpenAnswer:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return Invalid("answer", "value", "open_answer answer must be text")
		}
	case TypeMatching:
		var pairs map[string]string
		if err := json.Unmarshal(value, &pairs); err != nil {
			return Invalid("answer", "value", "matching answer must map left items to right items")
		}
	default:
		return Invalid("question", "question_type", "unknown question type")
	}
	return nil
}

func parseOptionIndex(raw json.RawMessage) (int, bool) {
	if isEmptyValue(raw) {
		return 0, false
	}
	var idx int
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, false
	}
	return idx, true
}

func isEmptyValue(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func right(points float64) GradeResult {
	return GradeResult{IsCorrect: boolPtr(true), PointsEarned: floatPtr(points), Reason: "correct"}
}

func wrong(reason string) GradeResult {
	return GradeResult{IsCorrect: boolPtr(false), PointsEarned: floatPtr(0), Reason: reason}
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }
