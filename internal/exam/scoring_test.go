package exam

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestGrade_MultipleChoice(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		submitted string
		points    float64
		reason    string
		earned    float64
	}{
		{name: "correct index", key: `1`, submitted: `1`, points: 2, reason: "correct", earned: 2},
		{name: "wrong index", key: `1`, submitted: `0`, points: 2, reason: "wrong", earned: 0},
		{name: "unanswered nil", key: `1`, submitted: ``, points: 2, reason: "unanswered", earned: 0},
		{name: "unanswered null", key: `1`, submitted: `null`, points: 2, reason: "unanswered", earned: 0},
		{name: "string payload", key: `1`, submitted: `"1"`, points: 2, reason: "malformed_payload", earned: 0},
		{name: "fractional payload", key: `1`, submitted: `1.5`, points: 2, reason: "malformed_payload", earned: 0},
		{name: "malformed key", key: `"B"`, submitted: `1`, points: 2, reason: "malformed_answer_key", earned: 0},
		{name: "no partial credit", key: `3`, submitted: `2`, points: 10, reason: "wrong", earned: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Grade(GradeInput{
				QuestionType: TypeMultipleChoice,
				Points:       tc.points,
				Submitted:    raw(tc.submitted),
				Correct:      raw(tc.key),
			})
			assertGrade(t, got, tc.reason, boolPtr(tc.reason == "correct"), floatPtr(tc.earned))
		})
	}
}

func TestGrade_TrueFalse(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		submitted string
		reason    string
		earned    float64
	}{
		{name: "true matches", key: `true`, submitted: `true`, reason: "correct", earned: 1.5},
		{name: "false against true", key: `true`, submitted: `false`, reason: "wrong", earned: 0},
		{name: "false matches", key: `false`, submitted: `false`, reason: "correct", earned: 1.5},
		{name: "number payload", key: `true`, submitted: `1`, reason: "malformed_payload", earned: 0},
		{name: "unanswered", key: `true`, submitted: ``, reason: "unanswered", earned: 0},
		{name: "missing key", key: ``, submitted: `true`, reason: "malformed_answer_key", earned: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Grade(GradeInput{
				QuestionType: TypeTrueFalse,
				Points:       1.5,
				Submitted:    raw(tc.submitted),
				Correct:      raw(tc.key),
			})
			assertGrade(t, got, tc.reason, boolPtr(tc.reason == "correct"), floatPtr(tc.earned))
		})
	}
}

func TestGrade_ManualTypesNeverAutoScored(t *testing.T) {
	for _, qType := range []string{TypeOpenAnswer, TypeMatching} {
		for _, submitted := range []string{``, `"some text"`, `{"a":"1"}`} {
			got := Grade(GradeInput{
				QuestionType: qType,
				Points:       3,
				Submitted:    raw(submitted),
				Correct:      raw(`"some text"`),
			})
			assertGrade(t, got, "manual", nil, nil)
		}
	}
}

func TestSummarize(t *testing.T) {
	items := []GradedQuestion{
		{QuestionID: 1, Points: 2, Result: Grade(GradeInput{QuestionType: TypeMultipleChoice, Points: 2, Submitted: raw(`1`), Correct: raw(`1`)})},
		{QuestionID: 2, Points: 3, Result: Grade(GradeInput{QuestionType: TypeOpenAnswer, Points: 3, Submitted: raw(`"some text"`)})},
		{QuestionID: 3, Points: 1, Result: Grade(GradeInput{QuestionType: TypeTrueFalse, Points: 1, Correct: raw(`true`)})},
	}

	score, total := Summarize(items)
	if score != 2 || total != 6 {
		t.Fatalf("expected score=2 total=6, got score=%v total=%v", score, total)
	}
}

func TestValidateAnswerValue(t *testing.T) {
	tests := []struct {
		name    string
		qType   string
		value   string
		options int
		ok      bool
	}{
		{"mc in range", TypeMultipleChoice, `2`, 3, true},
		{"mc out of range", TypeMultipleChoice, `3`, 3, false},
		{"mc negative", TypeMultipleChoice, `-1`, 3, false},
		{"mc text", TypeMultipleChoice, `"A"`, 3, false},
		{"tf bool", TypeTrueFalse, `false`, 0, true},
		{"tf string", TypeTrueFalse, `"false"`, 0, false},
		{"open text", TypeOpenAnswer, `"because"`, 0, true},
		{"open number", TypeOpenAnswer, `42`, 0, false},
		{"matching pairs", TypeMatching, `{"cat":"meow","dog":"woof"}`, 0, true},
		{"matching list", TypeMatching, `["cat"]`, 0, false},
		{"empty", TypeOpenAnswer, ``, 0, false},
		{"null", TypeTrueFalse, `null`, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAnswerValue(tc.qType, raw(tc.value), tc.options)
			if tc.ok && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected ErrValidationFailed, got %v", err)
			}
		})
	}
}

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func assertGrade(t *testing.T, got GradeResult, reason string, isCorrect *bool, earned *float64) {
	t.Helper()
	if got.Reason != reason {
		t.Fatalf("reason mismatch: expected %q, got %q", reason, got.Reason)
	}
	switch {
	case isCorrect == nil && got.IsCorrect != nil:
		t.Fatalf("expected nil is_correct, got %v", *got.IsCorrect)
	case isCorrect != nil && (got.IsCorrect == nil || *got.IsCorrect != *isCorrect):
		t.Fatalf("is_correct mismatch: expected %v, got %v", *isCorrect, got.IsCorrect)
	}
	switch {
	case earned == nil && got.PointsEarned != nil:
		t.Fatalf("expected nil points, got %v", *got.PointsEarned)
	case earned != nil && (got.PointsEarned == nil || *got.PointsEarned != *earned):
		t.Fatalf("points mismatch: expected %v, got %v", *earned, got.PointsEarned)
	}
}
