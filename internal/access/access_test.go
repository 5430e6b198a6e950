package access

import (
	"testing"

	"examhall/internal/auth"
)

var (
	anon     = auth.Session{}
	teacher  = auth.Session{UserID: 1, Role: auth.RoleTeacher}
	admin    = auth.Session{UserID: 2, Role: auth.RoleAdmin}
	student  = auth.Session{UserID: 3, Role: auth.RoleStudent}
	student2 = auth.Session{UserID: 4, Role: auth.RoleStudent}
	teacher2 = auth.Session{UserID: 5, Role: auth.RoleTeacher}
)

func TestCanAccessProfile(t *testing.T) {
	if !CanAccessProfile(student, 3) {
		t.Fatalf("owner must access own profile")
	}
	if CanAccessProfile(student, 4) || CanAccessProfile(admin, 3) {
		t.Fatalf("profiles are own-only, even for admins")
	}
	if CanAccessProfile(anon, 0) {
		t.Fatalf("anonymous caller must not match the zero id")
	}
}

func TestExamRules(t *testing.T) {
	draft := ExamFacts{CreatorID: 1, Status: "draft"}
	active := ExamFacts{CreatorID: 1, Status: "active"}
	byAdmin := ExamFacts{CreatorID: 2, Status: "inactive"}
	byStudent := ExamFacts{CreatorID: 3, Status: "draft"}

	tests := []struct {
		name   string
		sess   auth.Session
		exam   ExamFacts
		manage bool
		read   bool
	}{
		{"creator draft", teacher, draft, true, true},
		{"other teacher draft", teacher2, draft, false, false},
		{"student draft", student, draft, false, false},
		{"anonymous active", anon, active, false, true},
		{"student active", student, active, false, true},
		{"admin own", admin, byAdmin, true, true},
		{"admin not creator", admin, draft, false, false},
		{"student creator id", student, byStudent, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanManageExam(tc.sess, tc.exam); got != tc.manage {
				t.Fatalf("CanManageExam = %v, want %v", got, tc.manage)
			}
			if got := CanReadExam(tc.sess, tc.exam); got != tc.read {
				t.Fatalf("CanReadExam = %v, want %v", got, tc.read)
			}
			if got := CanManageQuestion(tc.sess, tc.exam); got != tc.manage {
				t.Fatalf("CanManageQuestion = %v, want %v", got, tc.manage)
			}
			if got := CanReadQuestion(tc.sess, tc.exam); got != tc.read {
				t.Fatalf("CanReadQuestion = %v, want %v", got, tc.read)
			}
		})
	}
}

func TestAttemptAndAnswerRules(t *testing.T) {
	att := AttemptFacts{StudentID: 3, Exam: ExamFacts{CreatorID: 1, Status: "inactive"}}

	if !CanManageAttempt(student, att) || !CanManageAnswer(student, att) {
		t.Fatalf("owner must manage attempt and answers")
	}
	if CanManageAttempt(teacher, att) || CanManageAnswer(teacher, att) {
		t.Fatalf("exam creator must not manage a student's attempt")
	}
	if !CanReadAttempt(teacher, att) || !CanReadAnswer(teacher, att) {
		t.Fatalf("exam creator must read attempts")
	}
	if CanReadAttempt(student2, att) || CanReadAnswer(teacher2, att) {
		t.Fatalf("strangers must not read attempts")
	}
	if CanReadAttempt(anon, att) {
		t.Fatalf("anonymous must not read attempts")
	}
}

func TestCanCreateExam(t *testing.T) {
	if !CanCreateExam(teacher) || !CanCreateExam(admin) {
		t.Fatalf("staff may create exams")
	}
	if CanCreateExam(student) || CanCreateExam(anon) {
		t.Fatalf("students and anonymous callers may not create exams")
	}
}
