// Package access holds the row-level authorization rules. Each predicate
// receives the caller's session and the facts of the row being touched;
// services call them after loading a row and report a denial as "not found".
package access

import "examhall/internal/auth"

const StatusActive = "active"

// ExamFacts are the exam columns the rules depend on.
type ExamFacts struct {
	CreatorID int64
	Status    string
}

// AttemptFacts carries the attempt owner and its parent exam.
type AttemptFacts struct {
	StudentID int64
	Exam      ExamFacts
}

func authenticated(sess auth.Session) bool {
	return sess.UserID > 0
}

// CanAccessProfile: a profile is readable and writable only by its own identity.
func CanAccessProfile(sess auth.Session, profileUserID int64) bool {
	return authenticated(sess) && sess.UserID == profileUserID
}

// CanCreateExam reports whether the caller may author exams at all.
func CanCreateExam(sess auth.Session) bool {
	return authenticated(sess) && sess.IsStaff()
}

// CanManageExam: only the creator, holding teacher or admin role.
func CanManageExam(sess auth.Session, exam ExamFacts) bool {
	return CanCreateExam(sess) && exam.CreatorID == sess.UserID
}

// CanReadExam: anyone, including anonymous callers, while the exam is active.
func CanReadExam(sess auth.Session, exam ExamFacts) bool {
	return exam.Status == StatusActive || CanManageExam(sess, exam)
}

func CanManageQuestion(sess auth.Session, exam ExamFacts) bool {
	return CanManageExam(sess, exam)
}

func CanReadQuestion(sess auth.Session, exam ExamFacts) bool {
	return exam.Status == StatusActive || CanManageQuestion(sess, exam)
}

// CanManageAttempt: only the student who owns the attempt.
func CanManageAttempt(sess auth.Session, attempt AttemptFacts) bool {
	return authenticated(sess) && attempt.StudentID == sess.UserID
}

// CanReadAttempt: the owner, or the creator of the exam.
func CanReadAttempt(sess auth.Session, attempt AttemptFacts) bool {
	return CanManageAttempt(sess, attempt) || CanManageExam(sess, attempt.Exam)
}

// Answers follow their parent attempt.
func CanManageAnswer(sess auth.Session, attempt AttemptFacts) bool {
	return CanManageAttempt(sess, attempt)
}

func CanReadAnswer(sess auth.Session, attempt AttemptFacts) bool {
	return CanReadAttempt(sess, attempt)
}
