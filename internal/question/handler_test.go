package question

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"examhall/internal/auth"
	"examhall/internal/exam"
	"examhall/internal/storage"

	"github.com/go-chi/chi/v5"
)

type mockQuestionService struct {
	createFn   func(ctx context.Context, sess auth.Session, examID int64, in Input) (*Question, error)
	updateFn   func(ctx context.Context, sess auth.Session, questionID int64, in Input) (*Question, error)
	deleteFn   func(ctx context.Context, sess auth.Session, questionID int64) error
	reorderFn  func(ctx context.Context, sess auth.Session, examID int64, ids []int64) ([]Question, error)
	listFn     func(ctx context.Context, sess auth.Session, examID int64) ([]Question, error)
	setImageFn func(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error)
	openFn     func(ctx context.Context, sess auth.Session, questionID int64) (io.ReadCloser, storage.ObjectInfo, error)
}

func (m *mockQuestionService) CreateQuestion(ctx context.Context, sess auth.Session, examID int64, in Input) (*Question, error) {
	if m.createFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createFn(ctx, sess, examID, in)
}

func (m *mockQuestionService) UpdateQuestion(ctx context.Context, sess auth.Session, questionID int64, in Input) (*Question, error) {
	if m.updateFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.updateFn(ctx, sess, questionID, in)
}

func (m *mockQuestionService) DeleteQuestion(ctx context.Context, sess auth.Session, questionID int64) error {
	if m.deleteFn == nil {
		return errors.New("not implemented")
	}
	return m.deleteFn(ctx, sess, questionID)
}

func (m *mockQuestionService) ReorderQuestions(ctx context.Context, sess auth.Session, examID int64, ids []int64) ([]Question, error) {
	if m.reorderFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.reorderFn(ctx, sess, examID, ids)
}

func (m *mockQuestionService) ListQuestions(ctx context.Context, sess auth.Session, examID int64) ([]Question, error) {
	if m.listFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listFn(ctx, sess, examID)
}

func (m *mockQuestionService) SetQuestionImage(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error) {
	if m.setImageFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.setImageFn(ctx, sess, questionID, contentType, r, size)
}

func (m *mockQuestionService) OpenQuestionImage(ctx context.Context, sess auth.Session, questionID int64) (io.ReadCloser, storage.ObjectInfo, error) {
	if m.openFn == nil {
		return nil, storage.ObjectInfo{}, errors.New("not implemented")
	}
	return m.openFn(ctx, sess, questionID)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withSession(r *http.Request, id int64, role string) *http.Request {
	return r.WithContext(auth.ContextWithSession(r.Context(), &auth.Session{UserID: id, Role: role}))
}

func TestListAllowsAnonymous(t *testing.T) {
	var gotSess auth.Session
	h := NewHandler(&mockQuestionService{
		listFn: func(ctx context.Context, sess auth.Session, examID int64) ([]Question, error) {
			gotSess = sess
			return []Question{{ID: 1, ExamID: examID}}, nil
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/3/questions", nil)
	req = withChiParam(req, "id", "3")
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotSess.UserID != 0 {
		t.Fatalf("expected anonymous session, got %+v", gotSess)
	}
}

func TestCreatePassesBody(t *testing.T) {
	var got Input
	var gotExam int64
	h := NewHandler(&mockQuestionService{
		createFn: func(ctx context.Context, sess auth.Session, examID int64, in Input) (*Question, error) {
			got, gotExam = in, examID
			return &Question{ID: 8, ExamID: examID}, nil
		},
	})
	payload := `{"question_text":"2+2?","question_type":"multiple_choice","points":2,"options":["3","4"],"correct_answer":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/3/questions", strings.NewReader(payload))
	req = withChiParam(req, "id", "3")
	req = withSession(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	if gotExam != 3 || got.Text != "2+2?" || len(got.Options) != 2 || string(got.CorrectAnswer) != "1" {
		t.Fatalf("unexpected input: exam=%d %+v", gotExam, got)
	}
}

func TestUpdateLockedConflicts(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		updateFn: func(ctx context.Context, sess auth.Session, questionID int64, in Input) (*Question, error) {
			return nil, exam.Locked("question", "questions cannot change after students have started the exam")
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/questions/4", strings.NewReader(`{"question_text":"x"}`))
	req = withChiParam(req, "id", "4")
	req = withSession(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.Update(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestReorderPassesIDs(t *testing.T) {
	var got []int64
	h := NewHandler(&mockQuestionService{
		reorderFn: func(ctx context.Context, sess auth.Session, examID int64, ids []int64) ([]Question, error) {
			got = ids
			return []Question{}, nil
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/3/questions/reorder", strings.NewReader(`{"question_ids":[3,1,2]}`))
	req = withChiParam(req, "id", "3")
	req = withSession(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.Reorder(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(got) != 3 || got[0] != 3 || got[2] != 2 {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestUploadImageTooLarge(t *testing.T) {
	called := false
	h := NewHandler(&mockQuestionService{
		setImageFn: func(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error) {
			called = true
			return &Question{}, nil
		},
	})
	body := bytes.Repeat([]byte{0xff}, MaxImageBytes+1)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/questions/4/image", bytes.NewReader(body))
	req.Header.Set("Content-Type", "image/png")
	req = withChiParam(req, "id", "4")
	req = withSession(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.UploadImage(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if called {
		t.Fatalf("service should not be called for oversize body")
	}
}

func TestUploadImageUnsupportedType(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		setImageFn: func(ctx context.Context, sess auth.Session, questionID int64, contentType string, r io.Reader, size int64) (*Question, error) {
			return nil, exam.Invalid("question", "image", "image must be png, jpeg, gif or webp")
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/questions/4/image", strings.NewReader("<svg/>"))
	req.Header.Set("Content-Type", "image/svg+xml")
	req = withChiParam(req, "id", "4")
	req = withSession(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.UploadImage(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
}

func TestImageStreamsBytes(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		openFn: func(ctx context.Context, sess auth.Session, questionID int64) (io.ReadCloser, storage.ObjectInfo, error) {
			return io.NopCloser(strings.NewReader("GIF89a")), storage.ObjectInfo{Size: 6, ContentType: "image/gif"}, nil
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/questions/4/image", nil)
	req = withChiParam(req, "id", "4")
	w := httptest.NewRecorder()

	h.Image(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/gif" || w.Body.String() != "GIF89a" {
		t.Fatalf("unexpected response %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}
}
