package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"examhall/internal/db/dbtest"
	"examhall/internal/storage"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	blobs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	h := NewRouter(Config{
		AppEnv:              "test",
		JWTSecret:           "router-test-secret",
		SessionTTLHours:     1,
		AuthRateLimitPerMin: 100,
		BootstrapToken:      "boot",
	}, Deps{DB: dbtest.Open(t), Blobs: blobs})
	return &testServer{t: t, handler: h}
}

func (s *testServer) do(method, path, token, body string) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			s.t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr, env
}

func (s *testServer) expect(method, path, token, body string, status int, out interface{}) envelope {
	s.t.Helper()
	rr, env := s.do(method, path, token, body)
	if rr.Code != status {
		s.t.Fatalf("%s %s: expected %d, got %d (%s)", method, path, status, rr.Code, rr.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			s.t.Fatalf("decode data of %s %s: %v", method, path, err)
		}
	}
	return env
}

func (s *testServer) signUp(email, role string) string {
	s.t.Helper()
	var sess struct {
		Token string `json:"token"`
	}
	body := `{"email":"` + email + `","password":"password1","full_name":"T","role":"` + role + `"}`
	s.expect(http.MethodPost, "/api/v1/auth/signup", "", body, http.StatusCreated, &sess)
	return sess.Token
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestRouterHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.expect(http.MethodGet, "/healthz", "", "", http.StatusOK, nil)

	rr, _ := s.do(http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "examhall_http_requests_total") {
		t.Fatalf("metrics not served: %d", rr.Code)
	}

	_, env := s.do(http.MethodGet, "/api/v1/nowhere", "", "")
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Fatalf("unexpected not found payload %+v", env.Error)
	}
}

func TestRouterRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/auth/me", "/api/v1/exams", "/api/v1/attempts/1"} {
		s.expect(http.MethodGet, path, "", "", http.StatusUnauthorized, nil)
	}
	student := s.signUp("s@example.test", "student")
	s.expect(http.MethodPost, "/api/v1/exams", student, `{"title":"x"}`, http.StatusForbidden, nil)
	s.expect(http.MethodGet, "/api/v1/exams/lookup?code=NOPE1234", "", "", http.StatusNotFound, nil)
}

func TestRouterExamFlow(t *testing.T) {
	s := newTestServer(t)
	teacher := s.signUp("t@example.test", "teacher")
	student := s.signUp("s@example.test", "student")

	var ex struct {
		ID         int64  `json:"id"`
		AccessCode string `json:"access_code"`
	}
	s.expect(http.MethodPost, "/api/v1/exams", teacher,
		`{"title":"Arithmetic","max_attempts":1,"show_results_immediately":true}`, http.StatusCreated, &ex)
	examPath := "/api/v1/exams/" + itoa(ex.ID)

	var q struct {
		ID int64 `json:"id"`
	}
	s.expect(http.MethodPost, examPath+"/questions", teacher,
		`{"question_text":"2+2?","question_type":"multiple_choice","points":2,"options":["3","4"],"correct_answer":1}`,
		http.StatusCreated, &q)

	// Drafts are invisible to anonymous callers.
	s.expect(http.MethodGet, "/api/v1/exams/lookup?code="+ex.AccessCode, "", "", http.StatusNotFound, nil)
	s.expect(http.MethodGet, examPath, "", "", http.StatusNotFound, nil)
	s.expect(http.MethodPost, examPath+"/status", teacher, `{"status":"active"}`, http.StatusOK, nil)
	s.expect(http.MethodGet, "/api/v1/exams/lookup?code="+strings.ToLower(ex.AccessCode), "", "", http.StatusOK, nil)
	s.expect(http.MethodGet, examPath, "", "", http.StatusOK, nil)

	var questions []map[string]json.RawMessage
	s.expect(http.MethodGet, examPath+"/questions", student, "", http.StatusOK, &questions)
	if len(questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(questions))
	}
	if _, leaked := questions[0]["correct_answer"]; leaked {
		t.Fatalf("answer key leaked to student")
	}

	var att struct {
		ID int64 `json:"id"`
	}
	s.expect(http.MethodPost, examPath+"/attempts", student, "", http.StatusOK, &att)
	attemptPath := "/api/v1/attempts/" + itoa(att.ID)

	s.expect(http.MethodPut, attemptPath+"/answers/"+itoa(q.ID), student, `{"value":0}`, http.StatusOK, nil)
	s.expect(http.MethodPut, attemptPath+"/answers/"+itoa(q.ID), student, `{"value":1}`, http.StatusOK, nil)

	var graded struct {
		Attempt struct {
			Score       *float64 `json:"score"`
			TotalPoints *float64 `json:"total_points"`
		} `json:"attempt"`
	}
	s.expect(http.MethodPost, attemptPath+"/submit", student, "", http.StatusOK, &graded)
	if graded.Attempt.Score == nil || *graded.Attempt.Score != 2 {
		t.Fatalf("expected score 2, got %+v", graded.Attempt.Score)
	}

	env := s.expect(http.MethodPost, attemptPath+"/submit", student, "", http.StatusConflict, nil)
	if env.Error.Code != "already_completed" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	env = s.expect(http.MethodPost, examPath+"/attempts", student, "", http.StatusConflict, nil)
	if env.Error.Code != "limit_reached" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	var result struct {
		FinalScore float64 `json:"final_score"`
	}
	s.expect(http.MethodGet, attemptPath+"/result", student, "", http.StatusOK, &result)
	if result.FinalScore != 2 {
		t.Fatalf("expected final score 2, got %v", result.FinalScore)
	}

	var summary struct {
		CompletedAttempts int     `json:"completed_attempts"`
		AverageScore      float64 `json:"average_score"`
	}
	s.expect(http.MethodGet, examPath+"/report", teacher, "", http.StatusOK, &summary)
	if summary.CompletedAttempts != 1 || summary.AverageScore != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rr, _ := s.do(http.MethodGet, examPath+"/report.xlsx", teacher, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Header().Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("xlsx export failed: %d %q", rr.Code, rr.Header().Get("Content-Disposition"))
	}
	s.expect(http.MethodGet, examPath+"/report", student, "", http.StatusForbidden, nil)

	env = s.expect(http.MethodPut, "/api/v1/questions/"+itoa(q.ID), teacher, `{"question_text":"x","question_type":"open_answer","points":1}`, http.StatusConflict, nil)
	if env.Error.Code != "locked" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}
