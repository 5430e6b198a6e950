package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"examhall/internal/auth"
)

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/attempts/123/answers/9")
	want := "/api/v1/attempts/{id}/answers/{id}"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
}

func TestExtractAttemptID(t *testing.T) {
	if id := extractAttemptID("/api/v1/attempts/456/submit"); id != 456 {
		t.Fatalf("expected 456, got %d", id)
	}
	if id := extractAttemptID("/api/v1/exams/1"); id != 0 {
		t.Fatalf("expected 0 for non-attempt path, got %d", id)
	}
}

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(nil, zap.New(core))

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := &auth.Session{UserID: 42, Role: auth.RoleStudent}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), sess)))
		})
	}, TagSession).Post("/api/v1/attempts/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, id := range []string{"7", "8"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/"+id+"/submit", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(c.requests.WithLabelValues(http.MethodPost, "/api/v1/attempts/{id}/submit", "409"))
	if got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 access log lines, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != int64(42) || fields["attempt_id"] != int64(7) {
		t.Fatalf("unexpected log fields %+v", fields)
	}
}

func TestDomainRecorder(t *testing.T) {
	c := NewCollector(nil, nil)
	c.AttemptStarted()
	c.AttemptSubmitted(false)
	c.AttemptSubmitted(true)
	c.AttemptSubmitted(true)
	c.AnswerSaved()
	c.AnswerGraded()

	if v := testutil.ToFloat64(c.attemptsSubmitted.WithLabelValues("true")); v != 2 {
		t.Fatalf("expected 2 forced submits, got %v", v)
	}

	w := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, name := range []string{"examhall_attempts_started_total 1", "examhall_answers_saved_total 1", "examhall_answers_graded_total 1"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
}
