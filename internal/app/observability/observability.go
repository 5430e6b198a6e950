// Package observability owns the prometheus registry and the access log.
package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"examhall/internal/auth"
)

const namespace = "examhall"

type Collector struct {
	log      *zap.Logger
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	attemptsStarted   prometheus.Counter
	attemptsSubmitted *prometheus.CounterVec
	answersSaved      prometheus.Counter
	answersGraded     prometheus.Counter
}

// NewCollector registers the HTTP and domain metrics on a private registry.
// db may be nil; otherwise its pool statistics are exported too.
func NewCollector(db *sql.DB, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Collector{
		log:      log,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "path"}),
		attemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_started_total",
			Help:      "Exam attempts created.",
		}),
		attemptsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_submitted_total",
			Help:      "Exam attempts finalized; forced=true when the time limit ran out.",
		}, []string{"forced"}),
		answersSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_saved_total",
			Help:      "Answer upserts accepted.",
		}),
		answersGraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_graded_total",
			Help:      "Answers graded by hand.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.latency,
		c.attemptsStarted,
		c.attemptsSubmitted,
		c.answersSaved,
		c.answersGraded,
	)
	if db != nil {
		c.registry.MustRegister(collectors.NewDBStatsCollector(db, namespace))
	}
	return c
}

func (c *Collector) AttemptStarted() { c.attemptsStarted.Inc() }

func (c *Collector) AttemptSubmitted(forced bool) {
	c.attemptsSubmitted.WithLabelValues(strconv.FormatBool(forced)).Inc()
}

func (c *Collector) AnswerSaved() { c.answersSaved.Inc() }

func (c *Collector) AnswerGraded() { c.answersGraded.Inc() }

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

type requestTags struct {
	userID int64
}

type tagsKey struct{}

// Middleware records metrics and writes one access log line per request.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		tags := &requestTags{}
		r = r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		path := routePattern(r)

		c.requests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		c.latency.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		c.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("user_id", tags.userID),
			zap.Int64("attempt_id", extractAttemptID(r.URL.Path)),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
			zap.String("remote_ip", strings.TrimSpace(r.RemoteAddr)),
		)
	})
}

// TagSession copies the authenticated user onto the access log entry. It
// must run after the auth middleware.
func TagSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tags, ok := r.Context().Value(tagsKey{}).(*requestTags); ok {
			if sess, ok := auth.CurrentSession(r.Context()); ok {
				tags.userID = sess.UserID
			}
		}
		next.ServeHTTP(w, r)
	})
}

// routePattern prefers the matched chi pattern so label cardinality stays
// bounded; unmatched paths fall back to numeric-segment normalization.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizedPath(r.URL.Path)
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractAttemptID(path string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "attempts" {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
