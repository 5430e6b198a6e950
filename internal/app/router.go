package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"examhall/internal/app/apiresp"
	"examhall/internal/app/observability"
	"examhall/internal/auth"
	"examhall/internal/exam"
	"examhall/internal/question"
	"examhall/internal/report"
	"examhall/internal/storage"
)

// Deps are the long-lived resources the router wires into services.
type Deps struct {
	DB      *sql.DB
	Blobs   storage.Blob
	Logger  *zap.Logger
	Metrics *observability.Collector
}

func NewRouter(cfg Config, deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewCollector(deps.DB, log)
	}

	authSvc := auth.NewService(deps.DB, auth.ServiceConfig{
		SessionTTL:     cfg.SessionTTL(),
		JWTSecret:      cfg.JWTSecret,
		BootstrapToken: cfg.BootstrapToken,
		Logger:         log.Named("auth"),
	})
	authHandler := auth.NewHandler(authSvc, cfg.IsProduction())

	examSvc := exam.NewService(deps.DB,
		exam.WithLogger(log.Named("exam")),
		exam.WithRecorder(metrics),
	)
	examHandler := exam.NewHandler(examSvc)

	questionHandler := question.NewHandler(question.NewService(deps.DB, deps.Blobs,
		question.WithLogger(log.Named("question")),
	))
	reportHandler := report.NewHandler(report.NewService(examSvc))

	authLimiter := NewKeyedRateLimiter(cfg.AuthRateLimitPerMin)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrfHeaderName},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(CSRFMiddleware(cfg.CSRFEnforced))

	r.Get("/healthz", healthz(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(RateLimitMiddleware(authLimiter))
			public.Post("/auth/signup", authHandler.SignUp)
			public.Post("/auth/login", authHandler.Login)
			public.Post("/bootstrap/admin", authHandler.BootstrapAdmin)
		})

		api.Group(func(open chi.Router) {
			open.Use(authHandler.OptionalAuth, observability.TagSession)
			open.Get("/exams/lookup", examHandler.Lookup)
			open.Get("/exams/{id}", examHandler.GetExam)
			open.Get("/exams/{id}/questions", questionHandler.List)
			open.Get("/questions/{id}/image", questionHandler.Image)
		})

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth, observability.TagSession)
			secure.Post("/auth/logout", authHandler.Logout)
			secure.Get("/auth/me", authHandler.Me)
			secure.Get("/profiles/{id}", authHandler.GetProfile)
			secure.Patch("/profiles/{id}", authHandler.UpdateProfile)

			secure.Get("/exams", examHandler.ListExams)
			secure.Post("/exams/{id}/attempts", examHandler.StartAttempt)
			secure.Get("/exams/{id}/attempts", examHandler.ListAttempts)

			secure.Get("/attempts/{id}", examHandler.GetAttempt)
			secure.Get("/attempts/{id}/answers", examHandler.ListAnswers)
			secure.Put("/attempts/{id}/answers/{questionID}", examHandler.SaveAnswer)
			secure.Post("/attempts/{id}/submit", examHandler.Submit)
			secure.Get("/attempts/{id}/result", examHandler.Result)

			secure.Group(func(staff chi.Router) {
				staff.Use(auth.RequireRoles(auth.RoleTeacher, auth.RoleAdmin))
				staff.Post("/exams", examHandler.CreateExam)
				staff.Put("/exams/{id}", examHandler.UpdateExam)
				staff.Delete("/exams/{id}", examHandler.DeleteExam)
				staff.Post("/exams/{id}/status", examHandler.SetStatus)
				staff.Post("/exams/{id}/access-code", examHandler.RegenerateAccessCode)

				staff.Post("/exams/{id}/questions", questionHandler.Create)
				staff.Post("/exams/{id}/questions/reorder", questionHandler.Reorder)
				staff.Put("/questions/{id}", questionHandler.Update)
				staff.Delete("/questions/{id}", questionHandler.Delete)
				staff.Put("/questions/{id}/image", questionHandler.UploadImage)

				staff.Put("/answers/{id}/grade", examHandler.GradeAnswer)
				staff.Get("/exams/{id}/report", reportHandler.Summary)
				staff.Get("/exams/{id}/report.xlsx", reportHandler.ExportXLSX)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func healthz(conn *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if conn != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := conn.PingContext(ctx); err != nil {
				apiresp.WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
