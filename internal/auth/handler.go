package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examhall/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const sessionContextKey contextKey = "auth_session"

const SessionCookieName = "examhall_session"

type Handler struct {
	svc          *Service
	secureCookie bool
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type bootstrapRequest struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type updateProfileRequest struct {
	FullName string `json:"full_name"`
}

type sessionResponse struct {
	Profile   *Profile  `json:"profile"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewHandler(svc *Service, secureCookie bool) *Handler {
	return &Handler{svc: svc, secureCookie: secureCookie}
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	// Admins are only created through the bootstrap endpoint.
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role != "" && role != RoleStudent && role != RoleTeacher {
		apiresp.WriteError(w, r, http.StatusBadRequest, "role must be student or teacher")
		return
	}

	profile, err := h.svc.SignUp(r.Context(), SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Metadata: Metadata{FullName: req.FullName, Role: role},
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusCreated, profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.svc.AuthenticatePassword(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusOK, profile)
}

func (h *Handler) BootstrapAdmin(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.svc.BootstrapAdmin(r.Context(), req.Token, SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Metadata: Metadata{FullName: req.FullName},
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, profile)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if sess, err := h.svc.SessionFromToken(r.Context(), readSessionToken(r)); err == nil {
		_ = h.svc.RevokeSession(r.Context(), sess.SessionID)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	profile, err := h.svc.GetProfile(r.Context(), *sess, sess.UserID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, profile)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid profile id")
		return
	}

	profile, err := h.svc.GetProfile(r.Context(), *sess, userID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, profile)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := CurrentSession(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid profile id")
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.svc.UpdateProfile(r.Context(), *sess, userID, req.FullName)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, profile)
}

func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.svc.SessionFromToken(r.Context(), readSessionToken(r))
		if err != nil {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
	})
}

// OptionalAuth attaches the session when the request carries a valid token
// and otherwise lets the request through anonymously.
func (h *Handler) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := readSessionToken(r)
		if token != "" {
			if sess, err := h.svc.SessionFromToken(r.Context(), token); err == nil {
				r = r.WithContext(ContextWithSession(r.Context(), sess))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := CurrentSession(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, exists := allowed[sess.Role]; !exists {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CurrentSession(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*Session)
	return s, ok && s != nil
}

// ContextWithSession injects an authenticated session into context.
// Handlers under test use it to skip RequireAuth.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

func (h *Handler) respondWithSession(w http.ResponseWriter, r *http.Request, status int, profile *Profile) {
	token, expiresAt, err := h.svc.CreateSession(r.Context(), profile.UserID, readIP(r), r.UserAgent())
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "cannot create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	apiresp.WriteOK(w, r, status, sessionResponse{Profile: profile, Token: token, ExpiresAt: expiresAt})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEmailTaken):
		apiresp.WriteError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, ErrInvalidCredentials):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrUnauthorized):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrBootstrapDenied):
		apiresp.WriteError(w, r, http.StatusForbidden, "bootstrap denied")
	case errors.Is(err, ErrProfileNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, "profile not found")
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// readSessionToken accepts either the session cookie or a bearer token.
func readSessionToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func readIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return strings.TrimSpace(r.RemoteAddr)
}
