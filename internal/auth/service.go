package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"examhall/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrBootstrapDenied    = errors.New("bootstrap denied")
)

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

const defaultFullName = "New user"

// Session identifies the caller of a service operation. It is built from a
// verified session token and passed explicitly to every service call.
type Session struct {
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
	SessionID string `json:"-"`
}

// IsStaff reports whether the session may author exams.
func (s Session) IsStaff() bool {
	return s.Role == RoleTeacher || s.Role == RoleAdmin
}

type Profile struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is the signup payload the identity hook consumes.
type Metadata struct {
	FullName string
	Role     string
}

type SignUpInput struct {
	Email    string
	Password string
	Metadata Metadata
}

// IdentityHook runs inside the signup transaction right after the user row exists.
type IdentityHook func(ctx context.Context, tx *sql.Tx, userID int64, meta Metadata, now time.Time) error

// UpdateHook runs inside an update transaction after the row has been changed.
type UpdateHook func(ctx context.Context, tx *sql.Tx, userID int64, now time.Time) error

type Service struct {
	db             *sql.DB
	log            *zap.Logger
	sessionTTL     time.Duration
	bcryptCost     int
	jwtSecret      []byte
	bootstrapToken string
	now            func() time.Time

	afterIdentityCreated IdentityHook
	afterProfileUpdated  UpdateHook
}

type ServiceConfig struct {
	SessionTTL     time.Duration
	BcryptCost     int
	JWTSecret      string
	BootstrapToken string
	Logger         *zap.Logger
	Now            func() time.Time

	// AfterIdentityCreated defaults to CreateProfile.
	AfterIdentityCreated IdentityHook
	// AfterProfileUpdated defaults to TouchProfile.
	AfterProfileUpdated UpdateHook
}

func NewService(conn *sql.DB, cfg ServiceConfig) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterIdentityCreated == nil {
		cfg.AfterIdentityCreated = CreateProfile
	}
	if cfg.AfterProfileUpdated == nil {
		cfg.AfterProfileUpdated = TouchProfile
	}
	secret := cfg.JWTSecret
	if strings.TrimSpace(secret) == "" {
		cfg.Logger.Warn("JWT secret not configured, using an ephemeral one")
		secret = uuid.NewString() + uuid.NewString()
	}

	return &Service{
		db:                   conn,
		log:                  cfg.Logger,
		sessionTTL:           cfg.SessionTTL,
		bcryptCost:           cfg.BcryptCost,
		jwtSecret:            []byte(secret),
		bootstrapToken:       strings.TrimSpace(cfg.BootstrapToken),
		now:                  cfg.Now,
		afterIdentityCreated: cfg.AfterIdentityCreated,
		afterProfileUpdated:  cfg.AfterProfileUpdated,
	}
}

// SignUp creates an identity and, in the same transaction, its profile.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Profile, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if r := strings.TrimSpace(in.Metadata.Role); r != "" && !IsValidRole(r) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin signup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, string(hash), now).Scan(&userID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if err := s.afterIdentityCreated(ctx, tx, userID, in.Metadata, now); err != nil {
		return nil, fmt.Errorf("identity hook: %w", err)
	}

	profile, err := loadProfile(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit signup: %w", err)
	}

	s.log.Info("identity created", zap.Int64("user_id", userID), zap.String("role", profile.Role))
	return profile, nil
}

// CreateProfile is the default identity hook: exactly one profile per user,
// full name and role taken from signup metadata with safe defaults.
func CreateProfile(ctx context.Context, tx *sql.Tx, userID int64, meta Metadata, now time.Time) error {
	fullName := strings.TrimSpace(meta.FullName)
	if fullName == "" {
		fullName = defaultFullName
	}
	role := strings.ToLower(strings.TrimSpace(meta.Role))
	if !IsValidRole(role) {
		role = RoleStudent
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, full_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, userID, fullName, role, now)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// TouchProfile is the default update hook: it stamps updated_at.
func TouchProfile(ctx context.Context, tx *sql.Tx, userID int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET updated_at = $2 WHERE user_id = $1`, userID, now); err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

func (s *Service) AuthenticatePassword(ctx context.Context, email, password string) (*Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var (
		userID int64
		hash   string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&userID, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return loadProfile(ctx, s.db, userID)
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CreateSession persists a revocable session row and returns a signed token for it.
func (s *Service) CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
	profile, err := loadProfile(ctx, s.db, userID)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now().UTC()
	sessionID := uuid.NewString()
	expiresAt := now.Add(s.sessionTTL)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, userID, expiresAt, nullableString(ipAddress), nullableString(userAgent), now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}

	claims := sessionClaims{
		Role: profile.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "examhall",
			Subject:   strconv.FormatInt(userID, 10),
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// SessionFromToken verifies the token signature and that its session row is live.
// The role comes from the profile row, not the token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	var (
		sess      Session
		expiresAt time.Time
		revokedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, p.role, s.expires_at, s.revoked_at
		FROM auth_sessions s
		JOIN profiles p ON p.user_id = s.user_id
		WHERE s.id = $1
	`, claims.ID).Scan(&sess.SessionID, &sess.UserID, &sess.Role, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if revokedAt.Valid || !s.now().Before(expiresAt) {
		return nil, ErrUnauthorized
	}
	if strconv.FormatInt(sess.UserID, 10) != claims.Subject {
		return nil, ErrUnauthorized
	}
	return &sess, nil
}

func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = $2
		WHERE id = $1
		  AND revoked_at IS NULL
	`, sessionID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// GetProfile returns a profile; only its own identity may read it.
func (s *Service) GetProfile(ctx context.Context, sess Session, userID int64) (*Profile, error) {
	if sess.UserID != userID {
		return nil, ErrProfileNotFound
	}
	return loadProfile(ctx, s.db, userID)
}

// UpdateProfile changes the display name of the caller's own profile.
func (s *Service) UpdateProfile(ctx context.Context, sess Session, userID int64, fullName string) (*Profile, error) {
	if sess.UserID != userID {
		return nil, ErrProfileNotFound
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE profiles SET full_name = $2 WHERE user_id = $1`, userID, fullName)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrProfileNotFound
	}
	if err := s.afterProfileUpdated(ctx, tx, userID, s.now().UTC()); err != nil {
		return nil, err
	}
	profile, err := loadProfile(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit profile: %w", err)
	}
	return profile, nil
}

// BootstrapAdmin creates an admin identity when the configured bootstrap token matches.
func (s *Service) BootstrapAdmin(ctx context.Context, token string, in SignUpInput) (*Profile, error) {
	if s.bootstrapToken == "" || !secureEqual(token, s.bootstrapToken) {
		return nil, ErrBootstrapDenied
	}
	in.Metadata.Role = RoleAdmin
	return s.SignUp(ctx, in)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadProfile(ctx context.Context, q rowQuerier, userID int64) (*Profile, error) {
	var p Profile
	err := q.QueryRowContext(ctx, `
		SELECT p.user_id, u.email, p.full_name, p.role, p.created_at, p.updated_at
		FROM profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
	`, userID).Scan(&p.UserID, &p.Email, &p.FullName, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return &p, nil
}

func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	default:
		return false
	}
}

func normalizeEmail(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return "", fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	return v, nil
}

func nullableString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func secureEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return ha == hb
}
