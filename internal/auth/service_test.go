package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"examhall/internal/db/dbtest"

	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *sql.DB, *fakeClock) {
	t.Helper()
	conn := dbtest.Open(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(conn, ServiceConfig{
		SessionTTL:     time.Hour,
		BcryptCost:     bcrypt.MinCost,
		JWTSecret:      "test-secret",
		BootstrapToken: "boot",
		Now:            clock.Now,
	})
	return svc, conn, clock
}

func TestSignUpCreatesExactlyOneProfileWithDefaults(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.SignUp(ctx, SignUpInput{Email: "  Ana@Example.test ", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if p.Email != "ana@example.test" {
		t.Fatalf("email not normalized: %q", p.Email)
	}
	if p.FullName != "New user" || p.Role != RoleStudent {
		t.Fatalf("unexpected defaults: %+v", p)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE user_id = $1`, p.UserID).Scan(&n); err != nil {
		t.Fatalf("count profiles: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 profile, got %d", n)
	}
}

func TestSignUpUsesMetadata(t *testing.T) {
	svc, _, _ := newTestService(t)
	p, err := svc.SignUp(context.Background(), SignUpInput{
		Email:    "teach@example.test",
		Password: "password1",
		Metadata: Metadata{FullName: "Ms. Rivera", Role: RoleTeacher},
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if p.FullName != "Ms. Rivera" || p.Role != RoleTeacher {
		t.Fatalf("metadata ignored: %+v", p)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []SignUpInput{
		{Email: "", Password: "password1"},
		{Email: "not-an-email", Password: "password1"},
		{Email: "a@example.test", Password: "short"},
		{Email: "a@example.test", Password: "password1", Metadata: Metadata{Role: "janitor"}},
	}
	for _, in := range cases {
		if _, err := svc.SignUp(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("SignUp(%+v) err = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpInput{Email: "dup@example.test", Password: "password1"}); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	_, err := svc.SignUp(ctx, SignUpInput{Email: "DUP@example.test", Password: "password1"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpHookFailureRollsBackIdentity(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(conn, ServiceConfig{
		BcryptCost: bcrypt.MinCost,
		JWTSecret:  "x",
		AfterIdentityCreated: func(ctx context.Context, tx *sql.Tx, userID int64, meta Metadata, now time.Time) error {
			return errors.New("boom")
		},
	})

	if _, err := svc.SignUp(context.Background(), SignUpInput{Email: "a@example.test", Password: "password1"}); err == nil {
		t.Fatalf("expected hook error")
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 0 {
		t.Fatalf("user row survived a failed hook")
	}
}

func TestLoginAndSessionRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.SignUp(ctx, SignUpInput{Email: "s@example.test", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := svc.AuthenticatePassword(ctx, "s@example.test", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticatePassword(ctx, "nobody@example.test", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	p, err := svc.AuthenticatePassword(ctx, "S@example.test", "password1")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}
	if p.UserID != created.UserID {
		t.Fatalf("wrong user")
	}

	token, _, err := svc.CreateSession(ctx, p.UserID, "127.0.0.1", "go-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess, err := svc.SessionFromToken(ctx, token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if sess.UserID != p.UserID || sess.Role != RoleStudent || sess.SessionID == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if err := svc.RevokeSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked session accepted: %v", err)
	}
}

func TestSessionExpires(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	p, err := svc.SignUp(ctx, SignUpInput{Email: "e@example.test", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	token, _, err := svc.CreateSession(ctx, p.UserID, "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Hour)
	if _, err := svc.SessionFromToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired session accepted: %v", err)
	}
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.SignUp(ctx, SignUpInput{Email: "f@example.test", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	other := NewService(conn, ServiceConfig{JWTSecret: "another-secret", BcryptCost: bcrypt.MinCost})
	token, _, err := other.CreateSession(ctx, p.UserID, "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token signed with another key accepted: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage token accepted: %v", err)
	}
}

func TestProfilesAreOwnOnly(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	a, err := svc.SignUp(ctx, SignUpInput{Email: "a@example.test", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp a: %v", err)
	}
	b, err := svc.SignUp(ctx, SignUpInput{Email: "b@example.test", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp b: %v", err)
	}

	sessA := Session{UserID: a.UserID, Role: a.Role}
	if _, err := svc.GetProfile(ctx, sessA, b.UserID); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("read foreign profile: %v", err)
	}
	if _, err := svc.UpdateProfile(ctx, sessA, b.UserID, "Hacked"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("update foreign profile: %v", err)
	}

	clock.t = clock.t.Add(time.Minute)
	updated, err := svc.UpdateProfile(ctx, sessA, a.UserID, "Ana Lima")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.FullName != "Ana Lima" {
		t.Fatalf("full name not updated: %+v", updated)
	}
	if !updated.UpdatedAt.After(a.UpdatedAt) {
		t.Fatalf("updated_at not touched: before=%v after=%v", a.UpdatedAt, updated.UpdatedAt)
	}
	if updated.Role != RoleStudent {
		t.Fatalf("role changed by profile update")
	}
}

func TestBootstrapAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	in := SignUpInput{Email: "root@example.test", Password: "password1"}

	if _, err := svc.BootstrapAdmin(ctx, "wrong", in); !errors.Is(err, ErrBootstrapDenied) {
		t.Fatalf("expected ErrBootstrapDenied, got %v", err)
	}
	p, err := svc.BootstrapAdmin(ctx, "boot", in)
	if err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	if p.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %q", p.Role)
	}
}
