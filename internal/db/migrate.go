package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migrate applies the idempotent schema for the given driver.
func Migrate(ctx context.Context, conn *sql.DB, driver string) error {
	if conn == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	var schema string
	switch NormalizeDriver(driver) {
	case DriverPostgres:
		schema = schemaPostgres
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrate: unsupported driver %q", driver)
	}

	// Some drivers refuse multi-statement scripts; fall back to one statement at a time.
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		for _, stmt := range strings.Split(schema, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, e := conn.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrate: %s: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
  id            BIGSERIAL PRIMARY KEY,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
  user_id    BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  full_name  TEXT NOT NULL,
  role       TEXT NOT NULL CHECK (role IN ('admin','teacher','student')),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
  id         TEXT PRIMARY KEY,
  user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked_at TIMESTAMPTZ,
  ip_address TEXT,
  user_agent TEXT,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
  id                       BIGSERIAL PRIMARY KEY,
  creator_id               BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  title                    TEXT NOT NULL,
  description              TEXT NOT NULL DEFAULT '',
  access_code              TEXT NOT NULL UNIQUE,
  time_limit_minutes       INTEGER,
  max_attempts             INTEGER NOT NULL DEFAULT 1 CHECK (max_attempts >= 0),
  status                   TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','active','inactive','completed')),
  show_results_immediately BOOLEAN NOT NULL DEFAULT FALSE,
  created_at               TIMESTAMPTZ NOT NULL,
  updated_at               TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS exams_creator_idx ON exams (creator_id);

CREATE TABLE IF NOT EXISTS questions (
  id             BIGSERIAL PRIMARY KEY,
  exam_id        BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_text  TEXT NOT NULL,
  question_type  TEXT NOT NULL CHECK (question_type IN ('multiple_choice','true_false','open_answer','matching')),
  points         DOUBLE PRECISION NOT NULL CHECK (points > 0),
  order_index    INTEGER NOT NULL,
  options        TEXT NOT NULL DEFAULT '[]',
  correct_answer TEXT,
  image_ref      TEXT,
  created_at     TIMESTAMPTZ NOT NULL,
  updated_at     TIMESTAMPTZ NOT NULL,
  UNIQUE (exam_id, order_index)
);

CREATE TABLE IF NOT EXISTS attempts (
  id             BIGSERIAL PRIMARY KEY,
  exam_id        BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  attempt_number INTEGER NOT NULL CHECK (attempt_number >= 1),
  started_at     TIMESTAMPTZ NOT NULL,
  completed_at   TIMESTAMPTZ,
  score          DOUBLE PRECISION,
  total_points   DOUBLE PRECISION,
  UNIQUE (exam_id, student_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS attempts_student_idx ON attempts (student_id);

CREATE TABLE IF NOT EXISTS answers (
  id            BIGSERIAL PRIMARY KEY,
  attempt_id    BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
  question_id   BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  value         TEXT NOT NULL,
  is_correct    BOOLEAN,
  points_earned DOUBLE PRECISION,
  graded_by     BIGINT REFERENCES users(id) ON DELETE SET NULL,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL,
  UNIQUE (attempt_id, question_id)
);
`

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
  user_id    INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  full_name  TEXT NOT NULL,
  role       TEXT NOT NULL CHECK (role IN ('admin','teacher','student')),
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
  id         TEXT PRIMARY KEY,
  user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  expires_at TIMESTAMP NOT NULL,
  revoked_at TIMESTAMP,
  ip_address TEXT,
  user_agent TEXT,
  created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
  id                       INTEGER PRIMARY KEY AUTOINCREMENT,
  creator_id               INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  title                    TEXT NOT NULL,
  description              TEXT NOT NULL DEFAULT '',
  access_code              TEXT NOT NULL UNIQUE,
  time_limit_minutes       INTEGER,
  max_attempts             INTEGER NOT NULL DEFAULT 1 CHECK (max_attempts >= 0),
  status                   TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','active','inactive','completed')),
  show_results_immediately BOOLEAN NOT NULL DEFAULT 0,
  created_at               TIMESTAMP NOT NULL,
  updated_at               TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS exams_creator_idx ON exams (creator_id);

CREATE TABLE IF NOT EXISTS questions (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  exam_id        INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_text  TEXT NOT NULL,
  question_type  TEXT NOT NULL CHECK (question_type IN ('multiple_choice','true_false','open_answer','matching')),
  points         REAL NOT NULL CHECK (points > 0),
  order_index    INTEGER NOT NULL,
  options        TEXT NOT NULL DEFAULT '[]',
  correct_answer TEXT,
  image_ref      TEXT,
  created_at     TIMESTAMP NOT NULL,
  updated_at     TIMESTAMP NOT NULL,
  UNIQUE (exam_id, order_index)
);

CREATE TABLE IF NOT EXISTS attempts (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  exam_id        INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  attempt_number INTEGER NOT NULL CHECK (attempt_number >= 1),
  started_at     TIMESTAMP NOT NULL,
  completed_at   TIMESTAMP,
  score          REAL,
  total_points   REAL,
  UNIQUE (exam_id, student_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS attempts_student_idx ON attempts (student_id);

CREATE TABLE IF NOT EXISTS answers (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  attempt_id    INTEGER NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
  question_id   INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  value         TEXT NOT NULL,
  is_correct    BOOLEAN,
  points_earned REAL,
  graded_by     INTEGER REFERENCES users(id) ON DELETE SET NULL,
  created_at    TIMESTAMP NOT NULL,
  updated_at    TIMESTAMP NOT NULL,
  UNIQUE (attempt_id, question_id)
);
`
