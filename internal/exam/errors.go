package exam

import (
	"errors"
	"fmt"

	"examhall/internal/db"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotAvailable        = errors.New("not available")
	ErrLimitReached        = errors.New("attempt limit reached")
	ErrAlreadyCompleted    = errors.New("attempt already completed")
	ErrValidationFailed    = errors.New("validation failed")
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLocked              = errors.New("locked")
)

// Error adds user-facing context to one of the sentinel kinds above.
// errors.Is(err, ErrNotFound) and friends keep working through it.
type Error struct {
	Kind   error
	Entity string
	Field  string
	Msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Field != "":
		return fmt.Sprintf("%s %s: %s", e.Entity, e.Field, e.Kind)
	case e.Entity != "":
		return fmt.Sprintf("%s %s", e.Entity, e.Kind)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() error { return e.Kind }

// NotFound builds the error services return when a row is absent or hidden.
func NotFound(entity string) error {
	return &Error{Kind: ErrNotFound, Entity: entity}
}

// Invalid builds a validation error naming the offending field.
func Invalid(entity, field, msg string) error {
	return &Error{Kind: ErrValidationFailed, Entity: entity, Field: field, Msg: msg}
}

// Locked reports that an entity cannot change any more.
func Locked(entity, msg string) error {
	return &Error{Kind: ErrLocked, Entity: entity, Msg: msg}
}

// Unauthorized reports a role failure on an operation that has no row to hide.
func Unauthorized(entity, msg string) error {
	return &Error{Kind: ErrUnauthorized, Entity: entity, Msg: msg}
}

// Conflict maps a unique-constraint violation to ErrPersistenceConflict and
// passes every other error through unchanged. Field carries the violated
// constraint for logs; the message shown to clients does not name it.
func Conflict(entity string, err error) error {
	if err == nil || !db.IsUniqueViolation(err) {
		return err
	}
	return &Error{
		Kind:   ErrPersistenceConflict,
		Entity: entity,
		Field:  db.ConstraintName(err),
		Msg:    entity + " was changed concurrently, reload and retry",
	}
}

// EntityOf returns the entity named by err, if any.
func EntityOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Entity
	}
	return ""
}
