package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidInput        = errors.New("invalid input")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Error carries the operation context of a governance failure.
type Error struct {
	Kind   error
	Op     string
	Entity string
	ID     string
	Msg    string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func notFound(op, entity, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Entity: entity, ID: id}
}

func invalidInput(op, format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func invalidState(op, entity, id, msg string) error {
	return &Error{Kind: ErrInvalidState, Op: op, Entity: entity, ID: id, Msg: msg}
}

func conflict(op, entity, id, msg string) error {
	return &Error{Kind: ErrConcurrencyConflict, Op: op, Entity: entity, ID: id, Msg: msg}
}

// IsRetryable reports whether err may succeed if the caller re-reads state
// and tries again. Only concurrency conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// RetryConflict calls fn up to attempts times while it fails with
// ErrConcurrencyConflict. Any other error, or ctx cancellation, stops early.
func RetryConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
