package store

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for the two retry classes. Every error returned by the
// store wraps exactly one of them; callers match with errors.Is.
var (
	// ErrTransient marks retryable I/O faults: connection loss, pool
	// exhaustion, timeouts, serialization failures.
	ErrTransient = errors.New("transient store error")

	// ErrFatal marks non-retryable faults: missing schema, auth failure,
	// constraint violations. The supervisor shuts down on these.
	ErrFatal = errors.New("fatal store error")
)

type classifiedError struct {
	class error
	cause error
}

func (e *classifiedError) Error() string   { return e.cause.Error() }
func (e *classifiedError) Unwrap() []error { return []error{e.class, e.cause} }

// classify wraps err with ErrTransient or ErrFatal. PostgreSQL errors are
// classified by SQLSTATE class; everything else (network faults, context
// deadlines, pool acquisition) is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrFatal) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"), // operator intervention, query canceled
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01":               // deadlock detected
			return &classifiedError{class: ErrTransient, cause: err}
		default:
			// Auth (28xxx), missing database (3Dxxx), undefined table or
			// column (42xxx), constraint violations (23xxx) and the rest
			// will not heal on retry.
			return &classifiedError{class: ErrFatal, cause: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &classifiedError{class: ErrTransient, cause: err}
	}

	return &classifiedError{class: ErrTransient, cause: err}
}
