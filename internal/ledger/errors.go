package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyRecorded signals a unique-constraint conflict on the event id:
// a prior attempt already delivered this event. Callers treat it as
// success; it is the core idempotency mechanism, not a fallback.
var ErrAlreadyRecorded = errors.New("ledger event already recorded")

// TransientError marks a failure that may resolve on retry: unreachable
// backend, timeout, resource exhaustion.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient ledger error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure a retry will not fix, such as a
// constraint violation on something other than the event id.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent ledger error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// uniqueViolation is the SQLSTATE the backend reports for duplicate ids.
const uniqueViolation = "23505"

// Classify maps a raw backend error onto the sync taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return ErrAlreadyRecorded
		}
		switch prefix := pgErr.Code[:2]; prefix {
		// 08 connection exception, 53 insufficient resources,
		// 57 operator intervention, 58 system error
		case "08", "53", "57", "58":
			return &TransientError{Err: err}
		default:
			return &PermanentError{Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	// Anything else (dial failures, resets, unknown driver errors) is
	// treated as transient: it still gets its bounded retry budget and
	// lands in the dead-letter queue if it never clears.
	return &TransientError{Err: err}
}

// IsTransient reports whether the classified error is worth retrying.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
