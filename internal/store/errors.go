package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateReference is returned when a payment reference is already recorded.
	ErrDuplicateReference = errors.New("duplicate payment reference")
	// ErrPaymentNotFound is returned when no payment matches the lookup.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrTransientStorage wraps I/O failures, timeouts, lock contention and any other
	// storage fault the caller may retry.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrInvalidPayment is returned when a record fails validation before reaching storage.
	ErrInvalidPayment = errors.New("invalid payment record")
	// ErrConstraintViolation is returned when PostgreSQL rejects the data itself (SQLSTATE
	// classes 22 and 23 other than unique violations). Retrying cannot succeed.
	ErrConstraintViolation = errors.New("payment violates a storage constraint")
)

const (
	pgUniqueViolation    = "23505"
	pgClassDataException = "22"
	pgClassIntegrity     = "23"
)

// classify maps a driver error onto the ledger error taxonomy. op names the failing
// operation and ends up in the error message.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrDuplicateReference, ErrPaymentNotFound, ErrTransientStorage, ErrInvalidPayment, ErrConstraintViolation} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrPaymentNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
		case strings.HasPrefix(pgErr.Code, pgClassDataException), strings.HasPrefix(pgErr.Code, pgClassIntegrity):
			return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage) || errors.Is(err, context.DeadlineExceeded)
}
