/**
 * @description
 * This file implements the Payment Ledger on PostgreSQL. It contains all the SQL for
 * the `payments` table and converts driver errors into the ledger error taxonomy.
 *
 * @notes
 * - Every operation runs under its own timeout so no caller blocks indefinitely.
 * - ApplyPaymentEvent is the only read-then-write path and runs in one transaction,
 *   relying on the unique constraint on `reference` to arbitrate concurrent inserts.
 * - Nothing is cached; each call reads the current contents of the table.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/transfa/subscription-ledger/internal/domain"
)

const defaultOperationTimeout = 5 * time.Second

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for expiry predicates.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithOperationTimeout bounds every storage call.
func WithOperationTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Repository handles database operations for payment records.
type Repository struct {
	db      DB
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
}

// NewRepository creates a new repository.
func NewRepository(db DB, logger *slog.Logger, opts ...Option) *Repository {
	r := &Repository{
		db:      db,
		logger:  logger.With(slog.String("component", "payment_ledger")),
		tracer:  otel.Tracer("subscription-ledger/store"),
		timeout: defaultOperationTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) start(ctx context.Context, name string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "payments"),
	))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return ctx, span, cancel
}

func (r *Repository) fail(ctx context.Context, span trace.Span, op string, err error) error {
	err = classify(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if IsTransient(err) {
		r.logger.ErrorContext(ctx, "ledger operation failed", slog.String("operation", op), slog.Any("error", err))
	}
	return err
}

// ValidateRecord checks the fields every stored payment must carry.
func ValidateRecord(p domain.PaymentRecord) error {
	switch {
	case strings.TrimSpace(p.Email) == "":
		return fmt.Errorf("%w: email is required", ErrInvalidPayment)
	case strings.TrimSpace(p.Reference) == "":
		return fmt.Errorf("%w: reference is required", ErrInvalidPayment)
	case p.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	case p.Status == "":
		return fmt.Errorf("%w: status is required", ErrInvalidPayment)
	case strings.TrimSpace(p.PlanType) == "":
		return fmt.Errorf("%w: plan type is required", ErrInvalidPayment)
	case p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: expiry is required", ErrInvalidPayment)
	}
	if err := domain.CheckAmount(p.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	for _, field := range []struct{ name, value string }{
		{"email", p.Email},
		{"reference", p.Reference},
		{"status", string(p.Status)},
		{"plan type", p.PlanType},
	} {
		if err := domain.CheckText(field.name, field.value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayment, err)
		}
	}
	return nil
}

// StorePayment inserts a new payment record. It never overwrites: a reference that is
// already recorded yields ErrDuplicateReference.
func (r *Repository) StorePayment(ctx context.Context, p domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if err := ValidateRecord(p); err != nil {
		return nil, err
	}

	ctx, span, cancel := r.start(ctx, "StorePayment")
	defer span.End()
	defer cancel()

	query := `
		INSERT INTO payments (email, reference, amount, status, plan_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	stored := p
	err := r.db.QueryRow(ctx, query,
		p.Email,
		p.Reference,
		p.Amount,
		string(p.Status),
		p.PlanType,
		p.ExpiresAt,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		err = r.fail(ctx, span, "store payment", err)
		if errors.Is(err, ErrDuplicateReference) {
			r.logger.WarnContext(ctx, "duplicate payment reference", slog.String("reference", p.Reference))
		}
		return nil, err
	}

	r.logger.InfoContext(ctx, "payment stored", slog.String("reference", p.Reference), slog.String("email", p.Email))
	return &stored, nil
}

// UpdatePaymentStatus sets the status of the payment identified by reference.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, reference string, status domain.Status) error {
	if status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidPayment)
	}

	ctx, span, cancel := r.start(ctx, "UpdatePaymentStatus")
	defer span.End()
	defer cancel()

	query := `UPDATE payments SET status = $1, updated_at = NOW() WHERE reference = $2`
	result, err := r.db.Exec(ctx, query, string(status), reference)
	if err != nil {
		return r.fail(ctx, span, "update payment status", err)
	}
	if result.RowsAffected() == 0 {
		return r.fail(ctx, span, "update payment status", pgx.ErrNoRows)
	}

	r.logger.InfoContext(ctx, "payment status updated", slog.String("reference", reference), slog.String("status", string(status)))
	return nil
}

// GetPaymentStatus returns the most recently created record for email. Ties on
// created_at go to the higher id.
func (r *Repository) GetPaymentStatus(ctx context.Context, email string) (*domain.PaymentStatus, error) {
	ctx, span, cancel := r.start(ctx, "GetPaymentStatus")
	defer span.End()
	defer cancel()

	query := `
		SELECT status, expires_at, plan_type
		FROM payments
		WHERE email = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	var (
		status string
		ps     domain.PaymentStatus
	)
	if err := r.db.QueryRow(ctx, query, email).Scan(&status, &ps.ExpiresAt, &ps.PlanType); err != nil {
		return nil, r.fail(ctx, span, "get payment status", err)
	}
	ps.Status = domain.Status(status)
	return &ps, nil
}

// CheckActiveSubscription reports whether email has any successful payment that has not
// yet expired. Older records count: a later failed attempt does not hide a valid one.
func (r *Repository) CheckActiveSubscription(ctx context.Context, email string) (bool, error) {
	ctx, span, cancel := r.start(ctx, "CheckActiveSubscription")
	defer span.End()
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM payments
			WHERE email = $1 AND status = $2 AND expires_at > $3
		)
	`
	var active bool
	if err := r.db.QueryRow(ctx, query, email, string(domain.StatusSuccess), r.now().UTC()).Scan(&active); err != nil {
		return false, r.fail(ctx, span, "check active subscription", err)
	}
	return active, nil
}

// GetPaymentHistory returns every record for email, newest first.
func (r *Repository) GetPaymentHistory(ctx context.Context, email string) ([]domain.PaymentRecord, error) {
	ctx, span, cancel := r.start(ctx, "GetPaymentHistory")
	defer span.End()
	defer cancel()

	query := `
		SELECT id, email, reference, amount, status, plan_type, created_at, expires_at
		FROM payments
		WHERE email = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, email)
	if err != nil {
		return nil, r.fail(ctx, span, "get payment history", err)
	}
	defer rows.Close()

	history := []domain.PaymentRecord{}
	for rows.Next() {
		var (
			p      domain.PaymentRecord
			status string
		)
		if err := rows.Scan(&p.ID, &p.Email, &p.Reference, &p.Amount, &status, &p.PlanType, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, r.fail(ctx, span, "scan payment history", err)
		}
		p.Status = domain.Status(status)
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail(ctx, span, "iterate payment history", err)
	}
	return history, nil
}

// CleanupExpiredPayments deletes records whose expiry is older than now minus retention
// and returns how many rows were removed. Deleting nothing is not an error.
func (r *Repository) CleanupExpiredPayments(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, fmt.Errorf("retention window must not be negative, got %s", retention)
	}

	ctx, span, cancel := r.start(ctx, "CleanupExpiredPayments")
	defer span.End()
	defer cancel()

	cutoff := r.now().UTC().Add(-retention)
	span.SetAttributes(attribute.String("ledger.cutoff", cutoff.Format(time.RFC3339)))

	result, err := r.db.Exec(ctx, `DELETE FROM payments WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, r.fail(ctx, span, "cleanup expired payments", err)
	}

	deleted := result.RowsAffected()
	r.logger.InfoContext(ctx, "expired payments cleaned up", slog.Int64("deleted", deleted), slog.Time("cutoff", cutoff))
	return deleted, nil
}

// ApplyPaymentEvent records ev exactly once. The first sighting of a reference inserts a
// row; later sightings only move its status, and never from a terminal status back to
// pending. Amount, plan, created_at and expires_at of an existing row are left untouched.
func (r *Repository) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (domain.ApplyOutcome, error) {
	record := domain.PaymentRecord{
		Email:     ev.Email,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Status:    ev.Status,
		PlanType:  ev.PlanType,
		ExpiresAt: ev.ExpiresAt,
	}
	if err := ValidateRecord(record); err != nil {
		return domain.ApplyOutcome{}, err
	}

	ctx, span, cancel := r.start(ctx, "ApplyPaymentEvent")
	defer span.End()
	defer cancel()
	span.SetAttributes(attribute.String("payment.reference", ev.Reference))

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.ApplyOutcome{}, r.fail(ctx, span, "begin apply payment tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO payments (email, reference, amount, status, plan_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		record.Email,
		record.Reference,
		record.Amount,
		string(record.Status),
		record.PlanType,
		record.ExpiresAt,
	).Scan(&record.ID, &record.CreatedAt)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return domain.ApplyOutcome{}, r.fail(ctx, span, "commit payment insert", err)
		}
		return domain.ApplyOutcome{Result: domain.ApplyInserted, Record: record}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.ApplyOutcome{}, r.fail(ctx, span, "insert payment", err)
	}

	// The reference already exists: lock it and move the status only.
	selectQuery := `
		SELECT id, email, amount, status, plan_type, created_at, expires_at
		FROM payments
		WHERE reference = $1
		FOR UPDATE
	`
	existing := domain.PaymentRecord{Reference: ev.Reference}
	var current string
	err = tx.QueryRow(ctx, selectQuery, ev.Reference).Scan(
		&existing.ID,
		&existing.Email,
		&existing.Amount,
		&current,
		&existing.PlanType,
		&existing.CreatedAt,
		&existing.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Swept between the insert attempt and the lock; a retry will insert it.
			return domain.ApplyOutcome{}, r.fail(ctx, span, "lock payment", fmt.Errorf("payment %s vanished during apply", ev.Reference))
		}
		return domain.ApplyOutcome{}, r.fail(ctx, span, "lock payment", err)
	}
	existing.Status = domain.Status(current)
	outcome := domain.ApplyOutcome{Previous: existing.Status, Record: existing}

	switch {
	case existing.Status == ev.Status:
		outcome.Result = domain.ApplyUnchanged
	case existing.Status.Regresses(ev.Status):
		outcome.Result = domain.ApplyRegressionIgnored
		r.logger.WarnContext(ctx, "ignoring status regression",
			slog.String("reference", ev.Reference),
			slog.String("current_status", string(existing.Status)),
			slog.String("incoming_status", string(ev.Status)),
		)
	default:
		if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, updated_at = NOW() WHERE reference = $2`, string(ev.Status), ev.Reference); err != nil {
			return domain.ApplyOutcome{}, r.fail(ctx, span, "update payment status", err)
		}
		outcome.Result = domain.ApplyUpdated
		outcome.Record.Status = ev.Status
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ApplyOutcome{}, r.fail(ctx, span, "commit payment update", err)
	}
	span.SetAttributes(attribute.String("ledger.result", string(outcome.Result)))
	return outcome, nil
}
