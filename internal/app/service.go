/**
 * @description
 * This file contains the read and initiating-flow paths of the ledger. Queries always go to
 * the store; a failed read is reported as unknown instead of inactive.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/metrics"
	"github.com/transfa/subscription-ledger/internal/store"
)

// ErrEmailRequired is returned by queries called without an email.
var ErrEmailRequired = errors.New("email is required")

// NewPayment is the initiating-flow request to record a payment before its webhook arrives.
type NewPayment struct {
	Email     string        `json:"email"`
	Reference string        `json:"reference"`
	Amount    float64       `json:"amount"`
	Status    domain.Status `json:"status,omitempty"`
	PlanType  string        `json:"plan_type,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// Service provides the query side of the ledger.
type Service struct {
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new ledger query service.
func NewService(ledger Ledger, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		ledger:  ledger,
		logger:  logger.With(slog.String("component", "ledger_service")),
		metrics: m,
		now:     time.Now,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmailRequired
	}
	return email, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrPaymentNotFound):
		return "not_found"
	case store.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// PaymentStatus returns the latest payment status for email.
func (s *Service) PaymentStatus(ctx context.Context, email string) (*domain.PaymentStatus, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	status, err := s.ledger.GetPaymentStatus(ctx, email)
	s.metrics.ObserveQuery("status", resultLabel(err))
	return status, err
}

// PaymentHistory returns all payments for email, newest first.
func (s *Service) PaymentHistory(ctx context.Context, email string) ([]domain.PaymentRecord, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	history, err := s.ledger.GetPaymentHistory(ctx, email)
	s.metrics.ObserveQuery("history", resultLabel(err))
	return history, err
}

// SubscriptionState answers whether email holds an active subscription. A ledger failure
// yields SubscriptionUnknown together with the error so callers choose their own policy.
func (s *Service) SubscriptionState(ctx context.Context, email string) (domain.SubscriptionState, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.SubscriptionUnknown, err
	}
	active, err := s.ledger.CheckActiveSubscription(ctx, email)
	s.metrics.ObserveQuery("active", resultLabel(err))
	if err != nil {
		s.logger.WarnContext(ctx, "subscription state unknown", slog.String("email", email), slog.Any("error", err))
		return domain.SubscriptionUnknown, err
	}
	if active {
		return domain.SubscriptionActive, nil
	}
	return domain.SubscriptionInactive, nil
}

// RecordPayment stores a payment from the initiating flow. Status defaults to pending and
// the expiry to now plus the plan duration. A reference already written by the webhook path
// yields store.ErrDuplicateReference.
func (s *Service) RecordPayment(ctx context.Context, req NewPayment) (*domain.PaymentRecord, error) {
	plan := domain.NormalizePlan(req.PlanType)
	if _, err := domain.PlanDuration(plan); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPayment, err)
	}

	status := req.Status
	if strings.TrimSpace(string(status)) == "" {
		status = domain.StatusPending
	}

	var expiresAt time.Time
	if req.ExpiresAt != nil && !req.ExpiresAt.IsZero() {
		expiresAt = req.ExpiresAt.UTC()
	} else {
		var err error
		if expiresAt, err = domain.ExpiresAt(plan, s.now()); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidPayment, err)
		}
	}

	return s.ledger.StorePayment(ctx, domain.PaymentRecord{
		Email:     strings.TrimSpace(req.Email),
		Reference: strings.TrimSpace(req.Reference),
		Amount:    req.Amount,
		Status:    status,
		PlanType:  plan,
		ExpiresAt: expiresAt,
	})
}

// UpdatePaymentStatus moves the payment identified by reference to status.
func (s *Service) UpdatePaymentStatus(ctx context.Context, reference string, status domain.Status) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return fmt.Errorf("%w: reference is required", store.ErrInvalidPayment)
	}
	return s.ledger.UpdatePaymentStatus(ctx, reference, domain.Status(strings.TrimSpace(string(status))))
}
