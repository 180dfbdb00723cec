package app

import (
	"context"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
)

// Ledger defines the payment ledger operations used by the application layer.
// store.Repository is the production implementation.
type Ledger interface {
	StorePayment(ctx context.Context, p domain.PaymentRecord) (*domain.PaymentRecord, error)
	UpdatePaymentStatus(ctx context.Context, reference string, status domain.Status) error
	GetPaymentStatus(ctx context.Context, email string) (*domain.PaymentStatus, error)
	CheckActiveSubscription(ctx context.Context, email string) (bool, error)
	GetPaymentHistory(ctx context.Context, email string) ([]domain.PaymentRecord, error)
	CleanupExpiredPayments(ctx context.Context, retention time.Duration) (int64, error)
	ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (domain.ApplyOutcome, error)
}

// EventPublisher publishes internal events. pkg/rabbitmq.EventProducer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}
