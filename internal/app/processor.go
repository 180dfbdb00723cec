/**
 * @description
 * This file contains the Webhook Processor. It takes an authenticated webhook body, maps it
 * to a ledger mutation and applies it exactly once per payment reference.
 *
 * @notes
 * - Redelivery is the normal case. The ledger's atomic apply turns replays into no-ops and
 *   refuses to move a terminal status back to pending.
 * - Transient ledger failures are retried here with exponential backoff; if they persist
 *   the error is returned so the HTTP layer answers 5xx and the provider redelivers.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/metrics"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/webhook"
)

const (
	defaultApplyAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
	maxRetryDelay        = 2 * time.Second
	publishTimeout       = 5 * time.Second

	// PaymentSucceededRoutingKey is the routing key of the event published when a payment
	// reaches success.
	PaymentSucceededRoutingKey = "payment.succeeded"
)

// Outcome is the processor's verdict on a delivery that was not rejected.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
)

// Result describes a processed delivery.
type Result struct {
	Outcome   Outcome
	EventType string
	Reference string
	Apply     domain.ApplyResult
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithApplyAttempts sets how many times a transient ledger failure is tried in total.
func WithApplyAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithRetryBase sets the first backoff delay. Later delays double up to a cap.
func WithRetryBase(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryBase = d
		}
	}
}

// WithPublisher enables payment.succeeded notifications.
func WithPublisher(pub EventPublisher) ProcessorOption {
	return func(p *Processor) { p.publisher = pub }
}

// WithProcessorMetrics records apply retries.
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// Processor applies verified webhook events to the ledger.
type Processor struct {
	ledger    Ledger
	parser    *webhook.Parser
	logger    *slog.Logger
	publisher EventPublisher
	metrics   *metrics.Metrics
	attempts  int
	retryBase time.Duration
}

// NewProcessor creates a new webhook processor.
func NewProcessor(ledger Ledger, parser *webhook.Parser, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:    ledger,
		parser:    parser,
		logger:    logger.With(slog.String("component", "webhook_processor")),
		attempts:  defaultApplyAttempts,
		retryBase: defaultRetryBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process parses body and applies it. Errors wrap webhook.ErrMalformedEvent for payloads
// that can never succeed and store.ErrTransientStorage when the ledger stayed unavailable.
func (p *Processor) Process(ctx context.Context, body []byte) (Result, error) {
	ev, err := p.parser.Parse(body)
	if err != nil {
		if errors.Is(err, webhook.ErrUnhandledEvent) {
			p.logger.InfoContext(ctx, "ignoring unhandled webhook event", slog.String("event", ev.EventType))
			return Result{Outcome: OutcomeIgnored, EventType: ev.EventType}, nil
		}
		p.logger.WarnContext(ctx, "rejecting malformed webhook event", slog.Any("error", err))
		return Result{EventType: webhook.EventType(body)}, err
	}

	result := Result{EventType: ev.EventType, Reference: ev.Reference}
	outcome, err := p.apply(ctx, ev)
	if err != nil {
		return result, err
	}
	result.Outcome = OutcomeApplied
	result.Apply = outcome.Result

	p.logger.InfoContext(ctx, "webhook event applied",
		slog.String("event", ev.EventType),
		slog.String("reference", ev.Reference),
		slog.String("result", string(outcome.Result)),
		slog.String("status", string(outcome.Record.Status)),
	)

	if p.shouldPublish(outcome) {
		p.publishSucceeded(ctx, outcome.Record)
	}
	return result, nil
}

func (p *Processor) apply(ctx context.Context, ev domain.PaymentEvent) (domain.ApplyOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		outcome, err := p.ledger.ApplyPaymentEvent(ctx, ev)
		if err == nil {
			return outcome, nil
		}
		if !store.IsTransient(err) {
			return domain.ApplyOutcome{}, err
		}
		lastErr = err
		if attempt == p.attempts {
			break
		}

		delay := retryDelay(p.retryBase, attempt)
		p.logger.WarnContext(ctx, "transient ledger failure, retrying",
			slog.String("reference", ev.Reference),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		p.metrics.IncApplyRetry()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.ApplyOutcome{}, fmt.Errorf("%w: %w", store.ErrTransientStorage, ctx.Err())
		case <-timer.C:
		}
	}
	p.logger.ErrorContext(ctx, "ledger unavailable, giving up on delivery",
		slog.String("reference", ev.Reference),
		slog.Int("attempts", p.attempts),
		slog.Any("error", lastErr),
	)
	return domain.ApplyOutcome{}, lastErr
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << min(attempt-1, 8)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (p *Processor) shouldPublish(outcome domain.ApplyOutcome) bool {
	if p.publisher == nil || outcome.Record.Status != domain.StatusSuccess {
		return false
	}
	return outcome.Result == domain.ApplyInserted || outcome.Result == domain.ApplyUpdated
}

func (p *Processor) publishSucceeded(ctx context.Context, rec domain.PaymentRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := domain.PaymentSucceededEvent{
		Reference: rec.Reference,
		Email:     rec.Email,
		PlanType:  rec.PlanType,
		ExpiresAt: rec.ExpiresAt,
	}
	if err := p.publisher.Publish(ctx, PaymentSucceededRoutingKey, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish payment.succeeded", slog.String("reference", rec.Reference), slog.Any("error", err))
	}
}
