/**
 * @description
 * This file turns an authenticated webhook body into a ledger mutation. It routes on the
 * `event` discriminator, validates the fields a charge event must carry and derives the
 * subscription expiry from the plan.
 */
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
)

var (
	// ErrMalformedEvent is returned for bodies that cannot be parsed or that lack a required
	// field of a recognised event. Redelivery will never fix them.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnhandledEvent marks a well-formed envelope whose event type does not affect
	// subscription state.
	ErrUnhandledEvent = errors.New("unhandled webhook event")
)

var eventStatuses = map[string]domain.Status{
	domain.EventChargeSuccess: domain.StatusSuccess,
	domain.EventChargeFailed:  domain.StatusFailed,
	domain.EventChargePending: domain.StatusPending,
}

// Parser decodes verified webhook payloads.
type Parser struct {
	now func() time.Time
}

// NewParser creates a parser. now is used when an event carries no paid_at; nil means time.Now.
func NewParser(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now}
}

// EventType extracts the discriminator without validating the rest of the body.
func EventType(body []byte) string {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Event
}

// Parse converts body into a PaymentEvent. Unknown event types yield ErrUnhandledEvent.
func (p *Parser) Parse(body []byte) (domain.PaymentEvent, error) {
	var envelope domain.WebhookEvent
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedEvent, err)
	}
	eventType := strings.TrimSpace(envelope.Event)
	if eventType == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing event", ErrMalformedEvent)
	}

	status, known := eventStatuses[eventType]
	if !known {
		return domain.PaymentEvent{EventType: eventType}, fmt.Errorf("%w: %s", ErrUnhandledEvent, eventType)
	}

	if len(bytes.TrimSpace(envelope.Data)) == 0 || bytes.Equal(bytes.TrimSpace(envelope.Data), []byte("null")) {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	var data domain.ChargeData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: invalid data: %v", ErrMalformedEvent, err)
	}

	reference := strings.TrimSpace(data.Reference)
	if reference == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing data.reference", ErrMalformedEvent)
	}

	email := strings.TrimSpace(data.Email)
	if email == "" && data.Customer != nil {
		email = strings.TrimSpace(data.Customer.Email)
	}
	if email == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing email for %s", ErrMalformedEvent, reference)
	}

	for _, field := range []struct{ name, value string }{{"data.reference", reference}, {"email", email}} {
		if err := domain.CheckText(field.name, field.value); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	amount, err := data.Amount.Float64()
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: amount must be a number for %s", ErrMalformedEvent, reference)
	}
	if err := domain.CheckAmount(amount); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v for %s", ErrMalformedEvent, err, reference)
	}

	plan, err := resolvePlan(data.Plan)
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	paidAt := p.now()
	if data.PaidAt != nil && !data.PaidAt.IsZero() {
		paidAt = *data.PaidAt
	}
	expiresAt, err := domain.ExpiresAt(plan, paidAt)
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return domain.PaymentEvent{
		EventType: eventType,
		Reference: reference,
		Email:     email,
		Amount:    amount,
		Status:    status,
		PlanType:  plan,
		ExpiresAt: expiresAt,
	}, nil
}

// resolvePlan accepts the plan as a plain label or as the provider's plan object. Charges
// outside a plan arrive with an empty object and get the default plan.
func resolvePlan(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.DefaultPlan, nil
	}

	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return checkPlan(label)
	}

	var obj domain.ChargePlan
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("plan must be a string or an object")
	}
	if strings.TrimSpace(obj.Interval) != "" {
		return checkPlan(obj.Interval)
	}
	return checkPlan(obj.Name)
}

func checkPlan(label string) (string, error) {
	plan := domain.NormalizePlan(label)
	if _, err := domain.PlanDuration(plan); err != nil {
		return "", err
	}
	return plan, nil
}
