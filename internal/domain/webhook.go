/**
 * @description
 * This file defines the Go structs that model the incoming webhook payloads from the
 * payment provider. They are only used after the raw body has been authenticated.
 *
 * @notes
 * - `plan` arrives either as a plain label ("monthly") or as an object describing the
 *   provider plan, so it is kept raw and resolved by the parser.
 * - Amount is a JSON number in the provider's major unit.
 */
package domain

import (
	"encoding/json"
	"time"
)

// Provider event types that affect subscription state.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
	EventChargePending = "charge.pending"
)

// WebhookEvent represents the top-level structure of a webhook payload.
type WebhookEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChargeData is the `data` object of a charge.* event.
type ChargeData struct {
	Reference string          `json:"reference"`
	Email     string          `json:"email,omitempty"`
	Amount    json.Number     `json:"amount"`
	Status    string          `json:"status,omitempty"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
	Customer  *ChargeCustomer `json:"customer,omitempty"`
	Plan      json.RawMessage `json:"plan,omitempty"`
}

// ChargeCustomer carries the payer details nested in a charge event.
type ChargeCustomer struct {
	Email string `json:"email"`
}

// ChargePlan is the object form of the `plan` field.
type ChargePlan struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	PlanCode string `json:"plan_code"`
}

// PaymentSucceededEvent is the internal event published when a payment reaches success.
type PaymentSucceededEvent struct {
	Reference string    `json:"reference"`
	Email     string    `json:"email"`
	PlanType  string    `json:"plan_type"`
	ExpiresAt time.Time `json:"expires_at"`
}
