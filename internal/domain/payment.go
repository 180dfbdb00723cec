/**
 * @description
 * This file defines the core domain models for the subscription-ledger service.
 * PaymentRecord maps to the `payments` table; PaymentStatus and SubscriptionState are
 * the read models returned to the rest of the application.
 */
package domain

import "time"

// Status is the lifecycle state of a payment attempt. The set is open: the ledger stores
// any non-empty value so new provider states (refunds, chargebacks) can be recorded later.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether s must not be overwritten by an earlier-stage status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Regresses reports whether moving from s to next would undo a terminal state.
func (s Status) Regresses(next Status) bool {
	return s.IsTerminal() && next == StatusPending
}

// PaymentRecord represents a single payment attempt persisted in the ledger.
type PaymentRecord struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Reference string    `json:"reference"`
	Amount    float64   `json:"amount"`
	Status    Status    `json:"status"`
	PlanType  string    `json:"plan_type"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PaymentStatus is the latest-record view used for status lookups.
type PaymentStatus struct {
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	PlanType  string    `json:"plan_type"`
}

// SubscriptionState is the tri-state answer to "does this user have an active subscription".
// Unknown is returned when the ledger could not be read, so callers pick their own policy
// instead of receiving a false negative.
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionInactive SubscriptionState = "inactive"
	SubscriptionUnknown  SubscriptionState = "unknown"
)

// PaymentEvent is a ledger mutation derived from a verified webhook delivery.
type PaymentEvent struct {
	EventType string
	Reference string
	Email     string
	Amount    float64
	Status    Status
	PlanType  string
	ExpiresAt time.Time
}

// ApplyResult describes what ApplyPaymentEvent did with an event.
type ApplyResult string

const (
	ApplyInserted          ApplyResult = "inserted"
	ApplyUpdated           ApplyResult = "updated"
	ApplyUnchanged         ApplyResult = "unchanged"
	ApplyRegressionIgnored ApplyResult = "regression_ignored"
)

// ApplyOutcome is returned by the ledger after applying a PaymentEvent. Record holds the
// stored row after the operation; Previous is the status found before an update.
type ApplyOutcome struct {
	Result   ApplyResult
	Previous Status
	Record   PaymentRecord
}
