// Package storetest provides an in-memory payment ledger with the same contract as
// store.Repository, for tests of the layers above the store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/store"
)

// MemoryLedger keeps payments in a map keyed by reference. All operations hold one mutex,
// which gives ApplyPaymentEvent the same atomicity as the database transaction.
type MemoryLedger struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	records  map[string]*domain.PaymentRecord
	failures []error
	applied  int
}

// NewMemoryLedger creates an empty ledger. now defaults to time.Now.
func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{now: now, records: make(map[string]*domain.PaymentRecord)}
}

// FailNext makes the next len(errs) operations return errs in order.
func (m *MemoryLedger) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Transient returns an error classified like a storage outage.
func Transient(msg string) error {
	return fmt.Errorf("%w: %s", store.ErrTransientStorage, msg)
}

// ApplyCalls reports how many times ApplyPaymentEvent was invoked.
func (m *MemoryLedger) ApplyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Len returns the number of stored records.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Get returns a copy of the record for reference.
func (m *MemoryLedger) Get(reference string) (domain.PaymentRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[reference]
	if !ok {
		return domain.PaymentRecord{}, false
	}
	return *rec, true
}

func (m *MemoryLedger) injected() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MemoryLedger) insert(p domain.PaymentRecord) domain.PaymentRecord {
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = m.now().UTC()
	m.records[p.Reference] = &p
	return p
}

func (m *MemoryLedger) byEmail(email string) []domain.PaymentRecord {
	var out []domain.PaymentRecord
	for _, rec := range m.records {
		if rec.Email == email {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryLedger) StorePayment(_ context.Context, p domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if err := store.ValidateRecord(p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	if _, exists := m.records[p.Reference]; exists {
		return nil, fmt.Errorf("store payment: %w", store.ErrDuplicateReference)
	}
	stored := m.insert(p)
	return &stored, nil
}

func (m *MemoryLedger) UpdatePaymentStatus(_ context.Context, reference string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	rec, ok := m.records[reference]
	if !ok {
		return fmt.Errorf("update payment status: %w", store.ErrPaymentNotFound)
	}
	rec.Status = status
	return nil
}

func (m *MemoryLedger) GetPaymentStatus(_ context.Context, email string) (*domain.PaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	records := m.byEmail(email)
	if len(records) == 0 {
		return nil, fmt.Errorf("get payment status: %w", store.ErrPaymentNotFound)
	}
	latest := records[0]
	return &domain.PaymentStatus{Status: latest.Status, ExpiresAt: latest.ExpiresAt, PlanType: latest.PlanType}, nil
}

func (m *MemoryLedger) CheckActiveSubscription(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	now := m.now()
	for _, rec := range m.records {
		if rec.Email == email && rec.Status == domain.StatusSuccess && rec.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLedger) GetPaymentHistory(_ context.Context, email string) ([]domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	history := m.byEmail(email)
	if history == nil {
		history = []domain.PaymentRecord{}
	}
	return history, nil
}

func (m *MemoryLedger) CleanupExpiredPayments(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	var deleted int64
	for ref, rec := range m.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(m.records, ref)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryLedger) ApplyPaymentEvent(_ context.Context, ev domain.PaymentEvent) (domain.ApplyOutcome, error) {
	record := domain.PaymentRecord{
		Email:     ev.Email,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Status:    ev.Status,
		PlanType:  ev.PlanType,
		ExpiresAt: ev.ExpiresAt,
	}
	if err := store.ValidateRecord(record); err != nil {
		return domain.ApplyOutcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied++
	if err := m.injected(); err != nil {
		return domain.ApplyOutcome{}, err
	}

	existing, ok := m.records[ev.Reference]
	if !ok {
		return domain.ApplyOutcome{Result: domain.ApplyInserted, Record: m.insert(record)}, nil
	}

	outcome := domain.ApplyOutcome{Previous: existing.Status}
	switch {
	case existing.Status == ev.Status:
		outcome.Result = domain.ApplyUnchanged
	case existing.Status.Regresses(ev.Status):
		outcome.Result = domain.ApplyRegressionIgnored
	default:
		existing.Status = ev.Status
		outcome.Result = domain.ApplyUpdated
	}
	outcome.Record = *existing
	return outcome, nil
}
