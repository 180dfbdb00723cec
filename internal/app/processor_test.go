package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/store/storetest"
	"github.com/transfa/subscription-ledger/internal/webhook"
)

var testNow = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publisherStub struct {
	mu       sync.Mutex
	keys     []string
	payloads []any
	err      error
}

func (p *publisherStub) Publish(ctx context.Context, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.payloads = append(p.payloads, body)
	return p.err
}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func newTestProcessor(ledger Ledger, opts ...ProcessorOption) *Processor {
	parser := webhook.NewParser(func() time.Time { return testNow })
	opts = append([]ProcessorOption{WithRetryBase(0)}, opts...)
	return NewProcessor(ledger, parser, testLogger(), opts...)
}

func chargeBody(event, reference string) []byte {
	return []byte(`{"event":"` + event + `","data":{"reference":"` + reference + `","email":"a@x.com","amount":10,"plan":"monthly"}}`)
}

func TestProcess_FirstDeliveryInsertsSuccess(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	pub := &publisherStub{}
	p := newTestProcessor(ledger, WithPublisher(pub))

	res, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.ApplyInserted, res.Apply)
	assert.Equal(t, "PAY1", res.Reference)

	rec, ok := ledger.Get("PAY1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, rec.Status)
	assert.Equal(t, "a@x.com", rec.Email)
	assert.Equal(t, testNow.Add(30*24*time.Hour), rec.ExpiresAt)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, PaymentSucceededRoutingKey, pub.keys[0])
	assert.Equal(t, domain.PaymentSucceededEvent{Reference: "PAY1", Email: "a@x.com", PlanType: "monthly", ExpiresAt: rec.ExpiresAt}, pub.payloads[0])
}

func TestProcess_ReplaysAreIdempotent(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	pub := &publisherStub{}
	p := newTestProcessor(ledger, WithPublisher(pub))
	body := chargeBody("charge.success", "PAY1")

	_, err := p.Process(context.Background(), body)
	require.NoError(t, err)
	first, _ := ledger.Get("PAY1")

	for i := 0; i < 5; i++ {
		res, err := p.Process(context.Background(), body)
		require.NoError(t, err)
		assert.Equal(t, domain.ApplyUnchanged, res.Apply)
	}

	assert.Equal(t, 1, ledger.Len())
	last, _ := ledger.Get("PAY1")
	assert.Equal(t, first, last)
	assert.Equal(t, 1, pub.count(), "replays must not publish again")
}

func TestProcess_ConcurrentDeliveriesInsertOnce(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	p := newTestProcessor(ledger)
	body := chargeBody("charge.success", "PAY1")

	const workers = 16
	results := make(chan domain.ApplyResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(context.Background(), body)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- res.Apply
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for r := range results {
		if r == domain.ApplyInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, ledger.Len())
}

func TestProcess_LatePendingDoesNotRegressSuccess(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	p := newTestProcessor(ledger)

	_, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.NoError(t, err)

	res, err := p.Process(context.Background(), chargeBody("charge.pending", "PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.ApplyRegressionIgnored, res.Apply)

	rec, _ := ledger.Get("PAY1")
	assert.Equal(t, domain.StatusSuccess, rec.Status)
}

func TestProcess_PendingThenSuccessUpdatesStatusOnly(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	pub := &publisherStub{}
	p := newTestProcessor(ledger, WithPublisher(pub))

	_, err := p.Process(context.Background(), []byte(`{"event":"charge.pending","data":{"reference":"PAY1","email":"a@x.com","amount":10,"plan":"annually"}}`))
	require.NoError(t, err)
	before, _ := ledger.Get("PAY1")
	assert.Equal(t, 0, pub.count())

	res, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApplyUpdated, res.Apply)

	after, _ := ledger.Get("PAY1")
	assert.Equal(t, domain.StatusSuccess, after.Status)
	assert.Equal(t, before.PlanType, after.PlanType)
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, 1, pub.count())
}

func TestProcess_UnknownEventIsIgnored(t *testing.T) {
	ledger := storetest.NewMemoryLedger(nil)
	p := newTestProcessor(ledger)

	res, err := p.Process(context.Background(), []byte(`{"event":"subscription.create","data":{"reference":"X"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "subscription.create", res.EventType)
	assert.Zero(t, ledger.ApplyCalls())
}

func TestProcess_MalformedEventIsRejected(t *testing.T) {
	ledger := storetest.NewMemoryLedger(nil)
	p := newTestProcessor(ledger)

	res, err := p.Process(context.Background(), []byte(`{"event":"charge.success","data":{"reference":"PAY1"}}`))
	require.ErrorIs(t, err, webhook.ErrMalformedEvent)
	assert.Equal(t, "charge.success", res.EventType)
	assert.Zero(t, ledger.ApplyCalls())
	assert.Zero(t, ledger.Len())
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	ledger.FailNext(storetest.Transient("lock timeout"), storetest.Transient("conn reset"))
	p := newTestProcessor(ledger, WithApplyAttempts(3))

	res, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApplyInserted, res.Apply)
	assert.Equal(t, 3, ledger.ApplyCalls())
	assert.Equal(t, 1, ledger.Len())
}

func TestProcess_GivesUpAfterAttempts(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	ledger.FailNext(storetest.Transient("a"), storetest.Transient("b"), storetest.Transient("c"))
	p := newTestProcessor(ledger, WithApplyAttempts(3))

	_, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.ErrorIs(t, err, store.ErrTransientStorage)
	assert.Equal(t, 3, ledger.ApplyCalls())
	assert.Zero(t, ledger.Len())
}

func TestProcess_DoesNotRetryPermanentErrors(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	boom := errors.New("constraint check failed")
	ledger.FailNext(boom)
	p := newTestProcessor(ledger, WithApplyAttempts(3))

	_, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ledger.ApplyCalls())
}

func TestProcess_StopsRetryingWhenContextEnds(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	ledger.FailNext(storetest.Transient("a"), storetest.Transient("b"))
	p := newTestProcessor(ledger, WithApplyAttempts(3), WithRetryBase(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Process(ctx, chargeBody("charge.success", "PAY1"))
	require.ErrorIs(t, err, store.ErrTransientStorage)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ledger.ApplyCalls())
}

func TestProcess_PublishFailureDoesNotFailDelivery(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	pub := &publisherStub{err: errors.New("channel closed")}
	p := newTestProcessor(ledger, WithPublisher(pub))

	res, err := p.Process(context.Background(), chargeBody("charge.success", "PAY1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApplyInserted, res.Apply)
	assert.Equal(t, 1, pub.count())
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 6, want: maxRetryDelay},
		{attempt: 40, want: maxRetryDelay},
	}
	for _, tt := range tests {
		if got := retryDelay(100*time.Millisecond, tt.attempt); got != tt.want {
			t.Fatalf("retryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
