package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/store/storetest"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestService(clock *testClock) (*Service, *storetest.MemoryLedger) {
	ledger := storetest.NewMemoryLedger(clock.now)
	svc := NewService(ledger, testLogger(), nil)
	svc.now = clock.now
	return svc, ledger
}

func TestSubscriptionState_OlderSuccessOutlivesNewerFailure(t *testing.T) {
	clock := &testClock{t: testNow}
	svc, _ := newTestService(clock)
	ctx := context.Background()

	validUntil := testNow.Add(2 * 24 * time.Hour)
	_, err := svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "OK", Amount: 10, Status: domain.StatusSuccess, ExpiresAt: &validUntil})
	require.NoError(t, err)

	clock.t = testNow.Add(time.Minute)
	failedUntil := testNow.Add(10 * 24 * time.Hour)
	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "FAIL", Amount: 10, Status: domain.StatusFailed, ExpiresAt: &failedUntil})
	require.NoError(t, err)

	state, err := svc.SubscriptionState(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, state)

	status, err := svc.PaymentStatus(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status.Status, "latest record is the failed attempt")

	clock.t = testNow.Add(3 * 24 * time.Hour)
	state, err = svc.SubscriptionState(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionInactive, state)

	clock.t = testNow.Add(11 * 24 * time.Hour)
	state, err = svc.SubscriptionState(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionInactive, state)
}

func TestSubscriptionState_UnknownOnTransientFailure(t *testing.T) {
	svc, ledger := newTestService(&testClock{t: testNow})
	ledger.FailNext(storetest.Transient("timeout"))

	state, err := svc.SubscriptionState(context.Background(), "a@x.com")
	require.ErrorIs(t, err, store.ErrTransientStorage)
	assert.Equal(t, domain.SubscriptionUnknown, state)
}

func TestSubscriptionState_RequiresEmail(t *testing.T) {
	svc, _ := newTestService(&testClock{t: testNow})

	state, err := svc.SubscriptionState(context.Background(), "  ")
	require.ErrorIs(t, err, ErrEmailRequired)
	assert.Equal(t, domain.SubscriptionUnknown, state)
}

func TestPaymentStatus_TieBreaksOnID(t *testing.T) {
	svc, _ := newTestService(&testClock{t: testNow})
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "P1", Amount: 10, Status: domain.StatusSuccess})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "P2", Amount: 10, Status: domain.StatusFailed})
	require.NoError(t, err)

	status, err := svc.PaymentStatus(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status.Status)
}

func TestPaymentStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(&testClock{t: testNow})

	_, err := svc.PaymentStatus(context.Background(), "nobody@x.com")
	require.ErrorIs(t, err, store.ErrPaymentNotFound)
}

func TestRecordPayment_Defaults(t *testing.T) {
	svc, _ := newTestService(&testClock{t: testNow})

	rec, err := svc.RecordPayment(context.Background(), NewPayment{Email: " a@x.com ", Reference: "PAY1", Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", rec.Email)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, domain.DefaultPlan, rec.PlanType)
	assert.Equal(t, testNow.Add(30*24*time.Hour), rec.ExpiresAt)
}

func TestRecordPayment_Errors(t *testing.T) {
	svc, _ := newTestService(&testClock{t: testNow})
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "PAY1", Amount: 25})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, NewPayment{Email: "b@x.com", Reference: "PAY1", Amount: 5})
	require.ErrorIs(t, err, store.ErrDuplicateReference)

	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "PAY2", Amount: 25, PlanType: "lifetime"})
	require.ErrorIs(t, err, store.ErrInvalidPayment)

	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "PAY3", Amount: 0})
	require.ErrorIs(t, err, store.ErrInvalidPayment)
}

func TestUpdatePaymentStatus(t *testing.T) {
	svc, ledger := newTestService(&testClock{t: testNow})
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "PAY1", Amount: 25})
	require.NoError(t, err)

	require.NoError(t, svc.UpdatePaymentStatus(ctx, "PAY1", domain.StatusSuccess))
	require.NoError(t, svc.UpdatePaymentStatus(ctx, "PAY1", domain.StatusSuccess), "same status is a no-op")
	rec, _ := ledger.Get("PAY1")
	assert.Equal(t, domain.StatusSuccess, rec.Status)

	err = svc.UpdatePaymentStatus(ctx, "MISSING", domain.StatusSuccess)
	require.ErrorIs(t, err, store.ErrPaymentNotFound)

	err = svc.UpdatePaymentStatus(ctx, " ", domain.StatusSuccess)
	require.ErrorIs(t, err, store.ErrInvalidPayment)
}

func TestPaymentHistory_FreshOnEveryCall(t *testing.T) {
	clock := &testClock{t: testNow}
	svc, _ := newTestService(clock)
	ctx := context.Background()

	history, err := svc.PaymentHistory(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "P1", Amount: 10})
	require.NoError(t, err)
	clock.t = testNow.Add(time.Hour)
	_, err = svc.RecordPayment(ctx, NewPayment{Email: "a@x.com", Reference: "P2", Amount: 10})
	require.NoError(t, err)

	history, err = svc.PaymentHistory(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "P2", history[0].Reference)
	assert.Equal(t, "P1", history[1].Reference)
}
