package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/store/storetest"
)

func seed(t *testing.T, ledger *storetest.MemoryLedger, reference string, expiresAt time.Time) {
	t.Helper()
	_, err := ledger.StorePayment(context.Background(), domain.PaymentRecord{
		Email:     "a@x.com",
		Reference: reference,
		Amount:    10,
		Status:    domain.StatusSuccess,
		PlanType:  "monthly",
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", reference, err)
	}
}

func TestSweeper_DeletesOnlyPastRetention(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	retention := 30 * 24 * time.Hour

	seed(t, ledger, "ANCIENT", testNow.Add(-60*24*time.Hour))
	seed(t, ledger, "JUST_PAST_RETENTION", testNow.Add(-31*24*time.Hour))
	seed(t, ledger, "JUST_INSIDE_RETENTION", testNow.Add(-29*24*time.Hour))
	seed(t, ledger, "EXPIRED_RECENTLY", testNow.Add(-5*24*time.Hour))
	seed(t, ledger, "LIVE", testNow.Add(5*24*time.Hour))

	sweeper := NewSweeper(ledger, retention, time.Second, testLogger(), nil)

	deleted, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	for _, reference := range []string{"ANCIENT", "JUST_PAST_RETENTION"} {
		if _, ok := ledger.Get(reference); ok {
			t.Fatalf("expected %s past retention to be deleted", reference)
		}
	}
	if _, ok := ledger.Get("JUST_INSIDE_RETENTION"); !ok {
		t.Fatal("record one day inside the retention window must be kept")
	}
	if _, ok := ledger.Get("EXPIRED_RECENTLY"); !ok {
		t.Fatal("expired record inside the retention window must be kept")
	}

	deleted, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", deleted)
	}
}

func TestSweeper_ReportsFailure(t *testing.T) {
	ledger := storetest.NewMemoryLedger(func() time.Time { return testNow })
	ledger.FailNext(storetest.Transient("disk full"))
	sweeper := NewSweeper(ledger, time.Hour, 0, testLogger(), nil)

	if _, err := sweeper.Sweep(context.Background()); !store.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	ledger := storetest.NewMemoryLedger(nil)
	sweeper := NewSweeper(ledger, time.Hour, 0, testLogger(), nil)
	scheduler := NewScheduler(sweeper, time.Hour, testLogger())

	scheduler.Start()
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
