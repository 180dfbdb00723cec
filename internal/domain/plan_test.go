package domain

import (
	"testing"
	"time"
)

func TestPlanDuration(t *testing.T) {
	tests := []struct {
		plan    string
		want    time.Duration
		wantErr bool
	}{
		{plan: "monthly", want: 30 * 24 * time.Hour},
		{plan: " Monthly ", want: 30 * 24 * time.Hour},
		{plan: "", want: 30 * 24 * time.Hour},
		{plan: "annually", want: 365 * 24 * time.Hour},
		{plan: "weekly", want: 7 * 24 * time.Hour},
		{plan: "lifetime", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			got, err := PlanDuration(tt.plan)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for plan %q", tt.plan)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestExpiresAtIsUTC(t *testing.T) {
	paidAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("WAT", 3600))
	got, err := ExpiresAt("monthly", paidAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 1, 31, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStatusRegresses(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSuccess, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusPending, StatusSuccess, false},
		{StatusSuccess, StatusSuccess, false},
		{StatusFailed, StatusSuccess, false},
		{Status("refunded"), StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.Regresses(tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %t, got %t", tt.from, tt.to, tt.want, got)
		}
	}
}
