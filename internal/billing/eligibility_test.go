package billing

import (
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/store"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func TestFreeTierAlwaysFree(t *testing.T) {
	// Whatever the status or dates say, tier=free wins.
	statuses := []Status{StatusActive, StatusCanceled, StatusPastDue, StatusUnpaid, StatusIncomplete}
	ends := []*time.Time{nil, timePtr(testNow.Add(-time.Hour)), timePtr(testNow.Add(time.Hour))}
	for _, status := range statuses {
		for _, end := range ends {
			for _, cancel := range []bool{false, true} {
				got := ComputeEligibility(TierFree, status, end, cancel, testNow)
				if got.State != StateFree {
					t.Errorf("free tier with status=%s cancel=%v: state=%s, want FREE", status, cancel, got.State)
				}
				if !got.CanCreateNew || !got.CanUpgrade || got.CanCancel || got.CanReactivate {
					t.Errorf("free tier flags wrong: %+v", got)
				}
			}
		}
	}
}

func TestGracePeriodOnlyReactivate(t *testing.T) {
	end := timePtr(testNow.Add(72 * time.Hour))
	got := ComputeEligibility(TierPro, StatusActive, end, true, testNow)
	if got.State != StateCanceledGracePeriod {
		t.Fatalf("state=%s, want CANCELED_GRACE_PERIOD", got.State)
	}
	if !got.CanReactivate {
		t.Error("CanReactivate should be true in grace period")
	}
	if got.CanCreateNew || got.CanUpgrade || got.CanCancel {
		t.Errorf("no other action permitted in grace period: %+v", got)
	}
	if got.GracePeriodEnds == nil || !got.GracePeriodEnds.Equal(*end) {
		t.Errorf("GracePeriodEnds = %v, want %v", got.GracePeriodEnds, end)
	}
}

func TestCanceledExpired(t *testing.T) {
	cases := []*time.Time{
		timePtr(testNow.Add(-time.Minute)),
		timePtr(testNow), // now >= periodEnd is expired, boundary inclusive
		nil,
	}
	for _, end := range cases {
		got := ComputeEligibility(TierPro, StatusActive, end, true, testNow)
		if got.State != StateCanceledExpired {
			t.Errorf("periodEnd=%v: state=%s, want CANCELED_EXPIRED", end, got.State)
		}
		if !got.CanCreateNew || !got.CanUpgrade {
			t.Errorf("expired cancellation should allow re-subscription: %+v", got)
		}
		if got.CanCancel || got.CanReactivate {
			t.Errorf("expired cancellation flags wrong: %+v", got)
		}
	}
}

func TestActiveProScenario(t *testing.T) {
	got := ComputeEligibility(TierPro, StatusActive, timePtr(testNow.Add(720*time.Hour)), false, testNow)
	want := Eligibility{State: StateActive, CanCancel: true, CanUpgrade: true}
	if got.State != want.State || got.CanCancel != want.CanCancel || got.CanUpgrade != want.CanUpgrade ||
		got.CanCreateNew || got.CanReactivate {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDelinquentStates(t *testing.T) {
	cases := map[Status]State{
		StatusPastDue:    StatePastDue,
		StatusIncomplete: StateIncomplete,
		StatusUnpaid:     StateUnpaid,
	}
	for status, wantState := range cases {
		got := ComputeEligibility(TierBusiness, status, nil, false, testNow)
		if got.State != wantState {
			t.Errorf("status=%s: state=%s, want %s", status, got.State, wantState)
		}
		// Treated as if free for re-subscription purposes.
		if !got.CanCreateNew || !got.CanUpgrade {
			t.Errorf("status=%s should allow create/upgrade: %+v", status, got)
		}
		if got.CanCancel {
			t.Errorf("status=%s must not allow cancel: %+v", status, got)
		}
	}
}

func TestCanceledStatusWithoutFlag(t *testing.T) {
	got := ComputeEligibility(TierPro, StatusCanceled, nil, false, testNow)
	if got.State != StateCanceledExpired {
		t.Errorf("state=%s, want CANCELED_EXPIRED", got.State)
	}
}

func TestEligibilityIsPure(t *testing.T) {
	end := timePtr(testNow.Add(time.Hour))
	a := ComputeEligibility(TierPro, StatusActive, end, true, testNow)
	b := ComputeEligibility(TierPro, StatusActive, end, true, testNow)
	if a.State != b.State || a.CanCreateNew != b.CanCreateNew || a.CanUpgrade != b.CanUpgrade ||
		a.CanCancel != b.CanCancel || a.CanReactivate != b.CanReactivate {
		t.Errorf("identical inputs produced different outputs: %+v vs %+v", a, b)
	}
}

func TestEligibilityForNilRecordIsFree(t *testing.T) {
	got := EligibilityFor(nil, testNow)
	if got.State != StateFree {
		t.Errorf("nil record should be FREE, got %s", got.State)
	}
}

func TestEligibilityForRecordParsesAtBoundary(t *testing.T) {
	// Garbage tier in the database fails closed to free.
	sub := &store.Subscription{Tier: "platinum", Status: "active"}
	if got := EligibilityFor(sub, testNow); got.State != StateFree {
		t.Errorf("unknown tier should fail closed to FREE, got %s", got.State)
	}

	// Garbage status fails closed to canceled.
	sub = &store.Subscription{Tier: "pro", Status: "weird"}
	if got := EligibilityFor(sub, testNow); got.State != StateCanceledExpired {
		t.Errorf("unknown status should fail closed to CANCELED_EXPIRED, got %s", got.State)
	}
}
