package billing

import (
	"time"

	"github.com/crewdeck/crewdeck/internal/store"
)

// State is the derived subscription state. It is computed on read and never
// persisted.
type State string

const (
	StateFree                State = "FREE"
	StateActive              State = "ACTIVE"
	StateCanceledGracePeriod State = "CANCELED_GRACE_PERIOD"
	StateCanceledExpired     State = "CANCELED_EXPIRED"
	StatePastDue             State = "PAST_DUE"
	StateIncomplete          State = "INCOMPLETE"
	StateUnpaid              State = "UNPAID"
)

// Eligibility is the set of billing actions permitted in the current state.
type Eligibility struct {
	State           State      `json:"state"`
	CanCreateNew    bool       `json:"can_create_new"`
	CanUpgrade      bool       `json:"can_upgrade"`
	CanCancel       bool       `json:"can_cancel"`
	CanReactivate   bool       `json:"can_reactivate"`
	GracePeriodEnds *time.Time `json:"grace_period_ends,omitempty"`
}

// ComputeEligibility maps (tier, status, period end, cancel flag) to a
// derived state and the set of allowed actions. Pure and deterministic.
func ComputeEligibility(tier Tier, status Status, periodEnd *time.Time, cancelAtPeriodEnd bool, now time.Time) Eligibility {
	if tier == TierFree {
		return Eligibility{State: StateFree, CanCreateNew: true, CanUpgrade: true}
	}

	if cancelAtPeriodEnd {
		if periodEnd != nil && now.Before(*periodEnd) {
			// Paid access remains until the period ends; the only way out
			// is reactivation.
			return Eligibility{
				State:           StateCanceledGracePeriod,
				CanReactivate:   true,
				GracePeriodEnds: periodEnd,
			}
		}
		return Eligibility{State: StateCanceledExpired, CanCreateNew: true, CanUpgrade: true}
	}

	switch status {
	case StatusActive:
		return Eligibility{State: StateActive, CanCancel: true, CanUpgrade: true}
	case StatusPastDue:
		return Eligibility{State: StatePastDue, CanCreateNew: true, CanUpgrade: true}
	case StatusIncomplete:
		return Eligibility{State: StateIncomplete, CanCreateNew: true, CanUpgrade: true}
	case StatusUnpaid:
		return Eligibility{State: StateUnpaid, CanCreateNew: true, CanUpgrade: true}
	default:
		// Canceled without a grace window (e.g. provider-side deletion).
		return Eligibility{State: StateCanceledExpired, CanCreateNew: true, CanUpgrade: true}
	}
}

// EligibilityFor computes eligibility for a local subscription record. A nil
// record is the free tier.
func EligibilityFor(sub *store.Subscription, now time.Time) Eligibility {
	if sub == nil {
		return ComputeEligibility(TierFree, StatusActive, nil, false, now)
	}
	return ComputeEligibility(
		ParseTier(sub.Tier),
		ParseStatus(sub.Status),
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		now,
	)
}
