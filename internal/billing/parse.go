package billing

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Tier is a subscription plan level.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Status is a Stripe subscription status as mirrored locally.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
)

// ParseTier validates a free-text tier string from the database or event
// metadata. Unknown values fail closed to the free tier and log the anomaly.
func ParseTier(raw string) Tier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "free":
		return TierFree
	case "pro":
		return TierPro
	case "business":
		return TierBusiness
	default:
		log.Warn().Str("tier", raw).Msg("Unknown subscription tier, defaulting to free")
		return TierFree
	}
}

// ParseStatus validates a free-text status string. Unknown values fail
// closed to canceled so a corrupt row never grants paid access.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "canceled":
		return StatusCanceled
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	case "incomplete":
		return StatusIncomplete
	default:
		log.Warn().Str("status", raw).Msg("Unknown subscription status, defaulting to canceled")
		return StatusCanceled
	}
}

// TierRank orders tiers by price so a schedule is used for downgrades and a
// checkout for upgrades.
func TierRank(t Tier) int {
	switch t {
	case TierPro:
		return 1
	case TierBusiness:
		return 2
	default:
		return 0
	}
}

// IsDowngrade reports whether moving from current to target lowers the tier.
func IsDowngrade(current, target Tier) bool {
	return TierRank(target) < TierRank(current)
}
