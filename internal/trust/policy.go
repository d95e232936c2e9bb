package trust

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Deltas is what a tier adds to the base hold period and early-release fee.
type Deltas struct {
	HoldDays int
	FeePct   decimal.Decimal
}

var tierDeltas = map[enums.TrustTier]Deltas{
	enums.TrustTierA: {HoldDays: -7, FeePct: decimal.RequireFromString("-2.0")},
	enums.TrustTierB: {HoldDays: -3, FeePct: decimal.RequireFromString("-1.0")},
	enums.TrustTierC: {HoldDays: 0, FeePct: decimal.Zero},
	enums.TrustTierD: {HoldDays: 7, FeePct: decimal.RequireFromString("2.0")},
}

// DeltasFor returns the tier deltas; unknown tiers are treated as C.
func DeltasFor(tier enums.TrustTier) Deltas {
	if d, ok := tierDeltas[tier]; ok {
		return d
	}
	return tierDeltas[enums.TrustTierC]
}

// Base is the tenant-independent starting point before tier deltas.
type Base struct {
	HoldDays int
	FeePct   decimal.Decimal
}

// Terms are the effective hold and fee for a seller.
type Terms struct {
	Tier     enums.TrustTier `json:"tier"`
	HoldDays int             `json:"hold_days"`
	FeePct   decimal.Decimal `json:"early_release_fee_pct"`
}

// EffectiveTerms applies tier deltas to base, clamped at zero. A tenant hold
// override replaces the base hold days; the tier delta still applies.
func EffectiveTerms(tier enums.TrustTier, base Base, holdOverride *int) Terms {
	if !tier.IsValid() {
		tier = enums.TrustTierC
	}
	d := DeltasFor(tier)
	hold := base.HoldDays
	if holdOverride != nil {
		hold = *holdOverride
	}
	hold += d.HoldDays
	if hold < 0 {
		hold = 0
	}
	fee := base.FeePct.Add(d.FeePct)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return Terms{Tier: tier, HoldDays: hold, FeePct: fee}
}
