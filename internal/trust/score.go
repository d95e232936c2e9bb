package trust

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Signals are the aggregated seller behaviour over the scoring window.
type Signals struct {
	Orders        int `json:"orders" gorm:"column:orders"`
	LateShipments int `json:"late_shipments" gorm:"column:late_shipments"`
	Disputes      int `json:"disputes" gorm:"column:disputes"`
	Chargebacks   int `json:"chargebacks" gorm:"column:chargebacks"`
	SLABreaches   int `json:"sla_breaches" gorm:"column:sla_breaches"`
}

// Components is the breakdown persisted with the score.
type Components struct {
	Signals           Signals         `json:"signals"`
	LatePenalty       decimal.Decimal `json:"late_penalty"`
	DisputePenalty    decimal.Decimal `json:"dispute_penalty"`
	ChargebackPenalty decimal.Decimal `json:"chargeback_penalty"`
	SLAPenalty        decimal.Decimal `json:"sla_penalty"`
	RatesApplied      bool            `json:"rates_applied"`
}

// Weights bound each penalty.
type Weights struct {
	LateMax        decimal.Decimal
	DisputeMax     decimal.Decimal
	SLAPerBreach   decimal.Decimal
	SLAMax         decimal.Decimal
	ChargebackRate decimal.Decimal
	MinOrders      int
}

func DefaultWeights(chargebackWeight float64, minOrders int) Weights {
	return Weights{
		LateMax:        decimal.NewFromInt(40),
		DisputeMax:     decimal.NewFromInt(20),
		SLAPerBreach:   decimal.NewFromInt(3),
		SLAMax:         decimal.NewFromInt(15),
		ChargebackRate: decimal.NewFromFloat(chargebackWeight),
		MinOrders:      minOrders,
	}
}

var hundred = decimal.NewFromInt(100)

// Compute returns a 0..100 score. Rate based penalties only apply once the
// seller has MinOrders orders in the window.
func Compute(s Signals, w Weights) (int, Components) {
	c := Components{
		Signals:           s,
		LatePenalty:       decimal.Zero,
		DisputePenalty:    decimal.Zero,
		ChargebackPenalty: decimal.Zero,
	}
	if s.Orders > 0 && s.Orders >= w.MinOrders {
		c.RatesApplied = true
		orders := decimal.NewFromInt(int64(s.Orders))
		lateRate := decimal.NewFromInt(int64(s.LateShipments)).Div(orders)
		disputeRate := decimal.NewFromInt(int64(s.Disputes)).Div(orders)
		chargebackRate := decimal.NewFromInt(int64(s.Chargebacks)).Div(orders)

		c.LatePenalty = decimal.Min(w.LateMax, lateRate.Mul(w.LateMax))
		c.DisputePenalty = decimal.Min(w.DisputeMax, disputeRate.Mul(hundred))
		c.ChargebackPenalty = decimal.Min(w.ChargebackRate, chargebackRate.Mul(w.ChargebackRate))
	}
	c.SLAPenalty = decimal.Min(w.SLAMax, decimal.NewFromInt(int64(s.SLABreaches)).Mul(w.SLAPerBreach))

	score := hundred.
		Sub(c.LatePenalty).
		Sub(c.DisputePenalty).
		Sub(c.ChargebackPenalty).
		Sub(c.SLAPenalty).
		Round(0)
	v := int(score.IntPart())
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, c
}

// TierFor maps a score to its tier.
func TierFor(score int) enums.TrustTier {
	switch {
	case score >= 85:
		return enums.TrustTierA
	case score >= 70:
		return enums.TrustTierB
	case score >= 50:
		return enums.TrustTierC
	default:
		return enums.TrustTierD
	}
}
