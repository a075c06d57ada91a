package sizer

import (
	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
)

// Rejection reason codes.
const (
	ReasonDegenerateStop = "degenerate_stop"
	ReasonRiskTooHigh    = "risk_too_high_for_one_share"
)

// Config holds the sizing knobs that are not layer-specific.
type Config struct {
	GlobalMaxPerTradeRisk decimal.Decimal
	SingleTradeCapPct     float64 // of layer capital, default 25
}

// Result is a fully sized order candidate. Every field is recomputed
// from the final quantity so the audit trail matches what gets placed.
type Result struct {
	Quantity        int64           `json:"quantity"`
	RiskPerShare    decimal.Decimal `json:"risk_per_share"`
	RiskAmount      decimal.Decimal `json:"risk_amount"`
	CapitalRequired decimal.Decimal `json:"capital_required"`
	LayerCapital    decimal.Decimal `json:"layer_capital"`
}

// Sizer converts a signal's per-share risk into a share quantity under
// the layer's capital budget. It is pure: the exposure check against
// live reservations belongs to the risk engine at admission time.
type Sizer struct {
	cfg Config
}

func New(cfg Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the quantity for a signal. allocationPct and riskPct
// are the layer's effective (drawdown-adjusted) percentages; multiplier
// is the pre-entry gate's size factor.
func (s *Sizer) Size(sig models.TradeSignal, totalCapital decimal.Decimal, allocationPct, riskPct float64, multiplier decimal.Decimal) (Result, string, bool) {
	riskPerShare := sig.RiskPerShare()
	if !riskPerShare.IsPositive() {
		return Result{RiskPerShare: riskPerShare}, ReasonDegenerateStop, false
	}

	hundred := decimal.NewFromInt(100)
	layerCapital := totalCapital.Mul(decimal.NewFromFloat(allocationPct)).Div(hundred)
	res := Result{RiskPerShare: riskPerShare, LayerCapital: layerCapital}

	maxRisk := decimal.Min(
		s.cfg.GlobalMaxPerTradeRisk,
		layerCapital.Mul(decimal.NewFromFloat(riskPct)).Div(hundred),
	)
	qty := maxRisk.Div(riskPerShare).IntPart()
	if qty < 1 {
		return res, ReasonRiskTooHigh, false
	}

	// Single-trade capital cap: one position may not consume more than
	// a fixed slice of its layer's capital.
	capAmount := layerCapital.Mul(decimal.NewFromFloat(s.cfg.SingleTradeCapPct)).Div(hundred)
	if decimal.NewFromInt(qty).Mul(sig.Entry).GreaterThan(capAmount) {
		qty = capAmount.Div(sig.Entry).IntPart()
	}

	if multiplier.LessThan(decimal.NewFromInt(1)) {
		qty = decimal.NewFromInt(qty).Mul(multiplier).IntPart()
	}
	if qty < 1 {
		return res, ReasonRiskTooHigh, false
	}

	q := decimal.NewFromInt(qty)
	res.Quantity = qty
	res.RiskAmount = q.Mul(riskPerShare)
	res.CapitalRequired = q.Mul(sig.Entry)
	return res, "", true
}
