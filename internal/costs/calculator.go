package costs

import (
	"github.com/shopspring/decimal"
)

// FeeSchedule holds every fee term of a round trip. Each term is
// independently configurable; defaults mirror Indian discount-broker
// contract notes (NSE equity intraday).
type FeeSchedule struct {
	BrokerageFlatPerSide decimal.Decimal // flat cap per leg
	BrokeragePctPerSide  decimal.Decimal // fraction of leg value, charged if lower than flat
	IGSTRate             decimal.Decimal // on brokerage + exchange + SEBI + IPFT
	STTSellRate          decimal.Decimal // sell leg only
	ExchangeRate         decimal.Decimal // on turnover
	SEBIRate             decimal.Decimal // on turnover
	StampDutyBuyRate     decimal.Decimal // buy leg only
	IPFTRate             decimal.Decimal // on turnover
}

// DefaultFeeSchedule returns rates validated against real contract notes.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BrokerageFlatPerSide: decimal.NewFromInt(1),
		BrokeragePctPerSide:  decimal.NewFromFloat(0.0001),   // 0.01%
		IGSTRate:             decimal.NewFromFloat(0.18),     // 18%
		STTSellRate:          decimal.NewFromFloat(0.00025),  // 0.025%
		ExchangeRate:         decimal.NewFromFloat(0.0000325),
		SEBIRate:             decimal.NewFromFloat(0.0000001), // Rs10 per crore
		StampDutyBuyRate:     decimal.NewFromFloat(0.00003),   // 0.003%
		IPFTRate:             decimal.NewFromFloat(0.000001),
	}
}

// Breakdown is the per-term cost of one round trip, each term rounded
// to currency precision.
type Breakdown struct {
	Brokerage       decimal.Decimal `json:"brokerage"`
	IGST            decimal.Decimal `json:"igst"`
	STT             decimal.Decimal `json:"stt"`
	ExchangeCharges decimal.Decimal `json:"exchange_charges"`
	SEBIFees        decimal.Decimal `json:"sebi_fees"`
	StampDuty       decimal.Decimal `json:"stamp_duty"`
	IPFT            decimal.Decimal `json:"ipft"`
}

// Total is the full round-trip cost.
func (b Breakdown) Total() decimal.Decimal {
	return b.Brokerage.
		Add(b.IGST).
		Add(b.STT).
		Add(b.ExchangeCharges).
		Add(b.SEBIFees).
		Add(b.StampDuty).
		Add(b.IPFT)
}

// Estimate carries every metric the validator computed, returned for
// audit logging whether or not the trade passed.
type Estimate struct {
	Breakdown           Breakdown       `json:"breakdown"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	CostPerShare        decimal.Decimal `json:"cost_per_share"`
	RequiredMove        decimal.Decimal `json:"required_move"` // per share, after buffer multiplier
	ExpectedMove        decimal.Decimal `json:"expected_move"` // per share
	ExpectedGrossProfit decimal.Decimal `json:"expected_gross_profit"`
	ExpectedNetProfit   decimal.Decimal `json:"expected_net_profit"`
	CostRatio           decimal.Decimal `json:"cost_ratio"` // total cost / expected gross profit
}

// Rejection reason codes emitted by Validate.
const (
	ReasonInsufficientMove = "insufficient_expected_move"
	ReasonCostRatio        = "cost_ratio_exceeded"
	ReasonNegativeNet      = "negative_net_profit"
)

// Calculator computes deterministic round-trip costs and validates
// expected profitability against them. It is pure; safe to call
// concurrently across signals.
type Calculator struct {
	fees              FeeSchedule
	minMoveMultiplier decimal.Decimal // expected move must exceed this multiple of cost/share
	maxCostRatio      decimal.Decimal
}

func NewCalculator(fees FeeSchedule, minMoveMultiplier, maxCostRatio decimal.Decimal) *Calculator {
	return &Calculator{fees: fees, minMoveMultiplier: minMoveMultiplier, maxCostRatio: maxCostRatio}
}

// currency rounds to 2 decimals, half up.
func currency(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundTrip computes the full cost of buying and selling qty shares.
// exit zero means "assume exit at entry", the conservative pre-trade case.
func (c *Calculator) RoundTrip(qty int64, entry, exit decimal.Decimal) Breakdown {
	if exit.IsZero() {
		exit = entry
	}
	q := decimal.NewFromInt(qty)
	buyValue := q.Mul(entry)
	sellValue := q.Mul(exit)
	turnover := buyValue.Add(sellValue)

	brokerage := decimal.Min(c.fees.BrokerageFlatPerSide, buyValue.Mul(c.fees.BrokeragePctPerSide)).
		Add(decimal.Min(c.fees.BrokerageFlatPerSide, sellValue.Mul(c.fees.BrokeragePctPerSide)))
	exchange := turnover.Mul(c.fees.ExchangeRate)
	sebi := turnover.Mul(c.fees.SEBIRate)
	ipft := turnover.Mul(c.fees.IPFTRate)
	igst := brokerage.Add(exchange).Add(sebi).Add(ipft).Mul(c.fees.IGSTRate)
	stt := sellValue.Mul(c.fees.STTSellRate)
	stamp := buyValue.Mul(c.fees.StampDutyBuyRate)

	return Breakdown{
		Brokerage:       currency(brokerage),
		IGST:            currency(igst),
		STT:             currency(stt),
		ExchangeCharges: currency(exchange),
		SEBIFees:        currency(sebi),
		StampDuty:       currency(stamp),
		IPFT:            currency(ipft),
	}
}

// CostPerShare is the rounded per-share round-trip cost.
func (c *Calculator) CostPerShare(qty int64, entry decimal.Decimal) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return currency(c.RoundTrip(qty, entry, decimal.Zero).Total().Div(decimal.NewFromInt(qty)))
}

// BreakevenPrice is the entry shifted by cost per share against the
// trade direction.
func (c *Calculator) BreakevenPrice(qty int64, entry decimal.Decimal, long bool) decimal.Decimal {
	cps := c.CostPerShare(qty, entry)
	if long {
		return currency(entry.Add(cps))
	}
	return currency(entry.Sub(cps))
}

// Validate runs the three profitability checks in order and reports the
// first failure. The Estimate is always fully populated for logging.
func (c *Calculator) Validate(qty int64, entry, expectedMovePerShare decimal.Decimal) (Estimate, string, bool) {
	bd := c.RoundTrip(qty, entry, decimal.Zero)
	total := bd.Total()
	q := decimal.NewFromInt(qty)

	cps := decimal.Zero
	if qty > 0 {
		cps = currency(total.Div(q))
	}
	gross := expectedMovePerShare.Mul(q)
	net := gross.Sub(total)
	required := cps.Mul(c.minMoveMultiplier)

	est := Estimate{
		Breakdown:           bd,
		TotalCost:           total,
		CostPerShare:        cps,
		RequiredMove:        required,
		ExpectedMove:        expectedMovePerShare,
		ExpectedGrossProfit: currency(gross),
		ExpectedNetProfit:   currency(net),
	}
	if gross.IsPositive() {
		est.CostRatio = total.Div(gross).Round(4)
	}

	if expectedMovePerShare.LessThan(required) {
		return est, ReasonInsufficientMove, false
	}
	if !gross.IsPositive() || est.CostRatio.GreaterThan(c.maxCostRatio) {
		return est, ReasonCostRatio, false
	}
	if !net.IsPositive() {
		return est, ReasonNegativeNet, false
	}
	return est, "", true
}
