package performance

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
)

// TradeRecord is one closed trade in a layer's trailing window.
type TradeRecord struct {
	PnL      decimal.Decimal `json:"pnl"`
	Costs    decimal.Decimal `json:"costs"`
	Equity   decimal.Decimal `json:"equity"` // layer equity after the close
	ClosedAt time.Time       `json:"closed_at"`
}

// Bands holds the scoring thresholds. Every number here is
// configuration, not a constant: grade buckets and kill criteria move
// with the product, not the code.
type Bands struct {
	WindowMaxTrades int           // default 100
	WindowMaxAge    time.Duration // default 30 days

	GoodReturnPct      float64 // default 5 (per window)
	ExcellentReturnPct float64 // default 10
	GoodProfitFactor   float64 // default 1.5
	ExcelProfitFactor  float64 // default 2.0
	MaxAcceptableDDPct float64 // default 10
	GoodWinRatePct     float64 // default 50
	ExcelWinRatePct    float64 // default 60

	GradePoor  float64 // default 40
	GradeFair  float64 // default 50
	GradeGood  float64 // default 70
	GradeExcel float64 // default 90

	TrendStrongUp   float64 // equity slope per trade, default 0.05
	TrendMildUp     float64 // default 0.02
	TrendMildDown   float64 // default -0.02
	TrendStrongDown float64 // default -0.05

	MinTradesForKill int     // default 50
	KillCostRatio    float64 // default 0.5
}

// Score is the per-layer rebalance input: five weighted components
// summing to at most 100, a grade bucket, and the kill flag.
type Score struct {
	Layer models.Layer `json:"layer"`

	ReturnScore       float64 `json:"return_score"`        // of 30
	ProfitFactorScore float64 `json:"profit_factor_score"` // of 20
	DrawdownScore     float64 `json:"drawdown_score"`      // of 20
	WinRateScore      float64 `json:"win_rate_score"`      // of 15
	TrendScore        float64 `json:"trend_score"`         // of 15
	Total             float64 `json:"total"`

	Grade        string  `json:"grade"`
	ForcedKill   bool    `json:"forced_kill"`
	TradeCount   int     `json:"trade_count"`
	ProfitFactor float64 `json:"profit_factor"`
	WinRatePct   float64 `json:"win_rate_pct"`
}

// Tracker maintains the trailing trade window per layer. Writes happen
// on trade closes; the allocator pulls a scores snapshot at rebalance
// time, so the feedback loop stays an explicit periodic pull.
type Tracker struct {
	mu     sync.Mutex
	bands  Bands
	trades map[models.Layer][]TradeRecord
}

func NewTracker(bands Bands) *Tracker {
	t := &Tracker{bands: bands, trades: make(map[models.Layer][]TradeRecord)}
	for _, l := range models.Layers() {
		t.trades[l] = nil
	}
	return t
}

// Seed installs persisted history at process start.
func (t *Tracker) Seed(history map[models.Layer][]TradeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l, recs := range history {
		t.trades[l] = append([]TradeRecord(nil), recs...)
	}
}

// Record appends a closed trade and trims the window.
func (t *Tracker) Record(layer models.Layer, rec TradeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := append(t.trades[layer], rec)
	if n := len(recs); n > t.bands.WindowMaxTrades {
		recs = recs[n-t.bands.WindowMaxTrades:]
	}
	t.trades[layer] = recs
}

// History returns a copy of every layer's window, for persistence.
func (t *Tracker) History() map[models.Layer][]TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.Layer][]TradeRecord, len(t.trades))
	for l, recs := range t.trades {
		out[l] = append([]TradeRecord(nil), recs...)
	}
	return out
}

// Scores computes a snapshot for every layer against its allocated
// capital. asOf bounds the window by age.
func (t *Tracker) Scores(allocated map[models.Layer]decimal.Decimal, asOf time.Time) map[models.Layer]Score {
	out := make(map[models.Layer]Score, len(t.trades))
	for _, l := range models.Layers() {
		out[l] = t.Score(l, allocated[l], asOf)
	}
	return out
}

// Score computes one layer's 0-100 score. A layer with no closed
// trades in the window scores a neutral 50 with components at half
// weight.
func (t *Tracker) Score(layer models.Layer, allocatedCapital decimal.Decimal, asOf time.Time) Score {
	t.mu.Lock()
	recs := t.windowLocked(layer, asOf)
	t.mu.Unlock()

	s := Score{Layer: layer, TradeCount: len(recs)}
	if len(recs) == 0 {
		s.ReturnScore, s.ProfitFactorScore, s.DrawdownScore = 15, 10, 10
		s.WinRateScore, s.TrendScore = 7.5, 7.5
		s.Total = 50
		s.Grade = t.grade(s.Total)
		return s
	}

	var grossProfit, grossLoss, netPnL, totalCosts float64
	wins := 0
	equity := make([]float64, 0, len(recs))
	for _, r := range recs {
		pnl := toFloat(r.PnL)
		netPnL += pnl
		totalCosts += toFloat(r.Costs)
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
		equity = append(equity, toFloat(r.Equity))
	}

	pf := math.Inf(1)
	if grossLoss > 0 {
		pf = grossProfit / grossLoss
	} else if grossProfit == 0 {
		pf = 0
	}
	winRate := float64(wins) / float64(len(recs)) * 100
	ddPct := maxDrawdownPct(equity)
	slope := equitySlope(equity)

	capitalF := toFloat(allocatedCapital)
	returnPct := 0.0
	if capitalF > 0 {
		returnPct = netPnL / capitalF * 100
	}

	s.ReturnScore = t.scoreReturns(returnPct)
	s.ProfitFactorScore = t.scoreProfitFactor(pf)
	s.DrawdownScore = t.scoreDrawdown(ddPct)
	s.WinRateScore = t.scoreWinRate(winRate)
	s.TrendScore = t.scoreTrend(slope)
	s.Total = clamp(s.ReturnScore+s.ProfitFactorScore+s.DrawdownScore+s.WinRateScore+s.TrendScore, 0, 100)
	s.Grade = t.grade(s.Total)
	s.ProfitFactor = pf
	s.WinRatePct = winRate

	// The kill flag is independent of the numeric score: a layer that
	// loses money (or burns its profit in fees) over a statistically
	// meaningful sample gets zeroed at the next rebalance.
	if len(recs) >= t.bands.MinTradesForKill {
		if pf < 1.0 {
			s.ForcedKill = true
		}
		if grossProfit > 0 && totalCosts/grossProfit > t.bands.KillCostRatio {
			s.ForcedKill = true
		}
	}
	return s
}

// windowLocked trims by age and returns the live window.
func (t *Tracker) windowLocked(layer models.Layer, asOf time.Time) []TradeRecord {
	recs := t.trades[layer]
	if t.bands.WindowMaxAge <= 0 {
		return recs
	}
	cutoff := asOf.Add(-t.bands.WindowMaxAge)
	for i, r := range recs {
		if r.ClosedAt.After(cutoff) {
			return recs[i:]
		}
	}
	return nil
}

func (t *Tracker) grade(total float64) string {
	switch {
	case total >= t.bands.GradeExcel:
		return "excellent"
	case total >= t.bands.GradeGood:
		return "good"
	case total >= t.bands.GradeFair:
		return "fair"
	case total >= t.bands.GradePoor:
		return "poor"
	default:
		return "critical"
	}
}

func (t *Tracker) scoreReturns(returnPct float64) float64 {
	good, excellent := t.bands.GoodReturnPct, t.bands.ExcellentReturnPct
	switch {
	case returnPct >= excellent:
		return 30
	case returnPct >= good:
		return 20 + 10*(returnPct-good)/(excellent-good)
	case returnPct > 0:
		return 15 + 5*returnPct/good
	case returnPct == 0:
		return 15
	default:
		penalty := math.Min(-returnPct/t.bands.MaxAcceptableDDPct, 1)
		return math.Max(0, 15-15*penalty)
	}
}

func (t *Tracker) scoreProfitFactor(pf float64) float64 {
	good, excellent := t.bands.GoodProfitFactor, t.bands.ExcelProfitFactor
	switch {
	case pf >= excellent:
		return 20
	case pf >= good:
		return 15 + 5*(pf-good)/(excellent-good)
	case pf >= 1:
		return 10 + 5*(pf-1)/(good-1)
	default:
		return math.Max(0, 10*pf)
	}
}

func (t *Tracker) scoreDrawdown(ddPct float64) float64 {
	max := t.bands.MaxAcceptableDDPct
	half := max / 2
	switch {
	case ddPct == 0:
		return 20
	case ddPct <= half:
		return 20 - ddPct/half*5
	case ddPct <= max:
		return 15 - (ddPct-half)/half*10
	default:
		penalty := math.Min((ddPct-max)/max, 1)
		return math.Max(0, 5-5*penalty)
	}
}

func (t *Tracker) scoreWinRate(winRatePct float64) float64 {
	good, excellent := t.bands.GoodWinRatePct, t.bands.ExcelWinRatePct
	switch {
	case winRatePct >= excellent:
		return 15
	case winRatePct >= good:
		return 10 + 5*(winRatePct-good)/(excellent-good)
	default:
		return math.Max(0, 10*winRatePct/good)
	}
}

func (t *Tracker) scoreTrend(slope float64) float64 {
	b := t.bands
	switch {
	case slope >= b.TrendStrongUp:
		return 15
	case slope >= b.TrendMildUp:
		return 12
	case slope >= 0:
		return 10
	case slope >= b.TrendMildDown:
		return 7
	case slope >= b.TrendStrongDown:
		return 4
	default:
		return 0
	}
}

// maxDrawdownPct is the largest peak-to-trough decline over the equity
// series, in percent.
func maxDrawdownPct(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	worst := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// equitySlope is the least-squares slope of the equity curve,
// normalized by mean equity so it reads as fractional drift per trade.
func equitySlope(equity []float64) float64 {
	n := len(equity)
	if n < 2 {
		return 0
	}
	var xMean, yMean float64
	for i, y := range equity {
		xMean += float64(i)
		yMean += y
	}
	xMean /= float64(n)
	yMean /= float64(n)

	var num, den float64
	for i, y := range equity {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 || yMean == 0 {
		return 0
	}
	return num / den / yMean
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
