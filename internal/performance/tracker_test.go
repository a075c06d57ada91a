package performance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade_core/internal/models"
)

func testBands() Bands {
	return Bands{
		WindowMaxTrades:    100,
		WindowMaxAge:       30 * 24 * time.Hour,
		GoodReturnPct:      5,
		ExcellentReturnPct: 10,
		GoodProfitFactor:   1.5,
		ExcelProfitFactor:  2.0,
		MaxAcceptableDDPct: 10,
		GoodWinRatePct:     50,
		ExcelWinRatePct:    60,
		GradePoor:          40,
		GradeFair:          50,
		GradeGood:          70,
		GradeExcel:         90,
		TrendStrongUp:      0.05,
		TrendMildUp:        0.02,
		TrendMildDown:      -0.02,
		TrendStrongDown:    -0.05,
		MinTradesForKill:   50,
		KillCostRatio:      0.5,
	}
}

var asOf = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func record(t *Tracker, layer models.Layer, pnl, costs, equity float64, age time.Duration) {
	t.Record(layer, TradeRecord{
		PnL:      decimal.NewFromFloat(pnl),
		Costs:    decimal.NewFromFloat(costs),
		Equity:   decimal.NewFromFloat(equity),
		ClosedAt: asOf.Add(-age),
	})
}

func TestNeutralScoreWithNoTrades(t *testing.T) {
	tr := NewTracker(testBands())
	s := tr.Score(models.Swing, decimal.NewFromInt(10000), asOf)

	assert.Equal(t, 50.0, s.Total)
	assert.Equal(t, "fair", s.Grade)
	assert.False(t, s.ForcedKill)
	assert.Equal(t, 0, s.TradeCount)
}

func TestScoreProfitableWindow(t *testing.T) {
	tr := NewTracker(testBands())

	// 3 wins, 2 losses, rising equity: a good-but-not-perfect layer.
	record(tr, models.Intraday, 150, 15, 10150, 5*24*time.Hour)
	record(tr, models.Intraday, -80, 10, 10070, 4*24*time.Hour)
	record(tr, models.Intraday, 200, 18, 10270, 3*24*time.Hour)
	record(tr, models.Intraday, 180, 16, 10450, 2*24*time.Hour)
	record(tr, models.Intraday, -100, 12, 10350, 1*24*time.Hour)

	s := tr.Score(models.Intraday, decimal.NewFromInt(10000), asOf)
	require.Equal(t, 5, s.TradeCount)
	assert.InDelta(t, 60.0, s.WinRatePct, 0.01)
	assert.InDelta(t, 530.0/180.0, s.ProfitFactor, 0.01)
	assert.GreaterOrEqual(t, s.Total, 0.0)
	assert.LessOrEqual(t, s.Total, 100.0)
	assert.Greater(t, s.Total, 50.0, "profitable window should beat neutral")
	assert.False(t, s.ForcedKill, "kill needs a minimum sample size")
}

func TestScoreAlwaysWithinBounds(t *testing.T) {
	tr := NewTracker(testBands())

	// Catastrophic window: every trade loses, deep drawdown.
	for i := 0; i < 20; i++ {
		record(tr, models.Swing, -500, 20, 20000-float64(i)*500, time.Duration(20-i)*time.Hour)
	}
	s := tr.Score(models.Swing, decimal.NewFromInt(10000), asOf)
	assert.GreaterOrEqual(t, s.Total, 0.0)
	assert.LessOrEqual(t, s.Total, 100.0)
	assert.Equal(t, "critical", s.Grade)
}

func TestForcedKillRequiresSampleSize(t *testing.T) {
	bands := testBands()
	bands.MinTradesForKill = 10
	tr := NewTracker(bands)

	// Profit factor well below 1 over 9 trades: not enough evidence.
	for i := 0; i < 9; i++ {
		record(tr, models.MidTerm, -100, 5, 10000-float64(i)*100, time.Duration(9-i)*time.Hour)
	}
	s := tr.Score(models.MidTerm, decimal.NewFromInt(10000), asOf)
	assert.False(t, s.ForcedKill)

	// The 10th loss crosses the sample threshold.
	record(tr, models.MidTerm, -100, 5, 9000, 30*time.Minute)
	s = tr.Score(models.MidTerm, decimal.NewFromInt(10000), asOf)
	assert.True(t, s.ForcedKill)
}

func TestForcedKillOnCostRatio(t *testing.T) {
	bands := testBands()
	bands.MinTradesForKill = 4
	tr := NewTracker(bands)

	// Profitable gross, but fees eat 60% of it.
	record(tr, models.LongTerm, 100, 60, 10100, 4*time.Hour)
	record(tr, models.LongTerm, 100, 60, 10200, 3*time.Hour)
	record(tr, models.LongTerm, 100, 60, 10300, 2*time.Hour)
	record(tr, models.LongTerm, 100, 60, 10400, 1*time.Hour)

	s := tr.Score(models.LongTerm, decimal.NewFromInt(10000), asOf)
	assert.Greater(t, s.ProfitFactor, 1.0)
	assert.True(t, s.ForcedKill, "cost-burn kill must trigger independent of profit factor")
}

func TestWindowTrimsByAge(t *testing.T) {
	bands := testBands()
	bands.WindowMaxAge = 24 * time.Hour
	tr := NewTracker(bands)

	record(tr, models.Swing, -1000, 10, 9000, 48*time.Hour) // outside window
	record(tr, models.Swing, 100, 10, 9100, 1*time.Hour)

	s := tr.Score(models.Swing, decimal.NewFromInt(10000), asOf)
	assert.Equal(t, 1, s.TradeCount)
	assert.InDelta(t, 100.0, s.WinRatePct, 0.01)
}

func TestTrendBandsAreConfigurable(t *testing.T) {
	tr := NewTracker(testBands())
	assert.Equal(t, 15.0, tr.scoreTrend(0.06))
	assert.Equal(t, 12.0, tr.scoreTrend(0.03))
	assert.Equal(t, 10.0, tr.scoreTrend(0.0))
	assert.Equal(t, 7.0, tr.scoreTrend(-0.01))
	assert.Equal(t, 4.0, tr.scoreTrend(-0.04))
	assert.Equal(t, 0.0, tr.scoreTrend(-0.10))

	// Stricter cutoffs demote a slope the defaults call strong.
	strict := testBands()
	strict.TrendStrongUp = 0.10
	strict.TrendMildUp = 0.07
	tr = NewTracker(strict)
	assert.Equal(t, 10.0, tr.scoreTrend(0.06))
}

func TestGradeBuckets(t *testing.T) {
	tr := NewTracker(testBands())
	cases := map[float64]string{
		25: "critical", 40: "poor", 49.9: "poor",
		50: "fair", 69.9: "fair", 70: "good", 89.9: "good", 90: "excellent",
	}
	for total, want := range cases {
		assert.Equal(t, want, tr.grade(total), "total %.1f", total)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	tr := NewTracker(testBands())
	record(tr, models.Intraday, 50, 5, 10050, time.Hour)

	h := tr.History()
	tr2 := NewTracker(testBands())
	tr2.Seed(h)

	s := tr2.Score(models.Intraday, decimal.NewFromInt(10000), asOf)
	assert.Equal(t, 1, s.TradeCount)
}
