package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade_core/internal/allocator"
	"autotrade_core/internal/costs"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/preentry"
	"autotrade_core/internal/risk"
	"autotrade_core/internal/sizer"
)

type spyContexts struct {
	ctx   models.MarketContext
	err   error
	calls int
}

func (s *spyContexts) MarketContext(_ context.Context, _ string) (models.MarketContext, error) {
	s.calls++
	return s.ctx, s.err
}

type spySink struct {
	approved   []models.ApprovedOrder
	rejected   []models.RejectionEvent
	rebalances []models.RebalanceReport
	stale      []risk.Reservation
}

func (s *spySink) OrderApproved(o models.ApprovedOrder)        { s.approved = append(s.approved, o) }
func (s *spySink) SignalRejected(e models.RejectionEvent)      { s.rejected = append(s.rejected, e) }
func (s *spySink) RebalanceCompleted(r models.RebalanceReport) { s.rebalances = append(s.rebalances, r) }
func (s *spySink) ReconciliationTimeout(r risk.Reservation)    { s.stale = append(s.stale, r) }

type countingPersister struct{ saves int }

func (c *countingPersister) Persist() { c.saves++ }

func goodContext() models.MarketContext {
	return models.MarketContext{
		Regime:                models.RegimeTrendingUp,
		EntryTiming:           models.TimingFirstBreakout,
		VolumeRatio:           decimal.NewFromFloat(1.8),
		Extension:             models.NotExtended,
		ResistanceDistancePct: decimal.NewFromFloat(2.5),
		DayType:               models.DayTrending,
		CapturedAt:            time.Now(),
	}
}

func swingSignal() models.TradeSignal {
	return models.TradeSignal{
		Symbol:    "TATASTEEL",
		Direction: models.Long,
		Entry:     decimal.NewFromInt(100),
		Stop:      decimal.NewFromInt(98),
		Target:    decimal.NewFromInt(104),
		Layer:     models.Swing,
		Timestamp: time.Now(),
		Context:   goodContext(),
	}
}

func layerPolicies() map[models.Layer]allocator.LayerPolicy {
	out := make(map[models.Layer]allocator.LayerPolicy)
	bases := map[models.Layer]float64{
		models.Intraday: 40, models.Swing: 35, models.MidTerm: 15, models.LongTerm: 10,
	}
	for l, base := range bases {
		out[l] = allocator.LayerPolicy{
			BasePct: base, MinPct: 10, MaxPct: 50, PerTradeRiskPct: 2, MaxConcurrent: 2,
		}
	}
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, *spyContexts, *spySink, *countingPersister) {
	t.Helper()

	contexts := &spyContexts{ctx: goodContext()}
	sink := &spySink{}
	persister := &countingPersister{}

	alloc := allocator.New(allocator.Config{
		Layers:           layerPolicies(),
		StepPct:          5,
		MaxAdjustPct:     10,
		HighScore:        70,
		LowScore:         40,
		WarningDDPct:     10,
		CriticalDDPct:    15,
		RiskReduceFactor: 0.5,
		RebalanceEvery:   30 * 24 * time.Hour,
	}, decimal.NewFromInt(50_000))

	engine := risk.NewEngine(risk.Limits{
		MaxDailyLoss:         decimal.NewFromInt(1500),
		MaxPerTradeRisk:      decimal.NewFromInt(400),
		MaxOpenPositions:     3,
		MaxExposurePct:       60,
		ConsecutiveLossLimit: 3,
		PauseDuration:        60 * time.Minute,
		ReconcileTimeout:     30 * time.Minute,
	}, nil)

	p := New(Config{ContextTimeout: 50 * time.Millisecond, ContextRetries: 1}, Deps{
		Gate: preentry.NewGate(preentry.Config{
			MinRewardRisk:            1.5,
			MinVolumeRatio:           1.2,
			MinResistanceDistancePct: 1.0,
			FullSizePasses:           4,
			MinPasses:                2,
			ReducedSizeMultiplier:    0.5,
		}),
		Costs:     costs.NewCalculator(costs.DefaultFeeSchedule(), decimal.NewFromInt(2), decimal.NewFromFloat(0.3)),
		Risk:      engine,
		Sizer:     sizer.New(sizer.Config{GlobalMaxPerTradeRisk: decimal.NewFromInt(400), SingleTradeCapPct: 25}),
		Allocator: alloc,
		Tracker:   performance.NewTracker(performance.Bands{WindowMaxTrades: 100, MinTradesForKill: 50, KillCostRatio: 0.5, GoodReturnPct: 5, ExcellentReturnPct: 10, GoodProfitFactor: 1.5, ExcelProfitFactor: 2, MaxAcceptableDDPct: 10, GoodWinRatePct: 50, ExcelWinRatePct: 60, GradePoor: 40, GradeFair: 50, GradeGood: 70, GradeExcel: 90, TrendStrongUp: 0.05, TrendMildUp: 0.02, TrendMildDown: -0.02, TrendStrongDown: -0.05}),
		Contexts:  contexts,
		Sink:      sink,
		Persister: persister,
	}, decimal.NewFromInt(50_000))
	return p, contexts, sink, persister
}

func TestSubmitApprovesEndToEnd(t *testing.T) {
	p, _, sink, persister := newTestPipeline(t)

	order, rej := p.Submit(context.Background(), swingSignal())
	require.Nil(t, rej)
	require.NotNil(t, order)

	// Swing: 35% of 50k with 2% risk caps risk at min(400, 350); the
	// 25% single-trade slice clamps the 175 raw shares to 43.
	assert.Equal(t, int64(43), order.Quantity)
	assert.True(t, order.RiskAmount.Equal(decimal.NewFromInt(86)))
	assert.True(t, order.CapitalReserved.Equal(decimal.NewFromInt(4300)))
	assert.True(t, order.SizeMultiplier.Equal(decimal.NewFromInt(1)))
	assert.Greater(t, order.RiskScore, 0.0)

	require.Len(t, sink.approved, 1)
	assert.Equal(t, 1, persister.saves)
}

func TestSubmitFetchesMissingContext(t *testing.T) {
	p, contexts, _, _ := newTestPipeline(t)

	sig := swingSignal()
	sig.Context = models.MarketContext{}
	order, rej := p.Submit(context.Background(), sig)
	require.Nil(t, rej)
	require.NotNil(t, order)
	assert.Equal(t, 1, contexts.calls)
}

func TestSubmitContextUnavailableAfterRetry(t *testing.T) {
	p, contexts, sink, _ := newTestPipeline(t)
	contexts.err = errors.New("provider down")

	sig := swingSignal()
	sig.Context = models.MarketContext{}
	order, rej := p.Submit(context.Background(), sig)
	require.Nil(t, order)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonContextUnavailable, rej.ReasonCode)
	assert.Equal(t, 2, contexts.calls, "one bounded retry, then give up")
	require.Len(t, sink.rejected, 1)
}

func TestSubmitGateRejectionCarriesChecklist(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)

	sig := swingSignal()
	sig.Context.EntryTiming = models.TimingChase
	order, rej := p.Submit(context.Background(), sig)
	require.Nil(t, order)
	assert.Equal(t, preentry.ReasonChaseEntry, rej.ReasonCode)
	require.Len(t, sink.rejected, 1)
	assert.NotEmpty(t, sink.rejected[0].Metrics)
}

func TestSubmitCostRejectionCarriesMetrics(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)

	// Tight stop keeps the gate's reward:risk happy (2.2:1), but the
	// 22-paise expected move cannot clear twice the per-share cost.
	sig := swingSignal()
	sig.Entry = decimal.NewFromInt(1000)
	sig.Stop = decimal.NewFromFloat(999.9)
	sig.Target = decimal.NewFromFloat(1000.22)
	sig.Context.ResistanceDistancePct = decimal.NewFromFloat(5)

	order, rej := p.Submit(context.Background(), sig)
	require.Nil(t, order)
	require.NotNil(t, rej)
	assert.Equal(t, costs.ReasonInsufficientMove, rej.ReasonCode)
	require.Len(t, sink.rejected, 1)
	assert.Contains(t, sink.rejected[0].Metrics, "required_move")
}

func TestSubmitInvalidSignal(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	sig := swingSignal()
	sig.Layer = models.Layer("scalping")
	_, rej := p.Submit(context.Background(), sig)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidSignal, rej.ReasonCode)
}

func TestSubmitRespectsKillSwitch(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	p.SetKillSwitch(true, "operator halt")
	order, rej := p.Submit(context.Background(), swingSignal())
	require.Nil(t, order)
	assert.Equal(t, risk.ReasonKillSwitch, rej.ReasonCode)

	p.SetKillSwitch(false, "")
	order, _ = p.Submit(context.Background(), swingSignal())
	assert.NotNil(t, order)
}

func TestLayerConcurrencyCapAppliesPerLayer(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)

	// The swing layer allows two concurrent positions; the global
	// position limit (3) still has room when the third swing arrives.
	for i, sym := range []string{"TATASTEEL", "INFY", "RELIANCE"} {
		sig := swingSignal()
		sig.Symbol = sym
		order, rej := p.Submit(context.Background(), sig)
		if i < 2 {
			require.Nil(t, rej, "signal %d: %v", i, rej)
			require.NotNil(t, order)
			continue
		}
		require.Nil(t, order)
		require.NotNil(t, rej)
		assert.Equal(t, risk.ReasonLayerConcurrency, rej.ReasonCode)
	}

	// A different layer is unaffected by swing's saturation.
	sig := swingSignal()
	sig.Symbol = "HDFCBANK"
	sig.Layer = models.MidTerm
	order, rej := p.Submit(context.Background(), sig)
	require.Nil(t, rej)
	require.NotNil(t, order)

	require.Len(t, sink.approved, 3)
	require.Len(t, sink.rejected, 1)
}

func TestCloseFeedsRiskAndPerformance(t *testing.T) {
	p, _, _, persister := newTestPipeline(t)

	order, _ := p.Submit(context.Background(), swingSignal())
	require.NotNil(t, order)

	p.OnTradeClose(models.TradeCloseEvent{
		Symbol:      order.Symbol,
		Layer:       order.Layer,
		RealizedPnL: decimal.NewFromInt(-300),
		Costs:       decimal.NewFromFloat(2.57),
		ExitPrice:   decimal.NewFromInt(93),
		Timestamp:   time.Now(),
	})

	st := p.Status()
	assert.Equal(t, 0, st.OpenPositions)
	assert.True(t, st.RealizedLossToday.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, 1, st.Layers[models.Swing].Score.TradeCount)
	assert.GreaterOrEqual(t, persister.saves, 2)
}

func TestExecutorRejectionRollsBack(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	order, _ := p.Submit(context.Background(), swingSignal())
	require.NotNil(t, order)

	p.OnOrderRejected(models.OrderRejectedEvent{
		Symbol: order.Symbol, Reason: "rejected by exchange", Timestamp: time.Now(),
	})

	st := p.Status()
	assert.Equal(t, 0, st.OpenPositions)
	assert.True(t, st.TotalExposure.IsZero())
	assert.Equal(t, 0, st.ConsecutiveLosses, "rollback counts neither win nor loss")
}

func TestRebalanceNowReportsToSink(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)

	report, err := p.RebalanceNow(time.Now())
	require.NoError(t, err)
	assert.Len(t, report.Shifts, 4)
	require.Len(t, sink.rebalances, 1)
}

func TestReconcileSweepAlertsStaleReservations(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p.risk.SetClock(func() time.Time { return clock })

	order, _ := p.Submit(context.Background(), swingSignal())
	require.NotNil(t, order)

	clock = clock.Add(45 * time.Minute)
	stale := p.ReconcileSweep()
	require.Len(t, stale, 1)
	assert.Equal(t, order.Symbol, stale[0].Symbol)
	require.Len(t, sink.stale, 1)
}

func TestStatusSummary(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	st := p.Status()
	assert.Equal(t, risk.Active, st.TradingState)
	assert.Len(t, st.Layers, 4)
	assert.InDelta(t, 35, st.Layers[models.Swing].AllocationPct, 0.01)
	assert.True(t, st.Layers[models.Swing].Capital.Equal(decimal.NewFromInt(17_500)))
	assert.Equal(t, "fair", st.Layers[models.Swing].Score.Grade, "empty window scores neutral")
}
