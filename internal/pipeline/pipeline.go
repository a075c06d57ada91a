package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/allocator"
	"autotrade_core/internal/costs"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/preentry"
	"autotrade_core/internal/risk"
	"autotrade_core/internal/sizer"
)

// Rejection reasons owned by the pipeline itself.
const (
	ReasonInvalidSignal      = "invalid_signal"
	ReasonContextUnavailable = "context_unavailable"
)

// ContextProvider fetches a market-context snapshot for a symbol. The
// pipeline bounds the call with a timeout and retries once.
type ContextProvider interface {
	MarketContext(ctx context.Context, symbol string) (models.MarketContext, error)
}

// Sink receives the pipeline's outward-facing events: approvals,
// rejections, rebalance reports and reconciliation alerts. Alerting,
// telemetry and the dashboard hub all implement it.
type Sink interface {
	OrderApproved(models.ApprovedOrder)
	SignalRejected(models.RejectionEvent)
	RebalanceCompleted(models.RebalanceReport)
	ReconciliationTimeout(risk.Reservation)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OrderApproved(models.ApprovedOrder)        {}
func (NopSink) SignalRejected(models.RejectionEvent)      {}
func (NopSink) RebalanceCompleted(models.RebalanceReport) {}
func (NopSink) ReconciliationTimeout(risk.Reservation)    {}

// Persister durably saves the engine state after a mutation.
type Persister interface {
	Persist()
}

// NopPersister skips persistence; tests use it.
type NopPersister struct{}

func (NopPersister) Persist() {}

// Config holds the pipeline's own knobs.
type Config struct {
	ContextTimeout time.Duration // default 2s
	ContextRetries int           // default 1
}

// Pipeline wires gate, cost validator, risk engine, sizer, allocator
// and tracker into the signal-admission path. The mutex serializes
// every decision that reads or writes shared financial state, so two
// signals racing for the last unit of budget cannot both pass.
type Pipeline struct {
	mu sync.Mutex

	cfg      Config
	gate     *preentry.Gate
	costs    *costs.Calculator
	risk     *risk.Engine
	sizer    *sizer.Sizer
	alloc    *allocator.Allocator
	perf     *performance.Tracker
	contexts ContextProvider
	sink     Sink
	persist  Persister

	totalCapital decimal.Decimal

	// layerEquity has its own lock so the persister can read it while
	// the decision lock is still held.
	eqMu        sync.Mutex
	layerEquity map[models.Layer]decimal.Decimal

	now func() time.Time
}

type Deps struct {
	Gate      *preentry.Gate
	Costs     *costs.Calculator
	Risk      *risk.Engine
	Sizer     *sizer.Sizer
	Allocator *allocator.Allocator
	Tracker   *performance.Tracker
	Contexts  ContextProvider
	Sink      Sink
	Persister Persister
}

func New(cfg Config, deps Deps, startingCapital decimal.Decimal) *Pipeline {
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 2 * time.Second
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Persister == nil {
		deps.Persister = NopPersister{}
	}
	p := &Pipeline{
		cfg:          cfg,
		gate:         deps.Gate,
		costs:        deps.Costs,
		risk:         deps.Risk,
		sizer:        deps.Sizer,
		alloc:        deps.Allocator,
		perf:         deps.Tracker,
		contexts:     deps.Contexts,
		sink:         deps.Sink,
		persist:      deps.Persister,
		totalCapital: startingCapital,
		layerEquity:  make(map[models.Layer]decimal.Decimal),
		now:          time.Now,
	}
	for _, l := range models.Layers() {
		p.layerEquity[l] = p.allocatedCapital(l)
	}
	return p
}

// SetClock overrides the time source in tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// SeedLayerEquity restores persisted per-layer equity marks.
func (p *Pipeline) SeedLayerEquity(eq map[models.Layer]decimal.Decimal) {
	p.eqMu.Lock()
	defer p.eqMu.Unlock()
	for l, e := range eq {
		p.layerEquity[l] = e
	}
}

// LayerEquity returns a copy of the per-layer equity marks.
func (p *Pipeline) LayerEquity() map[models.Layer]decimal.Decimal {
	p.eqMu.Lock()
	defer p.eqMu.Unlock()
	out := make(map[models.Layer]decimal.Decimal, len(p.layerEquity))
	for l, e := range p.layerEquity {
		out[l] = e
	}
	return out
}

func (p *Pipeline) allocatedCapital(l models.Layer) decimal.Decimal {
	pct := p.alloc.EffectiveAllocationPct(l)
	return p.totalCapital.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
}

// Submit runs one signal through the full admission path. A nil order
// means the signal was rejected; the rejection is also delivered to
// the sink, so callers may ignore the second return.
func (p *Pipeline) Submit(ctx context.Context, sig models.TradeSignal) (*models.ApprovedOrder, *models.RejectionEvent) {
	if sig.Symbol == "" || !sig.Layer.Valid() || !sig.Entry.IsPositive() {
		return nil, p.reject(sig, ReasonInvalidSignal, "missing symbol, layer or entry", nil)
	}

	if !sig.Context.Populated() {
		mc, err := p.fetchContext(ctx, sig.Symbol)
		if err != nil {
			return nil, p.reject(sig, ReasonContextUnavailable, err.Error(), nil)
		}
		sig.Context = mc
	}

	// Gate and cost math are pure; only sizing and the final admission
	// read shared state, under one lock.
	gd := p.gate.Evaluate(sig)
	if gd.Action == preentry.Reject {
		return nil, p.reject(sig, gd.Reason, "pre-entry gate", gateMetrics(gd))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	allocationPct := p.alloc.EffectiveAllocationPct(sig.Layer)
	riskPct := p.alloc.EffectiveRiskPct(sig.Layer)
	sized, reason, ok := p.sizer.Size(sig, p.totalCapital, allocationPct, riskPct, gd.Multiplier)
	if !ok {
		return nil, p.reject(sig, reason, "position sizing", nil)
	}

	est, reason, ok := p.costs.Validate(sized.Quantity, sig.Entry, sig.RewardPerShare())
	if !ok {
		return nil, p.reject(sig, reason, "cost validation", costMetrics(est))
	}

	score, reason, ok := p.risk.Admit(sig.Symbol, sig.Layer, sized.RiskAmount, sized.CapitalRequired, p.totalCapital, p.alloc.MaxConcurrent(sig.Layer))
	if !ok {
		return nil, p.reject(sig, reason, "risk admission", nil)
	}

	order := models.ApprovedOrder{
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Quantity:        sized.Quantity,
		Entry:           sig.Entry,
		Stop:            sig.Stop,
		Target:          sig.Target,
		Layer:           sig.Layer,
		RiskAmount:      sized.RiskAmount,
		CapitalReserved: sized.CapitalRequired,
		SizeMultiplier:  gd.Multiplier,
		RiskScore:       score,
		ApprovedAt:      p.now(),
	}
	log.Printf("[pipeline] APPROVED %s %s x%d @ %s (risk %s, score %.2f)",
		order.Symbol, order.Direction, order.Quantity, order.Entry, order.RiskAmount, score)
	p.sink.OrderApproved(order)
	p.persist.Persist()
	return &order, nil
}

func (p *Pipeline) fetchContext(ctx context.Context, symbol string) (models.MarketContext, error) {
	if p.contexts == nil {
		return models.MarketContext{}, errors.New("no market context provider configured")
	}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ContextRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.ContextTimeout)
		mc, err := p.contexts.MarketContext(cctx, symbol)
		cancel()
		if err == nil && mc.Populated() {
			return mc, nil
		}
		if err == nil {
			err = context.DeadlineExceeded
		}
		lastErr = err
	}
	return models.MarketContext{}, lastErr
}

func (p *Pipeline) reject(sig models.TradeSignal, reason, detail string, metrics map[string]string) *models.RejectionEvent {
	ev := models.RejectionEvent{
		Symbol:     sig.Symbol,
		Layer:      sig.Layer,
		ReasonCode: reason,
		Detail:     detail,
		Metrics:    metrics,
		Timestamp:  p.now(),
	}
	log.Printf("[pipeline] REJECTED %s (%s): %s", sig.Symbol, reason, detail)
	p.sink.SignalRejected(ev)
	return &ev
}

// OnTradeClose folds an executor close report into risk counters and
// the performance history.
func (p *Pipeline) OnTradeClose(ev models.TradeCloseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.risk.ApplyClose(ev.Symbol, ev.RealizedPnL)

	p.eqMu.Lock()
	eq := p.layerEquity[ev.Layer].Add(ev.RealizedPnL)
	p.layerEquity[ev.Layer] = eq
	p.eqMu.Unlock()
	p.perf.Record(ev.Layer, performance.TradeRecord{
		PnL:      ev.RealizedPnL,
		Costs:    ev.Costs,
		Equity:   eq,
		ClosedAt: ev.Timestamp,
	})
	p.persist.Persist()
}

// OnOrderRejected compensates a reservation for an order the executor
// refused: released as a zero-P&L close, no loss counted.
func (p *Pipeline) OnOrderRejected(ev models.OrderRejectedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Printf("[pipeline] executor rejected %s: %s", ev.Symbol, ev.Reason)
	p.risk.Rollback(ev.Symbol)
	p.persist.Persist()
}

// UpdateEquity refreshes total capital from the broker and feeds the
// drawdown tracker. Layer capital rescales proportionally through the
// allocation percentages on the next read.
func (p *Pipeline) UpdateEquity(equity decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !equity.IsPositive() {
		return
	}
	p.totalCapital = equity
	p.alloc.UpdateEquity(equity)
	p.persist.Persist()
}

// DailyReset rolls the risk counters at the session boundary.
func (p *Pipeline) DailyReset(dayKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.risk.DailyReset(dayKey)
	p.persist.Persist()
}

// RebalanceNow pulls a scores snapshot and reshapes the allocation. A
// normalization failure is a state-invariant violation: admission is
// halted rather than trading on a broken vector.
func (p *Pipeline) RebalanceNow(now time.Time) (models.RebalanceReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated := make(map[models.Layer]decimal.Decimal, 4)
	for _, l := range models.Layers() {
		allocated[l] = p.allocatedCapital(l)
	}
	scores := p.perf.Scores(allocated, now)

	report, err := p.alloc.Rebalance(scores, now)
	if err != nil {
		p.risk.SetKillSwitch(true, "allocation invariant violation: "+err.Error())
		return report, err
	}
	p.sink.RebalanceCompleted(report)
	p.persist.Persist()
	return report, nil
}

// ReconcileSweep surfaces reservations past the confirmation timeout.
// They are alerted for manual reconciliation, never auto-resolved.
func (p *Pipeline) ReconcileSweep() []risk.Reservation {
	stale := p.risk.StaleReservations()
	for _, r := range stale {
		log.Printf("[pipeline] reservation %s unconfirmed since %s", r.Symbol, r.ApprovedAt.Format(time.RFC3339))
		p.sink.ReconciliationTimeout(r)
	}
	return stale
}

func gateMetrics(d preentry.Decision) map[string]string {
	m := make(map[string]string, len(d.Results))
	for _, r := range d.Results {
		m[r.Name] = string(r.Outcome)
	}
	return m
}

func costMetrics(e costs.Estimate) map[string]string {
	return map[string]string{
		"total_cost":     e.TotalCost.String(),
		"cost_per_share": e.CostPerShare.String(),
		"required_move":  e.RequiredMove.String(),
		"expected_move":  e.ExpectedMove.String(),
		"net_profit":     e.ExpectedNetProfit.String(),
		"cost_ratio":     e.CostRatio.String(),
	}
}
