package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
)

// Limits is the static risk configuration.
type Limits struct {
	MaxDailyLoss         decimal.Decimal
	MaxPerTradeRisk      decimal.Decimal
	MaxOpenPositions     int
	MaxExposurePct       float64 // of total capital, e.g. 60
	ConsecutiveLossLimit int
	PauseDuration        time.Duration
	ReconcileTimeout     time.Duration
}

// Rejection reason codes emitted by Admit.
const (
	ReasonKillSwitch       = "kill_switch_active"
	ReasonDailyLossLimit   = "daily_loss_limit"
	ReasonConsecutivePause = "consecutive_loss_pause"
	ReasonMaxOpenPositions = "max_open_positions"
	ReasonLayerConcurrency = "layer_max_concurrent"
	ReasonPerTradeRisk     = "per_trade_risk_exceeded"
	ReasonExposureLimit    = "exposure_limit"
)

// StateListener receives state-machine transitions for alerting.
type StateListener interface {
	RiskStateChanged(state TradingState, reason string)
	InvariantViolation(detail string)
}

// NopListener discards notifications; used by tests.
type NopListener struct{}

func (NopListener) RiskStateChanged(TradingState, string) {}
func (NopListener) InvariantViolation(string)             {}

// Engine is the only component allowed to mutate State. Every
// read-modify-write runs under the engine's mutex, which makes
// admission, close application and rollback linearizable: two signals
// racing for the last unit of daily budget cannot both pass.
type Engine struct {
	mu       sync.Mutex
	limits   Limits
	state    State
	listener StateListener
	now      func() time.Time
}

func NewEngine(limits Limits, listener StateListener) *Engine {
	if listener == nil {
		listener = NopListener{}
	}
	return &Engine{
		limits:   limits,
		listener: listener,
		now:      time.Now,
		state: State{
			RealizedLossToday: decimal.Zero,
			TotalExposure:     decimal.Zero,
			Reservations:      make(map[string]Reservation),
		},
	}
}

// Seed replaces the in-memory state from a persisted snapshot. Called
// once at process start so the day's loss budget survives restarts.
func (e *Engine) Seed(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Reservations == nil {
		s.Reservations = make(map[string]Reservation)
	}
	e.state = s
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// SetClock overrides the time source; tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Admit runs the admission sequence and, on approval, atomically
// reserves exposure and an open-position slot. The daily-loss check
// runs before the pause check: once the day's budget is gone that is
// the dominant, day-scoped answer regardless of any running pause.
// layerMax caps concurrent positions within the signal's layer; zero
// means no per-layer cap.
func (e *Engine) Admit(symbol string, layer models.Layer, riskAmount, capital, totalCapital decimal.Decimal, layerMax int) (float64, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if e.state.KillSwitchActive {
		return 0, ReasonKillSwitch, false
	}
	if e.state.RealizedLossToday.GreaterThanOrEqual(e.limits.MaxDailyLoss) {
		return 0, ReasonDailyLossLimit, false
	}
	if e.state.PauseUntil != nil {
		if now.Before(*e.state.PauseUntil) {
			return 0, ReasonConsecutivePause, false
		}
		// Pause elapsed with no intervening win: clear it and carry on.
		e.state.PauseUntil = nil
		e.state.ConsecutiveLosses = 0
		log.Printf("[risk] pause elapsed, consecutive-loss counter reset")
	}
	if e.state.OpenPositions >= e.limits.MaxOpenPositions {
		return 0, ReasonMaxOpenPositions, false
	}
	if layerMax > 0 && e.openInLayerLocked(layer) >= layerMax {
		return 0, ReasonLayerConcurrency, false
	}
	if riskAmount.GreaterThan(e.limits.MaxPerTradeRisk) {
		return 0, ReasonPerTradeRisk, false
	}
	maxExposure := totalCapital.Mul(decimal.NewFromFloat(e.limits.MaxExposurePct / 100))
	if e.state.TotalExposure.Add(capital).GreaterThan(maxExposure) {
		return 0, ReasonExposureLimit, false
	}

	e.state.TotalExposure = e.state.TotalExposure.Add(capital)
	e.state.OpenPositions++
	e.state.Reservations[symbol] = Reservation{
		Symbol:     symbol,
		Layer:      layer,
		Capital:    capital,
		RiskAmount: riskAmount,
		ApprovedAt: now,
	}

	return e.riskScoreLocked(riskAmount, capital, totalCapital), "", true
}

// openInLayerLocked counts live reservations in a layer. Caller holds
// the lock.
func (e *Engine) openInLayerLocked(layer models.Layer) int {
	n := 0
	for _, r := range e.state.Reservations {
		if r.Layer == layer {
			n++
		}
	}
	return n
}

// riskScoreLocked blends limit utilizations into a 0-1 audit score
// (lower is better). Caller holds the lock.
func (e *Engine) riskScoreLocked(riskAmount, capital, totalCapital decimal.Decimal) float64 {
	riskUtil := toFloat(riskAmount) / toFloat(e.limits.MaxPerTradeRisk)
	capUtil := 0.0
	if maxCap := toFloat(totalCapital) * e.limits.MaxExposurePct / 100; maxCap > 0 {
		capUtil = toFloat(capital) / maxCap
	}
	lossUtil := toFloat(e.state.RealizedLossToday) / toFloat(e.limits.MaxDailyLoss)
	streak := float64(e.state.ConsecutiveLosses) / float64(e.limits.ConsecutiveLossLimit)

	score := riskUtil*0.3 + capUtil*0.2 + lossUtil*0.3 + streak*0.2
	if score > 1 {
		score = 1
	}
	return score
}

// ApplyClose releases the reservation for symbol and folds the realized
// P&L into the day's counters. A loss increments the consecutive-loss
// streak and, at the configured limit, starts the pause timer. A win
// resets the streak and clears any pause immediately.
func (e *Engine) ApplyClose(symbol string, pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLocked(symbol)

	if pnl.IsNegative() {
		e.state.RealizedLossToday = e.state.RealizedLossToday.Add(pnl.Abs())
		e.state.ConsecutiveLosses++
		if e.state.ConsecutiveLosses >= e.limits.ConsecutiveLossLimit && e.state.PauseUntil == nil {
			until := e.now().Add(e.limits.PauseDuration)
			e.state.PauseUntil = &until
			log.Printf("[risk] %d consecutive losses, pausing admissions until %s",
				e.state.ConsecutiveLosses, until.Format(time.RFC3339))
			e.listener.RiskStateChanged(Paused, fmt.Sprintf("%d consecutive losses", e.state.ConsecutiveLosses))
		}
	} else if pnl.IsPositive() {
		if e.state.ConsecutiveLosses > 0 || e.state.PauseUntil != nil {
			e.state.ConsecutiveLosses = 0
			e.state.PauseUntil = nil
			log.Printf("[risk] winning close, loss streak and pause cleared")
			e.listener.RiskStateChanged(Active, "winning close")
		}
	}
	// Zero P&L (scratch) touches neither streak nor loss budget.
}

// Rollback compensates an approval the executor refused: identical to
// a zero-P&L close. No loss or win is counted.
func (e *Engine) Rollback(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(symbol)
}

func (e *Engine) releaseLocked(symbol string) {
	res, ok := e.state.Reservations[symbol]
	if !ok {
		log.Printf("[risk] WARNING: close/rollback for %s with no reservation", symbol)
		return
	}
	delete(e.state.Reservations, symbol)
	e.state.TotalExposure = e.state.TotalExposure.Sub(res.Capital)
	e.state.OpenPositions--

	if e.state.TotalExposure.IsNegative() || e.state.OpenPositions < 0 {
		detail := fmt.Sprintf("exposure=%s open=%d after releasing %s",
			e.state.TotalExposure, e.state.OpenPositions, symbol)
		log.Printf("[risk] CRITICAL: state invariant violated: %s", detail)
		// Fatal for new entries: force Halted and leave the numbers
		// untouched for manual reconciliation.
		e.state.KillSwitchActive = true
		e.state.KillReason = "state invariant violation"
		e.listener.InvariantViolation(detail)
		e.listener.RiskStateChanged(Halted, detail)
	}
}

// SetKillSwitch toggles the manual kill switch. Activation overrides
// everything; only manual deactivation returns the engine to Active.
func (e *Engine) SetKillSwitch(active bool, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.KillSwitchActive == active {
		return
	}
	e.state.KillSwitchActive = active
	e.state.KillReason = ""
	if active {
		e.state.KillReason = reason
		log.Printf("[risk] KILL SWITCH ON: %s", reason)
		e.listener.RiskStateChanged(Halted, reason)
		return
	}
	log.Printf("[risk] kill switch cleared")
	e.listener.RiskStateChanged(e.state.TradingState(e.now()), "kill switch cleared")
}

// DailyReset clears the loss and streak counters at the market-open
// boundary. The kill switch and a still-running pause deliberately
// survive the boundary.
func (e *Engine) DailyReset(dayKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.DayKey == dayKey {
		return
	}
	e.state.DayKey = dayKey
	e.state.RealizedLossToday = decimal.Zero
	e.state.ConsecutiveLosses = 0
	log.Printf("[risk] daily reset for %s (kill=%v paused=%v)",
		dayKey, e.state.KillSwitchActive, e.state.PauseUntil != nil)
}

// StaleReservations returns reservations older than the reconciliation
// timeout. They are not auto-resolved: the caller alerts and a human
// decides whether the trade filled or died.
func (e *Engine) StaleReservations() []Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var stale []Reservation
	cutoff := e.now().Add(-e.limits.ReconcileTimeout)
	for _, r := range e.state.Reservations {
		if r.ApprovedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return stale
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
