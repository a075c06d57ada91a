package allocator

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
)

// sumEpsilon bounds the rounding slack tolerated on the 100% invariant.
const sumEpsilon = 0.01

// normalizePasses bounds the clamp/redistribute iteration.
const normalizePasses = 8

// LayerPolicy is one layer's static allocation policy.
type LayerPolicy struct {
	BasePct         float64
	MinPct          float64
	MaxPct          float64
	PerTradeRiskPct float64 // of layer capital
	MaxConcurrent   int
}

// Config is the allocator's full configuration.
type Config struct {
	Layers           map[models.Layer]LayerPolicy
	StepPct          float64       // default 5
	MaxAdjustPct     float64       // per rebalance, default 10
	HighScore        float64       // default 70
	LowScore         float64       // default 40
	WarningDDPct     float64       // default 10
	CriticalDDPct    float64       // default 15
	RiskReduceFactor float64       // default 0.5
	RebalanceEvery   time.Duration // default 30 days
}

// ProtectionMode is the portfolio drawdown regime.
type ProtectionMode string

const (
	Normal      ProtectionMode = "normal"
	ReducedRisk ProtectionMode = "reduced_risk"
	Critical    ProtectionMode = "critical"
)

// LayerState is one layer's live allocation.
type LayerState struct {
	CurrentPct float64 `json:"current_pct"`
	Killed     bool    `json:"killed"`
	KillReason string  `json:"kill_reason,omitempty"`
}

// Snapshot is a consistent read of the allocator for sizing, status and
// persistence.
type Snapshot struct {
	Layers        map[models.Layer]LayerState `json:"layers"`
	Mode          ProtectionMode              `json:"mode"`
	PeakEquity    decimal.Decimal             `json:"peak_equity"`
	CurrentEquity decimal.Decimal             `json:"current_equity"`
	LastRebalance time.Time                   `json:"last_rebalance"`
}

// Allocator owns the live CapitalAllocation: the percentage of total
// capital each layer may deploy. Only Rebalance and the drawdown
// transitions mutate the percentages; everything runs under one mutex
// so reads used for sizing are consistent with rebalances.
type Allocator struct {
	mu            sync.Mutex
	cfg           Config
	layers        map[models.Layer]LayerState
	mode          ProtectionMode
	peakEquity    decimal.Decimal
	currentEquity decimal.Decimal
	lastRebalance time.Time
}

func New(cfg Config, startingEquity decimal.Decimal) *Allocator {
	layers := make(map[models.Layer]LayerState, len(cfg.Layers))
	for l, p := range cfg.Layers {
		layers[l] = LayerState{CurrentPct: p.BasePct}
	}
	return &Allocator{
		cfg:           cfg,
		layers:        layers,
		mode:          Normal,
		peakEquity:    startingEquity,
		currentEquity: startingEquity,
	}
}

// Seed restores persisted allocation state at process start.
func (a *Allocator) Seed(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(s.Layers) > 0 {
		a.layers = make(map[models.Layer]LayerState, len(s.Layers))
		for l, st := range s.Layers {
			a.layers[l] = st
		}
	}
	if s.Mode != "" {
		a.mode = s.Mode
	}
	if s.PeakEquity.IsPositive() {
		a.peakEquity = s.PeakEquity
	}
	if s.CurrentEquity.IsPositive() {
		a.currentEquity = s.CurrentEquity
	}
	a.lastRebalance = s.LastRebalance
}

// Snapshot returns a deep copy of the live state.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Allocator) snapshotLocked() Snapshot {
	layers := make(map[models.Layer]LayerState, len(a.layers))
	for l, st := range a.layers {
		layers[l] = st
	}
	return Snapshot{
		Layers:        layers,
		Mode:          a.mode,
		PeakEquity:    a.peakEquity,
		CurrentEquity: a.currentEquity,
		LastRebalance: a.lastRebalance,
	}
}

// EffectiveAllocationPct is the share of capital the sizer may use for
// a layer right now: the rebalanced percentage, zeroed for killed
// layers and for intraday under critical drawdown.
func (a *Allocator) EffectiveAllocationPct(layer models.Layer) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.layers[layer]
	if st.Killed {
		return 0
	}
	if a.mode == Critical && layer == models.Intraday {
		return 0
	}
	return st.CurrentPct
}

// EffectiveRiskPct is the per-trade risk percentage for a layer after
// drawdown protection: halved in ReducedRisk mode, and halved again
// for swing under critical drawdown.
func (a *Allocator) EffectiveRiskPct(layer models.Layer) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pct := a.cfg.Layers[layer].PerTradeRiskPct
	if a.mode == ReducedRisk || a.mode == Critical {
		pct *= a.cfg.RiskReduceFactor
	}
	if a.mode == Critical && layer == models.Swing {
		pct *= a.cfg.RiskReduceFactor
	}
	return pct
}

// MaxConcurrent is the layer's configured concurrent-position cap.
func (a *Allocator) MaxConcurrent(layer models.Layer) int {
	return a.cfg.Layers[layer].MaxConcurrent
}

// UpdateEquity folds a new portfolio equity mark into the drawdown
// tracker and flips the protection mode when thresholds are crossed.
// Protection is continuous: it does not wait for a rebalance.
func (a *Allocator) UpdateEquity(equity decimal.Decimal) ProtectionMode {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentEquity = equity
	if equity.GreaterThan(a.peakEquity) {
		a.peakEquity = equity
	}
	dd := a.drawdownPctLocked()

	prev := a.mode
	switch {
	case dd >= a.cfg.CriticalDDPct:
		a.mode = Critical
	case dd >= a.cfg.WarningDDPct:
		a.mode = ReducedRisk
	default:
		a.mode = Normal
	}
	if a.mode != prev {
		log.Printf("[allocator] drawdown %.2f%%: protection %s -> %s", dd, prev, a.mode)
	}
	return a.mode
}

// DrawdownPct is the current peak-to-equity decline in percent.
func (a *Allocator) DrawdownPct() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drawdownPctLocked()
}

func (a *Allocator) drawdownPctLocked() float64 {
	if !a.peakEquity.IsPositive() {
		return 0
	}
	dd, _ := a.peakEquity.Sub(a.currentEquity).Div(a.peakEquity).Float64()
	return dd * 100
}

// Due reports whether the rebalance interval has elapsed.
func (a *Allocator) Due(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRebalance.IsZero() {
		return false
	}
	return now.Sub(a.lastRebalance) >= a.cfg.RebalanceEvery
}

// Rebalance recomputes every layer's percentage from its performance
// score: kill, step, clamp, then normalize back to a 100% sum. Killed
// layers stay at zero until a manual reinstatement; the rebalance
// itself never restores them.
func (a *Allocator) Rebalance(scores map[models.Layer]performance.Score, now time.Time) (models.RebalanceReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := models.RebalanceReport{Timestamp: now}
	next := make(map[models.Layer]float64, len(a.layers))

	for _, l := range models.Layers() {
		st := a.layers[l]
		policy := a.cfg.Layers[l]
		score := scores[l]
		old := st.CurrentPct

		switch {
		case st.Killed:
			next[l] = 0
		case score.ForcedKill:
			st.Killed = true
			st.KillReason = fmt.Sprintf("forced kill: pf=%.2f over %d trades", score.ProfitFactor, score.TradeCount)
			a.layers[l] = st
			next[l] = 0
			report.NewlyKilled = append(report.NewlyKilled, l)
			log.Printf("[allocator] %s KILLED: %s", l, st.KillReason)
		default:
			delta := 0.0
			if score.Total >= a.cfg.HighScore {
				delta = a.cfg.StepPct
			} else if score.Total < a.cfg.LowScore {
				delta = -a.cfg.StepPct
			}
			delta = math.Max(-a.cfg.MaxAdjustPct, math.Min(a.cfg.MaxAdjustPct, delta))
			next[l] = clampPct(old+delta, policy.MinPct, policy.MaxPct)
		}

		report.Shifts = append(report.Shifts, models.LayerShift{
			Layer:  l,
			OldPct: old,
			Score:  score.Total,
			Killed: st.Killed,
		})
	}

	if err := a.normalize(next); err != nil {
		return report, err
	}

	for i := range report.Shifts {
		l := report.Shifts[i].Layer
		st := a.layers[l]
		st.CurrentPct = next[l]
		a.layers[l] = st
		report.Shifts[i].NewPct = next[l]
	}
	a.lastRebalance = now

	if err := a.checkSumLocked(); err != nil {
		return report, err
	}
	return report, nil
}

// normalize scales the vector so non-killed layers sum to 100,
// redistributing proportionally across layers that still have room,
// iterating a bounded number of passes so a clamped layer's share
// flows to its peers.
func (a *Allocator) normalize(next map[models.Layer]float64) error {
	for pass := 0; pass < normalizePasses; pass++ {
		sum := 0.0
		for _, pct := range next {
			sum += pct
		}
		diff := 100 - sum
		if math.Abs(diff) <= sumEpsilon {
			return nil
		}

		// Layers that can absorb the correction in the needed direction.
		adjustable := make([]models.Layer, 0, len(next))
		weightSum := 0.0
		for _, l := range models.Layers() {
			st := a.layers[l]
			if st.Killed {
				continue
			}
			p := a.cfg.Layers[l]
			if diff > 0 && next[l] < p.MaxPct {
				adjustable = append(adjustable, l)
				weightSum += next[l]
			} else if diff < 0 && next[l] > p.MinPct {
				adjustable = append(adjustable, l)
				weightSum += next[l]
			}
		}
		if len(adjustable) == 0 || weightSum <= 0 {
			return fmt.Errorf("allocation cannot be normalized to 100%% (off by %.2f)", -diff)
		}

		for _, l := range adjustable {
			p := a.cfg.Layers[l]
			share := diff * next[l] / weightSum
			next[l] = clampPct(next[l]+share, p.MinPct, p.MaxPct)
		}
	}

	sum := 0.0
	for _, pct := range next {
		sum += pct
	}
	if math.Abs(100-sum) > sumEpsilon {
		return fmt.Errorf("allocation normalization did not converge (sum %.2f)", sum)
	}
	return nil
}

// ReinstateLayer manually revives a killed layer at its minimum bound,
// taking the share proportionally from its peers.
func (a *Allocator) ReinstateLayer(layer models.Layer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.layers[layer]
	if !ok {
		return fmt.Errorf("unknown layer %q", layer)
	}
	if !st.Killed {
		return fmt.Errorf("layer %q is not killed", layer)
	}

	st.Killed = false
	st.KillReason = ""
	a.layers[layer] = st

	next := make(map[models.Layer]float64, len(a.layers))
	for l, s := range a.layers {
		next[l] = s.CurrentPct
	}
	next[layer] = a.cfg.Layers[layer].MinPct

	if err := a.normalize(next); err != nil {
		// Roll the kill flag back rather than leave a broken vector.
		st.Killed = true
		st.KillReason = "reinstatement failed"
		a.layers[layer] = st
		return err
	}
	for l, pct := range next {
		s := a.layers[l]
		s.CurrentPct = pct
		a.layers[l] = s
	}
	log.Printf("[allocator] %s reinstated at %.1f%%", layer, next[layer])
	return a.checkSumLocked()
}

// checkSumLocked enforces the sum-to-100 invariant; a violation is
// fatal for new entries, surfaced to the caller to force a halt.
func (a *Allocator) checkSumLocked() error {
	sum := 0.0
	for _, st := range a.layers {
		sum += st.CurrentPct
	}
	if math.Abs(100-sum) > sumEpsilon {
		return fmt.Errorf("capital allocation invariant violated: sum %.4f%%", sum)
	}
	return nil
}

func clampPct(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
