package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/allocator"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/risk"
)

// LayerStatus is one layer's slice of the status summary.
type LayerStatus struct {
	AllocationPct    float64           `json:"allocation_pct"`
	EffectiveRiskPct float64           `json:"effective_risk_pct"`
	Capital          decimal.Decimal   `json:"capital"`
	Equity           decimal.Decimal   `json:"equity"`
	Killed           bool              `json:"killed"`
	KillReason       string            `json:"kill_reason,omitempty"`
	Score            performance.Score `json:"score"`
}

// Status is the full operator-facing state summary served by the HTTP
// surface and pushed to the dashboard on request.
type Status struct {
	TradingState      risk.TradingState            `json:"trading_state"`
	KillSwitchActive  bool                         `json:"kill_switch_active"`
	KillReason        string                       `json:"kill_reason,omitempty"`
	PauseUntil        *time.Time                   `json:"pause_until,omitempty"`
	RealizedLossToday decimal.Decimal              `json:"realized_loss_today"`
	ConsecutiveLosses int                          `json:"consecutive_losses"`
	OpenPositions     int                          `json:"open_positions"`
	TotalExposure     decimal.Decimal              `json:"total_exposure"`
	TotalCapital      decimal.Decimal              `json:"total_capital"`
	PeakEquity        decimal.Decimal              `json:"peak_equity"`
	DrawdownPct       float64                      `json:"drawdown_pct"`
	ProtectionMode    allocator.ProtectionMode     `json:"protection_mode"`
	LastRebalance     time.Time                    `json:"last_rebalance"`
	Layers            map[models.Layer]LayerStatus `json:"layers"`
}

// Status assembles a consistent summary across the risk engine, the
// allocator and the performance tracker.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	rs := p.risk.Snapshot()
	as := p.alloc.Snapshot()

	p.eqMu.Lock()
	equity := make(map[models.Layer]decimal.Decimal, len(p.layerEquity))
	for l, e := range p.layerEquity {
		equity[l] = e
	}
	p.eqMu.Unlock()

	st := Status{
		TradingState:      rs.TradingState(now),
		KillSwitchActive:  rs.KillSwitchActive,
		KillReason:        rs.KillReason,
		PauseUntil:        rs.PauseUntil,
		RealizedLossToday: rs.RealizedLossToday,
		ConsecutiveLosses: rs.ConsecutiveLosses,
		OpenPositions:     rs.OpenPositions,
		TotalExposure:     rs.TotalExposure,
		TotalCapital:      p.totalCapital,
		PeakEquity:        as.PeakEquity,
		DrawdownPct:       p.alloc.DrawdownPct(),
		ProtectionMode:    as.Mode,
		LastRebalance:     as.LastRebalance,
		Layers:            make(map[models.Layer]LayerStatus, len(as.Layers)),
	}
	for _, l := range models.Layers() {
		ls := as.Layers[l]
		layerCap := p.allocatedCapital(l)
		st.Layers[l] = LayerStatus{
			AllocationPct:    ls.CurrentPct,
			EffectiveRiskPct: p.alloc.EffectiveRiskPct(l),
			Capital:          layerCap,
			Equity:           equity[l],
			Killed:           ls.Killed,
			KillReason:       ls.KillReason,
			Score:            p.perf.Score(l, layerCap, now),
		}
	}
	return st
}

// SetKillSwitch is the manual operator override.
func (p *Pipeline) SetKillSwitch(active bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.risk.SetKillSwitch(active, reason)
	p.persist.Persist()
}

// ReinstateLayer manually revives a killed layer.
func (p *Pipeline) ReinstateLayer(layer models.Layer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alloc.ReinstateLayer(layer); err != nil {
		return err
	}
	p.persist.Persist()
	return nil
}
