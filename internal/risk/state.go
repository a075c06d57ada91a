package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
)

// TradingState is the engine's admission state, derived from the
// kill switch and pause timer.
type TradingState string

const (
	Active TradingState = "active"
	Paused TradingState = "paused"
	Halted TradingState = "halted"
)

// Reservation tracks capital held for an approved order that has not
// yet confirmed a close or rollback.
type Reservation struct {
	Symbol     string          `json:"symbol"`
	Layer      models.Layer    `json:"layer"`
	Capital    decimal.Decimal `json:"capital"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	ApprovedAt time.Time       `json:"approved_at"`
}

// State is the day-scoped risk ledger. It is mutated only by the
// Engine, under the Engine's lock. The zero value is a fresh day.
type State struct {
	RealizedLossToday decimal.Decimal        `json:"realized_loss_today"`
	ConsecutiveLosses int                    `json:"consecutive_losses"`
	OpenPositions     int                    `json:"open_positions"`
	TotalExposure     decimal.Decimal        `json:"total_exposure"`
	KillSwitchActive  bool                   `json:"kill_switch_active"`
	KillReason        string                 `json:"kill_reason,omitempty"`
	PauseUntil        *time.Time             `json:"pause_until,omitempty"`
	DayKey            string                 `json:"day_key"`
	Reservations      map[string]Reservation `json:"reservations"`
}

// TradingState derives the admission state at the given instant. The
// kill switch always dominates an active pause.
func (s *State) TradingState(now time.Time) TradingState {
	if s.KillSwitchActive {
		return Halted
	}
	if s.PauseUntil != nil && now.Before(*s.PauseUntil) {
		return Paused
	}
	return Active
}

// clone returns a deep copy for safe external reads.
func (s *State) clone() State {
	out := *s
	out.Reservations = make(map[string]Reservation, len(s.Reservations))
	for k, v := range s.Reservations {
		out.Reservations[k] = v
	}
	if s.PauseUntil != nil {
		t := *s.PauseUntil
		out.PauseUntil = &t
	}
	return out
}
