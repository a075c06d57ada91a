package alerts

import (
	"fmt"

	"autotrade_core/internal/models"
	"autotrade_core/internal/risk"
)

// Messenger is the outbound chat channel; Telegram in production, a
// spy in tests.
type Messenger interface {
	Send(text string)
}

// Dispatcher turns engine events into operator alerts and dashboard
// frames. It satisfies both the pipeline's event sink and the risk
// engine's state listener.
type Dispatcher struct {
	chat Messenger
	hub  *Hub
}

func NewDispatcher(chat Messenger, hub *Hub) *Dispatcher {
	return &Dispatcher{chat: chat, hub: hub}
}

func (d *Dispatcher) OrderApproved(o models.ApprovedOrder) {
	d.hub.Publish(Event{Type: "order_approved", Data: o})
}

func (d *Dispatcher) SignalRejected(ev models.RejectionEvent) {
	d.hub.Publish(Event{Type: "signal_rejected", Data: ev})
}

func (d *Dispatcher) RebalanceCompleted(r models.RebalanceReport) {
	d.hub.Publish(Event{Type: "rebalance", Data: r})
	msg := "*Rebalance complete*\n"
	for _, s := range r.Shifts {
		msg += fmt.Sprintf("%s: %.1f%% → %.1f%% (score %.0f)\n", s.Layer, s.OldPct, s.NewPct, s.Score)
	}
	for _, l := range r.NewlyKilled {
		msg += fmt.Sprintf("⛔ layer *%s* killed\n", l)
	}
	d.chat.Send(msg)
}

func (d *Dispatcher) ReconciliationTimeout(res risk.Reservation) {
	d.hub.Publish(Event{Type: "reconciliation_timeout", Data: res})
	d.chat.Send(fmt.Sprintf("⚠️ *Reconciliation needed*: %s reserved %s since %s with no close or rollback",
		res.Symbol, res.Capital, res.ApprovedAt.Format("15:04:05")))
}

func (d *Dispatcher) RiskStateChanged(state risk.TradingState, detail string) {
	d.hub.Publish(Event{Type: "risk_state", Data: map[string]string{
		"state": string(state), "detail": detail,
	}})
	d.chat.Send(fmt.Sprintf("Trading state → *%s*: %s", state, detail))
}

func (d *Dispatcher) InvariantViolation(detail string) {
	d.hub.Publish(Event{Type: "invariant_violation", Data: map[string]string{"detail": detail}})
	d.chat.Send("🚨 *STATE INVARIANT VIOLATION*: admission halted, manual intervention required.\n" + detail)
}
