package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a proposed trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Layer identifies one of the four trading styles. Each layer owns its
// own capital share and risk budget, managed by the allocator.
type Layer string

const (
	Intraday Layer = "intraday"
	Swing    Layer = "swing"
	MidTerm  Layer = "midterm"
	LongTerm Layer = "longterm"
)

// Layers returns all layers in their canonical order.
func Layers() []Layer {
	return []Layer{Intraday, Swing, MidTerm, LongTerm}
}

// Valid reports whether l is one of the known layers.
func (l Layer) Valid() bool {
	switch l {
	case Intraday, Swing, MidTerm, LongTerm:
		return true
	}
	return false
}

// Regime classifies the index-level market direction at signal time.
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeFlat         Regime = "flat"
	RegimeVolatile     Regime = "volatile"
	RegimeUnknown      Regime = "unknown"
)

// EntryTiming classifies how fresh the entry is relative to the move.
type EntryTiming string

const (
	TimingFirstBreakout  EntryTiming = "first_breakout"
	TimingSecondBreakout EntryTiming = "second_breakout"
	TimingNormal         EntryTiming = "normal"
	TimingLateEntry      EntryTiming = "late_entry"
	TimingChase          EntryTiming = "chase"
	TimingUnknown        EntryTiming = "unknown"
)

// Extension classifies how far price has already run from its reference.
type Extension string

const (
	NotExtended        Extension = "not_extended"
	ModeratelyExtended Extension = "moderately_extended"
	HighlyExtended     Extension = "highly_extended"
	ExtensionUnknown   Extension = "unknown"
)

// DayType classifies the session character.
type DayType string

const (
	DayTrending DayType = "trending"
	DayRange    DayType = "range"
	DayVolatile DayType = "volatile"
	DayUnknown  DayType = "unknown"
)

// MarketContext is the snapshot of market conditions attached to a
// signal. The pre-entry gate reads it; nothing mutates it.
type MarketContext struct {
	Regime                Regime          `json:"regime"`
	EntryTiming           EntryTiming     `json:"entry_timing"`
	VolumeRatio           decimal.Decimal `json:"volume_ratio"` // current volume / average volume
	Extension             Extension       `json:"extension"`
	ResistanceDistancePct decimal.Decimal `json:"resistance_distance_pct"` // room to next resistance, in %
	DayType               DayType         `json:"day_type"`
	CapturedAt            time.Time       `json:"captured_at"`
}

// Populated reports whether the snapshot carries real data. An empty
// context forces the pipeline to fetch one before gating.
func (c MarketContext) Populated() bool {
	return c.Regime != "" && c.CapturedAt.After(time.Time{})
}

// TradeSignal is a candidate trade proposed by a strategy. It is
// immutable once created; the pipeline either turns it into an
// ApprovedOrder or a RejectionEvent.
type TradeSignal struct {
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Entry     decimal.Decimal `json:"entry"`
	Stop      decimal.Decimal `json:"stop"`
	Target    decimal.Decimal `json:"target"`
	Layer     Layer           `json:"layer"`
	Timestamp time.Time       `json:"timestamp"`
	Context   MarketContext   `json:"context"`
}

// RiskPerShare is the per-share distance between entry and stop.
func (s TradeSignal) RiskPerShare() decimal.Decimal {
	return s.Entry.Sub(s.Stop).Abs()
}

// RewardPerShare is the per-share distance between entry and target.
func (s TradeSignal) RewardPerShare() decimal.Decimal {
	return s.Target.Sub(s.Entry).Abs()
}

// ApprovedOrder is the pipeline's terminal success output. It is handed
// to the execution adapter exactly once and never mutated afterward;
// corrections flow through close or rejection events.
type ApprovedOrder struct {
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	Quantity        int64           `json:"quantity"`
	Entry           decimal.Decimal `json:"entry"`
	Stop            decimal.Decimal `json:"stop"`
	Target          decimal.Decimal `json:"target"`
	Layer           Layer           `json:"layer"`
	RiskAmount      decimal.Decimal `json:"risk_amount"`
	CapitalReserved decimal.Decimal `json:"capital_reserved"`
	SizeMultiplier  decimal.Decimal `json:"size_multiplier"`
	RiskScore       float64         `json:"risk_score"` // 0-1 utilization blend, lower is better
	ApprovedAt      time.Time       `json:"approved_at"`
}

// TradeCloseEvent is reported by the execution adapter when a position
// exits. Keyed by symbol+timestamp for idempotent persistence.
type TradeCloseEvent struct {
	Symbol      string          `json:"symbol"`
	Layer       Layer           `json:"layer"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Costs       decimal.Decimal `json:"costs"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Timestamp   time.Time       `json:"timestamp"`
}

// OrderRejectedEvent is reported when the executor refuses or cancels
// an order we already approved. The reservation is rolled back as a
// zero-P&L close that touches no loss counters.
type OrderRejectedEvent struct {
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RejectionEvent records why a signal did not become an order. It is a
// normal business outcome, not an error; no shared state is mutated.
type RejectionEvent struct {
	Symbol     string            `json:"symbol"`
	Layer      Layer             `json:"layer"`
	ReasonCode string            `json:"reason_code"`
	Detail     string            `json:"detail,omitempty"`
	Metrics    map[string]string `json:"metrics,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// LayerShift is one layer's allocation move inside a rebalance.
type LayerShift struct {
	Layer  Layer   `json:"layer"`
	OldPct float64 `json:"old_pct"`
	NewPct float64 `json:"new_pct"`
	Score  float64 `json:"score"`
	Killed bool    `json:"killed"`
}

// RebalanceReport summarizes one allocator rebalance for alerting.
type RebalanceReport struct {
	Shifts      []LayerShift `json:"shifts"`
	NewlyKilled []Layer      `json:"newly_killed"`
	Timestamp   time.Time    `json:"timestamp"`
}
