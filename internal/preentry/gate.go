package preentry

import (
	"fmt"

	"github.com/shopspring/decimal"

	"autotrade_core/internal/models"
)

// Outcome tags a single checklist item.
type Outcome string

const (
	Pass     Outcome = "pass"
	SoftFail Outcome = "soft_fail"
	HardFail Outcome = "hard_fail"
)

// Action is the gate's overall verdict.
type Action string

const (
	Accept        Action = "accept"
	AcceptReduced Action = "accept_reduced"
	Reject        Action = "reject"
)

// CheckResult is one named checklist outcome, kept in evaluation order
// for audit logging.
type CheckResult struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	// Reason is the rejection code used when this check hard-fails.
	Reason string `json:"-"`
}

// Decision is the gate's full output for one signal.
type Decision struct {
	Action     Action          `json:"action"`
	Reason     string          `json:"reason,omitempty"`
	Multiplier decimal.Decimal `json:"size_multiplier"`
	Results    []CheckResult   `json:"results"`
}

// Rejection reason codes.
const (
	ReasonChaseEntry          = "chase_entry"
	ReasonHighlyExtended      = "highly_extended"
	ReasonRewardRiskBelowMin  = "reward_risk_below_min"
	ReasonResistanceTooClose  = "resistance_too_close"
	ReasonInsufficientQuality = "insufficient_quality"
)

// Config holds the gate thresholds. Zero values are invalid; the
// config package installs defaults and validates at startup.
type Config struct {
	MinRewardRisk            float64 // default 1.5
	MinVolumeRatio           float64 // default 1.2
	MinResistanceDistancePct float64 // default 1.0
	FullSizePasses           int     // default 4
	MinPasses                int     // default 2
	ReducedSizeMultiplier    float64 // default 0.5
}

// check is a named pure function over the signal and its context.
type check struct {
	name string
	eval func(sig models.TradeSignal, cfg Config) CheckResult
}

// Gate evaluates the ordered pre-entry checklist. It reads only the
// signal and its market-context snapshot, so distinct signals may be
// gated concurrently.
type Gate struct {
	cfg    Config
	checks []check
}

func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg: cfg,
		checks: []check{
			{"regime", checkRegime},
			{"entry_freshness", checkFreshness},
			{"volume_confirmation", checkVolume},
			{"extension", checkExtension},
			{"reward_risk", checkRewardRisk},
			{"resistance_proximity", checkResistance},
			{"day_type", checkDayType},
		},
	}
}

// Evaluate runs every check in order. The first HardFail rejects
// immediately with that check's reason; otherwise the pass count picks
// full size, reduced size, or rejection for insufficient quality.
func (g *Gate) Evaluate(sig models.TradeSignal) Decision {
	results := make([]CheckResult, 0, len(g.checks))
	passes := 0
	var hard *CheckResult

	for _, c := range g.checks {
		r := c.eval(sig, g.cfg)
		r.Name = c.name
		results = append(results, r)
		switch r.Outcome {
		case Pass:
			passes++
		case HardFail:
			if hard == nil {
				last := results[len(results)-1]
				hard = &last
			}
		}
	}

	if hard != nil {
		return Decision{Action: Reject, Reason: hard.Reason, Multiplier: decimal.Zero, Results: results}
	}
	switch {
	case passes >= g.cfg.FullSizePasses:
		return Decision{Action: Accept, Multiplier: decimal.NewFromInt(1), Results: results}
	case passes >= g.cfg.MinPasses:
		return Decision{
			Action:     AcceptReduced,
			Multiplier: decimal.NewFromFloat(g.cfg.ReducedSizeMultiplier),
			Results:    results,
		}
	default:
		return Decision{Action: Reject, Reason: ReasonInsufficientQuality, Multiplier: decimal.Zero, Results: results}
	}
}

func checkRegime(sig models.TradeSignal, _ Config) CheckResult {
	switch sig.Context.Regime {
	case models.RegimeTrendingUp, models.RegimeTrendingDown:
		return CheckResult{Outcome: Pass, Detail: string(sig.Context.Regime)}
	default:
		// Flat, volatile and unknown sessions lower the odds but are
		// not disqualifying on their own.
		return CheckResult{Outcome: SoftFail, Detail: string(sig.Context.Regime)}
	}
}

func checkFreshness(sig models.TradeSignal, _ Config) CheckResult {
	switch sig.Context.EntryTiming {
	case models.TimingChase:
		return CheckResult{Outcome: HardFail, Reason: ReasonChaseEntry, Detail: "pullback from high, chasing"}
	case models.TimingFirstBreakout, models.TimingSecondBreakout, models.TimingNormal:
		return CheckResult{Outcome: Pass, Detail: string(sig.Context.EntryTiming)}
	default:
		return CheckResult{Outcome: SoftFail, Detail: string(sig.Context.EntryTiming)}
	}
}

func checkVolume(sig models.TradeSignal, cfg Config) CheckResult {
	ratio := sig.Context.VolumeRatio
	if ratio.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinVolumeRatio)) {
		return CheckResult{Outcome: Pass, Detail: fmt.Sprintf("%sx average", ratio)}
	}
	return CheckResult{Outcome: SoftFail, Detail: fmt.Sprintf("%sx average, need %.2fx", ratio, cfg.MinVolumeRatio)}
}

func checkExtension(sig models.TradeSignal, _ Config) CheckResult {
	switch sig.Context.Extension {
	case models.HighlyExtended:
		return CheckResult{Outcome: HardFail, Reason: ReasonHighlyExtended, Detail: "already extended, pullback risk"}
	case models.NotExtended:
		return CheckResult{Outcome: Pass, Detail: string(sig.Context.Extension)}
	default:
		return CheckResult{Outcome: SoftFail, Detail: string(sig.Context.Extension)}
	}
}

func checkRewardRisk(sig models.TradeSignal, cfg Config) CheckResult {
	risk := sig.RiskPerShare()
	if risk.IsZero() {
		return CheckResult{Outcome: HardFail, Reason: ReasonRewardRiskBelowMin, Detail: "entry equals stop"}
	}
	rr := sig.RewardPerShare().Div(risk)
	min := decimal.NewFromFloat(cfg.MinRewardRisk)
	if rr.GreaterThanOrEqual(min) {
		return CheckResult{Outcome: Pass, Detail: fmt.Sprintf("%s:1", rr.Round(2))}
	}
	return CheckResult{
		Outcome: HardFail,
		Reason:  ReasonRewardRiskBelowMin,
		Detail:  fmt.Sprintf("%s:1, need %.1f:1", rr.Round(2), cfg.MinRewardRisk),
	}
}

func checkResistance(sig models.TradeSignal, cfg Config) CheckResult {
	dist := sig.Context.ResistanceDistancePct
	if dist.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinResistanceDistancePct)) {
		return CheckResult{Outcome: Pass, Detail: fmt.Sprintf("%s%% of room", dist.Round(2))}
	}
	return CheckResult{
		Outcome: HardFail,
		Reason:  ReasonResistanceTooClose,
		Detail:  fmt.Sprintf("%s%% to resistance, need %.1f%%", dist.Round(2), cfg.MinResistanceDistancePct),
	}
}

func checkDayType(sig models.TradeSignal, _ Config) CheckResult {
	switch sig.Context.DayType {
	case models.DayTrending:
		return CheckResult{Outcome: Pass, Detail: string(sig.Context.DayType)}
	default:
		return CheckResult{Outcome: SoftFail, Detail: string(sig.Context.DayType)}
	}
}
