// Package config assembles the engine's full configuration surface:
// secrets from the environment (.env supported), thresholds from a
// YAML file layered over documented defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"autotrade_core/internal/allocator"
	"autotrade_core/internal/costs"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/pipeline"
	"autotrade_core/internal/preentry"
	"autotrade_core/internal/risk"
	"autotrade_core/internal/sizer"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	HTTPAddr        string
	SnapshotPath    string
	LogFile         string
	StartingCapital decimal.Decimal

	TelegramToken  string
	TelegramChatID string
	BrokerEnabled  bool

	Fees              costs.FeeSchedule
	MinMoveMultiplier decimal.Decimal
	MaxCostRatio      decimal.Decimal

	Gate      preentry.Config
	Risk      risk.Limits
	Bands     performance.Bands
	Allocator allocator.Config
	Sizer     sizer.Config
	Pipeline  pipeline.Config

	EquityRefreshEvery time.Duration
	ReconcileEvery     time.Duration
}

// fileSchema is the YAML thresholds file. Money figures are plain
// numbers here and converted to decimals once, at load time.
type fileSchema struct {
	HTTPAddr        string  `yaml:"http_addr"`
	SnapshotPath    string  `yaml:"snapshot_path"`
	LogFile         string  `yaml:"log_file"`
	StartingCapital float64 `yaml:"starting_capital"`

	Fees struct {
		BrokerageFlatPerSide float64 `yaml:"brokerage_flat_per_side"`
		BrokeragePctPerSide  float64 `yaml:"brokerage_pct_per_side"`
		IGSTRate             float64 `yaml:"igst_rate"`
		STTSellRate          float64 `yaml:"stt_sell_rate"`
		ExchangeRate         float64 `yaml:"exchange_rate"`
		SEBIRate             float64 `yaml:"sebi_rate"`
		StampDutyBuyRate     float64 `yaml:"stamp_duty_buy_rate"`
		IPFTRate             float64 `yaml:"ipft_rate"`
	} `yaml:"fees"`

	CostValidator struct {
		MinMoveMultiplier float64 `yaml:"min_move_multiplier"`
		MaxCostRatio      float64 `yaml:"max_cost_ratio"`
	} `yaml:"cost_validator"`

	PreEntry struct {
		MinRewardRisk            float64 `yaml:"min_reward_risk"`
		MinVolumeRatio           float64 `yaml:"min_volume_ratio"`
		MinResistanceDistancePct float64 `yaml:"min_resistance_distance_pct"`
		FullSizePasses           int     `yaml:"full_size_passes"`
		MinPasses                int     `yaml:"min_passes"`
		ReducedSizeMultiplier    float64 `yaml:"reduced_size_multiplier"`
	} `yaml:"pre_entry"`

	Risk struct {
		MaxDailyLoss            float64 `yaml:"max_daily_loss"`
		MaxPerTradeRisk         float64 `yaml:"max_per_trade_risk"`
		MaxOpenPositions        int     `yaml:"max_open_positions"`
		MaxExposurePct          float64 `yaml:"max_exposure_pct"`
		ConsecutiveLossLimit    int     `yaml:"consecutive_loss_limit"`
		PauseMinutes            int     `yaml:"pause_minutes"`
		ReconcileTimeoutMinutes int     `yaml:"reconcile_timeout_minutes"`
	} `yaml:"risk"`

	Performance struct {
		WindowMaxTrades    int     `yaml:"window_max_trades"`
		WindowMaxAgeDays   int     `yaml:"window_max_age_days"`
		GoodReturnPct      float64 `yaml:"good_return_pct"`
		ExcellentReturnPct float64 `yaml:"excellent_return_pct"`
		GoodProfitFactor   float64 `yaml:"good_profit_factor"`
		ExcelProfitFactor  float64 `yaml:"excellent_profit_factor"`
		MaxAcceptableDDPct float64 `yaml:"max_acceptable_dd_pct"`
		GoodWinRatePct     float64 `yaml:"good_win_rate_pct"`
		ExcelWinRatePct    float64 `yaml:"excellent_win_rate_pct"`
		GradePoor          float64 `yaml:"grade_poor"`
		GradeFair          float64 `yaml:"grade_fair"`
		GradeGood          float64 `yaml:"grade_good"`
		GradeExcel         float64 `yaml:"grade_excellent"`
		TrendStrongUp      float64 `yaml:"trend_strong_up_slope"`
		TrendMildUp        float64 `yaml:"trend_mild_up_slope"`
		TrendMildDown      float64 `yaml:"trend_mild_down_slope"`
		TrendStrongDown    float64 `yaml:"trend_strong_down_slope"`
		MinTradesForKill   int     `yaml:"min_trades_for_kill"`
		KillCostRatio      float64 `yaml:"kill_cost_ratio"`
	} `yaml:"performance"`

	Allocator struct {
		Layers           map[string]layerPolicyFile `yaml:"layers"`
		StepPct          float64                    `yaml:"step_pct"`
		MaxAdjustPct     float64                    `yaml:"max_adjust_pct"`
		HighScore        float64                    `yaml:"high_score"`
		LowScore         float64                    `yaml:"low_score"`
		WarningDDPct     float64                    `yaml:"warning_dd_pct"`
		CriticalDDPct    float64                    `yaml:"critical_dd_pct"`
		RiskReduceFactor float64                    `yaml:"risk_reduce_factor"`
		RebalanceDays    int                        `yaml:"rebalance_days"`
	} `yaml:"allocator"`

	Sizer struct {
		SingleTradeCapPct float64 `yaml:"single_trade_cap_pct"`
	} `yaml:"sizer"`

	Pipeline struct {
		ContextTimeoutMS int `yaml:"context_timeout_ms"`
		ContextRetries   int `yaml:"context_retries"`
	} `yaml:"pipeline"`

	EquityRefreshSeconds int `yaml:"equity_refresh_seconds"`
	ReconcileSeconds     int `yaml:"reconcile_seconds"`
}

type layerPolicyFile struct {
	BasePct         float64 `yaml:"base_pct"`
	MinPct          float64 `yaml:"min_pct"`
	MaxPct          float64 `yaml:"max_pct"`
	PerTradeRiskPct float64 `yaml:"per_trade_risk_pct"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
}

func defaults() fileSchema {
	var f fileSchema
	f.HTTPAddr = ":8090"
	f.SnapshotPath = "engine_state.json"
	f.LogFile = "logs/engine.log"
	f.StartingCapital = 100_000

	f.Fees.BrokerageFlatPerSide = 1
	f.Fees.BrokeragePctPerSide = 0.0001
	f.Fees.IGSTRate = 0.18
	f.Fees.STTSellRate = 0.00025
	f.Fees.ExchangeRate = 0.0000325
	f.Fees.SEBIRate = 0.0000001
	f.Fees.StampDutyBuyRate = 0.00003
	f.Fees.IPFTRate = 0.000001

	f.CostValidator.MinMoveMultiplier = 2
	f.CostValidator.MaxCostRatio = 0.25

	f.PreEntry.MinRewardRisk = 1.5
	f.PreEntry.MinVolumeRatio = 1.2
	f.PreEntry.MinResistanceDistancePct = 1.0
	f.PreEntry.FullSizePasses = 4
	f.PreEntry.MinPasses = 2
	f.PreEntry.ReducedSizeMultiplier = 0.5

	f.Risk.MaxDailyLoss = 2000
	f.Risk.MaxPerTradeRisk = 1000
	f.Risk.MaxOpenPositions = 5
	f.Risk.MaxExposurePct = 60
	f.Risk.ConsecutiveLossLimit = 3
	f.Risk.PauseMinutes = 60
	f.Risk.ReconcileTimeoutMinutes = 30

	f.Performance.WindowMaxTrades = 100
	f.Performance.WindowMaxAgeDays = 30
	f.Performance.GoodReturnPct = 5
	f.Performance.ExcellentReturnPct = 10
	f.Performance.GoodProfitFactor = 1.5
	f.Performance.ExcelProfitFactor = 2.0
	f.Performance.MaxAcceptableDDPct = 10
	f.Performance.GoodWinRatePct = 50
	f.Performance.ExcelWinRatePct = 60
	f.Performance.GradePoor = 40
	f.Performance.GradeFair = 50
	f.Performance.GradeGood = 70
	f.Performance.GradeExcel = 90
	f.Performance.TrendStrongUp = 0.05
	f.Performance.TrendMildUp = 0.02
	f.Performance.TrendMildDown = -0.02
	f.Performance.TrendStrongDown = -0.05
	f.Performance.MinTradesForKill = 50
	f.Performance.KillCostRatio = 0.5

	// Intraday allows a single live position; the slower layers get
	// three apiece.
	type layerDefaults struct {
		base, risk float64
		open       int
	}
	bases := map[string]layerDefaults{
		string(models.Intraday): {40, 0.5, 1},
		string(models.Swing):    {30, 0.75, 3},
		string(models.MidTerm):  {20, 1.0, 3},
		string(models.LongTerm): {10, 1.0, 3},
	}
	f.Allocator.Layers = make(map[string]layerPolicyFile, len(bases))
	for name, d := range bases {
		f.Allocator.Layers[name] = layerPolicyFile{
			BasePct: d.base, MinPct: 10, MaxPct: 50, PerTradeRiskPct: d.risk, MaxConcurrent: d.open,
		}
	}
	f.Allocator.StepPct = 5
	f.Allocator.MaxAdjustPct = 10
	f.Allocator.HighScore = 70
	f.Allocator.LowScore = 40
	f.Allocator.WarningDDPct = 10
	f.Allocator.CriticalDDPct = 15
	f.Allocator.RiskReduceFactor = 0.5
	f.Allocator.RebalanceDays = 30

	f.Sizer.SingleTradeCapPct = 25

	f.Pipeline.ContextTimeoutMS = 2000
	f.Pipeline.ContextRetries = 1

	f.EquityRefreshSeconds = 300
	f.ReconcileSeconds = 60
	return f
}

// Load reads secrets from the environment and thresholds from path.
// A missing thresholds file runs entirely on defaults; an invalid one
// is fatal to the caller via the returned error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using system environment")
	}

	f := defaults()
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("thresholds file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("thresholds file %s: %w", path, err)
	} else {
		log.Printf("[config] thresholds file %s missing, using defaults", path)
	}

	cfg := &Config{
		HTTPAddr:        f.HTTPAddr,
		SnapshotPath:    f.SnapshotPath,
		LogFile:         f.LogFile,
		StartingCapital: decimal.NewFromFloat(f.StartingCapital),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
		BrokerEnabled:  os.Getenv("APCA_API_KEY_ID") != "" && os.Getenv("APCA_API_SECRET_KEY") != "",

		Fees: costs.FeeSchedule{
			BrokerageFlatPerSide: decimal.NewFromFloat(f.Fees.BrokerageFlatPerSide),
			BrokeragePctPerSide:  decimal.NewFromFloat(f.Fees.BrokeragePctPerSide),
			IGSTRate:             decimal.NewFromFloat(f.Fees.IGSTRate),
			STTSellRate:          decimal.NewFromFloat(f.Fees.STTSellRate),
			ExchangeRate:         decimal.NewFromFloat(f.Fees.ExchangeRate),
			SEBIRate:             decimal.NewFromFloat(f.Fees.SEBIRate),
			StampDutyBuyRate:     decimal.NewFromFloat(f.Fees.StampDutyBuyRate),
			IPFTRate:             decimal.NewFromFloat(f.Fees.IPFTRate),
		},
		MinMoveMultiplier: decimal.NewFromFloat(f.CostValidator.MinMoveMultiplier),
		MaxCostRatio:      decimal.NewFromFloat(f.CostValidator.MaxCostRatio),

		Gate: preentry.Config{
			MinRewardRisk:            f.PreEntry.MinRewardRisk,
			MinVolumeRatio:           f.PreEntry.MinVolumeRatio,
			MinResistanceDistancePct: f.PreEntry.MinResistanceDistancePct,
			FullSizePasses:           f.PreEntry.FullSizePasses,
			MinPasses:                f.PreEntry.MinPasses,
			ReducedSizeMultiplier:    f.PreEntry.ReducedSizeMultiplier,
		},
		Risk: risk.Limits{
			MaxDailyLoss:         decimal.NewFromFloat(f.Risk.MaxDailyLoss),
			MaxPerTradeRisk:      decimal.NewFromFloat(f.Risk.MaxPerTradeRisk),
			MaxOpenPositions:     f.Risk.MaxOpenPositions,
			MaxExposurePct:       f.Risk.MaxExposurePct,
			ConsecutiveLossLimit: f.Risk.ConsecutiveLossLimit,
			PauseDuration:        time.Duration(f.Risk.PauseMinutes) * time.Minute,
			ReconcileTimeout:     time.Duration(f.Risk.ReconcileTimeoutMinutes) * time.Minute,
		},
		Bands: performance.Bands{
			WindowMaxTrades:    f.Performance.WindowMaxTrades,
			WindowMaxAge:       time.Duration(f.Performance.WindowMaxAgeDays) * 24 * time.Hour,
			GoodReturnPct:      f.Performance.GoodReturnPct,
			ExcellentReturnPct: f.Performance.ExcellentReturnPct,
			GoodProfitFactor:   f.Performance.GoodProfitFactor,
			ExcelProfitFactor:  f.Performance.ExcelProfitFactor,
			MaxAcceptableDDPct: f.Performance.MaxAcceptableDDPct,
			GoodWinRatePct:     f.Performance.GoodWinRatePct,
			ExcelWinRatePct:    f.Performance.ExcelWinRatePct,
			GradePoor:          f.Performance.GradePoor,
			GradeFair:          f.Performance.GradeFair,
			GradeGood:          f.Performance.GradeGood,
			GradeExcel:         f.Performance.GradeExcel,
			TrendStrongUp:      f.Performance.TrendStrongUp,
			TrendMildUp:        f.Performance.TrendMildUp,
			TrendMildDown:      f.Performance.TrendMildDown,
			TrendStrongDown:    f.Performance.TrendStrongDown,
			MinTradesForKill:   f.Performance.MinTradesForKill,
			KillCostRatio:      f.Performance.KillCostRatio,
		},
		Allocator: allocator.Config{
			Layers:           make(map[models.Layer]allocator.LayerPolicy, len(f.Allocator.Layers)),
			StepPct:          f.Allocator.StepPct,
			MaxAdjustPct:     f.Allocator.MaxAdjustPct,
			HighScore:        f.Allocator.HighScore,
			LowScore:         f.Allocator.LowScore,
			WarningDDPct:     f.Allocator.WarningDDPct,
			CriticalDDPct:    f.Allocator.CriticalDDPct,
			RiskReduceFactor: f.Allocator.RiskReduceFactor,
			RebalanceEvery:   time.Duration(f.Allocator.RebalanceDays) * 24 * time.Hour,
		},
		Sizer: sizer.Config{
			GlobalMaxPerTradeRisk: decimal.NewFromFloat(f.Risk.MaxPerTradeRisk),
			SingleTradeCapPct:     f.Sizer.SingleTradeCapPct,
		},
		Pipeline: pipeline.Config{
			ContextTimeout: time.Duration(f.Pipeline.ContextTimeoutMS) * time.Millisecond,
			ContextRetries: f.Pipeline.ContextRetries,
		},
		EquityRefreshEvery: time.Duration(f.EquityRefreshSeconds) * time.Second,
		ReconcileEvery:     time.Duration(f.ReconcileSeconds) * time.Second,
	}
	for name, lp := range f.Allocator.Layers {
		cfg.Allocator.Layers[models.Layer(name)] = allocator.LayerPolicy{
			BasePct:         lp.BasePct,
			MinPct:          lp.MinPct,
			MaxPct:          lp.MaxPct,
			PerTradeRiskPct: lp.PerTradeRiskPct,
			MaxConcurrent:   lp.MaxConcurrent,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely on.
func (c *Config) Validate() error {
	if !c.StartingCapital.IsPositive() {
		return fmt.Errorf("starting_capital must be positive")
	}
	if !c.Risk.MaxDailyLoss.IsPositive() || !c.Risk.MaxPerTradeRisk.IsPositive() {
		return fmt.Errorf("risk limits must be positive")
	}
	if c.Risk.MaxOpenPositions < 1 || c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 100 {
		return fmt.Errorf("invalid position/exposure limits")
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		return fmt.Errorf("consecutive_loss_limit must be at least 1")
	}
	if c.Gate.MinRewardRisk <= 0 || c.Gate.FullSizePasses < c.Gate.MinPasses {
		return fmt.Errorf("invalid pre-entry thresholds")
	}
	if !c.MinMoveMultiplier.IsPositive() || !c.MaxCostRatio.IsPositive() {
		return fmt.Errorf("invalid cost validator thresholds")
	}
	if c.Bands.GradePoor >= c.Bands.GradeFair || c.Bands.GradeFair >= c.Bands.GradeGood ||
		c.Bands.GradeGood >= c.Bands.GradeExcel {
		return fmt.Errorf("grade bands must be strictly increasing")
	}
	if c.Bands.TrendStrongDown >= c.Bands.TrendMildDown || c.Bands.TrendMildDown >= 0 ||
		c.Bands.TrendMildUp <= 0 || c.Bands.TrendMildUp >= c.Bands.TrendStrongUp {
		return fmt.Errorf("trend slope bands must straddle zero in order")
	}
	if c.Allocator.WarningDDPct >= c.Allocator.CriticalDDPct {
		return fmt.Errorf("warning drawdown must be below critical drawdown")
	}

	var baseSum float64
	for _, l := range models.Layers() {
		lp, ok := c.Allocator.Layers[l]
		if !ok {
			return fmt.Errorf("allocator: missing layer %q", l)
		}
		if lp.MinPct > lp.MaxPct || lp.BasePct < lp.MinPct || lp.BasePct > lp.MaxPct {
			return fmt.Errorf("allocator: layer %q bounds are inconsistent", l)
		}
		if lp.MaxConcurrent < 1 {
			return fmt.Errorf("allocator: layer %q max_concurrent must be at least 1", l)
		}
		baseSum += lp.BasePct
	}
	if baseSum < 99.99 || baseSum > 100.01 {
		return fmt.Errorf("allocator: base percentages sum to %.2f, want 100", baseSum)
	}
	return nil
}
