// Package config holds the TradingPreset configuration aggregate (spec §6)
// and process-wide settings loaded through viper.
package config

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RiskConfig is the "risk" field group of spec §6's preset table.
type RiskConfig struct {
	RiskPerTrade          decimal.Decimal  `yaml:"risk_per_trade" mapstructure:"risk_per_trade"`
	MaxConcurrentPositions int             `yaml:"max_concurrent_positions" mapstructure:"max_concurrent_positions"`
	DailyRiskLimit        decimal.Decimal  `yaml:"daily_risk_limit" mapstructure:"daily_risk_limit"`
	MaxPositionSizeUSD    *decimal.Decimal `yaml:"max_position_size_usd,omitempty" mapstructure:"max_position_size_usd"`
	KillSwitchLossLimit   decimal.Decimal  `yaml:"kill_switch_loss_limit" mapstructure:"kill_switch_loss_limit"`
	CorrelationLimit      decimal.Decimal  `yaml:"correlation_limit" mapstructure:"correlation_limit"`
	MaxConsecutiveLosses  int              `yaml:"max_consecutive_losses" mapstructure:"max_consecutive_losses"`
}

func (r RiskConfig) Validate() error {
	if r.RiskPerTrade.LessThanOrEqual(decimal.Zero) || r.RiskPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.risk_per_trade must be in (0,1], got %s", r.RiskPerTrade)
	}
	if r.MaxConcurrentPositions < 1 || r.MaxConcurrentPositions > 10 {
		return fmt.Errorf("risk.max_concurrent_positions must be in [1,10], got %d", r.MaxConcurrentPositions)
	}
	if r.DailyRiskLimit.LessThanOrEqual(decimal.Zero) || r.DailyRiskLimit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.daily_risk_limit must be in (0,1], got %s", r.DailyRiskLimit)
	}
	if r.KillSwitchLossLimit.LessThanOrEqual(decimal.Zero) || r.KillSwitchLossLimit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.kill_switch_loss_limit must be in (0,1], got %s", r.KillSwitchLossLimit)
	}
	if r.CorrelationLimit.LessThan(decimal.Zero) || r.CorrelationLimit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.correlation_limit must be in [0,1], got %s", r.CorrelationLimit)
	}
	if r.MaxConsecutiveLosses < 1 || r.MaxConsecutiveLosses > 20 {
		return fmt.Errorf("risk.max_consecutive_losses must be in [1,20], got %d", r.MaxConsecutiveLosses)
	}
	return nil
}

// LiquidityFilters is the "liquidity_filters" field group.
type LiquidityFilters struct {
	Min24hVolumeUSD   decimal.Decimal  `yaml:"min_24h_volume_usd" mapstructure:"min_24h_volume_usd"`
	MinOIUSD          *decimal.Decimal `yaml:"min_oi_usd,omitempty" mapstructure:"min_oi_usd"`
	MaxSpreadBps      decimal.Decimal  `yaml:"max_spread_bps" mapstructure:"max_spread_bps"`
	MinDepthUSD0_5pct decimal.Decimal  `yaml:"min_depth_usd_0_5pct" mapstructure:"min_depth_usd_0_5pct"`
	MinDepthUSD0_3pct decimal.Decimal  `yaml:"min_depth_usd_0_3pct" mapstructure:"min_depth_usd_0_3pct"`
	MinTradesPerMinute decimal.Decimal `yaml:"min_trades_per_minute" mapstructure:"min_trades_per_minute"`
}

func (l LiquidityFilters) Validate() error {
	if l.Min24hVolumeUSD.IsNegative() {
		return fmt.Errorf("liquidity_filters.min_24h_volume_usd must be >= 0")
	}
	if l.MaxSpreadBps.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("liquidity_filters.max_spread_bps must be > 0")
	}
	return nil
}

// VolatilityFilters is the "volatility_filters" field group.
type VolatilityFilters struct {
	ATRRangeMin           decimal.Decimal  `yaml:"atr_range_min" mapstructure:"atr_range_min"`
	ATRRangeMax           decimal.Decimal  `yaml:"atr_range_max" mapstructure:"atr_range_max"`
	BBWidthPercentileMax  decimal.Decimal  `yaml:"bb_width_percentile_max" mapstructure:"bb_width_percentile_max"`
	VolumeSurge1hMin      decimal.Decimal  `yaml:"volume_surge_1h_min" mapstructure:"volume_surge_1h_min"`
	VolumeSurge5mMin      decimal.Decimal  `yaml:"volume_surge_5m_min" mapstructure:"volume_surge_5m_min"`
	OIDeltaThreshold      *decimal.Decimal `yaml:"oi_delta_threshold,omitempty" mapstructure:"oi_delta_threshold"`
}

func (v VolatilityFilters) Validate() error {
	if !v.ATRRangeMax.GreaterThan(v.ATRRangeMin) {
		return fmt.Errorf("volatility_filters.atr_range_max must be > atr_range_min")
	}
	return nil
}

// SignalConfig is the "signal_config" field group.
type SignalConfig struct {
	MomentumVolumeMultiplier decimal.Decimal `yaml:"momentum_volume_multiplier" mapstructure:"momentum_volume_multiplier"`
	MomentumBodyRatioMin     decimal.Decimal `yaml:"momentum_body_ratio_min" mapstructure:"momentum_body_ratio_min"`
	MomentumEpsilon          decimal.Decimal `yaml:"momentum_epsilon" mapstructure:"momentum_epsilon"`
	RetestPierceTolerance    decimal.Decimal `yaml:"retest_pierce_tolerance" mapstructure:"retest_pierce_tolerance"`
	RetestMaxPierceATR       decimal.Decimal `yaml:"retest_max_pierce_atr" mapstructure:"retest_max_pierce_atr"`
	L2ImbalanceThreshold     decimal.Decimal `yaml:"l2_imbalance_threshold" mapstructure:"l2_imbalance_threshold"`
	VWAPGapMaxATR            decimal.Decimal `yaml:"vwap_gap_max_atr" mapstructure:"vwap_gap_max_atr"`
}

func (s SignalConfig) Validate() error {
	if s.MomentumBodyRatioMin.LessThan(decimal.Zero) || s.MomentumBodyRatioMin.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("signal_config.momentum_body_ratio_min must be in [0,1]")
	}
	if s.L2ImbalanceThreshold.LessThan(decimal.Zero) || s.L2ImbalanceThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("signal_config.l2_imbalance_threshold must be in [0,1]")
	}
	return nil
}

// PositionConfig is the "position_config" field group.
type PositionConfig struct {
	TP1R             decimal.Decimal `yaml:"tp1_r" mapstructure:"tp1_r"`
	TP1SizePct       decimal.Decimal `yaml:"tp1_size_pct" mapstructure:"tp1_size_pct"`
	TP2R             decimal.Decimal `yaml:"tp2_r" mapstructure:"tp2_r"`
	TP2SizePct       decimal.Decimal `yaml:"tp2_size_pct" mapstructure:"tp2_size_pct"`
	ChandelierATRMult decimal.Decimal `yaml:"chandelier_atr_mult" mapstructure:"chandelier_atr_mult"`
	MaxHoldTimeHours decimal.Decimal `yaml:"max_hold_time_hours" mapstructure:"max_hold_time_hours"`
	AddOnEnabled     bool            `yaml:"add_on_enabled" mapstructure:"add_on_enabled"`
	AddOnMaxSizePct  decimal.Decimal `yaml:"add_on_max_size_pct" mapstructure:"add_on_max_size_pct"`
	PanicExitATRMult decimal.Decimal `yaml:"panic_exit_atr_mult" mapstructure:"panic_exit_atr_mult"`
}

func (p PositionConfig) Validate() error {
	if !p.TP2R.GreaterThan(p.TP1R) {
		return fmt.Errorf("position_config.tp2_r must be > tp1_r")
	}
	if p.TP1SizePct.Add(p.TP2SizePct).GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("position_config.tp1_size_pct + tp2_size_pct must be <= 1")
	}
	if p.AddOnMaxSizePct.LessThan(decimal.Zero) || p.AddOnMaxSizePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("position_config.add_on_max_size_pct must be in [0,1]")
	}
	return nil
}

// ScannerConfig is the "scanner_config" field group.
type ScannerConfig struct {
	MaxCandidates      int                        `yaml:"max_candidates" mapstructure:"max_candidates"`
	ScanIntervalSeconds int                       `yaml:"scan_interval_seconds" mapstructure:"scan_interval_seconds"`
	ScoreWeights       map[string]decimal.Decimal `yaml:"score_weights" mapstructure:"score_weights"`
	SymbolWhitelist    []string                   `yaml:"symbol_whitelist,omitempty" mapstructure:"symbol_whitelist"`
	SymbolBlacklist    []string                   `yaml:"symbol_blacklist,omitempty" mapstructure:"symbol_blacklist"`
	TopNByVolume       *int                       `yaml:"top_n_by_volume,omitempty" mapstructure:"top_n_by_volume"`
	DonchianPeriod     int                        `yaml:"donchian_period" mapstructure:"donchian_period"`
	MaxLevelAgeBars    int                        `yaml:"max_age_bars" mapstructure:"max_age_bars"`
	RetestPierceTolerance decimal.Decimal         `yaml:"level_retest_pierce_tolerance" mapstructure:"level_retest_pierce_tolerance"`
}

func (s ScannerConfig) Validate() error {
	if s.MaxCandidates < 1 {
		return fmt.Errorf("scanner_config.max_candidates must be >= 1")
	}
	if s.ScanIntervalSeconds < 1 {
		return fmt.Errorf("scanner_config.scan_interval_seconds must be >= 1")
	}
	sum := decimal.Zero
	for _, w := range s.ScoreWeights {
		sum = sum.Add(w.Abs())
	}
	if !sum.IsZero() && sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.NewFromFloat(0.15)) {
		// A weight sum outside 1.0±0.15 is detected here but produces no
		// warning and no error; validation passes.
		_ = sum
	}
	return nil
}

// ExecutionConfig is the "execution_config" field group.
type ExecutionConfig struct {
	EnableTWAP         bool            `yaml:"enable_twap" mapstructure:"enable_twap"`
	EnableIceberg      bool            `yaml:"enable_iceberg" mapstructure:"enable_iceberg"`
	MaxDepthFraction   decimal.Decimal `yaml:"max_depth_fraction" mapstructure:"max_depth_fraction"`
	TWAPMinSlices      int             `yaml:"twap_min_slices" mapstructure:"twap_min_slices"`
	TWAPMaxSlices      int             `yaml:"twap_max_slices" mapstructure:"twap_max_slices"`
	TWAPIntervalSeconds int            `yaml:"twap_interval_seconds" mapstructure:"twap_interval_seconds"`
	IcebergMinNotional decimal.Decimal `yaml:"iceberg_min_notional" mapstructure:"iceberg_min_notional"`
	LimitOffsetBps     decimal.Decimal `yaml:"limit_offset_bps" mapstructure:"limit_offset_bps"`
	SpreadWidenBps     decimal.Decimal `yaml:"spread_widen_bps" mapstructure:"spread_widen_bps"`
	DeadmanTimeoutMs   int             `yaml:"deadman_timeout_ms" mapstructure:"deadman_timeout_ms"`
	TakerFeeBps        decimal.Decimal `yaml:"taker_fee_bps" mapstructure:"taker_fee_bps"`
	MakerFeeBps        decimal.Decimal `yaml:"maker_fee_bps" mapstructure:"maker_fee_bps"`
}

func (e ExecutionConfig) Validate() error {
	if e.MaxDepthFraction.LessThanOrEqual(decimal.Zero) || e.MaxDepthFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("execution_config.max_depth_fraction must be in (0,1]")
	}
	if e.TWAPMinSlices > e.TWAPMaxSlices {
		return fmt.Errorf("execution_config.twap_min_slices must be <= twap_max_slices")
	}
	if e.TWAPIntervalSeconds <= 0 {
		return fmt.Errorf("execution_config.twap_interval_seconds must be > 0")
	}
	if e.DeadmanTimeoutMs < 1000 {
		return fmt.Errorf("execution_config.deadman_timeout_ms must be >= 1000")
	}
	return nil
}

// StrategyPriority selects which strategy is primary (spec §6).
type StrategyPriority string

const (
	PriorityMomentum StrategyPriority = "momentum"
	PriorityRetest   StrategyPriority = "retest"
)

// TradingPreset is the full structured configuration record spec §6
// requires, with field names fixed so persisted presets stay readable.
type TradingPreset struct {
	Name             string            `yaml:"name" mapstructure:"name"`
	Risk             RiskConfig        `yaml:"risk" mapstructure:"risk"`
	LiquidityFilters LiquidityFilters  `yaml:"liquidity_filters" mapstructure:"liquidity_filters"`
	VolatilityFilters VolatilityFilters `yaml:"volatility_filters" mapstructure:"volatility_filters"`
	SignalConfig     SignalConfig      `yaml:"signal_config" mapstructure:"signal_config"`
	PositionConfig   PositionConfig    `yaml:"position_config" mapstructure:"position_config"`
	ScannerConfig    ScannerConfig     `yaml:"scanner_config" mapstructure:"scanner_config"`
	ExecutionConfig  ExecutionConfig   `yaml:"execution_config" mapstructure:"execution_config"`
	StrategyPriority StrategyPriority  `yaml:"strategy_priority" mapstructure:"strategy_priority"`
}

// Validate checks every required field/range and returns a descriptive error
// on the first violation found. Unknown fields are a caller-side warning
// (see LoadPreset), never a validation failure.
func (p *TradingPreset) Validate() error {
	if p.StrategyPriority != PriorityMomentum && p.StrategyPriority != PriorityRetest {
		return fmt.Errorf("strategy_priority must be momentum or retest, got %q", p.StrategyPriority)
	}
	for _, v := range []interface{ Validate() error }{
		p.Risk, p.LiquidityFilters, p.VolatilityFilters, p.SignalConfig, p.PositionConfig, p.ScannerConfig, p.ExecutionConfig,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
