package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// Retest implements the retest-of-broken-level entry (spec §4.3).
type Retest struct {
	diag Diagnostics
}

// NewRetest constructs the retest strategy.
func NewRetest(diag Diagnostics) *Retest { return &Retest{diag: diag} }

func (r *Retest) Kind() types.StrategyKind { return types.StrategyRetest }

func (r *Retest) Generate(sr *types.ScanResult, preset *config.TradingPreset) (*types.Signal, error) {
	if len(sr.Levels) == 0 || len(sr.MarketData.Candles5m) < 2 {
		return nil, nil
	}
	candles := sr.MarketData.Candles5m
	last := candles[len(candles)-1]
	cfg := preset.SignalConfig

	for _, lvl := range sr.Levels {
		if !hadPriorBreakout(candles, lvl, 60) {
			continue
		}
		pierceTolerance := lvl.Price.Mul(cfg.RetestPierceTolerance)
		withinTolerance := last.Close.Sub(lvl.Price).Abs().LessThanOrEqual(pierceTolerance)
		r.record(sr.Symbol, "retest_proximity", last.Close.Sub(lvl.Price).Abs(), pierceTolerance, withinTolerance)
		if !withinTolerance {
			continue
		}

		var pierce decimal.Decimal
		if lvl.Type == types.LevelResistance {
			pierce = lvl.Price.Sub(last.Low)
		} else {
			pierce = last.High.Sub(lvl.Price)
		}
		pierceATR := decimal.Zero
		if sr.MarketData.ATR5m.IsPositive() {
			pierceATR = pierce.Div(sr.MarketData.ATR5m)
		}
		pierceOK := pierceATR.LessThanOrEqual(cfg.RetestMaxPierceATR)
		r.record(sr.Symbol, "retest_pierce_depth", pierceATR, cfg.RetestMaxPierceATR, pierceOK)
		if !pierceOK {
			continue
		}

		imbalance := decimal.Zero
		if sr.MarketData.L2Depth != nil {
			imbalance = sr.MarketData.L2Depth.Imbalance
		}
		side := types.PositionSideLong
		threshold := cfg.L2ImbalanceThreshold
		imbalanceOK := imbalance.GreaterThanOrEqual(threshold)
		if lvl.Type == types.LevelSupport {
			side = types.PositionSideShort
			imbalanceOK = imbalance.LessThanOrEqual(threshold.Neg())
		}
		r.record(sr.Symbol, "l2_imbalance", imbalance, threshold, imbalanceOK)
		if !imbalanceOK {
			continue
		}

		tpmOK := sr.MarketData.TradesPerMinute.GreaterThanOrEqual(preset.LiquidityFilters.MinTradesPerMinute)
		r.record(sr.Symbol, "trades_per_minute", sr.MarketData.TradesPerMinute, preset.LiquidityFilters.MinTradesPerMinute, tpmOK)
		if !tpmOK {
			continue
		}

		stop := lvl.Price.Sub(sr.MarketData.ATR5m)
		if side == types.PositionSideShort {
			stop = lvl.Price.Add(sr.MarketData.ATR5m)
		}
		sig := &types.Signal{
			Symbol:     sr.Symbol,
			Side:       side,
			Strategy:   types.StrategyRetest,
			Entry:      lvl.Price,
			Level:      lvl.Price,
			StopLoss:   stop,
			Confidence: lvl.Strength,
			Reason:     "retest_confirmed",
			Meta:       map[string]any{"l2_imbalance": imbalance},
			Timestamp:  last.Timestamp,
		}
		if sig.Valid() {
			return sig, nil
		}
	}
	return nil, nil
}

func (r *Retest) record(symbol, condition string, value, threshold any, passed bool) {
	if r.diag != nil {
		r.diag.RecordSignalCondition(symbol, "retest", condition, value, threshold, passed)
	}
}

// hadPriorBreakout reports whether price closed beyond the level within the
// lookback window (spec §4.3 "prior breakout recorded for this level").
func hadPriorBreakout(candles []types.Candle, lvl types.TradingLevel, lookback int) bool {
	start := 0
	if len(candles) > lookback {
		start = len(candles) - lookback
	}
	for _, c := range candles[start:] {
		if lvl.Type == types.LevelResistance && c.Close.GreaterThan(lvl.Price) {
			return true
		}
		if lvl.Type == types.LevelSupport && c.Close.LessThan(lvl.Price) {
			return true
		}
	}
	return false
}
