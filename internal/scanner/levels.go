package scanner

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// DetectLevels computes Donchian highs/lows and validates them into
// TradingLevels per spec §4.2.
func DetectLevels(candles []types.Candle, cfg *config.TradingPreset, atr decimal.Decimal) []types.TradingLevel {
	period := cfg.ScannerConfig.DonchianPeriod
	if period <= 0 {
		period = 20
	}
	if len(candles) < period {
		return nil
	}
	recent := candles[len(candles)-period:]

	highest, lowest := recent[0].High, recent[0].Low
	for _, c := range recent {
		if c.High.GreaterThan(highest) {
			highest = c.High
		}
		if c.Low.LessThan(lowest) {
			lowest = c.Low
		}
	}

	tolerance := cfg.ScannerConfig.RetestPierceTolerance
	maxAge := cfg.ScannerConfig.MaxLevelAgeBars
	if maxAge <= 0 {
		maxAge = period
	}

	var levels []types.TradingLevel
	if lvl, ok := buildLevel(recent, highest, types.LevelResistance, tolerance, atr, maxAge); ok {
		levels = append(levels, lvl)
	}
	if lvl, ok := buildLevel(recent, lowest, types.LevelSupport, tolerance, atr, maxAge); ok {
		levels = append(levels, lvl)
	}
	return levels
}

// buildLevel validates one candidate level: touch_count >= 3, wick
// penetration within tolerance*atr, recency within max_age_bars.
func buildLevel(candles []types.Candle, price decimal.Decimal, kind types.LevelType, tolerance, atr decimal.Decimal, maxAgeBars int) (types.TradingLevel, bool) {
	touchBand := price.Mul(tolerance)
	if touchBand.IsZero() {
		touchBand = atr.Mul(decimal.NewFromFloat(0.1))
	}

	touches := 0
	var first, last time.Time
	lastIdx := -1
	maxPierce := decimal.Zero
	cleanTouches := 0

	startIdx := 0
	if maxAgeBars > 0 && len(candles) > maxAgeBars {
		startIdx = len(candles) - maxAgeBars
	}

	for i := startIdx; i < len(candles); i++ {
		c := candles[i]
		var touchPrice, pierce decimal.Decimal
		switch kind {
		case types.LevelResistance:
			touchPrice = c.High
			pierce = c.High.Sub(price)
		default:
			touchPrice = c.Low
			pierce = price.Sub(c.Low)
		}
		if touchPrice.Sub(price).Abs().LessThanOrEqual(touchBand) {
			touches++
			if first.IsZero() {
				first = c.Timestamp
			}
			last = c.Timestamp
			lastIdx = i
			if pierce.GreaterThan(maxPierce) {
				maxPierce = pierce
			}
			pierceATR := decimal.Zero
			if atr.IsPositive() {
				pierceATR = pierce.Div(atr)
			}
			if pierceATR.LessThanOrEqual(tolerance) {
				cleanTouches++
			}
		}
	}

	if touches < 3 {
		return types.TradingLevel{}, false
	}

	recency := decimal.NewFromInt(1)
	if lastIdx >= 0 {
		ageBars := decimal.NewFromInt(int64(len(candles) - 1 - lastIdx))
		span := decimal.NewFromInt(int64(maxAgeBars))
		if span.IsPositive() {
			recency = types.ClampDecimal(decimal.NewFromInt(1).Sub(ageBars.Div(span)), decimal.Zero, decimal.NewFromInt(1))
		}
	}
	touchScore := decimal.NewFromInt(int64(touches)).Div(decimal.NewFromInt(int64(touches + 2)))
	cleanliness := decimal.Zero
	if touches > 0 {
		cleanliness = decimal.NewFromInt(int64(cleanTouches)).Div(decimal.NewFromInt(int64(touches)))
	}
	strength := types.ClampDecimal(touchScore.Mul(decimal.NewFromFloat(0.4)).
		Add(recency.Mul(decimal.NewFromFloat(0.3))).
		Add(cleanliness.Mul(decimal.NewFromFloat(0.3))), decimal.Zero, decimal.NewFromInt(1))

	return types.TradingLevel{
		Price:      price,
		Type:       kind,
		TouchCount: touches,
		Strength:   strength,
		FirstTouch: first,
		LastTouch:  last,
	}, true
}
