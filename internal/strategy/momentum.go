package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// Momentum implements the breakout/momentum-burst entry (spec §4.3).
type Momentum struct {
	diag Diagnostics
}

// NewMomentum constructs the momentum strategy.
func NewMomentum(diag Diagnostics) *Momentum { return &Momentum{diag: diag} }

func (m *Momentum) Kind() types.StrategyKind { return types.StrategyMomentum }

func (m *Momentum) Generate(sr *types.ScanResult, preset *config.TradingPreset) (*types.Signal, error) {
	if len(sr.Levels) == 0 || len(sr.MarketData.Candles5m) < 21 {
		return nil, nil
	}
	candles := sr.MarketData.Candles5m
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]

	level := nearestLevel(sr.Levels, types.LevelResistance)
	if level == nil {
		return m.tryShort(sr, preset, candles, last, prev)
	}

	cfg := preset.SignalConfig
	levelTrigger := level.Price.Mul(decimal.NewFromInt(1).Add(cfg.MomentumEpsilon))
	pass := true

	ok1 := last.Close.GreaterThan(levelTrigger)
	m.record(sr.Symbol, "breakout_level", last.Close, levelTrigger, ok1)
	pass = pass && ok1

	medianVol := rollingMedianVolume(candles, 20)
	volThreshold := medianVol.Mul(cfg.MomentumVolumeMultiplier)
	ok2 := last.Volume.GreaterThanOrEqual(volThreshold)
	m.record(sr.Symbol, "volume_confirmation", last.Volume, volThreshold, ok2)
	pass = pass && ok2

	bodyRatio := decimal.Zero
	rangeHL := last.High.Sub(last.Low)
	if rangeHL.IsPositive() {
		bodyRatio = last.Close.Sub(last.Open).Div(rangeHL)
	}
	ok3 := bodyRatio.GreaterThanOrEqual(cfg.MomentumBodyRatioMin)
	m.record(sr.Symbol, "body_ratio", bodyRatio, cfg.MomentumBodyRatioMin, ok3)
	pass = pass && ok3

	imbalance := decimal.Zero
	if sr.MarketData.L2Depth != nil {
		imbalance = sr.MarketData.L2Depth.Imbalance
	}
	ok4 := imbalance.GreaterThanOrEqual(cfg.L2ImbalanceThreshold)
	m.record(sr.Symbol, "l2_imbalance", imbalance, cfg.L2ImbalanceThreshold, ok4)
	pass = pass && ok4

	vwap := approxVWAP(candles)
	gap := last.Close.Sub(vwap).Abs()
	gapLimit := cfg.VWAPGapMaxATR.Mul(sr.MarketData.ATR5m)
	ok5 := gap.LessThanOrEqual(gapLimit)
	m.record(sr.Symbol, "vwap_gap", gap, gapLimit, ok5)
	pass = pass && ok5

	ok6 := prev.Close.LessThanOrEqual(levelTrigger)
	m.record(sr.Symbol, "anti_squeeze_fresh_break", prev.Close, levelTrigger, ok6)
	pass = pass && ok6

	if !pass {
		return nil, nil
	}

	swingLow := lowestLow(candles, 10)
	atrStop := last.Close.Sub(sr.MarketData.ATR5m.Mul(decimal.NewFromFloat(1.2)))
	stop := decimal.Max(swingLow, atrStop)

	entry := levelTrigger
	sig := &types.Signal{
		Symbol:     sr.Symbol,
		Side:       types.PositionSideLong,
		Strategy:   types.StrategyMomentum,
		Entry:      entry,
		Level:      level.Price,
		StopLoss:   stop,
		Confidence: level.Strength,
		Reason:     "momentum_breakout",
		Meta: map[string]any{
			"breakout_price":      last.Close,
			"volume_confirmation": last.Volume,
			"l2_imbalance":        imbalance,
		},
		Timestamp: last.Timestamp,
	}
	if !sig.Valid() {
		return nil, nil
	}
	return sig, nil
}

func (m *Momentum) tryShort(sr *types.ScanResult, preset *config.TradingPreset, candles []types.Candle, last, prev types.Candle) (*types.Signal, error) {
	level := nearestLevel(sr.Levels, types.LevelSupport)
	if level == nil {
		return nil, nil
	}
	cfg := preset.SignalConfig
	levelTrigger := level.Price.Mul(decimal.NewFromInt(1).Sub(cfg.MomentumEpsilon))

	pass := last.Close.LessThan(levelTrigger)
	m.record(sr.Symbol, "breakdown_level", last.Close, levelTrigger, pass)
	if !pass {
		return nil, nil
	}

	medianVol := rollingMedianVolume(candles, 20)
	volThreshold := medianVol.Mul(cfg.MomentumVolumeMultiplier)
	if last.Volume.LessThan(volThreshold) {
		m.record(sr.Symbol, "volume_confirmation", last.Volume, volThreshold, false)
		return nil, nil
	}

	imbalance := decimal.Zero
	if sr.MarketData.L2Depth != nil {
		imbalance = sr.MarketData.L2Depth.Imbalance
	}
	if imbalance.GreaterThan(cfg.L2ImbalanceThreshold.Neg()) {
		m.record(sr.Symbol, "l2_imbalance", imbalance, cfg.L2ImbalanceThreshold.Neg(), false)
		return nil, nil
	}
	if !prev.Close.GreaterThanOrEqual(levelTrigger) {
		m.record(sr.Symbol, "anti_squeeze_fresh_break", prev.Close, levelTrigger, false)
		return nil, nil
	}

	swingHigh := highestHigh(candles, 10)
	atrStop := last.Close.Add(sr.MarketData.ATR5m.Mul(decimal.NewFromFloat(1.2)))
	stop := decimal.Min(swingHigh, atrStop)

	sig := &types.Signal{
		Symbol:     sr.Symbol,
		Side:       types.PositionSideShort,
		Strategy:   types.StrategyMomentum,
		Entry:      levelTrigger,
		Level:      level.Price,
		StopLoss:   stop,
		Confidence: level.Strength,
		Reason:     "momentum_breakdown",
		Meta:       map[string]any{"breakout_price": last.Close},
		Timestamp:  last.Timestamp,
	}
	if !sig.Valid() {
		return nil, nil
	}
	return sig, nil
}

func (m *Momentum) record(symbol, condition string, value, threshold any, passed bool) {
	if m.diag != nil {
		m.diag.RecordSignalCondition(symbol, "momentum", condition, value, threshold, passed)
	}
}

func nearestLevel(levels []types.TradingLevel, kind types.LevelType) *types.TradingLevel {
	for i := range levels {
		if levels[i].Type == kind {
			return &levels[i]
		}
	}
	return nil
}

func rollingMedianVolume(candles []types.Candle, n int) decimal.Decimal {
	if len(candles) < n {
		n = len(candles)
	}
	if n == 0 {
		return decimal.Zero
	}
	window := append([]types.Candle(nil), candles[len(candles)-n:]...)
	vols := make([]decimal.Decimal, len(window))
	for i, c := range window {
		vols[i] = c.Volume
	}
	for i := 1; i < len(vols); i++ {
		for j := i; j > 0 && vols[j-1].GreaterThan(vols[j]); j-- {
			vols[j-1], vols[j] = vols[j], vols[j-1]
		}
	}
	mid := len(vols) / 2
	if len(vols)%2 == 0 {
		return vols[mid-1].Add(vols[mid]).Div(decimal.NewFromInt(2))
	}
	return vols[mid]
}

func approxVWAP(candles []types.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	pv, vol := decimal.Zero, decimal.Zero
	for _, c := range candles {
		typical := c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
		pv = pv.Add(typical.Mul(c.Volume))
		vol = vol.Add(c.Volume)
	}
	if vol.IsZero() {
		return candles[len(candles)-1].Close
	}
	return pv.Div(vol)
}

func lowestLow(candles []types.Candle, n int) decimal.Decimal {
	if len(candles) < n {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	low := window[0].Low
	for _, c := range window {
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}
	return low
}

func highestHigh(candles []types.Candle, n int) decimal.Decimal {
	if len(candles) < n {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	high := window[0].High
	for _, c := range window {
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return high
}
