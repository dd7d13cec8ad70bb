package marketdata

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/types"
	"github.com/atlas-breakout/engine/pkg/utils"
)

// atrFromCandles computes a simple average true range over the trailing
// period candles (Wilder's smoothing is overkill for the scanner's coarse
// volatility filter; spec §4.2 only needs atr/price in range).
func atrFromCandles(candles []types.Candle, period int) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}
	start := len(candles) - period
	if start < 1 {
		start = 1
	}
	sum := decimal.Zero
	n := 0
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		c := candles[i]
		hl := c.High.Sub(c.Low)
		hc := c.High.Sub(prevClose).Abs()
		lc := c.Low.Sub(prevClose).Abs()
		tr := utils.MaxDecimal(hl, utils.MaxDecimal(hc, lc))
		sum = sum.Add(tr)
		n++
	}
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// bbWidthPct computes Bollinger band width as a fraction of the mid price
// over the trailing period closes (spec §4.2 "bb_width_pct").
func bbWidthPct(candles []types.Candle, period int) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	closes := make([]decimal.Decimal, 0, len(candles)-start)
	for _, c := range candles[start:] {
		closes = append(closes, c.Close)
	}
	mean := utils.CalculateMean(closes)
	if mean.IsZero() {
		return decimal.Zero
	}
	stddev := utils.CalculateStdDev(closes)
	width := stddev.Mul(decimal.NewFromInt(4)) // +-2 stddev band
	return width.Div(mean)
}

// correlation computes the Pearson correlation of two aligned return series,
// truncated to their common trailing length (spec §4.4 "correlation cap").
func correlation(a, b []decimal.Decimal) decimal.Decimal {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return decimal.Zero
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	meanA := utils.CalculateMean(a)
	meanB := utils.CalculateMean(b)

	cov := decimal.Zero
	varA := decimal.Zero
	varB := decimal.Zero
	for i := 0; i < n; i++ {
		da := a[i].Sub(meanA)
		db := b[i].Sub(meanB)
		cov = cov.Add(da.Mul(db))
		varA = varA.Add(da.Mul(da))
		varB = varB.Add(db.Mul(db))
	}
	denom := varA.Mul(varB)
	if denom.IsNegative() || denom.IsZero() {
		return decimal.Zero
	}
	f, _ := denom.Float64()
	if f <= 0 {
		return decimal.Zero
	}
	sqrt := decimal.NewFromFloat(math.Sqrt(f))
	if sqrt.IsZero() {
		return decimal.Zero
	}
	return cov.Div(sqrt)
}

// volumeSurgeRatio compares the most recent windowBars of volume against the
// trailing historical average window of the same size (spec §4.2
// "vol_surge_5m"/"vol_surge_1h"): >1 means the latest window is running hot
// relative to its own history.
func volumeSurgeRatio(candles []types.Candle, windowBars int) decimal.Decimal {
	if windowBars <= 0 || len(candles) < windowBars*2 {
		return decimal.NewFromInt(1)
	}
	recent := decimal.Zero
	for _, c := range candles[len(candles)-windowBars:] {
		recent = recent.Add(c.Volume)
	}
	hist := candles[:len(candles)-windowBars]
	histWindows := len(hist) / windowBars
	if histWindows == 0 {
		return decimal.NewFromInt(1)
	}
	histSum := decimal.Zero
	for _, c := range hist[len(hist)-histWindows*windowBars:] {
		histSum = histSum.Add(c.Volume)
	}
	avg := histSum.Div(decimal.NewFromInt(int64(histWindows)))
	if avg.IsZero() {
		return decimal.NewFromInt(1)
	}
	return recent.Div(avg)
}

// Correlation reports the 5m-return Pearson correlation between two
// symbols from cached candles, satisfying risk.CorrelationSource.
func (p *Provider) Correlation(symbolA, symbolB string) decimal.Decimal {
	if symbolA == symbolB {
		return decimal.NewFromInt(1)
	}
	a := closesOf(p.Candles(symbolA, types.Timeframe5m))
	b := closesOf(p.Candles(symbolB, types.Timeframe5m))
	return correlation(utils.CalculateReturns(a), utils.CalculateReturns(b))
}

func closesOf(candles []types.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// BuildSnapshot assembles the per-symbol MarketData the scanner reads,
// computing ATR/BB-width/BTC-correlation from cached candles instead of
// requiring the caller to precompute them (spec §3, §4.2).
func (p *Provider) BuildSnapshot(symbol, btcSymbol string) *types.MarketData {
	c5 := p.Candles(symbol, types.Timeframe5m)
	c15 := p.Candles(symbol, types.Timeframe15m)

	price := decimal.Zero
	if len(c5) > 0 {
		price = c5[len(c5)-1].Close
	}

	vol24h := decimal.Zero
	for _, c := range c15 {
		vol24h = vol24h.Add(c.Volume.Mul(c.Close))
	}

	btcCorr := decimal.NewFromInt(1)
	if symbol != btcSymbol {
		btcCandles := p.Candles(btcSymbol, types.Timeframe5m)
		btcCorr = correlation(utils.CalculateReturns(closesOf(c5)), utils.CalculateReturns(closesOf(btcCandles)))
	}

	return p.Snapshot(symbol, price, vol24h, atrFromCandles(c5, 14), atrFromCandles(c15, 14), bbWidthPct(c15, 20), btcCorr)
}
