package scanner

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// metricSample carries one candidate's raw metric components ahead of
// per-cycle z-score normalization.
type metricSample struct {
	symbol   string
	raw      map[string]decimal.Decimal
}

// rawMetrics computes the candidate's pre-normalization score components
// (spec §4.2: vol_surge, oi_delta, atr_quality, -|correlation|,
// trades_per_minute, optional gainers_momentum).
func rawMetrics(md *types.MarketData, volSurge5m, volSurge1h decimal.Decimal, atrMid decimal.Decimal) map[string]decimal.Decimal {
	atrRatio := decimal.Zero
	if md.Price.IsPositive() {
		atrRatio = md.ATR15m.Div(md.Price)
	}
	atrQuality := decimal.NewFromInt(1).Sub(atrRatio.Sub(atrMid).Abs())

	m := map[string]decimal.Decimal{
		"vol_surge":         volSurge5m.Add(volSurge1h).Div(decimal.NewFromInt(2)),
		"atr_quality":        atrQuality,
		"correlation":        md.BTCCorrelation.Abs().Neg(),
		"trades_per_minute":  md.TradesPerMinute,
	}
	if md.OIDeltaPct != nil {
		m["oi_delta"] = *md.OIDeltaPct
	}
	return m
}

// zScore computes per-cycle z-score normalization across the filtered
// universe for one metric key, returning symbol -> z.
func zScore(samples []metricSample, key string) map[string]decimal.Decimal {
	var values []decimal.Decimal
	for _, s := range samples {
		if v, ok := s.raw[key]; ok {
			values = append(values, v)
		}
	}
	out := make(map[string]decimal.Decimal, len(samples))
	if len(values) == 0 {
		return out
	}
	mean := decimal.Zero
	for _, v := range values {
		mean = mean.Add(v)
	}
	mean = mean.Div(decimal.NewFromInt(int64(len(values))))

	variance := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(values))))
	// decimal.Decimal has no fractional Pow; stddev is a statistical
	// normalization, not a money figure, so go through float64 for sqrt.
	stddev := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))

	for _, s := range samples {
		v, ok := s.raw[key]
		if !ok || stddev.IsZero() {
			out[s.symbol] = decimal.Zero
			continue
		}
		out[s.symbol] = v.Sub(mean).Div(stddev)
	}
	return out
}

// score computes the final weighted score = sum(w_i * z_i) for every
// candidate, honoring the literal weight sign as written in the preset
// (spec §4.2, §9 open question on correlation_score sign).
func score(samples []metricSample, weights map[string]decimal.Decimal) map[string]decimal.Decimal {
	zBySymbol := make(map[string]map[string]decimal.Decimal)
	for key := range weights {
		z := zScore(samples, key)
		for sym, v := range z {
			if zBySymbol[sym] == nil {
				zBySymbol[sym] = map[string]decimal.Decimal{}
			}
			zBySymbol[sym][key] = v
		}
	}
	out := make(map[string]decimal.Decimal, len(samples))
	for _, s := range samples {
		total := decimal.Zero
		for key, w := range weights {
			total = total.Add(w.Mul(zBySymbol[s.symbol][key]))
		}
		out[s.symbol] = total
	}
	return out
}

// Score runs the scorer over a set of filtered candidates and returns each
// candidate's final score and per-metric components.
func Score(preset *config.TradingPreset, mds map[string]*types.MarketData, volSurge5m, volSurge1h, atrMid map[string]decimal.Decimal) (map[string]decimal.Decimal, map[string]map[string]decimal.Decimal) {
	samples := make([]metricSample, 0, len(mds))
	for sym, md := range mds {
		samples = append(samples, metricSample{symbol: sym, raw: rawMetrics(md, volSurge5m[sym], volSurge1h[sym], atrMid[sym])})
	}
	final := score(samples, preset.ScannerConfig.ScoreWeights)

	components := make(map[string]map[string]decimal.Decimal, len(samples))
	for _, s := range samples {
		components[s.symbol] = s.raw
	}
	return final, components
}
