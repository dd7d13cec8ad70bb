// Package scanner implements the four-stage filter pipeline, weighted
// z-score scorer, and Donchian/support-resistance level detector (spec §4.2).
package scanner

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// filterStage is one named, ordered filter. Order is fixed so diagnostic
// attribution stays stable across cycles (spec §4.2).
type filterStage struct {
	name string
	eval func(md *types.MarketData, cfg *config.TradingPreset) (bool, map[string]any)
}

func stages(cfg *config.TradingPreset) []filterStage {
	return []filterStage{
		{name: "symbol", eval: symbolFilter},
		{name: "liquidity", eval: liquidityFilter},
		{name: "volatility", eval: volatilityFilter},
		{name: "correlation", eval: correlationFilter},
	}
}

func symbolFilter(md *types.MarketData, cfg *config.TradingPreset) (bool, map[string]any) {
	wl := cfg.ScannerConfig.SymbolWhitelist
	bl := cfg.ScannerConfig.SymbolBlacklist
	if len(wl) > 0 && !contains(wl, md.Symbol) {
		return false, map[string]any{"reason": "not_in_whitelist"}
	}
	if contains(bl, md.Symbol) {
		return false, map[string]any{"reason": "blacklisted"}
	}
	return true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func liquidityFilter(md *types.MarketData, cfg *config.TradingPreset) (bool, map[string]any) {
	f := cfg.LiquidityFilters
	details := map[string]any{}
	ok := true

	if md.Volume24hUSD.LessThan(f.Min24hVolumeUSD) {
		ok = false
		details["min_24h_volume_usd"] = map[string]any{"value": md.Volume24hUSD, "threshold": f.Min24hVolumeUSD}
	}
	if f.MinOIUSD != nil && md.OpenInterestUSD != nil && md.OpenInterestUSD.LessThan(*f.MinOIUSD) {
		ok = false
		details["min_oi_usd"] = map[string]any{"value": *md.OpenInterestUSD, "threshold": *f.MinOIUSD}
	}
	if md.L2Depth != nil {
		if md.L2Depth.SpreadBps.GreaterThan(f.MaxSpreadBps) {
			ok = false
			details["max_spread_bps"] = map[string]any{"value": md.L2Depth.SpreadBps, "threshold": f.MaxSpreadBps}
		}
		if md.L2Depth.BidUSD0_3pct.Add(md.L2Depth.AskUSD0_3pct).LessThan(f.MinDepthUSD0_3pct) {
			ok = false
			details["min_depth_usd_0_3pct"] = map[string]any{"value": md.L2Depth.BidUSD0_3pct.Add(md.L2Depth.AskUSD0_3pct), "threshold": f.MinDepthUSD0_3pct}
		}
		if md.L2Depth.BidUSD0_5pct.Add(md.L2Depth.AskUSD0_5pct).LessThan(f.MinDepthUSD0_5pct) {
			ok = false
			details["min_depth_usd_0_5pct"] = map[string]any{"value": md.L2Depth.BidUSD0_5pct.Add(md.L2Depth.AskUSD0_5pct), "threshold": f.MinDepthUSD0_5pct}
		}
	}
	if md.TradesPerMinute.LessThan(f.MinTradesPerMinute) {
		ok = false
		details["min_trades_per_minute"] = map[string]any{"value": md.TradesPerMinute, "threshold": f.MinTradesPerMinute}
	}
	return ok, details
}

func volatilityFilter(md *types.MarketData, cfg *config.TradingPreset) (bool, map[string]any) {
	f := cfg.VolatilityFilters
	details := map[string]any{}
	ok := true

	atrRatio := decimal.Zero
	if md.Price.IsPositive() {
		atrRatio = md.ATR15m.Div(md.Price)
	}
	if atrRatio.LessThan(f.ATRRangeMin) || atrRatio.GreaterThan(f.ATRRangeMax) {
		ok = false
		details["atr_range"] = map[string]any{"value": atrRatio, "min": f.ATRRangeMin, "max": f.ATRRangeMax}
	}
	if md.BBWidthPct.GreaterThan(f.BBWidthPercentileMax) {
		ok = false
		details["bb_width_pct"] = map[string]any{"value": md.BBWidthPct, "threshold": f.BBWidthPercentileMax}
	}
	if md.VolSurge1h.LessThan(f.VolumeSurge1hMin) {
		ok = false
		details["vol_surge_1h_min"] = map[string]any{"value": md.VolSurge1h, "threshold": f.VolumeSurge1hMin}
	}
	if md.VolSurge5m.LessThan(f.VolumeSurge5mMin) {
		ok = false
		details["vol_surge_5m_min"] = map[string]any{"value": md.VolSurge5m, "threshold": f.VolumeSurge5mMin}
	}
	if f.OIDeltaThreshold != nil && md.OIDeltaPct != nil && md.OIDeltaPct.Abs().LessThan(*f.OIDeltaThreshold) {
		ok = false
		details["oi_delta_threshold"] = map[string]any{"value": *md.OIDeltaPct, "threshold": *f.OIDeltaThreshold}
	}
	return ok, details
}

func correlationFilter(md *types.MarketData, cfg *config.TradingPreset) (bool, map[string]any) {
	if md.BTCCorrelation.Abs().GreaterThan(cfg.Risk.CorrelationLimit) {
		return false, map[string]any{"corr_btc_15m": map[string]any{"value": md.BTCCorrelation, "threshold": cfg.Risk.CorrelationLimit}}
	}
	return true, nil
}

// sortScanResults ranks by score descending, ties broken by 24h USD volume
// descending, then symbol lexicographically (spec §4.2).
func sortScanResults(results []*types.ScanResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.Score.Equal(b.Score) {
			return a.Score.GreaterThan(b.Score)
		}
		av, bv := decimal.Zero, decimal.Zero
		if a.MarketData != nil {
			av = a.MarketData.Volume24hUSD
		}
		if b.MarketData != nil {
			bv = b.MarketData.Volume24hUSD
		}
		if !av.Equal(bv) {
			return av.GreaterThan(bv)
		}
		return a.Symbol < b.Symbol
	})
	for i, r := range results {
		r.Rank = i + 1
	}
}
