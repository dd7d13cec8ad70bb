// Package sizing implements the R-model position sizer (spec §4.4),
// converting an approved signal and portfolio snapshot into a sized order.
package sizing

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

// Request carries every input the R-model adjustments read.
type Request struct {
	Signal           *types.Signal
	AccountEquity    decimal.Decimal
	AvailableDepth   decimal.Decimal // at the entry side, in base units
	Market           types.MarketSpec
	DailyRiskUsedPct decimal.Decimal
	DrawdownR        decimal.Decimal
	OpenPositions    int
}

// Result is the sized order plus the adjustment trail, mirroring the
// teacher's SizingResult.Adjustments/LimitingFactor reporting style.
type Result struct {
	Qty            decimal.Decimal `json:"qty"`
	Entry          decimal.Decimal `json:"entry"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	RiskUSD        decimal.Decimal `json:"risk_usd"`
	TWAP           bool            `json:"twap"`
	Adjustments    []string        `json:"adjustments"`
	LimitingFactor string          `json:"limiting_factor"`
}

// Sizer computes position size from the fixed R-model formula and ordered
// adjustments in spec §4.4.
type Sizer struct {
	logger *zap.Logger
}

// New constructs a Sizer.
func New(logger *zap.Logger) *Sizer { return &Sizer{logger: logger} }

// Size implements the R-model: R_usd -> raw_qty -> max-notional clamp ->
// depth clamp (marking TWAP) -> exchange precision rounding -> soft
// risk-reduction. Adjustments are applied strictly in this order.
func (s *Sizer) Size(req Request, preset *config.TradingPreset) (*Result, *errs.Error) {
	sig := req.Signal
	stopDistance := sig.StopDistance()
	if stopDistance.IsZero() || stopDistance.IsNegative() {
		return nil, errs.New(errs.KindRiskDenied, "sizing.Size", "stop_distance must be positive")
	}

	rUSD := req.AccountEquity.Mul(preset.Risk.RiskPerTrade)
	rawQty := rUSD.Div(stopDistance)

	result := &Result{
		Entry:       sig.Entry,
		StopLoss:    sig.StopLoss,
		RiskUSD:     rUSD,
		Adjustments: make([]string, 0, 4),
	}
	qty := rawQty
	result.LimitingFactor = "risk_model"

	// 1. Max notional.
	if preset.Risk.MaxPositionSizeUSD != nil {
		maxQty := preset.Risk.MaxPositionSizeUSD.Div(sig.Entry)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
			result.LimitingFactor = "max_notional"
			result.Adjustments = append(result.Adjustments, "capped_max_notional")
		}
	}

	// 2. Depth constraint; mark for TWAP if the clamp is binding and the
	// pre-clamp qty exceeds 1.5x the clamped value.
	maxDepthFraction := preset.ExecutionConfig.MaxDepthFraction
	depthCap := req.AvailableDepth.Mul(maxDepthFraction)
	if qty.GreaterThan(depthCap) {
		preClamp := qty
		qty = depthCap
		result.LimitingFactor = "depth_constraint"
		result.Adjustments = append(result.Adjustments, "capped_depth_constraint")
		if preClamp.GreaterThan(qty.Mul(decimal.NewFromFloat(1.5))) {
			result.TWAP = true
			result.Adjustments = append(result.Adjustments, "marked_twap")
		}
	}

	// 3. Exchange precision.
	qty = roundDown(qty, req.Market.AmountStep)
	result.Entry = roundToTick(result.Entry, req.Market.PriceTick)
	if qty.LessThan(req.Market.MinQty) {
		return nil, errs.RiskDenied("below_min_qty").WithSymbol(sig.Symbol)
	}

	// 4. Soft risk-reduction.
	softTriggers := req.DailyRiskUsedPct.GreaterThanOrEqual(decimal.NewFromFloat(0.8)) ||
		req.DrawdownR.GreaterThanOrEqual(preset.Risk.KillSwitchLossLimit.Mul(decimal.NewFromFloat(0.5))) ||
		req.OpenPositions == preset.Risk.MaxConcurrentPositions
	if softTriggers {
		qty = qty.Mul(decimal.NewFromFloat(0.5))
		qty = roundDown(qty, req.Market.AmountStep)
		result.Adjustments = append(result.Adjustments, "soft_risk_reduction_0.5x")
		if qty.LessThan(req.Market.MinQty) {
			return nil, errs.RiskDenied("below_min_qty").WithSymbol(sig.Symbol)
		}
	}

	result.Qty = qty
	return result, nil
}

func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}
