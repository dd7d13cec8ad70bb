// Package execution implements the execution manager (spec §4.5): routing
// a sized order to TWAP/iceberg/single child orders, fill accounting, and
// the dead-man switch.
package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/exchange"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

// icebergDisplayFraction is the share of an iceberg child's quantity shown
// to the book (spec §4.5 "display only a fraction per slice").
var icebergDisplayFraction = decimal.NewFromFloat(0.2)

// SizedOrder is the output of internal/sizing, routed into the executor.
type SizedOrder struct {
	Symbol    string
	Side      types.OrderSide
	Intent    types.OrderIntent
	Qty       decimal.Decimal
	Price     *decimal.Decimal // nil for market/stop-market
	StopPrice *decimal.Decimal
	TWAP      bool
}

// MarketSnapshot is the subset of live market state the executor needs to
// make routing decisions.
type MarketSnapshot struct {
	Mid         decimal.Decimal
	SpreadBps   decimal.Decimal
	DepthAtSide decimal.Decimal
}

// Manager routes sized orders to child orders per spec §4.5 and aggregates
// fills into a CompositeOrder. One Manager instance is shared across
// positions; per-(position,intent) concurrency is enforced by inFlight.
type Manager struct {
	logger   *zap.Logger
	adapter  exchange.Adapter
	preset   *config.TradingPreset

	mu       sync.Mutex
	inFlight map[string]bool // key: positionID|intent
}

// New constructs an execution Manager bound to one venue adapter.
func New(logger *zap.Logger, adapter exchange.Adapter, preset *config.TradingPreset) *Manager {
	return &Manager{
		logger:   logger,
		adapter:  adapter,
		preset:   preset,
		inFlight: make(map[string]bool),
	}
}

// Execute implements execute(sized_order, market_snapshot) -> CompositeOrder
// (spec §4.5). positionID+intent together form the in-flight lock key so
// at most one order is outstanding per (position, intent) pair.
func (m *Manager) Execute(ctx context.Context, positionID string, so SizedOrder, snap MarketSnapshot) (*types.Order, error) {
	key := positionID + "|" + string(so.Intent)
	if err := m.acquire(key); err != nil {
		return nil, err
	}
	defer m.release(key)

	cfg := m.preset.ExecutionConfig
	orderType := m.chooseType(so)
	slices := m.planSlices(so, snap, cfg)

	parent := &types.Order{
		ID:        uuid.NewString(),
		Symbol:    so.Symbol,
		Side:      so.Side,
		Type:      orderType,
		Qty:       so.Qty,
		Price:     so.Price,
		StopPrice: so.StopPrice,
		Status:    types.OrderStatusPending,
		Intent:    so.Intent,
		CreatedAt: time.Now(),
	}

	referencePrice := snap.Mid
	if so.Price != nil {
		referencePrice = *so.Price
	}

	iceberg := cfg.EnableIceberg && referencePrice.IsPositive() &&
		so.Qty.Mul(referencePrice).GreaterThan(cfg.IcebergMinNotional)

	for i, sliceQty := range slices {
		if i > 0 {
			if err := sleepOrCancel(ctx, time.Duration(cfg.TWAPIntervalSeconds)*time.Second); err != nil {
				parent.Status = types.OrderStatusCancelled
				return parent, err
			}
			if m.spreadWidened(ctx, so.Symbol, snap, cfg) {
				m.logger.Warn("cancelling remaining TWAP slices on spread widening",
					zap.String("symbol", so.Symbol))
				break
			}
		}

		child, err := m.submitChild(ctx, so, orderType, sliceQty, cfg, iceberg)
		if err != nil {
			return parent, err
		}

		parent.Children = append(parent.Children, child.ID)
		parent.FilledQty = parent.FilledQty.Add(child.FilledQty)
		parent.FeesUSD = parent.FeesUSD.Add(child.FeesUSD)
		if parent.FilledQty.IsPositive() {
			weighted := parent.AvgFillPrice.Mul(parent.FilledQty.Sub(child.FilledQty)).Add(child.AvgFillPrice.Mul(child.FilledQty))
			parent.AvgFillPrice = weighted.Div(parent.FilledQty)
		}
	}

	parent.UpdatedAt = time.Now()
	tolerance := parent.Qty.Sub(parent.FilledQty).Abs()
	step := m.marketAmountStep(ctx, so.Symbol)
	switch {
	case parent.FilledQty.GreaterThanOrEqual(parent.Qty) || tolerance.LessThanOrEqual(step):
		parent.Status = types.OrderStatusFilled
	case parent.FilledQty.IsPositive():
		parent.Status = types.OrderStatusPartiallyFilled
	default:
		parent.Status = types.OrderStatusRejected
	}

	if parent.FilledQty.IsPositive() && referencePrice.IsPositive() {
		sign := decimal.NewFromInt(1)
		if so.Side == types.OrderSideSell {
			sign = decimal.NewFromInt(-1)
		}
		parent.SlippageBps = sign.Mul(parent.AvgFillPrice.Sub(referencePrice)).Div(referencePrice).Mul(decimal.NewFromInt(10000))
	}

	return parent, nil
}

// chooseType routes by intent (spec §4.5 "Choose type by intent").
func (m *Manager) chooseType(so SizedOrder) types.OrderType {
	switch so.Intent {
	case types.OrderIntentEntry:
		if so.StopPrice != nil {
			return types.OrderTypeStopLimit
		}
		return types.OrderTypeLimit
	case types.OrderIntentExit:
		if so.Price == nil {
			return types.OrderTypeMarket
		}
		return types.OrderTypeLimit
	case types.OrderIntentTP:
		return types.OrderTypeLimit
	case types.OrderIntentSL:
		return types.OrderTypeStopLimit
	case types.OrderIntentAddOn:
		return types.OrderTypeLimit
	default:
		return types.OrderTypeLimit
	}
}

// planSlices implements the TWAP slicing formula (spec §4.5): slices =
// clamp(ceil(qty / (depth * max_depth_fraction)), twap_min_slices,
// twap_max_slices). Degenerates to [qty] when TWAP isn't triggered.
func (m *Manager) planSlices(so SizedOrder, snap MarketSnapshot, cfg config.ExecutionConfig) []decimal.Decimal {
	depthBound := snap.DepthAtSide.Mul(cfg.MaxDepthFraction)
	triggered := so.TWAP || (depthBound.IsPositive() && so.Qty.GreaterThan(depthBound))
	if !cfg.EnableTWAP || !triggered || depthBound.IsZero() {
		return []decimal.Decimal{so.Qty}
	}

	raw := so.Qty.Div(depthBound)
	n := int(math.Ceil(raw.InexactFloat64()))
	if n < cfg.TWAPMinSlices {
		n = cfg.TWAPMinSlices
	}
	if n > cfg.TWAPMaxSlices {
		n = cfg.TWAPMaxSlices
	}
	if n <= 1 {
		return []decimal.Decimal{so.Qty}
	}

	slices := make([]decimal.Decimal, n)
	per := so.Qty.Div(decimal.NewFromInt(int64(n)))
	remaining := so.Qty
	for i := 0; i < n-1; i++ {
		slices[i] = per
		remaining = remaining.Sub(per)
	}
	slices[n-1] = remaining
	return slices
}

func (m *Manager) submitChild(ctx context.Context, so SizedOrder, orderType types.OrderType, qty decimal.Decimal, cfg config.ExecutionConfig, iceberg bool) (*types.Order, error) {
	req := types.PlaceOrderRequest{
		IdempotencyKey: uuid.NewString(),
		Symbol:         so.Symbol,
		Side:           so.Side,
		Type:           orderType,
		Qty:            qty,
		Price:          so.Price,
		StopPrice:      so.StopPrice,
		Intent:         so.Intent,
	}
	if iceberg {
		display := qty.Mul(icebergDisplayFraction)
		req.DisplayQty = &display
	}

	deadline := time.Duration(cfg.DeadmanTimeoutMs) * time.Millisecond
	childCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	order, err := m.adapter.PlaceOrder(childCtx, req)
	if err != nil {
		if childCtx.Err() != nil {
			_ = m.adapter.CancelOrder(ctx, req.IdempotencyKey)
			return nil, errs.ExecutionTimeout("execution.submitChild").WithSymbol(so.Symbol)
		}
		return nil, errs.Wrap(errs.KindExchangeRejected, "execution.submitChild", err.Error(), err)
	}

	fee := feeRate(so.Intent, cfg)
	order.FeesUSD = order.FilledQty.Mul(order.AvgFillPrice).Mul(fee)
	return order, nil
}

// feeRate picks maker vs taker by intent: entries/exits are taker by
// default (cross the book); tp/sl limits are treated as maker.
func feeRate(intent types.OrderIntent, cfg config.ExecutionConfig) decimal.Decimal {
	switch intent {
	case types.OrderIntentTP, types.OrderIntentSL:
		return cfg.MakerFeeBps.Div(decimal.NewFromInt(10000))
	default:
		return cfg.TakerFeeBps.Div(decimal.NewFromInt(10000))
	}
}

func (m *Manager) spreadWidened(ctx context.Context, symbol string, snap MarketSnapshot, cfg config.ExecutionConfig) bool {
	book, err := m.adapter.FetchOrderBook(ctx, symbol, 1)
	if err != nil || book == nil || len(book.Asks) == 0 || len(book.Bids) == 0 {
		return false
	}
	currentSpreadBps := book.Asks[0].Price.Sub(book.Bids[0].Price).Div(snap.Mid).Mul(decimal.NewFromInt(10000))
	return currentSpreadBps.Sub(snap.SpreadBps).GreaterThan(cfg.SpreadWidenBps)
}

func (m *Manager) marketAmountStep(ctx context.Context, symbol string) decimal.Decimal {
	markets, err := m.adapter.LoadMarkets(ctx)
	if err != nil {
		return decimal.Zero
	}
	for _, spec := range markets {
		if spec.Symbol == symbol {
			return spec.AmountStep
		}
	}
	return decimal.Zero
}

func (m *Manager) acquire(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return errs.InFlight(fmt.Sprintf("execution[%s]", key))
	}
	m.inFlight[key] = true
	return nil
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
