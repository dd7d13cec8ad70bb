// Package paper implements exchange.Adapter as a paper-trading simulator,
// sharing the exact same surface as the live Bybit adapter (spec §6,
// REDESIGN FLAGS §9 "paper vs live branching -> one interface").
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/exchange"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

// Config configures the paper simulator (spec §4.5 "Paper-mode fills").
type Config struct {
	StartingBalanceUSD decimal.Decimal
	SlippageA          decimal.Decimal // fixed component
	SlippageB          decimal.Decimal // depth-impact component
	TakerFeeBps        decimal.Decimal
	MakerFeeBps        decimal.Decimal
	SimulatedLatency   time.Duration
}

// Adapter is the paper-trading exchange simulator.
type Adapter struct {
	logger *zap.Logger
	cfg    Config

	mu         sync.RWMutex
	connected  bool
	mids       map[string]decimal.Decimal
	spreadBps  map[string]decimal.Decimal
	depthUSD   map[string]decimal.Decimal
	equityUSD  decimal.Decimal
	freeUSD    decimal.Decimal
	openOrders map[string]*types.Order
	onDiscon   exchange.OnDisconnect
}

// New constructs a paper adapter seeded with the starting balance.
func New(logger *zap.Logger, cfg Config) *Adapter {
	return &Adapter{
		logger:     logger,
		cfg:        cfg,
		mids:       make(map[string]decimal.Decimal),
		spreadBps:  make(map[string]decimal.Decimal),
		depthUSD:   make(map[string]decimal.Decimal),
		equityUSD:  cfg.StartingBalanceUSD,
		freeUSD:    cfg.StartingBalanceUSD,
		openOrders: make(map[string]*types.Order),
	}
}

func (a *Adapter) Name() string { return "paper" }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) OnDisconnect(cb exchange.OnDisconnect) {
	a.mu.Lock()
	a.onDiscon = cb
	a.mu.Unlock()
}

// SetMarket feeds the simulator the current mid/spread/depth for a symbol so
// PlaceOrder can compute realistic fills. The market-data provider does not
// call it; the values stay as the caller last set them.
func (a *Adapter) SetMarket(symbol string, mid decimal.Decimal, spreadBps decimal.Decimal, depthUSD decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mids[symbol] = mid
	a.spreadBps[symbol] = spreadBps
	a.depthUSD[symbol] = depthUSD
}

func (a *Adapter) LoadMarkets(ctx context.Context) ([]types.MarketSpec, error) { return nil, nil }

func (a *Adapter) FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	return nil, nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	return nil, errs.New(errs.KindDataStale, "paper.FetchOrderBook", "paper adapter has no live book").WithSymbol(symbol)
}

func (a *Adapter) FetchRecentTrades(ctx context.Context, symbol string, since time.Time) ([]types.Trade, error) {
	return nil, nil
}

// FetchOpenInterest always returns zero: the simulator has no synthetic
// open-interest feed to draw from.
func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// PlaceOrder simulates a fill at mid +/- spread/2, plus additional slippage
// a + b*(qty/depth), commission via fee bps — exactly spec §4.5's formula.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.Order, error) {
	if a.cfg.SimulatedLatency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.SimulatedLatency):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mid, ok := a.mids[req.Symbol]
	if !ok {
		return nil, errs.New(errs.KindDataStale, "paper.PlaceOrder", "no market data seeded for symbol").WithSymbol(req.Symbol)
	}
	spreadBps := a.spreadBps[req.Symbol]
	depth := a.depthUSD[req.Symbol]
	if depth.IsZero() {
		depth = decimal.NewFromInt(1)
	}

	halfSpread := mid.Mul(spreadBps).Div(decimal.NewFromInt(20000))
	impact := a.cfg.SlippageA.Add(a.cfg.SlippageB.Mul(req.Qty.Div(depth)))
	slip := mid.Mul(impact).Div(decimal.NewFromInt(10000))

	fillPrice := mid
	isMaker := req.Type == types.OrderTypeLimit || req.Type == types.OrderTypePostOnly
	if req.Side == types.OrderSideBuy {
		fillPrice = mid.Add(halfSpread).Add(slip)
	} else {
		fillPrice = mid.Sub(halfSpread).Sub(slip)
	}

	feeBps := a.cfg.TakerFeeBps
	if isMaker {
		feeBps = a.cfg.MakerFeeBps
	}
	fees := req.Qty.Mul(fillPrice).Mul(feeBps).Div(decimal.NewFromInt(10000))

	now := time.Now()
	order := &types.Order{
		ID:           uuid.NewString(),
		ClientID:     req.IdempotencyKey,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Qty:          req.Qty,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Status:       types.OrderStatusFilled,
		FilledQty:    req.Qty,
		AvgFillPrice: fillPrice,
		FeesUSD:      fees,
		ReduceOnly:   req.ReduceOnly,
		Intent:       req.Intent,
		DisplayQty:   req.DisplayQty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.openOrders[order.ID] = order
	notional := req.Qty.Mul(fillPrice)
	a.freeUSD = a.freeUSD.Sub(fees)
	a.equityUSD = a.equityUSD.Sub(fees)
	_ = notional
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.openOrders[id]
	if !ok {
		return fmt.Errorf("paper.CancelOrder: unknown order %s", id)
	}
	o.Status = types.OrderStatusCancelled
	return nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []types.Order
	for _, o := range a.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (*types.Balance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &types.Balance{EquityUSD: a.equityUSD, FreeUSD: a.freeUSD}, nil
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbols []string, cb exchange.OnTrade) error {
	return nil
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbols []string, depth int, cb exchange.OnOrderBook) error {
	return nil
}
