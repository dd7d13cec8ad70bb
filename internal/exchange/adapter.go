// Package exchange defines the venue-agnostic ExchangeAdapter contract
// (spec §6) implemented identically by the live Bybit adapter and the paper
// simulator.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/types"
)

// OnTrade is delivered for every public trade on a subscribed symbol.
type OnTrade func(symbol string, trade types.Trade)

// OnOrderBook is delivered for every snapshot or delta on a subscribed symbol.
type OnOrderBook func(symbol string, snapshot *types.OrderBookSnapshot, isSnapshot bool)

// OnDisconnect is delivered once per disconnect event, before reconnection
// is attempted.
type OnDisconnect func(err error)

// Adapter is the unified venue contract: markets, candles, L2, trades, and
// order lifecycle, behind one surface shared by live and paper variants
// (spec §6, REDESIGN FLAGS §9 "paper vs live branching -> one interface").
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	LoadMarkets(ctx context.Context) ([]types.MarketSpec, error)
	FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error)
	FetchRecentTrades(ctx context.Context, symbol string, since time.Time) ([]types.Trade, error)
	FetchOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)

	PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, id string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchBalance(ctx context.Context) (*types.Balance, error)

	SubscribeTrades(ctx context.Context, symbols []string, cb OnTrade) error
	SubscribeOrderBook(ctx context.Context, symbols []string, depth int, cb OnOrderBook) error
	OnDisconnect(cb OnDisconnect)
}
