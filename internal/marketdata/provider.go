// Package marketdata maintains hot per-symbol L2 books, trades-per-minute
// and volume-delta windows, and candle caches fed by the exchange adapter's
// WebSocket streams (spec §4.7).
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/exchange"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

const candleCacheDepth = 200

// tradeSample is one entry in the trades-per-minute / volume-delta windows.
type tradeSample struct {
	ts     time.Time
	amount decimal.Decimal
	side   types.OrderSide
}

// symbolState is the hot state for one symbol, guarded by mu. It is written
// by the trade and orderbook stream callbacks and by the open-interest
// poller; readers always receive clones.
type symbolState struct {
	mu         sync.RWMutex
	book       *types.OrderBookSnapshot
	lastSeq    int64
	candles5m  []types.Candle
	candles15m []types.Candle
	trades     []tradeSample

	oiCurrent  decimal.Decimal
	oiPrevious decimal.Decimal
	oiHave     bool
}

// Provider is the market-data ingestion layer.
type Provider struct {
	logger  *zap.Logger
	adapter exchange.Adapter

	mu      sync.RWMutex
	symbols map[string]*symbolState

	resyncDiag func(symbol string, reason string)
}

// New constructs a Provider bound to an exchange adapter.
func New(logger *zap.Logger, adapter exchange.Adapter) *Provider {
	return &Provider{
		logger:  logger,
		adapter: adapter,
		symbols: make(map[string]*symbolState),
	}
}

// OnResync registers a callback invoked whenever an orderbook sequence
// problem forces a resync (feeds the diagnostics collector; spec §4.8, §8
// S6). During a resync deltas are dropped until the next snapshot arrives;
// the provider does not resubscribe the orderbook stream itself.
func (p *Provider) OnResync(cb func(symbol, reason string)) { p.resyncDiag = cb }

func (p *Provider) stateFor(symbol string) *symbolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		st = &symbolState{}
		p.symbols[symbol] = st
	}
	return st
}

// Start subscribes to trades and orderbook streams for the given symbols and
// begins reconnect supervision.
func (p *Provider) Start(ctx context.Context, symbols []string, depth int) error {
	for _, s := range symbols {
		p.stateFor(s)
	}
	if err := p.adapter.SubscribeTrades(ctx, symbols, p.onTrade); err != nil {
		return errs.Wrap(errs.KindExchangeUnreachable, "marketdata.Start", "subscribe trades failed", err)
	}
	if err := p.adapter.SubscribeOrderBook(ctx, symbols, depth, p.onOrderBook); err != nil {
		return errs.Wrap(errs.KindExchangeUnreachable, "marketdata.Start", "subscribe orderbook failed", err)
	}
	p.adapter.OnDisconnect(func(err error) {
		p.logger.Warn("marketdata stream disconnected, reconnecting", zap.Error(err))
		go p.reconnect(ctx, symbols, depth)
	})
	go p.pollOpenInterest(ctx, symbols)
	return nil
}

// pollOpenInterest refreshes each symbol's open-interest reading every 60s
// so OIDeltaPct (spec §4.2 "oi_delta_threshold") reflects recent changes
// rather than a single stale sample.
func (p *Provider) pollOpenInterest(ctx context.Context, symbols []string) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				oi, err := p.adapter.FetchOpenInterest(ctx, symbol)
				if err != nil {
					p.logger.Debug("open interest fetch failed", zap.String("symbol", symbol), zap.Error(err))
					continue
				}
				if oi.IsZero() {
					continue
				}
				st := p.stateFor(symbol)
				st.mu.Lock()
				st.oiPrevious = st.oiCurrent
				st.oiCurrent = oi
				st.oiHave = true
				st.mu.Unlock()
			}
		}
	}
}

// OIDeltaPct reports the fractional change in open interest since the prior
// poll, or nil if fewer than two readings have been observed yet.
func (p *Provider) OIDeltaPct(symbol string) *decimal.Decimal {
	st := p.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.oiHave || st.oiPrevious.IsZero() {
		return nil
	}
	delta := st.oiCurrent.Sub(st.oiPrevious).Div(st.oiPrevious)
	return &delta
}

// reconnect retries Connect with the 5/10/20/40/60s capped backoff from
// spec §4.7, then replays every subscription.
func (p *Provider) reconnect(ctx context.Context, symbols []string, depth int) {
	b := &backoff.Backoff{Min: 5 * time.Second, Max: 60 * time.Second, Factor: 2}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
		if err := p.adapter.Connect(ctx); err != nil {
			p.logger.Warn("marketdata reconnect failed", zap.Error(err))
			continue
		}
		if err := p.Start(ctx, symbols, depth); err != nil {
			p.logger.Warn("marketdata resubscribe failed", zap.Error(err))
			continue
		}
		return
	}
}

func (p *Provider) onTrade(symbol string, t types.Trade) {
	st := p.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trades = append(st.trades, tradeSample{ts: t.Timestamp, amount: t.Amount, side: t.Side})
	cutoff := t.Timestamp.Add(-60 * time.Second)
	i := 0
	for i < len(st.trades) && st.trades[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.trades = st.trades[i:]
	}
}

// onOrderBook applies a snapshot or delta; a sequence gap on a delta forces
// a resync rather than silent continuation (spec §4.7, §8 invariant).
func (p *Provider) onOrderBook(symbol string, snap *types.OrderBookSnapshot, isSnapshot bool) {
	st := p.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if isSnapshot {
		st.book = snap
		st.lastSeq = snap.SequenceID
		return
	}
	if st.book == nil || snap.SequenceID <= st.lastSeq {
		p.triggerResync(symbol, "missing or duplicate snapshot before delta")
		return
	}
	if snap.SequenceID != st.lastSeq+1 && st.lastSeq != 0 {
		p.triggerResync(symbol, "sequence gap")
		return
	}
	st.book = snap
	st.lastSeq = snap.SequenceID
}

func (p *Provider) triggerResync(symbol, reason string) {
	p.logger.Warn("orderbook sequence gap, resyncing", zap.String("symbol", symbol), zap.String("reason", reason))
	if p.resyncDiag != nil {
		p.resyncDiag(symbol, reason)
	}
}

// TradesPerMinute returns the 60s sliding trade count (spec §4.7).
func (p *Provider) TradesPerMinute(symbol string) decimal.Decimal {
	st := p.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return decimal.NewFromInt(int64(len(st.trades)))
}

// VolumeDelta returns sum(buy_volume) - sum(sell_volume) over the trailing
// 10s window (spec §4.7).
func (p *Provider) VolumeDelta(symbol string) decimal.Decimal {
	st := p.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	cutoff := time.Now().Add(-10 * time.Second)
	delta := decimal.Zero
	for _, t := range st.trades {
		if t.ts.Before(cutoff) {
			continue
		}
		if t.side == types.OrderSideBuy {
			delta = delta.Add(t.amount)
		} else {
			delta = delta.Sub(t.amount)
		}
	}
	return delta
}

// OrderBookSnapshot returns a cloned read-only view of the current book.
func (p *Provider) OrderBookSnapshot(symbol string) *types.OrderBookSnapshot {
	st := p.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.book.Clone()
}

// L2Depth summarizes the current book into fixed price bands (spec §3).
func (p *Provider) L2Depth(symbol string) *types.L2Depth {
	book := p.OrderBookSnapshot(symbol)
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil
	}
	mid := book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2))
	bid03, bid05 := depthWithinPct(book.Bids, mid, decimal.NewFromFloat(0.003)), depthWithinPct(book.Bids, mid, decimal.NewFromFloat(0.005))
	ask03, ask05 := depthWithinPct(book.Asks, mid, decimal.NewFromFloat(0.003)), depthWithinPct(book.Asks, mid, decimal.NewFromFloat(0.005))
	spread := book.Asks[0].Price.Sub(book.Bids[0].Price).Div(mid).Mul(decimal.NewFromInt(10000))

	total := bid05.Add(ask05)
	imbalance := decimal.Zero
	if total.IsPositive() {
		imbalance = bid05.Sub(ask05).Div(total)
	}
	return &types.L2Depth{
		BidUSD0_3pct: bid03, AskUSD0_3pct: ask03,
		BidUSD0_5pct: bid05, AskUSD0_5pct: ask05,
		SpreadBps: spread, Imbalance: imbalance,
	}
}

func depthWithinPct(levels []types.OrderBookLevel, mid, pct decimal.Decimal) decimal.Decimal {
	bound := mid.Mul(pct)
	sum := decimal.Zero
	for _, lvl := range levels {
		if lvl.Price.Sub(mid).Abs().GreaterThan(bound) {
			break
		}
		sum = sum.Add(lvl.Price.Mul(lvl.Size))
	}
	return sum
}

// PutCandle appends a newly closed bar to a symbol's cache, evicting the
// oldest once the cache exceeds candleCacheDepth bars (spec §4.7).
func (p *Provider) PutCandle(symbol string, tf types.Timeframe, c types.Candle) {
	st := p.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	switch tf {
	case types.Timeframe5m:
		st.candles5m = appendBounded(st.candles5m, c, candleCacheDepth)
	case types.Timeframe15m:
		st.candles15m = appendBounded(st.candles15m, c, candleCacheDepth)
	}
}

func appendBounded(cs []types.Candle, c types.Candle, max int) []types.Candle {
	cs = append(cs, c)
	if len(cs) > max {
		cs = cs[len(cs)-max:]
	}
	return cs
}

// Candles returns a copy of the cached bars for (symbol, timeframe).
func (p *Provider) Candles(symbol string, tf types.Timeframe) []types.Candle {
	st := p.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	var src []types.Candle
	switch tf {
	case types.Timeframe5m:
		src = st.candles5m
	case types.Timeframe15m:
		src = st.candles15m
	}
	out := make([]types.Candle, len(src))
	copy(out, src)
	return out
}

// Snapshot assembles the per-symbol MarketData aggregate the scanner reads
// (spec §3). Callers own the returned value; it shares no mutable state with
// the provider's internals.
func (p *Provider) Snapshot(symbol string, price, vol24h, atr5m, atr15m, bbWidth, btcCorr decimal.Decimal) *types.MarketData {
	return &types.MarketData{
		Symbol:          symbol,
		Price:           price,
		Volume24hUSD:    vol24h,
		TradesPerMinute: p.TradesPerMinute(symbol),
		ATR5m:           atr5m,
		ATR15m:          atr15m,
		BBWidthPct:      bbWidth,
		BTCCorrelation:  btcCorr,
		VolSurge5m:      volumeSurgeRatio(p.Candles(symbol, types.Timeframe5m), 1),
		VolSurge1h:      volumeSurgeRatio(p.Candles(symbol, types.Timeframe15m), 4),
		OIDeltaPct:      p.OIDeltaPct(symbol),
		L2Depth:         p.L2Depth(symbol),
		Candles5m:       p.Candles(symbol, types.Timeframe5m),
		Candles15m:      p.Candles(symbol, types.Timeframe15m),
		Timestamp:       time.Now(),
	}
}
