// Package ledger holds the live, in-process account and open-position book
// that feeds the orchestrator's per-cycle closures (open positions, account
// equity, next position ID) and the risk manager's RiskMetrics snapshot.
// Style follows the teacher's mutex-guarded in-memory portfolio bookkeeping
// in internal/replay/portfolio.go, adapted from a backtest-step model to a
// live, position-by-ID model.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-breakout/engine/pkg/types"
)

// Book tracks open positions and account-level equity for the running
// engine. It is the single source of truth orchestrator.Deps closures read
// from and execution fills write back into.
type Book struct {
	mu sync.RWMutex

	startingEquity decimal.Decimal
	realizedUSD    decimal.Decimal
	peakEquity     decimal.Decimal
	dailyPnLUSD    decimal.Decimal
	dailyAnchor    time.Time
	consecLosses   int

	positions map[string]*types.Position

	onChange func(types.Position)
}

// OnChange registers a callback fired after every open/update/close with the
// position's latest snapshot (wired to the WS hub's position broadcast).
func (b *Book) OnChange(cb func(types.Position)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = cb
}

// New builds a Book seeded with the account's starting equity.
func New(startingEquity decimal.Decimal) *Book {
	return &Book{
		startingEquity: startingEquity,
		peakEquity:     startingEquity,
		dailyAnchor:    time.Now(),
		positions:      make(map[string]*types.Position),
	}
}

// NextPositionID mints a fresh position identifier.
func (b *Book) NextPositionID() string {
	return uuid.NewString()
}

// Open records a newly opened position.
func (b *Book) Open(pos types.Position) {
	b.mu.Lock()
	p := pos
	b.positions[pos.ID] = &p
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// Update replaces the stored snapshot of an open position (e.g. after a
// stop move, partial close, or add-on).
func (b *Book) Update(pos types.Position) {
	b.mu.Lock()
	if _, ok := b.positions[pos.ID]; !ok {
		b.mu.Unlock()
		return
	}
	p := pos
	b.positions[pos.ID] = &p
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// Close removes a position from the open book and folds its realized PnL
// into account equity and the consecutive-loss counter.
func (b *Book) Close(id string, realizedPnLUSD decimal.Decimal) {
	b.mu.Lock()
	closed, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.positions, id)

	b.resetDailyIfNeeded()
	b.realizedUSD = b.realizedUSD.Add(realizedPnLUSD)
	b.dailyPnLUSD = b.dailyPnLUSD.Add(realizedPnLUSD)

	equity := b.equityLocked()
	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}
	if realizedPnLUSD.IsNegative() {
		b.consecLosses++
	} else if realizedPnLUSD.IsPositive() {
		b.consecLosses = 0
	}

	final := *closed
	final.State = types.PositionStateClosed
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil {
		cb(final)
	}
}

// OpenPositions returns a defensive copy of every open position (clone-on-
// read, per the shared-resource policy every other consumer here follows).
func (b *Book) OpenPositions() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns a clone of one open position, or nil if it isn't open.
func (b *Book) Position(id string) *types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	if !ok {
		return nil
	}
	clone := *p
	return &clone
}

// Equity is starting equity plus realized PnL; unrealized PnL on open
// positions is intentionally excluded here (the orchestrator's MarketSpec/
// sizing calls use last-known equity, not a mark-to-market feed).
func (b *Book) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

func (b *Book) equityLocked() decimal.Decimal {
	return b.startingEquity.Add(b.realizedUSD)
}

func (b *Book) resetDailyIfNeeded() {
	if time.Since(b.dailyAnchor) >= 24*time.Hour {
		b.dailyAnchor = time.Now()
		b.dailyPnLUSD = decimal.Zero
	}
}

// RiskMetrics builds the account-level snapshot the risk manager gates
// against (spec §4.4).
func (b *Book) RiskMetrics(dailyRiskLimitPct decimal.Decimal) types.RiskMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	equity := b.equityLocked()
	drawdown := decimal.Zero
	if b.peakEquity.IsPositive() {
		drawdown = b.peakEquity.Sub(equity).Div(b.peakEquity)
		if drawdown.IsNegative() {
			drawdown = decimal.Zero
		}
	}

	dailyRiskUsed := decimal.Zero
	if !dailyRiskLimitPct.IsZero() && b.dailyPnLUSD.IsNegative() && equity.IsPositive() {
		dailyRiskUsed = b.dailyPnLUSD.Neg().Div(equity)
	}

	dailyPnLR := decimal.Zero
	if equity.IsPositive() {
		dailyPnLR = b.dailyPnLUSD.Div(equity)
	}

	return types.RiskMetrics{
		AccountEquity:     equity,
		DailyPnLUSD:       b.dailyPnLUSD,
		DailyPnLR:         dailyPnLR,
		PeakEquity:        b.peakEquity,
		CurrentDrawdownR:  drawdown,
		ConsecutiveLosses: b.consecLosses,
		OpenPositions:     len(b.positions),
		DailyRiskUsedPct:  dailyRiskUsed,
	}
}
