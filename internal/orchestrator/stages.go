package orchestrator

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/execution"
	"github.com/atlas-breakout/engine/internal/position"
	"github.com/atlas-breakout/engine/internal/sizing"
	"github.com/atlas-breakout/engine/internal/workers"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
	"github.com/atlas-breakout/engine/pkg/utils"
)

// stageScanning builds per-symbol snapshots for the universe and runs the
// scanner's four-stage filter pipeline (spec §4.1 SCANNING -> LEVEL_BUILDING
// on at least one candidate, else back to SCANNING).
func (o *Orchestrator) stageScanning(ctx context.Context) (State, error) {
	preset := o.deps.Preset()
	universe := o.deps.Universe()

	mds := make(map[string]*types.MarketData, len(universe))
	for _, symbol := range universe {
		select {
		case <-ctx.Done():
			return StateScanning, ctx.Err()
		default:
		}
		mds[symbol] = o.deps.MarketData.BuildSnapshot(symbol, o.deps.BTCSymbol)
	}

	results := o.deps.Scanner.Scan(ctx, universe, preset, mds)

	o.mu.Lock()
	o.lastScan = results
	o.mu.Unlock()

	for _, sr := range results {
		if sr.PassedAllFilters() {
			return StateLevelBuilding, nil
		}
	}
	return StateScanning, nil
}

// stageLevelBuilding filters the scan to candidates that passed every
// filter and already carry detected levels (populated inline by Scan for
// the top-N; spec §4.2). Levels are computed as part of scanning itself, so
// this stage is a pass-through gate into SIGNAL_WAIT.
func (o *Orchestrator) stageLevelBuilding(ctx context.Context) (State, error) {
	o.mu.Lock()
	candidates := make([]*types.ScanResult, 0, len(o.lastScan))
	for _, sr := range o.lastScan {
		if sr.PassedAllFilters() && len(sr.Levels) > 0 {
			candidates = append(candidates, sr)
		}
	}
	o.withLevels = candidates
	o.mu.Unlock()

	if len(candidates) == 0 {
		return StateScanning, nil
	}
	return StateSignalWait, nil
}

// stageSignalWait evaluates the signal generator against every leveled
// candidate, keeping any valid signals for sizing (spec §4.3).
func (o *Orchestrator) stageSignalWait(ctx context.Context) (State, error) {
	preset := o.deps.Preset()

	o.mu.RLock()
	candidates := o.withLevels
	o.mu.RUnlock()

	var signals []*types.Signal
	for _, sr := range candidates {
		select {
		case <-ctx.Done():
			return StateSignalWait, ctx.Err()
		default:
		}
		sig, err := o.deps.Strategies.Generate(sr, preset)
		if err != nil {
			o.logger.Warn("signal generation failed", zap.String("symbol", sr.Symbol), zap.Error(err))
			continue
		}
		if sig != nil && sig.Valid() {
			signals = append(signals, sig)
		}
	}

	o.mu.Lock()
	o.pendingSigs = signals
	o.mu.Unlock()

	if len(signals) == 0 {
		return StateScanning, nil
	}
	return StateSizing, nil
}

// stageSizing runs every pending signal through the risk gate and, for each
// approved signal, the R-model sizer (spec §4.4).
func (o *Orchestrator) stageSizing(ctx context.Context) (State, error) {
	preset := o.deps.Preset()
	openPositions := o.deps.OpenPositions()

	o.mu.RLock()
	signals := o.pendingSigs
	o.mu.RUnlock()

	var sized []sizedSignal
	for _, sig := range signals {
		if rerr := o.deps.Risk.Evaluate(sig, openPositions); rerr != nil {
			o.logger.Info("signal rejected by risk gate", zap.String("symbol", sig.Symbol), zap.String("reason", rerr.Error()))
			if o.deps.Diag != nil {
				o.deps.Diag.RecordFilter(sig.Symbol, "risk_gate", false, map[string]any{"reason": rerr.Error()})
			}
			continue
		}

		market := o.deps.MarketSpec(sig.Symbol)
		depth := o.availableDepth(sig)
		rm := o.deps.Risk.Metrics()

		result, serr := o.deps.Sizer.Size(sizing.Request{
			Signal:           sig,
			AccountEquity:    o.deps.AccountEquity(),
			AvailableDepth:   depth,
			Market:           market,
			DailyRiskUsedPct: rm.DailyRiskUsedPct,
			DrawdownR:        rm.CurrentDrawdownR,
			OpenPositions:    len(openPositions),
		}, preset)
		if serr != nil {
			o.logger.Info("signal rejected by sizer", zap.String("symbol", sig.Symbol), zap.String("reason", serr.Error()))
			continue
		}
		sized = append(sized, sizedSignal{signal: sig, sized: result})
	}

	o.mu.Lock()
	o.sizedPending = sized
	o.mu.Unlock()

	if len(sized) == 0 {
		return StateScanning, nil
	}
	return StateExecution, nil
}

// availableDepth reads the book side the signal would execute against, in
// base units, from the live order book snapshot.
func (o *Orchestrator) availableDepth(sig *types.Signal) decimal.Decimal {
	book := o.deps.MarketData.OrderBookSnapshot(sig.Symbol)
	if book == nil {
		return decimal.Zero
	}
	levels := book.Asks
	if sig.Side == types.PositionSideShort {
		levels = book.Bids
	}
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Size)
	}
	return total
}

// stageExecution routes every sized signal through the execution manager
// (spec §4.5), opening a position on the first successful fill.
func (o *Orchestrator) stageExecution(ctx context.Context) (State, error) {
	preset := o.deps.Preset()

	o.mu.RLock()
	sized := o.sizedPending
	o.mu.RUnlock()

	filled := 0
	for _, ss := range sized {
		select {
		case <-ctx.Done():
			return StateExecution, ctx.Err()
		default:
		}

		book := o.deps.MarketData.OrderBookSnapshot(ss.signal.Symbol)
		snap := execution.MarketSnapshot{}
		if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
			mid := book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2))
			spread := book.Asks[0].Price.Sub(book.Bids[0].Price).Div(mid).Mul(decimal.NewFromInt(10000))
			depth := o.availableDepth(ss.signal)
			snap = execution.MarketSnapshot{Mid: mid, SpreadBps: spread, DepthAtSide: depth}
		}

		side := types.OrderSideBuy
		if ss.signal.Side == types.PositionSideShort {
			side = types.OrderSideSell
		}

		positionID := o.deps.NextPositionID()
		order, err := o.deps.Execution.Execute(ctx, positionID, execution.SizedOrder{
			Symbol: ss.signal.Symbol,
			Side:   side,
			Intent: types.OrderIntentEntry,
			Qty:    ss.sized.Qty,
			TWAP:   ss.sized.TWAP,
		}, snap)
		if err != nil {
			o.logger.Warn("entry execution failed", zap.String("symbol", ss.signal.Symbol), zap.Error(err))
			continue
		}
		if order.FilledQty.IsPositive() {
			filled++
			if o.deps.Ledger != nil {
				o.deps.Ledger.Open(newPosition(positionID, ss.signal, ss.sized, order, preset))
			}
		}
	}

	if filled == 0 {
		return StateScanning, nil
	}
	return StateManaging, nil
}

// newPosition builds the ledger record for a freshly filled entry order,
// seeding the take-profit ladder from the preset's position_config (spec
// §3, §4.6).
func newPosition(id string, sig *types.Signal, sized *sizing.Result, order *types.Order, preset *config.TradingPreset) types.Position {
	pc := preset.PositionConfig
	return types.Position{
		ID:         id,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		InitialQty: order.FilledQty,
		QtyOpen:    order.FilledQty,
		EntryPrice: order.AvgFillPrice,
		StopLoss:   sized.StopLoss,
		TakeProfitLevels: []types.TPRung{
			{RMultiple: pc.TP1R, SizeFraction: pc.TP1SizePct},
			{RMultiple: pc.TP2R, SizeFraction: pc.TP2SizePct},
		},
		OpenedAt:       order.CreatedAt,
		Strategy:       sig.Strategy,
		State:          types.PositionStateOpen,
		OriginSignalID: sig.ID,
		RiskUSD:        sized.RiskUSD,
	}
}

// stageManaging ticks every open position through the position manager and
// forwards any resulting instructions to the execution manager (spec §4.6).
// Positions are fanned out over a bounded worker pool (default 4) rather
// than ticked sequentially, since each position's tick is independent.
func (o *Orchestrator) stageManaging(ctx context.Context) (State, error) {
	openPositions := o.deps.OpenPositions()
	if len(openPositions) == 0 {
		return StateScanning, nil
	}

	var wg sync.WaitGroup
	for i := range openPositions {
		select {
		case <-ctx.Done():
			return StateManaging, ctx.Err()
		default:
		}
		pos := &openPositions[i]
		wg.Add(1)
		task := workers.TaskFunc(func() error {
			defer wg.Done()
			o.tickPosition(ctx, pos)
			return nil
		})
		if err := o.positionPool.Submit(task); err != nil {
			o.logger.Warn("position tick submit failed", zap.String("position_id", pos.ID), zap.Error(err))
			wg.Done()
		}
	}
	wg.Wait()

	return StateScanning, nil
}

// tickPosition runs the position manager against one position's latest
// snapshot and applies any resulting instructions; split out of
// stageManaging so it can run as a pool task.
func (o *Orchestrator) tickPosition(ctx context.Context, pos *types.Position) {
	md := o.deps.MarketData.BuildSnapshot(pos.Symbol, o.deps.BTCSymbol)
	if md.Price.IsZero() {
		return
	}

	instructions, err := o.deps.Positions.Tick(ctx, positionTickInput(pos, md))
	if err != nil {
		o.logger.Warn("position tick failed", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	for _, instr := range instructions {
		o.applyInstruction(ctx, pos, instr)
	}
}

// positionTickInput derives the position manager's per-tick context from a
// market snapshot. ATR1m has no dedicated candle cache (spec §4.7 only
// retains 5m/15m), so it is approximated from ATR5m the way the teacher's
// volatility filters already tolerate coarser timeframes standing in for
// finer ones.
func positionTickInput(pos *types.Position, md *types.MarketData) position.TickInput {
	ema := utils.NewEMA(9)
	var ema9 decimal.Decimal
	for _, c := range md.Candles5m {
		ema9 = ema.Add(c.Close)
	}

	return position.TickInput{
		Position:            pos,
		Candles5m:           md.Candles5m,
		ATR5m:               md.ATR5m,
		ATR1m:               md.ATR5m.Div(decimal.NewFromInt(2)),
		CurrentPrice:        md.Price,
		EMA9:                ema9,
		OBVRising:           obvRising(md.Candles5m),
		DailyRiskRemainingR: decimal.NewFromInt(1),
	}
}

// obvRising reports whether on-balance volume over the cached 5m candles is
// trending up, gating the position manager's single add-on rule (spec
// §4.6).
func obvRising(candles []types.Candle) bool {
	if len(candles) < 2 {
		return false
	}
	obv := decimal.Zero
	first := obv
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close.GreaterThan(candles[i-1].Close):
			obv = obv.Add(candles[i].Volume)
		case candles[i].Close.LessThan(candles[i-1].Close):
			obv = obv.Sub(candles[i].Volume)
		}
	}
	return obv.GreaterThan(first)
}

// applyInstruction routes one position-manager instruction to the execution
// manager. Stop moves have no child order to place; partial/full closes and
// add-ons are forwarded as new sized orders against the same position.
func (o *Orchestrator) applyInstruction(ctx context.Context, pos *types.Position, instr position.Instruction) {
	if instr.Kind == position.InstructionMoveSL {
		pos.StopLoss = instr.NewStop
		if o.deps.Ledger != nil {
			o.deps.Ledger.Update(*pos)
		}
		return
	}

	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	if instr.Kind == position.InstructionAddOn {
		side = types.OrderSideBuy
		if pos.Side == types.PositionSideShort {
			side = types.OrderSideSell
		}
	}

	book := o.deps.MarketData.OrderBookSnapshot(pos.Symbol)
	snap := execution.MarketSnapshot{}
	if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		mid := book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2))
		snap.Mid = mid
	}

	order, err := o.deps.Execution.Execute(ctx, pos.ID, execution.SizedOrder{
		Symbol: pos.Symbol,
		Side:   side,
		Intent: instr.Intent,
		Qty:    instr.Qty,
	}, snap)
	if err != nil {
		o.logger.Warn("managing instruction execution failed",
			zap.String("position_id", pos.ID), zap.String("kind", string(instr.Kind)), zap.Error(err))
		return
	}
	if o.deps.Ledger == nil || !order.FilledQty.IsPositive() {
		return
	}

	exitSign := decimal.NewFromInt(1)
	if pos.Side == types.PositionSideShort {
		exitSign = decimal.NewFromInt(-1)
	}
	pnl := exitSign.Mul(order.AvgFillPrice.Sub(pos.EntryPrice)).Mul(order.FilledQty).Sub(order.FeesUSD)

	switch instr.Kind {
	case position.InstructionAddOn:
		totalQty := pos.InitialQty.Add(order.FilledQty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.InitialQty).Add(order.AvgFillPrice.Mul(order.FilledQty)).Div(totalQty)
		pos.InitialQty = totalQty
		pos.QtyOpen = pos.QtyOpen.Add(order.FilledQty)
		o.deps.Ledger.Update(*pos)
	case position.InstructionFullClose:
		pos.QtyOpen = decimal.Zero
		pos.State = types.PositionStateClosed
		pos.RealizedPnLUSD = pos.RealizedPnLUSD.Add(pnl)
		if pos.RiskUSD.IsPositive() {
			pos.RealizedPnLR = pos.RealizedPnLUSD.Div(pos.RiskUSD)
		}
		o.deps.Ledger.Close(pos.ID, pnl)
	default: // partial close
		pos.QtyOpen = pos.QtyOpen.Sub(order.FilledQty)
		pos.RealizedPnLUSD = pos.RealizedPnLUSD.Add(pnl)
		if pos.RiskUSD.IsPositive() {
			pos.RealizedPnLR = pos.RealizedPnLUSD.Div(pos.RiskUSD)
		}
		if pos.QtyOpen.IsZero() || pos.QtyOpen.IsNegative() {
			pos.State = types.PositionStateClosed
			o.deps.Ledger.Close(pos.ID, pnl)
		} else {
			o.deps.Ledger.Update(*pos)
		}
	}
}
