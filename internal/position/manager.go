// Package position implements the position manager (spec §4.6): the
// take-profit ladder, breakeven-after-TP1, chandelier trailing stop,
// single add-on rule, time stop, and panic exit, one tick per open
// position, serialized per position.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

// InstructionKind names one of the four update instructions spec §4.6
// allows a managing tick to produce.
type InstructionKind string

const (
	InstructionMoveSL       InstructionKind = "move_sl"
	InstructionPartialClose InstructionKind = "partial_close"
	InstructionFullClose    InstructionKind = "full_close"
	InstructionAddOn        InstructionKind = "add_on"
)

// Instruction is one action the executor should take for a position.
type Instruction struct {
	Kind    InstructionKind
	NewStop decimal.Decimal
	Qty     decimal.Decimal
	Reason  string
	Intent  types.OrderIntent
}

// TickInput is the market context a managing tick reads.
type TickInput struct {
	Position            *types.Position
	Candles5m           []types.Candle
	ATR5m               decimal.Decimal
	ATR1m               decimal.Decimal
	CurrentPrice        decimal.Decimal
	EMA9                decimal.Decimal
	OBVRising           bool
	DailyRiskRemainingR decimal.Decimal
}

// Manager evaluates the per-position rules and serializes execution per
// position via a lock keyed by position ID (spec §4.6 "concurrency
// discipline").
type Manager struct {
	logger *zap.Logger
	preset *config.TradingPreset

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a position Manager.
func New(logger *zap.Logger, preset *config.TradingPreset) *Manager {
	return &Manager{logger: logger, preset: preset, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(positionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[positionID] = l
	}
	return l
}

// Tick evaluates one MANAGING pass for a single position and returns zero
// or more instructions, in priority order: panic exit and time stop take
// precedence over the TP ladder and trailing-stop logic.
func (m *Manager) Tick(ctx context.Context, in TickInput) ([]Instruction, error) {
	lock := m.lockFor(in.Position.ID)
	if !lock.TryLock() {
		return nil, errs.InFlight(fmt.Sprintf("position[%s]", in.Position.ID))
	}
	defer lock.Unlock()

	pos := in.Position
	cfg := m.preset.PositionConfig

	if instr := m.checkPanicExit(pos, in); instr != nil {
		return []Instruction{*instr}, nil
	}
	if instr := m.checkTimeStop(pos, in, cfg); instr != nil {
		return []Instruction{*instr}, nil
	}

	var instructions []Instruction

	currentR := currentPnLR(pos, in.CurrentPrice)
	if instr := m.checkTPLadder(pos, currentR); instr != nil {
		instructions = append(instructions, *instr)
	}
	if instr := m.checkChandelierTrail(pos, in, cfg); instr != nil {
		instructions = append(instructions, *instr)
	}
	if instr := m.checkAddOn(pos, in, cfg); instr != nil {
		instructions = append(instructions, *instr)
	}

	return instructions, nil
}

// currentPnLR expresses unrealized PnL in R-multiples of the original stop
// distance (spec §4.6 "current_pnl_r").
func currentPnLR(pos *types.Position, currentPrice decimal.Decimal) decimal.Decimal {
	stopDistance := pos.EntryPrice.Sub(pos.StopLoss).Abs()
	if stopDistance.IsZero() {
		return decimal.Zero
	}
	move := currentPrice.Sub(pos.EntryPrice)
	if pos.Side == types.PositionSideShort {
		move = move.Neg()
	}
	return move.Div(stopDistance)
}

func (m *Manager) checkPanicExit(pos *types.Position, in TickInput) *Instruction {
	if in.ATR1m.IsZero() {
		return nil
	}
	adverse := pos.EntryPrice.Sub(in.CurrentPrice)
	if pos.Side == types.PositionSideShort {
		adverse = in.CurrentPrice.Sub(pos.EntryPrice)
	}
	limit := m.preset.PositionConfig.PanicExitATRMult.Mul(in.ATR1m)
	if adverse.GreaterThanOrEqual(limit) {
		return &Instruction{Kind: InstructionFullClose, Qty: pos.QtyOpen, Reason: "panic_exit", Intent: types.OrderIntentExit}
	}
	return nil
}

func (m *Manager) checkTimeStop(pos *types.Position, in TickInput, cfg config.PositionConfig) *Instruction {
	maxHold := time.Duration(cfg.MaxHoldTimeHours.InexactFloat64() * float64(time.Hour))
	if maxHold <= 0 {
		return nil
	}
	if time.Since(pos.OpenedAt) < maxHold {
		return nil
	}
	if currentPnLR(pos, in.CurrentPrice).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil
	}
	return &Instruction{Kind: InstructionFullClose, Qty: pos.QtyOpen, Reason: "time_stop", Intent: types.OrderIntentExit}
}

// checkTPLadder walks the position's TP rungs in order, firing the first
// unexecuted rung whose r_multiple has been reached, and moves the stop to
// breakeven + fee cushion the first time TP1 fills.
func (m *Manager) checkTPLadder(pos *types.Position, currentR decimal.Decimal) *Instruction {
	for i := range pos.TakeProfitLevels {
		rung := &pos.TakeProfitLevels[i]
		if rung.Executed {
			continue
		}
		if currentR.LessThan(rung.RMultiple) {
			continue
		}
		qty := rung.SizeFraction.Mul(pos.InitialQty)
		rung.Executed = true

		if i == 0 && !pos.Meta.BreakevenMoved {
			cushion := pos.EntryPrice.Mul(decimal.NewFromInt(2)).Mul(m.takerFeeBps()).Div(decimal.NewFromInt(10000))
			breakeven := pos.EntryPrice.Add(cushion)
			if pos.Side == types.PositionSideShort {
				breakeven = pos.EntryPrice.Sub(cushion)
			}
			pos.StopLoss = breakeven
			pos.Meta.BreakevenMoved = true
		}

		return &Instruction{Kind: InstructionPartialClose, Qty: qty, Reason: "tp_rung", Intent: types.OrderIntentTP}
	}
	return nil
}

func (m *Manager) takerFeeBps() decimal.Decimal {
	return m.preset.ExecutionConfig.TakerFeeBps
}

// checkChandelierTrail activates only after TP1 and only ever ratchets the
// stop in the position's favor (spec §4.6 "never loosened").
func (m *Manager) checkChandelierTrail(pos *types.Position, in TickInput, cfg config.PositionConfig) *Instruction {
	if !pos.Meta.BreakevenMoved || len(in.Candles5m) == 0 {
		return nil
	}

	var newStop decimal.Decimal
	if pos.Side == types.PositionSideLong {
		highest := highestHighSinceEntry(in.Candles5m, pos.OpenedAt)
		newStop = highest.Sub(cfg.ChandelierATRMult.Mul(in.ATR5m))
		if !newStop.GreaterThan(pos.StopLoss) {
			return nil
		}
	} else {
		lowest := lowestLowSinceEntry(in.Candles5m, pos.OpenedAt)
		newStop = lowest.Add(cfg.ChandelierATRMult.Mul(in.ATR5m))
		if !newStop.LessThan(pos.StopLoss) {
			return nil
		}
	}

	pos.StopLoss = newStop
	return &Instruction{Kind: InstructionMoveSL, NewStop: newStop, Reason: "chandelier_trail", Intent: types.OrderIntentSL}
}

// checkAddOn implements the single-shot pullback add (spec §4.6); allowed
// only while adds_done == 0 and add_on_enabled.
func (m *Manager) checkAddOn(pos *types.Position, in TickInput, cfg config.PositionConfig) *Instruction {
	if !cfg.AddOnEnabled || pos.Meta.AdjustsDone != 0 {
		return nil
	}
	if len(in.Candles5m) == 0 {
		return nil
	}
	last := in.Candles5m[len(in.Candles5m)-1]

	pulledBackToEMA := last.Low.LessThanOrEqual(in.EMA9) && last.Close.GreaterThan(in.EMA9)
	if pos.Side == types.PositionSideShort {
		pulledBackToEMA = last.High.GreaterThanOrEqual(in.EMA9) && last.Close.LessThan(in.EMA9)
	}
	if !pulledBackToEMA || !in.OBVRising {
		return nil
	}

	addQty := cfg.AddOnMaxSizePct.Mul(pos.InitialQty)
	stopDistance := pos.EntryPrice.Sub(pos.StopLoss).Abs()
	if stopDistance.IsZero() {
		return nil
	}
	incrementalR := addQty.Mul(stopDistance).Div(pos.EntryPrice.Mul(pos.InitialQty))
	if incrementalR.GreaterThan(in.DailyRiskRemainingR) {
		return nil
	}

	pos.Meta.AdjustsDone++
	pos.InitialQty = pos.InitialQty.Add(addQty)
	return &Instruction{Kind: InstructionAddOn, Qty: addQty, Reason: "pullback_add_on", Intent: types.OrderIntentAddOn}
}

func highestHighSinceEntry(candles []types.Candle, since time.Time) decimal.Decimal {
	high := decimal.Zero
	for _, c := range candles {
		if c.Timestamp.Before(since) {
			continue
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return high
}

func lowestLowSinceEntry(candles []types.Candle, since time.Time) decimal.Decimal {
	var low decimal.Decimal
	set := false
	for _, c := range candles {
		if c.Timestamp.Before(since) {
			continue
		}
		if !set || c.Low.LessThan(low) {
			low = c.Low
			set = true
		}
	}
	return low
}
