// Package position_test provides tests for the TP ladder, breakeven move,
// time stop, and panic exit.
package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/position"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

func testPreset() *config.TradingPreset {
	return &config.TradingPreset{
		PositionConfig: config.PositionConfig{
			TP1R:              decimal.NewFromInt(1),
			TP1SizePct:        decimal.NewFromFloat(0.5),
			TP2R:              decimal.NewFromInt(2),
			TP2SizePct:        decimal.NewFromFloat(0.5),
			ChandelierATRMult: decimal.NewFromFloat(3),
			MaxHoldTimeHours:  decimal.NewFromInt(24),
			PanicExitATRMult:  decimal.NewFromFloat(5),
		},
		ExecutionConfig: config.ExecutionConfig{
			TakerFeeBps: decimal.NewFromFloat(7.5),
		},
	}
}

func basePosition() *types.Position {
	return &types.Position{
		ID:         "pos-1",
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		InitialQty: decimal.NewFromInt(1),
		QtyOpen:    decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(50000),
		StopLoss:   decimal.NewFromInt(49000),
		OpenedAt:   time.Now().Add(-time.Hour),
		State:      types.PositionStateOpen,
		TakeProfitLevels: []types.TPRung{
			{RMultiple: decimal.NewFromInt(1), SizeFraction: decimal.NewFromFloat(0.5)},
			{RMultiple: decimal.NewFromInt(2), SizeFraction: decimal.NewFromFloat(0.5)},
		},
	}
}

func TestTickFiresTP1AndMovesBreakeven(t *testing.T) {
	mgr := position.New(zap.NewNop(), testPreset())
	pos := basePosition()

	instructions, err := mgr.Tick(context.Background(), position.TickInput{
		Position:     pos,
		CurrentPrice: decimal.NewFromInt(51000), // 1R above entry given 1000 stop distance
		ATR1m:        decimal.NewFromInt(10),
		ATR5m:        decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instructions) != 1 || instructions[0].Kind != position.InstructionPartialClose {
		t.Fatalf("expected a single partial_close instruction, got %+v", instructions)
	}
	if !pos.Meta.BreakevenMoved {
		t.Fatal("expected breakeven flag set after TP1")
	}
	if !pos.StopLoss.GreaterThan(decimal.NewFromInt(50000)) {
		t.Fatalf("expected stop moved above entry for breakeven+cushion, got %s", pos.StopLoss)
	}
}

func TestTickProducesTimeStopWhenStale(t *testing.T) {
	mgr := position.New(zap.NewNop(), testPreset())
	pos := basePosition()
	pos.OpenedAt = time.Now().Add(-48 * time.Hour)

	instructions, err := mgr.Tick(context.Background(), position.TickInput{
		Position:     pos,
		CurrentPrice: decimal.NewFromInt(50100), // well under 1R
		ATR1m:        decimal.NewFromInt(10),
		ATR5m:        decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instructions) != 1 || instructions[0].Kind != position.InstructionFullClose || instructions[0].Reason != "time_stop" {
		t.Fatalf("expected a time_stop full_close instruction, got %+v", instructions)
	}
}

func TestTickProducesPanicExitOnAdverseMove(t *testing.T) {
	mgr := position.New(zap.NewNop(), testPreset())
	pos := basePosition()

	instructions, err := mgr.Tick(context.Background(), position.TickInput{
		Position:     pos,
		CurrentPrice: decimal.NewFromInt(49940), // entry - 60, ATR1m=10, 5x=50 < 60
		ATR1m:        decimal.NewFromInt(10),
		ATR5m:        decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instructions) != 1 || instructions[0].Reason != "panic_exit" {
		t.Fatalf("expected panic_exit instruction, got %+v", instructions)
	}
}
