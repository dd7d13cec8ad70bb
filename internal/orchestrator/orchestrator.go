package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/diagnostics"
	"github.com/atlas-breakout/engine/internal/execution"
	"github.com/atlas-breakout/engine/internal/position"
	"github.com/atlas-breakout/engine/internal/risk"
	"github.com/atlas-breakout/engine/internal/scanner"
	"github.com/atlas-breakout/engine/internal/sizing"
	"github.com/atlas-breakout/engine/internal/strategy"
	"github.com/atlas-breakout/engine/internal/workers"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// positionPoolWorkers bounds how many open positions are ticked concurrently
// in stageManaging (spec §4.6 "bounded worker pool, default 4").
const positionPoolWorkers = 4

// Per-state timeouts (spec §4.1 "Per-state contract").
var stateTimeouts = map[State]time.Duration{
	StateScanning:      60 * time.Second,
	StateLevelBuilding: 30 * time.Second,
	StateSignalWait:    30 * time.Second,
	StateSizing:        10 * time.Second,
	StateExecution:     60 * time.Second,
}

const (
	maxAutoRecoveries  = 5
	autoRecoveryWindow = 5 * time.Minute
)

// MarketDataSource is the subset of internal/marketdata.Provider the
// orchestrator reads snapshots, books, and candles from.
type MarketDataSource interface {
	scanner.MarketDataSource
	BuildSnapshot(symbol, btcSymbol string) *types.MarketData
	OrderBookSnapshot(symbol string) *types.OrderBookSnapshot
}

// Ledger is the live account/position book an authoritative cycle writes
// fills and position-lifecycle changes into (internal/ledger.Book).
type Ledger interface {
	Open(pos types.Position)
	Update(pos types.Position)
	Close(id string, realizedPnLUSD decimal.Decimal)
}

// Deps bundles every collaborator one authoritative cycle drives (spec
// §4.1). All fields are required except Diag and Ledger.
type Deps struct {
	Scanner    *scanner.Scanner
	Strategies *strategy.Registry
	Risk       *risk.Manager
	Sizer      *sizing.Sizer
	Execution  *execution.Manager
	Positions  *position.Manager
	Diag       *diagnostics.Collector
	Ledger     Ledger

	MarketData     MarketDataSource
	BTCSymbol      string
	Preset         func() *config.TradingPreset
	Universe       func() []string
	AccountEquity  func() decimal.Decimal
	OpenPositions  func() []types.Position
	MarketSpec     func(symbol string) types.MarketSpec
	NextPositionID func() string
}

// Orchestrator drives a single authoritative cycle across every component,
// guaranteeing at most one cycle active at a time (spec §4.1).
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps

	mu    sync.RWMutex
	state State

	lastScan     []*types.ScanResult
	withLevels   []*types.ScanResult
	pendingSigs  []*types.Signal
	sizedPending []sizedSignal

	recoveries []time.Time // timestamps of auto-recoveries within the window

	positionPool *workers.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

type sizedSignal struct {
	signal *types.Signal
	sized  *sizing.Result
}

// New constructs an Orchestrator in IDLE.
func New(logger *zap.Logger, deps Deps) *Orchestrator {
	poolCfg := workers.DefaultPoolConfig("position-manager")
	poolCfg.NumWorkers = positionPoolWorkers
	return &Orchestrator{
		logger:       logger,
		deps:         deps,
		state:        StateIdle,
		positionPool: workers.NewPool(logger, poolCfg),
	}
}

// State returns the current FSM state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// transition validates and applies from->to, recording a diagnostic event.
// Same-state re-entry is a no-op success.
func (o *Orchestrator) transition(to State, reason string) error {
	o.mu.Lock()
	from := o.state
	if err := checkTransition(from, to); err != nil {
		o.mu.Unlock()
		return err
	}
	o.state = to
	o.mu.Unlock()

	if from == to {
		return nil
	}
	o.logger.Info("fsm transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	if o.deps.Diag != nil {
		o.deps.Diag.RecordTransition(types.FSMTransition{From: string(from), To: string(to), Reason: reason, Ts: time.Now()})
	}
	return nil
}

// Start launches the steady-state cycle: IDLE -> INITIALIZING -> SCANNING
// -> ... -> MANAGING -> SCANNING, looping until Stop/EmergencyStop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.State() != StateIdle && o.State() != StateStopped {
		return fmt.Errorf("orchestrator: cannot start from state %s", o.State())
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	o.positionPool.Start()

	if err := o.transition(StateInitializing, "start_requested"); err != nil {
		cancel()
		return err
	}
	if err := o.transition(StateScanning, "initialized"); err != nil {
		cancel()
		return err
	}

	go o.runLoop(runCtx)
	return nil
}

// Stop requests a graceful shutdown; in-flight stage work observes ctx
// cancellation at its next suspension point (spec §4.1 "Cancellation").
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()
	if cancel == nil {
		return o.transition(StateStopped, "stop_requested")
	}
	cancel()
	if done != nil {
		<-done
	}
	if err := o.positionPool.Stop(); err != nil {
		o.logger.Error("error stopping position pool", zap.Error(err))
	}
	return o.transition(StateStopped, "stop_requested")
}

// Pause moves the FSM to PAUSED from any state that allows it.
func (o *Orchestrator) Pause() error { return o.transition(StatePaused, "pause_requested") }

// Resume moves the FSM back into SCANNING from PAUSED.
func (o *Orchestrator) Resume() error { return o.transition(StateScanning, "resume_requested") }

// EmergencyStop cancels all in-flight work and transitions to EMERGENCY,
// terminal until an operator reset (spec §4.1 "EMERGENCY").
func (o *Orchestrator) EmergencyStop(reason string) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	return o.transition(StateEmergency, reason)
}

// ResetFromEmergency is the explicit operator action required to leave
// EMERGENCY (spec §4.1 "terminal until operator reset").
func (o *Orchestrator) ResetFromEmergency() error {
	if o.State() != StateEmergency {
		return fmt.Errorf("orchestrator: not in EMERGENCY")
	}
	return o.transition(StateIdle, "operator_reset")
}

// Retry is the explicit operator action that moves ERROR back into the
// steady cycle (spec §4.1 "recoverable by explicit RETRY").
func (o *Orchestrator) Retry() error {
	if o.State() != StateError {
		return fmt.Errorf("orchestrator: not in ERROR")
	}
	return o.transition(StateScanning, "manual_retry")
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch o.State() {
		case StateScanning:
			o.runStage(ctx, StateScanning, o.stageScanning)
		case StateLevelBuilding:
			o.runStage(ctx, StateLevelBuilding, o.stageLevelBuilding)
		case StateSignalWait:
			o.runStage(ctx, StateSignalWait, o.stageSignalWait)
		case StateSizing:
			o.runStage(ctx, StateSizing, o.stageSizing)
		case StateExecution:
			o.runStage(ctx, StateExecution, o.stageExecution)
		case StateManaging:
			o.runStage(ctx, StateManaging, o.stageManaging)
		case StatePaused, StateError, StateEmergency, StateStopped:
			// Terminal or operator-gated states: wait for an explicit
			// transition (Resume/Retry/ResetFromEmergency) or cancellation.
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		default:
			return
		}
	}
}

// runStage wraps one stage with a timeout, classifies any error, records a
// diagnostic event, and transitions to ERROR on failure (spec §4.1
// "Failure semantics").
func (o *Orchestrator) runStage(ctx context.Context, stage State, fn func(context.Context) (State, error)) {
	stageCtx := ctx
	var cancel context.CancelFunc
	if d, ok := stateTimeouts[stage]; ok {
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	next, err := fn(stageCtx)
	if err != nil {
		o.handleStageError(ctx, stage, err)
		return
	}
	_ = o.transition(next, fmt.Sprintf("%s_complete", stage))
}

func (o *Orchestrator) handleStageError(ctx context.Context, stage State, err error) {
	o.logger.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
	if o.deps.Diag != nil {
		passed := false
		o.deps.Diag.Record(types.DiagnosticEvent{
			Component: "orchestrator",
			Stage:     string(stage),
			Reason:    err.Error(),
			Passed:    &passed,
		})
	}
	if err := o.transition(StateError, err.Error()); err != nil {
		o.logger.Error("failed to transition to ERROR", zap.Error(err))
		return
	}
	o.considerAutoRecovery(ctx)
}

// considerAutoRecovery implements the backoff ladder 1s/2s/4s capped at
// 30s, escalating to EMERGENCY after 5 automated recoveries within a
// rolling 5-minute window (spec §4.1).
func (o *Orchestrator) considerAutoRecovery(ctx context.Context) {
	now := time.Now()
	o.mu.Lock()
	cutoff := now.Add(-autoRecoveryWindow)
	kept := o.recoveries[:0]
	for _, t := range o.recoveries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.recoveries = kept
	attempt := len(o.recoveries)
	o.mu.Unlock()

	if attempt >= maxAutoRecoveries {
		_ = o.EmergencyStop("max_auto_recoveries_exceeded")
		return
	}

	backoff := time.Duration(1<<attempt) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}

	o.mu.Lock()
	o.recoveries = append(o.recoveries, now)
	o.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}
	_ = o.transition(StateScanning, "auto_retry")
}
