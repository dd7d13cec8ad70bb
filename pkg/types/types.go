// Package types provides the shared domain model for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// OrderType is the shape of an order sent to the exchange.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypePostOnly  OrderType = "post_only"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// OrderIntent is what role an order plays for its owning position.
type OrderIntent string

const (
	OrderIntentEntry  OrderIntent = "entry"
	OrderIntentExit   OrderIntent = "exit"
	OrderIntentAddOn  OrderIntent = "add_on"
	OrderIntentTP     OrderIntent = "tp"
	OrderIntentSL     OrderIntent = "sl"
)

// StrategyKind names the signal-generating strategy.
type StrategyKind string

const (
	StrategyMomentum StrategyKind = "momentum"
	StrategyRetest   StrategyKind = "retest"
)

// PositionState is the per-position lifecycle state (spec §4.6).
type PositionState string

const (
	PositionStateOpening  PositionState = "opening"
	PositionStateOpen     PositionState = "open"
	PositionStateReducing PositionState = "reducing"
	PositionStateClosing  PositionState = "closing"
	PositionStateClosed   PositionState = "closed"
)

// TradingMode selects live venue access vs the paper simulator.
type TradingMode string

const (
	TradingModePaper TradingMode = "paper"
	TradingModeLive  TradingMode = "live"
)

// Timeframe names a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// Candle is one OHLCV bar. Immutable once constructed.
//
// Invariants: Low <= min(Open,Close) <= max(Open,Close) <= High; Volume >= 0.
type Candle struct {
	Timestamp time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Valid reports whether the candle's OHLC invariants hold.
func (c Candle) Valid() bool {
	if c.Volume.IsNegative() {
		return false
	}
	bodyHigh := decimal.Max(c.Open, c.Close)
	bodyLow := decimal.Min(c.Open, c.Close)
	return c.Low.LessThanOrEqual(bodyLow) && bodyHigh.LessThanOrEqual(c.High)
}

// Trade is a single executed trade observed on the public tape.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"ts"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      OrderSide       `json:"side"`
}

// OrderBookLevel is a single (price, size) resting level.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a full or delta-reconstructed L2 book.
//
// Bids are ordered descending by price, Asks ascending. SequenceID must
// increase monotonically across consecutive deltas for the same symbol;
// a gap requires a resync (spec §4.7, §8 S6).
type OrderBookSnapshot struct {
	Symbol     string           `json:"symbol"`
	Bids       []OrderBookLevel `json:"bids"`
	Asks       []OrderBookLevel `json:"asks"`
	SequenceID int64            `json:"sequence_id"`
	Timestamp  time.Time        `json:"ts"`
}

// Clone returns a deep copy safe for a consumer to hold without sharing the
// live book's backing arrays (spec §4.7 consumer contract).
func (o *OrderBookSnapshot) Clone() *OrderBookSnapshot {
	if o == nil {
		return nil
	}
	out := &OrderBookSnapshot{
		Symbol:     o.Symbol,
		SequenceID: o.SequenceID,
		Timestamp:  o.Timestamp,
		Bids:       make([]OrderBookLevel, len(o.Bids)),
		Asks:       make([]OrderBookLevel, len(o.Asks)),
	}
	copy(out.Bids, o.Bids)
	copy(out.Asks, o.Asks)
	return out
}

// L2Depth is the band-summarized view of an OrderBookSnapshot used by the
// scanner and signal generator (spec §3).
type L2Depth struct {
	BidUSD0_3pct decimal.Decimal `json:"bid_usd_0_3pct"`
	AskUSD0_3pct decimal.Decimal `json:"ask_usd_0_3pct"`
	BidUSD0_5pct decimal.Decimal `json:"bid_usd_0_5pct"`
	AskUSD0_5pct decimal.Decimal `json:"ask_usd_0_5pct"`
	SpreadBps    decimal.Decimal `json:"spread_bps"`
	Imbalance    decimal.Decimal `json:"imbalance"` // in [-1, 1]
}

// MarketData is the per-symbol aggregate the scanner and strategies read.
type MarketData struct {
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	Volume24hUSD    decimal.Decimal `json:"volume_24h_usd"`
	OpenInterestUSD *decimal.Decimal `json:"oi_usd,omitempty"`
	TradesPerMinute decimal.Decimal `json:"trades_per_minute"`
	ATR5m           decimal.Decimal `json:"atr_5m"`
	ATR15m          decimal.Decimal `json:"atr_15m"`
	BBWidthPct      decimal.Decimal `json:"bb_width_pct"`
	BTCCorrelation  decimal.Decimal `json:"btc_correlation"`
	VolSurge5m      decimal.Decimal `json:"vol_surge_5m"`
	VolSurge1h      decimal.Decimal `json:"vol_surge_1h"`
	OIDeltaPct      *decimal.Decimal `json:"oi_delta_pct,omitempty"`
	L2Depth         *L2Depth        `json:"l2_depth,omitempty"`
	Candles5m       []Candle        `json:"candles_5m"`
	Candles15m      []Candle        `json:"candles_15m"`
	Timestamp       time.Time       `json:"ts"`
}

// TradingLevel is a detected Donchian/support-resistance level.
type TradingLevel struct {
	Price       decimal.Decimal `json:"price"`
	Type        LevelType       `json:"type"`
	TouchCount  int             `json:"touch_count"`
	Strength    decimal.Decimal `json:"strength"` // in [0,1]
	FirstTouch  time.Time       `json:"first_touch_ts"`
	LastTouch   time.Time       `json:"last_touch_ts"`
	BaseHeight  *decimal.Decimal `json:"base_height,omitempty"`
}

// LevelType distinguishes support from resistance.
type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

// ScanResult is one candidate's ranked scanner output for a cycle.
//
// Invariant: PassedAllFilters() <=> every FilterResults value is true.
type ScanResult struct {
	Symbol          string                     `json:"symbol"`
	Score           decimal.Decimal            `json:"score"`
	Rank            int                        `json:"rank"`
	MarketData      *MarketData                `json:"market_data_ref"`
	FilterResults   map[string]bool            `json:"filter_results"`
	FilterDetails   map[string]map[string]any  `json:"filter_details"`
	ScoreComponents map[string]decimal.Decimal `json:"score_components"`
	Levels          []TradingLevel             `json:"levels"`
	Timestamp       time.Time                  `json:"ts"`
}

// PassedAllFilters reports whether every filter in FilterResults passed.
func (s *ScanResult) PassedAllFilters() bool {
	for _, ok := range s.FilterResults {
		if !ok {
			return false
		}
	}
	return true
}

// Signal is a typed, fully-reasoned entry candidate (spec §3).
//
// Invariants: Side==long => StopLoss < Entry; Side==short => StopLoss >
// Entry; Entry > 0.
type Signal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Strategy   StrategyKind    `json:"strategy"`
	Entry      decimal.Decimal `json:"entry"`
	Level      decimal.Decimal `json:"level"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Confidence decimal.Decimal `json:"confidence"` // in [0,1]
	Reason     string          `json:"reason"`
	Meta       map[string]any  `json:"meta"`
	Timestamp  time.Time       `json:"ts"`
}

// Valid checks the Signal invariants from spec §8.
func (s *Signal) Valid() bool {
	if !s.Entry.IsPositive() {
		return false
	}
	switch s.Side {
	case PositionSideLong:
		return s.StopLoss.LessThan(s.Entry)
	case PositionSideShort:
		return s.StopLoss.GreaterThan(s.Entry)
	default:
		return false
	}
}

// StopDistance returns |Entry - StopLoss|.
func (s *Signal) StopDistance() decimal.Decimal {
	return s.Entry.Sub(s.StopLoss).Abs()
}

// ClampDecimal restricts v to [lo, hi]. shopspring/decimal has no Clamp
// method, so every bounded-ratio computation (scores, strengths, fractions)
// goes through this helper instead of repeating the Min/Max pair inline.
func ClampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Order is an exchange order, possibly a composite parent with children.
type Order struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          decimal.Decimal `json:"qty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	FeesUSD      decimal.Decimal `json:"fees_usd"`
	SlippageBps  decimal.Decimal `json:"slippage_bps"`
	ReduceOnly   bool            `json:"reduce_only"`
	Intent       OrderIntent     `json:"intent"`
	DisplayQty   *decimal.Decimal `json:"display_qty,omitempty"`
	CreatedAt    time.Time       `json:"created_ts"`
	UpdatedAt    time.Time       `json:"updated_ts"`
	ParentID     string          `json:"parent_id,omitempty"`
	Children     []string        `json:"children,omitempty"`
}

// IsComposite reports whether this order aggregates child fills.
func (o *Order) IsComposite() bool { return len(o.Children) > 0 }

// TPRung is one rung of a position's take-profit ladder.
type TPRung struct {
	RMultiple   decimal.Decimal `json:"r_multiple"`
	SizeFraction decimal.Decimal `json:"size_fraction"`
	Executed    bool            `json:"executed"`
}

// PositionMeta carries the free-form bookkeeping fields spec §3 lists.
type PositionMeta struct {
	TrailAnchor    decimal.Decimal `json:"trail_anchor"`
	BreakevenMoved bool            `json:"breakeven_moved"`
	AdjustsDone    int             `json:"adds_done"`
}

// Position is an open or closed trading position.
//
// Invariants: 0 <= QtyOpen <= InitialQty; State==closed <=> QtyOpen==0.
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              PositionSide    `json:"side"`
	InitialQty        decimal.Decimal `json:"initial_qty"`
	QtyOpen           decimal.Decimal `json:"qty_open"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	StopLoss          decimal.Decimal `json:"stop_loss"`
	TakeProfitLevels  []TPRung        `json:"take_profit_levels"`
	RealizedPnLUSD    decimal.Decimal `json:"realized_pnl_usd"`
	RealizedPnLR      decimal.Decimal `json:"realized_pnl_r"`
	RiskUSD           decimal.Decimal `json:"risk_usd"`
	OpenedAt          time.Time       `json:"opened_ts"`
	Mode              TradingMode     `json:"mode"`
	Strategy          StrategyKind    `json:"strategy"`
	State             PositionState   `json:"state"`
	OriginSignalID    string          `json:"origin_signal_id"`
	Meta              PositionMeta    `json:"meta"`
}

// RiskMetrics is the account-level snapshot the risk manager evaluates against.
type RiskMetrics struct {
	AccountEquity     decimal.Decimal `json:"account_equity"`
	DailyPnLUSD       decimal.Decimal `json:"daily_pnl_usd"`
	DailyPnLR         decimal.Decimal `json:"daily_pnl_r"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	CurrentDrawdownR  decimal.Decimal `json:"current_drawdown_r"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	OpenPositions     int             `json:"open_positions"`
	DailyRiskUsedPct  decimal.Decimal `json:"daily_risk_used_pct"`
	KillSwitchActive  bool            `json:"kill_switch_active"`
	Reason            string          `json:"reason,omitempty"`
}

// DiagnosticEvent is an append-only, typed observation used for rationale
// and near-miss analysis (spec §4.8).
type DiagnosticEvent struct {
	Timestamp time.Time      `json:"ts"`
	Component string         `json:"component"`
	Stage     string         `json:"stage"`
	Symbol    string         `json:"symbol,omitempty"`
	Payload   map[string]any `json:"payload"`
	Reason    string         `json:"reason,omitempty"`
	Passed    *bool          `json:"passed,omitempty"`
}

// FSMTransition is an append-only record of one state-machine step.
type FSMTransition struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Reason   string         `json:"reason"`
	Ts       time.Time      `json:"ts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarketSpec describes one tradeable instrument's exchange precision rules.
type MarketSpec struct {
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	AmountStep   decimal.Decimal `json:"amount_step"`
	PriceTick    decimal.Decimal `json:"price_tick"`
	MinQty       decimal.Decimal `json:"min_qty"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	ContractType string          `json:"contract_type"`
}

// Balance is the account-level balance snapshot from the exchange.
type Balance struct {
	EquityUSD decimal.Decimal     `json:"equity_usd"`
	FreeUSD   decimal.Decimal     `json:"free_usd"`
	Positions []Position          `json:"positions"`
}

// PlaceOrderRequest is the input to ExchangeAdapter.PlaceOrder.
type PlaceOrderRequest struct {
	IdempotencyKey string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Qty            decimal.Decimal
	Price          *decimal.Decimal
	StopPrice      *decimal.Decimal
	ReduceOnly     bool
	Intent         OrderIntent
	DisplayQty     *decimal.Decimal // iceberg: quantity shown to the book, < Qty
}
