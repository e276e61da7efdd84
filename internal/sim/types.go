package sim

import "errors"

// ErrInvariant marks a state violation that must quarantine the strategy.
var ErrInvariant = errors.New("sim: invariant violated")

// Side is the position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// direction returns +1 for LONG, -1 for SHORT.
func (s Side) direction() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// TradeKind distinguishes entry fills from exits.
type TradeKind string

const (
	KindEntry TradeKind = "ENTRY"
	KindExit  TradeKind = "EXIT"
)

// Close reasons written to positions and trades.
const (
	ReasonStop      = "stop"
	ReasonTP1       = "tp1"
	ReasonTP2       = "tp2"
	ReasonLiq       = "liq"
	ReasonTrendFail = "trend_fail"
	ReasonReset     = "reset"
)

// Ledger entry types.
const (
	LedgerFee         = "fee"
	LedgerRealizedPnL = "realized_pnl"
	LedgerFunding     = "funding"
)

// Position is one simulated perpetual position. Qty and Margin shrink on
// partial closes; FullQty and FullMargin keep the entry values.
type Position struct {
	ID          string  `json:"position_id"`
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Qty         float64 `json:"qty"`
	FullQty     float64 `json:"full_qty"`
	EntryPrice  float64 `json:"entry_price"`
	EntryTime   int64   `json:"entry_time_ms"`
	Leverage    float64 `json:"leverage"`
	Margin      float64 `json:"margin"`
	FullMargin  float64 `json:"full_margin"`
	StopPrice   float64 `json:"stop_price"`
	TP1Price    float64 `json:"tp1_price"`
	TP2Price    float64 `json:"tp2_price"`
	TP1Done     bool    `json:"tp1_done"`
	Status      string  `json:"status"` // OPEN or CLOSED
	RealizedPnL float64 `json:"realized_pnl"`
	FeesTotal   float64 `json:"fees_total"`
	LiqPrice    float64 `json:"liq_price"`
	CloseTime   int64   `json:"close_time_ms,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
}

// UPL returns unrealized PnL of the remaining quantity at mark.
func (p *Position) UPL(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Qty * p.Side.direction()
}

// Trade is one fill.
type Trade struct {
	ID         string    `json:"trade_id"`
	PositionID string    `json:"position_id"`
	Strategy   string    `json:"strategy"`
	Side       string    `json:"side"` // BUY or SELL
	Kind       TradeKind `json:"kind"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	Notional   float64   `json:"notional"`
	FeeAmount  float64   `json:"fee_amount"`
	FeeRate    float64   `json:"fee_rate"`
	TS         int64     `json:"ts_ms"`
	Reason     string    `json:"reason"`
}

// LedgerEntry is one signed balance change.
type LedgerEntry struct {
	Strategy string  `json:"strategy"`
	TS       int64   `json:"ts_ms"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Ref      string  `json:"ref"`
	Note     string  `json:"note"`
}

// EquitySnapshot is one point of the equity curve.
type EquitySnapshot struct {
	Strategy   string  `json:"strategy"`
	TS         int64   `json:"ts_ms"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	UPL        float64 `json:"upl"`
	MarginUsed float64 `json:"margin_used"`
	FreeMargin float64 `json:"free_margin"`
}

// PositionView is the outward snapshot of an open position.
type PositionView struct {
	Side       Side    `json:"side"`
	Qty        float64 `json:"qty"`
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
	TP1Price   float64 `json:"tp1_price"`
	TP2Price   float64 `json:"tp2_price"`
}

// AccountView is an immutable account snapshot for sizing and fan-out.
type AccountView struct {
	Strategy      string        `json:"strategy"`
	Balance       float64       `json:"balance"`
	Equity        float64       `json:"equity"`
	UPL           float64       `json:"upl"`
	MarginUsed    float64       `json:"margin_used"`
	FreeMargin    float64       `json:"free_margin"`
	Position      *PositionView `json:"position,omitempty"`
	LiqPrice      *float64      `json:"liq_price,omitempty"`
	CooldownUntil int64         `json:"cooldown_until_ms,omitempty"`
}

// Sink receives every matcher mutation, in stage order: rows first, then
// the equity snapshot, then events.
type Sink interface {
	OnTrade(t Trade)
	OnPosition(p Position)
	OnLedger(e LedgerEntry)
	OnEquity(s EquitySnapshot)
	OnEvent(strategy, event string)
}
