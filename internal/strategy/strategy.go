package strategy

import (
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
)

// Action is what a strategy wants the matcher to do.
type Action string

const (
	ActionOpenLong  Action = "open_long"
	ActionOpenShort Action = "open_short"
	ActionClose     Action = "close"
)

// Intent is at most one order request per market event. Open intents carry
// the protective levels computed at decision time; the matcher does the
// sizing.
type Intent struct {
	Action Action
	Stop   float64
	TP1    float64
	TP2    float64
	Reason string
}

// Condition is one row of the entry checklist published for the UI.
type Condition struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// MarketView gives strategies read access to committed market state.
type MarketView interface {
	LastClosed(interval string, n int) []market.Bar
	IndicatorHistory(interval string, n int) []indicator.Snapshot
}

// Context is the event payload handed to a strategy. Snapshot is the
// indicator set for the event's interval: committed values on commit
// events, transient preview values on previews.
type Context struct {
	Interval   string
	Bar        market.Bar
	Snapshot   indicator.Snapshot
	Market     MarketView
	Account    sim.AccountView
	InCooldown bool
}

// HasPosition reports whether the strategy currently holds a position.
func (c *Context) HasPosition() bool { return c.Account.Position != nil }

// Strategy is one independent trading rule set. Implementations are called
// from a single goroutine and may keep unexported state. OnBarPreview must
// never return an open intent.
type Strategy interface {
	ID() string
	Type() string
	ExecInterval() string
	OnBarCommit(ctx *Context) *Intent
	OnBarPreview(ctx *Context) *Intent
	Checklist() []Condition
}

func paramFloat(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func paramBool(params map[string]float64, key string, def bool) bool {
	if v, ok := params[key]; ok {
		return v != 0
	}
	return def
}

func paramInt(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok {
		return int(v)
	}
	return def
}

// swingLow returns the lowest low over the given bars.
func swingLow(bars []market.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.Low < low {
			low = b.Low
		}
	}
	return low, true
}

// swingHigh returns the highest high over the given bars.
func swingHigh(bars []market.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	high := bars[0].High
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
	}
	return high, true
}
