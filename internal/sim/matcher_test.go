package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/market"
)

// recordingSink captures every matcher mutation for assertions.
type recordingSink struct {
	trades    []Trade
	positions []Position
	ledger    []LedgerEntry
	equity    []EquitySnapshot
	events    []string
}

func (s *recordingSink) OnTrade(t Trade)             { s.trades = append(s.trades, t) }
func (s *recordingSink) OnPosition(p Position)       { s.positions = append(s.positions, p) }
func (s *recordingSink) OnLedger(e LedgerEntry)      { s.ledger = append(s.ledger, e) }
func (s *recordingSink) OnEquity(e EquitySnapshot)   { s.equity = append(s.equity, e) }
func (s *recordingSink) OnEvent(strategy, ev string) { s.events = append(s.events, ev) }

func (s *recordingSink) ledgerSum() float64 {
	total := 0.0
	for _, e := range s.ledger {
		total += e.Amount
	}
	return total
}

func testTiers() []config.MMRTier {
	return []config.MMRTier{
		{NotionalUSDT: 50_000, MMR: 0.004, MaintAmount: 0},
		{NotionalUSDT: 250_000, MMR: 0.005, MaintAmount: 50},
	}
}

func newTestMatcher(t *testing.T) (*Matcher, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m := NewMatcher("test", Config{
		Symbol:               "BTCUSDT",
		FeeRate:              0.0005,
		Leverage:             10,
		MaxPositionNotional:  50_000,
		MaxPositionPctEquity: 0.5,
		Tiers:                testTiers(),
		CooldownAfterStop:    4,
		ExecIntervalMS:       900_000,
	}, 10_000, sink)
	return m, sink
}

func previewBar(open, high, low, close float64, openTime int64) market.Bar {
	return market.Bar{
		Symbol:    "BTCUSDT",
		Interval:  "15m",
		OpenTime:  openTime,
		CloseTime: openTime + 900_000 - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
	}
}

// checkAccounting verifies initial_capital + sum(ledger) == balance once
// margin is fully released (no open position).
func checkAccounting(t *testing.T, m *Matcher, sink *recordingSink, initial float64) {
	t.Helper()
	require.Nil(t, m.Position())
	assert.InDelta(t, initial+sink.ledgerSum(), m.Balance(), 1e-9)
}

func TestOpenDeductsMarginAndFee(t *testing.T) {
	m, sink := newTestMatcher(t)

	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))

	// notional = min(50k, 10000*0.5*10) = 50000 -> capped
	// qty = 500, margin = 5000, fee = 25
	pos := m.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, 500.0, pos.Qty, 1e-9)
	assert.InDelta(t, 5000.0, pos.Margin, 1e-9)
	assert.InDelta(t, 10_000-5000-25, m.Balance(), 1e-9)

	require.Len(t, sink.trades, 1)
	assert.Equal(t, KindEntry, sink.trades[0].Kind)
	assert.Equal(t, "BUY", sink.trades[0].Side)
	assert.InDelta(t, 25.0, sink.trades[0].FeeAmount, 1e-9)

	require.Len(t, sink.ledger, 1)
	assert.Equal(t, LedgerFee, sink.ledger[0].Type)
	assert.InDelta(t, -25.0, sink.ledger[0].Amount, 1e-9)

	require.Len(t, sink.equity, 1)
	assert.InDelta(t, sink.equity[0].Balance+sink.equity[0].UPL, sink.equity[0].Equity, 1e-9)
	assert.Contains(t, sink.events, "entry")

	// Liquidation sits below entry for a long.
	assert.Less(t, pos.LiqPrice, pos.EntryPrice)
}

func TestDoubleOpenIsInvariantViolation(t *testing.T) {
	m, _ := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))
	err := m.Open(Long, 100, 2000, 95, 105, 110, "entry")
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestTP1BreakevenThenStop(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))
	pos := m.Position()
	fullQty := pos.Qty

	// Price crosses TP1: half closes, stop moves to entry.
	require.NoError(t, m.Manage(previewBar(104, 106, 103, 105.5, 900_000)))
	pos = m.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, fullQty/2, pos.Qty, 1e-9)
	assert.True(t, pos.TP1Done)
	assert.Equal(t, pos.EntryPrice, pos.StopPrice)
	assert.Contains(t, sink.events, "tp1")

	// Positive realized PnL was booked.
	var realized float64
	for _, e := range sink.ledger {
		if e.Type == LedgerRealizedPnL {
			realized += e.Amount
		}
	}
	assert.InDelta(t, (105.0-100.0)*fullQty/2, realized, 1e-9)

	// Then price falls back to the breakeven stop: remainder exits at
	// entry price with zero further PnL.
	require.NoError(t, m.Manage(previewBar(101, 101, 99, 99.5, 1_800_000)))
	require.Nil(t, m.Position())

	var totalRealized, totalFees float64
	for _, e := range sink.ledger {
		switch e.Type {
		case LedgerRealizedPnL:
			totalRealized += e.Amount
		case LedgerFee:
			totalFees += -e.Amount
		}
	}
	assert.InDelta(t, (105.0-100.0)*fullQty/2, totalRealized, 1e-9)
	assert.InDelta(t, 10_000+totalRealized-totalFees, m.Balance(), 1e-9)
	checkAccounting(t, m, sink, 10_000)

	// Breakeven exit went through the stop path and started the cooldown.
	assert.True(t, m.InCooldown(1_800_000))
	assert.True(t, m.InCooldown(1_800_000+3*900_000))
	assert.False(t, m.InCooldown(1_800_000+4*900_000))
}

func TestTP2BeforeTP1BooksBoth(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))

	// One tick blows through both targets.
	require.NoError(t, m.Manage(previewBar(104, 111, 104, 110.5, 900_000)))
	require.Nil(t, m.Position())

	var exits []Trade
	for _, tr := range sink.trades {
		if tr.Kind == KindExit {
			exits = append(exits, tr)
		}
	}
	require.Len(t, exits, 2)
	assert.Equal(t, ReasonTP1, exits[0].Reason)
	assert.InDelta(t, 105.0, exits[0].Price, 1e-9)
	assert.Equal(t, ReasonTP2, exits[1].Reason)
	assert.InDelta(t, 110.0, exits[1].Price, 1e-9)
	assert.InDelta(t, exits[0].Qty, exits[1].Qty, 1e-9)

	checkAccounting(t, m, sink, 10_000)
	assert.False(t, m.InCooldown(10_000_000), "take-profit exits start no cooldown")
}

func TestStopAndTPTieBreakByBarDirection(t *testing.T) {
	// Down bar touching both stop and TP1: stop fires first.
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))

	require.NoError(t, m.Manage(previewBar(104, 106, 94, 95.5, 900_000)))
	require.Nil(t, m.Position())
	last := sink.trades[len(sink.trades)-1]
	assert.Equal(t, ReasonStop, last.Reason)

	// Up bar touching both: targets first.
	m2, sink2 := newTestMatcher(t)
	require.NoError(t, m2.Open(Long, 100, 1000, 95, 105, 110, "entry"))
	require.NoError(t, m2.Manage(previewBar(96, 106, 94, 105.5, 900_000)))
	// TP1 fired, then the stop (now at breakeven) closes the rest.
	found := false
	for _, tr := range sink2.trades {
		if tr.Kind == KindExit && tr.Reason == ReasonTP1 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLiquidationForcesClose(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 0, 0, 0, "entry"))
	pos := m.Position()
	require.NotNil(t, pos)
	liq := pos.LiqPrice
	require.Greater(t, liq, 0.0)

	require.NoError(t, m.Manage(previewBar(liq+1, liq+1, liq-0.5, liq-0.2, 900_000)))
	require.Nil(t, m.Position())
	assert.Contains(t, sink.events, "liq")
	last := sink.trades[len(sink.trades)-1]
	assert.Equal(t, ReasonLiq, last.Reason)
	assert.InDelta(t, liq, last.Price, 1e-9)
}

func TestShortLifecycle(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Short, 100, 1000, 105, 95, 90, "entry"))
	pos := m.Position()
	require.NotNil(t, pos)
	assert.Greater(t, pos.LiqPrice, pos.EntryPrice)
	assert.Equal(t, "SELL", sink.trades[0].Side)

	// TP1 for a short is below entry.
	require.NoError(t, m.Manage(previewBar(96, 96.5, 94.5, 94.8, 900_000)))
	pos = m.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.TP1Done)
	assert.Equal(t, pos.EntryPrice, pos.StopPrice)

	require.NoError(t, m.CloseAll(93, 2000, ReasonTrendFail))
	require.Nil(t, m.Position())
	assert.False(t, m.InCooldown(2000), "trend-failure exits start no cooldown")
	checkAccounting(t, m, sink, 10_000)
}

func TestFundingIdempotentByRef(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))
	pos := m.Position()
	notional := pos.EntryPrice * pos.Qty

	assert.True(t, m.ApplyFunding(0.0001, 8_000_000, 8_000_100))
	assert.False(t, m.ApplyFunding(0.0001, 8_000_000, 8_000_200), "same funding time applies once")
	assert.True(t, m.ApplyFunding(-0.0002, 16_000_000, 16_000_100))

	var funding float64
	count := 0
	for _, e := range sink.ledger {
		if e.Type == LedgerFunding {
			funding += e.Amount
			count++
		}
	}
	assert.Equal(t, 2, count)
	assert.InDelta(t, -0.0001*notional+0.0002*notional, funding, 1e-9)
}

func TestEquityIdentityWithOpenPosition(t *testing.T) {
	m, sink := newTestMatcher(t)
	require.NoError(t, m.Open(Long, 100, 1000, 95, 105, 110, "entry"))
	m.SetMark(103)

	v := m.View()
	assert.InDelta(t, v.Balance+v.UPL, v.Equity, 1e-9)
	assert.InDelta(t, v.Equity-v.MarginUsed, v.FreeMargin, 1e-9)
	assert.InDelta(t, (103.0-100.0)*m.Position().Qty, v.UPL, 1e-9)

	for _, e := range sink.equity {
		assert.InDelta(t, e.Balance+e.UPL, e.Equity, 1e-9)
		assert.InDelta(t, e.MarginUsed+e.FreeMargin, e.Equity, 1e-9)
	}
}
