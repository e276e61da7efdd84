package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
)

// fakeMarket serves canned committed state to strategies under test.
type fakeMarket struct {
	bars map[string][]market.Bar
	hist map[string][]indicator.Snapshot
}

func (f *fakeMarket) LastClosed(interval string, n int) []market.Bar {
	bars := f.bars[interval]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars
}

func (f *fakeMarket) IndicatorHistory(interval string, n int) []indicator.Snapshot {
	h := f.hist[interval]
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return h
}

func newTrendPullbackForTest(t *testing.T) *trendPullback {
	t.Helper()
	cfg := config.Default()
	s, err := Build("trend_pullback", "test", cfg, nil)
	require.NoError(t, err)
	return s.(*trendPullback)
}

// permitUptrend runs a 1h commit that turns the long trend filter on.
func permitUptrend(s *trendPullback, mkt MarketView) {
	s.OnBarCommit(&Context{
		Interval: "1h",
		Bar:      market.Bar{Interval: "1h", Close: 100},
		Snapshot: indicator.Snapshot{Ready: true, EMAFast: 101, EMASlow: 99, RSI: 60},
		Market:   mkt,
	})
}

func permitDowntrend(s *trendPullback, mkt MarketView) {
	s.OnBarCommit(&Context{
		Interval: "1h",
		Bar:      market.Bar{Interval: "1h", Close: 100},
		Snapshot: indicator.Snapshot{Ready: true, EMAFast: 99, EMASlow: 101, RSI: 40},
		Market:   mkt,
	})
}

// execSnapshot is an execution-timeframe snapshot that satisfies the long
// pullback clauses against execBarLong.
func execSnapshot(hist float64) indicator.Snapshot {
	return indicator.Snapshot{
		Ready:    true,
		EMAFast:  100,
		EMASlow:  98,
		RSI:      55,
		MACDHist: hist,
		ATR:      2,
	}
}

func execBarLong() market.Bar {
	return market.Bar{
		Interval: "15m",
		OpenTime: 10 * 900_000,
		Open:     100.4,
		High:     100.6,
		Low:      99.8,
		Close:    100.2,
		Closed:   true,
	}
}

// risingHistMarket returns committed history where the MACD histogram rose
// into the current commit, plus bars whose swing low sits below the ATR
// stop.
func risingHistMarket(structLow float64) *fakeMarket {
	bars := make([]market.Bar, 10)
	for i := range bars {
		bars[i] = market.Bar{Interval: "15m", OpenTime: int64(i) * 900_000, Low: structLow + 1, High: 101, Close: 100, Closed: true}
	}
	bars[5].Low = structLow
	return &fakeMarket{
		bars: map[string][]market.Bar{"15m": bars},
		hist: map[string][]indicator.Snapshot{"15m": {
			execSnapshot(0.1),
			execSnapshot(0.3),
			execSnapshot(0.5), // the current commit is the tail
		}},
	}
}

func TestTrendPullbackLongEntry(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	permitUptrend(s, mkt)

	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      execBarLong(),
		Snapshot: execSnapshot(0.5),
		Market:   mkt,
	})

	require.NotNil(t, intent)
	assert.Equal(t, ActionOpenLong, intent.Action)
	// Structural swing low 96.5 beats the ATR stop 100.2 - 1.5*2 = 97.2.
	assert.InDelta(t, 96.5, intent.Stop, 1e-9)
	r := 100.2 - 96.5
	assert.InDelta(t, 100.2+r, intent.TP1, 1e-9)
	assert.InDelta(t, 100.2+2*r, intent.TP2, 1e-9)
	assert.Equal(t, "pullback_long", intent.Reason)
}

func TestTrendPullbackATRStopWhenNoDeeperSwing(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(99) // swing low above the ATR stop
	permitUptrend(s, mkt)

	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      execBarLong(),
		Snapshot: execSnapshot(0.5),
		Market:   mkt,
	})

	require.NotNil(t, intent)
	assert.InDelta(t, 100.2-1.5*2, intent.Stop, 1e-9)
}

func TestTrendPullbackBlockedWithoutTrendPermission(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	// No 1h commit seen: both permissions stay off.

	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      execBarLong(),
		Snapshot: execSnapshot(0.5),
		Market:   mkt,
	})
	assert.Nil(t, intent)

	var permit Condition
	for _, c := range s.Checklist() {
		if c.Name == "trend_permits_long" {
			permit = c
		}
	}
	assert.False(t, permit.OK)
}

func TestTrendPullbackBlockedByCooldown(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	permitUptrend(s, mkt)

	intent := s.OnBarCommit(&Context{
		Interval:   "15m",
		Bar:        execBarLong(),
		Snapshot:   execSnapshot(0.5),
		Market:     mkt,
		InCooldown: true,
	})
	assert.Nil(t, intent)

	for _, c := range s.Checklist() {
		if c.Name == "cooldown_over" {
			assert.False(t, c.OK)
		}
	}
}

func TestTrendPullbackBlockedByFlatHistogram(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	mkt.hist["15m"] = []indicator.Snapshot{
		execSnapshot(0.5),
		execSnapshot(0.3),
		execSnapshot(0.5),
	}
	permitUptrend(s, mkt)

	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      execBarLong(),
		Snapshot: execSnapshot(0.5),
		Market:   mkt,
	})
	assert.Nil(t, intent)
}

func TestTrendPullbackPreviewNeverOpens(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	permitUptrend(s, mkt)

	open := execBarLong()
	open.Closed = false
	intent := s.OnBarPreview(&Context{
		Interval: "15m",
		Bar:      open,
		Snapshot: execSnapshot(0.5),
		Market:   mkt,
	})
	assert.Nil(t, intent)
	assert.NotEmpty(t, s.Checklist(), "previews still publish the checklist")
}

func TestTrendPullbackTrendFailureExit(t *testing.T) {
	s := newTrendPullbackForTest(t)
	mkt := risingHistMarket(96.5)
	permitUptrend(s, mkt)

	account := sim.AccountView{
		Position: &sim.PositionView{Side: sim.Long, Qty: 1, EntryPrice: 100},
	}

	// Close below EMA fast with weak RSI fails the trend.
	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      market.Bar{Interval: "15m", Close: 99, Closed: true},
		Snapshot: indicator.Snapshot{Ready: true, EMAFast: 100, EMASlow: 98, RSI: 45},
		Market:   mkt,
		Account:  account,
	})
	require.NotNil(t, intent)
	assert.Equal(t, ActionClose, intent.Action)
	assert.Equal(t, sim.ReasonTrendFail, intent.Reason)

	// Holding above the fast EMA does not.
	intent = s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      market.Bar{Interval: "15m", Close: 101, Closed: true},
		Snapshot: indicator.Snapshot{Ready: true, EMAFast: 100, EMASlow: 98, RSI: 55},
		Market:   mkt,
		Account:  account,
	})
	assert.Nil(t, intent)
}

func TestTrendPullbackShortEntry(t *testing.T) {
	s := newTrendPullbackForTest(t)

	bars := make([]market.Bar, 10)
	for i := range bars {
		bars[i] = market.Bar{Interval: "15m", OpenTime: int64(i) * 900_000, Low: 99, High: 103, Close: 100, Closed: true}
	}
	shortSnap := func(hist float64) indicator.Snapshot {
		return indicator.Snapshot{Ready: true, EMAFast: 100, EMASlow: 102, RSI: 45, MACDHist: hist, ATR: 2}
	}
	mkt := &fakeMarket{
		bars: map[string][]market.Bar{"15m": bars},
		hist: map[string][]indicator.Snapshot{"15m": {shortSnap(-0.1), shortSnap(-0.3), shortSnap(-0.5)}},
	}
	permitDowntrend(s, mkt)

	intent := s.OnBarCommit(&Context{
		Interval: "15m",
		Bar:      market.Bar{Interval: "15m", OpenTime: 10 * 900_000, Open: 99.6, High: 100.2, Low: 99.4, Close: 99.8, Closed: true},
		Snapshot: shortSnap(-0.5),
		Market:   mkt,
	})

	require.NotNil(t, intent)
	assert.Equal(t, ActionOpenShort, intent.Action)
	// Structural swing high 103 beats the ATR stop 99.8 + 3 = 102.8.
	assert.InDelta(t, 103.0, intent.Stop, 1e-9)
	r := 103.0 - 99.8
	assert.InDelta(t, 99.8-r, intent.TP1, 1e-9)
	assert.InDelta(t, 99.8-2*r, intent.TP2, 1e-9)
}

func TestMACrossFlipEntryAndExit(t *testing.T) {
	cfg := config.Default()
	s, err := Build("ma_cross", "mc", cfg, nil)
	require.NoError(t, err)

	mkt := &fakeMarket{}
	snap := func(fast, slow float64) indicator.Snapshot {
		return indicator.Snapshot{Ready: true, EMAFast: fast, EMASlow: slow, ATR: 2}
	}

	// Prime the higher-timeframe RSI filter.
	s.OnBarCommit(&Context{Interval: "1h", Snapshot: indicator.Snapshot{Ready: true, RSI: 60}, Market: mkt})

	// First exec commit only records the diff.
	assert.Nil(t, s.OnBarCommit(&Context{Interval: "15m", Bar: market.Bar{Close: 100}, Snapshot: snap(99, 100), Market: mkt}))

	// Cross up with trend RSI > 50 opens long.
	intent := s.OnBarCommit(&Context{Interval: "15m", Bar: market.Bar{Close: 101}, Snapshot: snap(100.5, 100), Market: mkt})
	require.NotNil(t, intent)
	assert.Equal(t, ActionOpenLong, intent.Action)
	assert.InDelta(t, 101-1.5*2, intent.Stop, 1e-9)

	// Cross back down while holding the long closes it.
	account := sim.AccountView{Position: &sim.PositionView{Side: sim.Long}}
	intent = s.OnBarCommit(&Context{Interval: "15m", Bar: market.Bar{Close: 99}, Snapshot: snap(99.5, 100), Market: mkt, Account: account})
	require.NotNil(t, intent)
	assert.Equal(t, ActionClose, intent.Action)
	assert.Equal(t, sim.ReasonTrendFail, intent.Reason)
}
