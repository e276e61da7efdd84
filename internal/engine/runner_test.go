package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
	"perp-paper-trader/internal/strategy"
)

// stubStrategy emits canned intents so runner mechanics can be tested
// without real signal logic.
type stubStrategy struct {
	id            string
	commitIntent  *strategy.Intent
	previewIntent *strategy.Intent
	commits       int
}

func (s *stubStrategy) ID() string           { return s.id }
func (s *stubStrategy) Type() string         { return "stub" }
func (s *stubStrategy) ExecInterval() string { return "15m" }

func (s *stubStrategy) OnBarCommit(ctx *strategy.Context) *strategy.Intent {
	if ctx.Interval != "15m" {
		return nil
	}
	s.commits++
	intent := s.commitIntent
	s.commitIntent = nil // fire once
	return intent
}

func (s *stubStrategy) OnBarPreview(ctx *strategy.Context) *strategy.Intent {
	return s.previewIntent
}

func (s *stubStrategy) Checklist() []strategy.Condition { return nil }

func newTestRunner(t *testing.T, strat strategy.Strategy) *Runner {
	t.Helper()
	cfg := config.Default()
	indCfg := indicator.Config{
		EMAFast: 3, EMASlow: 5, RSILength: 3,
		MACDFast: 2, MACDSlow: 4, MACDSignal: 2, ATRLength: 3,
	}
	engines := map[string]*indicator.Engine{
		"15m": indicator.New(indCfg, 100),
		"1h":  indicator.New(indCfg, 100),
	}
	buffers := market.NewManager([]string{"15m", "1h"}, 100)
	r := newRunner(strat, engines, buffers, nil, nil, nil, 900_000)
	r.matcher = sim.NewMatcher(strat.ID(), sim.Config{
		Symbol:               "BTCUSDT",
		FeeRate:              0.0005,
		Leverage:             10,
		MaxPositionNotional:  50_000,
		MaxPositionPctEquity: 0.5,
		Tiers:                cfg.Risk.MMRTiers,
		CooldownAfterStop:    4,
		ExecIntervalMS:       900_000,
	}, 10_000, r)
	r.initView()
	return r
}

func execEvent(openTime int64, close float64, commit bool) market.Event {
	return market.Event{
		Bar: market.Bar{
			Symbol:    "BTCUSDT",
			Interval:  "15m",
			OpenTime:  openTime,
			CloseTime: openTime + 900_000 - 1,
			Open:      close,
			High:      close + 1,
			Low:       close - 1,
			Close:     close,
			Closed:    commit,
		},
		Commit: commit,
	}
}

func openLongIntent() *strategy.Intent {
	return &strategy.Intent{
		Action: strategy.ActionOpenLong,
		Stop:   95, TP1: 105, TP2: 110,
		Reason: "test_entry",
	}
}

func TestRunnerCommitOpensPosition(t *testing.T) {
	stub := &stubStrategy{id: "a", commitIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	ev := execEvent(0, 100, true)
	r.handle(runnerMsg{event: &ev})

	require.NotNil(t, r.matcher.Position())
	view := r.View()
	require.NotNil(t, view.Position)
	assert.Equal(t, sim.Long, view.Position.Side)
	assert.Equal(t, 100.0, view.Position.EntryPrice)
	assert.False(t, r.Quarantined())
}

func TestRunnerOpenOnPreviewQuarantines(t *testing.T) {
	stub := &stubStrategy{id: "a", previewIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	ev := execEvent(0, 100, false)
	r.handle(runnerMsg{event: &ev})

	assert.True(t, r.Quarantined())
	assert.Nil(t, r.matcher.Position(), "no position may result from a preview open")

	// A quarantined runner ignores further events.
	stub.previewIntent = nil
	stub.commitIntent = openLongIntent()
	commit := execEvent(900_000, 101, true)
	r.handle(runnerMsg{event: &commit})
	assert.Nil(t, r.matcher.Position())
	assert.Zero(t, stub.commits)
}

func TestRunnerPreviewManagesPosition(t *testing.T) {
	stub := &stubStrategy{id: "a", commitIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	entry := execEvent(0, 100, true)
	r.handle(runnerMsg{event: &entry})
	fullQty := r.matcher.Position().Qty

	// Preview tick through TP1: half the position closes, stop moves to
	// breakeven.
	tick := execEvent(900_000, 105.5, false)
	r.handle(runnerMsg{event: &tick})

	pos := r.matcher.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, fullQty/2, pos.Qty, 1e-9)
	assert.True(t, pos.TP1Done)
	assert.Equal(t, 100.0, pos.StopPrice)
}

func TestRunnerIsolation(t *testing.T) {
	opener := &stubStrategy{id: "a", commitIntent: openLongIntent()}
	idle := &stubStrategy{id: "b"}
	ra := newTestRunner(t, opener)
	rb := newTestRunner(t, idle)

	ev := execEvent(0, 100, true)
	ra.handle(runnerMsg{event: &ev})
	rb.handle(runnerMsg{event: &ev})

	require.NotNil(t, ra.matcher.Position())
	assert.Nil(t, rb.matcher.Position())
	assert.Equal(t, 10_000.0, rb.matcher.Balance(), "idle account is untouched")
	assert.Less(t, ra.matcher.Balance(), 10_000.0)

	// Quarantining one leaves the other trading.
	opener.previewIntent = openLongIntent()
	bad := execEvent(900_000, 100.2, false)
	ra.handle(runnerMsg{event: &bad})
	rb.handle(runnerMsg{event: &bad})
	assert.True(t, ra.Quarantined())
	assert.False(t, rb.Quarantined())
}

func TestRunnerFundingAppliedOnce(t *testing.T) {
	stub := &stubStrategy{id: "a", commitIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	entry := execEvent(0, 100, true)
	r.handle(runnerMsg{event: &entry})
	balance := r.matcher.Balance()

	f := fundingMsg{rate: 0.0001, fundingTime: 8_000_000, ts: 8_000_100}
	r.handle(runnerMsg{funding: &f})
	paid := balance - r.matcher.Balance()
	assert.Greater(t, paid, 0.0, "long pays a positive rate")

	r.handle(runnerMsg{funding: &f})
	assert.InDelta(t, paid, balance-r.matcher.Balance(), 1e-12, "same timestamp settles once")
}

func TestRunnerResetClearsQuarantineAndAccount(t *testing.T) {
	stub := &stubStrategy{id: "a", previewIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	bad := execEvent(0, 100, false)
	r.handle(runnerMsg{event: &bad})
	require.True(t, r.Quarantined())

	done := make(chan struct{})
	r.handle(runnerMsg{reset: &resetMsg{initialCapital: 10_000, done: done}})
	select {
	case <-done:
	default:
		t.Fatal("reset did not signal completion")
	}

	assert.False(t, r.Quarantined())
	assert.Equal(t, 10_000.0, r.matcher.Balance())
	assert.Nil(t, r.matcher.Position())
}

func TestRunnerSkipsUntrackedInterval(t *testing.T) {
	stub := &stubStrategy{id: "a", commitIntent: openLongIntent()}
	r := newTestRunner(t, stub)

	ev := execEvent(0, 100, true)
	ev.Bar.Interval = "4h"
	r.handle(runnerMsg{event: &ev})
	assert.Nil(t, r.matcher.Position())
	assert.Zero(t, stub.commits)
}

func TestSortBatchOrdering(t *testing.T) {
	e := &Engine{intervalMS: map[string]int64{"15m": 900_000, "1h": 3_600_000}}

	mk := func(interval string, closeTime int64, commit bool) market.Event {
		return market.Event{
			Bar:    market.Bar{Interval: interval, CloseTime: closeTime},
			Commit: commit,
		}
	}

	// A shared boundary: the 1h and the 15m bar close at the same instant,
	// with a later preview and an earlier commit mixed in.
	batch := []market.Event{
		mk("15m", 3_600_000, false),
		mk("1h", 3_599_999, true),
		mk("15m", 3_599_999, true),
		mk("15m", 2_699_999, true),
	}
	e.sortBatch(batch)

	assert.Equal(t, int64(2_699_999), batch[0].Bar.CloseTime)
	assert.Equal(t, "15m", batch[1].Bar.Interval)
	assert.True(t, batch[1].Commit, "commits precede previews at a boundary")
	assert.Equal(t, "1h", batch[2].Bar.Interval, "shorter interval commits first")
	assert.False(t, batch[3].Commit)
}
