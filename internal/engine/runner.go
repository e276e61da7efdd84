package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"perp-paper-trader/internal/alerts"
	"perp-paper-trader/internal/database"
	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/logging"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
	"perp-paper-trader/internal/strategy"
)

// runnerMsg is one unit of work for a strategy goroutine.
type runnerMsg struct {
	event   *market.Event
	funding *fundingMsg
	reset   *resetMsg
}

type fundingMsg struct {
	rate        float64
	fundingTime int64
	ts          int64
}

type resetMsg struct {
	initialCapital float64
	done           chan struct{}
}

// Runner owns one strategy instance end to end: its indicator engines, its
// matcher and account, and the stage chain for every market event. All
// mutable state is confined to the runner goroutine; outside readers get
// snapshots through the published view.
type Runner struct {
	strat          strategy.Strategy
	matcher        *sim.Matcher
	indicators     map[string]*indicator.Engine
	buffers        *market.Manager
	writer         *database.Writer
	bus            *events.Bus
	alerts         *alerts.Manager
	execIntervalMS int64

	msgs chan runnerMsg
	wg   sync.WaitGroup

	mu          sync.RWMutex
	view        sim.AccountView
	checklist   []strategy.Condition
	quarantined bool

	pendingEvents []string
	log           zerolog.Logger
}

// newRunner builds a runner without its matcher; the caller wires the
// matcher in with the runner as its sink, then calls initView.
func newRunner(
	strat strategy.Strategy,
	indicators map[string]*indicator.Engine,
	buffers *market.Manager,
	writer *database.Writer,
	bus *events.Bus,
	alertMgr *alerts.Manager,
	execIntervalMS int64,
) *Runner {
	return &Runner{
		strat:          strat,
		indicators:     indicators,
		buffers:        buffers,
		writer:         writer,
		bus:            bus,
		alerts:         alertMgr,
		execIntervalMS: execIntervalMS,
		msgs:           make(chan runnerMsg, 256),
		log:            logging.Component("runner").With().Str("strategy", strat.ID()).Logger(),
	}
}

func (r *Runner) initView() {
	r.view = r.matcher.View()
}

// start launches the runner goroutine.
func (r *Runner) start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range r.msgs {
			r.handle(msg)
		}
	}()
}

// stop closes the inbox and waits for in-flight work.
func (r *Runner) stop() {
	close(r.msgs)
	r.wg.Wait()
}

// submit blocks until the runner accepts the message, preserving event
// order per strategy.
func (r *Runner) submit(msg runnerMsg) {
	r.msgs <- msg
}

// ID returns the strategy id.
func (r *Runner) ID() string { return r.strat.ID() }

// Type returns the strategy type tag.
func (r *Runner) Type() string { return r.strat.Type() }

// View returns the latest published account snapshot.
func (r *Runner) View() sim.AccountView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Checklist returns the latest published condition checklist.
func (r *Runner) Checklist() []strategy.Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]strategy.Condition, len(r.checklist))
	copy(out, r.checklist)
	return out
}

// Quarantined reports whether the strategy has been frozen.
func (r *Runner) Quarantined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quarantined
}

// IndicatorHistory serves committed snapshots for one interval.
func (r *Runner) IndicatorHistory(interval string, n int) []indicator.Snapshot {
	if eng, ok := r.indicators[interval]; ok {
		return eng.History(n)
	}
	return nil
}

// LastClosed implements strategy.MarketView over the shared buffers.
func (r *Runner) LastClosed(interval string, n int) []market.Bar {
	return r.buffers.LastClosed(interval, n)
}

func (r *Runner) handle(msg runnerMsg) {
	switch {
	case msg.reset != nil:
		r.matcher.Reset(msg.reset.initialCapital)
		r.mu.Lock()
		r.quarantined = false
		r.checklist = nil
		r.mu.Unlock()
		r.publishView()
		close(msg.reset.done)
	case msg.funding != nil:
		if r.isQuarantined() {
			return
		}
		if r.matcher.ApplyFunding(msg.funding.rate, msg.funding.fundingTime, msg.funding.ts) {
			r.publishView()
		}
	case msg.event != nil:
		if r.isQuarantined() {
			return
		}
		if err := r.handleEvent(*msg.event); err != nil {
			r.quarantine(err)
		}
	}
}

// handleEvent runs the fixed stage chain for one bar event: indicators,
// strategy, matcher, then publication. Buffer and DAO stages ran in the
// dispatcher before fan-in.
func (r *Runner) handleEvent(ev market.Event) error {
	bar := ev.Bar
	eng, tracked := r.indicators[bar.Interval]
	if !tracked {
		return nil
	}

	var snap indicator.Snapshot
	var intent *strategy.Intent

	if ev.Commit {
		snap = eng.Commit(bar)
		r.matcher.SetMark(bar.Close)
		ctx := r.buildContext(bar, snap)
		intent = r.strat.OnBarCommit(ctx)
	} else {
		snap = eng.Preview(bar)
		if bar.Interval == r.strat.ExecInterval() {
			if err := r.matcher.Manage(bar); err != nil {
				return err
			}
		} else {
			r.matcher.SetMark(bar.Close)
		}
		ctx := r.buildContext(bar, snap)
		intent = r.strat.OnBarPreview(ctx)
	}

	if err := r.applyIntent(intent, ev); err != nil {
		return err
	}

	r.publishStream(bar, snap)
	r.publishView()
	return nil
}

func (r *Runner) buildContext(bar market.Bar, snap indicator.Snapshot) *strategy.Context {
	return &strategy.Context{
		Interval:   bar.Interval,
		Bar:        bar,
		Snapshot:   snap,
		Market:     r,
		Account:    r.matcher.View(),
		InCooldown: r.matcher.InCooldown(bar.OpenTime),
	}
}

func (r *Runner) applyIntent(intent *strategy.Intent, ev market.Event) error {
	if intent == nil {
		return nil
	}
	bar := ev.Bar
	switch intent.Action {
	case strategy.ActionClose:
		return r.matcher.CloseAll(bar.Close, bar.CloseTime, intent.Reason)
	case strategy.ActionOpenLong, strategy.ActionOpenShort:
		if !ev.Commit {
			return fmt.Errorf("%w: open intent on preview event", sim.ErrInvariant)
		}
		side := sim.Long
		if intent.Action == strategy.ActionOpenShort {
			side = sim.Short
		}
		return r.matcher.Open(side, bar.Close, bar.CloseTime, intent.Stop, intent.TP1, intent.TP2, intent.Reason)
	default:
		return nil
	}
}

// quarantine freezes the strategy after an invariant violation. Other
// strategies keep running.
func (r *Runner) quarantine(err error) {
	if !errors.Is(err, sim.ErrInvariant) {
		r.log.Error().Err(err).Msg("runner error")
		return
	}
	r.mu.Lock()
	r.quarantined = true
	r.mu.Unlock()
	r.log.Error().Err(err).Msg("strategy quarantined")
	if r.alerts != nil {
		r.alerts.Raise(r.strat.ID(), alerts.LevelError, fmt.Sprintf("strategy quarantined: %v", err))
	}
}

func (r *Runner) isQuarantined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quarantined
}

// publishView stores and pushes the current account snapshot.
func (r *Runner) publishView() {
	view := r.matcher.View()
	r.mu.Lock()
	r.view = view
	r.checklist = r.strat.Checklist()
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:     events.TypeStatus,
			Strategy: r.strat.ID(),
			Payload:  events.StatusPayload{Account: view},
		})
	}
}

// publishStream pushes one stream frame with the bar, live indicators, the
// checklist, and any discrete events collected during this tick.
func (r *Runner) publishStream(bar market.Bar, snap indicator.Snapshot) {
	if r.bus == nil {
		r.pendingEvents = nil
		return
	}
	evs := r.pendingEvents
	r.pendingEvents = nil
	barCopy := bar
	snapCopy := snap
	r.bus.Publish(events.Event{
		Type:     events.TypeStream,
		Strategy: r.strat.ID(),
		TS:       bar.CloseTime,
		Payload: events.StreamPayload{
			Kline:      &barCopy,
			Indicators: &snapCopy,
			Conditions: r.strat.Checklist(),
			Events:     evs,
		},
	})
}

// Sink implementation: every matcher mutation lands in the DAO queue and
// feeds the discrete event list of the next stream frame.

func (r *Runner) OnTrade(t sim.Trade) {
	if r.writer != nil {
		r.writer.WriteTrade(t)
	}
}

func (r *Runner) OnPosition(p sim.Position) {
	if r.writer != nil {
		r.writer.WritePosition(p)
	}
}

func (r *Runner) OnLedger(e sim.LedgerEntry) {
	if r.writer != nil {
		r.writer.WriteLedger(e)
	}
}

func (r *Runner) OnEquity(s sim.EquitySnapshot) {
	if r.writer != nil {
		r.writer.WriteEquity(s)
	}
}

func (r *Runner) OnEvent(strategyID, event string) {
	r.pendingEvents = append(r.pendingEvents, event)
}
