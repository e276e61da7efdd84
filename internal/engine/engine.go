package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/alerts"
	"perp-paper-trader/internal/database"
	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/logging"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
	"perp-paper-trader/internal/strategy"
)

const stateKeyLastShutdown = "last_shutdown_ms"

// StrategyInfo is the outward identity of one strategy instance.
type StrategyInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Engine wires the runtime pipeline: market source, shared kline buffers,
// and one runner per strategy instance, with the DAO writer and fan-out
// bus downstream.
type Engine struct {
	cfg     *config.Config
	source  *market.Source
	buffers *market.Manager
	client  *market.Client

	runners []*Runner
	byID    map[string]*Runner

	repo   *database.Repository
	writer *database.Writer
	bus    *events.Bus
	alerts *alerts.Manager

	intervalMS map[string]int64

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New assembles the engine. repo may be nil for memory-only operation.
func New(cfg *config.Config, repo *database.Repository, writer *database.Writer, bus *events.Bus, alertMgr *alerts.Manager) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		buffers:    market.NewManager(cfg.Intervals, cfg.BufferCapacity()),
		client:     market.NewClient(cfg.Market.RestBaseURL),
		byID:       make(map[string]*Runner),
		repo:       repo,
		writer:     writer,
		bus:        bus,
		alerts:     alertMgr,
		intervalMS: make(map[string]int64, len(cfg.Intervals)),
		log:        logging.Component("engine"),
	}

	for _, iv := range cfg.Intervals {
		dur, err := market.IntervalDuration(iv)
		if err != nil {
			return nil, err
		}
		e.intervalMS[iv] = dur.Milliseconds()
	}

	strategies, err := strategy.BuildAll(cfg)
	if err != nil {
		return nil, err
	}
	indCfg := indicator.Config{
		EMAFast:    cfg.Indicators.EMAFast,
		EMASlow:    cfg.Indicators.EMASlow,
		RSILength:  cfg.Indicators.RSILength,
		MACDFast:   cfg.Indicators.MACDFast,
		MACDSlow:   cfg.Indicators.MACDSlow,
		MACDSignal: cfg.Indicators.MACDSignal,
		ATRLength:  cfg.Indicators.ATRLength,
	}
	for _, strat := range strategies {
		engines := make(map[string]*indicator.Engine, len(cfg.Intervals))
		for _, iv := range cfg.Intervals {
			engines[iv] = indicator.New(indCfg, cfg.BufferCapacity())
		}
		execMS := e.intervalMS[strat.ExecInterval()]
		r := newRunner(strat, engines, e.buffers, writer, bus, alertMgr, execMS)
		r.matcher = sim.NewMatcher(strat.ID(), sim.Config{
			Symbol:               cfg.Symbol,
			FeeRate:              cfg.Account.FeeRate,
			Leverage:             cfg.Account.MaxLeverage,
			MaxPositionNotional:  cfg.Risk.MaxPositionNotional,
			MaxPositionPctEquity: cfg.Risk.MaxPositionPctEquity,
			Tiers:                cfg.Risk.MMRTiers,
			CooldownAfterStop:    cfg.Strategy.CooldownAfterStop,
			ExecIntervalMS:       execMS,
		}, cfg.Account.InitialCapital, r)
		r.initView()
		e.runners = append(e.runners, r)
		e.byID[strat.ID()] = r
	}

	opts := market.SourceOptions{
		Symbol:      cfg.Symbol,
		Intervals:   cfg.Intervals,
		WarmupBars:  cfg.WarmupBars(),
		RestBaseURL: cfg.Market.RestBaseURL,
		WSBaseURL:   cfg.Market.WSBaseURL,
		IdleTimeout: time.Duration(cfg.Market.IdleTimeoutMS) * time.Millisecond,
		Persist: func(ctx context.Context, bars []market.Bar) error {
			writer.WriteBars(bars)
			return nil
		},
		OnDegraded: func(reason string, err error) {
			alertMgr.Raise("market", alerts.LevelWarn, fmt.Sprintf("%s: %v", reason, err))
		},
	}
	if repo != nil {
		opts.LoadRecent = repo.LoadRecentBars
	}
	e.source = market.NewSource(opts)

	return e, nil
}

// Start performs warmup, restart recovery, and launches the live pipeline.
// It returns once the engine is streaming; Wait blocks until shutdown.
func (e *Engine) Start(ctx context.Context) error {
	warmup, err := e.source.Warmup(ctx)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	for _, iv := range e.cfg.Intervals {
		for _, bar := range warmup[iv] {
			if err := e.buffers.Apply(bar); err != nil {
				return fmt.Errorf("seed buffer %s: %w", iv, err)
			}
		}
		for _, r := range e.runners {
			r.indicators[iv].SeedFromBars(warmup[iv])
		}
	}

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}

	for _, r := range e.runners {
		r.start()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.source.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Msg("market source stopped")
		}
	}()

	if e.cfg.Funding.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.fundingLoop(ctx)
		}()
	}

	e.log.Info().
		Str("symbol", e.cfg.Symbol).
		Strs("intervals", e.cfg.Intervals).
		Int("strategies", len(e.runners)).
		Msg("engine started")
	return nil
}

// recover loads OPEN positions and the last known balance per strategy.
// Ticks missed while the process was down are not simulated; the account
// resumes from the next live price.
func (e *Engine) recover(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	positions, err := e.repo.LoadOpenPositions(ctx)
	if err != nil {
		return err
	}
	open := make(map[string]*sim.Position, len(positions))
	for i := range positions {
		p := positions[i]
		open[p.Strategy] = &p
	}
	for _, r := range e.runners {
		balance := e.cfg.Account.InitialCapital
		if snap, err := e.repo.LatestEquity(ctx, r.ID()); err != nil {
			return err
		} else if snap != nil {
			balance = snap.Balance
		}
		pos := open[r.ID()]
		r.matcher.Restore(balance, pos)
		r.initView()
		if pos != nil {
			e.log.Info().Str("strategy", r.ID()).Str("position", pos.ID).Msg("recovered open position")
		}
	}
	return nil
}

// dispatch runs the fixed stage order for every market event: the shared
// buffer and the bar DAO write happen here once, then the event fans in to
// every runner. Queued events are re-ordered so that commits precede
// previews and shorter intervals commit first at a shared boundary.
func (e *Engine) dispatch(ctx context.Context) {
	in := e.source.Events()
	for {
		ev, ok := <-in
		if !ok {
			return
		}
		batch := []market.Event{ev}
	drain:
		for {
			select {
			case next, ok := <-in:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		e.sortBatch(batch)
		for _, ev := range batch {
			e.process(ev)
		}
		if ctx.Err() != nil && len(in) == 0 {
			return
		}
	}
}

func (e *Engine) sortBatch(batch []market.Event) {
	if len(batch) < 2 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.Bar.CloseTime != b.Bar.CloseTime {
			return a.Bar.CloseTime < b.Bar.CloseTime
		}
		if a.Commit != b.Commit {
			return a.Commit
		}
		return e.intervalMS[a.Bar.Interval] < e.intervalMS[b.Bar.Interval]
	})
}

func (e *Engine) process(ev market.Event) {
	if err := e.buffers.Apply(ev.Bar); err != nil {
		e.log.Warn().Err(err).
			Str("interval", ev.Bar.Interval).
			Int64("open_time", ev.Bar.OpenTime).
			Msg("buffer rejected bar")
		return
	}
	if ev.Commit {
		e.writer.WriteBars([]market.Bar{ev.Bar})
	}
	for _, r := range e.runners {
		r.submit(runnerMsg{event: &ev})
	}
}

// fundingLoop polls the settled funding rate and fans it in to every
// runner. Application is idempotent per funding timestamp.
func (e *Engine) fundingLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Funding.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rate, fundingTime, err := e.client.FundingRate(ctx, e.cfg.Symbol)
			if err != nil {
				e.log.Warn().Err(err).Msg("funding rate fetch failed")
				continue
			}
			if fundingTime == 0 {
				continue
			}
			msg := fundingMsg{rate: rate, fundingTime: fundingTime, ts: time.Now().UnixMilli()}
			for _, r := range e.runners {
				r.submit(runnerMsg{funding: &msg})
			}
		}
	}
}

// Stop drains the pipeline after ctx cancellation: runners finish their
// inboxes, the resume marker is recorded, and the DAO queue is flushed.
func (e *Engine) Stop() {
	e.wg.Wait()
	for _, r := range e.runners {
		r.stop()
	}
	e.writer.WriteState(stateKeyLastShutdown, strconv.FormatInt(time.Now().UnixMilli(), 10))
	e.writer.Close()
	e.log.Info().Msg("engine stopped")
}

// Strategies lists the configured instances.
func (e *Engine) Strategies() []StrategyInfo {
	out := make([]StrategyInfo, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, StrategyInfo{ID: r.ID(), Type: r.Type()})
	}
	return out
}

// DefaultStrategyID returns the first configured instance id.
func (e *Engine) DefaultStrategyID() string {
	if len(e.runners) == 0 {
		return ""
	}
	return e.runners[0].ID()
}

// Runner looks up a strategy runner by id.
func (e *Engine) Runner(id string) (*Runner, bool) {
	r, ok := e.byID[id]
	return r, ok
}

// Klines returns the last n bars for an interval from the shared buffers.
func (e *Engine) Klines(interval string, n int) []market.Bar {
	return e.buffers.Snapshot(interval, n)
}

// Symbol returns the traded symbol.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Intervals returns the subscribed intervals.
func (e *Engine) Intervals() []string { return e.cfg.Intervals }

// ConnState reports the market source connection state.
func (e *Engine) ConnState() string { return e.source.State().String() }

// Degraded reports whether gap repair has given up.
func (e *Engine) Degraded() bool { return e.source.Degraded() }

// MemoryOnly reports whether storage writes are being dropped.
func (e *Engine) MemoryOnly() bool { return e.writer.MemoryOnly() }

// Reset wipes one strategy's persisted rows and resets its in-memory
// account to the initial capital.
func (e *Engine) Reset(ctx context.Context, strategyID string) error {
	r, ok := e.byID[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy %q", strategyID)
	}
	if e.repo != nil {
		if err := e.repo.ResetStrategy(ctx, strategyID); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	r.submit(runnerMsg{reset: &resetMsg{initialCapital: e.cfg.Account.InitialCapital, done: done}})
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info().Str("strategy", strategyID).Msg("strategy reset")
	return nil
}
