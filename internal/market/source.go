package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-paper-trader/internal/logging"
)

const repairAttempts = 3

// PersistFunc persists closed bars idempotently by (symbol, interval,
// open_time).
type PersistFunc func(ctx context.Context, bars []Bar) error

// LoadRecentFunc loads up to n most recent closed bars from storage, in
// chronological order.
type LoadRecentFunc func(ctx context.Context, symbol, interval string, n int) ([]Bar, error)

// Source unifies REST warmup and the live WebSocket feed into one ordered
// bar event stream. Per interval, events for open time T are delivered
// before any event for a later open time; previews for one open time
// precede its commit.
type Source struct {
	symbol     string
	intervals  []string
	warmupBars int
	client     *Client
	stream     *Stream

	raw chan Event
	out chan Event

	mu       sync.Mutex
	lastOpen map[string]int64

	persist    PersistFunc
	loadRecent LoadRecentFunc
	onDegraded func(reason string, err error)

	degraded bool
	log      zerolog.Logger
}

// SourceOptions configures a Source.
type SourceOptions struct {
	Symbol      string
	Intervals   []string
	WarmupBars  int
	RestBaseURL string
	WSBaseURL   string
	IdleTimeout time.Duration
	Persist     PersistFunc
	LoadRecent  LoadRecentFunc
	OnDegraded  func(reason string, err error)
}

// NewSource builds a market source from options.
func NewSource(opts SourceOptions) *Source {
	s := &Source{
		symbol:     opts.Symbol,
		intervals:  opts.Intervals,
		warmupBars: opts.WarmupBars,
		client:     NewClient(opts.RestBaseURL),
		raw:        make(chan Event, 1024),
		out:        make(chan Event, 1024),
		lastOpen:   make(map[string]int64, len(opts.Intervals)),
		persist:    opts.Persist,
		loadRecent: opts.LoadRecent,
		onDegraded: opts.OnDegraded,
		log:        logging.Component("market"),
	}
	s.stream = NewStream(opts.WSBaseURL, opts.Symbol, opts.Intervals, opts.IdleTimeout, s.raw, s.repair)
	return s
}

// Events returns the ordered bar event channel.
func (s *Source) Events() <-chan Event { return s.out }

// State reports the live connection state.
func (s *Source) State() ConnState { return s.stream.State() }

// Warmup loads historical closed bars for every interval, satisfying as
// much as possible from storage before paging the exchange REST API.
// Fetched bars are persisted. Returns bars per interval in chronological
// order.
func (s *Source) Warmup(ctx context.Context) (map[string][]Bar, error) {
	result := make(map[string][]Bar, len(s.intervals))
	for _, interval := range s.intervals {
		bars, err := s.warmupInterval(ctx, interval)
		if err != nil {
			return nil, fmt.Errorf("warmup %s: %w", interval, err)
		}
		if len(bars) > 0 {
			s.setLastOpen(interval, bars[len(bars)-1].OpenTime)
		}
		s.log.Info().Str("interval", interval).Int("bars", len(bars)).Msg("warmup complete")
		result[interval] = bars
	}
	return result, nil
}

func (s *Source) warmupInterval(ctx context.Context, interval string) ([]Bar, error) {
	want := s.warmupBars

	var stored []Bar
	if s.loadRecent != nil {
		var err error
		stored, err = s.loadRecent(ctx, s.symbol, interval, want)
		if err != nil {
			s.log.Warn().Err(err).Str("interval", interval).Msg("warmup storage read failed, using exchange only")
			stored = nil
		}
	}

	var bars []Bar
	if len(stored) > 0 {
		bars = stored
		// Extend forward from the stored tail to now.
		fresh, err := s.client.KlinesRange(ctx, s.symbol, interval, stored[len(stored)-1].OpenTime, 0)
		if err != nil {
			return nil, err
		}
		bars = append(bars, fresh...)
		if err := s.persistBars(ctx, fresh); err != nil {
			return nil, err
		}
		// Back-fill before the stored head if the window is still short.
		if len(bars) < want {
			older, err := s.client.KlinesBackward(ctx, s.symbol, interval, stored[0].OpenTime-1, want-len(bars))
			if err != nil {
				return nil, err
			}
			if err := s.persistBars(ctx, older); err != nil {
				return nil, err
			}
			bars = append(older, bars...)
		}
	} else {
		fetched, err := s.client.KlinesBackward(ctx, s.symbol, interval, 0, want)
		if err != nil {
			return nil, err
		}
		if err := s.persistBars(ctx, fetched); err != nil {
			return nil, err
		}
		bars = fetched
	}

	if len(bars) > want {
		bars = bars[len(bars)-want:]
	}
	return bars, nil
}

// Run consumes the live stream until ctx is cancelled, enforcing per-
// interval ordering and tracking the last seen open time for gap repair.
func (s *Source) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.stream.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			close(s.out)
			return ctx.Err()
		case err := <-errCh:
			close(s.out)
			return err
		case ev := <-s.raw:
			if !s.admit(ev) {
				continue
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				close(s.out)
				return ctx.Err()
			}
		}
	}
}

// admit drops events that would violate per-interval ordering and records
// commit open times.
func (s *Source) admit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastOpen[ev.Bar.Interval]
	if ok && ev.Bar.OpenTime < last {
		s.log.Warn().
			Str("interval", ev.Bar.Interval).
			Int64("open_time", ev.Bar.OpenTime).
			Int64("tail", last).
			Msg("dropping stale event")
		return false
	}
	if ev.Commit || !ok || ev.Bar.OpenTime > last {
		s.lastOpen[ev.Bar.Interval] = ev.Bar.OpenTime
	}
	return true
}

func (s *Source) setLastOpen(interval string, openTime int64) {
	s.mu.Lock()
	s.lastOpen[interval] = openTime
	s.mu.Unlock()
}

// repair closes the window between the last seen open time and now for
// every interval, emitting the missed bars as commit events before live
// streaming resumes. After three failed attempts the source is marked
// degraded and streaming continues over stale state.
func (s *Source) repair(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= repairAttempts; attempt++ {
		if lastErr = s.repairOnce(ctx); lastErr == nil {
			s.setDegraded(false)
			return nil
		}
		s.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("gap repair attempt failed")
	}
	s.setDegraded(true)
	if s.onDegraded != nil {
		s.onDegraded("gap repair failed, serving stale state", lastErr)
	}
	return lastErr
}

func (s *Source) repairOnce(ctx context.Context) error {
	for _, interval := range s.intervals {
		s.mu.Lock()
		last := s.lastOpen[interval]
		s.mu.Unlock()
		if last == 0 {
			continue
		}
		missed, err := s.client.KlinesRange(ctx, s.symbol, interval, last, 0)
		if err != nil {
			return fmt.Errorf("repair %s: %w", interval, err)
		}
		if len(missed) == 0 {
			continue
		}
		if err := s.persistBars(ctx, missed); err != nil {
			return err
		}
		for _, bar := range missed {
			select {
			case s.raw <- Event{Bar: bar, Commit: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.log.Info().Str("interval", interval).Int("bars", len(missed)).Msg("gap repaired")
	}
	return nil
}

// Degraded reports whether the last gap repair gave up.
func (s *Source) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Source) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

func (s *Source) persistBars(ctx context.Context, bars []Bar) error {
	if s.persist == nil || len(bars) == 0 {
		return nil
	}
	return s.persist(ctx, bars)
}
