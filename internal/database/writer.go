package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"perp-paper-trader/internal/logging"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
)

const writerQueueSize = 4096

// Writer serializes all storage writes behind one goroutine. Each write is
// retried with bounded backoff; after a persistent failure the writer
// degrades to memory-only mode, drops further writes, and reports once.
// Dropped writes are not replayed when storage recovers.
type Writer struct {
	repo *Repository

	queue chan writeOp
	wg    sync.WaitGroup

	memoryOnly atomic.Bool
	onDegraded func(err error)
	log        zerolog.Logger
}

type writeOp struct {
	name string
	fn   func(ctx context.Context) error
}

// NewWriter creates a writer over repo. A nil repo starts in memory-only
// mode. onDegraded fires once when the writer gives up on storage.
func NewWriter(repo *Repository, onDegraded func(err error)) *Writer {
	w := &Writer{
		repo:       repo,
		queue:      make(chan writeOp, writerQueueSize),
		onDegraded: onDegraded,
		log:        logging.Component("writer"),
	}
	if repo == nil {
		w.memoryOnly.Store(true)
	}
	return w
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for op := range w.queue {
			w.execute(op)
		}
	}()
}

// Close drains the queue and stops the writer.
func (w *Writer) Close() {
	close(w.queue)
	w.wg.Wait()
}

// MemoryOnly reports whether storage writes are being dropped.
func (w *Writer) MemoryOnly() bool { return w.memoryOnly.Load() }

func (w *Writer) enqueue(name string, fn func(ctx context.Context) error) {
	if w.memoryOnly.Load() {
		return
	}
	select {
	case w.queue <- writeOp{name: name, fn: fn}:
	default:
		w.log.Warn().Str("op", name).Msg("writer queue full, dropping write")
	}
}

func (w *Writer) execute(op writeOp) {
	if w.memoryOnly.Load() {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.RetryNotify(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return op.fn(ctx)
	}, bo, func(err error, wait time.Duration) {
		w.log.Warn().Err(err).Str("op", op.name).Dur("retry_in", wait).Msg("storage write failed")
	})
	if err != nil {
		w.log.Error().Err(err).Str("op", op.name).Msg("storage unavailable, continuing memory-only")
		w.memoryOnly.Store(true)
		if w.onDegraded != nil {
			w.onDegraded(err)
		}
	}
}

// WriteBars enqueues a bar upsert.
func (w *Writer) WriteBars(bars []market.Bar) {
	if len(bars) == 0 {
		return
	}
	cp := make([]market.Bar, len(bars))
	copy(cp, bars)
	w.enqueue("bars", func(ctx context.Context) error {
		return w.repo.UpsertBars(ctx, cp)
	})
}

// WriteTrade enqueues a trade append.
func (w *Writer) WriteTrade(t sim.Trade) {
	w.enqueue("trade", func(ctx context.Context) error {
		return w.repo.InsertTrade(ctx, t)
	})
}

// WritePosition enqueues a position upsert.
func (w *Writer) WritePosition(p sim.Position) {
	w.enqueue("position", func(ctx context.Context) error {
		return w.repo.UpsertPosition(ctx, p)
	})
}

// WriteLedger enqueues a ledger append.
func (w *Writer) WriteLedger(e sim.LedgerEntry) {
	w.enqueue("ledger", func(ctx context.Context) error {
		return w.repo.InsertLedger(ctx, e)
	})
}

// WriteEquity enqueues an equity snapshot append.
func (w *Writer) WriteEquity(s sim.EquitySnapshot) {
	w.enqueue("equity", func(ctx context.Context) error {
		return w.repo.InsertEquity(ctx, s)
	})
}

// WriteAlert enqueues an alert row.
func (w *Writer) WriteAlert(tsMS int64, strategy, channel, level, message, dedupKey string) {
	w.enqueue("alert", func(ctx context.Context) error {
		return w.repo.InsertAlert(ctx, tsMS, strategy, channel, level, message, dedupKey)
	})
}

// WriteState enqueues an app_state upsert.
func (w *Writer) WriteState(key, value string) {
	w.enqueue("state", func(ctx context.Context) error {
		return w.repo.SetState(ctx, key, value)
	})
}
