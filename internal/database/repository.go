package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
)

// Repository exposes the row contract of the engine over a DB handle. All
// writes are idempotent by natural keys so replays after restarts or gap
// repairs create no duplicates.
type Repository struct {
	db *DB
}

// NewRepository wraps a DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// UpsertBars writes closed bars keyed by (symbol, interval, open_time).
func (r *Repository) UpsertBars(ctx context.Context, bars []market.Bar) error {
	for _, b := range bars {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, origin)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
				close_time = EXCLUDED.close_time,
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				trade_count = EXCLUDED.trade_count,
				origin = EXCLUDED.origin`,
			b.Symbol, b.Interval, b.OpenTime, b.CloseTime,
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, string(b.Origin),
		)
		if err != nil {
			return fmt.Errorf("upsert bar %s/%s/%d: %w", b.Symbol, b.Interval, b.OpenTime, err)
		}
	}
	return nil
}

// LoadRecentBars returns up to n most recent bars in chronological order.
func (r *Repository) LoadRecentBars(ctx context.Context, symbol, interval string, n int) ([]market.Bar, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, origin
		FROM klines WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC LIMIT $3`, symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	defer rows.Close()

	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		var origin string
		if err := rows.Scan(&b.Symbol, &b.Interval, &b.OpenTime, &b.CloseTime,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount, &origin); err != nil {
			return nil, err
		}
		b.Closed = true
		b.Origin = market.Origin(origin)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpsertPosition inserts a position on entry and updates it on every
// mutation.
func (r *Repository) UpsertPosition(ctx context.Context, p sim.Position) error {
	var closeTime *int64
	var closeReason *string
	if p.Status == "CLOSED" {
		closeTime = &p.CloseTime
		closeReason = &p.CloseReason
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (position_id, strategy, symbol, side, qty, full_qty, entry_price, entry_time_ms,
			leverage, margin, full_margin, stop_price, tp1_price, tp2_price, tp1_done, status,
			realized_pnl, fees_total, liq_price, close_time_ms, close_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (position_id) DO UPDATE SET
			qty = EXCLUDED.qty,
			margin = EXCLUDED.margin,
			stop_price = EXCLUDED.stop_price,
			tp1_done = EXCLUDED.tp1_done,
			status = EXCLUDED.status,
			realized_pnl = EXCLUDED.realized_pnl,
			fees_total = EXCLUDED.fees_total,
			liq_price = EXCLUDED.liq_price,
			close_time_ms = EXCLUDED.close_time_ms,
			close_reason = EXCLUDED.close_reason`,
		p.ID, p.Strategy, p.Symbol, string(p.Side), p.Qty, p.FullQty, p.EntryPrice, p.EntryTime,
		p.Leverage, p.Margin, p.FullMargin, p.StopPrice, p.TP1Price, p.TP2Price, p.TP1Done, p.Status,
		p.RealizedPnL, p.FeesTotal, p.LiqPrice, closeTime, closeReason,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.ID, err)
	}
	return nil
}

// LoadOpenPositions returns every OPEN position for restart recovery.
func (r *Repository) LoadOpenPositions(ctx context.Context) ([]sim.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT position_id, strategy, symbol, side, qty, full_qty, entry_price, entry_time_ms,
			leverage, margin, full_margin, stop_price, tp1_price, tp2_price, tp1_done, status,
			realized_pnl, fees_total, liq_price
		FROM positions WHERE status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	defer rows.Close()

	var out []sim.Position
	for rows.Next() {
		var p sim.Position
		var side string
		if err := rows.Scan(&p.ID, &p.Strategy, &p.Symbol, &side, &p.Qty, &p.FullQty, &p.EntryPrice,
			&p.EntryTime, &p.Leverage, &p.Margin, &p.FullMargin, &p.StopPrice, &p.TP1Price,
			&p.TP2Price, &p.TP1Done, &p.Status, &p.RealizedPnL, &p.FeesTotal, &p.LiqPrice); err != nil {
			return nil, err
		}
		p.Side = sim.Side(side)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTrade appends one fill; replays are no-ops.
func (r *Repository) InsertTrade(ctx context.Context, t sim.Trade) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trades (trade_id, position_id, strategy, side, kind, price, qty, notional, fee_amount, fee_rate, ts_ms, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (trade_id) DO NOTHING`,
		t.ID, t.PositionID, t.Strategy, t.Side, string(t.Kind), t.Price, t.Qty,
		t.Notional, t.FeeAmount, t.FeeRate, t.TS, t.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// InsertLedger appends one balance change.
func (r *Repository) InsertLedger(ctx context.Context, e sim.LedgerEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO ledger (strategy, ts_ms, type, amount, ref, note)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Strategy, e.TS, e.Type, e.Amount, e.Ref, e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// InsertEquity appends one equity curve point.
func (r *Repository) InsertEquity(ctx context.Context, s sim.EquitySnapshot) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO equity_snapshots (strategy, ts_ms, balance, equity, upl, margin_used, free_margin)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.Strategy, s.TS, s.Balance, s.Equity, s.UPL, s.MarginUsed, s.FreeMargin,
	)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// LatestEquity returns the newest equity snapshot for a strategy, or nil.
func (r *Repository) LatestEquity(ctx context.Context, strategy string) (*sim.EquitySnapshot, error) {
	var s sim.EquitySnapshot
	err := r.db.Pool.QueryRow(ctx, `
		SELECT strategy, ts_ms, balance, equity, upl, margin_used, free_margin
		FROM equity_snapshots WHERE strategy = $1
		ORDER BY ts_ms DESC, id DESC LIMIT 1`, strategy).
		Scan(&s.Strategy, &s.TS, &s.Balance, &s.Equity, &s.UPL, &s.MarginUsed, &s.FreeMargin)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest equity: %w", err)
	}
	return &s, nil
}

// Trades returns a newest-first page of fills for a strategy.
func (r *Repository) Trades(ctx context.Context, strategy string, limit, offset int) ([]sim.Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT trade_id, position_id, strategy, side, kind, price, qty, notional, fee_amount, fee_rate, ts_ms, reason
		FROM trades WHERE strategy = $1
		ORDER BY ts_ms DESC, trade_id DESC LIMIT $2 OFFSET $3`, strategy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var out []sim.Trade
	for rows.Next() {
		var t sim.Trade
		var kind string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Strategy, &t.Side, &kind, &t.Price, &t.Qty,
			&t.Notional, &t.FeeAmount, &t.FeeRate, &t.TS, &t.Reason); err != nil {
			return nil, err
		}
		t.Kind = sim.TradeKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ledger returns a newest-first page of balance changes for a strategy.
func (r *Repository) Ledger(ctx context.Context, strategy string, limit, offset int) ([]sim.LedgerEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy, ts_ms, type, amount, COALESCE(ref, ''), COALESCE(note, '')
		FROM ledger WHERE strategy = $1
		ORDER BY ts_ms DESC, id DESC LIMIT $2 OFFSET $3`, strategy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []sim.LedgerEntry
	for rows.Next() {
		var e sim.LedgerEntry
		if err := rows.Scan(&e.Strategy, &e.TS, &e.Type, &e.Amount, &e.Ref, &e.Note); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Equity returns a newest-first page of equity snapshots for a strategy.
func (r *Repository) Equity(ctx context.Context, strategy string, limit, offset int) ([]sim.EquitySnapshot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy, ts_ms, balance, equity, upl, margin_used, free_margin
		FROM equity_snapshots WHERE strategy = $1
		ORDER BY ts_ms DESC, id DESC LIMIT $2 OFFSET $3`, strategy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load equity: %w", err)
	}
	defer rows.Close()

	var out []sim.EquitySnapshot
	for rows.Next() {
		var s sim.EquitySnapshot
		if err := rows.Scan(&s.Strategy, &s.TS, &s.Balance, &s.Equity, &s.UPL, &s.MarginUsed, &s.FreeMargin); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertAlert persists one alert row.
func (r *Repository) InsertAlert(ctx context.Context, tsMS int64, strategy, channel, level, message, dedupKey string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO alerts (ts_ms, strategy, channel, level, message, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		tsMS, strategy, channel, level, message, dedupKey,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ResetStrategy deletes trades, ledger, equity snapshots and positions of
// one strategy in a single transaction.
func (r *Repository) ResetStrategy(ctx context.Context, strategy string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM trades WHERE strategy = $1`,
		`DELETE FROM ledger WHERE strategy = $1`,
		`DELETE FROM equity_snapshots WHERE strategy = $1`,
		`DELETE FROM positions WHERE strategy = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, strategy); err != nil {
			return fmt.Errorf("reset %s: %w", strategy, err)
		}
	}
	return tx.Commit(ctx)
}

// SetState stores one app_state key.
func (r *Repository) SetState(ctx context.Context, key, value string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO app_state (key, value, updated_at_ms) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at_ms = EXCLUDED.updated_at_ms`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads one app_state key; ok is false when absent.
func (r *Repository) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.db.Pool.QueryRow(ctx, `SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// SetStateInt stores an integer app_state value.
func (r *Repository) SetStateInt(ctx context.Context, key string, v int64) error {
	return r.SetState(ctx, key, strconv.FormatInt(v, 10))
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
