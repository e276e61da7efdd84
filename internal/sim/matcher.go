package sim

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/logging"
	"perp-paper-trader/internal/market"
)

const qtyEpsilon = 1e-9

// Config holds per-strategy matcher parameters.
type Config struct {
	Symbol               string
	FeeRate              float64
	Leverage             float64
	MaxPositionNotional  float64
	MaxPositionPctEquity float64
	Tiers                []config.MMRTier
	CooldownAfterStop    int
	ExecIntervalMS       int64
}

// Matcher simulates order execution for one strategy against a virtual
// account. It is owned by the strategy's goroutine and must not be shared.
//
// When a stop and a take-profit would both trigger inside one in-progress
// bar, the bar's direction decides which fires first (close >= open means
// targets first). This is a coarse approximation of intra-bar tick order.
type Matcher struct {
	strategy string
	cfg      Config

	balance        float64
	pos            *Position
	cooldownUntil  int64
	lastFundingRef int64
	mark           float64

	sink Sink
	log  zerolog.Logger
}

// NewMatcher creates a matcher with the given starting balance.
func NewMatcher(strategy string, cfg Config, initialCapital float64, sink Sink) *Matcher {
	return &Matcher{
		strategy: strategy,
		cfg:      cfg,
		balance:  initialCapital,
		sink:     sink,
		log:      logging.Component("sim").With().Str("strategy", strategy).Logger(),
	}
}

// Restore loads a persisted balance and open position after a restart. The
// engine resumes from the current live price; ticks missed while the
// process was down are not simulated.
func (m *Matcher) Restore(balance float64, pos *Position) {
	m.balance = balance
	m.pos = pos
	if pos != nil {
		m.mark = pos.EntryPrice
	}
}

// Reset returns the account to its initial state, dropping any open
// position without writing exit rows.
func (m *Matcher) Reset(initialCapital float64) {
	m.balance = initialCapital
	m.pos = nil
	m.cooldownUntil = 0
	m.lastFundingRef = 0
}

// SetMark records the latest traded price for equity computation.
func (m *Matcher) SetMark(price float64) { m.mark = price }

// Balance returns the wallet balance.
func (m *Matcher) Balance() float64 { return m.balance }

// Position returns the open position, or nil.
func (m *Matcher) Position() *Position {
	if m.pos == nil || m.pos.Status != "OPEN" {
		return nil
	}
	return m.pos
}

// InCooldown reports whether entries are still blocked at the given bar
// open time.
func (m *Matcher) InCooldown(openTime int64) bool {
	return openTime < m.cooldownUntil
}

// View builds an immutable account snapshot at the current mark price.
func (m *Matcher) View() AccountView {
	v := AccountView{
		Strategy:      m.strategy,
		Balance:       m.balance,
		Equity:        m.balance,
		FreeMargin:    m.balance,
		CooldownUntil: m.cooldownUntil,
	}
	if p := m.Position(); p != nil {
		upl := p.UPL(m.mark)
		v.UPL = upl
		v.Equity = m.balance + upl
		v.MarginUsed = p.Margin
		v.FreeMargin = v.Equity - p.Margin
		liq := p.LiqPrice
		v.LiqPrice = &liq
		v.Position = &PositionView{
			Side:       p.Side,
			Qty:        p.Qty,
			EntryPrice: p.EntryPrice,
			StopPrice:  p.StopPrice,
			TP1Price:   p.TP1Price,
			TP2Price:   p.TP2Price,
		}
	}
	return v
}

// Open fills an entry at the decision price. Sizing caps the notional at
// min(max_position_notional, balance * max_position_pct_equity * leverage);
// margin and the entry fee are deducted from the balance.
func (m *Matcher) Open(side Side, price float64, ts int64, stop, tp1, tp2 float64, reason string) error {
	if m.pos != nil && m.pos.Status == "OPEN" {
		return fmt.Errorf("%w: open with position already open", ErrInvariant)
	}
	if price <= 0 {
		return fmt.Errorf("%w: open at non-positive price", ErrInvariant)
	}

	notional := m.balance * m.cfg.MaxPositionPctEquity * m.cfg.Leverage
	if m.cfg.MaxPositionNotional > 0 && notional > m.cfg.MaxPositionNotional {
		notional = m.cfg.MaxPositionNotional
	}
	qty := notional / price
	margin := notional / m.cfg.Leverage
	fee := notional * m.cfg.FeeRate
	if qty <= 0 || margin+fee > m.balance {
		m.log.Warn().Float64("balance", m.balance).Float64("required", margin+fee).Msg("entry skipped, insufficient balance")
		return nil
	}

	pos := &Position{
		ID:         uuid.NewString(),
		Strategy:   m.strategy,
		Symbol:     m.cfg.Symbol,
		Side:       side,
		Qty:        qty,
		FullQty:    qty,
		EntryPrice: price,
		EntryTime:  ts,
		Leverage:   m.cfg.Leverage,
		Margin:     margin,
		FullMargin: margin,
		StopPrice:  stop,
		TP1Price:   tp1,
		TP2Price:   tp2,
		Status:     "OPEN",
		FeesTotal:  fee,
	}
	pos.LiqPrice = liquidationPrice(m.cfg.Tiers, side, price, qty, margin)

	m.balance -= margin + fee
	m.pos = pos
	m.mark = price

	tradeSide := "BUY"
	if side == Short {
		tradeSide = "SELL"
	}
	m.sink.OnTrade(Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Strategy:   m.strategy,
		Side:       tradeSide,
		Kind:       KindEntry,
		Price:      price,
		Qty:        qty,
		Notional:   notional,
		FeeAmount:  fee,
		FeeRate:    m.cfg.FeeRate,
		TS:         ts,
		Reason:     reason,
	})
	m.sink.OnPosition(*pos)
	m.sink.OnLedger(LedgerEntry{
		Strategy: m.strategy,
		TS:       ts,
		Type:     LedgerFee,
		Amount:   -fee,
		Ref:      pos.ID,
		Note:     "entry fee",
	})
	m.emitEquity(ts)
	m.sink.OnEvent(m.strategy, "entry")

	m.log.Info().
		Str("side", string(side)).
		Float64("price", price).
		Float64("qty", qty).
		Float64("stop", stop).
		Float64("tp1", tp1).
		Float64("tp2", tp2).
		Float64("liq", pos.LiqPrice).
		Msg("position opened")
	return nil
}

// CloseAll exits the remaining quantity at price.
func (m *Matcher) CloseAll(price float64, ts int64, reason string) error {
	p := m.Position()
	if p == nil {
		return nil
	}
	return m.closePartial(p.Qty, price, ts, reason)
}

// Manage runs preview-time position management against the in-progress
// bar: liquidation, then stop / TP1 / TP2 with the bar-direction
// tie-break. A stop-out starts the entry cooldown.
func (m *Matcher) Manage(bar market.Bar) error {
	m.mark = bar.Close
	p := m.Position()
	if p == nil {
		return nil
	}
	ts := bar.CloseTime

	if crossed(p.Side, bar, p.LiqPrice, true) {
		if err := m.closePartial(p.Qty, p.LiqPrice, ts, ReasonLiq); err != nil {
			return err
		}
		m.sink.OnEvent(m.strategy, "liq")
		return nil
	}

	stopHit := crossed(p.Side, bar, p.StopPrice, true)
	tp1Hit := !p.TP1Done && crossed(p.Side, bar, p.TP1Price, false)
	tp2Hit := crossed(p.Side, bar, p.TP2Price, false)

	// Bar direction picks the side that fires first when both ends of the
	// range were touched.
	targetsFirst := bar.Close >= bar.Open
	if stopHit && !(tp1Hit || tp2Hit) {
		return m.stopOut(bar.OpenTime, ts)
	}
	if stopHit && !targetsFirst {
		return m.stopOut(bar.OpenTime, ts)
	}

	if tp2Hit {
		return m.takeProfit2(ts)
	}
	if tp1Hit {
		if err := m.takeProfit1(ts); err != nil {
			return err
		}
	}
	if stopHit && m.Position() != nil {
		return m.stopOut(bar.OpenTime, ts)
	}
	return nil
}

// takeProfit1 closes half the full quantity at TP1 and moves the stop to
// breakeven.
func (m *Matcher) takeProfit1(ts int64) error {
	p := m.Position()
	if p == nil || p.TP1Done {
		return nil
	}
	half := p.FullQty / 2
	if half > p.Qty {
		half = p.Qty
	}
	if err := m.closePartial(half, p.TP1Price, ts, ReasonTP1); err != nil {
		return err
	}
	if p = m.Position(); p != nil {
		p.TP1Done = true
		p.StopPrice = p.EntryPrice
		m.sink.OnPosition(*p)
	}
	m.sink.OnEvent(m.strategy, "tp1")
	return nil
}

// takeProfit2 closes the remainder at TP2. When TP2 is reached before TP1
// ever filled, TP1 is booked first so both exits appear.
func (m *Matcher) takeProfit2(ts int64) error {
	p := m.Position()
	if p == nil {
		return nil
	}
	if !p.TP1Done {
		if err := m.takeProfit1(ts); err != nil {
			return err
		}
		p = m.Position()
		if p == nil {
			return nil
		}
	}
	if err := m.closePartial(p.Qty, p.TP2Price, ts, ReasonTP2); err != nil {
		return err
	}
	m.sink.OnEvent(m.strategy, "tp2")
	return nil
}

func (m *Matcher) stopOut(barOpenTime, ts int64) error {
	p := m.Position()
	if p == nil {
		return nil
	}
	if err := m.closePartial(p.Qty, p.StopPrice, ts, ReasonStop); err != nil {
		return err
	}
	m.cooldownUntil = barOpenTime + int64(m.cfg.CooldownAfterStop)*m.cfg.ExecIntervalMS
	m.sink.OnEvent(m.strategy, "exit")
	return nil
}

// closePartial exits qty at price, releasing margin pro rata and booking
// realized PnL and the exit fee.
func (m *Matcher) closePartial(qty, price float64, ts int64, reason string) error {
	p := m.Position()
	if p == nil {
		return nil
	}
	if qty <= 0 || qty > p.Qty+qtyEpsilon {
		return fmt.Errorf("%w: close qty %v of %v", ErrInvariant, qty, p.Qty)
	}
	if qty > p.Qty {
		qty = p.Qty
	}

	notional := price * qty
	fee := notional * m.cfg.FeeRate
	realized := (price - p.EntryPrice) * qty * p.Side.direction()
	marginReleased := qty / p.FullQty * p.FullMargin

	m.balance += marginReleased + realized - fee

	p.Qty -= qty
	p.Margin -= marginReleased
	p.RealizedPnL += realized
	p.FeesTotal += fee

	closed := p.Qty <= qtyEpsilon
	if closed {
		p.Qty = 0
		p.Margin = 0
		p.Status = "CLOSED"
		p.CloseTime = ts
		p.CloseReason = reason
	}

	tradeSide := "SELL"
	if p.Side == Short {
		tradeSide = "BUY"
	}
	m.sink.OnTrade(Trade{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Strategy:   m.strategy,
		Side:       tradeSide,
		Kind:       KindExit,
		Price:      price,
		Qty:        qty,
		Notional:   notional,
		FeeAmount:  fee,
		FeeRate:    m.cfg.FeeRate,
		TS:         ts,
		Reason:     reason,
	})
	m.sink.OnPosition(*p)
	m.sink.OnLedger(LedgerEntry{
		Strategy: m.strategy,
		TS:       ts,
		Type:     LedgerFee,
		Amount:   -fee,
		Ref:      p.ID,
		Note:     "exit fee",
	})
	m.sink.OnLedger(LedgerEntry{
		Strategy: m.strategy,
		TS:       ts,
		Type:     LedgerRealizedPnL,
		Amount:   realized,
		Ref:      p.ID,
		Note:     reason,
	})
	m.emitEquity(ts)
	m.sink.OnEvent(m.strategy, "trade")
	if closed {
		m.sink.OnEvent(m.strategy, "exit")
	}

	m.log.Info().
		Str("reason", reason).
		Float64("price", price).
		Float64("qty", qty).
		Float64("realized", realized).
		Bool("closed", closed).
		Msg("position reduced")
	return nil
}

// ApplyFunding applies a settled funding rate to the open position, once
// per funding timestamp. Longs pay a positive rate; shorts receive it.
func (m *Matcher) ApplyFunding(rate float64, fundingTime, ts int64) bool {
	p := m.Position()
	if p == nil || fundingTime == 0 || fundingTime <= m.lastFundingRef {
		return false
	}
	m.lastFundingRef = fundingTime

	notional := p.EntryPrice * p.Qty
	amount := -rate * notional * p.Side.direction()
	m.balance += amount

	m.sink.OnLedger(LedgerEntry{
		Strategy: m.strategy,
		TS:       ts,
		Type:     LedgerFunding,
		Amount:   amount,
		Ref:      strconv.FormatInt(fundingTime, 10),
		Note:     "funding settlement",
	})
	m.emitEquity(ts)
	return true
}

// LastFundingRef returns the funding timestamp last applied.
func (m *Matcher) LastFundingRef() int64 { return m.lastFundingRef }

func (m *Matcher) emitEquity(ts int64) {
	v := m.View()
	m.sink.OnEquity(EquitySnapshot{
		Strategy:   m.strategy,
		TS:         ts,
		Balance:    v.Balance,
		Equity:     v.Equity,
		UPL:        v.UPL,
		MarginUsed: v.MarginUsed,
		FreeMargin: v.FreeMargin,
	})
}

// crossed reports whether the bar's range touched level. below=true tests
// the adverse side (stop/liq), below=false the profit side, relative to
// the position direction.
func crossed(side Side, bar market.Bar, level float64, below bool) bool {
	if level <= 0 {
		return false
	}
	if side == Long {
		if below {
			return bar.Low <= level
		}
		return bar.High >= level
	}
	if below {
		return bar.High >= level
	}
	return bar.Low <= level
}
