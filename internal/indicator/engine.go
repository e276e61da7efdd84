package indicator

import (
	"sync"

	"perp-paper-trader/internal/market"
)

// Config holds the indicator lengths for one engine instance.
type Config struct {
	EMAFast    int
	EMASlow    int
	RSILength  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATRLength  int
}

// Snapshot is the indicator set for one bar. Slopes are measured against
// the previous committed snapshot, also in preview mode.
type Snapshot struct {
	OpenTime   int64   `json:"open_time"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATR        float64 `json:"atr"`
	Slope      Slopes  `json:"slope"`
	Ready      bool    `json:"ready"`
	Preview    bool    `json:"preview"`
}

// Slopes holds per-field deltas versus the last committed snapshot.
type Slopes struct {
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATR        float64 `json:"atr"`
}

// Engine computes EMA/RSI/MACD/ATR incrementally for one
// (strategy, interval) pair. Commit advances persistent state; Preview
// copies it, applies one step, and discards the copy, so previews are pure
// and restartable. Commit and Preview must be called from the owning
// goroutine; reads are safe from anywhere.
type Engine struct {
	cfg Config

	mu         sync.RWMutex
	st         state
	hasLast    bool
	last       Snapshot
	history    []Snapshot
	historyCap int
}

// New creates an engine retaining up to historyCap committed snapshots.
func New(cfg Config, historyCap int) *Engine {
	if historyCap < 2 {
		historyCap = 2
	}
	return &Engine{cfg: cfg, historyCap: historyCap}
}

// SeedFromBars commits every warmup bar in order.
func (e *Engine) SeedFromBars(bars []market.Bar) {
	for _, b := range bars {
		e.Commit(b)
	}
}

// Commit advances the engine with a closed bar and appends the resulting
// snapshot to history.
func (e *Engine) Commit(bar market.Bar) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.step(e.cfg, bar)
	snap := e.st.snapshot(bar.OpenTime)
	if e.hasLast {
		snap.Slope = slopes(snap, e.last)
	}
	e.last = snap
	e.hasLast = true
	e.history = append(e.history, snap)
	if len(e.history) > e.historyCap {
		e.history = e.history[1:]
	}
	return snap
}

// Preview returns the snapshot the engine would commit if the open bar
// closed at its current price, without mutating committed state.
func (e *Engine) Preview(bar market.Bar) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.st
	st.step(e.cfg, bar)
	snap := st.snapshot(bar.OpenTime)
	snap.Preview = true
	if e.hasLast {
		snap.Slope = slopes(snap, e.last)
	}
	return snap
}

// Last returns the most recent committed snapshot.
func (e *Engine) Last() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.hasLast
}

// History returns up to n most recent committed snapshots, oldest first.
func (e *Engine) History(n int) []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start := len(e.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]Snapshot, len(e.history)-start)
	copy(out, e.history[start:])
	return out
}

func slopes(now, prev Snapshot) Slopes {
	return Slopes{
		EMAFast:    now.EMAFast - prev.EMAFast,
		EMASlow:    now.EMASlow - prev.EMASlow,
		RSI:        now.RSI - prev.RSI,
		MACD:       now.MACD - prev.MACD,
		MACDSignal: now.MACDSignal - prev.MACDSignal,
		MACDHist:   now.MACDHist - prev.MACDHist,
		ATR:        now.ATR - prev.ATR,
	}
}

// state is the full incremental indicator state. It contains only value
// types so a plain assignment yields an independent copy for previews.
type state struct {
	emaFast ema
	emaSlow ema

	macdFast   ema
	macdSlow   ema
	macdSignal signalEMA

	rsi rsiState
	atr atrState

	prevClose    float64
	hasPrevClose bool
}

func (s *state) step(cfg Config, bar market.Bar) {
	px := bar.Close

	s.emaFast.step(cfg.EMAFast, px)
	s.emaSlow.step(cfg.EMASlow, px)

	s.macdFast.step(cfg.MACDFast, px)
	s.macdSlow.step(cfg.MACDSlow, px)
	if s.macdFast.ready && s.macdSlow.ready {
		s.macdSignal.step(cfg.MACDSignal, s.macdFast.value-s.macdSlow.value)
	}

	if s.hasPrevClose {
		s.rsi.step(cfg.RSILength, px-s.prevClose)
		tr := trueRange(bar.High, bar.Low, s.prevClose)
		s.atr.step(cfg.ATRLength, tr)
	} else {
		s.atr.step(cfg.ATRLength, bar.High-bar.Low)
	}

	s.prevClose = px
	s.hasPrevClose = true
}

func (s *state) snapshot(openTime int64) Snapshot {
	snap := Snapshot{
		OpenTime: openTime,
		EMAFast:  s.emaFast.value,
		EMASlow:  s.emaSlow.value,
		RSI:      s.rsi.value(),
		ATR:      s.atr.value,
	}
	if s.macdFast.ready && s.macdSlow.ready {
		snap.MACD = s.macdFast.value - s.macdSlow.value
		snap.MACDSignal = s.macdSignal.value
		snap.MACDHist = snap.MACD - snap.MACDSignal
	}
	snap.Ready = s.emaFast.ready && s.emaSlow.ready && s.rsi.ready &&
		s.macdSignal.ready && s.atr.ready
	return snap
}

// ema is an EMA seeded with the simple average of its first n inputs.
type ema struct {
	count int
	sum   float64
	value float64
	ready bool
}

func (e *ema) step(n int, p float64) {
	if !e.ready {
		e.count++
		e.sum += p
		if e.count >= n {
			e.value = e.sum / float64(n)
			e.ready = true
		}
		return
	}
	alpha := 2.0 / (float64(n) + 1)
	e.value = alpha*p + (1-alpha)*e.value
}

// signalEMA seeds at its first input instead of a simple average, since the
// MACD line only exists once both underlying EMAs are ready.
type signalEMA struct {
	value float64
	ready bool
}

func (e *signalEMA) step(n int, p float64) {
	if !e.ready {
		e.value = p
		e.ready = true
		return
	}
	alpha := 2.0 / (float64(n) + 1)
	e.value = alpha*p + (1-alpha)*e.value
}

// rsiState holds Wilder-smoothed average gain/loss, seeded with the simple
// average of the first n deltas.
type rsiState struct {
	count   int
	gainSum float64
	lossSum float64
	avgGain float64
	avgLoss float64
	ready   bool
}

func (r *rsiState) step(n int, delta float64) {
	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	if !r.ready {
		r.count++
		r.gainSum += gain
		r.lossSum += loss
		if r.count >= n {
			r.avgGain = r.gainSum / float64(n)
			r.avgLoss = r.lossSum / float64(n)
			r.ready = true
		}
		return
	}
	fn := float64(n)
	r.avgGain = (r.avgGain*(fn-1) + gain) / fn
	r.avgLoss = (r.avgLoss*(fn-1) + loss) / fn
}

func (r *rsiState) value() float64 {
	if !r.ready {
		return 0
	}
	if r.avgLoss == 0 {
		return 100
	}
	if r.avgGain == 0 {
		return 0
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// atrState is a Wilder-smoothed true range seeded with the simple mean of
// the first n TRs.
type atrState struct {
	count int
	sum   float64
	value float64
	ready bool
}

func (a *atrState) step(n int, tr float64) {
	if !a.ready {
		a.count++
		a.sum += tr
		if a.count >= n {
			a.value = a.sum / float64(n)
			a.ready = true
		}
		return
	}
	fn := float64(n)
	a.value = (a.value*(fn-1) + tr) / fn
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := abs(high - prevClose); d > tr {
		tr = d
	}
	if d := abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
