package strategy

import (
	"fmt"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/sim"
)

func init() {
	Register("ma_cross", newMACross)
}

// maCross enters on a fast/slow EMA crossover on the execution timeframe,
// filtered by the higher-timeframe RSI, and exits when the cross flips
// back.
type maCross struct {
	id string

	trendInterval string
	execInterval  string
	atrStopMult   float64

	trendRSI    float64
	hasTrendRSI bool

	prevDiff    float64
	hasPrevDiff bool

	checklist []Condition
}

func newMACross(id string, cfg *config.Config, params map[string]float64) (Strategy, error) {
	return &maCross{
		id:            id,
		trendInterval: cfg.Strategy.TrendInterval,
		execInterval:  cfg.Strategy.ExecInterval,
		atrStopMult:   paramFloat(params, "atr_stop_mult", cfg.Strategy.ATRStopMult),
	}, nil
}

func (s *maCross) ID() string           { return s.id }
func (s *maCross) Type() string         { return "ma_cross" }
func (s *maCross) ExecInterval() string { return s.execInterval }

func (s *maCross) Checklist() []Condition { return s.checklist }

func (s *maCross) OnBarCommit(ctx *Context) *Intent {
	if ctx.Interval == s.trendInterval {
		if ctx.Snapshot.Ready {
			s.trendRSI = ctx.Snapshot.RSI
			s.hasTrendRSI = true
		}
		return nil
	}
	if ctx.Interval != s.execInterval || !ctx.Snapshot.Ready {
		return nil
	}

	diff := ctx.Snapshot.EMAFast - ctx.Snapshot.EMASlow
	crossedUp := s.hasPrevDiff && s.prevDiff <= 0 && diff > 0
	crossedDown := s.hasPrevDiff && s.prevDiff >= 0 && diff < 0
	s.prevDiff = diff
	s.hasPrevDiff = true

	longOK := crossedUp && s.hasTrendRSI && s.trendRSI > 50 &&
		!ctx.HasPosition() && !ctx.InCooldown
	shortOK := crossedDown && s.hasTrendRSI && s.trendRSI < 50 &&
		!ctx.HasPosition() && !ctx.InCooldown

	s.checklist = []Condition{
		{Name: "indicators_ready", OK: true},
		{Name: "crossed_up", OK: crossedUp},
		{Name: "crossed_down", OK: crossedDown},
		{Name: "trend_rsi_filter", OK: s.hasTrendRSI, Detail: fmt.Sprintf("rsi=%.1f", s.trendRSI)},
		{Name: "no_position", OK: !ctx.HasPosition()},
		{Name: "cooldown_over", OK: !ctx.InCooldown},
		{Name: "long_ok", OK: longOK},
		{Name: "short_ok", OK: shortOK},
	}

	// The flip also serves as the exit for an open position.
	if ctx.HasPosition() {
		pos := ctx.Account.Position
		if (pos.Side == sim.Long && crossedDown) || (pos.Side == sim.Short && crossedUp) {
			return &Intent{Action: ActionClose, Reason: sim.ReasonTrendFail}
		}
		return nil
	}

	entry := ctx.Bar.Close
	atr := ctx.Snapshot.ATR
	if longOK {
		stop := entry - s.atrStopMult*atr
		if stop >= entry {
			return nil
		}
		r := entry - stop
		return &Intent{Action: ActionOpenLong, Stop: stop, TP1: entry + r, TP2: entry + 2*r, Reason: "ma_cross_long"}
	}
	if shortOK {
		stop := entry + s.atrStopMult*atr
		if stop <= entry {
			return nil
		}
		r := stop - entry
		return &Intent{Action: ActionOpenShort, Stop: stop, TP1: entry - r, TP2: entry - 2*r, Reason: "ma_cross_short"}
	}
	return nil
}

func (s *maCross) OnBarPreview(ctx *Context) *Intent { return nil }
