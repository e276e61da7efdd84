package strategy

import (
	"fmt"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/sim"
)

func init() {
	Register("rsi_reversion", newRSIReversion)
}

// rsiReversion fades RSI extremes on the execution timeframe: long below
// the oversold line, short above the overbought line, with a percent stop
// and a fixed reward ratio. The position is flattened as soon as RSI
// re-crosses the midline, also on previews.
type rsiReversion struct {
	id           string
	execInterval string

	oversold   float64
	overbought float64
	stopPct    float64
	rewardMult float64

	checklist []Condition
}

func newRSIReversion(id string, cfg *config.Config, params map[string]float64) (Strategy, error) {
	s := &rsiReversion{
		id:           id,
		execInterval: cfg.Strategy.ExecInterval,
		oversold:     paramFloat(params, "oversold", 30),
		overbought:   paramFloat(params, "overbought", 70),
		stopPct:      paramFloat(params, "stop_pct", 0.01),
		rewardMult:   paramFloat(params, "reward_mult", 1.5),
	}
	if s.stopPct <= 0 {
		return nil, fmt.Errorf("stop_pct must be positive")
	}
	return s, nil
}

func (s *rsiReversion) ID() string           { return s.id }
func (s *rsiReversion) Type() string         { return "rsi_reversion" }
func (s *rsiReversion) ExecInterval() string { return s.execInterval }

func (s *rsiReversion) Checklist() []Condition { return s.checklist }

func (s *rsiReversion) OnBarCommit(ctx *Context) *Intent {
	if ctx.Interval != s.execInterval || !ctx.Snapshot.Ready {
		return nil
	}
	rsi := ctx.Snapshot.RSI

	longOK := rsi <= s.oversold && !ctx.HasPosition() && !ctx.InCooldown
	shortOK := rsi >= s.overbought && !ctx.HasPosition() && !ctx.InCooldown
	s.publish(ctx, rsi, longOK, shortOK)

	if ctx.HasPosition() {
		return s.midlineExit(ctx, rsi)
	}

	entry := ctx.Bar.Close
	if longOK {
		stop := entry * (1 - s.stopPct)
		r := entry - stop
		return &Intent{
			Action: ActionOpenLong,
			Stop:   stop,
			TP1:    entry + s.rewardMult*r,
			TP2:    entry + 2*s.rewardMult*r,
			Reason: "rsi_oversold",
		}
	}
	if shortOK {
		stop := entry * (1 + s.stopPct)
		r := stop - entry
		return &Intent{
			Action: ActionOpenShort,
			Stop:   stop,
			TP1:    entry - s.rewardMult*r,
			TP2:    entry - 2*s.rewardMult*r,
			Reason: "rsi_overbought",
		}
	}
	return nil
}

func (s *rsiReversion) OnBarPreview(ctx *Context) *Intent {
	if ctx.Interval != s.execInterval || !ctx.Snapshot.Ready {
		return nil
	}
	rsi := ctx.Snapshot.RSI
	s.publish(ctx, rsi, false, false)
	if ctx.HasPosition() {
		return s.midlineExit(ctx, rsi)
	}
	return nil
}

// midlineExit closes the position once the reversion played out.
func (s *rsiReversion) midlineExit(ctx *Context, rsi float64) *Intent {
	pos := ctx.Account.Position
	if (pos.Side == sim.Long && rsi >= 50) || (pos.Side == sim.Short && rsi <= 50) {
		return &Intent{Action: ActionClose, Reason: "reversion_done"}
	}
	return nil
}

func (s *rsiReversion) publish(ctx *Context, rsi float64, longOK, shortOK bool) {
	s.checklist = []Condition{
		{Name: "indicators_ready", OK: ctx.Snapshot.Ready},
		{Name: "rsi_oversold", OK: rsi <= s.oversold, Detail: fmt.Sprintf("rsi=%.1f", rsi)},
		{Name: "rsi_overbought", OK: rsi >= s.overbought},
		{Name: "no_position", OK: !ctx.HasPosition()},
		{Name: "cooldown_over", OK: !ctx.InCooldown},
		{Name: "long_ok", OK: longOK},
		{Name: "short_ok", OK: shortOK},
	}
}
