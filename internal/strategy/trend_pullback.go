package strategy

import (
	"fmt"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/sim"
)

func init() {
	Register("trend_pullback", newTrendPullback)
}

// trendPullback is the reference strategy: a higher-timeframe trend filter
// gates pullback entries on the execution timeframe. Targets sit at 1R and
// 2R from a structural-or-ATR stop, whichever is wider.
type trendPullback struct {
	id string

	trendInterval string
	execInterval  string

	trendStrengthMin   float64
	atrStopMult        float64
	structuralLookback int
	rsiLongLo          float64
	rsiLongHi          float64
	rsiShortLo         float64
	rsiShortHi         float64
	rsiSlopeRequired   bool

	permitLong  bool
	permitShort bool

	checklist []Condition
}

func newTrendPullback(id string, cfg *config.Config, params map[string]float64) (Strategy, error) {
	sc := cfg.Strategy
	s := &trendPullback{
		id:                 id,
		trendInterval:      sc.TrendInterval,
		execInterval:       sc.ExecInterval,
		trendStrengthMin:   paramFloat(params, "trend_strength_min", sc.TrendStrengthMin),
		atrStopMult:        paramFloat(params, "atr_stop_mult", sc.ATRStopMult),
		structuralLookback: paramInt(params, "structural_lookback", sc.StructuralLookback),
		rsiLongLo:          paramFloat(params, "rsi_long_lo", sc.RSILongLo),
		rsiLongHi:          paramFloat(params, "rsi_long_hi", sc.RSILongHi),
		rsiShortLo:         paramFloat(params, "rsi_short_lo", sc.RSIShortLo),
		rsiShortHi:         paramFloat(params, "rsi_short_hi", sc.RSIShortHi),
		rsiSlopeRequired:   paramBool(params, "rsi_slope_required", sc.RSISlopeRequired),
	}
	if s.structuralLookback < 1 {
		return nil, fmt.Errorf("structural_lookback must be >= 1")
	}
	return s, nil
}

func (s *trendPullback) ID() string           { return s.id }
func (s *trendPullback) Type() string         { return "trend_pullback" }
func (s *trendPullback) ExecInterval() string { return s.execInterval }

func (s *trendPullback) Checklist() []Condition { return s.checklist }

func (s *trendPullback) OnBarCommit(ctx *Context) *Intent {
	switch ctx.Interval {
	case s.trendInterval:
		s.updateTrendFilter(ctx)
		return nil
	case s.execInterval:
		if ctx.HasPosition() {
			return s.trendFailureExit(ctx)
		}
		return s.tryEnter(ctx)
	default:
		return nil
	}
}

func (s *trendPullback) OnBarPreview(ctx *Context) *Intent {
	if ctx.Interval == s.execInterval {
		s.buildChecklist(ctx, true)
	}
	// Stop/TP/liquidation management runs in the matcher; previews never
	// open positions here.
	return nil
}

// updateTrendFilter caches direction permissions from the higher timeframe.
func (s *trendPullback) updateTrendFilter(ctx *Context) {
	snap := ctx.Snapshot
	if !snap.Ready {
		s.permitLong, s.permitShort = false, false
		return
	}
	c := ctx.Bar.Close
	strength := 0.0
	if c != 0 {
		strength = absf(snap.EMAFast-snap.EMASlow) / c
	}
	s.permitLong = c > snap.EMASlow && snap.EMAFast > snap.EMASlow &&
		snap.RSI > 50 && strength >= s.trendStrengthMin
	s.permitShort = c < snap.EMASlow && snap.EMAFast < snap.EMASlow &&
		snap.RSI < 50 && strength >= s.trendStrengthMin
}

// trendFailureExit closes the remaining position when the execution
// timeframe turns against it. Runs on commits only and never starts the
// stop cooldown.
func (s *trendPullback) trendFailureExit(ctx *Context) *Intent {
	snap := ctx.Snapshot
	if !snap.Ready {
		return nil
	}
	pos := ctx.Account.Position
	switch pos.Side {
	case sim.Long:
		if ctx.Bar.Close < snap.EMAFast && snap.RSI < 50 {
			return &Intent{Action: ActionClose, Reason: sim.ReasonTrendFail}
		}
	case sim.Short:
		if ctx.Bar.Close > snap.EMAFast && snap.RSI > 50 {
			return &Intent{Action: ActionClose, Reason: sim.ReasonTrendFail}
		}
	}
	return nil
}

func (s *trendPullback) tryEnter(ctx *Context) *Intent {
	conds := s.buildChecklist(ctx, false)
	longOK := conds.longOK
	shortOK := conds.shortOK

	if !longOK && !shortOK {
		return nil
	}

	entry := ctx.Bar.Close
	snap := ctx.Snapshot
	bars := ctx.Market.LastClosed(s.execInterval, s.structuralLookback)

	if longOK {
		stop := entry - s.atrStopMult*snap.ATR
		if structural, ok := swingLow(bars); ok && structural < stop {
			stop = structural
		}
		if stop >= entry {
			return nil
		}
		r := entry - stop
		return &Intent{
			Action: ActionOpenLong,
			Stop:   stop,
			TP1:    entry + r,
			TP2:    entry + 2*r,
			Reason: "pullback_long",
		}
	}

	stop := entry + s.atrStopMult*snap.ATR
	if structural, ok := swingHigh(bars); ok && structural > stop {
		stop = structural
	}
	if stop <= entry {
		return nil
	}
	r := stop - entry
	return &Intent{
		Action: ActionOpenShort,
		Stop:   stop,
		TP1:    entry - r,
		TP2:    entry - 2*r,
		Reason: "pullback_short",
	}
}

type checklistResult struct {
	longOK  bool
	shortOK bool
}

// buildChecklist evaluates every entry clause, publishes the result for
// the UI, and returns the aggregate per side. On previews the snapshot is
// transient; history holds the committed series for the histogram check.
func (s *trendPullback) buildChecklist(ctx *Context, preview bool) checklistResult {
	snap := ctx.Snapshot
	bar := ctx.Bar

	var histPrev, histPrev2 []indicator.Snapshot
	if preview {
		h := ctx.Market.IndicatorHistory(s.execInterval, 2)
		histPrev, histPrev2 = tailPair(h)
	} else {
		h := ctx.Market.IndicatorHistory(s.execInterval, 3)
		if len(h) > 0 {
			h = h[:len(h)-1] // current commit is the history tail
		}
		histPrev, histPrev2 = tailPair(h)
	}
	histRising := len(histPrev) == 1 && len(histPrev2) == 1 &&
		snap.MACDHist > histPrev[0].MACDHist && histPrev[0].MACDHist > histPrev2[0].MACDHist
	histFalling := len(histPrev) == 1 && len(histPrev2) == 1 &&
		snap.MACDHist < histPrev[0].MACDHist && histPrev[0].MACDHist < histPrev2[0].MACDHist

	noPosition := !ctx.HasPosition()
	cooldownOver := !ctx.InCooldown

	longPullback := bar.Low <= snap.EMAFast
	longAboveSlow := bar.Close > snap.EMASlow
	longRSIBand := snap.RSI >= s.rsiLongLo && snap.RSI <= s.rsiLongHi
	longRSISlope := !s.rsiSlopeRequired || snap.Slope.RSI > 0

	shortPullback := bar.High >= snap.EMAFast
	shortBelowSlow := bar.Close < snap.EMASlow
	shortRSIBand := snap.RSI >= s.rsiShortLo && snap.RSI <= s.rsiShortHi
	shortRSISlope := !s.rsiSlopeRequired || snap.Slope.RSI < 0
	shortNotOversold := snap.RSI >= s.rsiShortLo

	longOK := snap.Ready && noPosition && cooldownOver && s.permitLong &&
		longPullback && longAboveSlow && longRSIBand && longRSISlope && histRising
	shortOK := snap.Ready && noPosition && cooldownOver && s.permitShort &&
		shortPullback && shortBelowSlow && shortRSIBand && shortRSISlope &&
		histFalling && shortNotOversold

	s.checklist = []Condition{
		{Name: "indicators_ready", OK: snap.Ready},
		{Name: "no_position", OK: noPosition},
		{Name: "cooldown_over", OK: cooldownOver},
		{Name: "trend_permits_long", OK: s.permitLong},
		{Name: "trend_permits_short", OK: s.permitShort},
		{Name: "long_pullback_to_ema_fast", OK: longPullback},
		{Name: "long_close_above_ema_slow", OK: longAboveSlow},
		{Name: "long_rsi_in_band", OK: longRSIBand, Detail: fmt.Sprintf("rsi=%.1f", snap.RSI)},
		{Name: "long_rsi_slope", OK: longRSISlope},
		{Name: "macd_hist_rising", OK: histRising},
		{Name: "short_pullback_to_ema_fast", OK: shortPullback},
		{Name: "short_close_below_ema_slow", OK: shortBelowSlow},
		{Name: "short_rsi_in_band", OK: shortRSIBand},
		{Name: "short_rsi_slope", OK: shortRSISlope},
		{Name: "macd_hist_falling", OK: histFalling},
		{Name: "long_ok", OK: longOK},
		{Name: "short_ok", OK: shortOK},
	}
	return checklistResult{longOK: longOK, shortOK: shortOK}
}

// tailPair splits off the last two snapshots of a committed series.
func tailPair(h []indicator.Snapshot) (last, beforeLast []indicator.Snapshot) {
	if len(h) >= 2 {
		return h[len(h)-1:], h[len(h)-2 : len(h)-1]
	}
	return nil, nil
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
