package indicator

// PlotHint tells a chart where and how to draw one indicator field.
type PlotHint struct {
	Panel string `json:"panel"` // "overlay" on price, or a sub-chart name
	Style string `json:"style"` // "line" or "histogram"
}

// PlotHints maps each snapshot field to its static plot descriptor.
func PlotHints() map[string]PlotHint {
	return map[string]PlotHint{
		"ema_fast":    {Panel: "overlay", Style: "line"},
		"ema_slow":    {Panel: "overlay", Style: "line"},
		"rsi":         {Panel: "rsi", Style: "line"},
		"macd":        {Panel: "macd", Style: "line"},
		"macd_signal": {Panel: "macd", Style: "line"},
		"macd_hist":   {Panel: "macd", Style: "histogram"},
		"atr":         {Panel: "atr", Style: "line"},
	}
}
