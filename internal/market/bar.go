package market

import (
	"fmt"
	"time"
)

// Origin tells whether a bar came from historical REST data or the live
// stream. Gap-repair bars are REST-fetched and therefore carry OriginWarmup.
type Origin string

const (
	OriginWarmup Origin = "warmup"
	OriginLive   Origin = "live"
)

// Bar is one OHLCV candlestick. OpenTime is the canonical key; a
// (symbol, interval, open_time) triple identifies a bar uniquely.
type Bar struct {
	Symbol     string  `json:"symbol"`
	Interval   string  `json:"interval"`
	OpenTime   int64   `json:"open_time"`
	CloseTime  int64   `json:"close_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count"`
	Closed     bool    `json:"closed"`
	Origin     Origin  `json:"origin"`
}

// Event is one normalized market update. Commit marks the final record for
// the bar's open time; previews carry the in-progress bar.
type Event struct {
	Bar    Bar
	Commit bool
}

// IntervalDuration converts an exchange interval token ("15m", "1h", "1d")
// into a duration.
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	var n int
	if _, err := fmt.Sscanf(interval[:len(interval)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad interval %q", interval)
	}
}
