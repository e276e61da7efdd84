package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"perp-paper-trader/internal/logging"
)

const (
	restPageLimit  = 1000
	restTimeout    = 10 * time.Second
	restMaxRetries = 3
)

// Client is a futures REST client for historical klines and funding rates.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a REST client against the given base URL
// (e.g. https://fapi.binance.com).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: restTimeout},
		log:     logging.Component("rest"),
	}
}

// Klines fetches up to limit klines for symbol/interval. startTime and
// endTime are optional (0 = unset), in ms. Bars are returned in
// chronological order with Origin=warmup; the trailing bar is dropped if it
// has not closed yet.
func (c *Client) Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.get(ctx, "/fapi/v1/klines", q)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	dur, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()

	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			return nil, err
		}
		// The exchange returns the in-progress candle as the last row.
		if bar.OpenTime+dur.Milliseconds() > now {
			continue
		}
		bar.Closed = true
		bar.Origin = OriginWarmup
		bars = append(bars, bar)
	}
	return bars, nil
}

// KlinesRange fetches every closed kline in (afterOpenTime, until] by paging
// forward. Used for gap repair after a reconnect.
func (c *Client) KlinesRange(ctx context.Context, symbol, interval string, afterOpenTime, until int64) ([]Bar, error) {
	var out []Bar
	start := afterOpenTime + 1
	for {
		page, err := c.Klines(ctx, symbol, interval, start, until, restPageLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		if len(page) < restPageLimit {
			return out, nil
		}
		start = page[len(page)-1].OpenTime + 1
	}
}

// KlinesBackward pages backwards from endTime until want closed bars are
// collected or history runs out. Bars come back in chronological order.
func (c *Client) KlinesBackward(ctx context.Context, symbol, interval string, endTime int64, want int) ([]Bar, error) {
	var pages [][]Bar
	total := 0
	for total < want {
		limit := want - total
		if limit > restPageLimit {
			limit = restPageLimit
		}
		page, err := c.Klines(ctx, symbol, interval, 0, endTime, limit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		total += len(page)
		endTime = page[0].OpenTime - 1
		if len(page) < limit {
			break
		}
	}

	out := make([]Bar, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	if len(out) > want {
		out = out[len(out)-want:]
	}
	return out, nil
}

// FundingRate returns the most recently settled funding rate and its
// funding timestamp.
func (c *Client) FundingRate(ctx context.Context, symbol string) (rate float64, fundingTime int64, err error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", "1")

	body, err := c.get(ctx, "/fapi/v1/fundingRate", q)
	if err != nil {
		return 0, 0, err
	}

	var rows []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, 0, fmt.Errorf("decode funding rate: %w", err)
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}
	rate, err = strconv.ParseFloat(rows[0].FundingRate, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse funding rate: %w", err)
	}
	return rate, rows[0].FundingTime, nil
}

// get performs a GET with bounded exponential-backoff retries.
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	var body []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, restTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, truncate(data, 200))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), restMaxRetries), ctx)
	if err := backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", wait).Str("path", path).Msg("rest request failed")
	}); err != nil {
		return nil, err
	}
	return body, nil
}

func parseKlineRow(symbol, interval string, row []any) (Bar, error) {
	if len(row) < 9 {
		return Bar{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}
	openTime, ok1 := row[0].(float64)
	closeTime, ok2 := row[6].(float64)
	trades, ok3 := row[8].(float64)
	if !ok1 || !ok2 || !ok3 {
		return Bar{}, fmt.Errorf("kline row has non-numeric time fields")
	}
	o, err := parsePrice(row[1])
	if err != nil {
		return Bar{}, err
	}
	h, err := parsePrice(row[2])
	if err != nil {
		return Bar{}, err
	}
	l, err := parsePrice(row[3])
	if err != nil {
		return Bar{}, err
	}
	cl, err := parsePrice(row[4])
	if err != nil {
		return Bar{}, err
	}
	v, err := parsePrice(row[5])
	if err != nil {
		return Bar{}, err
	}
	return Bar{
		Symbol:     symbol,
		Interval:   interval,
		OpenTime:   int64(openTime),
		CloseTime:  int64(closeTime),
		Open:       o,
		High:       h,
		Low:        l,
		Close:      cl,
		Volume:     v,
		TradeCount: int64(trades),
	}, nil
}

func parsePrice(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("kline price field is %T, want string", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse kline price %q: %w", s, err)
	}
	return f, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
