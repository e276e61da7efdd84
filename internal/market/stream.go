package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-paper-trader/internal/logging"
)

// ConnState is the live-stream connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const reconnectMaxInterval = 30 * time.Second

// Stream maintains a combined candlestick WebSocket subscription for one
// symbol across several intervals, reconnecting with capped exponential
// backoff and running a repair hook before each streaming phase.
type Stream struct {
	wsBaseURL   string
	symbol      string
	intervals   []string
	idleTimeout time.Duration

	out    chan<- Event
	repair func(ctx context.Context) error

	state atomic.Int32
	log   zerolog.Logger
}

// NewStream creates a stream publishing into out. repair runs after each
// successful handshake, before live messages are consumed; it may be nil.
func NewStream(wsBaseURL, symbol string, intervals []string, idleTimeout time.Duration, out chan<- Event, repair func(ctx context.Context) error) *Stream {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Stream{
		wsBaseURL:   wsBaseURL,
		symbol:      symbol,
		intervals:   intervals,
		idleTimeout: idleTimeout,
		out:         out,
		repair:      repair,
		log:         logging.Component("stream"),
	}
}

// State returns the current connection state.
func (s *Stream) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Stream) setState(st ConnState) {
	old := ConnState(s.state.Swap(int32(st)))
	if old != st {
		s.log.Info().Str("from", old.String()).Str("to", st.String()).Msg("connection state")
	}
}

// URL returns the combined-stream endpoint for the configured intervals.
func (s *Stream) URL() string {
	streams := make([]string, 0, len(s.intervals))
	sym := strings.ToLower(s.symbol)
	for _, iv := range s.intervals {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", sym, iv))
	}
	return s.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run drives the connect/stream/reconnect loop until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0

	first := true
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		if first {
			s.setState(StateConnecting)
			first = false
		} else {
			s.setState(StateReconnecting)
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := s.session(ctx); err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("stream session ended")
			continue
		}
		bo.Reset()
	}
}

// session runs one connection: dial, repair, then read until failure.
// A nil return means the connection lived long enough to reset backoff.
func (s *Stream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.URL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.setState(StateHandshaking)
	if s.repair != nil {
		if err := s.repair(ctx); err != nil {
			s.log.Warn().Err(err).Msg("gap repair failed, continuing with stale state")
		}
	}
	s.setState(StateStreaming)

	// Close the socket when ctx is cancelled so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	start := time.Now()
	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if time.Since(start) > time.Minute {
				// Long-lived session; treat the drop as fresh and reset
				// backoff by returning nil.
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		ev, ok := s.decode(data)
		if !ok {
			continue
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type combinedMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string       `json:"e"`
		Kline     klinePayload `json:"k"`
	} `json:"data"`
}

type klinePayload struct {
	OpenTime   int64  `json:"t"`
	CloseTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	Interval   string `json:"i"`
	Open       string `json:"o"`
	High       string `json:"h"`
	Low        string `json:"l"`
	Close      string `json:"c"`
	Volume     string `json:"v"`
	TradeCount int64  `json:"n"`
	Final      bool   `json:"x"`
}

// decode parses one combined-stream message. Malformed messages are logged
// and dropped without advancing any state.
func (s *Stream) decode(data []byte) (Event, bool) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("bad stream message")
		return Event{}, false
	}
	if msg.Data.EventType != "kline" {
		return Event{}, false
	}
	k := msg.Data.Kline
	o, err1 := strconv.ParseFloat(k.Open, 64)
	h, err2 := strconv.ParseFloat(k.High, 64)
	l, err3 := strconv.ParseFloat(k.Low, 64)
	c, err4 := strconv.ParseFloat(k.Close, 64)
	v, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			s.log.Warn().Err(err).Msg("bad kline payload")
			return Event{}, false
		}
	}
	return Event{
		Bar: Bar{
			Symbol:     k.Symbol,
			Interval:   k.Interval,
			OpenTime:   k.OpenTime,
			CloseTime:  k.CloseTime,
			Open:       o,
			High:       h,
			Low:        l,
			Close:      c,
			Volume:     v,
			TradeCount: k.TradeCount,
			Closed:     k.Final,
			Origin:     OriginLive,
		},
		Commit: k.Final,
	}, true
}
