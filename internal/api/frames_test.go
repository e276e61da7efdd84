package api

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
)

func decodeFrame(t *testing.T, frame []byte, dst any) {
	t.Helper()
	zr, err := zlib.NewReader(bytes.NewReader(frame))
	require.NoError(t, err)
	packed, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())

	dec := msgpack.NewDecoder(bytes.NewReader(packed))
	dec.SetCustomStructTag("json")
	require.NoError(t, dec.Decode(dst))
}

func TestEncodeFrameUsesJSONFieldNames(t *testing.T) {
	liq := 90.36
	view := sim.AccountView{
		Strategy:   "default",
		Balance:    4975,
		Equity:     5125,
		UPL:        150,
		MarginUsed: 5000,
		LiqPrice:   &liq,
		Position: &sim.PositionView{
			Side:       sim.Long,
			Qty:        500,
			EntryPrice: 100,
		},
	}
	frame, err := encodeFrame(map[string]any{
		"ts":   int64(1_700_000_000_000),
		"data": map[string]sim.AccountView{"default": view},
	})
	require.NoError(t, err)

	var got map[string]any
	decodeFrame(t, frame, &got)

	assert.EqualValues(t, 1_700_000_000_000, got["ts"])
	data, ok := got["data"].(map[string]any)
	require.True(t, ok)
	acct, ok := data["default"].(map[string]any)
	require.True(t, ok, "keys come from json tags")
	assert.EqualValues(t, 4975, acct["balance"])
	assert.EqualValues(t, 90.36, acct["liq_price"])
	pos, ok := acct["position"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, "LONG", pos["side"])
	assert.EqualValues(t, 100, pos["entry_price"])
}

func TestEncodeFrameStreamRoundTrip(t *testing.T) {
	bar := market.Bar{
		Symbol: "BTCUSDT", Interval: "15m",
		OpenTime: 900_000, CloseTime: 1_799_999,
		Open: 100, High: 101, Low: 99, Close: 100.5,
	}
	snap := indicator.Snapshot{OpenTime: 900_000, EMAFast: 100.2, RSI: 55, Ready: true, Preview: true}
	payload := events.StreamPayload{
		Kline:      &bar,
		Indicators: &snap,
		Events:     []string{"tp1"},
	}

	frame, err := encodeFrame(map[string]any{
		"ts":   bar.CloseTime,
		"data": map[string]events.StreamPayload{"default": payload},
	})
	require.NoError(t, err)

	var got struct {
		TS   int64                           `json:"ts"`
		Data map[string]events.StreamPayload `json:"data"`
	}
	decodeFrame(t, frame, &got)

	assert.Equal(t, bar.CloseTime, got.TS)
	rt, ok := got.Data["default"]
	require.True(t, ok)
	require.NotNil(t, rt.Kline)
	assert.Equal(t, bar.Close, rt.Kline.Close)
	require.NotNil(t, rt.Indicators)
	assert.Equal(t, snap.RSI, rt.Indicators.RSI)
	assert.True(t, rt.Indicators.Preview)
	assert.Equal(t, []string{"tp1"}, rt.Events)
}

func TestEncodeFrameIsZlibCompressed(t *testing.T) {
	frame, err := encodeFrame(map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, frame)
	// zlib stream header: deflate method, default window.
	assert.Equal(t, byte(0x78), frame[0])
}
