package api

import (
	"bytes"
	"compress/zlib"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeFrame packs a value into a zlib-compressed MessagePack frame,
// honoring json struct tags for field names.
func encodeFrame(v any) ([]byte, error) {
	var packed bytes.Buffer
	enc := msgpack.NewEncoder(&packed)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(packed.Bytes()); err != nil {
		zw.Close()
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return out.Bytes(), nil
}
