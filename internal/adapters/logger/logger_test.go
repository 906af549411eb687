package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"Error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)

	l.Debug(context.Background(), "hidden")
	assert.Zero(t, buf.Len(), "debug must be filtered at info level")

	l.Error(context.Background(), errors.New("boom"), "PlaceOrder failed", map[string]interface{}{"symbol": "BTCUSDT"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "PlaceOrder failed", line["msg"])
	assert.Equal(t, "BTCUSDT", line["symbol"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "error", line["level"])
}
