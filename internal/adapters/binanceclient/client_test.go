package binanceclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Logger: nopLogger{}})
	require.NoError(t, err)
	return c
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetMarkAndFunding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"50010.5","indexPrice":"50000","lastFundingRate":"0.00010000","nextFundingTime":1700000000000,"time":1700000000000}`))
	})

	mark, funding, err := c.GetMarkAndFunding(context.Background(), "BTCUSDT_PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, 50010.5, mark)
	assert.Equal(t, 0.0001, funding)
}

func TestGetKlinesMarksFormingCandle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "15m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","101.0","99.0","100.5","12.5",1700000899999,"1256.25",10,"6","600","0"],
			[1700000900000,"100.5","102.0","100.0","101.5","3.0",1700001799999,"304.5",4,"1","100","0"]
		]`))
	})
	c.now = func() time.Time { return time.UnixMilli(1700001000000) }

	klines, err := c.GetKlines(context.Background(), "BTCUSDT", domain.TF15m, 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.True(t, klines[0].IsFinal)
	assert.False(t, klines[1].IsFinal)
	assert.Equal(t, 100.5, klines[0].Close)
	assert.Equal(t, 1256.25, klines[0].Turnover)
	assert.Equal(t, domain.TF15m, klines[1].Interval)
	assert.Equal(t, "BTCUSDT", klines[1].Symbol)
}

func TestGetKlinesRejectsUnknownTimeframe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.GetKlines(context.Background(), "BTCUSDT", domain.Timeframe("3d"), 10)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
}

func TestAPIErrorsAreMapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	})
	_, _, err := c.GetMarkAndFunding(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRateLimited))
}

func TestGetServerTime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/time", r.URL.Path)
		_, _ = w.Write([]byte(`{"serverTime":1700000000123}`))
	})
	ts, err := c.GetServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())
}
