package venueclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

const (
	baseURLProduction = "https://api.bybit.com"
	baseURLTestnet    = "https://api-testnet.bybit.com"

	// DefaultRecvWindow is the receive window sent with every signed request, in milliseconds.
	DefaultRecvWindow = 5000

	category = "linear"
)

// Client is a signed REST client for the venue's v5 linear-contract API.
// It implements ports.ExchangeClient.
type Client struct {
	http       *resty.Client
	logger     ports.Logger
	limiter    *rate.Limiter
	apiKey     string
	apiSecret  string
	recvWindow int64
	headers    headerNames
	maxRetries int
	retryMin   time.Duration
	retryMax   time.Duration
	now        func() time.Time

	offsetMs atomic.Int64

	mu          sync.RWMutex
	instruments map[string]domain.InstrumentSpec
}

// Config holds configuration specific to the venue client adapter.
type Config struct {
	APIKey            string
	APISecret         string
	UseTestnet        bool
	BaseURL           string // overrides the testnet/production choice when set
	HeaderPrefix      string // prefix of the auth headers, "X-" by default
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int // retries of recoverable failures, excluding the single clock-resync retry
	RetryMinWait      time.Duration
	RetryMaxWait      time.Duration
	Logger            ports.Logger
	Now               func() time.Time // injectable clock, time.Now by default
	SkipClockSync     bool             // used by tools that only call public endpoints
}

type headerNames struct {
	apiKey, sign, signType, timestamp, recvWindow string
}

func newHeaderNames(prefix string) headerNames {
	if prefix == "" {
		prefix = "X-"
	}
	return headerNames{
		apiKey:     prefix + "API-KEY",
		sign:       prefix + "SIGN",
		signType:   prefix + "SIGN-TYPE",
		timestamp:  prefix + "TIMESTAMP",
		recvWindow: prefix + "RECV-WINDOW",
	}
}

// New creates the client and synchronises its clock with the venue once.
// A failed clock sync is logged and leaves the offset at zero.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for venue client")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		cfg.Logger.Warn(ctx, "API key or secret is empty. Client will only work for public endpoints.")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLProduction
		if cfg.UseTestnet {
			baseURL = baseURLTestnet
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	retryMin := cfg.RetryMinWait
	if retryMin <= 0 {
		retryMin = 500 * time.Millisecond
	}
	retryMax := cfg.RetryMaxWait
	if retryMax <= 0 {
		retryMax = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		logger:      cfg.Logger,
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		recvWindow:  DefaultRecvWindow,
		headers:     newHeaderNames(cfg.HeaderPrefix),
		maxRetries:  maxRetries,
		retryMin:    retryMin,
		retryMax:    retryMax,
		now:         now,
		instruments: make(map[string]domain.InstrumentSpec),
	}
	cfg.Logger.Info(ctx, "Venue client configured", map[string]interface{}{"baseURL": baseURL, "testnet": cfg.UseTestnet})

	if !cfg.SkipClockSync {
		if err := c.SyncClock(ctx); err != nil {
			c.logger.Warn(ctx, "Clock sync failed, using local time", map[string]interface{}{"error": err.Error()})
		}
	}
	return c, nil
}

// SyncClock stores offset = server_time - local_time.
func (c *Client) SyncClock(ctx context.Context) error {
	op := "SyncClock"
	local := c.now()
	server, err := c.GetServerTime(ctx)
	if err != nil {
		return err
	}
	offset := server.UnixMilli() - local.UnixMilli()
	c.offsetMs.Store(offset)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// ClockOffset returns the current server-local offset.
func (c *Client) ClockOffset() time.Duration {
	return time.Duration(c.offsetMs.Load()) * time.Millisecond
}

func (c *Client) timestampMs() int64 {
	return c.now().UnixMilli() + c.offsetMs.Load()
}

// envelope is the common response wrapper of the v5 API.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// call sends one logical request: rate limiting, signing, classification,
// the single clock-resync retry and bounded backoff for recoverable failures.
func (c *Client) call(ctx context.Context, op, method, path string, params map[string]interface{}, signed bool, out interface{}) error {
	if signed && (c.apiKey == "" || c.apiSecret == "") {
		return fmt.Errorf("%s failed: %w: missing API credentials", op, ports.ErrConfigurationError)
	}

	b := &backoff.Backoff{Min: c.retryMin, Max: c.retryMax, Factor: 2, Jitter: true}
	resynced := false
	retries := 0

	for {
		env, err := c.send(ctx, method, path, params, signed)
		if err != nil {
			if isTransient(err) && retries < c.maxRetries && ctx.Err() == nil {
				retries++
				if werr := c.wait(ctx, b.Duration()); werr != nil {
					return c.handleError(ctx, werr, op)
				}
				continue
			}
			return c.handleError(ctx, err, op)
		}

		switch outcome, verr := classify(op, env.RetCode, env.RetMsg); outcome {
		case outcomeOK:
			if out != nil && len(env.Result) > 0 {
				if err := json.Unmarshal(env.Result, out); err != nil {
					return c.handleError(ctx, fmt.Errorf("decode result: %w", err), op)
				}
			}
			return nil
		case outcomeAlreadySet:
			c.logger.Debug(ctx, op+": target already in effect", map[string]interface{}{"code": env.RetCode, "msg": env.RetMsg})
			return nil
		case outcomeNoOp:
			c.logger.Debug(ctx, op+": nothing to do on a flat position", map[string]interface{}{"code": env.RetCode, "msg": env.RetMsg})
			return nil
		default:
			if errors.Is(verr, ports.ErrTimestampSkew) && signed && !resynced {
				resynced = true
				c.logger.Warn(ctx, op+": timestamp outside receive window, resyncing clock", map[string]interface{}{"offsetMs": c.offsetMs.Load()})
				if serr := c.SyncClock(ctx); serr != nil {
					return c.handleError(ctx, verr, op)
				}
				continue
			}
			if verr.Class == ports.ClassRecoverable && !errors.Is(verr, ports.ErrTimestampSkew) && retries < c.maxRetries {
				retries++
				if werr := c.wait(ctx, b.Duration()); werr != nil {
					return c.handleError(ctx, werr, op)
				}
				continue
			}
			return c.handleError(ctx, verr, op)
		}
	}
}

// send performs a single HTTP exchange and returns the decoded envelope.
func (c *Client) send(ctx context.Context, method, path string, params map[string]interface{}, signed bool) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json")

	var payload string
	if method == http.MethodGet {
		payload = canonicalQuery(params)
		if payload != "" {
			req.SetQueryString(payload)
		}
	} else if len(params) > 0 {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		payload = string(body)
		req.SetBody(payload)
	}

	if signed {
		ts := fmt.Sprintf("%d", c.timestampMs())
		rw := fmt.Sprintf("%d", c.recvWindow)
		req.SetHeaders(map[string]string{
			c.headers.apiKey:     c.apiKey,
			c.headers.sign:       Sign(c.apiSecret, ts, c.apiKey, rw, payload),
			c.headers.signType:   "2",
			c.headers.timestamp:  ts,
			c.headers.recvWindow: rw,
		})
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if err := classifyHTTP(resp.StatusCode(), path); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("decode envelope from %s: %w", path, err)
	}
	return &env, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// handleError translates failures into standardized ports errors and logs them.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var verr *ports.VenueError
	if errors.As(err, &verr) {
		fields["venueCode"] = verr.Code
		fields["venueMessage"] = verr.Message
		fields["class"] = verr.Class.String()
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with venue error", operation), fields)
		return err
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case errors.Is(err, ports.ErrRateLimited), errors.Is(err, ports.ErrExchangeUnavailable),
		errors.Is(err, ports.ErrAuthenticationFailed), errors.Is(err, ports.ErrInvalidRequest):
		finalErr = fmt.Errorf("%s failed: %w", operation, err)
	case isConnectionError(err):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// isTransient reports transport-level failures worth another attempt.
func isTransient(err error) bool {
	return ports.IsRecoverable(err) || errors.Is(err, ports.ErrExchangeUnavailable) || isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "Client.Timeout exceeded")
}
