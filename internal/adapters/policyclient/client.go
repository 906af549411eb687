package policyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

const (
	pathDecision    = "/v1/decision"
	pathLimitReview = "/v1/limit-order-review"
	pathSelfReview  = "/v1/self-review"
)

// Config holds the external policy service settings.
type Config struct {
	BaseURL    string
	APIKey     string // sent as a bearer token when set
	Timeout    time.Duration
	RetryCount int
	Defaults   domain.DecisionDefaults
	Logger     ports.Logger
}

// Client calls an external decision service over HTTP. It implements ports.Policy.
// Replies may be plain JSON or text that embeds a JSON object.
type Client struct {
	client   *resty.Client
	defaults domain.DecisionDefaults
	logger   ports.Logger
}

// New creates the policy client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required for policy client")
	}
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if host == "" {
		return nil, errors.Wrap(ports.ErrConfigurationError, "policy base URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}

	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "perpExecBot-policy-client")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	cfg.Logger.Info(context.Background(), "Policy client configured", map[string]interface{}{"baseURL": host, "timeout": timeout.String()})
	return &Client{client: client, defaults: cfg.Defaults, logger: cfg.Logger}, nil
}

// Decide posts the market and account context and parses the returned decision.
func (c *Client) Decide(ctx context.Context, req ports.DecisionRequest) (domain.Decision, error) {
	body, err := c.post(ctx, "Decide", pathDecision, toDecisionRequest(req))
	if err != nil {
		return domain.Hold(err.Error()), err
	}
	d, err := domain.ParseDecision(body, c.defaults)
	if err != nil {
		c.logger.Warn(ctx, "Policy returned an invalid decision", map[string]interface{}{"error": err.Error(), "body": truncate(string(body), 300)})
		return domain.Hold(err.Error()), errors.Wrap(err, "Decide")
	}
	return d, nil
}

// ReviewLimitOrder posts the order comparison and parses the verdict.
func (c *Client) ReviewLimitOrder(ctx context.Context, req ports.LimitOrderReview) (domain.LimitOrderVerdict, error) {
	body, err := c.post(ctx, "ReviewLimitOrder", pathLimitReview, toLimitReview(req))
	if err != nil {
		return domain.LimitOrderVerdict{}, err
	}
	v, err := domain.ParseVerdict(body)
	if err != nil {
		return domain.LimitOrderVerdict{}, errors.Wrap(err, "ReviewLimitOrder")
	}
	return v, nil
}

// SelfReview posts recent trades and returns the service's analysis.
func (c *Client) SelfReview(ctx context.Context, req ports.SelfReviewRequest) (map[string]interface{}, error) {
	body, err := c.post(ctx, "SelfReview", pathSelfReview, toSelfReview(req))
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		// Free-form text is kept as is.
		return map[string]interface{}{"analysis": strings.TrimSpace(string(body))}, nil
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}) ([]byte, error) {
	started := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(path)
	if err != nil {
		c.logger.Error(ctx, err, op+" request failed", map[string]interface{}{"path": path})
		return nil, errors.Wrapf(ports.ErrPolicyFailed, "%s: %v", op, err)
	}
	if !resp.IsSuccess() {
		err := errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), truncate(string(resp.Body()), 200))
		c.logger.Error(ctx, err, op+" rejected", map[string]interface{}{"path": path, "status": resp.StatusCode()})
		return nil, errors.Wrapf(ports.ErrPolicyFailed, "%s: %v", op, err)
	}
	c.logger.Debug(ctx, op+" answered", map[string]interface{}{"path": path, "latency": time.Since(started).String()})
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ ports.Policy = (*Client)(nil)
