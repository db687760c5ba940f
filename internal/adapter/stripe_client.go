package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/circuitbreaker"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/retry"
	"github.com/stripe-notion-sync/internal/types"
)

const stripeProvider = "stripe"

// StripeClient reads connected-account objects over the payments REST API
type StripeClient struct {
	baseURL string
	keys    map[types.Mode]string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
	metrics *metrics.Metrics
}

// StripeClientOptions configures a StripeClient
type StripeClientOptions struct {
	BaseURL    string
	LiveKey    string
	TestKey    string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
	Retry      *retry.RetryConfig
	Metrics    *metrics.Metrics
}

// NewStripeClient creates a payments client
func NewStripeClient(opts StripeClientOptions) *StripeClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := opts.Breaker
	if breaker == nil {
		cfg := circuitbreaker.DefaultConfig(stripeProvider)
		cfg.IsFailure = apperrors.IsRetryable
		breaker = circuitbreaker.NewCircuitBreaker(cfg)
	}
	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = &retry.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       0.2,
			ShouldRetry:  apperrors.IsRetryable,
		}
	}

	keys := map[types.Mode]string{types.ModeLive: opts.LiveKey}
	if opts.TestKey != "" {
		keys[types.ModeTest] = opts.TestKey
	}

	return &StripeClient{
		baseURL: baseURL,
		keys:    keys,
		client:  httpClient,
		breaker: breaker,
		retry:   retryCfg,
		metrics: opts.Metrics,
	}
}

// List implements PaymentsClient
func (c *StripeClient) List(ctx context.Context, acct Account, entityType types.EntityType, startingAfter string, limit int) (*models.ListPage, error) {
	def, ok := registry.Lookup(entityType)
	if !ok || def.Resource == "" {
		return nil, apperrors.NewConfigurationError(entityType, "entity type cannot be listed")
	}
	return c.ListPath(ctx, acct, "/v1/"+def.Resource, startingAfter, limit)
}

// ListPath implements PaymentsClient
func (c *StripeClient) ListPath(ctx context.Context, acct Account, path, startingAfter string, limit int) (*models.ListPage, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("path", err.Error())
	}
	q := u.Query()
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, acct, u.String(), "list")
	if err != nil {
		return nil, err
	}

	var page models.ListPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperrors.NewInternalError("decode list response", err)
	}
	return &page, nil
}

// Retrieve implements PaymentsClient
func (c *StripeClient) Retrieve(ctx context.Context, acct Account, entityType types.EntityType, id string, expand []string) (json.RawMessage, error) {
	def, ok := registry.Lookup(entityType)
	if !ok || def.Resource == "" {
		return nil, apperrors.NewConfigurationError(entityType, "entity type cannot be retrieved")
	}
	if id == "" {
		return nil, apperrors.NewInvalidParameterError("id", "must not be empty")
	}

	q := url.Values{}
	for _, e := range expand {
		q.Add("expand[]", e)
	}
	path := "/v1/" + def.Resource + "/" + url.PathEscape(id)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.get(ctx, acct, path, "retrieve")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *StripeClient) get(ctx context.Context, acct Account, path, operation string) ([]byte, error) {
	key := c.keys[acct.Mode]
	if key == "" {
		return nil, apperrors.NewAuthError(stripeProvider, fmt.Sprintf("no API key configured for %s mode", acct.Mode))
	}

	var body []byte
	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			c.metrics.Retry(stripeProvider, "retry")
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			body, err = c.do(ctx, key, acct.ID, path, operation)
			return err
		})
	})
	if err := result.Err(); err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, apperrors.NewTransientAPIError(stripeProvider, 0, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *StripeClient) do(ctx context.Context, key, accountID, path, operation string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if accountID != "" {
		req.Header.Set("Stripe-Account", accountID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.metrics.ObserveRequest(stripeProvider, operation, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTransientAPIError(stripeProvider, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientAPIError(stripeProvider, resp.StatusCode, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return body, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"status":    resp.StatusCode,
		"path":      path,
		"accountId": accountID,
	}).Debug("Payments API request failed")

	return nil, stripeError(resp, body)
}

func stripeError(resp *http.Response, body []byte) error {
	parsed := gjson.ParseBytes(body)
	code := parsed.Get("error.code").String()
	message := parsed.Get("error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.NewAuthError(stripeProvider, message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(stripeProvider, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return apperrors.NewTransientAPIError(stripeProvider, resp.StatusCode, fmt.Errorf("%s", message))
	default:
		return apperrors.NewAPIError(stripeProvider, resp.StatusCode, code, message)
	}
}

// parseRetryAfter reads a Retry-After header in seconds
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
