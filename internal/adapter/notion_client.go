package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/ratelimit"
)

const notionProvider = "notion"

// NotionClientOptions configures NotionClient instances
type NotionClientOptions struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	// MaxRetries bounds retries of 429 and 5xx responses; exhausting it fails the call
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
}

// NotionClient is a WorkspaceClient bound to one account's access token
type NotionClient struct {
	opts      NotionClientOptions
	accountID string
	token     string
}

// NewNotionClientFactory returns a factory producing clients that share
// options, HTTP transport and rate limiter.
func NewNotionClientFactory(opts NotionClientOptions) WorkspaceClientFactory {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.notion.com"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2022-06-28"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}

	return WorkspaceClientFactoryFunc(func(accountID, token string) WorkspaceClient {
		return &NotionClient{opts: opts, accountID: accountID, token: strings.TrimSpace(token)}
	})
}

// QueryByTitle implements WorkspaceClient
func (c *NotionClient) QueryByTitle(ctx context.Context, databaseID, titleProperty, title string) (string, bool, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", notionprop.TitleFilter(titleProperty, title), "query")
	if err != nil {
		return "", false, err
	}
	id := gjson.GetBytes(body, "results.0.id").String()
	return id, id != "", nil
}

// CreatePage implements WorkspaceClient
func (c *NotionClient) CreatePage(ctx context.Context, databaseID string, props notionprop.Properties) (string, error) {
	payload := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/pages", payload, "create_page")
	if err != nil {
		return "", err
	}
	return requireID(body, "page")
}

// UpdatePage implements WorkspaceClient
func (c *NotionClient) UpdatePage(ctx context.Context, pageID string, props notionprop.Properties) error {
	_, err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, map[string]any{"properties": props}, "update_page")
	return err
}

// CreateDatabase implements WorkspaceClient
func (c *NotionClient) CreateDatabase(ctx context.Context, parentPageID, title string, schema map[string]any) (string, error) {
	payload := map[string]any{
		"parent": map[string]any{"type": "page_id", "page_id": parentPageID},
		"title": []map[string]any{
			{"type": "text", "text": map[string]any{"content": title}},
		},
		"properties": schema,
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/databases", payload, "create_database")
	if err != nil {
		return "", err
	}
	return requireID(body, "database")
}

// UpdateDatabase implements WorkspaceClient
func (c *NotionClient) UpdateDatabase(ctx context.Context, databaseID string, schema map[string]any) error {
	_, err := c.do(ctx, http.MethodPatch, "/v1/databases/"+databaseID, map[string]any{"properties": schema}, "update_database")
	return err
}

func requireID(body []byte, object string) (string, error) {
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", apperrors.NewInternalError(fmt.Sprintf("workspace returned a %s without id", object), nil)
	}
	return id, nil
}

func (c *NotionClient) do(ctx context.Context, method, path string, payload any, operation string) ([]byte, error) {
	if c.token == "" {
		return nil, apperrors.NewAuthError(notionProvider, "no access token")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError("encode request", err)
	}

	logger := logging.FromContext(ctx)
	for attempt := 0; ; attempt++ {
		if err := c.opts.Limiter.Wait(ctx, c.accountID); err != nil {
			return nil, err
		}

		respBody, status, header, err := c.send(ctx, method, path, bodyBytes, operation)
		if err == nil && status >= 200 && status <= 299 {
			return respBody, nil
		}

		retryable := err != nil || status == http.StatusTooManyRequests || status >= 500
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable || attempt >= c.opts.MaxRetries {
			if err != nil {
				return nil, apperrors.NewTransientAPIError(notionProvider, 0, err)
			}
			return nil, notionError(status, header, respBody)
		}

		delay := c.retryDelay(attempt+1, header.Get("Retry-After"))
		c.opts.Metrics.Retry(notionProvider, fmt.Sprintf("%d", status))
		logger.WithFields(map[string]interface{}{
			"operation": operation,
			"status":    status,
			"attempt":   attempt + 1,
			"delay":     delay,
		}).Debug("Workspace API request throttled, retrying")

		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (c *NotionClient) send(ctx context.Context, method, path string, body []byte, operation string) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, http.Header{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.opts.APIVersion)

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	c.opts.Metrics.ObserveRequest(notionProvider, operation, time.Since(start).Seconds())
	if err != nil {
		return nil, 0, http.Header{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return respBody, resp.StatusCode, resp.Header, nil
}

func notionError(status int, header http.Header, body []byte) error {
	parsed := gjson.ParseBytes(body)
	code := parsed.Get("code").String()
	message := strings.TrimSpace(parsed.Get("message").String())
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.NewAuthError(notionProvider, message)
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(notionProvider, parseRetryAfter(header.Get("Retry-After")))
	case status >= 500:
		return apperrors.NewTransientAPIError(notionProvider, status, fmt.Errorf("%s: %s", code, message))
	default:
		return apperrors.NewAPIError(notionProvider, status, code, message)
	}
}

// retryDelay prefers the server's Retry-After, capped at MaxDelay
func (c *NotionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
		return retryAfter
	}
	delay := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
