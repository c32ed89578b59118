// Package api is the REST client for the EPI management backend.
package api

import (
	"bytes"
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

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/protocol"
	"github.com/rs/zerolog"
)

// Client defines the backend operations the realtime components depend on.
// This interface allows for easy mocking in tests.
type Client interface {
	// ListNotifications returns the notifications of the current user.
	ListNotifications(ctx context.Context) ([]models.Notification, error)

	// MarkNotificationRead marks a notification read server-side.
	MarkNotificationRead(ctx context.Context, id string) error

	// Dashboard returns the advanced dashboard metrics for the filters.
	Dashboard(ctx context.Context, f models.Filters) (*models.Metrics, error)

	// Forecast returns the demand forecast series for one EPI.
	Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error)

	// Insights asks the backend for a free-text analysis of a data summary.
	Insights(ctx context.Context, req models.InsightRequest) (*models.Insight, error)
}

// TokenSource supplies the bearer credential. Token storage lives outside
// this package.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() string { return string(t) }

// HTTPClient is the real backend client using HTTP.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL string // REST origin, e.g. https://api.example.com/api
	Tokens  TokenSource
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewClient creates a new backend client.
func NewClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: cfg.Log.With().Str("component", "api").Logger(),
		now: time.Now,
	}
}

// ListNotifications returns the notifications of the current user. Records
// that fail validation are skipped and logged.
func (c *HTTPClient) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var wire []protocol.NotificationWire
	if err := c.getJSON(ctx, "/notifications", nil, &wire); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	now := c.now()
	out := make([]models.Notification, 0, len(wire))
	for _, w := range wire {
		n, err := w.ToModel(models.KindDelivery, now)
		if err != nil {
			c.log.Warn().Err(err).Msg("skipping invalid notification")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkNotificationRead marks a notification read server-side.
func (c *HTTPClient) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	if _, err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// Dashboard returns the advanced dashboard metrics for the filters.
func (c *HTTPClient) Dashboard(ctx context.Context, f models.Filters) (*models.Metrics, error) {
	var m models.Metrics
	if err := c.getJSON(ctx, "/dashboard/advanced", f.Query(), &m); err != nil {
		return nil, fmt.Errorf("get dashboard: %w", err)
	}
	return &m, nil
}

// Forecast returns the demand forecast series for one EPI.
func (c *HTTPClient) Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error) {
	if req.EpiID == "" {
		return nil, errors.New("forecast: epi id is required")
	}

	q := url.Values{}
	if req.Months > 0 {
		q.Set("months", strconv.Itoa(req.Months))
	}
	if req.Future > 0 {
		q.Set("future", strconv.Itoa(req.Future))
	}

	var f models.Forecast
	path := "/forecast/epi/" + url.PathEscape(req.EpiID) + "/forecast"
	if err := c.getJSON(ctx, path, q, &f); err != nil {
		return nil, fmt.Errorf("forecast epi %s: %w", req.EpiID, err)
	}
	if f.EpiID == "" {
		f.EpiID = req.EpiID
	}
	return &f, nil
}

// Insights asks the backend for a free-text analysis of a data summary.
func (c *HTTPClient) Insights(ctx context.Context, req models.InsightRequest) (*models.Insight, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode insight request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/insights", nil, body)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}

	return &models.Insight{Text: parseInsightText(resp)}, nil
}

// parseInsightText accepts {"insights": "..."}, a few legacy key names, a
// bare JSON string or plain text.
func parseInsightText(body []byte) string {
	trimmed := bytes.TrimSpace(body)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		for _, key := range []string{"insights", "insight", "analise", "texto", "text"} {
			var s string
			if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
				return s
			}
		}
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

// getJSON performs a GET request and unmarshals the response.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parse response from %s: %w", path, err)
	}
	return nil
}

// do executes an HTTP request with authentication and returns the body.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", c.now().Sub(start)).
		Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       string(data),
		}
	}

	return data, nil
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
