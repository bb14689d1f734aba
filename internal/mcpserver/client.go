package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/karmaguard/internal/idgen"
	"github.com/mbd888/karmaguard/internal/validation"
)

// Config points the tools at a running scoring API.
type Config struct {
	APIURL  string        // e.g. "http://localhost:8080"
	Timeout time.Duration // per request; zero means 30s
	APIKey  string        // sent as X-API-Key when set
}

// APIError is a non-2xx reply from the scoring API.
type APIError struct {
	Status  int
	Code    string // the envelope's "error" field, if any
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// KarmaguardClient calls the scoring API over HTTP.
type KarmaguardClient struct {
	base       string
	apiKey     string
	httpClient *http.Client
}

// NewKarmaguardClient creates a client for cfg.APIURL.
func NewKarmaguardClient(cfg Config) *KarmaguardClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &KarmaguardClient{
		base:       strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends body verbatim as JSON and returns the raw reply. Each call gets
// its own X-Request-ID so it can be found in the API's logs.
func (c *KarmaguardClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (json.RawMessage, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", idgen.New("mcp_"))
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, validation.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var env struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &env) == nil && env.Message != "" {
			apiErr.Code, apiErr.Message = env.Error, env.Message
		}
		return nil, apiErr
	}
	return data, nil
}

// Analyze scores one user record given as raw JSON.
func (c *KarmaguardClient) Analyze(ctx context.Context, userLog []byte, includeFeatures bool) (json.RawMessage, error) {
	var q url.Values
	if includeFeatures {
		q = url.Values{"include": {"features"}}
	}
	return c.do(ctx, http.MethodPost, "/api/analyze", q, userLog)
}

// History lists recorded assessments for a user, continuing from cursor
// when it is set.
func (c *KarmaguardClient) History(ctx context.Context, userID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/assessments", q, nil)
}

// Version returns the policy version in effect.
func (c *KarmaguardClient) Version(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/version", nil, nil)
}
