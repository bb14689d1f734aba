// Package oracle is the transport for the external classifier and text
// scorer. Calls are JSON over HTTP, retried with backoff on transient
// failures and guarded by a per-oracle circuit breaker.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/karmaguard/internal/circuitbreaker"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/retry"
	"github.com/mbd888/karmaguard/internal/traces"
)

var (
	// ErrCircuitOpen is returned without calling the oracle while its breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen

	// ErrBadResponse indicates a reply that could not be decoded.
	ErrBadResponse = errors.New("oracle: bad response")
)

// Config describes one remote oracle.
type Config struct {
	Name        string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// Client calls a single oracle.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	backoff    retry.Backoff
}

// New creates a client. The breaker may be shared between oracles; it is
// keyed by cfg.Name.
func New(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker:    breaker,
		backoff: retry.Backoff{
			Attempts: cfg.MaxAttempts,
			Base:     cfg.BaseDelay,
			Max:      cfg.Timeout,
			OnRetry: func(int, error) {
				metrics.OracleRequestsTotal.WithLabelValues(cfg.Name, "retry").Inc()
			},
		},
	}
}

// Name returns the oracle name used for metrics and breaker keys.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Call POSTs in as JSON to path and decodes the reply into out.
func (c *Client) Call(ctx context.Context, path string, in, out any) error {
	ctx, span := traces.StartSpan(ctx, "oracle."+c.cfg.Name, traces.Oracle(c.cfg.Name))
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.cfg.Name, err)
	}

	err = c.breaker.Execute(ctx, c.cfg.Name, func() error {
		return c.backoff.Do(ctx, func() error {
			return c.post(ctx, path, body, out)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.OracleRequestsTotal.WithLabelValues(c.cfg.Name, "rejected").Inc()
		span.SetStatus(codes.Error, "circuit open")
		return ErrCircuitOpen
	}
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues(c.cfg.Name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s oracle: %w", c.cfg.Name, err)
	}

	metrics.OracleRequestsTotal.WithLabelValues(c.cfg.Name, "ok").Inc()
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	return nil
}

// Ping issues GET /health and succeeds on any 2xx.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s health returned %d", c.cfg.Name, resp.StatusCode)
	}
	if c.breaker.State(c.cfg.Name) == circuitbreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// statusError maps a non-2xx reply to an error. 429 and 5xx are retryable.
func statusError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(time.Duration(secs)*time.Second, err)
		}
		return err
	}
	return retry.Permanent(err)
}
