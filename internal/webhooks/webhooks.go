// Package webhooks posts signed alerts to an operator endpoint when an
// assessment reaches a configured status.
//
// Each request carries:
//
//	X-Karmaguard-Event:     assessment.flagged | assessment.banned_recommendation
//	X-Karmaguard-Delivery:  alert ID, stable across retries
//	X-Karmaguard-Timestamp: unix seconds
//	X-Karmaguard-Signature: sha256=hex(HMAC-SHA256(secret, timestamp + "." + body))
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/karmaguard/internal/idgen"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/retry"
	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/rules"
	"github.com/mbd888/karmaguard/internal/traces"
)

const (
	HeaderEvent     = "X-Karmaguard-Event"
	HeaderDelivery  = "X-Karmaguard-Delivery"
	HeaderTimestamp = "X-Karmaguard-Timestamp"
	HeaderSignature = "X-Karmaguard-Signature"
)

const drainTimeout = 10 * time.Second

// Config describes the alert endpoint.
type Config struct {
	URL    string
	Secret string
	// MinStatus is the least severe status that raises an alert.
	MinStatus risk.Status
	Timeout   time.Duration
	Attempts  int
	QueueSize int
}

func (c *Config) defaults() {
	if c.MinStatus == "" {
		c.MinStatus = risk.StatusBannedRecommendation
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Alert is the JSON body of a delivery.
type Alert struct {
	ID                   string       `json:"id"`
	Event                string       `json:"event"`
	Timestamp            time.Time    `json:"timestamp"`
	AssessmentID         string       `json:"assessment_id"`
	UserID               string       `json:"user_id"`
	FraudScore           float64      `json:"fraud_score"`
	Status               risk.Status  `json:"status"`
	SuspiciousActivities []rules.Flag `json:"suspicious_activities"`
	PolicyVersion        string       `json:"policy_version,omitempty"`
	EvaluatedAt          time.Time    `json:"evaluated_at"`

	// trace carries the observing request's span so delivery joins its trace.
	trace propagation.MapCarrier
}

// Notifier queues alerts and delivers them from a single background worker.
type Notifier struct {
	cfg     Config
	client  *http.Client
	backoff retry.Backoff
	logger  *slog.Logger
	now     func() time.Time

	queue  chan *Alert
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a notifier. Close stops it.
func New(cfg Config, logger *slog.Logger) *Notifier {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		queue:  make(chan *Alert, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	n.backoff = retry.Backoff{
		Attempts: cfg.Attempts,
		Base:     500 * time.Millisecond,
		Max:      10 * time.Second,
		OnRetry: func(attempt int, err error) {
			n.logger.Debug("retrying alert delivery", "attempt", attempt, "error", err)
		},
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Observe queues an alert when a is at least MinStatus. A full queue drops
// the alert.
func (n *Notifier) Observe(ctx context.Context, a *risk.Assessment) {
	if a.Status.Severity() < n.cfg.MinStatus.Severity() {
		return
	}
	alert := &Alert{
		ID:                   idgen.New("alr_"),
		Event:                "assessment." + string(a.Status),
		Timestamp:            n.now().UTC(),
		AssessmentID:         a.ID,
		UserID:               a.UserID,
		FraudScore:           a.FraudScore,
		Status:               a.Status,
		SuspiciousActivities: a.SuspiciousActivities,
		PolicyVersion:        a.PolicyVersion,
		EvaluatedAt:          a.EvaluatedAt,
		trace:                propagation.MapCarrier{},
	}
	traces.Inject(ctx, alert.trace)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- alert:
	default:
		metrics.AlertsTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn("alert queue full, dropping alert", "user_id", a.UserID, "assessment_id", a.ID)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
// Deliveries still pending after the drain timeout are abandoned.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	timer := time.AfterFunc(drainTimeout, n.cancel)
	n.wg.Wait()
	timer.Stop()
	n.cancel()
	return nil
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for alert := range n.queue {
		n.deliver(alert)
	}
}

func (n *Notifier) deliver(alert *Alert) {
	ctx := traces.Extract(n.ctx, alert.trace)
	ctx, span := traces.StartSpan(ctx, "webhooks.deliver", traces.UserID(alert.UserID), traces.Status(string(alert.Status)))
	defer span.End()

	body, err := json.Marshal(alert)
	if err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		n.logger.Error("alert not serializable", "alert_id", alert.ID, "error", err)
		return
	}

	err = n.backoff.Do(ctx, func() error { return n.post(ctx, alert, body) })
	if err != nil {
		span.RecordError(err)
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("alert delivery failed", "alert_id", alert.ID, "user_id", alert.UserID, "error", err)
		return
	}
	metrics.AlertsTotal.WithLabelValues("delivered").Inc()
	n.logger.Info("alert delivered", "alert_id", alert.ID, "user_id", alert.UserID, "status", alert.Status)
}

func (n *Notifier) post(ctx context.Context, alert *Alert, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := alert.Timestamp.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, alert.Event)
	req.Header.Set(HeaderDelivery, alert.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if n.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(n.cfg.Secret, ts, body))
	}
	traces.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(time.Duration(secs)*time.Second, err)
		}
		return err
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("alert endpoint rejected delivery: %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for body sent at unix time ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Receivers should
// also reject timestamps outside their tolerance window.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}
