package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/rules"
)

type received struct {
	header http.Header
	body   []byte
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assessment(user string, status risk.Status) *risk.Assessment {
	return &risk.Assessment{
		ID:                   "asm_" + user,
		UserID:               user,
		FraudScore:           0.82,
		Status:               status,
		SuspiciousActivities: []rules.Flag{{ActivityID: "a1", Rule: "karma_burst", Reason: "Burst", Score: 0.7}},
		PolicyVersion:        "2025-06",
		EvaluatedAt:          time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

// endpoint answers with codes in order, then 200, and forwards each request.
func endpoint(t *testing.T, codes ...int) (*httptest.Server, <-chan received, *atomic.Int32) {
	t.Helper()
	ch := make(chan received, 16)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		body, _ := io.ReadAll(r.Body)
		ch <- received{header: r.Header.Clone(), body: body}
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, ch, &calls
}

func newNotifier(cfg Config) *Notifier {
	n := New(cfg, quietLogger())
	n.backoff.Base = time.Millisecond
	n.backoff.Max = 5 * time.Millisecond
	return n
}

func TestNotifier_DeliversSignedAlert(t *testing.T) {
	srv, ch, _ := endpoint(t)
	n := newNotifier(Config{URL: srv.URL, Secret: "s3cret"})
	defer n.Close()

	n.Observe(context.Background(), assessment("u1", risk.StatusBannedRecommendation))

	var got received
	select {
	case got = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	assert.Equal(t, "assessment.banned_recommendation", got.header.Get(HeaderEvent))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.True(t, Verify("s3cret", got.header.Get(HeaderTimestamp), got.body, got.header.Get(HeaderSignature)))

	var alert Alert
	require.NoError(t, json.Unmarshal(got.body, &alert))
	assert.Equal(t, got.header.Get(HeaderDelivery), alert.ID)
	assert.Equal(t, "asm_u1", alert.AssessmentID)
	assert.Equal(t, "u1", alert.UserID)
	assert.Equal(t, 0.82, alert.FraudScore)
	require.Len(t, alert.SuspiciousActivities, 1)
	assert.Equal(t, "karma_burst", alert.SuspiciousActivities[0].Rule)
}

func TestNotifier_SkipsBelowMinStatus(t *testing.T) {
	srv, ch, calls := endpoint(t)
	n := newNotifier(Config{URL: srv.URL, MinStatus: risk.StatusFlagged})

	n.Observe(context.Background(), assessment("clean", risk.StatusClean))
	n.Observe(context.Background(), assessment("flagged", risk.StatusFlagged))
	require.NoError(t, n.Close())

	assert.Equal(t, int32(1), calls.Load())
	got := <-ch
	assert.Equal(t, "assessment.flagged", got.header.Get(HeaderEvent))
	assert.Empty(t, got.header.Get(HeaderSignature), "unsigned without a secret")
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	srv, _, calls := endpoint(t, http.StatusBadGateway, http.StatusServiceUnavailable)
	n := newNotifier(Config{URL: srv.URL, Attempts: 3})

	n.Observe(context.Background(), assessment("u", risk.StatusBannedRecommendation))
	require.NoError(t, n.Close())
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifier_ClientErrorIsPermanent(t *testing.T) {
	srv, _, calls := endpoint(t, http.StatusBadRequest)
	n := newNotifier(Config{URL: srv.URL, Attempts: 5})

	n.Observe(context.Background(), assessment("u", risk.StatusBannedRecommendation))
	require.NoError(t, n.Close())
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifier_ObserveAfterCloseIsIgnored(t *testing.T) {
	srv, _, calls := endpoint(t)
	n := newNotifier(Config{URL: srv.URL})
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	n.Observe(context.Background(), assessment("u", risk.StatusBannedRecommendation))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"id":"alr_1"}`)
	sig := Sign("k", 1700000000, body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)

	ts := strconv.Itoa(1700000000)
	assert.True(t, Verify("k", ts, body, sig))
	assert.False(t, Verify("other", ts, body, sig))
	assert.False(t, Verify("k", "1700000001", body, sig))
	assert.False(t, Verify("k", ts, []byte(`{"id":"alr_2"}`), sig))
	assert.False(t, Verify("k", "not-a-number", body, sig))
}
