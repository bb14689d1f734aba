// Package metrics defines the Prometheus series exported on /metrics.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "karmaguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts completed assessments by resolved status.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total user assessments by status.",
		},
		[]string{"status"},
	)

	// AssessmentErrorsTotal counts failed assessments by pipeline stage.
	AssessmentErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessment_errors_total",
			Help:      "Total failed assessments by pipeline stage.",
		},
		[]string{"stage"},
	)

	// SuspiciousActivitiesTotal counts emitted explanations by rule.
	SuspiciousActivitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_activities_total",
			Help:      "Total suspicious-activity explanations emitted by rule.",
		},
		[]string{"rule"},
	)

	// FraudScore observes the distribution of fraud probabilities.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fraud_score",
		Help:      "Distribution of predicted fraud probabilities.",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	// ExtractionDuration observes feature-extraction latency per user log.
	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "feature_extraction_duration_seconds",
		Help:      "Feature extraction duration per user log in seconds.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	// TimestampFallbacksTotal counts unparsable timestamps by fallback policy.
	TimestampFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_fallbacks_total",
			Help:      "Total unparsable activity timestamps by fallback policy.",
		},
		[]string{"policy"},
	)

	// OracleRequestsTotal counts classifier and scorer calls by result.
	OracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Total remote oracle calls by oracle and result.",
		},
		[]string{"oracle", "result"},
	)

	// CacheLookupsTotal counts assessment cache lookups by result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total assessment cache lookups by result.",
		},
		[]string{"result"},
	)

	// StreamRecordsTotal counts records handled by the stream worker.
	StreamRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_records_total",
			Help:      "Total stream records processed by result.",
		},
		[]string{"result"},
	)

	// BatchSize observes the number of logs per AnalyzeBatch call.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size",
		Help:      "Number of karma logs per batch request.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
	})

	// StoreErrorsTotal counts audit-trail writes and reads that failed.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total assessment store failures by operation.",
		},
		[]string{"op"},
	)

	// LiveFeedClients is the number of connected live-feed WebSockets.
	LiveFeedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_feed_clients",
		Help:      "Connected live assessment feed clients.",
	})

	// AlertsTotal counts webhook alert deliveries by result
	// (delivered, failed, dropped).
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total webhook alerts by delivery result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentErrorsTotal,
		SuspiciousActivitiesTotal,
		FraudScore,
		ExtractionDuration,
		TimestampFallbacksTotal,
		OracleRequestsTotal,
		CacheLookupsTotal,
		StreamRecordsTotal,
		BatchSize,
		StoreErrorsTotal,
		LiveFeedClients,
		AlertsTotal,
	)
}

// RegisterDB exports pool statistics for db under the given name. Calling
// it again for the same name is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
