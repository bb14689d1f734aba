// Package stream scores karma logs from a Kafka topic and publishes the
// assessments to another. Offsets are committed only after the results of
// a fetch have been produced, so a crash redelivers rather than drops.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/karmaguard/internal/karma"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/schema"
	"github.com/mbd888/karmaguard/internal/traces"
)

// Config describes the topics and consumer group.
type Config struct {
	Brokers     []string
	InputTopic  string
	OutputTopic string
	Group       string
}

// NewClient creates a consumer-group client with manual commits.
func NewClient(cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: no brokers configured")
	}
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.InputTopic),
		kgo.DisableAutoCommit(),
		kgo.ClientID("karmaguard-stream"),
	)
}

// Client is the subset of *kgo.Client the worker uses.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Analyzer scores one log.
type Analyzer interface {
	Analyze(ctx context.Context, log *karma.UserLog) (*risk.Assessment, error)
}

// Rejection is published in place of an assessment for a record that is
// not a valid karma log.
type Rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offset  int64  `json:"offset"`
}

// Worker consumes, scores, publishes, commits.
type Worker struct {
	client      Client
	analyzer    Analyzer
	outputTopic string
	logger      *slog.Logger
}

// NewWorker creates a worker publishing to outputTopic.
func NewWorker(client Client, analyzer Analyzer, outputTopic string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{client: client, analyzer: analyzer, outputTopic: outputTopic, logger: logger}
}

// Run processes fetches until ctx is cancelled or the client closes. A
// scoring failure other than a bad payload stops the worker without
// committing the fetch.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.Ensure(ctx, w.logger)
	w.logger.Info("stream worker started", "output_topic", w.outputTopic)

	for {
		fetches := w.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			w.logger.Info("stream worker stopped")
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			w.logger.Warn("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		if err := w.ProcessBatch(ctx, fetches.Records()); err != nil {
			return err
		}
	}
}

// ProcessBatch scores records, produces one output per input, then commits
// the inputs.
func (w *Worker) ProcessBatch(ctx context.Context, recs []*kgo.Record) error {
	if len(recs) == 0 {
		return nil
	}

	out := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		o, err := w.Handle(ctx, rec)
		if err != nil {
			metrics.StreamRecordsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("stream: offset %d: %w", rec.Offset, err)
		}
		out = append(out, o)
	}

	if err := w.client.ProduceSync(ctx, out...).FirstErr(); err != nil {
		return fmt.Errorf("stream: produce: %w", err)
	}
	if err := w.client.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("stream: commit: %w", err)
	}
	w.logger.Debug("batch committed", "records", len(recs))
	return nil
}

// Handle turns one input record into its output record. Invalid payloads
// become Rejections; only scoring failures return an error.
func (w *Worker) Handle(ctx context.Context, rec *kgo.Record) (*kgo.Record, error) {
	ctx = traces.Extract(ctx, headerCarrier{&rec.Headers})
	ctx, span := traces.StartSpan(ctx, "stream.Handle", traces.Offset(rec.Partition, rec.Offset)...)
	defer span.End()

	log, err := decode(rec)
	if err != nil {
		metrics.StreamRecordsTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx).Warn("rejected stream record", "offset", rec.Offset, "error", err)
		body, _ := json.Marshal(Rejection{Error: "invalid_payload", Message: err.Error(), Offset: rec.Offset})
		return w.output(ctx, rec.Key, body, ""), nil
	}

	a, err := w.analyzer.Analyze(ctx, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	metrics.StreamRecordsTotal.WithLabelValues("scored").Inc()
	return w.output(ctx, []byte(a.UserID), body, a.PolicyVersion), nil
}

func (w *Worker) output(ctx context.Context, key, value []byte, policyVersion string) *kgo.Record {
	rec := &kgo.Record{Topic: w.outputTopic, Key: key, Value: value}
	if policyVersion != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "policy_version", Value: []byte(policyVersion)})
	}
	traces.Inject(ctx, headerCarrier{&rec.Headers})
	return rec
}

// headerCarrier adapts Kafka record headers for trace propagation.
type headerCarrier struct{ h *[]kgo.RecordHeader }

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.h {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.h {
		if h.Key == key {
			(*c.h)[i].Value = []byte(value)
			return
		}
	}
	*c.h = append(*c.h, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(*c.h))
	for i, h := range *c.h {
		keys[i] = h.Key
	}
	return keys
}

// decode validates a record value. The user ID falls back to the record key
// and then to user_<offset>.
func decode(rec *kgo.Record) (*karma.UserLog, error) {
	if err := schema.Validate(schema.Log, rec.Value); err != nil {
		return nil, err
	}
	var log karma.UserLog
	if err := json.Unmarshal(rec.Value, &log); err != nil {
		return nil, &schema.ValidationError{Schema: schema.Log, Err: err}
	}
	if log.UserID == "" {
		log.UserID = string(rec.Key)
	}
	if log.UserID == "" {
		log.UserID = "user_" + strconv.FormatInt(rec.Offset, 10)
	}
	return &log, nil
}
