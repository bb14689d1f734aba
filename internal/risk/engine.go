package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/idgen"
	"github.com/mbd888/karmaguard/internal/karma"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/pagination"
	"github.com/mbd888/karmaguard/internal/rules"
	"github.com/mbd888/karmaguard/internal/syncutil"
	"github.com/mbd888/karmaguard/internal/traces"
)

// Engine runs the scoring pipeline: extract, classify, explain, resolve.
// All dependencies are read-only after construction and the engine is safe
// for concurrent use.
type Engine struct {
	extractor     *features.Extractor
	explainer     *rules.Engine
	classifier    Classifier
	manifest      *features.Manifest
	bands         Bands
	policyVersion string
	components    []string
	store         Store
	cache         Cache
	cacheTTL      time.Duration
	inflight      *syncutil.KeyLock
	observers     []Observer
	workers       int
	now           func() time.Time
	logger        *slog.Logger
}

// NewEngine creates an engine with default bands and manifest.
func NewEngine(extractor *features.Extractor, explainer *rules.Engine, classifier Classifier) *Engine {
	return &Engine{
		extractor:  extractor,
		explainer:  explainer,
		classifier: classifier,
		manifest:   features.DefaultManifest(),
		bands:      DefaultBands(),
		inflight:   syncutil.NewKeyLock(syncutil.DefaultShards),
		workers:    4,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithManifest sets the classifier's feature order.
func (e *Engine) WithManifest(m *features.Manifest) *Engine {
	e.manifest = m
	return e
}

// WithBands overrides the status thresholds. Callers validate them first.
func (e *Engine) WithBands(b Bands) *Engine {
	e.bands = b
	return e
}

// WithPolicyVersion tags assessments with the policy file version.
func (e *Engine) WithPolicyVersion(v string) *Engine {
	e.policyVersion = v
	return e
}

// WithComponents names the scorer and classifier behind the engine, e.g. a
// remote endpoint or model tag. Cached results are only shared between
// engines with the same components.
func (e *Engine) WithComponents(ids ...string) *Engine {
	e.components = append(e.components, ids...)
	return e
}

// WithStore records every assessment to s.
func (e *Engine) WithStore(s Store) *Engine {
	e.store = s
	return e
}

// WithCache reuses assessments for identical inputs for ttl.
func (e *Engine) WithCache(c Cache, ttl time.Duration) *Engine {
	e.cache = c
	e.cacheTTL = ttl
	return e
}

// WithObserver registers o to receive every assessment Analyze returns.
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observers = append(e.observers, o)
	return e
}

// WithWorkers bounds AnalyzeBatch concurrency.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// WithClock overrides the time source for EvaluatedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLogger sets the logger used when the context carries none.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Bands returns the configured status thresholds.
func (e *Engine) Bands() Bands {
	return e.bands
}

// Extractor returns the feature extractor.
func (e *Engine) Extractor() *features.Extractor {
	return e.extractor
}

// Manifest returns the classifier's feature order.
func (e *Engine) Manifest() *features.Manifest {
	return e.manifest
}

// PolicyVersion returns the configured policy version.
func (e *Engine) PolicyVersion() string {
	return e.policyVersion
}

// Analyze scores one user.
func (e *Engine) Analyze(ctx context.Context, log *karma.UserLog) (*Assessment, error) {
	ctx = logging.WithUserID(logging.Ensure(ctx, e.logger), log.UserID)
	ctx, span := traces.StartSpan(ctx, "risk.Analyze",
		traces.UserID(log.UserID), traces.LogSize(len(log.KarmaLog)))
	defer span.End()

	key, cacheable := e.cacheKey(log)
	if cacheable {
		// Identical concurrent inputs wait for the first to fill the cache.
		release, err := e.inflight.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer release()
		if a, ok := e.lookup(ctx, key); ok {
			a.EvaluatedAt = e.now().UTC()
			a.ID = idgen.Sortable(idgen.Assessment, a.EvaluatedAt)
			e.count(a)
			e.record(ctx, a)
			e.notify(ctx, a)
			span.SetAttributes(traces.Status(string(a.Status)), traces.FraudScore(a.FraudScore))
			return a, nil
		}
	}

	a, stage, err := e.assess(ctx, log)
	if err != nil {
		metrics.AssessmentErrorsTotal.WithLabelValues(stage).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.count(a)
	span.SetAttributes(traces.Status(string(a.Status)), traces.FraudScore(a.FraudScore))

	if cacheable {
		e.remember(ctx, key, a)
	}
	e.record(ctx, a)
	e.notify(ctx, a)

	logging.L(ctx).Debug("user assessed",
		"status", a.Status, "fraud_score", a.FraudScore, "flags", len(a.SuspiciousActivities))
	return a, nil
}

// assess runs the uncached pipeline. stage names the failing step for metrics.
func (e *Engine) assess(ctx context.Context, log *karma.UserLog) (*Assessment, string, error) {
	res, err := e.extractor.Extract(ctx, log)
	if err != nil {
		return nil, "extract", fmt.Errorf("extract features: %w", err)
	}

	row, err := e.manifest.Row(&res.Vector)
	if err != nil {
		return nil, "manifest", err
	}

	probs, err := e.classifier.PredictProba(ctx, e.manifest.Names(), row)
	if err != nil {
		return nil, "classify", fmt.Errorf("classify: %w", err)
	}
	if err := ValidateProbabilities(probs); err != nil {
		return nil, "classify", err
	}

	fraud := probs[ClassFraudulent]
	at := e.now().UTC()
	return &Assessment{
		ID:                   idgen.Sortable(idgen.Assessment, at),
		UserID:               log.UserID,
		FraudScore:           math.Round(fraud*1000) / 1000,
		Probabilities:        probs,
		Status:               e.bands.Resolve(fraud),
		SuspiciousActivities: e.explainer.Explain(log, res),
		Features:             res.Vector,
		PolicyVersion:        e.policyVersion,
		EvaluatedAt:          at,
	}, "", nil
}

// AnalyzeBatch scores logs concurrently and returns results in input order.
// Logs without a user ID are named user_<index>. The first failure aborts
// the batch.
func (e *Engine) AnalyzeBatch(ctx context.Context, logs []karma.UserLog) ([]*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "risk.AnalyzeBatch", traces.BatchSize(len(logs)))
	defer span.End()
	metrics.BatchSize.Observe(float64(len(logs)))

	out := make([]*Assessment, len(logs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range logs {
		log := logs[i]
		if log.UserID == "" {
			log.UserID = fmt.Sprintf("user_%d", i)
		}
		g.Go(func() error {
			a, err := e.Analyze(gctx, &log)
			if err != nil {
				return fmt.Errorf("user %q: %w", log.UserID, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// History returns recorded assessments for a user, most recent first,
// continuing after before when set.
func (e *Engine) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	if e.store == nil {
		return []*Assessment{}, nil
	}
	list, err := e.store.ListByUser(ctx, userID, before, limit)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("list").Inc()
		return nil, err
	}
	return list, nil
}

// count updates the outcome series for every returned assessment, cached
// or fresh.
func (e *Engine) count(a *Assessment) {
	metrics.AssessmentsTotal.WithLabelValues(string(a.Status)).Inc()
	metrics.FraudScore.Observe(a.FraudScore)
	for _, f := range a.SuspiciousActivities {
		metrics.SuspiciousActivitiesTotal.WithLabelValues(f.Rule).Inc()
	}
}

// record persists a best-effort audit entry; failures are logged only.
func (e *Engine) record(ctx context.Context, a *Assessment) {
	if e.store == nil {
		return
	}
	if err := e.store.Record(ctx, a); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("record").Inc()
		logging.L(ctx).Warn("failed to record assessment", "id", a.ID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, a *Assessment) {
	for _, o := range e.observers {
		o.Observe(ctx, a.clone())
	}
}

// cacheKey digests everything that determines an assessment: policy
// version, bands, manifest, rule settings, components and the log. Inputs are
// uncacheable when no cache is set or the fallback policy reads the clock.
func (e *Engine) cacheKey(log *karma.UserLog) (string, bool) {
	if e.cache == nil || !e.extractor.Deterministic() {
		return "", false
	}
	body, err := json.Marshal(log)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%v|%s|%s|%s|", e.policyVersion, e.bands.Clean, e.bands.Flagged,
		strings.Join(e.manifest.Names(), ","), e.explainer.Fingerprint(), strings.Join(e.components, ","))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), true
}

func (e *Engine) lookup(ctx context.Context, key string) (*Assessment, bool) {
	data, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("assessment cache lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	var a Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return &a, true
}

func (e *Engine) remember(ctx context.Context, key string, a *Assessment) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
		logging.L(ctx).Warn("assessment cache write failed", "error", err)
	}
}
