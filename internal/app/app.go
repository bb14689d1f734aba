// Package app assembles the scoring engine and its backing services from
// configuration. Every entry point (HTTP, batch CLI, stream worker) builds
// through here so they score identically.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/karmaguard/internal/circuitbreaker"
	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/content"
	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/health"
	"github.com/mbd888/karmaguard/internal/karma"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/oracle"
	"github.com/mbd888/karmaguard/internal/realtime"
	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/rules"
	"github.com/mbd888/karmaguard/internal/webhooks"
	"github.com/mbd888/karmaguard/migrations"
)

// App holds the assembled engine and the resources it owns.
type App struct {
	Engine *risk.Engine
	Health *health.Registry
	Feed   *realtime.Hub
	DB     *sql.DB // nil when using in-memory storage

	logger  *slog.Logger
	closers []func() error
}

// Option configures assembly.
type Option func(*options)

type options struct {
	store    risk.Store
	cache    risk.Cache
	noCache  bool
	analyzer content.Analyzer
	model    risk.Classifier
	clock    func() time.Time
}

// WithStore overrides the assessment store (tests, CLI).
func WithStore(s risk.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCache overrides the result cache.
func WithCache(c risk.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithoutCache disables result caching.
func WithoutCache() Option {
	return func(o *options) { o.noCache = true }
}

// WithAnalyzer overrides the content analyzer.
func WithAnalyzer(a content.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithClassifier overrides the risk classifier.
func WithClassifier(c risk.Classifier) Option {
	return func(o *options) { o.model = c }
}

// WithClock overrides the time source for timestamp fallback and
// assessment times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds the engine from cfg. Storage is Postgres when DATABASE_URL is
// set and in-memory otherwise; the cache is Redis when REDIS_URL is set.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		Health: health.NewRegistry(2 * time.Second),
		logger: logger,
	}

	engine, err := a.build(ctx, cfg, o)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = engine
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, o *options) (*risk.Engine, error) {
	policy := cfg.Policy

	// === Scoring inputs ===
	lexicon := content.DefaultLexicon()
	if cfg.LexiconPath != "" {
		lex, err := content.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		lexicon = lex
	}

	manifest := features.DefaultManifest()
	if cfg.ManifestPath != "" {
		m, err := features.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	fallback, err := karma.ParseFallbackPolicy(policy.TimestampFallback)
	if err != nil {
		return nil, err
	}

	bands := risk.Bands{Clean: policy.FraudScoreThresholds.Clean, Flagged: policy.FraudScoreThresholds.Flagged}
	if err := bands.Validate(); err != nil {
		return nil, err
	}

	// === Oracles ===
	breaker := circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithLogger(a.logger))

	scorerID, classifierID := "scorer=injected", "classifier=injected"
	analyzer := o.analyzer
	if analyzer == nil && cfg.ScorerURL != "" {
		client := oracle.New(oracle.Config{Name: "scorer", BaseURL: cfg.ScorerURL, Timeout: cfg.OracleTimeout}, breaker)
		remote := content.NewRemoteAnalyzer(client)
		a.Health.Register("scorer", remote.Ping)
		analyzer = remote
		scorerID = "scorer=" + cfg.ScorerURL
		a.logger.Info("using remote content scorer", "url", cfg.ScorerURL)
	}
	if analyzer == nil {
		analyzer = content.NewLexiconAnalyzer(lexicon)
		scorerID = "scorer=lexicon"
	}

	classifier := o.model
	if classifier == nil && cfg.ClassifierURL != "" {
		client := oracle.New(oracle.Config{Name: "classifier", BaseURL: cfg.ClassifierURL, Timeout: cfg.OracleTimeout}, breaker)
		remote := risk.NewRemoteClassifier(client)
		a.Health.Register("classifier", remote.Ping)
		classifier = remote
		classifierID = "classifier=" + cfg.ClassifierURL
		a.logger.Info("using remote classifier", "url", cfg.ClassifierURL)
	}
	if classifier == nil {
		classifier = risk.HeuristicClassifier{}
		classifierID = "classifier=heuristic"
	}

	// === Pipeline ===
	extractor := features.NewExtractor(analyzer,
		features.WithNormalizer(karma.NewNormalizer(fallback, o.clock)),
		features.WithLogger(a.logger),
	)

	thresholds := rules.DefaultThresholds()
	thresholds.MutualUpvotes = policy.MutualUpvoteThreshold
	explainer := rules.NewEngine(rules.DefaultRules(thresholds, lexicon)...)

	engine := risk.NewEngine(extractor, explainer, classifier).
		WithManifest(manifest).
		WithBands(bands).
		WithPolicyVersion(policy.Version).
		WithComponents(scorerID, classifierID).
		WithWorkers(cfg.BatchWorkers).
		WithClock(o.clock).
		WithLogger(a.logger)

	// === Storage ===
	store := o.store
	if store == nil {
		store, err = a.openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	engine.WithStore(store)

	if !o.noCache {
		cache := o.cache
		if cache == nil {
			cache, err = a.openCache(ctx, cfg)
			if err != nil {
				return nil, err
			}
		}
		engine.WithCache(cache, cfg.CacheTTL)
	}

	// === Observers ===
	a.Feed = realtime.NewHub(a.logger,
		realtime.WithAllowedOrigins(cfg.CORSOrigins),
		realtime.WithMaxClients(cfg.LiveFeedMaxClients),
	)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	go a.Feed.Run(feedCtx)
	a.closers = append(a.closers, func() error { stopFeed(); return nil })
	engine.WithObserver(a.Feed)

	if cfg.AlertWebhookURL != "" {
		notifier := webhooks.New(webhooks.Config{
			URL:       cfg.AlertWebhookURL,
			Secret:    cfg.AlertWebhookSecret,
			MinStatus: risk.Status(cfg.AlertMinStatus),
			Timeout:   cfg.OracleTimeout,
		}, a.logger)
		a.closers = append(a.closers, notifier.Close)
		engine.WithObserver(notifier)
		a.logger.Info("alert webhook enabled", "min_status", cfg.AlertMinStatus, "signed", cfg.AlertWebhookSecret != "")
	}

	a.logger.Info("scoring engine ready",
		"policy_version", policy.Version,
		"timestamp_fallback", string(fallback),
		"bands_clean", bands.Clean,
		"bands_flagged", bands.Flagged,
		"features", len(manifest.Names()),
		"rules", len(explainer.Names()),
	)
	return engine, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (risk.Store, error) {
	if cfg.DatabaseURL == "" {
		a.logger.Info("using in-memory assessment store")
		return risk.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		return nil, err
	}

	store := risk.NewPostgresStore(db)
	a.Health.Register("database", store.Ping)
	if err := metrics.RegisterDB(db, "assessments"); err != nil {
		a.logger.Warn("database pool metrics unavailable", "error", err)
	}

	a.logger.Info("using PostgreSQL storage", "url", MaskDSN(cfg.DatabaseURL))
	return store, nil
}

func (a *App) openCache(ctx context.Context, cfg *config.Config) (risk.Cache, error) {
	if cfg.RedisURL == "" {
		return risk.NewMemoryCache(), nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	a.closers = append(a.closers, rdb.Close)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	cache := risk.NewRedisCache(rdb, "karmaguard:assessment:")
	a.Health.Register("cache", cache.Ping, health.Optional())

	a.logger.Info("using Redis assessment cache", "url", MaskDSN(cfg.RedisURL))
	return cache, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
