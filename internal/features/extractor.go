// Package features turns a karma log into the fixed feature vector consumed
// by the risk classifier and the rule engine.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/karmaguard/internal/content"
	"github.com/mbd888/karmaguard/internal/karma"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/metrics"
)

// youngAgeDays is the inclusive account age at or below which an upvoter is young.
const youngAgeDays = 7

// Result is one extraction: the vector plus the intermediate data the rule
// engine explains from.
type Result struct {
	Vector    Vector
	Partition *karma.Partition
	// Scores holds the text scorer verdict per comment and post, keyed by
	// karma log index.
	Scores map[int]content.Score
}

// Extractor computes feature vectors. It holds no per-user state and is
// safe for concurrent use.
type Extractor struct {
	analyzer     content.Analyzer
	normalizer   *karma.Normalizer
	itemParallel int
	logger       *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithNormalizer sets the timestamp normalizer.
func WithNormalizer(n *karma.Normalizer) Option {
	return func(e *Extractor) { e.normalizer = n }
}

// WithItemParallelism bounds concurrent scorer calls within one user log.
func WithItemParallelism(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.itemParallel = n
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an extractor scoring text with analyzer.
func NewExtractor(analyzer content.Analyzer, opts ...Option) *Extractor {
	e := &Extractor{
		analyzer:     analyzer,
		normalizer:   karma.NewNormalizer(karma.FallbackExclude, nil),
		itemParallel: 4,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deterministic reports whether identical logs always yield identical
// vectors. It is false under the "now" fallback policy.
func (e *Extractor) Deterministic() bool {
	return e.normalizer.Policy() != karma.FallbackNow
}

// Extract computes the feature vector for one user.
func (e *Extractor) Extract(ctx context.Context, log *karma.UserLog) (*Result, error) {
	start := time.Now()
	defer func() { metrics.ExtractionDuration.Observe(time.Since(start).Seconds()) }()

	p := karma.Split(log.KarmaLog, e.normalizer)
	if p.Fallbacks > 0 {
		policy := string(e.normalizer.Policy())
		metrics.TimestampFallbacksTotal.WithLabelValues(policy).Add(float64(p.Fallbacks))
		logging.L(ctx).Debug("unparsable timestamps", "count", p.Fallbacks, "policy", policy)
	}

	scores, err := e.scoreContent(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("score content: %w", err)
	}

	v := Vector{
		UserID:         log.UserID,
		AccountAgeDays: log.AgeDays(),
		TotalComments:  len(p.Comments),
		TotalUpvotes:   len(p.UpvotesReceived),
		TotalPosts:     len(p.Posts),
	}
	applyUpvoteFeatures(&v, p.UpvotesReceived)
	applyCommentFeatures(&v, p.Comments, scores)
	applyPostFeatures(&v, p.Posts, scores)
	applySentFeatures(&v, p.UpvotesReceived, p.UpvotesSent)

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &Result{Vector: v, Partition: p, Scores: scores}, nil
}

// ExtractBatch extracts every log with at most workers concurrent users.
// Results are in input order and logs without a user ID are named
// user_<index>. The first failure cancels the rest.
func (e *Extractor) ExtractBatch(ctx context.Context, logs []karma.UserLog, workers int) ([]*Result, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]*Result, len(logs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range logs {
		log := logs[i]
		if log.UserID == "" {
			log.UserID = fmt.Sprintf("user_%d", i)
		}
		g.Go(func() error {
			r, err := e.Extract(logging.WithUserID(gctx, log.UserID), &log)
			if err != nil {
				return fmt.Errorf("user %q: %w", log.UserID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Extractor) scoreContent(ctx context.Context, p *karma.Partition) (map[int]content.Score, error) {
	items := make([]karma.Event, 0, len(p.Comments)+len(p.Posts))
	items = append(items, p.Comments...)
	items = append(items, p.Posts...)

	out := make([]content.Score, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.itemParallel)
	for i, ev := range items {
		g.Go(func() error {
			s, err := e.analyzer.Analyze(gctx, ev.Activity.Text())
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return fmt.Errorf("activity %d: %w", ev.Index, err)
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := make(map[int]content.Score, len(items))
	for i, ev := range items {
		scores[ev.Index] = out[i]
	}
	return scores, nil
}

func applyUpvoteFeatures(v *Vector, upvotes []karma.Event) {
	n := len(upvotes)
	if n == 0 {
		return
	}

	// Anonymous upvotes count toward the total but belong to no sender.
	perSender := make(map[string]int)
	young := 0
	for _, ev := range upvotes {
		if sender, ok := ev.Activity.Sender(); ok && sender != "" {
			perSender[sender]++
		}
		if ev.Activity.SenderAgeDays() <= youngAgeDays {
			young++
		}
	}

	top := 0
	for _, c := range perSender {
		if c > 1 {
			v.RepeatedUpvotes++
		}
		if c > top {
			top = c
		}
	}
	// A lone upvote carries no concentration signal.
	if n > 1 {
		v.UpvoteConcentration = float64(top) / float64(n)
		v.UniqueUpvotersRatio = float64(len(perSender)) / float64(n)
	}
	v.YoungUpvoteRatio = float64(young) / float64(n)

	times := karma.Chronology(upvotes)
	gaps := gapSeconds(times)
	v.AvgUpvoteGap = mean(gaps)
	v.MinUpvoteGap = minimum(gaps)
	v.UpvoteBurstCount = burstCount(times)
}

func applyCommentFeatures(v *Vector, comments []karma.Event, scores map[int]content.Score) {
	v.CommentToUpvoteRatio = float64(len(comments)) / float64(max(1, v.TotalUpvotes))
	v.CommentBurstCount = burstCount(karma.Chronology(comments))
	if len(comments) == 0 {
		return
	}

	lengths := make([]float64, len(comments))
	spam := make([]float64, len(comments))
	low := make([]float64, len(comments))
	for i, ev := range comments {
		lengths[i] = float64(utf8.RuneCountInString(ev.Activity.Text()))
		s := scores[ev.Index]
		spam[i] = s.SpamScore
		low[i] = s.LowEffortScore
	}
	v.AvgCommentLength = mean(lengths)
	v.MedianCommentLength = median(lengths)
	v.AvgSpamScore = mean(spam)
	v.AvgLowEffort = mean(low)
}

func applyPostFeatures(v *Vector, posts []karma.Event, scores map[int]content.Score) {
	v.PostBurstCount = burstCount(karma.Chronology(posts))
	spam := make([]float64, len(posts))
	for i, ev := range posts {
		spam[i] = scores[ev.Index].SpamScore
	}
	v.AvgPostSpamScore = mean(spam)
}

// applySentFeatures covers outgoing upvotes and the reciprocity between
// senders of received upvotes and targets of sent ones. Absent or empty
// user fields never join the mutual set.
func applySentFeatures(v *Vector, received, sent []karma.Event) {
	v.TotalUpvotesSent = len(sent)
	v.UpvoteSentBurstCount = burstCount(karma.Chronology(sent))

	targets := make(map[string]struct{})
	for _, ev := range sent {
		if t, ok := ev.Activity.Target(); ok && t != "" {
			targets[t] = struct{}{}
		}
	}
	v.UniqueUpvoteTargets = len(targets)

	senders := make(map[string]struct{})
	for _, ev := range received {
		if s, ok := ev.Activity.Sender(); ok && s != "" {
			senders[s] = struct{}{}
		}
	}
	for s := range senders {
		if _, ok := targets[s]; ok {
			v.MutualUpvoteCount++
		}
	}
}
