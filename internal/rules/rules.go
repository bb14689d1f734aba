// Package rules explains a user's risk: it inspects the karma log and its
// feature vector and emits human-readable suspicious-activity flags.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mbd888/karmaguard/internal/content"
	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/karma"
)

// Flag is one suspicious-activity explanation.
type Flag struct {
	// ActivityID ties the flag to a log entry. Empty for account-level flags.
	ActivityID string  `json:"activity_id,omitempty"`
	Rule       string  `json:"rule"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
}

// Input is everything a rule may look at for one user.
type Input struct {
	Log    *karma.UserLog
	Result *features.Result
}

// Rule is one explanation rule. A rule returns nil when it does not fire.
type Rule interface {
	Name() string
	Evaluate(in *Input) []Flag
}

// Engine runs every rule unconditionally and concatenates their flags in
// rule order. Rules are independent; one firing never suppresses another.
type Engine struct {
	rules       []Rule
	fingerprint string
}

// NewEngine creates an engine with the given rules.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules, fingerprint: fingerprint(rules)}
}

// Fingerprint digests the rule set: each rule's name and settings, lexicon
// tables included. Engines with equal fingerprints explain identically.
func (e *Engine) Fingerprint() string {
	return e.fingerprint
}

func fingerprint(rules []Rule) string {
	h := sha256.New()
	for _, r := range rules {
		settings, err := json.Marshal(r)
		if err != nil {
			settings = []byte(fmt.Sprintf("%T", r))
		}
		fmt.Fprintf(h, "%s=%s;", r.Name(), settings)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Explain returns the ordered flags for one user. It never returns nil.
func (e *Engine) Explain(log *karma.UserLog, res *features.Result) []Flag {
	in := &Input{Log: log, Result: res}
	out := make([]Flag, 0)
	for _, r := range e.rules {
		out = append(out, r.Evaluate(in)...)
	}
	return out
}

// Names lists the rule names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Thresholds parameterizes the statistical rules.
type Thresholds struct {
	YoungUpvoteRatio    float64
	UpvoteBursts        int
	UpvoteConcentration float64
	MutualUpvotes       int
	PostSpamScore       float64
	PostBursts          int
	SentUpvoteBursts    int
	ContentSpamScore    float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		YoungUpvoteRatio:    0.3,
		UpvoteBursts:        1,
		UpvoteConcentration: 0.5,
		MutualUpvotes:       2,
		PostSpamScore:       0.7,
		PostBursts:          2,
		SentUpvoteBursts:    2,
		ContentSpamScore:    0.6,
	}
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(t Thresholds, lex *content.Lexicon) []Rule {
	if lex == nil {
		lex = content.DefaultLexicon()
	}
	return []Rule{
		&NewAccountUpvoteRule{Threshold: t.YoungUpvoteRatio},
		&KarmaBurstRule{Threshold: t.UpvoteBursts},
		&BotLikeUpvoterRule{Threshold: t.UpvoteConcentration},
		&MutualUpvoteRule{Threshold: t.MutualUpvotes},
		&PostSpamRule{Threshold: t.PostSpamScore},
		&PostBurstRule{Threshold: t.PostBursts},
		&SentUpvoteBurstRule{Threshold: t.SentUpvoteBursts},
		&SingleActivityTypeRule{},
		&LexiconRule{Lexicon: lex},
		&ContentSpamRule{Threshold: t.ContentSpamScore},
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// firstUpvoteID returns the activity ID of the first received upvote in log
// order. ok is false when there are none.
func firstUpvoteID(in *Input) (id string, ok bool) {
	ups := in.Result.Partition.UpvotesReceived
	if len(ups) == 0 {
		return "", false
	}
	return ups[0].Activity.ActivityID, true
}

// ---------------------------------------------------------------------------
// Upvote-received rules: attach to the first received upvote
// ---------------------------------------------------------------------------

type NewAccountUpvoteRule struct{ Threshold float64 }

func (r *NewAccountUpvoteRule) Name() string { return "new_account_upvote" }

func (r *NewAccountUpvoteRule) Evaluate(in *Input) []Flag {
	ratio := in.Result.Vector.YoungUpvoteRatio
	id, ok := firstUpvoteID(in)
	if !ok || ratio <= r.Threshold {
		return nil
	}
	return []Flag{{ActivityID: id, Rule: r.Name(), Reason: "Upvote from new account", Score: round2(ratio)}}
}

type KarmaBurstRule struct{ Threshold int }

func (r *KarmaBurstRule) Name() string { return "karma_burst" }

func (r *KarmaBurstRule) Evaluate(in *Input) []Flag {
	bursts := in.Result.Vector.UpvoteBurstCount
	id, ok := firstUpvoteID(in)
	if !ok || bursts <= r.Threshold {
		return nil
	}
	return []Flag{{ActivityID: id, Rule: r.Name(), Reason: "Unusual burst of karma gain", Score: float64(bursts)}}
}

type BotLikeUpvoterRule struct{ Threshold float64 }

func (r *BotLikeUpvoterRule) Name() string { return "bot_like_upvoter" }

func (r *BotLikeUpvoterRule) Evaluate(in *Input) []Flag {
	conc := in.Result.Vector.UpvoteConcentration
	id, ok := firstUpvoteID(in)
	if !ok || conc <= r.Threshold {
		return nil
	}
	return []Flag{{ActivityID: id, Rule: r.Name(), Reason: "Upvote from bot-like account", Score: round2(conc)}}
}

// ---------------------------------------------------------------------------
// Account-level rules: unattached
// ---------------------------------------------------------------------------

type MutualUpvoteRule struct{ Threshold int }

func (r *MutualUpvoteRule) Name() string { return "mutual_upvote_ring" }

func (r *MutualUpvoteRule) Evaluate(in *Input) []Flag {
	n := in.Result.Vector.MutualUpvoteCount
	if n < r.Threshold || n == 0 {
		return nil
	}
	return []Flag{{Rule: r.Name(), Reason: "High number of mutual upvotes", Score: float64(n)}}
}

type PostSpamRule struct{ Threshold float64 }

func (r *PostSpamRule) Name() string { return "post_spam_score" }

func (r *PostSpamRule) Evaluate(in *Input) []Flag {
	avg := in.Result.Vector.AvgPostSpamScore
	if avg <= r.Threshold {
		return nil
	}
	return []Flag{{Rule: r.Name(), Reason: "High average post spam score", Score: round2(avg)}}
}

type PostBurstRule struct{ Threshold int }

func (r *PostBurstRule) Name() string { return "post_burst" }

func (r *PostBurstRule) Evaluate(in *Input) []Flag {
	n := in.Result.Vector.PostBurstCount
	if n <= r.Threshold {
		return nil
	}
	return []Flag{{Rule: r.Name(), Reason: "Burst of posts in short time", Score: float64(n)}}
}

type SentUpvoteBurstRule struct{ Threshold int }

func (r *SentUpvoteBurstRule) Name() string { return "sent_upvote_burst" }

func (r *SentUpvoteBurstRule) Evaluate(in *Input) []Flag {
	n := in.Result.Vector.UpvoteSentBurstCount
	if n <= r.Threshold {
		return nil
	}
	return []Flag{{Rule: r.Name(), Reason: "Burst of upvotes sent in short time", Score: float64(n)}}
}

// SingleActivityTypeRule fires when the whole log holds exactly one
// distinct type value, unknown types included.
type SingleActivityTypeRule struct{}

func (r *SingleActivityTypeRule) Name() string { return "single_activity_type" }

func (r *SingleActivityTypeRule) Evaluate(in *Input) []Flag {
	typ, ok := in.Result.Partition.OnlyType()
	if !ok {
		return nil
	}
	return []Flag{{
		Rule:   r.Name(),
		Reason: fmt.Sprintf("Only %s type of activity is suspicious", typ),
		Score:  1.0,
	}}
}

// ---------------------------------------------------------------------------
// Per-item content rules: comments first, then posts
// ---------------------------------------------------------------------------

func contentItems(in *Input) []karma.Event {
	p := in.Result.Partition
	items := make([]karma.Event, 0, len(p.Comments)+len(p.Posts))
	items = append(items, p.Comments...)
	return append(items, p.Posts...)
}

// LexiconRule emits one flag per matching spam term, then one per matching
// vague term, for every item. Matches are never deduplicated.
type LexiconRule struct{ Lexicon *content.Lexicon }

func (r *LexiconRule) Name() string { return "lexicon" }

func (r *LexiconRule) Evaluate(in *Input) []Flag {
	var out []Flag
	for _, ev := range contentItems(in) {
		text := ev.Activity.Text()
		for _, t := range r.Lexicon.SpamMatches(text) {
			out = append(out, Flag{
				ActivityID: ev.Activity.ActivityID,
				Rule:       "spam_word",
				Reason:     fmt.Sprintf("Spam word '%s' detected", t.Term),
				Score:      t.Weight,
			})
		}
		for _, t := range r.Lexicon.VagueMatches(text) {
			out = append(out, Flag{
				ActivityID: ev.Activity.ActivityID,
				Rule:       "vague_word",
				Reason:     fmt.Sprintf("Vague word '%s' detected", t.Term),
				Score:      t.Weight,
			})
		}
	}
	return out
}

// ContentSpamRule flags items the text scorer rates as spam.
type ContentSpamRule struct{ Threshold float64 }

func (r *ContentSpamRule) Name() string { return "content_spam_score" }

func (r *ContentSpamRule) Evaluate(in *Input) []Flag {
	var out []Flag
	for _, ev := range contentItems(in) {
		s := in.Result.Scores[ev.Index].SpamScore
		if s <= r.Threshold {
			continue
		}
		out = append(out, Flag{
			ActivityID: ev.Activity.ActivityID,
			Rule:       r.Name(),
			Reason:     fmt.Sprintf("Content spam score high (%.2f)", s),
			Score:      round2(s),
		})
	}
	return out
}
