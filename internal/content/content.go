// Package content scores comment and post text for spamminess and low effort.
//
// The production scorer is an external model reached over HTTP; the lexicon
// analyzer is a deterministic local stand-in used in tests, offline batch
// runs and whenever no scorer is configured.
package content

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/mbd888/karmaguard/internal/oracle"
)

// Score is a text scorer verdict. Both values are in [0, 1].
type Score struct {
	SpamScore      float64 `json:"spam_score"`
	LowEffortScore float64 `json:"low_effort_score"`
}

// Validate rejects out-of-range or non-finite scores.
func (s Score) Validate() error {
	for _, v := range []float64{s.SpamScore, s.LowEffortScore} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("score %v outside [0, 1]", v)
		}
	}
	return nil
}

// Analyzer scores a single text. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Score, error)
}

// Fixed returns the same score for every text.
type Fixed Score

func (f Fixed) Analyze(context.Context, string) (Score, error) {
	return Score(f), nil
}

// LexiconAnalyzer derives scores from lexicon matches and text length.
type LexiconAnalyzer struct {
	lex *Lexicon
}

// NewLexiconAnalyzer creates an analyzer. A nil lexicon uses DefaultLexicon.
func NewLexiconAnalyzer(lex *Lexicon) *LexiconAnalyzer {
	if lex == nil {
		lex = DefaultLexicon()
	}
	return &LexiconAnalyzer{lex: lex}
}

// shortText is the rune length below which text reads as low effort.
const shortText = 40

// Analyze combines matched term weights as a noisy-OR. Low effort also
// rises as the text gets shorter, up to half weight for empty text.
func (a *LexiconAnalyzer) Analyze(_ context.Context, text string) (Score, error) {
	spam := noisyOr(a.lex.SpamMatches(text))
	vague := noisyOr(a.lex.VagueMatches(text))

	shortness := 0.0
	if n := utf8.RuneCountInString(text); n < shortText {
		shortness = 0.5 * float64(shortText-n) / shortText
	}
	low := 1 - (1-vague)*(1-shortness)

	return Score{SpamScore: clamp01(spam), LowEffortScore: clamp01(low)}, nil
}

func noisyOr(terms []Term) float64 {
	miss := 1.0
	for _, t := range terms {
		miss *= 1 - t.Weight
	}
	return 1 - miss
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RemoteAnalyzer delegates scoring to the external text scorer.
type RemoteAnalyzer struct {
	client *oracle.Client
}

// NewRemoteAnalyzer creates an analyzer backed by client.
func NewRemoteAnalyzer(client *oracle.Client) *RemoteAnalyzer {
	return &RemoteAnalyzer{client: client}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

// Analyze POSTs {"text": ...} to /analyze and validates the reply.
func (a *RemoteAnalyzer) Analyze(ctx context.Context, text string) (Score, error) {
	var out Score
	if err := a.client.Call(ctx, "/analyze", analyzeRequest{Text: text}, &out); err != nil {
		return Score{}, err
	}
	if err := out.Validate(); err != nil {
		return Score{}, fmt.Errorf("%w: %v", oracle.ErrBadResponse, err)
	}
	return out, nil
}

// Ping checks the remote scorer.
func (a *RemoteAnalyzer) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}
