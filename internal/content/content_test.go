package content

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/karmaguard/internal/oracle"
)

func termNames(terms []Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Term
	}
	return out
}

func TestLexicon_MatchOrderAndCase(t *testing.T) {
	lex := DefaultLexicon()
	got := lex.SpamMatches("LOL Pls Upvote and follow me 🔥")
	assert.Equal(t, []string{"pls upvote", "follow me", "🔥", "lol"}, termNames(got))

	assert.Equal(t, []string{"nice", "lit"}, termNames(lex.VagueMatches("nice, literally")))
	assert.Empty(t, lex.SpamMatches(""))
}

func TestLoadLexicon(t *testing.T) {
	lex, err := LoadLexicon("")
	require.NoError(t, err)
	assert.Len(t, lex.Spam, 29)
	assert.Len(t, lex.Vague, 14)

	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spam_words:\n  - term: buy now\n    weight: 0.95\n"), 0o600))
	lex, err = LoadLexicon(path)
	require.NoError(t, err)
	assert.Equal(t, []Term{{"buy now", 0.95}}, lex.Spam)
	assert.Len(t, lex.Vague, 14, "omitted table keeps defaults")
}

func TestLoadLexicon_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vague_words:\n  - term: meh\n    weight: 3\n"), 0o600))
	_, err := LoadLexicon(path)
	assert.Error(t, err)

	_, err = LoadLexicon(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLexiconAnalyzer(t *testing.T) {
	a := NewLexiconAnalyzer(nil)
	ctx := context.Background()

	spammy, err := a.Analyze(ctx, "pls upvote fast")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, spammy.SpamScore, 1e-9)

	clean, err := a.Analyze(ctx, "I disagree with the benchmark methodology in section three of the paper.")
	require.NoError(t, err)
	assert.Zero(t, clean.SpamScore)
	assert.Zero(t, clean.LowEffortScore)

	vague, err := a.Analyze(ctx, "nice")
	require.NoError(t, err)
	assert.Greater(t, vague.LowEffortScore, 0.6)
}

func TestLexiconAnalyzer_BoundedOnRandomText(t *testing.T) {
	f := gofakeit.New(42)
	a := NewLexiconAnalyzer(nil)
	vocab := []string{"nice", "pls upvote", "boost", "the", "model", "🔥", "wow", "check this out", "great", "release"}
	for i := 0; i < 200; i++ {
		words := make([]string, f.Number(0, 12))
		for j := range words {
			words[j] = f.RandomString(vocab)
		}
		s, err := a.Analyze(context.Background(), strings.Join(words, " "))
		require.NoError(t, err)
		assert.NoError(t, s.Validate())
	}
}

func TestFixed(t *testing.T) {
	s, err := Fixed{SpamScore: 0.7}.Analyze(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, 0.7, s.SpamScore)
}

func TestRemoteAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in analyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Text == "broken" {
			_, _ = w.Write([]byte(`{"spam_score": 1.5, "low_effort_score": 0}`))
			return
		}
		_, _ = w.Write([]byte(`{"spam_score": 0.8, "low_effort_score": 0.1}`))
	}))
	defer srv.Close()

	a := NewRemoteAnalyzer(oracle.New(oracle.Config{Name: "scorer", BaseURL: srv.URL, BaseDelay: time.Millisecond}, nil))

	s, err := a.Analyze(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, Score{SpamScore: 0.8, LowEffortScore: 0.1}, s)

	_, err = a.Analyze(context.Background(), "broken")
	assert.ErrorIs(t, err, oracle.ErrBadResponse)
}
