package features

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/karmaguard/internal/content"
	"github.com/mbd888/karmaguard/internal/karma"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

func ts(offset time.Duration) string {
	return base.Add(offset).Format("2006-01-02T15:04:05")
}

func upvoteFrom(sender string, age int, at time.Duration) karma.Activity {
	return karma.Activity{Type: karma.UpvoteReceived, FromUser: str(sender), FromUserAgeDays: num(age), Timestamp: ts(at)}
}

func upvoteTo(target string, at time.Duration) karma.Activity {
	return karma.Activity{Type: karma.UpvoteSent, ToUser: str(target), Timestamp: ts(at)}
}

func comment(text string, at time.Duration) karma.Activity {
	return karma.Activity{Type: karma.Comment, Content: str(text), Timestamp: ts(at)}
}

func post(text string, at time.Duration) karma.Activity {
	return karma.Activity{Type: karma.PostCreated, Content: str(text), Timestamp: ts(at)}
}

func extract(t *testing.T, e *Extractor, log karma.UserLog) Vector {
	t.Helper()
	r, err := e.Extract(context.Background(), &log)
	require.NoError(t, err)
	return r.Vector
}

func zeroScorer() *Extractor { return NewExtractor(content.Fixed{}) }

func TestExtract_EmptyLog(t *testing.T) {
	v := extract(t, zeroScorer(), karma.UserLog{UserID: "u0", AccountAgeDays: num(0)})

	for name, x := range v.Numeric() {
		assert.Zero(t, x, name)
	}
	assert.Equal(t, "u0", v.UserID)
}

func TestExtract_DefaultAccountAge(t *testing.T) {
	v := extract(t, zeroScorer(), karma.UserLog{UserID: "u"})
	assert.Equal(t, karma.DefaultAccountAgeDays, v.AccountAgeDays)
}

func TestExtract_SingleUpvoteHasNoConcentration(t *testing.T) {
	v := extract(t, zeroScorer(), karma.UserLog{KarmaLog: []karma.Activity{upvoteFrom("bob", 2, 0)}})
	assert.Equal(t, 1, v.TotalUpvotes)
	assert.Equal(t, 0.0, v.UpvoteConcentration)
	assert.Equal(t, 0.0, v.UniqueUpvotersRatio)
	assert.Equal(t, 1.0, v.YoungUpvoteRatio)
	assert.Equal(t, 0.0, v.AvgUpvoteGap)
	assert.Equal(t, 0, v.UpvoteBurstCount)
}

func TestExtract_SameSenderFiveYoungUpvotes(t *testing.T) {
	var log karma.UserLog
	for i := 0; i < 5; i++ {
		log.KarmaLog = append(log.KarmaLog, upvoteFrom("ring", 3, time.Duration(i)*10*time.Minute))
	}
	v := extract(t, zeroScorer(), log)

	assert.Equal(t, 1.0, v.UpvoteConcentration)
	assert.Equal(t, 1.0, v.YoungUpvoteRatio)
	assert.Equal(t, 0.2, v.UniqueUpvotersRatio)
	assert.Equal(t, 1, v.RepeatedUpvotes)
	assert.Equal(t, 600.0, v.AvgUpvoteGap)
	assert.Equal(t, 600.0, v.MinUpvoteGap)
	assert.Equal(t, 4, v.UpvoteBurstCount)
}

func TestExtract_UpvoteStats(t *testing.T) {
	log := karma.UserLog{KarmaLog: []karma.Activity{
		upvoteFrom("a", 30, 0),
		upvoteFrom("a", 30, 2*time.Hour),
		upvoteFrom("b", 7, 2*time.Hour),
		{Type: karma.UpvoteReceived, Timestamp: ts(5 * time.Hour)},
	}}
	v := extract(t, zeroScorer(), log)

	assert.Equal(t, 1, v.RepeatedUpvotes)
	assert.Equal(t, 0.5, v.UpvoteConcentration)
	assert.Equal(t, 0.5, v.UniqueUpvotersRatio, "the anonymous upvote has no sender")
	// missing age defaults to 10, not young
	assert.Equal(t, 0.25, v.YoungUpvoteRatio)
	assert.Equal(t, 0.0, v.MinUpvoteGap)
	assert.Equal(t, float64(5*3600)/3, v.AvgUpvoteGap)
	assert.Equal(t, 1, v.UpvoteBurstCount, "equal timestamps count as a burst")
}

func TestExtract_AnonymousUpvotesCarryNoSenderSignal(t *testing.T) {
	var log karma.UserLog
	for i := 0; i < 4; i++ {
		log.KarmaLog = append(log.KarmaLog, karma.Activity{Type: karma.UpvoteReceived, Timestamp: ts(time.Duration(i) * 5 * time.Hour)})
	}
	v := extract(t, zeroScorer(), log)

	assert.Equal(t, 4, v.TotalUpvotes)
	assert.Equal(t, 0, v.RepeatedUpvotes)
	assert.Equal(t, 0.0, v.UpvoteConcentration)
	assert.Equal(t, 0.0, v.UniqueUpvotersRatio)
	assert.Equal(t, 0, v.MutualUpvoteCount)
}

func TestExtract_MutualUpvotes(t *testing.T) {
	log := karma.UserLog{KarmaLog: []karma.Activity{
		upvoteFrom("A", 20, 0),
		upvoteFrom("B", 20, time.Hour),
		upvoteFrom("C", 20, 2*time.Hour),
		upvoteTo("A", 3*time.Hour),
		upvoteTo("C", 4*time.Hour),
		upvoteTo("D", 5*time.Hour),
		{Type: karma.UpvoteSent, Timestamp: ts(6 * time.Hour)},
	}}
	v := extract(t, zeroScorer(), log)

	assert.Equal(t, 2, v.MutualUpvoteCount)
	assert.Equal(t, 4, v.TotalUpvotesSent)
	assert.Equal(t, 3, v.UniqueUpvoteTargets)
}

func TestExtract_CommentsAndPosts(t *testing.T) {
	log := karma.UserLog{KarmaLog: []karma.Activity{
		comment("abc", 0),
		comment("héllo", 30*time.Minute),
		comment("", 3*time.Hour),
		{Type: karma.Comment, Timestamp: ts(4 * time.Hour)},
		post("p1", 0),
		post("p2", 10*time.Minute),
		post("p3", 20*time.Minute),
		upvoteFrom("x", 20, 0),
	}}
	e := NewExtractor(content.Fixed{SpamScore: 0.5, LowEffortScore: 0.25})
	v := extract(t, e, log)

	assert.Equal(t, 4, v.TotalComments)
	assert.Equal(t, 4.0, v.CommentToUpvoteRatio)
	assert.Equal(t, 2.0, v.AvgCommentLength)
	assert.Equal(t, 1.5, v.MedianCommentLength)
	assert.Equal(t, 1, v.CommentBurstCount)
	assert.Equal(t, 0.5, v.AvgSpamScore)
	assert.Equal(t, 0.25, v.AvgLowEffort)
	assert.Equal(t, 3, v.TotalPosts)
	assert.Equal(t, 2, v.PostBurstCount)
	assert.Equal(t, 0.5, v.AvgPostSpamScore)
}

func TestExtract_CommentRatioWithoutUpvotes(t *testing.T) {
	v := extract(t, zeroScorer(), karma.UserLog{KarmaLog: []karma.Activity{comment("a", 0), comment("b", 0)}})
	assert.Equal(t, 2.0, v.CommentToUpvoteRatio)
}

func TestExtract_UnknownTypesIgnored(t *testing.T) {
	v := extract(t, zeroScorer(), karma.UserLog{KarmaLog: []karma.Activity{
		{Type: "award_given", Timestamp: ts(0)},
		{Type: "Comment", Content: str("case matters"), Timestamp: ts(0)},
	}})
	for name, x := range v.Numeric() {
		if name == "account_age_days" {
			continue
		}
		assert.Zero(t, x, name)
	}
}

func TestExtract_TimestampFallbackPolicies(t *testing.T) {
	log := karma.UserLog{KarmaLog: []karma.Activity{
		upvoteFrom("a", 20, 0),
		{Type: karma.UpvoteReceived, FromUser: str("b"), Timestamp: "last tuesday"},
	}}

	excl := extract(t, zeroScorer(), log)
	assert.Equal(t, 2, excl.TotalUpvotes)
	assert.Equal(t, 0.0, excl.AvgUpvoteGap, "untimed upvote is left out of gaps")
	assert.Equal(t, 0, excl.UpvoteBurstCount)

	// Legacy policy: the bad timestamp becomes "now" and fabricates a burst.
	now := func() time.Time { return base.Add(30 * time.Minute) }
	legacy := NewExtractor(content.Fixed{}, WithNormalizer(karma.NewNormalizer(karma.FallbackNow, now)))
	assert.False(t, legacy.Deterministic())
	v := extract(t, legacy, log)
	assert.Equal(t, 1800.0, v.AvgUpvoteGap)
	assert.Equal(t, 1, v.UpvoteBurstCount)
}

func TestExtract_ScorerErrorPropagates(t *testing.T) {
	e := NewExtractor(failingAnalyzer{})
	_, err := e.Extract(context.Background(), &karma.UserLog{KarmaLog: []karma.Activity{comment("x", 0)}})
	assert.ErrorContains(t, err, "scorer down")
}

func TestExtract_RejectsOutOfRangeScore(t *testing.T) {
	e := NewExtractor(content.Fixed{SpamScore: math.NaN()})
	_, err := e.Extract(context.Background(), &karma.UserLog{KarmaLog: []karma.Activity{post("x", 0)}})
	assert.Error(t, err)
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, string) (content.Score, error) {
	return content.Score{}, errors.New("scorer down")
}

// randomLog builds a mixed log from a seeded faker.
func randomLog(f *gofakeit.Faker, n int) karma.UserLog {
	users := []string{f.Username(), f.Username(), f.Username(), f.Username()}
	log := karma.UserLog{UserID: f.UUID(), AccountAgeDays: num(f.Number(0, 400))}
	for i := 0; i < n; i++ {
		at := time.Duration(f.Number(0, 72*60)) * time.Minute
		switch f.Number(0, 4) {
		case 0:
			log.KarmaLog = append(log.KarmaLog, upvoteFrom(f.RandomString(users), f.Number(0, 30), at))
		case 1:
			log.KarmaLog = append(log.KarmaLog, upvoteTo(f.RandomString(users), at))
		case 2:
			log.KarmaLog = append(log.KarmaLog, comment(f.RandomString([]string{"nice", "pls upvote", "", "a longer thought"}), at))
		case 3:
			log.KarmaLog = append(log.KarmaLog, post(f.RandomString([]string{"boost", "release notes"}), at))
		default:
			log.KarmaLog = append(log.KarmaLog, karma.Activity{Type: "mystery", Timestamp: ts(at)})
		}
	}
	return log
}

func shuffled(f *gofakeit.Faker, log karma.UserLog) karma.UserLog {
	out := log
	out.KarmaLog = append([]karma.Activity(nil), log.KarmaLog...)
	for i := len(out.KarmaLog) - 1; i > 0; i-- {
		j := f.Number(0, i)
		out.KarmaLog[i], out.KarmaLog[j] = out.KarmaLog[j], out.KarmaLog[i]
	}
	return out
}

func TestExtract_Properties(t *testing.T) {
	f := gofakeit.New(7)
	e := NewExtractor(content.NewLexiconAnalyzer(nil))

	for i := 0; i < 100; i++ {
		log := randomLog(f, f.Number(0, 40))
		t.Run(fmt.Sprintf("log_%d", i), func(t *testing.T) {
			a := extract(t, e, log)
			b := extract(t, e, log)

			ja, err := json.Marshal(a)
			require.NoError(t, err)
			jb, err := json.Marshal(b)
			require.NoError(t, err)
			assert.Equal(t, string(ja), string(jb), "extraction is deterministic")

			s := extract(t, e, shuffled(f, log))
			assert.Equal(t, a.UpvoteBurstCount, s.UpvoteBurstCount)
			assert.Equal(t, a.CommentBurstCount, s.CommentBurstCount)
			assert.Equal(t, a.PostBurstCount, s.PostBurstCount)
			assert.Equal(t, a.UpvoteSentBurstCount, s.UpvoteSentBurstCount)
			assert.Equal(t, a.MutualUpvoteCount, s.MutualUpvoteCount)
			assert.InDelta(t, a.AvgUpvoteGap, s.AvgUpvoteGap, 1e-9)

			assert.NoError(t, a.Validate())
			assert.GreaterOrEqual(t, a.UpvoteConcentration, 0.0)
			assert.LessOrEqual(t, a.UpvoteConcentration, 1.0)
			assert.LessOrEqual(t, a.YoungUpvoteRatio, 1.0)
		})
	}
}

func TestBurstCount_MonotoneUnderSubHourAdditions(t *testing.T) {
	log := karma.UserLog{KarmaLog: []karma.Activity{post("a", 0), post("b", 3*time.Hour)}}
	e := zeroScorer()
	prev := extract(t, e, log).PostBurstCount
	for i := 1; i <= 5; i++ {
		log.KarmaLog = append(log.KarmaLog, post("x", time.Duration(i)*5*time.Minute))
		cur := extract(t, e, log).PostBurstCount
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestExtractBatch_PreservesOrder(t *testing.T) {
	f := gofakeit.New(99)
	logs := make([]karma.UserLog, 25)
	for i := range logs {
		logs[i] = randomLog(f, 10)
		logs[i].UserID = fmt.Sprintf("user_%d", i)
	}

	results, err := zeroScorer().ExtractBatch(context.Background(), logs, 4)
	require.NoError(t, err)
	require.Len(t, results, len(logs))
	for i, r := range results {
		assert.Equal(t, logs[i].UserID, r.Vector.UserID)
	}
}

func TestExtractBatch_NamesAnonymousUsers(t *testing.T) {
	logs := []karma.UserLog{{UserID: "a"}, {}}
	results, err := zeroScorer().ExtractBatch(context.Background(), logs, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", results[0].Vector.UserID)
	assert.Equal(t, "user_1", results[1].Vector.UserID)
	assert.Empty(t, logs[1].UserID, "input is not mutated")
}

func TestExtractBatch_FailsFast(t *testing.T) {
	logs := []karma.UserLog{
		{UserID: "ok"},
		{UserID: "bad", KarmaLog: []karma.Activity{comment("x", 0)}},
	}
	_, err := NewExtractor(failingAnalyzer{}).ExtractBatch(context.Background(), logs, 2)
	assert.ErrorContains(t, err, `user "bad"`)
}

func TestVectorJSONKeyOrder(t *testing.T) {
	data, err := json.Marshal(Vector{})
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(data))
	_, err = dec.Token()
	require.NoError(t, err)
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	assert.Equal(t, Keys(), keys)
	assert.Len(t, keys, 24)
}

func TestManifest(t *testing.T) {
	m := DefaultManifest()
	assert.Equal(t, NumericNames(), m.Names())

	v := Vector{AccountAgeDays: 3, MutualUpvoteCount: 2}
	row, err := m.Row(&v)
	require.NoError(t, err)
	assert.Equal(t, 3.0, row[0])
	assert.Equal(t, 2.0, row[len(row)-1])

	reversed := NumericNames()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	rm, err := NewManifest(reversed)
	require.NoError(t, err)
	row, err = rm.Row(&v)
	require.NoError(t, err)
	assert.Equal(t, 2.0, row[0])
}

func TestManifest_Mismatch(t *testing.T) {
	names := NumericNames()
	cases := map[string][]string{
		"missing":   names[1:],
		"unknown":   append(append([]string(nil), names...), "karma_velocity"),
		"duplicate": append(append([]string(nil), names...), names[0]),
		"user_id":   append([]string{UserIDKey}, names...),
	}
	for name, list := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewManifest(list)
			assert.ErrorIs(t, err, ErrManifestMismatch)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "features.json")
	data, _ := json.Marshal(NumericNames())
	require.NoError(t, os.WriteFile(good, data, 0o600))
	m, err := LoadManifest(good)
	require.NoError(t, err)
	assert.Len(t, m.Names(), 23)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`["account_age_days"]`), 0o600))
	_, err = LoadManifest(bad)
	assert.ErrorIs(t, err, ErrManifestMismatch)

	m, err = LoadManifest("")
	require.NoError(t, err)
	assert.Equal(t, NumericNames(), m.Names())
}

func TestStats(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 0.0, minimum(nil))
	assert.Equal(t, 0, burstCount([]time.Time{base}))
	assert.Equal(t, 0, burstCount([]time.Time{base, base.Add(BurstWindow)}))
	assert.Equal(t, 1, burstCount([]time.Time{base, base.Add(BurstWindow - time.Second)}))
}
