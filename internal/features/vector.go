package features

import (
	"fmt"
	"math"
)

// Vector is the per-user feature record. JSON field order is the canonical
// feature order.
type Vector struct {
	UserID               string  `json:"user_id"`
	AccountAgeDays       int     `json:"account_age_days"`
	TotalComments        int     `json:"total_comments"`
	TotalUpvotes         int     `json:"total_upvotes"`
	RepeatedUpvotes      int     `json:"repeated_upvotes"`
	UpvoteConcentration  float64 `json:"upvote_concentration"`
	UniqueUpvotersRatio  float64 `json:"unique_upvoters_ratio"`
	YoungUpvoteRatio     float64 `json:"young_upvote_ratio"`
	AvgUpvoteGap         float64 `json:"avg_upvote_gap"`
	MinUpvoteGap         float64 `json:"min_upvote_gap"`
	UpvoteBurstCount     int     `json:"upvote_burst_count"`
	AvgSpamScore         float64 `json:"avg_spam_score"`
	AvgLowEffort         float64 `json:"avg_low_effort"`
	CommentToUpvoteRatio float64 `json:"comment_to_upvote_ratio"`
	AvgCommentLength     float64 `json:"avg_comment_length"`
	MedianCommentLength  float64 `json:"median_comment_length"`
	CommentBurstCount    int     `json:"comment_burst_count"`
	TotalPosts           int     `json:"total_posts"`
	PostBurstCount       int     `json:"post_burst_count"`
	AvgPostSpamScore     float64 `json:"avg_post_spam_score"`
	TotalUpvotesSent     int     `json:"total_upvotes_sent"`
	UniqueUpvoteTargets  int     `json:"unique_upvote_targets"`
	UpvoteSentBurstCount int     `json:"upvote_sent_burst_count"`
	MutualUpvoteCount    int     `json:"mutual_upvote_count"`
}

// UserIDKey is the only non-numeric key.
const UserIDKey = "user_id"

type column struct {
	name string
	get  func(*Vector) float64
}

// columns lists the numeric features in canonical order.
var columns = []column{
	{"account_age_days", func(v *Vector) float64 { return float64(v.AccountAgeDays) }},
	{"total_comments", func(v *Vector) float64 { return float64(v.TotalComments) }},
	{"total_upvotes", func(v *Vector) float64 { return float64(v.TotalUpvotes) }},
	{"repeated_upvotes", func(v *Vector) float64 { return float64(v.RepeatedUpvotes) }},
	{"upvote_concentration", func(v *Vector) float64 { return v.UpvoteConcentration }},
	{"unique_upvoters_ratio", func(v *Vector) float64 { return v.UniqueUpvotersRatio }},
	{"young_upvote_ratio", func(v *Vector) float64 { return v.YoungUpvoteRatio }},
	{"avg_upvote_gap", func(v *Vector) float64 { return v.AvgUpvoteGap }},
	{"min_upvote_gap", func(v *Vector) float64 { return v.MinUpvoteGap }},
	{"upvote_burst_count", func(v *Vector) float64 { return float64(v.UpvoteBurstCount) }},
	{"avg_spam_score", func(v *Vector) float64 { return v.AvgSpamScore }},
	{"avg_low_effort", func(v *Vector) float64 { return v.AvgLowEffort }},
	{"comment_to_upvote_ratio", func(v *Vector) float64 { return v.CommentToUpvoteRatio }},
	{"avg_comment_length", func(v *Vector) float64 { return v.AvgCommentLength }},
	{"median_comment_length", func(v *Vector) float64 { return v.MedianCommentLength }},
	{"comment_burst_count", func(v *Vector) float64 { return float64(v.CommentBurstCount) }},
	{"total_posts", func(v *Vector) float64 { return float64(v.TotalPosts) }},
	{"post_burst_count", func(v *Vector) float64 { return float64(v.PostBurstCount) }},
	{"avg_post_spam_score", func(v *Vector) float64 { return v.AvgPostSpamScore }},
	{"total_upvotes_sent", func(v *Vector) float64 { return float64(v.TotalUpvotesSent) }},
	{"unique_upvote_targets", func(v *Vector) float64 { return float64(v.UniqueUpvoteTargets) }},
	{"upvote_sent_burst_count", func(v *Vector) float64 { return float64(v.UpvoteSentBurstCount) }},
	{"mutual_upvote_count", func(v *Vector) float64 { return float64(v.MutualUpvoteCount) }},
}

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c.name] = i
	}
	return m
}()

// NumericNames returns the numeric feature names in canonical order.
func NumericNames() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.name
	}
	return out
}

// Keys returns all feature keys, user_id first.
func Keys() []string {
	return append([]string{UserIDKey}, NumericNames()...)
}

// Get returns a numeric feature by name.
func (v *Vector) Get(name string) (float64, bool) {
	i, ok := columnIndex[name]
	if !ok {
		return 0, false
	}
	return columns[i].get(v), true
}

// Numeric returns all numeric features keyed by name.
func (v *Vector) Numeric() map[string]float64 {
	m := make(map[string]float64, len(columns))
	for _, c := range columns {
		m[c.name] = c.get(v)
	}
	return m
}

// Validate rejects NaN and infinite values.
func (v *Vector) Validate() error {
	for _, c := range columns {
		if x := c.get(v); math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("feature %s is not finite", c.name)
		}
	}
	return nil
}
