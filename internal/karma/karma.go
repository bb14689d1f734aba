// Package karma models a user's karma log: the raw, heterogeneous stream of
// votes, comments and posts that the scoring engine consumes.
//
// Activities are decoded exactly as they arrive. Optional fields stay nil when
// absent and the accessor methods substitute neutral defaults, so a sparse or
// partially malformed record never fails a whole extraction.
package karma

// ActivityType is the kind of a logged event.
type ActivityType string

const (
	UpvoteReceived ActivityType = "upvote_received"
	UpvoteSent     ActivityType = "upvote_sent"
	Comment        ActivityType = "comment"
	PostCreated    ActivityType = "post_created"
)

// Known reports whether t is one of the four recognized activity types.
func (t ActivityType) Known() bool {
	switch t {
	case UpvoteReceived, UpvoteSent, Comment, PostCreated:
		return true
	}
	return false
}

// Defaults applied when optional fields are missing.
const (
	DefaultAccountAgeDays = 10
	DefaultVoterAgeDays   = 10
)

// Activity is one logged event.
type Activity struct {
	ActivityID      string       `json:"activity_id,omitempty"`
	Type            ActivityType `json:"type"`
	Content         *string      `json:"content,omitempty"`
	FromUser        *string      `json:"from_user,omitempty"`
	FromUserAgeDays *int         `json:"from_user_age_days,omitempty"`
	ToUser          *string      `json:"to_user,omitempty"`
	ToUserAgeDays   *int         `json:"to_user_age_days,omitempty"`
	Timestamp       string       `json:"timestamp"`
	Source          string       `json:"source,omitempty"`
	PostID          string       `json:"post_id,omitempty"`
}

// Text returns the activity content, or "" when absent.
func (a *Activity) Text() string {
	if a.Content == nil {
		return ""
	}
	return *a.Content
}

// Sender returns the upvoting user and whether the field was present.
func (a *Activity) Sender() (string, bool) {
	if a.FromUser == nil {
		return "", false
	}
	return *a.FromUser, true
}

// Target returns the upvoted user and whether the field was present.
func (a *Activity) Target() (string, bool) {
	if a.ToUser == nil {
		return "", false
	}
	return *a.ToUser, true
}

// SenderAgeDays returns the sender's account age, defaulting to
// DefaultVoterAgeDays (not young) when unknown.
func (a *Activity) SenderAgeDays() int {
	if a.FromUserAgeDays == nil {
		return DefaultVoterAgeDays
	}
	return *a.FromUserAgeDays
}

// UserLog is one user's record.
type UserLog struct {
	UserID         string     `json:"user_id"`
	AccountAgeDays *int       `json:"account_age_days,omitempty"`
	KarmaLog       []Activity `json:"karma_log"`
}

// AgeDays returns the account age, defaulting to DefaultAccountAgeDays.
func (u *UserLog) AgeDays() int {
	if u.AccountAgeDays == nil {
		return DefaultAccountAgeDays
	}
	return *u.AccountAgeDays
}
