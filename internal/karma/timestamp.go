package karma

import (
	"fmt"
	"strings"
	"time"
)

// FallbackPolicy decides what happens to a timestamp that cannot be parsed.
type FallbackPolicy string

const (
	// FallbackExclude marks the event as untimed. Untimed events still count
	// toward totals but are left out of gap and burst computations.
	FallbackExclude FallbackPolicy = "exclude"

	// FallbackNow substitutes the capture time. This reproduces the legacy
	// behavior where a bad timestamp looks like the most recent activity and
	// can fabricate or suppress burst signals.
	FallbackNow FallbackPolicy = "now"
)

// ParseFallbackPolicy validates a policy name. Empty selects FallbackExclude.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackExclude:
		return FallbackExclude, nil
	case FallbackNow:
		return FallbackNow, nil
	default:
		return "", fmt.Errorf("unknown timestamp fallback policy %q", s)
	}
}

// Naive ISO-8601 layouts, tried in order. Fractional seconds are accepted
// by the parser after the seconds field even though the layouts omit them.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp strips a trailing "Z" and parses the rest as a naive
// ISO-8601 timestamp. Explicit offsets are accepted but only their wall
// clock is kept; no timezone arithmetic is applied.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "Z")
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", raw)
}

// Normalizer turns raw timestamps into comparable instants under a fallback policy.
// It is immutable and safe for concurrent use.
type Normalizer struct {
	policy FallbackPolicy
	now    func() time.Time
}

// NewNormalizer creates a normalizer. A nil clock uses time.Now.
func NewNormalizer(policy FallbackPolicy, now func() time.Time) *Normalizer {
	if policy == "" {
		policy = FallbackExclude
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{policy: policy, now: now}
}

// Policy returns the configured fallback policy.
func (n *Normalizer) Policy() FallbackPolicy {
	return n.policy
}

// Normalize parses raw. The boolean reports whether the returned instant may be
// used for chronology; fellBack reports that raw was unparsable.
func (n *Normalizer) Normalize(raw string) (at time.Time, timed bool, fellBack bool) {
	t, err := ParseTimestamp(raw)
	if err == nil {
		return t, true, false
	}
	if n.policy == FallbackNow {
		now := n.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC), true, true
	}
	return time.Time{}, false, true
}
