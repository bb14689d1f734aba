// Package risk turns a karma log into an assessment: fraud probability from
// the classifier, an explainable list of suspicious activities from the rule
// engine, and a moderation status from configurable threshold bands.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/pagination"
	"github.com/mbd888/karmaguard/internal/rules"
)

// Status is the moderation outcome for a user.
type Status string

const (
	StatusClean                Status = "clean"
	StatusFlagged              Status = "flagged"
	StatusBannedRecommendation Status = "banned_recommendation"
)

// Severity orders statuses from clean (0) to banned_recommendation (2).
// Unknown statuses rank below clean.
func (s Status) Severity() int {
	switch s {
	case StatusClean:
		return 0
	case StatusFlagged:
		return 1
	case StatusBannedRecommendation:
		return 2
	default:
		return -1
	}
}

// Observer receives assessments as they are produced. Observe is called on
// the request path and must not block.
type Observer interface {
	Observe(ctx context.Context, a *Assessment)
}

// Probability vector layout returned by the classifier.
const (
	ClassNormal = iota
	ClassSuspicious
	ClassFraudulent
	numClasses
)

var (
	// ErrInvalidProbabilities means the classifier broke its output contract.
	ErrInvalidProbabilities = errors.New("invalid class probabilities")

	// ErrInvalidBands means the status thresholds do not partition [0, 1].
	ErrInvalidBands = errors.New("invalid status bands")
)

// Assessment is the scored outcome for one user.
type Assessment struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	FraudScore           float64         `json:"fraud_score"`
	Probabilities        []float64       `json:"probabilities"`
	Status               Status          `json:"status"`
	SuspiciousActivities []rules.Flag    `json:"suspicious_activities"`
	Features             features.Vector `json:"features"`
	PolicyVersion        string          `json:"policy_version"`
	EvaluatedAt          time.Time       `json:"evaluated_at"`
}

// clone returns a deep copy safe to hand to another goroutine.
func (a *Assessment) clone() *Assessment {
	c := *a
	c.Probabilities = append([]float64(nil), a.Probabilities...)
	c.SuspiciousActivities = append([]rules.Flag{}, a.SuspiciousActivities...)
	return &c
}

// Store persists assessments as an audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	// ListByUser returns a user's assessments newest first, starting after
	// before when it is non-nil.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error)
}
