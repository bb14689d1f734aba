package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/mbd888/karmaguard/internal/oracle"
)

// Classifier predicts [p_normal, p_suspicious, p_fraudulent] for one feature
// row laid out in names order. Implementations must be safe for concurrent use.
type Classifier interface {
	PredictProba(ctx context.Context, names []string, row []float64) ([]float64, error)
}

// ValidateProbabilities checks the classifier output contract: three finite
// values in [0, 1] summing to 1.
func ValidateProbabilities(p []float64) error {
	if len(p) != numClasses {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidProbabilities, len(p), numClasses)
	}
	var sum float64
	for _, x := range p {
		if math.IsNaN(x) || x < 0 || x > 1 {
			return fmt.Errorf("%w: value %v outside [0, 1]", ErrInvalidProbabilities, x)
		}
		sum += x
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: sum %v", ErrInvalidProbabilities, sum)
	}
	return nil
}

// heuristicTerm is one weighted feature, capped before weighting.
type heuristicTerm struct {
	weight float64
	cap    float64
}

// heuristicWeights approximate how the trained model ranks signals.
var heuristicWeights = map[string]heuristicTerm{
	"young_upvote_ratio":      {weight: 3.0, cap: 1},
	"upvote_concentration":    {weight: 2.5, cap: 1},
	"upvote_burst_count":      {weight: 0.4, cap: 8},
	"mutual_upvote_count":     {weight: 0.8, cap: 5},
	"avg_spam_score":          {weight: 3.0, cap: 1},
	"avg_low_effort":          {weight: 1.0, cap: 1},
	"avg_post_spam_score":     {weight: 2.0, cap: 1},
	"post_burst_count":        {weight: 0.3, cap: 8},
	"upvote_sent_burst_count": {weight: 0.3, cap: 8},
	"repeated_upvotes":        {weight: 0.2, cap: 5},
	"account_age_days":        {weight: -0.005, cap: 365},
}

const heuristicBias = -3.0

// HeuristicClassifier is a deterministic stand-in for the trained model.
// It scores a weighted sum of capped features and spreads it across the
// three classes with a softmax over (-z, 0, z).
type HeuristicClassifier struct{}

func (HeuristicClassifier) PredictProba(_ context.Context, names []string, row []float64) ([]float64, error) {
	if len(names) != len(row) {
		return nil, fmt.Errorf("feature row has %d values for %d names", len(row), len(names))
	}
	z := heuristicBias
	for i, n := range names {
		term, ok := heuristicWeights[n]
		if !ok {
			continue
		}
		z += term.weight * math.Min(row[i], term.cap)
	}

	logits := [numClasses]float64{-z, 0, z}
	var denom float64
	for _, l := range logits {
		denom += math.Exp(l)
	}
	out := make([]float64, numClasses)
	for i, l := range logits {
		out[i] = math.Exp(l) / denom
	}
	return out, nil
}

// RemoteClassifier calls the model server.
type RemoteClassifier struct {
	client *oracle.Client
}

// NewRemoteClassifier creates a classifier backed by client.
func NewRemoteClassifier(client *oracle.Client) *RemoteClassifier {
	return &RemoteClassifier{client: client}
}

type predictRequest struct {
	FeatureNames []string  `json:"feature_names"`
	Values       []float64 `json:"values"`
}

type predictResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// PredictProba POSTs the ordered row to /predict.
func (c *RemoteClassifier) PredictProba(ctx context.Context, names []string, row []float64) ([]float64, error) {
	var out predictResponse
	if err := c.client.Call(ctx, "/predict", predictRequest{FeatureNames: names, Values: row}, &out); err != nil {
		return nil, err
	}
	return out.Probabilities, nil
}

// Ping checks the model server.
func (c *RemoteClassifier) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}
