package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrManifestMismatch means the classifier's expected feature list cannot be
// satisfied by the extractor.
var ErrManifestMismatch = errors.New("feature manifest mismatch")

// Manifest is the ordered list of numeric features the classifier consumes.
type Manifest struct {
	names []string
}

// DefaultManifest lists every numeric feature in canonical order.
func DefaultManifest() *Manifest {
	return &Manifest{names: NumericNames()}
}

// NewManifest validates names against the extractor's feature set. The
// check is strict: an unknown or duplicated name fails, and so does any
// numeric feature the list omits, since a reordered or truncated model
// input would be scored silently wrong.
func NewManifest(names []string) (*Manifest, error) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == UserIDKey {
			return nil, fmt.Errorf("%w: %s is not a numeric feature", ErrManifestMismatch, n)
		}
		if _, ok := columnIndex[n]; !ok {
			return nil, fmt.Errorf("%w: unknown feature %q", ErrManifestMismatch, n)
		}
		if seen[n] {
			return nil, fmt.Errorf("%w: duplicate feature %q", ErrManifestMismatch, n)
		}
		seen[n] = true
	}
	for _, c := range columns {
		if !seen[c.name] {
			return nil, fmt.Errorf("%w: missing feature %q", ErrManifestMismatch, c.name)
		}
	}
	return &Manifest{names: append([]string(nil), names...)}, nil
}

// LoadManifest reads a JSON array of feature names. Empty path returns
// DefaultManifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return NewManifest(names)
}

// Names returns a copy of the manifest order.
func (m *Manifest) Names() []string {
	return append([]string(nil), m.names...)
}

// Row projects v onto the manifest order.
func (m *Manifest) Row(v *Vector) ([]float64, error) {
	row := make([]float64, len(m.names))
	for i, n := range m.names {
		x, ok := v.Get(n)
		if !ok {
			return nil, fmt.Errorf("%w: unknown feature %q", ErrManifestMismatch, n)
		}
		row[i] = x
	}
	return row, nil
}
