package risk

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/karmaguard/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // userID → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.UserID] = append(s.assessments[a.UserID], a.clone())
	return nil
}

// ListByUser orders by (EvaluatedAt, ID) descending, like the Postgres store.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	all := make([]*Assessment, len(s.assessments[userID]))
	copy(all, s.assessments[userID])
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return newerThan(all[i], all[j]) })

	result := make([]*Assessment, 0)
	for _, a := range all {
		if before != nil && !olderThanCursor(a, before) {
			continue
		}
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, a.clone())
	}
	return result, nil
}

func newerThan(a, b *Assessment) bool {
	if !a.EvaluatedAt.Equal(b.EvaluatedAt) {
		return a.EvaluatedAt.After(b.EvaluatedAt)
	}
	return a.ID > b.ID
}

func olderThanCursor(a *Assessment, c *pagination.Cursor) bool {
	if !a.EvaluatedAt.Equal(c.CreatedAt) {
		return a.EvaluatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}
