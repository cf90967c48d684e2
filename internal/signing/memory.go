package signing

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Terminal sessions stay readable for a while so late pollers see the
// outcome instead of a 404.
const sessionRetention = 30 * time.Minute

// MemoryStore keeps sessions in-process. The cache handles retention; the
// mutex serializes Finish so the pending -> terminal edge happens once.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(sessionRetention, 5*time.Minute)}
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	m.cache.Set(s.ID, s, cache.DefaultExpiration)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	v, ok := m.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return v.(Session), nil
}

func (m *MemoryStore) Finish(ctx context.Context, id string, from, to Status, res *Result, reason string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	s := v.(Session)
	if s.Status != from {
		return Session{}, ErrConflict
	}
	s.Status = to
	if res != nil {
		r := *res
		s.Result = &r
	}
	s.Reason = reason
	m.cache.Set(id, s, cache.DefaultExpiration)
	return s, nil
}
