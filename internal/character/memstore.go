package character

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store]. It is suitable for
// single-process/dev use when no Postgres DSN is configured. The zero value
// is ready to use.
type MemStore struct {
	mu         sync.RWMutex
	characters map[string]Character
}

// NewMemStore returns an initialized MemStore.
func NewMemStore() *MemStore {
	return &MemStore{characters: make(map[string]Character)}
}

// Create implements Store.
func (s *MemStore) Create(ctx context.Context, c *Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.characters == nil {
		s.characters = make(map[string]Character)
	}
	if _, exists := s.characters[c.Name]; exists {
		return ErrDuplicateName
	}
	c.LastModified = time.Now()
	s.characters[c.Name] = *c
	return nil
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, name string) (*Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, c *Character, expectedUpdatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.characters[c.Name]
	if !ok {
		return ErrNotFound
	}
	if expectedUpdatedAt != 0 && existing.LastModified.UnixNano() != expectedUpdatedAt {
		return &ErrConflict{Name: c.Name}
	}
	c.LastModified = time.Now()
	s.characters[c.Name] = *c
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.characters, name)
	return nil
}

// List implements Store.
func (s *MemStore) List(ctx context.Context) ([]Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Character, 0, len(s.characters))
	for _, c := range s.characters {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Character) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Exists implements Store.
func (s *MemStore) Exists(ctx context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.characters[name]
	return ok
}
