package budget

import (
	"context"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu          sync.RWMutex
	budgets     map[Key]*Budget
	frozen      map[identity.ID]bool
	targets     map[identity.Account]bool
	payeeLimits map[PayeeKey]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets:     make(map[Key]*Budget),
		frozen:      make(map[identity.ID]bool),
		targets:     make(map[identity.Account]bool),
		payeeLimits: make(map[PayeeKey]int64),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, key Key) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[key]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Set(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *b
	val.Frozen = false
	s.budgets[b.Key()] = &val
	return nil
}

func (s *MemoryStorage) Frozen(ctx context.Context, id identity.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen[id], nil
}

func (s *MemoryStorage) SetFrozen(ctx context.Context, id identity.ID, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frozen {
		s.frozen[id] = true
	} else {
		delete(s.frozen, id)
	}
	return nil
}

func (s *MemoryStorage) TargetAllowed(ctx context.Context, target identity.Account) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[target], nil
}

func (s *MemoryStorage) SetTargetAllowed(ctx context.Context, target identity.Account, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if allowed {
		s.targets[target] = true
	} else {
		delete(s.targets, target)
	}
	return nil
}

func (s *MemoryStorage) PayeeLimit(ctx context.Context, key PayeeKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payeeLimits[key], nil
}

func (s *MemoryStorage) SetPayeeLimit(ctx context.Context, key PayeeKey, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit == 0 {
		delete(s.payeeLimits, key)
	} else {
		s.payeeLimits[key] = limit
	}
	return nil
}
