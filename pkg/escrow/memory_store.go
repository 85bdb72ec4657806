package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/finance"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
	custody map[finance.Asset]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
		custody: make(map[finance.Asset]int64),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.escrows[e.ID]; exists {
		return ErrDuplicateID
	}
	s.escrows[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrNoEscrow
	}
	return clone(e), nil
}

func (s *MemoryStore) Apply(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[t.ID]
	if !ok {
		return ErrNoEscrow
	}
	if e.Status != t.From {
		return ErrStaleStatus
	}
	e.Status = t.To
	e.FundedAt = t.FundedAt
	s.custody[t.Asset] += t.CustodyDelta
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Escrow, 0)
	for _, e := range s.escrows {
		if f.matches(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Custody(ctx context.Context) (map[finance.Asset]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[finance.Asset]int64, len(s.custody))
	for asset, amount := range s.custody {
		out[asset] = amount
	}
	return out, nil
}

func (s *MemoryStore) MaxID(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for id := range s.escrows {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func clone(e *Escrow) *Escrow {
	c := *e
	if e.ConditionData != nil {
		c.ConditionData = append([]byte(nil), e.ConditionData...)
	}
	return &c
}
