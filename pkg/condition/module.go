// Package condition defines the release-condition capability of the escrow
// engine and the registry of approved modules.
//
// The engine only ever calls Module.IsSatisfied; it never branches on which
// variant it holds, so adding a variant is a matter of implementing Module and
// installing it under a new Ref.
package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownModule = errors.New("condition: unknown module")
	ErrNotApproved   = errors.New("condition: module not approved")
	ErrDuplicate     = errors.New("condition: module already installed")
)

// Module decides whether an escrow's release condition holds right now.
// IsSatisfied must be a pure read: no side effects, safe for any caller.
type Module interface {
	IsSatisfied(ctx context.Context, escrowID uint64, data []byte) (bool, error)
}

// Validator is implemented by modules whose condition data has a format. The
// engine checks data with it when an escrow is created, so an escrow can
// never carry data its module cannot evaluate.
type Validator interface {
	Validate(data []byte) error
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, escrowID uint64, data []byte) (bool, error)

func (f ModuleFunc) IsSatisfied(ctx context.Context, escrowID uint64, data []byte) (bool, error) {
	return f(ctx, escrowID, data)
}

// Ref is the handle an escrow records for its condition module.
type Ref string

// Registry holds installed modules and the governance approval flag of each.
// Approval gates escrow creation; installed modules stay resolvable after
// approval is withdrawn so existing escrows can still settle.
type Registry struct {
	mu       sync.RWMutex
	modules  map[Ref]Module
	approved map[Ref]bool
}

func NewRegistry() *Registry {
	return &Registry{
		modules:  make(map[Ref]Module),
		approved: make(map[Ref]bool),
	}
}

// Install registers a module implementation under ref, unapproved.
func (r *Registry) Install(ref Ref, m Module) error {
	if ref == "" || m == nil {
		return fmt.Errorf("condition: install %q: empty ref or nil module", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, ref)
	}
	r.modules[ref] = m
	return nil
}

// SetApproved flips the approval of an installed module.
func (r *Registry) SetApproved(ref Ref, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[ref]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownModule, ref)
	}
	r.approved[ref] = approved
	return nil
}

// Approved returns the module for ref if governance has approved it.
func (r *Registry) Approved(ref Ref) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.modules[ref]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, ref)
	}
	if !r.approved[ref] {
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, ref)
	}
	return m, nil
}

// Resolve returns the module for ref regardless of approval.
func (r *Registry) Resolve(ref Ref) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.modules[ref]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, ref)
	}
	return m, nil
}

// Refs lists installed modules with their approval flag.
func (r *Registry) Refs() map[Ref]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Ref]bool, len(r.modules))
	for ref := range r.modules {
		out[ref] = r.approved[ref]
	}
	return out
}
