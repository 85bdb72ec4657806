package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

var (
	ErrNotParty     = errors.New("condition: identity is not a party to the escrow")
	ErrUnauthorized = errors.New("condition: caller not authorized for identity")
	ErrUnbound      = errors.New("condition: party resolver not bound")
)

// PartyResolver looks up the payer and payee of an escrow. The escrow engine
// implements it.
type PartyResolver interface {
	Parties(ctx context.Context, escrowID uint64) (payer, payee identity.ID, err error)
}

// MutualSignature is satisfied once both the payer and the payee have approved
// the escrow through an authorized caller.
type MutualSignature struct {
	registry identity.Registry

	mu        sync.RWMutex
	parties   PartyResolver
	approvals map[uint64]map[identity.ID]bool
}

func NewMutualSignature(registry identity.Registry) *MutualSignature {
	return &MutualSignature{
		registry:  registry,
		approvals: make(map[uint64]map[identity.ID]bool),
	}
}

// Bind sets the resolver used to find an escrow's parties.
func (m *MutualSignature) Bind(parties PartyResolver) {
	m.mu.Lock()
	m.parties = parties
	m.mu.Unlock()
}

// Approve records that party approves release of escrowID. caller must be
// authorized for party.
func (m *MutualSignature) Approve(ctx context.Context, escrowID uint64, party identity.ID, caller identity.Account) error {
	return m.record(ctx, escrowID, party, caller, true)
}

// Withdraw removes a previously recorded approval.
func (m *MutualSignature) Withdraw(ctx context.Context, escrowID uint64, party identity.ID, caller identity.Account) error {
	return m.record(ctx, escrowID, party, caller, false)
}

func (m *MutualSignature) record(ctx context.Context, escrowID uint64, party identity.ID, caller identity.Account, approve bool) error {
	payer, payee, err := m.resolve(ctx, escrowID)
	if err != nil {
		return err
	}
	if party != payer && party != payee {
		return fmt.Errorf("%w: escrow %d", ErrNotParty, escrowID)
	}
	ok, err := m.registry.IsAuthorized(ctx, party, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrUnauthorized, caller, party)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set, exists := m.approvals[escrowID]
	if !exists {
		set = make(map[identity.ID]bool)
		m.approvals[escrowID] = set
	}
	if approve {
		set[party] = true
	} else {
		delete(set, party)
	}
	return nil
}

func (m *MutualSignature) IsSatisfied(ctx context.Context, escrowID uint64, _ []byte) (bool, error) {
	payer, payee, err := m.resolve(ctx, escrowID)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.approvals[escrowID]
	return set[payer] && set[payee], nil
}

func (m *MutualSignature) resolve(ctx context.Context, escrowID uint64) (identity.ID, identity.ID, error) {
	m.mu.RLock()
	parties := m.parties
	m.mu.RUnlock()
	if parties == nil {
		return identity.ID{}, identity.ID{}, ErrUnbound
	}
	return parties.Parties(ctx, escrowID)
}
