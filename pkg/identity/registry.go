package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/authz"
)

// MemoryRegistry is an in-process Registry. The controlling account of an
// identity is always authorized; further accounts are granted controller or
// operator relations through the authz engine. Inactive identities authorize
// nobody.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[ID]Record
	graph   *authz.Engine
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[ID]Record),
		graph:   authz.NewEngine(),
	}
}

// Register creates or replaces the record for id.
func (r *MemoryRegistry) Register(ctx context.Context, id ID, rec Record) error {
	if rec.Account == "" {
		return fmt.Errorf("identity: %s has no controlling account", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = rec
	return nil
}

// SetActive flips the active flag of a registered identity.
func (r *MemoryRegistry) SetActive(ctx context.Context, id ID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Active = active
	r.records[id] = rec
	return nil
}

// Grant lets account act for id under relation (authz.RelationController or
// authz.RelationOperator). Subjects of the form "group:<name>" are accepted.
func (r *MemoryRegistry) Grant(ctx context.Context, id ID, relation string, subject string) error {
	return r.graph.WriteTuple(ctx, authz.RelationTuple{
		Object:   objectOf(id),
		Relation: relation,
		Subject:  subjectOf(subject),
	})
}

// Revoke removes a grant made with Grant.
func (r *MemoryRegistry) Revoke(ctx context.Context, id ID, relation string, subject string) error {
	return r.graph.DeleteTuple(ctx, authz.RelationTuple{
		Object:   objectOf(id),
		Relation: relation,
		Subject:  subjectOf(subject),
	})
}

// AddToGroup makes account a member of group.
func (r *MemoryRegistry) AddToGroup(ctx context.Context, group string, account Account) error {
	return r.graph.WriteTuple(ctx, authz.RelationTuple{
		Object:   "group:" + group,
		Relation: authz.RelationMember,
		Subject:  subjectOf(string(account)),
	})
}

func (r *MemoryRegistry) GetIdentity(ctx context.Context, id ID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRegistry) IsAuthorized(ctx context.Context, id ID, caller Account) (bool, error) {
	rec, err := r.GetIdentity(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if !rec.Active || caller == "" {
		return false, nil
	}
	if rec.Account == caller {
		return true, nil
	}
	return r.graph.CheckAny(ctx, objectOf(id),
		[]string{authz.RelationController, authz.RelationOperator},
		subjectOf(string(caller)))
}

func objectOf(id ID) string { return "identity:" + id.String() }

func subjectOf(s string) string {
	if len(s) > 6 && s[:6] == "group:" {
		return s
	}
	return "account:" + s
}
