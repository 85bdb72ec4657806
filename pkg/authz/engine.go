// Package authz answers "may this subject act for this object" from a graph of
// relation tuples. The identity registry stores controller and operator grants
// here; group subjects let one grant cover many accounts.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Relations understood by the settlement core.
const (
	RelationController = "controller"
	RelationOperator   = "operator"
	RelationMember     = "member"
)

// RelationTuple is a directed edge: Subject has Relation on Object.
// (account:0xabc) -> [controller] -> (identity:00ff..)
type RelationTuple struct {
	Object   string `json:"object"`   // namespace:id, e.g. "identity:<hex>"
	Relation string `json:"relation"` // controller, operator, member
	Subject  string `json:"subject"`  // "account:<addr>" or "group:<name>"
}

// Engine is an in-memory relation graph.
type Engine struct {
	mu     sync.RWMutex
	graph  map[string]struct{}
	tuples []RelationTuple
}

func NewEngine() *Engine {
	return &Engine{
		graph:  make(map[string]struct{}),
		tuples: make([]RelationTuple, 0),
	}
}

// WriteTuple adds a relationship to the graph. Writing an existing tuple is a no-op.
func (e *Engine) WriteTuple(ctx context.Context, tuple RelationTuple) error {
	if tuple.Object == "" || tuple.Relation == "" || tuple.Subject == "" {
		return fmt.Errorf("authz: incomplete tuple %+v", tuple)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tupleKey(tuple)
	if _, exists := e.graph[key]; exists {
		return nil
	}
	e.graph[key] = struct{}{}
	e.tuples = append(e.tuples, tuple)
	return nil
}

// DeleteTuple removes a relationship. Deleting a missing tuple is a no-op.
func (e *Engine) DeleteTuple(ctx context.Context, tuple RelationTuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tupleKey(tuple)
	if _, exists := e.graph[key]; !exists {
		return nil
	}
	delete(e.graph, key)
	for i, t := range e.tuples {
		if tupleKey(t) == key {
			e.tuples = append(e.tuples[:i], e.tuples[i+1:]...)
			break
		}
	}
	return nil
}

// Check reports whether subject has relation on object, directly or through
// group membership.
func (e *Engine) Check(ctx context.Context, object, relation, subject string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkRecursive(object, relation, subject, make(map[string]bool)), nil
}

// CheckAny reports whether subject holds at least one of relations on object.
func (e *Engine) CheckAny(ctx context.Context, object string, relations []string, subject string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rel := range relations {
		if e.checkRecursive(object, rel, subject, make(map[string]bool)) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) checkRecursive(object, relation, subject string, visited map[string]bool) bool {
	if _, ok := e.graph[fmt.Sprintf("%s#%s@%s", object, relation, subject)]; ok {
		return true
	}

	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	// Expand group subjects: (object#relation@group:G) and (group:G#member@subject).
	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation || !isGroup(t.Subject) {
			continue
		}
		if e.checkRecursive(t.Subject, RelationMember, subject, visited) {
			return true
		}
	}
	return false
}

func tupleKey(t RelationTuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}

func isGroup(subject string) bool {
	return strings.HasPrefix(subject, "group:") && len(subject) > len("group:")
}
