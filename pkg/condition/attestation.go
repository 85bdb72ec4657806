package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

var (
	ErrNotAttestor       = errors.New("condition: not a registered attestor")
	ErrInvalidExpression = errors.New("condition: invalid attestation expression")
)

// Attestation evaluates a CEL expression carried as the escrow's condition
// data. The expression sees:
//
//	attestations  map(string, string)  facts recorded for the escrow
//	now           int                  unix seconds
//	escrow_id     uint
//
// e.g. `"delivery" in attestations && attestations["delivery"] == "confirmed"`.
// Runtime evaluation errors (a missing key, say) count as not satisfied.
type Attestation struct {
	env   *cel.Env
	clock func() time.Time

	mu        sync.RWMutex
	prgCache  map[string]cel.Program
	attestors map[identity.Account]struct{}
	facts     map[uint64]map[string]string
}

func NewAttestation(attestors ...identity.Account) (*Attestation, error) {
	env, err := cel.NewEnv(
		cel.Variable("attestations", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now", cel.IntType),
		cel.Variable("escrow_id", cel.UintType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: create CEL environment: %w", err)
	}
	a := &Attestation{
		env:       env,
		clock:     time.Now,
		prgCache:  make(map[string]cel.Program),
		attestors: make(map[identity.Account]struct{}, len(attestors)),
		facts:     make(map[uint64]map[string]string),
	}
	for _, at := range attestors {
		a.attestors[at] = struct{}{}
	}
	return a, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *Attestation) WithClock(clock func() time.Time) *Attestation {
	a.clock = clock
	return a
}

// Attest records key=value for escrowID on behalf of a registered attestor.
func (a *Attestation) Attest(ctx context.Context, escrowID uint64, attestor identity.Account, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.attestors[attestor]; !ok {
		return fmt.Errorf("%w: %s", ErrNotAttestor, attestor)
	}
	set, exists := a.facts[escrowID]
	if !exists {
		set = make(map[string]string)
		a.facts[escrowID] = set
	}
	set[key] = value
	return nil
}

// Compile validates an expression without evaluating it.
func (a *Attestation) Compile(expr string) error {
	_, err := a.program(expr)
	return err
}

// Validate compiles data as the escrow's CEL expression.
func (a *Attestation) Validate(data []byte) error {
	return a.Compile(string(data))
}

func (a *Attestation) IsSatisfied(ctx context.Context, escrowID uint64, data []byte) (bool, error) {
	prg, err := a.program(string(data))
	if err != nil {
		return false, err
	}

	a.mu.RLock()
	facts := make(map[string]string, len(a.facts[escrowID]))
	for k, v := range a.facts[escrowID] {
		facts[k] = v
	}
	a.mu.RUnlock()

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"attestations": facts,
		"now":          a.clock().Unix(),
		"escrow_id":    escrowID,
	})
	if err != nil {
		return false, nil
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok, nil
}

func (a *Attestation) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.prgCache[expr]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: result type %s, want bool", ErrInvalidExpression, ast.OutputType())
	}
	prg, err := a.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	a.mu.Lock()
	a.prgCache[expr] = prg
	a.mu.Unlock()
	return prg, nil
}
