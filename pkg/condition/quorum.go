package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

var (
	ErrNotValidator     = errors.New("condition: not a registered validator")
	ErrInvalidThreshold = errors.New("condition: threshold must be between 1 and the validator count")
	ErrInvalidTerms     = errors.New("condition: malformed quorum terms")
)

// QuorumTerms is the optional per-escrow condition data of a ValidatorQuorum,
// CBOR encoded. A Threshold above the module threshold raises the bar for
// that escrow; a lower one is ignored.
type QuorumTerms struct {
	Threshold uint32 `cbor:"1,keyasint,omitempty"`
}

// EncodeQuorumTerms produces condition data for a ValidatorQuorum escrow.
func EncodeQuorumTerms(t QuorumTerms) ([]byte, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(t)
}

// ValidatorQuorum is satisfied once at least K of the registered validators
// have approved the escrow. Only approvals of currently registered validators
// count.
type ValidatorQuorum struct {
	mu         sync.RWMutex
	threshold  uint32
	validators map[identity.Account]struct{}
	approvals  map[uint64]map[identity.Account]struct{}
}

func NewValidatorQuorum(threshold uint32, validators ...identity.Account) (*ValidatorQuorum, error) {
	q := &ValidatorQuorum{
		validators: make(map[identity.Account]struct{}, len(validators)),
		approvals:  make(map[uint64]map[identity.Account]struct{}),
	}
	for _, v := range validators {
		q.validators[v] = struct{}{}
	}
	if threshold == 0 || int(threshold) > len(q.validators) {
		return nil, ErrInvalidThreshold
	}
	q.threshold = threshold
	return q, nil
}

// AddValidator registers a validator.
func (q *ValidatorQuorum) AddValidator(v identity.Account) {
	q.mu.Lock()
	q.validators[v] = struct{}{}
	q.mu.Unlock()
}

// RemoveValidator deregisters a validator; its approvals stop counting.
// Removal that would leave fewer validators than the threshold is rejected.
func (q *ValidatorQuorum) RemoveValidator(v identity.Account) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.validators[v]; !ok {
		return ErrNotValidator
	}
	if len(q.validators)-1 < int(q.threshold) {
		return ErrInvalidThreshold
	}
	delete(q.validators, v)
	return nil
}

// SetThreshold changes K.
func (q *ValidatorQuorum) SetThreshold(k uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if k == 0 || int(k) > len(q.validators) {
		return ErrInvalidThreshold
	}
	q.threshold = k
	return nil
}

// Approve records a validator's approval of escrowID.
func (q *ValidatorQuorum) Approve(ctx context.Context, escrowID uint64, validator identity.Account) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.validators[validator]; !ok {
		return fmt.Errorf("%w: %s", ErrNotValidator, validator)
	}
	set, exists := q.approvals[escrowID]
	if !exists {
		set = make(map[identity.Account]struct{})
		q.approvals[escrowID] = set
	}
	set[validator] = struct{}{}
	return nil
}

// Validate checks that data is empty or decodes as QuorumTerms.
func (q *ValidatorQuorum) Validate(data []byte) error {
	_, err := decodeQuorumTerms(data)
	return err
}

func decodeQuorumTerms(data []byte) (QuorumTerms, error) {
	var terms QuorumTerms
	if len(data) > 0 {
		if err := cbor.Unmarshal(data, &terms); err != nil {
			return terms, fmt.Errorf("%w: %v", ErrInvalidTerms, err)
		}
	}
	return terms, nil
}

func (q *ValidatorQuorum) IsSatisfied(ctx context.Context, escrowID uint64, data []byte) (bool, error) {
	terms, err := decodeQuorumTerms(data)
	if err != nil {
		return false, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	need := q.threshold
	if terms.Threshold > need {
		need = terms.Threshold
	}
	var count uint32
	for v := range q.approvals[escrowID] {
		if _, ok := q.validators[v]; ok {
			count++
		}
	}
	return count >= need, nil
}
