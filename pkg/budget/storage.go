package budget

import (
	"context"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// Storage persists budget state. Get returns (nil, nil) for a budget that
// has never been written. The ledger serializes writers per key; Storage
// need only make each call atomic.
type Storage interface {
	Get(ctx context.Context, key Key) (*Budget, error)
	Set(ctx context.Context, b *Budget) error

	Frozen(ctx context.Context, id identity.ID) (bool, error)
	SetFrozen(ctx context.Context, id identity.ID, frozen bool) error

	TargetAllowed(ctx context.Context, target identity.Account) (bool, error)
	SetTargetAllowed(ctx context.Context, target identity.Account, allowed bool) error

	PayeeLimit(ctx context.Context, key PayeeKey) (int64, error)
	SetPayeeLimit(ctx context.Context, key PayeeKey, limit int64) error
}
