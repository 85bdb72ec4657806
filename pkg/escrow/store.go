package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/finance"
)

var (
	ErrNoEscrow    = errors.New("escrow: no such escrow")
	ErrDuplicateID = errors.New("escrow: id already exists")
	// ErrStaleStatus means the stored status no longer matches the expected
	// one; the transition was not applied.
	ErrStaleStatus = errors.New("escrow: status changed concurrently")
)

// Transition moves one escrow between states and adjusts the engine's
// custody of its asset by CustodyDelta, in one atomic step.
type Transition struct {
	ID           uint64
	From         Status
	To           Status
	FundedAt     time.Time
	Asset        finance.Asset
	CustodyDelta int64
}

// Store persists escrows and the engine's custody ledger.
type Store interface {
	Insert(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Apply(ctx context.Context, t Transition) error
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	Custody(ctx context.Context) (map[finance.Asset]int64, error)
	MaxID(ctx context.Context) (uint64, error)
}
