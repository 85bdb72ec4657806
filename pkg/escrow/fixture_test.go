package escrow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

const (
	usdc     finance.Asset    = "USDC"
	alice    identity.Account = "acct:alice"
	bob      identity.Account = "acct:bob"
	mallory  identity.Account = "acct:mallory"
	admin    identity.Account = "acct:admin"
	treasury identity.Account = "acct:treasury"
	gateRef  condition.Ref    = "gate"
)

var (
	payerID = identity.DeriveID("alice")
	payeeID = identity.DeriveID("bob")
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	now       time.Time
	engine    *Engine
	store     Store
	vault     *vault.MemoryVault
	registry  *identity.MemoryRegistry
	modules   *condition.Registry
	log       *audit.Log
	satisfied atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store Store) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		store:    store,
		vault:    vault.NewMemoryVault(),
		registry: identity.NewMemoryRegistry(),
		modules:  condition.NewRegistry(),
		log:      audit.NewLog(),
	}
	f.log.WithClock(f.clock)

	require.NoError(t, f.registry.Register(f.ctx, payerID, identity.Record{Account: alice, Active: true}))
	require.NoError(t, f.registry.Register(f.ctx, payeeID, identity.Record{Account: bob, Active: true}))
	f.vault.Mint(usdc, alice, 1000)

	require.NoError(t, f.modules.Install(gateRef, condition.ModuleFunc(func(context.Context, uint64, []byte) (bool, error) {
		return f.satisfied.Load(), nil
	})))
	require.NoError(t, f.modules.SetApproved(gateRef, true))

	fees, err := finance.NewFeePolicy(100)
	require.NoError(t, err)
	authority, err := governance.NewAuthority(admin)
	require.NoError(t, err)

	f.engine, err = NewEngine(f.ctx, Config{
		Store:     store,
		Registry:  f.registry,
		Modules:   f.modules,
		Vault:     f.vault,
		Fees:      fees,
		Authority: authority,
		Treasury:  treasury,
		Emitter:   f.log,
	})
	require.NoError(t, err)
	f.engine.WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) request(amount int64) CreateRequest {
	return CreateRequest{
		Payer:     payerID,
		Payee:     payeeID,
		Asset:     usdc,
		Amount:    amount,
		Deadline:  f.now.Add(time.Hour),
		TermsHash: audit.Keccak256([]byte("terms v1")),
		Condition: gateRef,
	}
}

// funded creates and funds an escrow of amount.
func (f *fixture) funded(amount int64) *Escrow {
	f.t.Helper()
	esc, err := f.engine.Create(f.ctx, alice, f.request(amount))
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.Fund(f.ctx, alice, esc.ID))
	return esc
}

func (f *fixture) status(id uint64) Status {
	f.t.Helper()
	esc, err := f.engine.Get(f.ctx, id)
	require.NoError(f.t, err)
	return esc.Status
}

func (f *fixture) requireConserved() {
	f.t.Helper()
	require.NoError(f.t, f.engine.CheckConservation(f.ctx))
	custody, err := f.engine.Custody(f.ctx, usdc)
	require.NoError(f.t, err)
	require.Equal(f.t, f.vault.Custody(usdc), custody)
}
