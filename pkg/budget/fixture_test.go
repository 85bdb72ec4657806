package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

const (
	usdc    finance.Asset    = "USDC"
	eurc    finance.Asset    = "EURC"
	alice   identity.Account = "acct:alice"
	bob     identity.Account = "acct:bob"
	mallory identity.Account = "acct:mallory"
	admin   identity.Account = "acct:admin"
	vendor  identity.Account = "acct:vendor"
	hosting identity.Account = "acct:hosting"
)

var agentID = identity.DeriveID("agent")

type fixture struct {
	t        *testing.T
	ctx      context.Context
	now      time.Time
	ledger   *Ledger
	storage  *MemoryStorage
	vault    *vault.MemoryVault
	registry *identity.MemoryRegistry
	log      *audit.Log
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithMode(t, PayeeLimitPerPayee)
}

// newFixtureWithMode registers agentID controlled by alice, allow-lists
// vendor and hosting, and deposits 100 USDC into the agent's budget.
func newFixtureWithMode(t *testing.T, mode PayeeLimitMode) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		storage:  NewMemoryStorage(),
		vault:    vault.NewMemoryVault(),
		registry: identity.NewMemoryRegistry(),
		log:      audit.NewLog(),
	}
	f.log.WithClock(f.clock)

	require.NoError(t, f.registry.Register(f.ctx, agentID, identity.Record{Account: alice, Active: true}))
	f.vault.Mint(usdc, alice, 1000)
	f.vault.Mint(usdc, bob, 50)

	authority, err := governance.NewAuthority(admin)
	require.NoError(t, err)

	f.ledger, err = NewLedger(Config{
		Storage:        f.storage,
		Registry:       f.registry,
		Vault:          f.vault,
		Authority:      authority,
		PayeeLimitMode: mode,
		Emitter:        f.log,
	})
	require.NoError(t, err)
	f.ledger.WithClock(f.clock)

	require.NoError(t, f.ledger.AllowTarget(f.ctx, admin, vendor, true))
	require.NoError(t, f.ledger.AllowTarget(f.ctx, admin, hosting, true))
	require.NoError(t, f.ledger.Deposit(f.ctx, alice, agentID, usdc, 100))
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) budget() *Budget {
	f.t.Helper()
	b, err := f.ledger.Get(f.ctx, agentID, usdc)
	require.NoError(f.t, err)
	return b
}

// requireCustody checks that the vault holds exactly the budget balance.
func (f *fixture) requireCustody() {
	f.t.Helper()
	require.Equal(f.t, f.budget().Balance, f.vault.Custody(usdc))
}
