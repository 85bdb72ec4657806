// Package vault moves value between accounts and the settlement core's custody.
//
// The escrow engine and the budget ledger never touch balances directly: they
// Collect into custody when funds are supplied and Payout when funds leave.
// A Payout batch is all-or-nothing.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

var (
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrInsufficientCustody = errors.New("vault: insufficient custody")
	ErrRejected            = errors.New("vault: transfer rejected by recipient")
	ErrInvalidAmount       = errors.New("vault: amount must be positive")
)

// Transfer is one leg of a payout.
type Transfer struct {
	Asset  finance.Asset    `json:"asset"`
	To     identity.Account `json:"to"`
	Amount int64            `json:"amount"`
}

// Vault is the value-transfer capability consumed by the core.
type Vault interface {
	// Collect moves amount of asset from an account into custody.
	Collect(ctx context.Context, asset finance.Asset, from identity.Account, amount int64) error
	// Payout moves every transfer out of custody, or none of them.
	Payout(ctx context.Context, transfers ...Transfer) error
}

// ReceiveHook runs when an account receives a payout. It models recipients
// that execute code on receipt: it may call back into the core, and returning
// an error rejects the whole batch.
type ReceiveHook func(ctx context.Context, t Transfer) error

// MemoryVault keeps balances in memory. Hooks run after the batch is applied
// and outside the vault lock, so a hook may re-enter the vault.
type MemoryVault struct {
	mu       sync.Mutex
	balances map[finance.Asset]map[identity.Account]int64
	custody  map[finance.Asset]int64
	hooks    map[identity.Account]ReceiveHook
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances: make(map[finance.Asset]map[identity.Account]int64),
		custody:  make(map[finance.Asset]int64),
		hooks:    make(map[identity.Account]ReceiveHook),
	}
}

// Mint credits an account out of thin air. Used to seed balances.
func (v *MemoryVault) Mint(asset finance.Asset, to identity.Account, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.account(asset)[to] += amount
}

// OnReceive installs (or with nil, removes) a hook for an account.
func (v *MemoryVault) OnReceive(account identity.Account, hook ReceiveHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hook == nil {
		delete(v.hooks, account)
		return
	}
	v.hooks[account] = hook
}

// Balance returns an account's balance.
func (v *MemoryVault) Balance(asset finance.Asset, account identity.Account) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[asset][account]
}

// Custody returns the amount of asset held in custody.
func (v *MemoryVault) Custody(asset finance.Asset) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custody[asset]
}

func (v *MemoryVault) Collect(ctx context.Context, asset finance.Asset, from identity.Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.account(asset)
	if bal[from] < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientBalance, from, bal[from], asset, amount)
	}
	bal[from] -= amount
	v.custody[asset] += amount
	return nil
}

func (v *MemoryVault) Payout(ctx context.Context, transfers ...Transfer) error {
	need := make(map[finance.Asset]int64)
	for _, t := range transfers {
		if t.Amount <= 0 {
			return ErrInvalidAmount
		}
		need[t.Asset] += t.Amount
	}

	v.mu.Lock()
	for asset, amount := range need {
		if v.custody[asset] < amount {
			v.mu.Unlock()
			return fmt.Errorf("%w: %d %s held, %d requested", ErrInsufficientCustody, v.custody[asset], asset, amount)
		}
	}
	v.apply(transfers, 1)
	hooks := make([]ReceiveHook, len(transfers))
	for i, t := range transfers {
		hooks[i] = v.hooks[t.To]
	}
	v.mu.Unlock()

	for i, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, transfers[i]); err != nil {
			v.mu.Lock()
			v.apply(transfers, -1)
			v.mu.Unlock()
			return fmt.Errorf("%w: %s: %v", ErrRejected, transfers[i].To, err)
		}
	}
	return nil
}

// apply moves transfers out of custody (sign 1) or back into it (sign -1).
func (v *MemoryVault) apply(transfers []Transfer, sign int64) {
	for _, t := range transfers {
		v.custody[t.Asset] -= sign * t.Amount
		v.account(t.Asset)[t.To] += sign * t.Amount
	}
}

func (v *MemoryVault) account(asset finance.Asset) map[identity.Account]int64 {
	bal, ok := v.balances[asset]
	if !ok {
		bal = make(map[identity.Account]int64)
		v.balances[asset] = bal
	}
	return bal
}
