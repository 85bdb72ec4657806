package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/settlement"
)

// SetFeeBps changes the release fee rate. Authority only; at most
// finance.MaxFeeBps.
func (e *Engine) SetFeeBps(ctx context.Context, caller identity.Account, bps uint32) error {
	const op = "escrow.set_fee_bps"
	if err := e.authority.Require(caller); err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if err := e.fees.SetBps(bps); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidArgument, err)
	}
	e.logger.InfoContext(ctx, "fee rate updated", "bps", bps)
	e.emit(ctx, FeeUpdated{Bps: bps})
	return nil
}

// SetTreasury changes the fee recipient. Authority only.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury identity.Account) error {
	const op = "escrow.set_treasury"
	if err := e.authority.Require(caller); err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if treasury == "" {
		return settlement.E(op, settlement.ErrInvalidArgument, "treasury account required")
	}
	e.mu.Lock()
	e.treasury = treasury
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "treasury updated", "treasury", treasury)
	e.emit(ctx, TreasuryUpdated{Treasury: treasury})
	return nil
}

// ApproveConditionModule sets whether new escrows may use an installed
// module. Authority only.
func (e *Engine) ApproveConditionModule(ctx context.Context, caller identity.Account, ref condition.Ref, approved bool) error {
	const op = "escrow.approve_condition_module"
	if err := e.authority.Require(caller); err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if err := e.modules.SetApproved(ref, approved); err != nil {
		if errors.Is(err, condition.ErrUnknownModule) {
			return settlement.Wrap(op, settlement.ErrNotFound, err)
		}
		return settlement.Wrap(op, settlement.ErrInvalidArgument, err)
	}
	e.logger.InfoContext(ctx, "condition module approval set", "module", ref, "approved", approved)
	e.emit(ctx, ModuleApprovalSet{Module: ref, Approved: approved})
	return nil
}

// Treasury returns the current fee recipient.
func (e *Engine) Treasury() identity.Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.treasury
}

// FeeBps returns the current fee rate.
func (e *Engine) FeeBps() uint32 { return e.fees.Bps() }

// Get returns one escrow.
func (e *Engine) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return e.load(ctx, "escrow.get", id)
}

// List returns escrows matching f in ID order.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	out, err := e.store.List(ctx, f)
	if err != nil {
		return nil, settlement.Wrap("escrow.list", settlement.ErrNotFound, err)
	}
	return out, nil
}

// Parties implements condition.PartyResolver.
func (e *Engine) Parties(ctx context.Context, escrowID uint64) (identity.ID, identity.ID, error) {
	esc, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return identity.ID{}, identity.ID{}, err
	}
	return esc.Payer, esc.Payee, nil
}

// Custody returns the amount of asset the engine holds for escrows.
func (e *Engine) Custody(ctx context.Context, asset finance.Asset) (int64, error) {
	all, err := e.store.Custody(ctx)
	if err != nil {
		return 0, err
	}
	return all[asset], nil
}

// Holdings returns the custody of every asset the engine has held.
func (e *Engine) Holdings(ctx context.Context) (map[finance.Asset]int64, error) {
	return e.store.Custody(ctx)
}

// CheckConservation verifies that, for every asset, custody equals the sum
// of amounts over FUNDED and DISPUTED escrows.
func (e *Engine) CheckConservation(ctx context.Context) error {
	custody, err := e.store.Custody(ctx)
	if err != nil {
		return err
	}
	held := make(map[finance.Asset]int64)
	for _, st := range []Status{StatusFunded, StatusDisputed} {
		escrows, err := e.store.List(ctx, Filter{Status: st})
		if err != nil {
			return err
		}
		for _, esc := range escrows {
			held[esc.Asset] += esc.Amount
		}
	}

	var errs []error
	for asset, amount := range custody {
		if held[asset] != amount {
			errs = append(errs, fmt.Errorf("%s: custody %d, escrowed %d", asset, amount, held[asset]))
		}
	}
	for asset, amount := range held {
		if _, ok := custody[asset]; !ok {
			errs = append(errs, fmt.Errorf("%s: custody 0, escrowed %d", asset, amount))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("escrow: conservation violated: %w", errors.Join(errs...))
	}
	return nil
}
