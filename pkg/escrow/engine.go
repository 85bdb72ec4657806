package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/observability"
	"github.com/honeycomb-labs/settlement/pkg/settlement"
	"github.com/honeycomb-labs/settlement/pkg/util/keylock"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

// Config wires the engine's collaborators. Store, Registry, Modules, Vault,
// Fees, Authority and Treasury are required.
type Config struct {
	Store     Store
	Registry  identity.Registry
	Modules   *condition.Registry
	Vault     vault.Vault
	Fees      *finance.FeePolicy
	Authority *governance.Authority
	Treasury  identity.Account
	Emitter   audit.Emitter           // defaults to audit.NopEmitter
	Logger    *slog.Logger            // defaults to slog.Default()
	Telemetry *observability.Provider // optional
}

// Engine owns the escrow lifecycle.
//
// Each mutating call holds the escrow's key lock from the check through the
// value transfer. The state change is committed before the transfer, and the
// transfer runs with a context marked as holding the escrow: a recipient's
// receive hook that calls back into the same escrow fails with
// settlement.ErrReentrant, while unrelated callers block on the lock. A
// failed transfer reverts the committed change.
type Engine struct {
	store     Store
	seq       *Sequence
	registry  identity.Registry
	modules   *condition.Registry
	vault     vault.Vault
	fees      *finance.FeePolicy
	authority *governance.Authority
	emitter   audit.Emitter
	telemetry *observability.Provider
	logger    *slog.Logger

	locks *keylock.Locker[uint64]

	mu       sync.RWMutex
	treasury identity.Account
	clock    func() time.Time
}

// NewEngine builds an engine whose ID sequence resumes after the highest ID
// already in the store.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil, cfg.Registry == nil, cfg.Modules == nil, cfg.Vault == nil,
		cfg.Fees == nil, cfg.Authority == nil:
		return nil, errors.New("escrow: incomplete engine config")
	case cfg.Treasury == "":
		return nil, errors.New("escrow: treasury account required")
	}

	last, err := cfg.Store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: resume sequence: %w", err)
	}

	e := &Engine{
		store:     cfg.Store,
		seq:       NewSequence(last),
		registry:  cfg.Registry,
		modules:   cfg.Modules,
		vault:     cfg.Vault,
		fees:      cfg.Fees,
		authority: cfg.Authority,
		emitter:   cfg.Emitter,
		telemetry: cfg.Telemetry,
		logger:    cfg.Logger,
		locks:     keylock.New[uint64](),
		treasury:  cfg.Treasury,
		clock:     time.Now,
	}
	if e.emitter == nil {
		e.emitter = audit.NopEmitter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "escrow")
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Create registers a new escrow in CREATED state. The caller must be
// authorized for the payer identity and the condition module must be
// approved.
func (e *Engine) Create(ctx context.Context, caller identity.Account, req CreateRequest) (esc *Escrow, err error) {
	const op = "escrow.create"
	ctx, finish := e.telemetry.TrackOperation(ctx, op, observability.AttrAsset.String(string(req.Asset)))
	defer func() { e.done(ctx, op, 0, err); finish(err) }()

	switch {
	case req.Amount <= 0:
		return nil, settlement.E(op, settlement.ErrInvalidArgument, "amount must be positive")
	case req.Asset == "":
		return nil, settlement.E(op, settlement.ErrInvalidArgument, "asset required")
	case req.Payer == req.Payee:
		return nil, settlement.E(op, settlement.ErrInvalidArgument, "payer and payee must differ")
	}
	now := e.clock()
	if !req.Deadline.After(now) {
		return nil, settlement.E(op, settlement.ErrDeadline, "deadline %s is not in the future", req.Deadline.UTC().Format(time.RFC3339))
	}
	if err := e.authorize(ctx, op, req.Payer, caller); err != nil {
		return nil, err
	}
	if _, err := e.account(ctx, op, req.Payee); err != nil {
		return nil, err
	}
	module, err := e.modules.Approved(req.Condition)
	if err != nil {
		return nil, settlement.Wrap(op, settlement.ErrModuleNotApproved, err)
	}
	if v, ok := module.(condition.Validator); ok {
		if err := v.Validate(req.ConditionData); err != nil {
			return nil, settlement.Wrap(op, settlement.ErrInvalidArgument, err)
		}
	}

	esc = &Escrow{
		ID:            e.seq.Next(),
		Payer:         req.Payer,
		Payee:         req.Payee,
		Asset:         req.Asset,
		Amount:        req.Amount,
		Deadline:      req.Deadline.UTC(),
		TermsHash:     req.TermsHash,
		Condition:     req.Condition,
		ConditionData: append([]byte(nil), req.ConditionData...),
		Status:        StatusCreated,
		CreatedAt:     now.UTC(),
	}
	if err := e.store.Insert(ctx, esc); err != nil {
		return nil, settlement.Wrap(op, settlement.ErrInvalidState, err)
	}
	observability.Annotate(ctx, observability.EscrowOperation(esc.ID, string(esc.Status))...)

	e.emit(ctx, Created{
		ID:              esc.ID,
		Payer:           esc.Payer,
		Payee:           esc.Payee,
		Asset:           esc.Asset,
		Amount:          esc.Amount,
		Deadline:        esc.Deadline,
		TermsHash:       esc.TermsHash,
		ConditionModule: esc.Condition,
	})
	return esc, nil
}

// Fund moves the escrow amount from the caller's account into custody. The
// caller must be authorized for the payer identity.
func (e *Engine) Fund(ctx context.Context, caller identity.Account, id uint64) (err error) {
	const op = "escrow.fund"
	ctx, finish := e.telemetry.TrackOperation(ctx, op)
	defer func() { e.done(ctx, op, id, err); finish(err) }()

	unlock, err := e.lock(ctx, op, id)
	if err != nil {
		return err
	}
	defer unlock()

	esc, err := e.load(ctx, op, id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, op, esc.Payer, caller); err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return settlement.E(op, settlement.ErrInvalidState, "escrow %d is %s", id, esc.Status)
	}
	now := e.clock()
	if !now.Before(esc.Deadline) {
		return settlement.E(op, settlement.ErrDeadline, "escrow %d deadline has passed", id)
	}

	if err := e.vault.Collect(ctx, esc.Asset, caller, esc.Amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientBalance) {
			return settlement.Wrap(op, settlement.ErrInsufficientFunds, err)
		}
		return settlement.Wrap(op, settlement.ErrTransferFailed, err)
	}

	commitErr := e.store.Apply(ctx, Transition{
		ID: id, From: StatusCreated, To: StatusFunded,
		FundedAt: now.UTC(), Asset: esc.Asset, CustodyDelta: esc.Amount,
	})
	if commitErr != nil {
		// Hand the collected funds back.
		if err := e.vault.Payout(e.locks.Hold(ctx, id), vault.Transfer{Asset: esc.Asset, To: caller, Amount: esc.Amount}); err != nil {
			e.logger.ErrorContext(ctx, "failed to return collected funds", "escrow_id", id, "account", caller, "amount", esc.Amount, "error", err)
			return settlement.Wrap(op, settlement.ErrTransferFailed, errors.Join(commitErr, err))
		}
		return settlement.Wrap(op, settlement.ErrInvalidState, commitErr)
	}

	e.emit(ctx, Funded{ID: id, From: caller})
	return nil
}

// Release pays the escrow out to the payee, minus the fee to the treasury.
// Anyone may call it; the condition module is evaluated on every call.
func (e *Engine) Release(ctx context.Context, caller identity.Account, id uint64) (err error) {
	const op = "escrow.release"
	ctx, finish := e.telemetry.TrackOperation(ctx, op)
	defer func() { e.done(ctx, op, id, err); finish(err) }()

	return e.settle(ctx, op, id, func(esc *Escrow) (*payout, error) {
		if esc.Status != StatusFunded {
			return nil, settlement.E(op, settlement.ErrInvalidState, "escrow %d is %s", id, esc.Status)
		}
		satisfied, err := e.evaluate(ctx, op, esc)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			return nil, settlement.E(op, settlement.ErrConditionNotSatisfied, "escrow %d", id)
		}
		return e.releasePlan(ctx, op, esc)
	})
}

// Refund returns the escrow amount to the payer. It requires the deadline to
// have passed and the condition to be unsatisfied. Anyone may call it.
func (e *Engine) Refund(ctx context.Context, caller identity.Account, id uint64) (err error) {
	const op = "escrow.refund"
	ctx, finish := e.telemetry.TrackOperation(ctx, op)
	defer func() { e.done(ctx, op, id, err); finish(err) }()

	return e.settle(ctx, op, id, func(esc *Escrow) (*payout, error) {
		if esc.Status != StatusFunded {
			return nil, settlement.E(op, settlement.ErrInvalidState, "escrow %d is %s", id, esc.Status)
		}
		if !e.clock().After(esc.Deadline) {
			return nil, settlement.E(op, settlement.ErrDeadline, "escrow %d deadline %s has not passed", id, esc.Deadline.Format(time.RFC3339))
		}
		satisfied, err := e.evaluate(ctx, op, esc)
		if err != nil {
			return nil, err
		}
		if satisfied {
			return nil, settlement.E(op, settlement.ErrConditionSatisfied, "escrow %d can be released", id)
		}
		return e.refundPlan(ctx, op, esc)
	})
}

// Dispute freezes a funded escrow until the authority resolves it. The
// caller must be authorized for the payer or the payee.
func (e *Engine) Dispute(ctx context.Context, caller identity.Account, id uint64) (err error) {
	const op = "escrow.dispute"
	ctx, finish := e.telemetry.TrackOperation(ctx, op)
	defer func() { e.done(ctx, op, id, err); finish(err) }()

	unlock, err := e.lock(ctx, op, id)
	if err != nil {
		return err
	}
	defer unlock()

	esc, err := e.load(ctx, op, id)
	if err != nil {
		return err
	}
	if err := e.authorizeEither(ctx, op, esc, caller); err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return settlement.E(op, settlement.ErrInvalidState, "escrow %d is %s", id, esc.Status)
	}
	if err := e.store.Apply(ctx, Transition{
		ID: id, From: StatusFunded, To: StatusDisputed,
		FundedAt: esc.FundedAt, Asset: esc.Asset,
	}); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}

	e.emit(ctx, Disputed{ID: id, By: caller})
	return nil
}

// ResolveDispute settles a disputed escrow: with the fee split to the payee
// when releaseToPayee is set, in full to the payer otherwise. Authority only.
func (e *Engine) ResolveDispute(ctx context.Context, caller identity.Account, id uint64, releaseToPayee bool) (err error) {
	const op = "escrow.resolve_dispute"
	ctx, finish := e.telemetry.TrackOperation(ctx, op)
	defer func() { e.done(ctx, op, id, err); finish(err) }()

	if err := e.authority.Require(caller); err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	return e.settle(ctx, op, id, func(esc *Escrow) (*payout, error) {
		if esc.Status != StatusDisputed {
			return nil, settlement.E(op, settlement.ErrInvalidState, "escrow %d is %s", id, esc.Status)
		}
		if releaseToPayee {
			return e.releasePlan(ctx, op, esc)
		}
		return e.refundPlan(ctx, op, esc)
	})
}

// payout is a committed-then-transferred settlement of one escrow.
type payout struct {
	to        Status
	transfers []vault.Transfer
	event     audit.Event
	reason    string
}

func (e *Engine) releasePlan(ctx context.Context, op string, esc *Escrow) (*payout, error) {
	to, err := e.account(ctx, op, esc.Payee)
	if err != nil {
		return nil, err
	}
	fee, net, err := e.fees.Split(esc.Amount)
	if err != nil {
		return nil, settlement.Wrap(op, settlement.ErrInvalidArgument, err)
	}
	transfers := []vault.Transfer{{Asset: esc.Asset, To: to, Amount: net}}
	if fee > 0 {
		transfers = append(transfers, vault.Transfer{Asset: esc.Asset, To: e.Treasury(), Amount: fee})
	}
	return &payout{
		to:        StatusReleased,
		transfers: transfers,
		event:     Released{ID: esc.ID, To: to, Fee: fee},
		reason:    "release",
	}, nil
}

func (e *Engine) refundPlan(ctx context.Context, op string, esc *Escrow) (*payout, error) {
	to, err := e.account(ctx, op, esc.Payer)
	if err != nil {
		return nil, err
	}
	return &payout{
		to:        StatusRefunded,
		transfers: []vault.Transfer{{Asset: esc.Asset, To: to, Amount: esc.Amount}},
		event:     Refunded{ID: esc.ID, To: to},
		reason:    "refund",
	}, nil
}

// settle runs check, commit and transfer under the escrow lock, reverting the
// commit if the transfer fails.
func (e *Engine) settle(ctx context.Context, op string, id uint64, plan func(*Escrow) (*payout, error)) error {
	unlock, err := e.lock(ctx, op, id)
	if err != nil {
		return err
	}
	defer unlock()

	esc, err := e.load(ctx, op, id)
	if err != nil {
		return err
	}
	p, err := plan(esc)
	if err != nil {
		return err
	}

	commit := Transition{
		ID: id, From: esc.Status, To: p.to,
		FundedAt: esc.FundedAt, Asset: esc.Asset, CustodyDelta: -esc.Amount,
	}
	if err := e.store.Apply(ctx, commit); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}

	if err := e.vault.Payout(e.locks.Hold(ctx, id), p.transfers...); err != nil {
		revert := Transition{
			ID: id, From: p.to, To: esc.Status,
			FundedAt: esc.FundedAt, Asset: esc.Asset, CustodyDelta: esc.Amount,
		}
		if rerr := e.store.Apply(ctx, revert); rerr != nil {
			e.logger.ErrorContext(ctx, "failed to revert escrow after transfer failure",
				"escrow_id", id, "status", p.to, "transfer_error", err, "error", rerr)
			return settlement.Wrap(op, settlement.ErrTransferFailed, errors.Join(err, rerr))
		}
		e.logger.WarnContext(ctx, "transfer failed, escrow reverted", "escrow_id", id, "status", esc.Status, "error", err)
		return settlement.Wrap(op, settlement.ErrTransferFailed, err)
	}

	for _, t := range p.transfers {
		e.telemetry.RecordPayout(ctx, string(t.Asset), t.Amount, p.reason)
	}
	e.emit(ctx, p.event)
	return nil
}

// lock takes the escrow's key lock, failing fast when ctx already holds it.
func (e *Engine) lock(ctx context.Context, op string, id uint64) (func(), error) {
	if e.locks.Held(ctx, id) {
		return nil, settlement.E(op, settlement.ErrReentrant, "escrow %d", id)
	}
	return e.locks.Lock(id), nil
}

func (e *Engine) evaluate(ctx context.Context, op string, esc *Escrow) (bool, error) {
	module, err := e.modules.Resolve(esc.Condition)
	if err != nil {
		return false, settlement.Wrap(op, settlement.ErrConditionUnavailable, err)
	}
	ok, err := module.IsSatisfied(ctx, esc.ID, esc.ConditionData)
	if err != nil {
		return false, settlement.Wrap(op, settlement.ErrConditionUnavailable, err)
	}
	return ok, nil
}

func (e *Engine) load(ctx context.Context, op string, id uint64) (*Escrow, error) {
	esc, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNoEscrow) {
		return nil, settlement.E(op, settlement.ErrNotFound, "escrow %d", id)
	}
	if err != nil {
		return nil, settlement.Wrap(op, settlement.ErrNotFound, err)
	}
	return esc, nil
}

func (e *Engine) authorize(ctx context.Context, op string, who identity.ID, caller identity.Account) error {
	ok, err := e.registry.IsAuthorized(ctx, who, caller)
	if err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if !ok {
		return settlement.E(op, settlement.ErrAuthorization, "%s may not act for %s", caller, who)
	}
	return nil
}

func (e *Engine) authorizeEither(ctx context.Context, op string, esc *Escrow, caller identity.Account) error {
	for _, party := range []identity.ID{esc.Payer, esc.Payee} {
		ok, err := e.registry.IsAuthorized(ctx, party, caller)
		if err != nil {
			return settlement.Wrap(op, settlement.ErrAuthorization, err)
		}
		if ok {
			return nil
		}
	}
	return settlement.E(op, settlement.ErrAuthorization, "%s is not a party to escrow %d", caller, esc.ID)
}

// account resolves an identity to its controlling account.
func (e *Engine) account(ctx context.Context, op string, id identity.ID) (identity.Account, error) {
	rec, err := e.registry.GetIdentity(ctx, id)
	if err != nil {
		return "", settlement.Wrap(op, settlement.ErrNotFound, err)
	}
	if rec.Account == "" {
		return "", settlement.E(op, settlement.ErrNotFound, "identity %s has no controlling account", id)
	}
	return rec.Account, nil
}

func (e *Engine) emit(ctx context.Context, ev audit.Event) {
	if err := e.emitter.Emit(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to emit event", "event", ev.EventName(), "error", err)
	}
}

func (e *Engine) done(ctx context.Context, op string, id uint64, err error) {
	if err == nil {
		e.logger.DebugContext(ctx, "operation succeeded", "op", op, "escrow_id", id)
		return
	}
	if errors.Is(err, settlement.ErrTransferFailed) {
		e.logger.ErrorContext(ctx, "operation failed", "op", op, "escrow_id", id, "error", err)
		return
	}
	e.logger.InfoContext(ctx, "operation rejected", "op", op, "escrow_id", id, "kind", observability.ErrorKind(err), "error", err)
}
