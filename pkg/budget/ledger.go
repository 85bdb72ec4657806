package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/observability"
	"github.com/honeycomb-labs/settlement/pkg/settlement"
	"github.com/honeycomb-labs/settlement/pkg/util/keylock"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

// Config wires the ledger's collaborators. Storage, Registry, Vault and
// Authority are required.
type Config struct {
	Storage        Storage
	Registry       identity.Registry
	Vault          vault.Vault
	Authority      *governance.Authority
	PayeeLimitMode PayeeLimitMode
	Emitter        audit.Emitter
	Logger         *slog.Logger
	Telemetry      *observability.Provider
}

// Ledger owns budgets. Operations on one (identity, asset) key are
// serialized: the key lock is held from the check through the outgoing
// transfer. The transfer runs with a context marked as holding the key, so a
// recipient hook that calls back into the same key fails with
// settlement.ErrReentrant while independent callers wait their turn.
type Ledger struct {
	storage   Storage
	registry  identity.Registry
	vault     vault.Vault
	authority *governance.Authority
	mode      PayeeLimitMode
	emitter   audit.Emitter
	telemetry *observability.Provider
	logger    *slog.Logger

	locks *keylock.Locker[Key]
	clock func() time.Time
}

func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Storage == nil || cfg.Registry == nil || cfg.Vault == nil || cfg.Authority == nil {
		return nil, errors.New("budget: incomplete ledger config")
	}
	l := &Ledger{
		storage:   cfg.Storage,
		registry:  cfg.Registry,
		vault:     cfg.Vault,
		authority: cfg.Authority,
		mode:      cfg.PayeeLimitMode,
		emitter:   cfg.Emitter,
		telemetry: cfg.Telemetry,
		logger:    cfg.Logger,
		locks:     keylock.New[Key](),
		clock:     time.Now,
	}
	if l.emitter == nil {
		l.emitter = audit.NopEmitter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "budget")
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// PayeeLimitMode reports how per-payee limits are keyed.
func (l *Ledger) PayeeLimitMode() PayeeLimitMode { return l.mode }

// Deposit credits amount, collected from the caller's account, to the
// budget. The identity must resolve and be active; anyone may deposit.
func (l *Ledger) Deposit(ctx context.Context, caller identity.Account, id identity.ID, asset finance.Asset, amount int64) (err error) {
	const op = "budget.deposit"
	key := Key{Identity: id, Asset: asset}
	ctx, finish := l.track(ctx, op, key)
	defer func() { l.done(ctx, op, key, err); finish(err) }()

	if err := validAmount(op, asset, amount); err != nil {
		return err
	}
	rec, err := l.registry.GetIdentity(ctx, id)
	if err != nil {
		return settlement.Wrap(op, settlement.ErrNotFound, err)
	}
	if !rec.Active {
		return settlement.E(op, settlement.ErrInvalidState, "identity %s is inactive", id)
	}

	unlock, err := l.lock(ctx, op, key)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := l.load(ctx, op, key)
	if err != nil {
		return err
	}
	if b == nil {
		b = &Budget{Identity: id, Asset: asset, LastResetDay: DayIndex(l.clock())}
	}
	if b.Balance > maxInt64-amount {
		return settlement.E(op, settlement.ErrInvalidArgument, "balance overflow")
	}

	if err := l.vault.Collect(ctx, asset, caller, amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientBalance) {
			return settlement.Wrap(op, settlement.ErrInsufficientFunds, err)
		}
		return settlement.Wrap(op, settlement.ErrTransferFailed, err)
	}
	b.Balance += amount
	if serr := l.storage.Set(ctx, b); serr != nil {
		if perr := l.vault.Payout(l.locks.Hold(ctx, key), vault.Transfer{Asset: asset, To: caller, Amount: amount}); perr != nil {
			l.logger.ErrorContext(ctx, "failed to return deposit", "budget", key, "account", caller, "amount", amount, "error", perr)
			return settlement.Wrap(op, settlement.ErrTransferFailed, errors.Join(serr, perr))
		}
		return settlement.Wrap(op, settlement.ErrInvalidState, serr)
	}

	l.emit(ctx, Deposited{Identity: id, Asset: asset, Amount: amount, From: caller})
	return nil
}

// Withdraw pays amount out of the budget to account to. Authorized callers
// only; blocked while the identity is frozen.
func (l *Ledger) Withdraw(ctx context.Context, caller identity.Account, id identity.ID, asset finance.Asset, amount int64, to identity.Account) (err error) {
	const op = "budget.withdraw"
	key := Key{Identity: id, Asset: asset}
	ctx, finish := l.track(ctx, op, key)
	defer func() { l.done(ctx, op, key, err); finish(err) }()

	if err := l.authorize(ctx, op, id, caller); err != nil {
		return err
	}
	if err := l.checkFrozen(ctx, op, id); err != nil {
		return err
	}
	if err := validAmount(op, asset, amount); err != nil {
		return err
	}
	if to == "" {
		return settlement.E(op, settlement.ErrInvalidArgument, "recipient required")
	}

	return l.debit(ctx, op, key, amount, to, nil, Withdrawn{Identity: id, Asset: asset, Amount: amount, To: to})
}

// Spend pays amount to an allow-listed target, subject to the freeze, the
// per-payee cap and the daily limit. The daily counter rolls over lazily:
// on a new day index it is reset before the limit is checked.
func (l *Ledger) Spend(ctx context.Context, caller identity.Account, id identity.ID, target identity.Account, asset finance.Asset, amount int64, memo string) (err error) {
	const op = "budget.spend"
	key := Key{Identity: id, Asset: asset}
	ctx, finish := l.track(ctx, op, key)
	defer func() { l.done(ctx, op, key, err); finish(err) }()

	if err := l.authorize(ctx, op, id, caller); err != nil {
		return err
	}
	if err := l.checkFrozen(ctx, op, id); err != nil {
		return err
	}
	if err := validAmount(op, asset, amount); err != nil {
		return err
	}
	allowed, err := l.storage.TargetAllowed(ctx, target)
	if err != nil {
		return settlement.Wrap(op, settlement.ErrTargetNotAllowed, err)
	}
	if !allowed {
		return settlement.E(op, settlement.ErrTargetNotAllowed, "%q", target)
	}
	payeeCap, err := l.storage.PayeeLimit(ctx, l.mode.key(id, target, asset))
	if err != nil {
		return settlement.Wrap(op, settlement.ErrLimitExceeded, err)
	}
	if payeeCap > 0 && amount > payeeCap {
		return settlement.E(op, settlement.ErrLimitExceeded, "payee limit %d, requested %d", payeeCap, amount)
	}

	today := DayIndex(l.clock())
	memoHash := audit.Keccak256([]byte(memo))
	return l.debit(ctx, op, key, amount, target, func(b *Budget) error {
		b.rollover(today)
		if b.DailyLimit > 0 {
			if amount > b.DailyLimit-b.DailySpent {
				return settlement.E(op, settlement.ErrLimitExceeded, "daily limit %d, spent %d, requested %d", b.DailyLimit, b.DailySpent, amount)
			}
			b.DailySpent += amount
		}
		return nil
	}, Spent{Identity: id, Target: target, Asset: asset, Amount: amount, MemoHash: memoHash})
}

// debit runs adjust, decreases the balance by amount and pays it to to,
// restoring the previous budget if the transfer fails.
func (l *Ledger) debit(ctx context.Context, op string, key Key, amount int64, to identity.Account, adjust func(*Budget) error, ev audit.Event) error {
	unlock, err := l.lock(ctx, op, key)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := l.load(ctx, op, key)
	if err != nil {
		return err
	}
	if b == nil {
		return settlement.E(op, settlement.ErrNotFound, "budget %s", key)
	}
	prev := *b
	if adjust != nil {
		if err := adjust(b); err != nil {
			return err
		}
	}
	if b.Balance < amount {
		return settlement.E(op, settlement.ErrInsufficientFunds, "balance %d, requested %d", b.Balance, amount)
	}
	b.Balance -= amount
	if err := l.storage.Set(ctx, b); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}

	if err := l.vault.Payout(l.locks.Hold(ctx, key), vault.Transfer{Asset: key.Asset, To: to, Amount: amount}); err != nil {
		if rerr := l.storage.Set(ctx, &prev); rerr != nil {
			l.logger.ErrorContext(ctx, "failed to restore budget after transfer failure",
				"budget", key, "transfer_error", err, "error", rerr)
			return settlement.Wrap(op, settlement.ErrTransferFailed, errors.Join(err, rerr))
		}
		l.logger.WarnContext(ctx, "transfer failed, budget restored", "budget", key, "error", err)
		return settlement.Wrap(op, settlement.ErrTransferFailed, err)
	}

	l.telemetry.RecordPayout(ctx, string(key.Asset), amount, op)
	l.emit(ctx, ev)
	return nil
}

// SetDailyLimit sets the daily cap of a budget; 0 removes it. The budget is
// created empty if it does not exist yet.
func (l *Ledger) SetDailyLimit(ctx context.Context, caller identity.Account, id identity.ID, asset finance.Asset, limit int64) (err error) {
	const op = "budget.set_daily_limit"
	key := Key{Identity: id, Asset: asset}
	ctx, finish := l.track(ctx, op, key)
	defer func() { l.done(ctx, op, key, err); finish(err) }()

	if err := l.authorize(ctx, op, id, caller); err != nil {
		return err
	}
	if limit < 0 {
		return settlement.E(op, settlement.ErrInvalidArgument, "limit must not be negative")
	}
	if asset == "" {
		return settlement.E(op, settlement.ErrInvalidArgument, "asset required")
	}

	unlock, err := l.lock(ctx, op, key)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := l.load(ctx, op, key)
	if err != nil {
		return err
	}
	if b == nil {
		b = &Budget{Identity: id, Asset: asset, LastResetDay: DayIndex(l.clock())}
	}
	b.DailyLimit = limit
	if err := l.storage.Set(ctx, b); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}

	l.emit(ctx, LimitSet{Identity: id, Asset: asset, Limit: limit})
	return nil
}

// EmergencyFreeze sets or clears the freeze flag of an identity, across all
// of its budgets. It takes effect immediately and does not wait for
// in-flight transfers.
func (l *Ledger) EmergencyFreeze(ctx context.Context, caller identity.Account, id identity.ID, frozen bool) (err error) {
	const op = "budget.emergency_freeze"
	ctx, finish := l.telemetry.TrackOperation(ctx, op)
	defer func() { l.done(ctx, op, Key{Identity: id}, err); finish(err) }()

	if err := l.authorize(ctx, op, id, caller); err != nil {
		return err
	}
	if err := l.storage.SetFrozen(ctx, id, frozen); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}
	l.logger.WarnContext(ctx, "freeze flag set", "identity", id, "frozen", frozen, "caller", caller)
	l.emit(ctx, Frozen{Identity: id, Frozen: frozen})
	return nil
}

// AllowTarget adds or removes a spend target from the global allow-list.
// Authority only.
func (l *Ledger) AllowTarget(ctx context.Context, caller identity.Account, target identity.Account, allowed bool) error {
	const op = "budget.allow_target"
	if err := l.authority.Require(caller); err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if target == "" {
		return settlement.E(op, settlement.ErrInvalidArgument, "target required")
	}
	if err := l.storage.SetTargetAllowed(ctx, target, allowed); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}
	l.logger.InfoContext(ctx, "spend target updated", "target", target, "allowed", allowed)
	l.emit(ctx, TargetAllowed{Target: target, Allowed: allowed})
	return nil
}

// SetPayeeLimit caps the amount of a single spend from id to payee; 0
// removes the cap. In flattened mode the payee is ignored and the cap
// applies to every payee.
func (l *Ledger) SetPayeeLimit(ctx context.Context, caller identity.Account, id identity.ID, payee identity.Account, asset finance.Asset, limit int64) error {
	const op = "budget.set_payee_limit"
	if err := l.authorize(ctx, op, id, caller); err != nil {
		return err
	}
	if limit < 0 {
		return settlement.E(op, settlement.ErrInvalidArgument, "limit must not be negative")
	}
	key := l.mode.key(id, payee, asset)
	if err := l.storage.SetPayeeLimit(ctx, key, limit); err != nil {
		return settlement.Wrap(op, settlement.ErrInvalidState, err)
	}
	l.emit(ctx, PayeeLimitSet{Identity: id, Payee: key.Payee, Asset: asset, Limit: limit})
	return nil
}

// PayeeLimit returns the cap on spends from id to payee, 0 when none.
func (l *Ledger) PayeeLimit(ctx context.Context, id identity.ID, payee identity.Account, asset finance.Asset) (int64, error) {
	return l.storage.PayeeLimit(ctx, l.mode.key(id, payee, asset))
}

// TargetAllowed reports whether target is on the allow-list.
func (l *Ledger) TargetAllowed(ctx context.Context, target identity.Account) (bool, error) {
	return l.storage.TargetAllowed(ctx, target)
}

// Get returns the budget with DailySpent adjusted to today and the identity's
// freeze flag filled in. Storage is not modified.
func (l *Ledger) Get(ctx context.Context, id identity.ID, asset finance.Asset) (*Budget, error) {
	const op = "budget.get"
	key := Key{Identity: id, Asset: asset}
	b, err := l.load(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, settlement.E(op, settlement.ErrNotFound, "budget %s", key)
	}
	b.rollover(DayIndex(l.clock()))
	b.Frozen, err = l.storage.Frozen(ctx, id)
	if err != nil {
		return nil, settlement.Wrap(op, settlement.ErrInvalidState, err)
	}
	return b, nil
}

// Remaining returns the daily allowance left today; unlimited is true when
// the budget has no daily limit.
func (l *Ledger) Remaining(ctx context.Context, id identity.ID, asset finance.Asset) (remaining int64, unlimited bool, err error) {
	b, err := l.Get(ctx, id, asset)
	if err != nil {
		return 0, false, err
	}
	remaining, unlimited = b.Remaining(DayIndex(l.clock()))
	return remaining, unlimited, nil
}

const maxInt64 = int64(^uint64(0) >> 1)

func validAmount(op string, asset finance.Asset, amount int64) error {
	if amount <= 0 {
		return settlement.E(op, settlement.ErrInvalidArgument, "amount must be positive")
	}
	if asset == "" {
		return settlement.E(op, settlement.ErrInvalidArgument, "asset required")
	}
	return nil
}

// lock takes the key lock, failing fast when ctx already holds it.
func (l *Ledger) lock(ctx context.Context, op string, key Key) (func(), error) {
	if l.locks.Held(ctx, key) {
		return nil, settlement.E(op, settlement.ErrReentrant, "budget %s", key)
	}
	return l.locks.Lock(key), nil
}

func (l *Ledger) load(ctx context.Context, op string, key Key) (*Budget, error) {
	b, err := l.storage.Get(ctx, key)
	if err != nil {
		return nil, settlement.Wrap(op, settlement.ErrNotFound, err)
	}
	return b, nil
}

func (l *Ledger) authorize(ctx context.Context, op string, id identity.ID, caller identity.Account) error {
	ok, err := l.registry.IsAuthorized(ctx, id, caller)
	if err != nil {
		return settlement.Wrap(op, settlement.ErrAuthorization, err)
	}
	if !ok {
		return settlement.E(op, settlement.ErrAuthorization, "%s may not act for %s", caller, id)
	}
	return nil
}

func (l *Ledger) checkFrozen(ctx context.Context, op string, id identity.ID) error {
	frozen, err := l.storage.Frozen(ctx, id)
	if err != nil {
		return settlement.Wrap(op, settlement.ErrFrozen, fmt.Errorf("freeze state unknown: %w", err))
	}
	if frozen {
		return settlement.E(op, settlement.ErrFrozen, "identity %s", id)
	}
	return nil
}

func (l *Ledger) track(ctx context.Context, op string, key Key) (context.Context, func(error)) {
	ctx, finish := l.telemetry.TrackOperation(ctx, op, observability.AttrAsset.String(string(key.Asset)))
	observability.Annotate(ctx, observability.AttrIdentity.String(key.Identity.String()))
	return ctx, finish
}

func (l *Ledger) emit(ctx context.Context, ev audit.Event) {
	if err := l.emitter.Emit(ctx, ev); err != nil {
		l.logger.ErrorContext(ctx, "failed to emit event", "event", ev.EventName(), "error", err)
	}
}

func (l *Ledger) done(ctx context.Context, op string, key Key, err error) {
	if err == nil {
		l.logger.DebugContext(ctx, "operation succeeded", "op", op, "budget", key)
		return
	}
	if errors.Is(err, settlement.ErrTransferFailed) {
		l.logger.ErrorContext(ctx, "operation failed", "op", op, "budget", key, "error", err)
		return
	}
	l.logger.InfoContext(ctx, "operation rejected", "op", op, "budget", key, "kind", observability.ErrorKind(err), "error", err)
}
