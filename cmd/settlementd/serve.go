package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/honeycomb-labs/settlement/pkg/api"
	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/authz"
	"github.com/honeycomb-labs/settlement/pkg/budget"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/config"
	"github.com/honeycomb-labs/settlement/pkg/escrow"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/observability"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

const (
	tokenIssuer     = "settlementd"
	idempotencyTTL  = 24 * time.Hour
	balanceSeed     = "governance"
	redisPrefix     = "settlement"
	pruneInterval   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// app is a fully wired settlement core behind its HTTP handler.
type app struct {
	handler http.Handler
	engine  *escrow.Engine
	ledger  *budget.Ledger
	vault   *vault.SQLVault
	limiter *api.RateLimiter
	prune   func(ctx context.Context)
	closers []func(ctx context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	addr := fs.String("addr", "", "listen address (overrides SETTLEMENT_ADDR)")
	govPath := fs.String("governance", "", "governance bootstrap file (overrides SETTLEMENT_GOVERNANCE_FILE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *govPath != "" {
		cfg.GovernanceFile = *govPath
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	gov, err := config.LoadGovernance(cfg.GovernanceFile)
	if err != nil {
		logger.Error("governance load failed", "path", cfg.GovernanceFile, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%ssettlementd starting...%s\n", ColorBold+ColorBlue, ColorReset)
	a, err := buildApp(ctx, cfg, gov, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown cleanup incomplete", "error", err)
		}
	}()

	go a.limiter.Run(ctx)
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.prune(ctx)
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}

	if err := a.engine.CheckConservation(context.Background()); err != nil {
		logger.Error("custody does not match open escrows", "error", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// buildApp wires stores, collaborators, the escrow engine, the budget ledger
// and the HTTP server from process config and the governance bootstrap.
func buildApp(ctx context.Context, cfg *config.Config, gov *config.Governance, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	authority, err := governance.NewAuthority(identity.Account(gov.Authority))
	if err != nil {
		return nil, err
	}

	registry := identity.NewMemoryRegistry()
	if err := seedIdentities(ctx, registry, gov.Identities, logger); err != nil {
		return nil, err
	}

	var telemetry *observability.Provider
	if cfg.OTelEnabled {
		ocfg := observability.DefaultConfig()
		ocfg.OTLPEndpoint = cfg.OTLPEndpoint
		ocfg.Insecure = cfg.OTLPInsecure
		telemetry, err = observability.New(ctx, ocfg)
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		a.closers = append(a.closers, telemetry.Shutdown)
	}

	auditLog, err := openAuditLog(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, a, logger)
	if err != nil {
		return nil, err
	}
	a.prune = st.prune
	a.vault = st.vault
	if err := seedBalances(ctx, st.vault, gov.Balances, logger); err != nil {
		return nil, err
	}
	for _, t := range gov.AllowedTargets {
		if err := st.budget.SetTargetAllowed(ctx, identity.Account(t), true); err != nil {
			return nil, fmt.Errorf("allow target %s: %w", t, err)
		}
	}

	modules := condition.NewRegistry()
	installed, mutuals, err := installModules(registry, modules, gov.ConditionModules)
	if err != nil {
		return nil, err
	}

	fees, err := finance.NewFeePolicy(uint32(gov.FeeBps))
	if err != nil {
		return nil, err
	}

	a.engine, err = escrow.NewEngine(ctx, escrow.Config{
		Store:     st.escrow,
		Registry:  registry,
		Modules:   modules,
		Vault:     st.vault,
		Fees:      fees,
		Authority: authority,
		Treasury:  identity.Account(gov.Treasury),
		Emitter:   auditLog,
		Logger:    logger,
		Telemetry: telemetry,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range mutuals {
		m.Bind(a.engine)
	}
	engine := a.engine
	err = telemetry.ObserveHoldings(func(ctx context.Context) (map[string]int64, error) {
		held, err := engine.Holdings(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(held))
		for asset, amount := range held {
			out[string(asset)] = amount
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	mode, err := budget.ParsePayeeLimitMode(gov.PayeeLimitMode)
	if err != nil {
		return nil, err
	}
	a.ledger, err = budget.NewLedger(budget.Config{
		Storage:        st.budget,
		Registry:       registry,
		Vault:          st.vault,
		Authority:      authority,
		PayeeLimitMode: mode,
		Emitter:        auditLog,
		Logger:         logger,
		Telemetry:      telemetry,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := identity.NewTokenManager([]byte(cfg.JWTSecret), tokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_JWT_SECRET: %w", err)
	}
	a.limiter = api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)

	srv, err := api.NewServer(api.Config{
		Engine:      a.engine,
		Ledger:      a.ledger,
		Authority:   authority,
		Modules:     installed,
		Tokens:      tokens,
		Limiter:     a.limiter,
		Idempotency: st.idempotency,
		Logger:      logger,
		Telemetry:   telemetry,
	})
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()

	logger.Info("settlement core ready",
		"escrow_store", st.kind,
		"fee_bps", fees.Bps(),
		"payee_limit_mode", mode.String(),
		"modules", len(installed),
		"audit_entries", auditLog.Len(),
	)
	return a, nil
}

func seedIdentities(ctx context.Context, registry *identity.MemoryRegistry, ids []config.IdentityConfig, logger *slog.Logger) error {
	for _, ic := range ids {
		id := identity.DeriveID(ic.Label)
		if ic.ID != "" {
			var err error
			if id, err = identity.ParseID(ic.ID); err != nil {
				return err
			}
		}
		rec := identity.Record{Account: identity.Account(ic.Account), Metadata: ic.Label, Active: !ic.Inactive}
		if err := registry.Register(ctx, id, rec); err != nil {
			return err
		}
		for _, op := range ic.Operators {
			if err := registry.Grant(ctx, id, authz.RelationOperator, op); err != nil {
				return err
			}
		}
		logger.Debug("identity registered", "label", ic.Label, "identity", id.String(), "account", ic.Account)
	}
	return nil
}

// seedBalances credits the governance balances the first time a database is
// used. Later edits to the list are ignored.
func seedBalances(ctx context.Context, v *vault.SQLVault, balances []config.BalanceConfig, logger *slog.Logger) error {
	if len(balances) == 0 {
		return nil
	}
	grants := make([]vault.Grant, len(balances))
	for i, b := range balances {
		grants[i] = vault.Grant{Asset: finance.Asset(b.Asset), Account: identity.Account(b.Account), Amount: b.Amount}
	}
	seeded, err := v.Seed(ctx, balanceSeed, grants)
	if err != nil {
		return fmt.Errorf("seed balances: %w", err)
	}
	if seeded {
		logger.Info("governance balances credited", "accounts", len(grants))
	} else {
		logger.Debug("governance balances already credited")
	}
	return nil
}

func installModules(registry identity.Registry, modules *condition.Registry, cfgs []config.ModuleConfig) (map[condition.Ref]condition.Module, []*condition.MutualSignature, error) {
	installed := make(map[condition.Ref]condition.Module, len(cfgs))
	var mutuals []*condition.MutualSignature
	for _, mc := range cfgs {
		var (
			m   condition.Module
			err error
		)
		switch mc.Type {
		case config.ModuleMutualSignature:
			ms := condition.NewMutualSignature(registry)
			mutuals = append(mutuals, ms)
			m = ms
		case config.ModuleValidatorQuorum:
			m, err = condition.NewValidatorQuorum(mc.Threshold, accounts(mc.Validators)...)
		case config.ModuleAttestation:
			m, err = condition.NewAttestation(accounts(mc.Attestors)...)
		default:
			err = fmt.Errorf("unknown module type %q", mc.Type)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("condition module %s: %w", mc.Name, err)
		}

		ref := condition.Ref(mc.Name)
		if err := modules.Install(ref, m); err != nil {
			return nil, nil, err
		}
		if mc.Approved {
			if err := modules.SetApproved(ref, true); err != nil {
				return nil, nil, err
			}
		}
		installed[ref] = m
	}
	return installed, mutuals, nil
}

func accounts(ss []string) []identity.Account {
	out := make([]identity.Account, len(ss))
	for i, s := range ss {
		out[i] = identity.Account(s)
	}
	return out
}

func openAuditLog(ctx context.Context, cfg *config.Config, a *app) (*audit.Log, error) {
	db, err := sql.Open("sqlite", cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	sink, err := audit.NewSQLiteSink(db)
	if err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	entries, err := sink.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	var out audit.Sink = sink
	if cfg.AuditStdout {
		out = audit.MultiSink{sink, audit.NewWriterSink(nil)}
	}
	log := audit.NewLog().WithSink(out)
	if err := log.Resume(entries); err != nil {
		return nil, fmt.Errorf("audit log %s: %w", cfg.AuditPath, err)
	}
	return log, nil
}

type stores struct {
	kind        string
	vault       *vault.SQLVault
	escrow      escrow.Store
	budget      budget.Storage
	idempotency api.IdempotencyStore
	prune       func(ctx context.Context)
}

// openStores selects Postgres for everything when a database URL is set.
// Otherwise the vault and escrows go to SQLite, budgets to Redis (or the
// same SQLite file) and idempotency records stay in memory.
func openStores(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}

		v := vault.NewPostgresVault(db)
		if err := v.Migrate(ctx); err != nil {
			return nil, err
		}
		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			return nil, err
		}
		bs := budget.NewPostgresStorage(db)
		if err := bs.Migrate(ctx); err != nil {
			return nil, err
		}
		idem := api.NewPostgresIdempotencyStore(db, idempotencyTTL)
		if err := idem.Migrate(ctx); err != nil {
			return nil, err
		}
		return &stores{
			kind:        "postgres",
			vault:       v,
			escrow:      es,
			budget:      bs,
			idempotency: idem,
			prune: func(ctx context.Context) {
				if n, err := idem.Prune(ctx); err != nil {
					logger.Warn("idempotency prune failed", "error", err)
				} else if n > 0 {
					logger.Debug("idempotency records pruned", "count", n)
				}
			},
		}, nil
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	// One writer at a time; SQLite would otherwise fail concurrent
	// transactions with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	v, err := vault.NewSQLiteVault(ctx, db)
	if err != nil {
		return nil, err
	}
	es, err := escrow.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}

	var bs budget.Storage
	if cfg.RedisAddr != "" {
		rs := budget.NewRedisStorageFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisPrefix)
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.RedisAddr, err)
		}
		bs = rs
	} else {
		ss, err := budget.NewSQLiteStorage(ctx, db)
		if err != nil {
			return nil, err
		}
		bs = ss
	}

	idem := api.NewMemoryIdempotencyStore(idempotencyTTL)
	return &stores{
		kind:        "sqlite",
		vault:       v,
		escrow:      es,
		budget:      bs,
		idempotency: idem,
		prune:       func(context.Context) { idem.Prune() },
	}, nil
}
