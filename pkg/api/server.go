package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/budget"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/escrow"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/observability"
)

const maxBodyBytes = 1 << 20

// Config wires the server. Engine, Ledger and Authority are required.
type Config struct {
	Engine    *escrow.Engine
	Ledger    *budget.Ledger
	Authority *governance.Authority
	// Modules exposes installed condition modules for recording approvals
	// and attestations.
	Modules     map[condition.Ref]condition.Module
	Tokens      TokenValidator
	Limiter     *RateLimiter
	Idempotency IdempotencyStore
	Logger      *slog.Logger
	Telemetry   *observability.Provider
}

// Server is the HTTP surface of the settlement core.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Ledger == nil || cfg.Authority == nil {
		return nil, errors.New("api: engine, ledger and authority are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "api"), mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/escrows", s.handleCreateEscrow)
	s.mux.HandleFunc("GET /v1/escrows", s.handleListEscrows)
	s.mux.HandleFunc("GET /v1/escrows/{id}", s.handleGetEscrow)
	s.mux.HandleFunc("POST /v1/escrows/{id}/fund", s.escrowAction(s.cfg.Engine.Fund))
	s.mux.HandleFunc("POST /v1/escrows/{id}/release", s.escrowAction(s.cfg.Engine.Release))
	s.mux.HandleFunc("POST /v1/escrows/{id}/refund", s.escrowAction(s.cfg.Engine.Refund))
	s.mux.HandleFunc("POST /v1/escrows/{id}/dispute", s.escrowAction(s.cfg.Engine.Dispute))
	s.mux.HandleFunc("POST /v1/escrows/{id}/resolve", s.handleResolveDispute)
	s.mux.HandleFunc("POST /v1/escrows/{id}/approvals", s.handleApproval)

	s.mux.HandleFunc("GET /v1/budgets/{identity}/{asset}", s.handleGetBudget)
	s.mux.HandleFunc("POST /v1/budgets/{identity}/{asset}/deposit", s.handleDeposit)
	s.mux.HandleFunc("POST /v1/budgets/{identity}/{asset}/withdraw", s.handleWithdraw)
	s.mux.HandleFunc("POST /v1/budgets/{identity}/{asset}/spend", s.handleSpend)
	s.mux.HandleFunc("POST /v1/budgets/{identity}/{asset}/limit", s.handleSetDailyLimit)
	s.mux.HandleFunc("POST /v1/budgets/{identity}/{asset}/payee-limits", s.handleSetPayeeLimit)
	s.mux.HandleFunc("POST /v1/identities/{identity}/freeze", s.handleFreeze)

	s.mux.HandleFunc("GET /v1/governance", s.handleGovernance)
	s.mux.HandleFunc("POST /v1/governance/fee", s.handleSetFee)
	s.mux.HandleFunc("POST /v1/governance/treasury", s.handleSetTreasury)
	s.mux.HandleFunc("POST /v1/governance/authority", s.handleTransferAuthority)
	s.mux.HandleFunc("POST /v1/governance/modules/{ref}", s.handleApproveModule)
	s.mux.HandleFunc("POST /v1/governance/targets", s.handleAllowTarget)
}

// Handler returns the routes wrapped in request ID, authentication, rate
// limiting and idempotency middleware, outermost first.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.cfg.Idempotency != nil {
		h = IdempotencyMiddleware(s.cfg.Idempotency)(h)
	}
	if s.cfg.Limiter != nil {
		h = s.cfg.Limiter.Middleware(h)
	}
	h = AuthMiddleware(s.cfg.Tokens)(h)
	h = s.logRequests(h)
	return RequestIDMiddleware(h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, finish := s.cfg.Telemetry.TrackOperation(r.Context(), "http "+r.Method)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(rec.status))
		}
		finish(err)
		s.logger.DebugContext(ctx, "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "request_id", RequestID(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func caller(w http.ResponseWriter, r *http.Request) (identity.Account, bool) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
	}
	return c, ok
}

func pathEscrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		WriteBadRequest(w, "escrow id must be a positive integer")
		return 0, false
	}
	return id, true
}

func pathIdentity(w http.ResponseWriter, r *http.Request) (identity.ID, bool) {
	id, err := identity.ParseID(r.PathValue("identity"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return identity.ID{}, false
	}
	return id, true
}
