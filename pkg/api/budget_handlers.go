package api

import (
	"net/http"

	"github.com/honeycomb-labs/settlement/pkg/budget"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// budgetView is a budget as returned to clients: the rolled-over view plus
// today's remaining allowance.
type budgetView struct {
	*budget.Budget
	RemainingToday int64 `json:"remaining_today"`
	Unlimited      bool  `json:"unlimited"`
}

// budgetTarget reads the caller and the {identity}/{asset} path values.
func budgetTarget(w http.ResponseWriter, r *http.Request) (identity.Account, identity.ID, finance.Asset, bool) {
	c, ok := caller(w, r)
	if !ok {
		return "", identity.ID{}, "", false
	}
	id, ok := pathIdentity(w, r)
	if !ok {
		return "", identity.ID{}, "", false
	}
	return c, id, finance.Asset(r.PathValue("asset")), true
}

func (s *Server) respondBudget(w http.ResponseWriter, r *http.Request, id identity.ID, asset finance.Asset) {
	b, err := s.cfg.Ledger.Get(r.Context(), id, asset)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	remaining, unlimited, err := s.cfg.Ledger.Remaining(r.Context(), id, asset)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetView{Budget: b, RemainingToday: remaining, Unlimited: unlimited})
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	s.respondBudget(w, r, id, finance.Asset(r.PathValue("asset")))
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	c, id, asset, ok := budgetTarget(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.Deposit(r.Context(), c, id, asset, req.Amount); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	s.respondBudget(w, r, id, asset)
}

type withdrawRequest struct {
	Amount int64            `json:"amount"`
	To     identity.Account `json:"to"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	c, id, asset, ok := budgetTarget(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.Withdraw(r.Context(), c, id, asset, req.Amount, req.To); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	s.respondBudget(w, r, id, asset)
}

type spendRequest struct {
	Target identity.Account `json:"target"`
	Amount int64            `json:"amount"`
	Memo   string           `json:"memo,omitempty"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	c, id, asset, ok := budgetTarget(w, r)
	if !ok {
		return
	}
	var req spendRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.Spend(r.Context(), c, id, req.Target, asset, req.Amount, req.Memo); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	s.respondBudget(w, r, id, asset)
}

type limitRequest struct {
	Limit int64 `json:"limit"`
}

func (s *Server) handleSetDailyLimit(w http.ResponseWriter, r *http.Request) {
	c, id, asset, ok := budgetTarget(w, r)
	if !ok {
		return
	}
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.SetDailyLimit(r.Context(), c, id, asset, req.Limit); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	s.respondBudget(w, r, id, asset)
}

type payeeLimitRequest struct {
	Payee identity.Account `json:"payee"`
	Limit int64            `json:"limit"`
}

func (s *Server) handleSetPayeeLimit(w http.ResponseWriter, r *http.Request) {
	c, id, asset, ok := budgetTarget(w, r)
	if !ok {
		return
	}
	var req payeeLimitRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.SetPayeeLimit(r.Context(), c, id, req.Payee, asset, req.Limit); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	limit, err := s.cfg.Ledger.PayeeLimit(r.Context(), id, req.Payee, asset)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payee": req.Payee,
		"limit": limit,
		"mode":  s.cfg.Ledger.PayeeLimitMode().String(),
	})
}

type freezeRequest struct {
	Frozen bool `json:"frozen"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	var req freezeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.EmergencyFreeze(r.Context(), c, id, req.Frozen); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "frozen": req.Frozen})
}
