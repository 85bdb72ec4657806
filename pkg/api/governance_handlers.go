package api

import (
	"net/http"

	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

type governanceView struct {
	Authority      identity.Account `json:"authority"`
	Treasury       identity.Account `json:"treasury"`
	FeeBps         uint32           `json:"fee_bps"`
	PayeeLimitMode string           `json:"payee_limit_mode"`
}

func (s *Server) governanceView() governanceView {
	return governanceView{
		Authority:      s.cfg.Authority.Admin(),
		Treasury:       s.cfg.Engine.Treasury(),
		FeeBps:         s.cfg.Engine.FeeBps(),
		PayeeLimitMode: s.cfg.Ledger.PayeeLimitMode().String(),
	}
}

func (s *Server) handleGovernance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governanceView())
}

type feeRequest struct {
	Bps uint32 `json:"bps"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req feeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Engine.SetFeeBps(r.Context(), c, req.Bps); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.governanceView())
}

type accountRequest struct {
	Account identity.Account `json:"account"`
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req accountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Engine.SetTreasury(r.Context(), c, req.Account); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.governanceView())
}

func (s *Server) handleTransferAuthority(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req accountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Authority.Transfer(r.Context(), c, req.Account); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.governanceView())
}

type approvedRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApproveModule(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req approvedRequest
	if !decode(w, r, &req) {
		return
	}
	ref := condition.Ref(r.PathValue("ref"))
	if err := s.cfg.Engine.ApproveConditionModule(r.Context(), c, ref, req.Approved); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"module": ref, "approved": req.Approved})
}

type targetRequest struct {
	Target  identity.Account `json:"target"`
	Allowed bool             `json:"allowed"`
}

func (s *Server) handleAllowTarget(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req targetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Ledger.AllowTarget(r.Context(), c, req.Target, req.Allowed); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": req.Target, "allowed": req.Allowed})
}
