package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/escrow"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req escrow.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := s.cfg.Engine.Create(r.Context(), c, req)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+strconv.FormatUint(esc.ID, 10))
	writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathEscrowID(w, r)
	if !ok {
		return
	}
	esc, err := s.cfg.Engine.Get(r.Context(), id)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f escrow.Filter
	if v := q.Get("status"); v != "" {
		st, err := escrow.ParseStatus(v)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("party"); v != "" {
		id, err := identity.ParseID(v)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		f.Party = id
	}
	f.Asset = finance.Asset(q.Get("asset"))
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "after must be an escrow id")
			return
		}
		f.AfterID = after
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			WriteBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		f.Limit = limit
	}

	list, err := s.cfg.Engine.List(r.Context(), f)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	if list == nil {
		list = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": list})
}

// escrowAction adapts an engine transition taking (caller, id) to a handler
// that answers with the updated escrow.
func (s *Server) escrowAction(op func(ctx context.Context, caller identity.Account, id uint64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathEscrowID(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), c, id); err != nil {
			WriteSettlementError(w, r, err)
			return
		}
		s.respondEscrow(w, r, id)
	}
}

func (s *Server) respondEscrow(w http.ResponseWriter, r *http.Request, id uint64) {
	esc, err := s.cfg.Engine.Get(r.Context(), id)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type resolveRequest struct {
	ReleaseToPayee bool `json:"release_to_payee"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathEscrowID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Engine.ResolveDispute(r.Context(), c, id, req.ReleaseToPayee); err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	s.respondEscrow(w, r, id)
}

// approvalRequest records input for the escrow's condition module. Party is
// used by mutual signature modules; Key and Value by attestation modules.
type approvalRequest struct {
	Party *identity.ID `json:"party,omitempty"`
	Key   string       `json:"key,omitempty"`
	Value string       `json:"value,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathEscrowID(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := s.cfg.Engine.Get(r.Context(), id)
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}

	ctx := r.Context()
	switch m := s.cfg.Modules[esc.Condition].(type) {
	case *condition.MutualSignature:
		if req.Party == nil {
			WriteBadRequest(w, "party is required for mutual signature approval")
			return
		}
		err = m.Approve(ctx, id, *req.Party, c)
	case *condition.ValidatorQuorum:
		err = m.Approve(ctx, id, c)
	case *condition.Attestation:
		if req.Key == "" {
			WriteBadRequest(w, "key is required for attestations")
			return
		}
		err = m.Attest(ctx, id, c, req.Key, req.Value)
	default:
		WriteError(w, http.StatusConflict, "Conflict", "condition module "+string(esc.Condition)+" does not accept approvals")
		return
	}
	if err != nil {
		WriteSettlementError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
