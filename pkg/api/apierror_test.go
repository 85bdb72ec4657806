package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/api"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/settlement"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, 400, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "field is missing", problem.Detail)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: password authentication failed for user \"settlement\""))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{settlement.E("escrow.create", settlement.ErrAuthorization, ""), 403, "authorization"},
		{settlement.E("escrow.get", settlement.ErrNotFound, ""), 404, "not_found"},
		{settlement.E("escrow.fund", settlement.ErrInvalidState, ""), 409, "invalid_state"},
		{settlement.E("escrow.refund", settlement.ErrReentrant, ""), 409, "invalid_state"},
		{settlement.E("escrow.refund", settlement.ErrDeadline, ""), 409, "deadline"},
		{settlement.E("escrow.release", settlement.ErrConditionNotSatisfied, ""), 409, "condition_not_satisfied"},
		{settlement.E("escrow.refund", settlement.ErrConditionSatisfied, ""), 409, "condition_satisfied"},
		{settlement.E("budget.spend", settlement.ErrInsufficientFunds, ""), 422, "insufficient_funds"},
		{settlement.E("budget.spend", settlement.ErrLimitExceeded, ""), 422, "limit_exceeded"},
		{settlement.E("budget.spend", settlement.ErrFrozen, ""), 422, "frozen"},
		{settlement.E("budget.spend", settlement.ErrTargetNotAllowed, ""), 422, "target_not_allowed"},
		{settlement.E("escrow.create", settlement.ErrModuleNotApproved, ""), 422, "module_not_approved"},
		{settlement.E("escrow.create", settlement.ErrInvalidArgument, ""), 422, "invalid_argument"},
		{settlement.E("escrow.release", settlement.ErrConditionUnavailable, ""), 502, "condition_unavailable"},
		{settlement.E("budget.spend", settlement.ErrTransferFailed, ""), 502, "transfer_failed"},
		{fmt.Errorf("approve: %w", condition.ErrNotValidator), 403, "authorization"},
		{condition.ErrUnknownModule, 404, "not_found"},
		{errors.New("boom"), 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, kind := api.StatusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestWriteSettlementError(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	r := httptest.NewRequest(http.MethodPost, "/v1/budgets/x/USDC/spend", nil)

	api.WriteSettlementError(w, r, settlement.E("budget.spend", settlement.ErrLimitExceeded, "daily limit 10"))

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, http.StatusUnprocessableEntity, problem.Status)
	assert.Equal(t, "limit_exceeded", problem.Kind)
	assert.Equal(t, "https://settlement.honeycomb-labs.dev/errors/limit-exceeded", problem.Type)
	assert.Equal(t, "/v1/budgets/x/USDC/spend", problem.Instance)
	assert.Equal(t, "req-1", problem.TraceID)
	assert.Contains(t, problem.Detail, "daily limit 10")
}
