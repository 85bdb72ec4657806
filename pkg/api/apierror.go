// Package api serves the settlement core over HTTP. Errors are RFC 7807
// problem documents; the settlement error kind is carried in "kind".
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/governance"
	"github.com/honeycomb-labs/settlement/pkg/settlement"
)

const problemTypeBase = "https://settlement.honeycomb-labs.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the settlement error kind, e.g. "limit_exceeded".
	Kind    string `json:"kind,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// kindStatus maps settlement error kinds to HTTP statuses.
var kindStatus = []struct {
	kind   error
	status int
}{
	{settlement.ErrAuthorization, http.StatusForbidden},
	{settlement.ErrNotFound, http.StatusNotFound},
	{settlement.ErrReentrant, http.StatusConflict},
	{settlement.ErrInvalidState, http.StatusConflict},
	{settlement.ErrDeadline, http.StatusConflict},
	{settlement.ErrConditionNotSatisfied, http.StatusConflict},
	{settlement.ErrConditionSatisfied, http.StatusConflict},
	{settlement.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{settlement.ErrLimitExceeded, http.StatusUnprocessableEntity},
	{settlement.ErrFrozen, http.StatusUnprocessableEntity},
	{settlement.ErrTargetNotAllowed, http.StatusUnprocessableEntity},
	{settlement.ErrModuleNotApproved, http.StatusUnprocessableEntity},
	{settlement.ErrInvalidArgument, http.StatusUnprocessableEntity},
	{settlement.ErrConditionUnavailable, http.StatusBadGateway},
	{settlement.ErrTransferFailed, http.StatusBadGateway},
}

// moduleErrors are the condition-module failures surfaced to callers
// recording approvals or attestations.
var moduleErrors = []struct {
	err    error
	status int
	kind   string
}{
	{condition.ErrNotParty, http.StatusForbidden, "authorization"},
	{condition.ErrUnauthorized, http.StatusForbidden, "authorization"},
	{condition.ErrNotValidator, http.StatusForbidden, "authorization"},
	{condition.ErrNotAttestor, http.StatusForbidden, "authorization"},
	{governance.ErrNotAuthority, http.StatusForbidden, "authorization"},
	{condition.ErrUnknownModule, http.StatusNotFound, "not_found"},
	{condition.ErrInvalidExpression, http.StatusUnprocessableEntity, "invalid_argument"},
	{governance.ErrNoAuthority, http.StatusUnprocessableEntity, "invalid_argument"},
}

// StatusFor returns the HTTP status and kind slug for err. Unclassified
// errors map to 500 with an empty kind.
func StatusFor(err error) (int, string) {
	if kind := settlement.KindOf(err); kind != nil {
		for _, ks := range kindStatus {
			if errors.Is(err, ks.kind) {
				return ks.status, kindSlug(kind)
			}
		}
	}
	for _, me := range moduleErrors {
		if errors.Is(err, me.err) {
			return me.status, me.kind
		}
	}
	return http.StatusInternalServerError, ""
}

// WriteSettlementError writes err as a problem document, classifying it by
// its settlement error kind.
func WriteSettlementError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := StatusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemTypeBase + strings.ReplaceAll(kind, "_", "-"),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Kind:     kind,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

var kindSlugs = map[error]string{
	settlement.ErrAuthorization:         "authorization",
	settlement.ErrNotFound:              "not_found",
	settlement.ErrInvalidState:          "invalid_state",
	settlement.ErrReentrant:             "invalid_state",
	settlement.ErrConditionNotSatisfied: "condition_not_satisfied",
	settlement.ErrConditionSatisfied:    "condition_satisfied",
	settlement.ErrConditionUnavailable:  "condition_unavailable",
	settlement.ErrDeadline:              "deadline",
	settlement.ErrInsufficientFunds:     "insufficient_funds",
	settlement.ErrLimitExceeded:         "limit_exceeded",
	settlement.ErrFrozen:                "frozen",
	settlement.ErrTargetNotAllowed:      "target_not_allowed",
	settlement.ErrModuleNotApproved:     "module_not_approved",
	settlement.ErrInvalidArgument:       "invalid_argument",
	settlement.ErrTransferFailed:        "transfer_failed",
}

func kindSlug(kind error) string {
	if s, ok := kindSlugs[kind]; ok {
		return s
	}
	return "internal"
}
