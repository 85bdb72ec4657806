// Package escrow implements the conditional-escrow engine: a lifecycle state
// machine over funds held in custody, released to the payee once a condition
// module reports satisfaction or refunded to the payer after the deadline.
package escrow

import (
	"fmt"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusFunded   Status = "FUNDED"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
	StatusDisputed Status = "DISPUTED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Custodied reports whether an escrow in s holds its amount in custody.
func (s Status) Custodied() bool {
	return s == StatusFunded || s == StatusDisputed
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed:
		return st, nil
	}
	return "", fmt.Errorf("escrow: unknown status %q", s)
}

// Escrow is one conditional holding of funds between a payer and a payee.
// Records are never deleted; terminal escrows stay readable.
type Escrow struct {
	ID            uint64        `json:"id"`
	Payer         identity.ID   `json:"payer"`
	Payee         identity.ID   `json:"payee"`
	Asset         finance.Asset `json:"asset"`
	Amount        int64         `json:"amount"`
	Deadline      time.Time     `json:"deadline"`
	TermsHash     audit.Digest  `json:"terms_hash"`
	Condition     condition.Ref `json:"condition_module"`
	ConditionData []byte        `json:"condition_data,omitempty"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	FundedAt      time.Time     `json:"funded_at,omitempty"`
}

// CreateRequest carries the caller-supplied fields of a new escrow.
type CreateRequest struct {
	Payer         identity.ID   `json:"payer"`
	Payee         identity.ID   `json:"payee"`
	Asset         finance.Asset `json:"asset"`
	Amount        int64         `json:"amount"`
	Deadline      time.Time     `json:"deadline"`
	TermsHash     audit.Digest  `json:"terms_hash"`
	Condition     condition.Ref `json:"condition_module"`
	ConditionData []byte        `json:"condition_data,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status  Status
	Party   identity.ID // payer or payee
	Asset   finance.Asset
	AfterID uint64
	Limit   int
}

func (f Filter) matches(e *Escrow) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Party.IsZero() && e.Payer != f.Party && e.Payee != f.Party {
		return false
	}
	if f.Asset != "" && e.Asset != f.Asset {
		return false
	}
	return e.ID > f.AfterID
}
