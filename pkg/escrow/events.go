package escrow

import (
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

type Created struct {
	ID              uint64        `json:"id"`
	Payer           identity.ID   `json:"payer"`
	Payee           identity.ID   `json:"payee"`
	Asset           finance.Asset `json:"asset"`
	Amount          int64         `json:"amount"`
	Deadline        time.Time     `json:"deadline"`
	TermsHash       audit.Digest  `json:"terms_hash"`
	ConditionModule condition.Ref `json:"condition_module"`
}

type Funded struct {
	ID   uint64           `json:"id"`
	From identity.Account `json:"from"`
}

type Released struct {
	ID  uint64           `json:"id"`
	To  identity.Account `json:"to"`
	Fee int64            `json:"fee"`
}

type Refunded struct {
	ID uint64           `json:"id"`
	To identity.Account `json:"to"`
}

type Disputed struct {
	ID uint64           `json:"id"`
	By identity.Account `json:"by"`
}

// Governance changes.

type FeeUpdated struct {
	Bps uint32 `json:"bps"`
}

type TreasuryUpdated struct {
	Treasury identity.Account `json:"treasury"`
}

type ModuleApprovalSet struct {
	Module   condition.Ref `json:"module"`
	Approved bool          `json:"approved"`
}

func (Created) EventName() string           { return "escrow.Created" }
func (Funded) EventName() string            { return "escrow.Funded" }
func (Released) EventName() string          { return "escrow.Released" }
func (Refunded) EventName() string          { return "escrow.Refunded" }
func (Disputed) EventName() string          { return "escrow.Disputed" }
func (FeeUpdated) EventName() string        { return "escrow.FeeUpdated" }
func (TreasuryUpdated) EventName() string   { return "escrow.TreasuryUpdated" }
func (ModuleApprovalSet) EventName() string { return "escrow.ModuleApprovalSet" }
