package budget

import (
	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

type Deposited struct {
	Identity identity.ID      `json:"identity"`
	Asset    finance.Asset    `json:"asset"`
	Amount   int64            `json:"amount"`
	From     identity.Account `json:"from"`
}

type Withdrawn struct {
	Identity identity.ID      `json:"identity"`
	Asset    finance.Asset    `json:"asset"`
	Amount   int64            `json:"amount"`
	To       identity.Account `json:"to"`
}

type LimitSet struct {
	Identity identity.ID   `json:"identity"`
	Asset    finance.Asset `json:"asset"`
	Limit    int64         `json:"limit"`
}

type Spent struct {
	Identity identity.ID      `json:"identity"`
	Target   identity.Account `json:"target"`
	Asset    finance.Asset    `json:"asset"`
	Amount   int64            `json:"amount"`
	MemoHash audit.Digest     `json:"memo_hash"`
}

type Frozen struct {
	Identity identity.ID `json:"identity"`
	Frozen   bool        `json:"frozen"`
}

type TargetAllowed struct {
	Target  identity.Account `json:"target"`
	Allowed bool             `json:"allowed"`
}

type PayeeLimitSet struct {
	Identity identity.ID      `json:"identity"`
	Payee    identity.Account `json:"payee,omitempty"`
	Asset    finance.Asset    `json:"asset"`
	Limit    int64            `json:"limit"`
}

func (Deposited) EventName() string     { return "budget.Deposited" }
func (Withdrawn) EventName() string     { return "budget.Withdrawn" }
func (LimitSet) EventName() string      { return "budget.LimitSet" }
func (Spent) EventName() string         { return "budget.Spent" }
func (Frozen) EventName() string        { return "budget.Frozen" }
func (TargetAllowed) EventName() string { return "budget.TargetAllowed" }
func (PayeeLimitSet) EventName() string { return "budget.PayeeLimitSet" }
