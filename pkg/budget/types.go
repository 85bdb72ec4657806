// Package budget implements the per-identity spending ledger: balances per
// (identity, asset), daily spend limits with lazy rollover, an emergency
// freeze per identity and a governance-controlled allow-list of spend
// targets.
package budget

import (
	"fmt"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// SecondsPerDay defines the day index: floor(unix seconds / 86400), UTC
// aligned, no leap seconds.
const SecondsPerDay = 86400

// DayIndex returns the day index of t.
func DayIndex(t time.Time) int64 {
	s := t.Unix()
	d := s / SecondsPerDay
	if s%SecondsPerDay < 0 {
		d--
	}
	return d
}

// Key identifies one budget.
type Key struct {
	Identity identity.ID
	Asset    finance.Asset
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Identity, k.Asset) }

// Budget is the stored state of one (identity, asset) budget. DailySpent is
// only meaningful for LastResetDay; use EffectiveSpent to read it.
type Budget struct {
	Identity     identity.ID   `json:"identity"`
	Asset        finance.Asset `json:"asset"`
	Balance      int64         `json:"balance"`
	DailyLimit   int64         `json:"daily_limit"` // 0 = unlimited
	DailySpent   int64         `json:"daily_spent"`
	LastResetDay int64         `json:"last_reset_day"`
	// Frozen mirrors the identity's freeze flag on reads; it is stored per
	// identity, not per budget.
	Frozen bool `json:"frozen"`
}

func (b *Budget) Key() Key { return Key{Identity: b.Identity, Asset: b.Asset} }

// EffectiveSpent is DailySpent as of day today: zero once the day has moved
// past LastResetDay, whether or not a spend has rolled it over yet.
func (b *Budget) EffectiveSpent(today int64) int64 {
	if today > b.LastResetDay {
		return 0
	}
	return b.DailySpent
}

// Remaining returns the allowance left on day today. unlimited is true when
// no daily limit is set.
func (b *Budget) Remaining(today int64) (remaining int64, unlimited bool) {
	if b.DailyLimit == 0 {
		return 0, true
	}
	remaining = b.DailyLimit - b.EffectiveSpent(today)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, false
}

// rollover applies the lazy daily reset in place.
func (b *Budget) rollover(today int64) {
	if today > b.LastResetDay {
		b.DailySpent = 0
		b.LastResetDay = today
	}
}

// PayeeLimitMode selects how per-payee limits are keyed.
type PayeeLimitMode int

const (
	// PayeeLimitPerPayee keys limits by (identity, payee, asset).
	PayeeLimitPerPayee PayeeLimitMode = iota
	// PayeeLimitFlattened drops the payee on write and read, so a single
	// limit per (identity, asset) applies to every payee. This reproduces
	// the legacy ledger's behavior.
	PayeeLimitFlattened
)

func (m PayeeLimitMode) String() string {
	if m == PayeeLimitFlattened {
		return "flattened"
	}
	return "per_payee"
}

// ParsePayeeLimitMode accepts "per_payee" (or empty) and "flattened".
func ParsePayeeLimitMode(s string) (PayeeLimitMode, error) {
	switch s {
	case "", "per_payee":
		return PayeeLimitPerPayee, nil
	case "flattened":
		return PayeeLimitFlattened, nil
	}
	return 0, fmt.Errorf("budget: unknown payee limit mode %q", s)
}

// PayeeKey identifies a per-payee limit. Payee is empty in flattened mode.
type PayeeKey struct {
	Identity identity.ID
	Payee    identity.Account
	Asset    finance.Asset
}

func (m PayeeLimitMode) key(id identity.ID, payee identity.Account, asset finance.Asset) PayeeKey {
	if m == PayeeLimitFlattened {
		payee = ""
	}
	return PayeeKey{Identity: id, Payee: payee, Asset: asset}
}
