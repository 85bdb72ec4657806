// Package governance gates the admin surface of the settlement core behind a
// single trusted authority account.
package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

var (
	ErrNotAuthority = errors.New("governance: caller is not the authority")
	ErrNoAuthority  = errors.New("governance: authority account must not be empty")
)

// Authority holds the admin account. All governance operations (fee rate,
// treasury, module approval, spend-target allow-list, dispute resolution)
// call Require first.
type Authority struct {
	mu     sync.RWMutex
	admin  identity.Account
	logger *slog.Logger
}

func NewAuthority(admin identity.Account) (*Authority, error) {
	if admin == "" {
		return nil, ErrNoAuthority
	}
	return &Authority{
		admin:  admin,
		logger: slog.Default().With("component", "governance"),
	}, nil
}

// Admin returns the current authority account.
func (a *Authority) Admin() identity.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.admin
}

// Require fails unless caller is the authority.
func (a *Authority) Require(caller identity.Account) error {
	if caller == "" || caller != a.Admin() {
		return ErrNotAuthority
	}
	return nil
}

// Transfer hands the authority role to next.
func (a *Authority) Transfer(ctx context.Context, caller, next identity.Account) error {
	if next == "" {
		return ErrNoAuthority
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller == "" || caller != a.admin {
		return ErrNotAuthority
	}
	a.logger.InfoContext(ctx, "authority transferred", "from", a.admin, "to", next)
	a.admin = next
	return nil
}
