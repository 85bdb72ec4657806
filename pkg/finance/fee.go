// Package finance holds the integer money arithmetic of the settlement core:
// assets, and the basis-point fee split applied on escrow release.
package finance

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

const (
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000
	// MaxFeeBps caps the fee at 10%.
	MaxFeeBps = 1_000
)

var (
	ErrFeeTooHigh     = fmt.Errorf("finance: fee above %d bps", MaxFeeBps)
	ErrNegativeAmount = errors.New("finance: amount must not be negative")
)

// Asset names a fungible unit of value, e.g. "HONEY" or "USDC".
// Amounts are always integers in the asset's smallest unit.
type Asset string

// Split computes fee = floor(amount*bps/10000) and net = amount - fee.
// The product is formed in 128 bits so it cannot overflow; fee+net == amount
// always holds and any rounding remainder stays in net.
func Split(amount int64, bps uint32) (fee, net int64, err error) {
	if amount < 0 {
		return 0, 0, ErrNegativeAmount
	}
	if bps > MaxFeeBps {
		return 0, 0, ErrFeeTooHigh
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(bps))
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	fee = int64(q)
	return fee, amount - fee, nil
}

// FeePolicy is the mutable, governance-controlled fee rate.
type FeePolicy struct {
	mu  sync.RWMutex
	bps uint32
}

// NewFeePolicy returns a policy charging bps basis points.
func NewFeePolicy(bps uint32) (*FeePolicy, error) {
	if bps > MaxFeeBps {
		return nil, ErrFeeTooHigh
	}
	return &FeePolicy{bps: bps}, nil
}

// Bps returns the current rate.
func (p *FeePolicy) Bps() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bps
}

// SetBps changes the rate. Rates above MaxFeeBps are rejected and leave the
// policy unchanged.
func (p *FeePolicy) SetBps(bps uint32) error {
	if bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	p.mu.Lock()
	p.bps = bps
	p.mu.Unlock()
	return nil
}

// Split applies the current rate to amount.
func (p *FeePolicy) Split(amount int64) (fee, net int64, err error) {
	return Split(amount, p.Bps())
}
