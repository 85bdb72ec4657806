//go:build property
// +build property

package finance_test

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/honeycomb-labs/settlement/pkg/finance"
)

// Property: fee == floor(A*f/10000) and fee + net == A for every A >= 0, f <= 1000.
func TestSplitConservesAmount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("fee is the floored basis-point share and fee+net == amount", prop.ForAll(
		func(amount int64, bps uint32) bool {
			fee, net, err := finance.Split(amount, bps)
			if err != nil {
				return false
			}
			want := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(bps)))
			want.Quo(want, big.NewInt(finance.BpsDenominator))
			return fee == want.Int64() && fee+net == amount && fee <= net
		},
		gen.Int64Range(0, 1<<62),
		gen.UInt32Range(0, finance.MaxFeeBps),
	))

	properties.TestingRun(t)
}
