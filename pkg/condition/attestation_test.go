package condition_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/condition"
)

func TestAttestation_Expression(t *testing.T) {
	ctx := context.Background()
	a, err := condition.NewAttestation("0xoracle")
	require.NoError(t, err)

	expr := []byte(`"delivery" in attestations && attestations["delivery"] == "confirmed"`)

	ok, err := a.IsSatisfied(ctx, 3, expr)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Attest(ctx, 3, "0xoracle", "delivery", "confirmed"))
	ok, err = a.IsSatisfied(ctx, 3, expr)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, a.Attest(ctx, 3, "0xmallory", "delivery", "confirmed"), condition.ErrNotAttestor)
}

func TestAttestation_TimeAndRuntimeErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	a, err := condition.NewAttestation("0xoracle")
	require.NoError(t, err)
	a.WithClock(func() time.Time { return now })

	ok, err := a.IsSatisfied(ctx, 1, []byte(`now >= 1700000000 && escrow_id == 1u`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsSatisfied(ctx, 1, []byte(`attestations["missing"] == "x"`))
	require.NoError(t, err, "missing keys evaluate to not satisfied")
	assert.False(t, ok)
}

func TestAttestation_InvalidExpression(t *testing.T) {
	a, err := condition.NewAttestation()
	require.NoError(t, err)

	assert.ErrorIs(t, a.Compile(`now +`), condition.ErrInvalidExpression)
	assert.ErrorIs(t, a.Compile(`now + 1`), condition.ErrInvalidExpression, "non-bool result")
	assert.NoError(t, a.Compile(`size(attestations) > 0`))

	_, err = a.IsSatisfied(context.Background(), 1, []byte(`undeclared_var`))
	assert.ErrorIs(t, err, condition.ErrInvalidExpression)
}

func TestAttestation_Validate(t *testing.T) {
	a, err := condition.NewAttestation()
	require.NoError(t, err)
	var _ condition.Validator = a

	assert.NoError(t, a.Validate([]byte(`attestations["delivered"] == "yes"`)))
	assert.ErrorIs(t, a.Validate([]byte(`now +`)), condition.ErrInvalidExpression)
	assert.ErrorIs(t, a.Validate(nil), condition.ErrInvalidExpression, "an empty expression never evaluates")
}
