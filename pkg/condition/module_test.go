package condition_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/condition"
)

func always(v bool) condition.Module {
	return condition.ModuleFunc(func(context.Context, uint64, []byte) (bool, error) { return v, nil })
}

func TestRegistry_ApprovalLifecycle(t *testing.T) {
	reg := condition.NewRegistry()
	require.NoError(t, reg.Install("always", always(true)))

	_, err := reg.Approved("always")
	assert.ErrorIs(t, err, condition.ErrNotApproved)

	require.NoError(t, reg.SetApproved("always", true))
	m, err := reg.Approved("always")
	require.NoError(t, err)
	ok, _ := m.IsSatisfied(context.Background(), 1, nil)
	assert.True(t, ok)

	require.NoError(t, reg.SetApproved("always", false))
	_, err = reg.Approved("always")
	assert.ErrorIs(t, err, condition.ErrNotApproved)

	_, err = reg.Resolve("always")
	assert.NoError(t, err, "unapproved modules stay resolvable")

	assert.Equal(t, map[condition.Ref]bool{"always": false}, reg.Refs())
}

func TestRegistry_Errors(t *testing.T) {
	reg := condition.NewRegistry()

	assert.ErrorIs(t, reg.SetApproved("ghost", true), condition.ErrUnknownModule)
	_, err := reg.Resolve("ghost")
	assert.ErrorIs(t, err, condition.ErrUnknownModule)
	_, err = reg.Approved("ghost")
	assert.ErrorIs(t, err, condition.ErrUnknownModule)

	require.NoError(t, reg.Install("x", always(false)))
	assert.ErrorIs(t, reg.Install("x", always(true)), condition.ErrDuplicate)
	assert.Error(t, reg.Install("", always(true)))
	assert.Error(t, reg.Install("nil", nil))
}
