package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/authz"
)

func TestEngine_DirectAndGroup(t *testing.T) {
	engine := authz.NewEngine()
	ctx := context.Background()

	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{
		Object: "identity:aa", Relation: authz.RelationController, Subject: "account:alice",
	}))

	allowed, _ := engine.Check(ctx, "identity:aa", authz.RelationController, "account:alice")
	assert.True(t, allowed, "alice controls aa")

	allowed, _ = engine.Check(ctx, "identity:aa", authz.RelationOperator, "account:alice")
	assert.False(t, allowed, "controller is not implicitly operator")

	// bob operates bb through group:ops
	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{
		Object: "group:ops", Relation: authz.RelationMember, Subject: "account:bob",
	}))
	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{
		Object: "identity:bb", Relation: authz.RelationOperator, Subject: "group:ops",
	}))

	allowed, _ = engine.CheckAny(ctx, "identity:bb",
		[]string{authz.RelationController, authz.RelationOperator}, "account:bob")
	assert.True(t, allowed, "bob operates bb via group:ops")
}

func TestEngine_DeleteTuple(t *testing.T) {
	engine := authz.NewEngine()
	ctx := context.Background()
	tuple := authz.RelationTuple{Object: "identity:aa", Relation: authz.RelationOperator, Subject: "account:carol"}

	require.NoError(t, engine.WriteTuple(ctx, tuple))
	require.NoError(t, engine.WriteTuple(ctx, tuple)) // idempotent
	require.NoError(t, engine.DeleteTuple(ctx, tuple))

	allowed, _ := engine.Check(ctx, "identity:aa", authz.RelationOperator, "account:carol")
	assert.False(t, allowed)
}

func TestEngine_GroupCycle(t *testing.T) {
	engine := authz.NewEngine()
	ctx := context.Background()

	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{Object: "group:a", Relation: authz.RelationMember, Subject: "group:b"}))
	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{Object: "group:b", Relation: authz.RelationMember, Subject: "group:a"}))
	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{Object: "identity:cc", Relation: authz.RelationController, Subject: "group:a"}))

	allowed, err := engine.Check(ctx, "identity:cc", authz.RelationController, "account:mallory")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEngine_RejectsIncompleteTuple(t *testing.T) {
	err := authz.NewEngine().WriteTuple(context.Background(), authz.RelationTuple{Object: "identity:aa"})
	assert.Error(t, err)
}
