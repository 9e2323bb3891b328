package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheck_DefaultDenyWithNoMatchingRule(t *testing.T) {
	c := NewChecker(nil)
	require.False(t, c.Check("alice", "devices/d1", PermRead))
}

func TestCheck_SingleAllowGrantsAccess(t *testing.T) {
	c := NewChecker([]ACE{{Subject: "alice", ResourceGlob: "devices/*", Permission: PermRead, Effect: EffectAllow}})
	require.True(t, c.Check("alice", "devices/d1", PermRead))
	require.False(t, c.Check("bob", "devices/d1", PermRead))
}

func TestCheck_HigherPriorityWins(t *testing.T) {
	c := NewChecker([]ACE{
		{Subject: "alice", ResourceGlob: "devices/*", Permission: PermWrite, Effect: EffectDeny, Priority: 1},
		{Subject: "alice", ResourceGlob: "devices/d1", Permission: PermWrite, Effect: EffectAllow, Priority: 10},
	})
	require.True(t, c.Check("alice", "devices/d1", PermWrite))
}

func TestCheck_DenyOverridesAllowAtEqualPriority(t *testing.T) {
	c := NewChecker([]ACE{
		{Subject: "alice", ResourceGlob: "devices/*", Permission: PermAdmin, Effect: EffectAllow, Priority: 5},
		{Subject: "alice", ResourceGlob: "devices/d1", Permission: PermAdmin, Effect: EffectDeny, Priority: 5},
	})
	require.False(t, c.Check("alice", "devices/d1", PermAdmin))
	require.True(t, c.Check("alice", "devices/d2", PermAdmin))
}

func TestCheck_PermissionMismatchDoesNotMatch(t *testing.T) {
	c := NewChecker([]ACE{{Subject: "alice", ResourceGlob: "*", Permission: PermRead, Effect: EffectAllow}})
	require.False(t, c.Check("alice", "devices/d1", PermWrite))
}

func TestMatchingRules_ReturnsEvaluationOrder(t *testing.T) {
	c := NewChecker([]ACE{
		{Subject: "alice", ResourceGlob: "devices/*", Permission: PermRead, Effect: EffectAllow, Priority: 1},
		{Subject: "alice", ResourceGlob: "devices/d1", Permission: PermRead, Effect: EffectDeny, Priority: 5},
	})
	matches := c.MatchingRules("alice", "devices/d1", PermRead)
	require.Len(t, matches, 2)
	require.Equal(t, EffectDeny, matches[0].Effect, "higher-priority deny must sort first")
}
