package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleMatches(t *testing.T) {
	r := &Rule{
		ID:            "r1",
		Enabled:       true,
		CostThreshold: 100,
		ToolMatch:     "admin_*",
		KeyMatch:      "pg_abc",
	}

	assert.True(t, r.Matches("pg_abcdef", "admin_delete", 100))
	assert.True(t, r.Matches("pg_abcdef", "admin_delete", 500))
	assert.False(t, r.Matches("pg_abcdef", "admin_delete", 99), "below cost threshold")
	assert.False(t, r.Matches("pg_abcdef", "search", 500), "tool glob mismatch")
	assert.False(t, r.Matches("pg_xyz", "admin_delete", 500), "key prefix mismatch")

	r.Enabled = false
	assert.False(t, r.Matches("pg_abcdef", "admin_delete", 500))
}

func TestRuleMatches_EmptyConditionsMatchEverything(t *testing.T) {
	r := &Rule{ID: "all", Enabled: true}
	assert.True(t, r.Matches("pg_anything", "any_tool", 0))
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	m := NewManager([]*Rule{
		{ID: "expensive", Enabled: true, CostThreshold: 1000},
		{ID: "admin", Enabled: true, ToolMatch: "admin_*"},
	}, 0)

	got := m.Evaluate("pg_x", "admin_wipe", 2000)
	require.NotNil(t, got)
	assert.Equal(t, "expensive", got.ID)

	got = m.Evaluate("pg_x", "admin_wipe", 5)
	require.NotNil(t, got)
	assert.Equal(t, "admin", got.ID)

	assert.Nil(t, m.Evaluate("pg_x", "search", 5))
}

func TestResolveLifecycle(t *testing.T) {
	m := NewManager(nil, 0)

	req := m.CreatePending("r1", "pg_0123456...", "admin_wipe", 500)
	assert.Equal(t, RequestPending, req.Status)

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	resolved := m.Resolve(req.ID, true, "ops@example.com")
	require.NotNil(t, resolved)
	assert.Equal(t, RequestApproved, resolved.Status)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Nil(t, m.Resolve(req.ID, false, "x"), "already resolved")
	assert.Nil(t, m.Resolve("missing", true, "x"))
	assert.Empty(t, m.Pending())
}

func TestResolve_Denied(t *testing.T) {
	m := NewManager(nil, 0)
	req := m.CreatePending("r1", "pg_x", "tool", 10)

	resolved := m.Resolve(req.ID, false, "ops")
	require.NotNil(t, resolved)
	assert.Equal(t, RequestDenied, resolved.Status)
}

func TestPendingExpiry(t *testing.T) {
	m := NewManager(nil, time.Millisecond)
	req := m.CreatePending("r1", "pg_x", "tool", 10)

	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, m.Pending())

	got := m.Get(req.ID)
	require.NotNil(t, got)
	assert.Equal(t, RequestExpired, got.Status)
	assert.Nil(t, m.Resolve(req.ID, true, "late"), "expired requests cannot be approved")
}
