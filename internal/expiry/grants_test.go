package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrants(t *testing.T) (*GrantManager, *time.Time) {
	t.Helper()
	g := NewGrantManager(0, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return now }
	return g, &now
}

func TestConsume_EarliestExpiryFirst(t *testing.T) {
	g, _ := newTestGrants(t)

	// insertion order deliberately reversed: the 24h tranche must drain first
	_, err := g.Grant("pg_key", 50, 48*time.Hour, "promo")
	require.NoError(t, err)
	_, err = g.Grant("pg_key", 100, 24*time.Hour, "admin")
	require.NoError(t, err)

	res := g.Consume("pg_key", 120)
	assert.Equal(t, int64(120), res.Consumed)
	assert.Equal(t, int64(30), res.Remaining, "remaining reports the leftover grant balance")
	assert.Equal(t, 2, res.GrantsUsed)

	grants := g.Grants("pg_key")
	require.Len(t, grants, 2)
	assert.Equal(t, int64(0), grants[0].RemainingAmount, "24h tranche fully drained")
	assert.Equal(t, int64(30), grants[1].RemainingAmount, "48h tranche partially drained")
	assert.Equal(t, int64(30), g.Balance("pg_key"))
}

func TestConsume_PartialSatisfaction(t *testing.T) {
	g, _ := newTestGrants(t)
	_, err := g.Grant("pg_key", 10, time.Hour, "promo")
	require.NoError(t, err)

	res := g.Consume("pg_key", 25)
	assert.Equal(t, int64(10), res.Consumed)
	assert.Equal(t, int64(0), res.Remaining, "all tranches exhausted")
	assert.Equal(t, 1, res.GrantsUsed)

	assert.Equal(t, ConsumeResult{}, g.Consume("pg_key", 0), "non-positive amount is a no-op")
}

func TestPruneExpired(t *testing.T) {
	g, now := newTestGrants(t)
	_, err := g.Grant("pg_key", 40, time.Hour, "promo")
	require.NoError(t, err)
	_, err = g.Grant("pg_key", 60, 3*time.Hour, "promo")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, int64(40), g.PruneExpired("pg_key"))
	assert.Equal(t, int64(60), g.Balance("pg_key"))
	assert.Equal(t, int64(40), g.TotalExpired())

	// second sweep finds nothing new
	assert.Equal(t, int64(0), g.PruneExpired("pg_key"))
}

func TestConsume_SkipsExpiredTranches(t *testing.T) {
	g, now := newTestGrants(t)
	_, err := g.Grant("pg_key", 100, time.Hour, "promo")
	require.NoError(t, err)
	_, err = g.Grant("pg_key", 100, 10*time.Hour, "promo")
	require.NoError(t, err)

	*now = now.Add(5 * time.Hour)
	res := g.Consume("pg_key", 150)
	assert.Equal(t, int64(100), res.Consumed, "expired tranche contributes nothing")
	assert.Equal(t, int64(0), res.Remaining)
}

func TestGrant_Validation(t *testing.T) {
	g, _ := newTestGrants(t)
	_, err := g.Grant("pg_key", 0, time.Hour, "promo")
	assert.Error(t, err)
	_, err = g.Grant("pg_key", 10, 0, "promo")
	assert.Error(t, err)
}

func TestGrant_Bounds(t *testing.T) {
	g := NewGrantManager(2, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, err := g.Grant("a", 10, time.Hour, "promo")
		require.NoError(t, err)
	}
	_, err := g.Grant("a", 10, time.Hour, "promo")
	assert.Error(t, err, "per-key bound")

	_, err = g.Grant("b", 10, time.Hour, "promo")
	require.NoError(t, err)
	_, err = g.Grant("c", 10, time.Hour, "promo")
	assert.Error(t, err, "key-count bound")
}

func TestGetExpiringSoon(t *testing.T) {
	g, _ := newTestGrants(t)
	_, err := g.Grant("pg_key", 10, time.Hour, "promo")
	require.NoError(t, err)
	_, err = g.Grant("pg_key", 20, 100*time.Hour, "promo")
	require.NoError(t, err)

	soon := g.GetExpiringSoon("pg_key", 72*time.Hour)
	require.Len(t, soon, 1)
	assert.Equal(t, int64(10), soon[0].RemainingAmount)
}
