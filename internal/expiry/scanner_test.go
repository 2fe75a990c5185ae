package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate/paygate/internal/keystore"
)

type warning struct {
	key       string
	threshold time.Duration
}

func TestScan_WarnsOncePerThreshold(t *testing.T) {
	store := keystore.NewKeyStore("")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	exp := now.Add(20 * time.Hour)
	rec, err := store.CreateKey("expiring", 10, &keystore.KeyOptions{ExpiresAt: &exp})
	require.NoError(t, err)

	var got []warning
	s := NewScanner(store, time.Hour, []time.Duration{72 * time.Hour, 24 * time.Hour, time.Hour},
		func(r *keystore.ApiKeyRecord, remaining, threshold time.Duration) {
			got = append(got, warning{r.Key, threshold})
		})
	s.nowFn = func() time.Time { return now }

	s.Scan()
	require.Len(t, got, 1)
	assert.Equal(t, rec.Key, got[0].key)
	assert.Equal(t, 24*time.Hour, got[0].threshold, "smallest covering threshold wins")

	// same tick again: deduped
	s.Scan()
	assert.Len(t, got, 1)

	// closer to expiry the 1h threshold fires fresh
	now = exp.Add(-30 * time.Minute)
	s.nowFn = func() time.Time { return now }
	s.Scan()
	require.Len(t, got, 2)
	assert.Equal(t, time.Hour, got[1].threshold)
}

func TestScan_IgnoresInactiveAndUnbounded(t *testing.T) {
	store := keystore.NewKeyStore("")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.CreateKey("no-expiry", 10, nil)
	require.NoError(t, err)

	exp := now.Add(time.Hour)
	revoked, err := store.CreateKey("revoked", 10, &keystore.KeyOptions{ExpiresAt: &exp})
	require.NoError(t, err)
	require.True(t, store.RevokeKey(revoked.Key))

	past := now.Add(-time.Hour)
	_, err = store.CreateKey("already-expired", 10, &keystore.KeyOptions{ExpiresAt: &past})
	require.NoError(t, err)

	fired := 0
	s := NewScanner(store, time.Hour, []time.Duration{24 * time.Hour},
		func(*keystore.ApiKeyRecord, time.Duration, time.Duration) { fired++ })
	s.nowFn = func() time.Time { return now }

	s.Scan()
	assert.Equal(t, 0, fired)
}

func TestQueryExpiring(t *testing.T) {
	store := keystore.NewKeyStore("")
	now := time.Now()

	late := now.Add(48 * time.Hour)
	early := now.Add(12 * time.Hour)
	far := now.Add(200 * time.Hour)

	_, err := store.CreateKey("late", 10, &keystore.KeyOptions{ExpiresAt: &late})
	require.NoError(t, err)
	_, err = store.CreateKey("early", 10, &keystore.KeyOptions{ExpiresAt: &early})
	require.NoError(t, err)
	_, err = store.CreateKey("far", 10, &keystore.KeyOptions{ExpiresAt: &far})
	require.NoError(t, err)

	out := QueryExpiring(store.AllRecords(), 72*time.Hour)
	require.Len(t, out, 2)
	assert.Equal(t, "early", out[0].Name, "soonest first")
	assert.Equal(t, "late", out[1].Name)
}
