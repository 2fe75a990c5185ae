package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/ratelimit"
)

func newTestGate(t *testing.T, cfg Config) (*Gate, *keystore.KeyStore) {
	t.Helper()
	store := keystore.NewKeyStore("")
	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Close)
	usage := meter.NewUsageMeter(1000)
	audit := meter.NewAuditLog(1000)
	return New(cfg, store, limiter, usage, audit), store
}

func TestAdmit_HappyPath(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	rec, err := store.CreateKey("alpha", 100, nil)
	require.NoError(t, err)

	for i, want := range []int64{99, 98, 97} {
		d := g.Admit(context.Background(), rec.Key, "search", nil, "")
		assert.True(t, d.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, int64(1), d.CreditsCharged)
		assert.Equal(t, want, d.RemainingCredits)
	}

	got := store.GetKeyRaw(rec.Key)
	assert.Equal(t, int64(97), got.Credits)
	assert.Equal(t, int64(3), got.TotalCalls)
	assert.Equal(t, int64(3), got.TotalSpent)
}

func TestAdmit_MissingAndInvalidKey(t *testing.T) {
	g, _ := newTestGate(t, Config{DefaultCreditsPerCall: 1})

	d := g.Admit(context.Background(), "", "search", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingKey, d.Reason)

	d = g.Admit(context.Background(), "pg_nonexistent", "search", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidKey, d.Reason)
}

func TestAdmit_ExpiredKey(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	past := time.Now().Add(-time.Hour)
	rec, err := store.CreateKey("expired", 100, &keystore.KeyOptions{ExpiresAt: &past})
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKeyExpired, d.Reason)

	// expired keys stay visible through the raw accessor
	assert.NotNil(t, store.GetKeyRaw(rec.Key))
	assert.Nil(t, store.GetKey(rec.Key))
}

func TestAdmit_GlobalRateLimit(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1, GlobalRateLimitPerMin: 10})
	rec, err := store.CreateKey("limited", 1000, nil)
	require.NoError(t, err)

	allowed := 0
	var last Decision
	for i := 0; i < 11; i++ {
		last = g.Admit(context.Background(), rec.Key, "search", nil, "")
		if last.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, ReasonRateLimited, last.Reason)
	assert.LessOrEqual(t, last.RateResetInMs, int64(60000))
	assert.Equal(t, int64(990), store.GetKeyRaw(rec.Key).Credits, "denied call must not charge")
}

func TestAdmit_ConcurrentCommitsHonorRateLimit(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1, GlobalRateLimitPerMin: 5})
	rec, err := store.CreateKey("racy", 1000, nil)
	require.NoError(t, err)

	// every goroutine passes the cascade's read-side check before any of
	// them commits; the commit reservation must still hold the window
	var wg sync.WaitGroup
	var allowed int64
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := g.Admit(context.Background(), rec.Key, "search", nil, ""); d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed)
	assert.Equal(t, int64(995), store.GetKeyRaw(rec.Key).Credits)
}

func TestAdmit_PerToolRateLimitSeparation(t *testing.T) {
	g, store := newTestGate(t, Config{
		DefaultCreditsPerCall: 1,
		ToolPricing: map[string]keystore.ToolPrice{
			"tool_a": {CreditsPerCall: 1, RateLimitPerMin: 2},
		},
	})
	rec, err := store.CreateKey("tools", 1000, nil)
	require.NoError(t, err)

	aAllowed := 0
	for i := 0; i < 3; i++ {
		if d := g.Admit(context.Background(), rec.Key, "tool_a", nil, ""); d.Allowed {
			aAllowed++
		}
	}
	bAllowed := 0
	for i := 0; i < 3; i++ {
		if d := g.Admit(context.Background(), rec.Key, "tool_b", nil, ""); d.Allowed {
			bAllowed++
		}
	}
	assert.Equal(t, 2, aAllowed, "tool_a capped at its own limit")
	assert.Equal(t, 3, bAllowed, "tool_b has no limit")
}

func TestAdmit_SuspendResume(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	rec, err := store.CreateKey("sus", 100, nil)
	require.NoError(t, err)

	require.True(t, store.SuspendKey(rec.Key))
	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSuspended, d.Reason)

	require.True(t, store.ResumeKey(rec.Key))
	d = g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.True(t, d.Allowed)
}

func TestAdmit_ToolACL(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	rec, err := store.CreateKey("acl", 100, &keystore.KeyOptions{
		AllowedTools: []string{"search", "fetch"},
		DeniedTools:  []string{"fetch"},
	})
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "delete", nil, "")
	assert.Equal(t, ReasonToolNotAllowed, d.Reason)

	// denylist overrides allowlist
	d = g.Admit(context.Background(), rec.Key, "fetch", nil, "")
	assert.Equal(t, ReasonToolDenied, d.Reason)

	d = g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.True(t, d.Allowed)
}

func TestAdmit_IPAllowlist(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	rec, err := store.CreateKey("ip", 100, &keystore.KeyOptions{
		IPAllowlist: []string{"10.0.0.0/8", "203.0.113.7"},
	})
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "search", nil, "10.1.2.3")
	assert.True(t, d.Allowed)

	d = g.Admit(context.Background(), rec.Key, "search", nil, "203.0.113.7")
	assert.True(t, d.Allowed)

	d = g.Admit(context.Background(), rec.Key, "search", nil, "198.51.100.1")
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)

	d = g.Admit(context.Background(), rec.Key, "search", nil, "not-an-ip")
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)
}

func TestAdmit_InsufficientCredits(t *testing.T) {
	g, store := newTestGate(t, Config{
		ToolPricing: map[string]keystore.ToolPrice{"pricey": {CreditsPerCall: 50}},
	})
	rec, err := store.CreateKey("poor", 49, nil)
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "pricey", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficient, d.Reason)
	assert.Equal(t, int64(50), d.CreditsRequired)
	assert.Equal(t, int64(49), store.GetKeyRaw(rec.Key).Credits)
}

func TestAdmit_SpendingLimit(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 10})
	rec, err := store.CreateKey("capped", 1000, &keystore.KeyOptions{SpendingLimit: 25})
	require.NoError(t, err)

	assert.True(t, g.Admit(context.Background(), rec.Key, "t", nil, "").Allowed)
	assert.True(t, g.Admit(context.Background(), rec.Key, "t", nil, "").Allowed)
	d := g.Admit(context.Background(), rec.Key, "t", nil, "")
	assert.Equal(t, ReasonSpendingLimit, d.Reason)
}

func TestAdmit_QuotaDailyCalls(t *testing.T) {
	g, store := newTestGate(t, Config{
		DefaultCreditsPerCall: 1,
		GlobalQuota:           &keystore.QuotaConfig{DailyCallLimit: 2},
	})
	rec, err := store.CreateKey("quota", 100, nil)
	require.NoError(t, err)

	assert.True(t, g.Admit(context.Background(), rec.Key, "t", nil, "").Allowed)
	assert.True(t, g.Admit(context.Background(), rec.Key, "t", nil, "").Allowed)
	d := g.Admit(context.Background(), rec.Key, "t", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded+":daily_calls", d.Reason)
}

func TestAdmit_ShadowMode(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1, ShadowMode: true})
	rec, err := store.CreateKey("shadow", 100, nil)
	require.NoError(t, err)
	require.True(t, store.RevokeKey(rec.Key))

	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.True(t, d.Allowed)
	assert.Equal(t, "shadow:"+ReasonInvalidKey, d.Reason)

	// shadow allows must not mutate anything
	got := store.GetKeyRaw(rec.Key)
	assert.Equal(t, int64(100), got.Credits)
	assert.Equal(t, int64(0), got.TotalCalls)
}

func TestAdmit_ShadowModeAllowsWithoutCharge(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 5, ShadowMode: true})
	rec, err := store.CreateKey("shadow2", 100, nil)
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.CreditsCharged)
	assert.Equal(t, int64(100), store.GetKeyRaw(rec.Key).Credits)
}

func TestRefund_Safety(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 10})
	rec, err := store.CreateKey("refund", 100, nil)
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	require.True(t, d.Allowed)

	assert.True(t, g.Refund(rec.Key, "search", 10))
	got := store.GetKeyRaw(rec.Key)
	assert.Equal(t, int64(100), got.Credits)
	assert.Equal(t, int64(0), got.TotalSpent)
	assert.Equal(t, int64(0), got.TotalCalls)

	// over-refund clamps at zero, never negative
	assert.True(t, g.Refund(rec.Key, "search", 50))
	got = store.GetKeyRaw(rec.Key)
	assert.GreaterOrEqual(t, got.TotalSpent, int64(0))
	assert.GreaterOrEqual(t, got.TotalCalls, int64(0))

	// unknown key is a no-op
	assert.False(t, g.Refund("pg_unknown", "search", 10))
	assert.False(t, g.Refund(rec.Key, "search", 0))
}

func TestAdmit_AutoTopup(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 10})
	rec, err := store.CreateKey("topup", 15, &keystore.KeyOptions{
		AutoTopup: &keystore.AutoTopupConfig{Threshold: 10, Amount: 100, MaxDaily: 1},
	})
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "t", nil, "")
	require.True(t, d.Allowed)
	// 15 - 10 = 5, below threshold 10, topped up by 100
	assert.Equal(t, int64(105), d.RemainingCredits)
}

func TestAdmitBatch_Atomicity(t *testing.T) {
	g, store := newTestGate(t, Config{
		ToolPricing: map[string]keystore.ToolPrice{"t": {CreditsPerCall: 10}},
	})

	rec, err := store.CreateKey("batch-ok", 30, nil)
	require.NoError(t, err)
	calls := []BatchCall{{Tool: "t"}, {Tool: "t"}, {Tool: "t"}}
	d := g.AdmitBatch(context.Background(), rec.Key, calls)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(30), d.TotalCredits)
	assert.Equal(t, int64(0), store.GetKeyRaw(rec.Key).Credits)

	rec2, err := store.CreateKey("batch-short", 29, nil)
	require.NoError(t, err)
	d = g.AdmitBatch(context.Background(), rec2.Key, calls)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(29), store.GetKeyRaw(rec2.Key).Credits, "failed batch must charge nothing")
}

func TestAdmit_GroupPolicyMerge(t *testing.T) {
	g, store := newTestGate(t, Config{DefaultCreditsPerCall: 1})
	store.SetGroups([]*keystore.KeyGroup{{
		ID:          "trial",
		Name:        "Trial",
		ToolPricing: map[string]keystore.ToolPrice{"search": {CreditsPerCall: 5}},
	}})
	rec, err := store.CreateKey("grouped", 100, &keystore.KeyOptions{Group: "trial"})
	require.NoError(t, err)

	d := g.Admit(context.Background(), rec.Key, "search", nil, "")
	require.True(t, d.Allowed)
	assert.Equal(t, int64(5), d.CreditsCharged, "group pricing applies when the gate has none")
}
