package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paygate/paygate/internal/keystore"
)

func TestRollover(t *testing.T) {
	rec := &keystore.ApiKeyRecord{
		QuotaDailyCalls:     10,
		QuotaDailyCredits:   50,
		QuotaMonthlyCalls:   100,
		QuotaMonthlyCredits: 500,
		QuotaLastResetDay:   "2026-03-01",
		QuotaLastResetMonth: "2026-03",
	}

	// same day, same month: nothing moves
	Rollover(rec, time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, int64(10), rec.QuotaDailyCalls)
	assert.Equal(t, int64(100), rec.QuotaMonthlyCalls)

	// next day, same month: daily resets, monthly survives
	Rollover(rec, time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC))
	assert.Equal(t, int64(0), rec.QuotaDailyCalls)
	assert.Equal(t, int64(0), rec.QuotaDailyCredits)
	assert.Equal(t, "2026-03-02", rec.QuotaLastResetDay)
	assert.Equal(t, int64(100), rec.QuotaMonthlyCalls)
	assert.Equal(t, int64(500), rec.QuotaMonthlyCredits)

	// month boundary resets both
	rec.QuotaDailyCalls = 7
	Rollover(rec, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(0), rec.QuotaDailyCalls)
	assert.Equal(t, int64(0), rec.QuotaMonthlyCalls)
	assert.Equal(t, "2026-04", rec.QuotaLastResetMonth)
}

func TestRollover_UsesUTC(t *testing.T) {
	rec := &keystore.ApiKeyRecord{
		QuotaDailyCalls:   5,
		QuotaLastResetDay: "2026-03-01",
	}
	// 23:00 local in UTC+3 is 20:00 UTC, still the same UTC day
	loc := time.FixedZone("UTC+3", 3*3600)
	Rollover(rec, time.Date(2026, 3, 1, 23, 0, 0, 0, loc))
	assert.Equal(t, int64(5), rec.QuotaDailyCalls)
}

func TestResolve_Precedence(t *testing.T) {
	perKey := &keystore.QuotaConfig{DailyCallLimit: 1}
	grp := &keystore.KeyGroup{Quota: &keystore.QuotaConfig{DailyCallLimit: 2}}
	global := &keystore.QuotaConfig{DailyCallLimit: 3}

	rec := &keystore.ApiKeyRecord{Quota: perKey}
	assert.Same(t, perKey, Resolve(rec, grp, global))

	rec.Quota = nil
	assert.Same(t, grp.Quota, Resolve(rec, grp, global))
	assert.Same(t, global, Resolve(rec, nil, global))
	assert.Nil(t, Resolve(rec, nil, nil))
}

func TestCheck_Dimensions(t *testing.T) {
	q := &keystore.QuotaConfig{
		DailyCallLimit:     10,
		MonthlyCallLimit:   100,
		DailyCreditLimit:   50,
		MonthlyCreditLimit: 500,
	}

	rec := &keystore.ApiKeyRecord{}
	assert.Equal(t, "", Check(rec, q, 5))

	rec.QuotaDailyCalls = 10
	assert.Equal(t, DimDailyCalls, Check(rec, q, 5))

	rec.QuotaDailyCalls = 0
	rec.QuotaMonthlyCalls = 100
	assert.Equal(t, DimMonthlyCalls, Check(rec, q, 5))

	rec.QuotaMonthlyCalls = 0
	rec.QuotaDailyCredits = 46
	assert.Equal(t, DimDailyCredits, Check(rec, q, 5), "46+5 exceeds 50")
	assert.Equal(t, "", Check(rec, q, 4), "46+4 fits exactly")

	rec.QuotaDailyCredits = 0
	rec.QuotaMonthlyCredits = 496
	assert.Equal(t, DimMonthlyCredits, Check(rec, q, 5))
}

func TestCheck_ZeroLimitIsUnlimited(t *testing.T) {
	rec := &keystore.ApiKeyRecord{QuotaDailyCalls: 1_000_000}
	assert.Equal(t, "", Check(rec, &keystore.QuotaConfig{}, 1_000_000))
	assert.Equal(t, "", Check(rec, nil, 1))
}

func TestBump(t *testing.T) {
	rec := &keystore.ApiKeyRecord{}
	Bump(rec, 7)
	Bump(rec, 3)
	assert.Equal(t, int64(2), rec.QuotaDailyCalls)
	assert.Equal(t, int64(2), rec.QuotaMonthlyCalls)
	assert.Equal(t, int64(10), rec.QuotaDailyCredits)
	assert.Equal(t, int64(10), rec.QuotaMonthlyCredits)
}
