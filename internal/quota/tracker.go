// Package quota maintains the daily/monthly call and credit counters stored
// on each key record. Counters roll over when the current UTC day or month no
// longer matches the recorded reset anchors; rollover always happens before a
// limit check so a stale counter can never deny a fresh period.
package quota

import (
	"time"

	"github.com/paygate/paygate/internal/keystore"
)

// Dimensions reported by Check on breach.
const (
	DimDailyCalls     = "daily_calls"
	DimMonthlyCalls   = "monthly_calls"
	DimDailyCredits   = "daily_credits"
	DimMonthlyCredits = "monthly_credits"
)

// Rollover zeroes counters whose UTC period anchor is stale. Mutates rec;
// must run under the store lock (the gate calls it inside Update).
func Rollover(rec *keystore.ApiKeyRecord, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	month := now.UTC().Format("2006-01")
	if rec.QuotaLastResetDay != day {
		rec.QuotaDailyCalls = 0
		rec.QuotaDailyCredits = 0
		rec.QuotaLastResetDay = day
	}
	if rec.QuotaLastResetMonth != month {
		rec.QuotaMonthlyCalls = 0
		rec.QuotaMonthlyCredits = 0
		rec.QuotaLastResetMonth = month
	}
}

// Resolve picks the effective quota: per-key override first, then the key's
// group, then the global default. Nil means no quota configured anywhere.
func Resolve(rec *keystore.ApiKeyRecord, group *keystore.KeyGroup, global *keystore.QuotaConfig) *keystore.QuotaConfig {
	if rec.Quota != nil {
		return rec.Quota
	}
	if group != nil && group.Quota != nil {
		return group.Quota
	}
	return global
}

// Check returns the breached dimension, or "" when the prospective call
// (costing price credits) fits every configured limit. A zero limit is
// unlimited in that dimension.
func Check(rec *keystore.ApiKeyRecord, q *keystore.QuotaConfig, price int64) string {
	if q == nil {
		return ""
	}
	if q.DailyCallLimit > 0 && rec.QuotaDailyCalls+1 > q.DailyCallLimit {
		return DimDailyCalls
	}
	if q.MonthlyCallLimit > 0 && rec.QuotaMonthlyCalls+1 > q.MonthlyCallLimit {
		return DimMonthlyCalls
	}
	if q.DailyCreditLimit > 0 && rec.QuotaDailyCredits+price > q.DailyCreditLimit {
		return DimDailyCredits
	}
	if q.MonthlyCreditLimit > 0 && rec.QuotaMonthlyCredits+price > q.MonthlyCreditLimit {
		return DimMonthlyCredits
	}
	return ""
}

// Bump records an admitted call against all four counters. Refunds do not
// call Bump in reverse: quota usage is intentionally not returned on refund.
func Bump(rec *keystore.ApiKeyRecord, price int64) {
	rec.QuotaDailyCalls++
	rec.QuotaMonthlyCalls++
	rec.QuotaDailyCredits += price
	rec.QuotaMonthlyCredits += price
}
