// Package keystore owns the authoritative fingerprint → ApiKeyRecord map.
//
// All mutations go through KeyStore methods, which sanitize input, update the
// in-memory map, persist an atomic snapshot (when a state path is configured)
// and notify the change listener. No other component mutates a record.
package keystore

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

const (
	// KeyPrefix is the fixed prefix of every generated fingerprint.
	KeyPrefix = "pg"

	// MaxCredits caps a key's balance.
	MaxCredits int64 = 1_000_000_000

	maxNameLen    = 200
	maxListLen    = 100
	maxTagCount   = 50
	maxTagLen     = 100
	maxNamespace  = 50
	DefaultsSpace = "default"
)

var namespaceRe = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)

// QuotaConfig is a per-key (or per-group, or global) quota override.
// A zero limit means unlimited in that dimension.
type QuotaConfig struct {
	DailyCallLimit     int64 `json:"dailyCallLimit,omitempty" yaml:"daily_call_limit"`
	MonthlyCallLimit   int64 `json:"monthlyCallLimit,omitempty" yaml:"monthly_call_limit"`
	DailyCreditLimit   int64 `json:"dailyCreditLimit,omitempty" yaml:"daily_credit_limit"`
	MonthlyCreditLimit int64 `json:"monthlyCreditLimit,omitempty" yaml:"monthly_credit_limit"`
}

// AutoTopupConfig triggers automatic credit refills when the balance drops
// below Threshold. MaxDaily of zero means no daily cap.
type AutoTopupConfig struct {
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
	MaxDaily  int   `json:"maxDaily"`
}

// ToolPrice configures per-tool pricing and an optional per-tool rate limit.
type ToolPrice struct {
	CreditsPerCall  int64 `json:"creditsPerCall" yaml:"credits_per_call"`
	RateLimitPerMin int   `json:"rateLimitPerMin,omitempty" yaml:"rate_limit_per_min"`
}

// KeyGroup supplies policy defaults for all keys that reference it.
// Per-key settings take precedence over group settings.
type KeyGroup struct {
	ID              string               `json:"id" yaml:"id"`
	Name            string               `json:"name" yaml:"name"`
	RateLimitPerMin int                  `json:"rateLimitPerMin,omitempty" yaml:"rate_limit_per_min"`
	ToolPricing     map[string]ToolPrice `json:"toolPricing,omitempty" yaml:"tool_pricing"`
	IPAllowlist     []string             `json:"ipAllowlist,omitempty" yaml:"ip_allowlist"`
	Quota           *QuotaConfig         `json:"quota,omitempty" yaml:"quota"`
}

// ApiKeyRecord is the full per-key state. The fingerprint doubles as the
// bearer secret; it never appears in client-facing responses.
type ApiKeyRecord struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Alias     string `json:"alias,omitempty"`
	Namespace string `json:"namespace"`

	Credits    int64 `json:"credits"`
	TotalSpent int64 `json:"totalSpent"`
	TotalCalls int64 `json:"totalCalls"`

	Active    bool       `json:"active"`
	Suspended bool       `json:"suspended,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	AllowedTools  []string `json:"allowedTools,omitempty"`
	DeniedTools   []string `json:"deniedTools,omitempty"`
	IPAllowlist   []string `json:"ipAllowlist,omitempty"`
	SpendingLimit int64    `json:"spendingLimit,omitempty"`

	Quota               *QuotaConfig `json:"quota,omitempty"`
	QuotaDailyCalls     int64        `json:"quotaDailyCalls,omitempty"`
	QuotaMonthlyCalls   int64        `json:"quotaMonthlyCalls,omitempty"`
	QuotaDailyCredits   int64        `json:"quotaDailyCredits,omitempty"`
	QuotaMonthlyCredits int64        `json:"quotaMonthlyCredits,omitempty"`
	QuotaLastResetDay   string       `json:"quotaLastResetDay,omitempty"`
	QuotaLastResetMonth string       `json:"quotaLastResetMonth,omitempty"`

	AutoTopup             *AutoTopupConfig `json:"autoTopup,omitempty"`
	AutoTopupTodayCount   int              `json:"autoTopupTodayCount,omitempty"`
	AutoTopupLastResetDay string           `json:"autoTopupLastResetDay,omitempty"`

	Tags  map[string]string `json:"tags,omitempty"`
	Group string            `json:"group,omitempty"`

	// extra holds fields written by other (newer or older) builds so that a
	// snapshot round-trip never loses data.
	extra map[string]json.RawMessage
}

// knownRecordFields mirrors the json tags above; anything else read from a
// snapshot or a remote hash lands in extra and is written back verbatim.
var knownRecordFields = map[string]bool{
	"key": true, "name": true, "alias": true, "namespace": true,
	"credits": true, "totalSpent": true, "totalCalls": true,
	"active": true, "suspended": true, "createdAt": true,
	"lastUsedAt": true, "expiresAt": true,
	"allowedTools": true, "deniedTools": true, "ipAllowlist": true,
	"spendingLimit": true, "quota": true,
	"quotaDailyCalls": true, "quotaMonthlyCalls": true,
	"quotaDailyCredits": true, "quotaMonthlyCredits": true,
	"quotaLastResetDay": true, "quotaLastResetMonth": true,
	"autoTopup": true, "autoTopupTodayCount": true, "autoTopupLastResetDay": true,
	"tags": true, "group": true,
}

type recordAlias ApiKeyRecord

// UnmarshalJSON decodes a record and stashes unknown fields in extra.
func (r *ApiKeyRecord) UnmarshalJSON(data []byte) error {
	var a recordAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownRecordFields[k] {
			delete(raw, k)
		}
	}
	*r = ApiKeyRecord(a)
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// MarshalJSON encodes the record with any preserved unknown fields merged in.
func (r ApiKeyRecord) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy; slices, maps and time pointers are duplicated so
// callers can hand out records without exposing store-internal state.
func (r *ApiKeyRecord) Clone() *ApiKeyRecord {
	cp := *r
	cp.AllowedTools = append([]string(nil), r.AllowedTools...)
	cp.DeniedTools = append([]string(nil), r.DeniedTools...)
	cp.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	if r.Tags != nil {
		cp.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			cp.Tags[k] = v
		}
	}
	if r.Quota != nil {
		q := *r.Quota
		cp.Quota = &q
	}
	if r.AutoTopup != nil {
		a := *r.AutoTopup
		cp.AutoTopup = &a
	}
	if r.LastUsed != nil {
		t := *r.LastUsed
		cp.LastUsed = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.extra != nil {
		cp.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			cp.extra[k] = v
		}
	}
	return &cp
}

// Expired reports whether the record is past its wall-clock expiry.
func (r *ApiKeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.IsZero() && now.After(*r.ExpiresAt)
}

// Usable reports whether the record may be used on the request path.
func (r *ApiKeyRecord) Usable(now time.Time) bool {
	return r.Active && !r.Expired(now)
}

// --- sanitization -----------------------------------------------------------

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

func clampCredits(credits int64) int64 {
	if credits < 0 {
		return 0
	}
	if credits > MaxCredits {
		return MaxCredits
	}
	return credits
}

func sanitizeStringList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) >= maxListLen {
			break
		}
	}
	return out
}

func sanitizeTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if len(out) >= maxTagCount {
			break
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if len(k) > maxTagLen {
			k = k[:maxTagLen]
		}
		if len(v) > maxTagLen {
			v = v[:maxTagLen]
		}
		out[k] = v
	}
	return out
}

func sanitizeNamespace(ns string) string {
	ns = strings.TrimSpace(strings.ToLower(ns))
	if !namespaceRe.MatchString(ns) {
		return DefaultsSpace
	}
	return ns
}

// utcDay and utcMonth are the quota rollover anchors.
func utcDay(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func utcMonth(t time.Time) string { return t.UTC().Format("2006-01") }
