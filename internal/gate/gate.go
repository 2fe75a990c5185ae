// Package gate implements the admission cascade: every tool call is checked
// against key state, policy, rate limits, quotas and balance, in a fixed
// order where the first failing check wins. On allow the gate is also the
// credit accountant: it debits, bumps counters and emits the usage event.
package gate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/paygate/paygate/internal/approval"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	"github.com/paygate/paygate/internal/quota"
	"github.com/paygate/paygate/internal/ratelimit"
)

// Stable deny reasons surfaced to callers. These strings are contract.
const (
	ReasonMissingKey       = "missing_api_key"
	ReasonInvalidKey       = "invalid_api_key"
	ReasonKeyExpired       = "api_key_expired"
	ReasonSuspended        = "key_suspended"
	ReasonIPNotAllowed     = "ip_not_allowed"
	ReasonToolNotAllowed   = "tool_not_allowed"
	ReasonToolDenied       = "tool_denied"
	ReasonRateLimited      = "rate_limited"
	ReasonToolRateLimited  = "tool_rate_limited"
	ReasonQuotaExceeded    = "quota_exceeded" // suffixed ":<dimension>"
	ReasonSpendingLimit    = "spending_limit_exceeded"
	ReasonInsufficient     = "insufficient_credits"
	ReasonApprovalRequired = "approval_required"
)

// Decision is the outcome of one admission.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	CreditsCharged   int64  `json:"creditsCharged"`
	Reason           string `json:"reason,omitempty"`
	RemainingCredits int64  `json:"remainingCredits"`
	RateResetInMs    int64  `json:"rateResetInMs,omitempty"`
	ApprovalID       string `json:"approvalId,omitempty"`
	// CreditsRequired is the call price that could not be covered; set only
	// on insufficient_credits denials so payment intake can quote it.
	CreditsRequired int64 `json:"creditsRequired,omitempty"`
}

// freeMethods bypass the entire cascade at zero cost.
var freeMethods = map[string]bool{
	"initialize":       true,
	"tools/list":       true,
	"ping":             true,
	"logging/setLevel": true,
}

// IsFreeMethod reports whether a JSON-RPC method skips admission entirely.
func IsFreeMethod(method string) bool {
	return freeMethods[method] || strings.HasPrefix(method, "notifications/")
}

// AtomicDeductor is the distributed debit path (Lua script on the shared
// cache). Outcome: 1 debited, 0 insufficient credits, -1 key inactive.
type AtomicDeductor interface {
	AtomicDeduct(ctx context.Context, fingerprint string, amount int64) (int, error)
}

// Notifier receives gate events for webhook fan-out. Optional.
type Notifier interface {
	Notify(event string, data map[string]interface{})
}

// Config is the gate's static policy.
type Config struct {
	DefaultCreditsPerCall int64
	ToolPricing           map[string]keystore.ToolPrice
	GlobalRateLimitPerMin int
	GlobalQuota           *keystore.QuotaConfig
	ShadowMode            bool
	RefundOnFailure       bool
}

// Gate wires the policy evaluator to its collaborators.
type Gate struct {
	cfg       Config
	store     *keystore.KeyStore
	limiter   *ratelimit.Limiter
	usage     *meter.UsageMeter
	audit     *meter.AuditLog
	approvals *approval.Manager
	deductor  AtomicDeductor
	notifier  Notifier
	metrics   *metrics.Metrics
	nowFn     func() time.Time
}

// New creates a gate. approvals, deductor, notifier and metrics may be nil.
func New(cfg Config, store *keystore.KeyStore, limiter *ratelimit.Limiter, usage *meter.UsageMeter, audit *meter.AuditLog) *Gate {
	if cfg.DefaultCreditsPerCall < 0 {
		cfg.DefaultCreditsPerCall = 0
	}
	return &Gate{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		usage:   usage,
		audit:   audit,
		nowFn:   time.Now,
	}
}

// SetApprovals injects the approval manager.
func (g *Gate) SetApprovals(m *approval.Manager) { g.approvals = m }

// SetDeductor switches credit debits to the distributed atomic path.
func (g *Gate) SetDeductor(d AtomicDeductor) { g.deductor = d }

// SetNotifier injects the webhook notifier.
func (g *Gate) SetNotifier(n Notifier) { g.notifier = n }

// SetMetrics injects the Prometheus metric set.
func (g *Gate) SetMetrics(m *metrics.Metrics) { g.metrics = m }

// ShadowMode reports whether decisions are forced to allow.
func (g *Gate) ShadowMode() bool { return g.cfg.ShadowMode }

// RefundOnFailure reports the refund policy for failed backend calls.
func (g *Gate) RefundOnFailure() bool { return g.cfg.RefundOnFailure }

// effectivePolicy is the per-request merge of key, group and global policy.
type effectivePolicy struct {
	price         int64
	toolRateLimit int
	globalLimit   int
	ipAllowlist   []string
	quotaCfg      *keystore.QuotaConfig
	group         *keystore.KeyGroup
}

// resolvePolicy merges group defaults under per-key settings.
func (g *Gate) resolvePolicy(rec *keystore.ApiKeyRecord, tool string) effectivePolicy {
	p := effectivePolicy{
		price:       g.cfg.DefaultCreditsPerCall,
		globalLimit: g.cfg.GlobalRateLimitPerMin,
		ipAllowlist: rec.IPAllowlist,
	}
	if rec.Group != "" {
		p.group = g.store.GetGroup(rec.Group)
	}

	// group defaults apply only where the key has nothing of its own
	if p.group != nil {
		if p.group.RateLimitPerMin > 0 {
			p.globalLimit = p.group.RateLimitPerMin
		}
		if len(p.ipAllowlist) == 0 && len(p.group.IPAllowlist) > 0 {
			p.ipAllowlist = p.group.IPAllowlist
		}
	}

	priced := false
	if tp, ok := g.cfg.ToolPricing[tool]; ok {
		p.price = tp.CreditsPerCall
		p.toolRateLimit = tp.RateLimitPerMin
		priced = true
	}
	if p.group != nil {
		if tp, ok := p.group.ToolPricing[tool]; ok && !priced {
			p.price = tp.CreditsPerCall
			if p.toolRateLimit == 0 {
				p.toolRateLimit = tp.RateLimitPerMin
			}
		}
	}
	p.quotaCfg = quota.Resolve(rec, p.group, g.cfg.GlobalQuota)
	return p
}

// Admit runs the full cascade for one tool call. In shadow mode a would-be
// denial is returned as allowed with reason "shadow:<actual-reason>" and no
// state is mutated.
func (g *Gate) Admit(ctx context.Context, key, tool string, args json.RawMessage, clientIP string) Decision {
	started := g.nowFn()
	dec := g.admit(ctx, key, tool, args, clientIP)
	if g.metrics != nil {
		g.metrics.RecordDecision(dec.Allowed, dec.Reason, dec.CreditsCharged, g.nowFn().Sub(started).Seconds())
	}
	return dec
}

func (g *Gate) admit(ctx context.Context, key, tool string, args json.RawMessage, clientIP string) Decision {
	// 1. missing key
	if key == "" {
		return g.deny("", "", tool, ReasonMissingKey, 0)
	}

	// 2-3. unknown / inactive / expired
	rec := g.store.GetKey(key)
	if rec == nil {
		reason := ReasonInvalidKey
		if raw := g.store.GetKeyRaw(key); raw != nil && raw.Active && raw.Expired(g.nowFn()) {
			reason = ReasonKeyExpired
		}
		return g.deny(key, "", tool, reason, 0)
	}

	// 4. suspended
	if rec.Suspended {
		return g.denyFor(rec, tool, ReasonSuspended, 0)
	}

	pol := g.resolvePolicy(rec, tool)

	// 5. IP allowlist
	if len(pol.ipAllowlist) > 0 && !ipAllowed(clientIP, pol.ipAllowlist) {
		return g.denyFor(rec, tool, ReasonIPNotAllowed, 0)
	}

	// 6. tool ACL — whitelist first, blacklist overrides
	if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, tool) {
		return g.denyFor(rec, tool, ReasonToolNotAllowed, 0)
	}
	if contains(rec.DeniedTools, tool) {
		return g.denyFor(rec, tool, ReasonToolDenied, 0)
	}

	// 8. rate limits — global per key, then per (key, tool)
	if res := g.limiter.Check(rec.Key, pol.globalLimit); !res.Allowed {
		d := g.denyFor(rec, tool, ReasonRateLimited, 0)
		d.RateResetInMs = res.ResetInMs
		return d
	}
	if res := g.limiter.Check(rec.Key+":"+tool, pol.toolRateLimit); !res.Allowed {
		d := g.denyFor(rec, tool, ReasonToolRateLimited, 0)
		d.RateResetInMs = res.ResetInMs
		return d
	}

	price := pol.price

	// 9. quota (rollover happens inside the commit too; the read-side check
	// uses a rolled-over view so a stale counter cannot deny)
	qView := rec.Clone()
	quota.Rollover(qView, g.nowFn())
	if dim := quota.Check(qView, pol.quotaCfg, price); dim != "" {
		return g.denyFor(rec, tool, ReasonQuotaExceeded+":"+dim, 0)
	}

	// 10. spending limit
	if rec.SpendingLimit > 0 && rec.TotalSpent+price > rec.SpendingLimit {
		return g.denyFor(rec, tool, ReasonSpendingLimit, 0)
	}

	// 12. sufficient credits
	if rec.Credits < price {
		d := g.denyFor(rec, tool, ReasonInsufficient, 0)
		d.CreditsRequired = price
		return d
	}

	// 13. approval gate
	if g.approvals != nil {
		if rule := g.approvals.Evaluate(rec.Key, tool, price); rule != nil {
			prefix := meter.TruncateFingerprint(rec.Key)
			d := g.denyFor(rec, tool, ReasonApprovalRequired, 0)
			if !g.cfg.ShadowMode {
				req := g.approvals.CreatePending(rule.ID, prefix, tool, price)
				d.ApprovalID = req.ID
			}
			return d
		}
	}

	// 14. allow — shadow mode stops short of any mutation
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, CreditsCharged: 0, RemainingCredits: rec.Credits}
	}
	return g.commit(ctx, rec, pol, tool, price)
}

// commit performs the atomic debit + counter update + event emission. The
// rate slots are reserved first in one limiter transaction; concurrent
// commits racing between the cascade's Check and the tick here cannot push a
// window past its limit. A reservation whose debit fails is released.
func (g *Gate) commit(ctx context.Context, rec *keystore.ApiKeyRecord, pol effectivePolicy, tool string, price int64) Decision {
	now := g.nowFn()

	res, toolHit := g.limiter.AllowPair(rec.Key, pol.globalLimit, rec.Key+":"+tool, pol.toolRateLimit)
	if !res.Allowed {
		reason := ReasonRateLimited
		if toolHit {
			reason = ReasonToolRateLimited
		}
		d := g.denyFor(rec, tool, reason, 0)
		d.RateResetInMs = res.ResetInMs
		return d
	}

	if g.deductor != nil && price > 0 {
		outcome, err := g.deductor.AtomicDeduct(ctx, rec.Key, price)
		if err == nil {
			switch outcome {
			case -1:
				g.releaseRate(rec.Key, pol, tool)
				return g.denyFor(rec, tool, ReasonInvalidKey, 0)
			case 0:
				g.releaseRate(rec.Key, pol, tool)
				d := g.denyFor(rec, tool, ReasonInsufficient, 0)
				d.CreditsRequired = price
				return d
			}
			// script debited remotely; mirror locally without re-checking
			return g.applyLocal(rec, pol, tool, price, now, false)
		}
		// transport failure: fall back to the local debit. Double-spend is
		// possible only while the cache is unreachable from several
		// instances at once; the fallback counter tracks the window.
		if g.metrics != nil {
			g.metrics.FallbackDeductions.Inc()
		}
	}
	return g.applyLocal(rec, pol, tool, price, now, true)
}

// applyLocal mutates the record in one store transaction. checkBalance is
// false when the distributed script already performed the debit check.
func (g *Gate) applyLocal(rec *keystore.ApiKeyRecord, pol effectivePolicy, tool string, price int64, now time.Time, checkBalance bool) Decision {
	var remaining int64
	var toppedUp int64
	ok := g.store.Update(rec.Key, keystore.ChangeCredits, func(r *keystore.ApiKeyRecord) bool {
		if checkBalance && r.Credits < price {
			return false
		}
		r.Credits -= price
		if r.Credits < 0 {
			r.Credits = 0
		}
		r.TotalSpent += price
		r.TotalCalls++
		t := now
		r.LastUsed = &t
		quota.Rollover(r, now)
		quota.Bump(r, price)
		toppedUp = g.maybeAutoTopup(r, now)
		remaining = r.Credits
		return true
	})
	if !ok {
		g.releaseRate(rec.Key, pol, tool)
		return g.denyFor(rec, tool, ReasonInsufficient, 0)
	}

	g.emitUsage(rec, tool, price, true, "")
	if toppedUp > 0 {
		g.emitAutoTopup(rec, toppedUp)
	}
	g.publish("call.allowed", map[string]interface{}{
		"key":     meter.TruncateFingerprint(rec.Key),
		"tool":    tool,
		"credits": price,
	})
	return Decision{Allowed: true, CreditsCharged: price, RemainingCredits: remaining}
}

// releaseRate undoes the commit's rate reservation after a failed debit.
func (g *Gate) releaseRate(key string, pol effectivePolicy, tool string) {
	if pol.globalLimit > 0 {
		g.limiter.Release(key)
	}
	if pol.toolRateLimit > 0 {
		g.limiter.Release(key + ":" + tool)
	}
}

// maybeAutoTopup refills the balance when it drops below the configured
// threshold. Runs inside the store transaction; never touches totalSpent.
// Returns the amount added, 0 when no topup fired.
func (g *Gate) maybeAutoTopup(r *keystore.ApiKeyRecord, now time.Time) int64 {
	at := r.AutoTopup
	if at == nil || at.Amount <= 0 || r.Credits >= at.Threshold {
		return 0
	}
	day := now.UTC().Format("2006-01-02")
	if r.AutoTopupLastResetDay != day {
		r.AutoTopupTodayCount = 0
		r.AutoTopupLastResetDay = day
	}
	if at.MaxDaily > 0 && r.AutoTopupTodayCount >= at.MaxDaily {
		return 0
	}
	r.Credits += at.Amount
	if r.Credits > keystore.MaxCredits {
		r.Credits = keystore.MaxCredits
	}
	r.AutoTopupTodayCount++
	return at.Amount
}

// Refund restores credits after a failed backend call, clamping the spend
// and call counters at zero. A refund on an unknown key is a no-op. Quota
// counters are deliberately untouched.
func (g *Gate) Refund(fp, tool string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	ok := g.store.Update(fp, keystore.ChangeCredits, func(r *keystore.ApiKeyRecord) bool {
		r.Credits += amount
		if r.Credits > keystore.MaxCredits {
			r.Credits = keystore.MaxCredits
		}
		r.TotalSpent -= amount
		if r.TotalSpent < 0 {
			r.TotalSpent = 0
		}
		r.TotalCalls--
		if r.TotalCalls < 0 {
			r.TotalCalls = 0
		}
		return true
	})
	if !ok {
		return false
	}
	if g.metrics != nil {
		g.metrics.CreditsRefunded.Add(float64(amount))
	}
	rec := g.store.GetKeyRaw(fp)
	if rec != nil {
		g.usage.Record(meter.UsageEvent{
			ApiKeyFingerprint: fp,
			KeyName:           rec.Name,
			KeyNamespace:      rec.Namespace,
			Tool:              tool,
			CreditsCharged:    -amount,
			Allowed:           true,
			Action:            "refund",
		})
	}
	if g.audit != nil {
		g.audit.Record("refund", fp, map[string]interface{}{"tool": tool, "credits": amount})
	}
	g.publish("call.refunded", map[string]interface{}{
		"key":     meter.TruncateFingerprint(fp),
		"tool":    tool,
		"credits": amount,
	})
	return true
}

// --- helpers ----------------------------------------------------------------

func (g *Gate) deny(fp, name, tool, reason string, price int64) Decision {
	g.emitDenied(fp, name, "", tool, reason, price)
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, Reason: "shadow:" + reason}
	}
	return Decision{Allowed: false, CreditsCharged: 0, Reason: reason}
}

func (g *Gate) denyFor(rec *keystore.ApiKeyRecord, tool, reason string, price int64) Decision {
	g.emitDenied(rec.Key, rec.Name, rec.Namespace, tool, reason, price)
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, Reason: "shadow:" + reason, RemainingCredits: rec.Credits}
	}
	return Decision{Allowed: false, Reason: reason, RemainingCredits: rec.Credits}
}

func (g *Gate) emitDenied(fp, name, ns, tool, reason string, price int64) {
	g.usage.Record(meter.UsageEvent{
		ApiKeyFingerprint: fp,
		KeyName:           name,
		KeyNamespace:      ns,
		Tool:              tool,
		CreditsCharged:    0,
		Allowed:           false,
		DenyReason:        reason,
		Action:            "call",
	})
	g.publish("call.denied", map[string]interface{}{
		"key":    meter.TruncateFingerprint(fp),
		"tool":   tool,
		"reason": reason,
	})
	_ = price
}

func (g *Gate) emitUsage(rec *keystore.ApiKeyRecord, tool string, price int64, allowed bool, reason string) {
	g.usage.Record(meter.UsageEvent{
		ApiKeyFingerprint: rec.Key,
		KeyName:           rec.Name,
		KeyNamespace:      rec.Namespace,
		Tool:              tool,
		CreditsCharged:    price,
		Allowed:           allowed,
		DenyReason:        reason,
		Action:            "call",
	})
}

func (g *Gate) emitAutoTopup(rec *keystore.ApiKeyRecord, amount int64) {
	if g.audit != nil {
		g.audit.Record("auto_topped_up", rec.Key, map[string]interface{}{"credits": amount})
	}
	g.usage.Record(meter.UsageEvent{
		ApiKeyFingerprint: rec.Key,
		KeyName:           rec.Name,
		KeyNamespace:      rec.Namespace,
		CreditsCharged:    amount,
		Allowed:           true,
		Action:            "auto_topup",
	})
	g.publish("key.auto_topped_up", map[string]interface{}{
		"key":     meter.TruncateFingerprint(rec.Key),
		"credits": amount,
	})
}

func (g *Gate) publish(event string, data map[string]interface{}) {
	if g.notifier != nil {
		g.notifier.Notify(event, data)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
