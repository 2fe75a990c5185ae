package gate

import (
	"context"
	"encoding/json"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/quota"
)

// BatchCall is one element of an atomic batch admission.
type BatchCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// BatchDecision is all-or-nothing: either every call is charged, or none is.
type BatchDecision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	FailedIndex      int    `json:"failedIndex,omitempty"`
	TotalCredits     int64  `json:"totalCredits"`
	RemainingCredits int64  `json:"remainingCredits"`
}

// AdmitBatch evaluates every call against the provisional post-batch state
// and charges the summed price atomically. The first failing call denies the
// whole batch with that call's reason.
func (g *Gate) AdmitBatch(ctx context.Context, key string, calls []BatchCall) BatchDecision {
	if key == "" {
		return BatchDecision{Allowed: false, Reason: ReasonMissingKey}
	}
	if len(calls) == 0 {
		return BatchDecision{Allowed: true}
	}
	rec := g.store.GetKey(key)
	if rec == nil {
		reason := ReasonInvalidKey
		if raw := g.store.GetKeyRaw(key); raw != nil && raw.Active && raw.Expired(g.nowFn()) {
			reason = ReasonKeyExpired
		}
		return BatchDecision{Allowed: false, Reason: reason}
	}
	if rec.Suspended {
		return BatchDecision{Allowed: false, Reason: ReasonSuspended, RemainingCredits: rec.Credits}
	}

	now := g.nowFn()

	// provisional view accumulates the batch as if earlier calls already
	// committed, so limits are checked against the post-batch state
	view := rec.Clone()
	quota.Rollover(view, now)
	prices := make([]int64, len(calls))
	policies := make([]effectivePolicy, len(calls))
	globalTicks := 0
	toolTicks := make(map[string]int)

	var total int64
	for i, call := range calls {
		pol := g.resolvePolicy(rec, call.Tool)
		policies[i] = pol

		if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, call.Tool) {
			return g.batchDeny(rec, i, ReasonToolNotAllowed)
		}
		if contains(rec.DeniedTools, call.Tool) {
			return g.batchDeny(rec, i, ReasonToolDenied)
		}
		if pol.globalLimit > 0 {
			res := g.limiter.Check(rec.Key, pol.globalLimit)
			if !res.Allowed || res.Remaining >= 0 && globalTicks >= res.Remaining {
				return g.batchDeny(rec, i, ReasonRateLimited)
			}
		}
		if pol.toolRateLimit > 0 {
			res := g.limiter.Check(rec.Key+":"+call.Tool, pol.toolRateLimit)
			if !res.Allowed || res.Remaining >= 0 && toolTicks[call.Tool] >= res.Remaining {
				return g.batchDeny(rec, i, ReasonToolRateLimited)
			}
		}

		price := pol.price
		if dim := quota.Check(view, pol.quotaCfg, price); dim != "" {
			return g.batchDeny(rec, i, ReasonQuotaExceeded+":"+dim)
		}
		if rec.SpendingLimit > 0 && view.TotalSpent+price > rec.SpendingLimit {
			return g.batchDeny(rec, i, ReasonSpendingLimit)
		}
		if view.Credits < price {
			return g.batchDeny(rec, i, ReasonInsufficient)
		}
		if g.approvals != nil {
			if rule := g.approvals.Evaluate(rec.Key, call.Tool, price); rule != nil {
				return g.batchDeny(rec, i, ReasonApprovalRequired)
			}
		}

		view.Credits -= price
		view.TotalSpent += price
		quota.Bump(view, price)
		globalTicks++
		toolTicks[call.Tool]++
		prices[i] = price
		total += price
	}

	if g.cfg.ShadowMode {
		return BatchDecision{Allowed: true, TotalCredits: 0, RemainingCredits: rec.Credits}
	}

	var remaining int64
	ok := g.store.Update(rec.Key, keystore.ChangeCredits, func(r *keystore.ApiKeyRecord) bool {
		if r.Credits < total {
			return false
		}
		r.Credits -= total
		r.TotalSpent += total
		r.TotalCalls += int64(len(calls))
		t := now
		r.LastUsed = &t
		quota.Rollover(r, now)
		for _, price := range prices {
			quota.Bump(r, price)
		}
		remaining = r.Credits
		return true
	})
	if !ok {
		return BatchDecision{Allowed: false, Reason: ReasonInsufficient, RemainingCredits: rec.Credits}
	}

	for i, call := range calls {
		if policies[i].globalLimit > 0 {
			g.limiter.Record(rec.Key)
		}
		if policies[i].toolRateLimit > 0 {
			g.limiter.Record(rec.Key + ":" + call.Tool)
		}
		g.emitUsage(rec, call.Tool, prices[i], true, "")
	}
	return BatchDecision{Allowed: true, TotalCredits: total, RemainingCredits: remaining}
}

func (g *Gate) batchDeny(rec *keystore.ApiKeyRecord, index int, reason string) BatchDecision {
	g.emitDenied(rec.Key, rec.Name, rec.Namespace, "", reason, 0)
	if g.cfg.ShadowMode {
		return BatchDecision{Allowed: true, Reason: "shadow:" + reason, RemainingCredits: rec.Credits}
	}
	return BatchDecision{Allowed: false, Reason: reason, FailedIndex: index, RemainingCredits: rec.Credits}
}
