package expiry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Grant is a time-bounded credit tranche, independent of the main balance.
type Grant struct {
	ID              string    `json:"id"`
	Key             string    `json:"key"`
	OriginalAmount  int64     `json:"originalAmount"`
	RemainingAmount int64     `json:"remainingAmount"`
	GrantedAt       time.Time `json:"grantedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Expired         bool      `json:"expired"`
	Source          string    `json:"source"` // stripe | x402 | admin | promo
}

// ConsumeResult reports how a Consume call was satisfied. Remaining is the
// grant balance left on the key after consumption.
type ConsumeResult struct {
	Consumed   int64 `json:"consumed"`
	Remaining  int64 `json:"remaining"`
	GrantsUsed int   `json:"grantsUsed"`
}

const (
	// DefaultMaxGrantsPerKey bounds grants held for one key.
	DefaultMaxGrantsPerKey = 100
	// DefaultMaxKeys bounds the number of tracked keys.
	DefaultMaxKeys = 10_000
)

// GrantManager tracks time-bounded grants per key. Consumption is FIFO by
// expiresAt ascending: the tranche closest to expiring is drained first.
type GrantManager struct {
	mu           sync.Mutex
	grants       map[string][]*Grant // key → grants sorted by ExpiresAt asc
	maxPerKey    int
	maxKeys      int
	totalExpired int64
	nowFn        func() time.Time
}

// NewGrantManager creates a manager with the given bounds (0 = defaults).
func NewGrantManager(maxPerKey, maxKeys int) *GrantManager {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxGrantsPerKey
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &GrantManager{
		grants:    make(map[string][]*Grant),
		maxPerKey: maxPerKey,
		maxKeys:   maxKeys,
		nowFn:     time.Now,
	}
}

// Grant adds a tranche expiring after ttl. Fails when a bound is hit.
func (g *GrantManager) Grant(key string, amount int64, ttl time.Duration, source string) (*Grant, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("grant ttl must be positive")
	}
	now := g.nowFn()
	grant := &Grant{
		ID:              uuid.New().String(),
		Key:             key,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		GrantedAt:       now,
		ExpiresAt:       now.Add(ttl),
		Source:          source,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, tracked := g.grants[key]; !tracked && len(g.grants) >= g.maxKeys {
		return nil, fmt.Errorf("grant key limit reached (%d)", g.maxKeys)
	}
	list := g.grants[key]
	if len(list) >= g.maxPerKey {
		return nil, fmt.Errorf("per-key grant limit reached (%d)", g.maxPerKey)
	}
	list = append(list, grant)
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	g.grants[key] = list

	cp := *grant
	return &cp, nil
}

// PruneExpired sweeps the key's grants, marking every tranche at or past its
// expiry as expired and debiting its remainder to the totalExpired counter.
// Returns the credits that expired in this sweep.
func (g *GrantManager) PruneExpired(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pruneLocked(key)
}

func (g *GrantManager) pruneLocked(key string) int64 {
	now := g.nowFn()
	var expired int64
	for _, grant := range g.grants[key] {
		if grant.Expired || grant.ExpiresAt.After(now) {
			continue
		}
		grant.Expired = true
		expired += grant.RemainingAmount
		g.totalExpired += grant.RemainingAmount
		grant.RemainingAmount = 0
	}
	if expired > 0 {
		slog.Info("[GrantManager] Grants expired", "key", safePrefix(key), "credits", expired)
	}
	return expired
}

// Consume draws amount from the key's active grants, earliest expiry first.
// Expired tranches are pruned before consumption.
func (g *GrantManager) Consume(key string, amount int64) ConsumeResult {
	if amount <= 0 {
		return ConsumeResult{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(key)

	var res ConsumeResult
	need := amount
	for _, grant := range g.grants[key] {
		if grant.Expired || grant.RemainingAmount == 0 {
			continue
		}
		take := grant.RemainingAmount
		if take > need {
			take = need
		}
		grant.RemainingAmount -= take
		res.Consumed += take
		need -= take
		res.GrantsUsed++
		if need == 0 {
			break
		}
	}
	for _, grant := range g.grants[key] {
		if !grant.Expired {
			res.Remaining += grant.RemainingAmount
		}
	}
	return res
}

// Balance returns the total unexpired grant credits for a key.
func (g *GrantManager) Balance(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(key)
	var total int64
	for _, grant := range g.grants[key] {
		if !grant.Expired {
			total += grant.RemainingAmount
		}
	}
	return total
}

// GetExpiringSoon returns copies of active grants whose expiry falls in
// (now, now+within], sorted ascending by expiry. Used by proactive warnings.
func (g *GrantManager) GetExpiringSoon(key string, within time.Duration) []Grant {
	now := g.nowFn()
	deadline := now.Add(within)

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Grant, 0)
	for _, grant := range g.grants[key] {
		if grant.Expired || grant.RemainingAmount == 0 {
			continue
		}
		if grant.ExpiresAt.After(now) && !grant.ExpiresAt.After(deadline) {
			out = append(out, *grant)
		}
	}
	// list is maintained sorted by expiry, copies keep the order
	return out
}

// Grants returns copies of the key's grants, expiry ascending.
func (g *GrantManager) Grants(key string) []Grant {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Grant, 0, len(g.grants[key]))
	for _, grant := range g.grants[key] {
		out = append(out, *grant)
	}
	return out
}

// TotalExpired returns the cumulative credits lost to expiry.
func (g *GrantManager) TotalExpired() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalExpired
}

func safePrefix(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
