// Package tokens issues short-lived scoped tokens derived from an API key.
// A scoped token grants a subset of the key's tools with its own credit cap
// and expiry, so a key owner can hand a narrow capability to an agent
// without exposing the key itself.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// ScopedToken is a delegated capability bound to a parent API key.
type ScopedToken struct {
	Token        string    `json:"token"`
	ParentKey    string    `json:"parentKey"`
	AllowedTools []string  `json:"allowedTools,omitempty"`
	MaxCredits   int64     `json:"maxCredits"`
	SpentCredits int64     `json:"spentCredits"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Revoked      bool      `json:"revoked"`
}

// Expired reports whether the token is past its expiry.
func (t *ScopedToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Usable reports whether the token can authorize a call right now.
func (t *ScopedToken) Usable(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

const (
	// DefaultTTL bounds tokens issued without an explicit expiry.
	DefaultTTL = time.Hour
	// MaxTTL caps how far out a token may be issued.
	MaxTTL = 24 * time.Hour

	maxTokensPerKey = 50
)

// Manager holds issued tokens in memory. Tokens are intentionally ephemeral:
// they do not survive a restart and a fresh one is cheap to mint.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*ScopedToken
	byKey  map[string]int
	logger *log.Logger
	nowFn  func() time.Time

	onRevoke func(tokenID string)

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a token manager with a background expiry sweep.
func NewManager() *Manager {
	m := &Manager{
		tokens: make(map[string]*ScopedToken),
		byKey:  make(map[string]int),
		logger: log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
		nowFn:  time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Issue mints a token for the parent key. TTL is clamped to [1s, MaxTTL];
// zero selects DefaultTTL. maxCredits <= 0 means uncapped within the parent.
func (m *Manager) Issue(parentKey string, allowedTools []string, maxCredits int64, ttl time.Duration) (*ScopedToken, error) {
	if parentKey == "" {
		return nil, fmt.Errorf("parent key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	if maxCredits < 0 {
		maxCredits = 0
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := m.nowFn()
	tok := &ScopedToken{
		Token:        "pgt_" + hex.EncodeToString(raw),
		ParentKey:    parentKey,
		AllowedTools: allowedTools,
		MaxCredits:   maxCredits,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey[parentKey] >= maxTokensPerKey {
		return nil, fmt.Errorf("too many active tokens for key (max %d)", maxTokensPerKey)
	}
	m.tokens[tok.Token] = tok
	m.byKey[parentKey]++
	cp := *tok
	return &cp, nil
}

// Validate resolves a usable token. Spend tracking happens via Charge.
func (m *Manager) Validate(token string) (*ScopedToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[token]
	if !ok || !tok.Usable(m.nowFn()) {
		return nil, false
	}
	cp := *tok
	return &cp, true
}

// Charge records spend against the token's cap. Returns false when the
// charge would exceed MaxCredits (zero cap means unlimited).
func (m *Manager) Charge(token string, credits int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok || !tok.Usable(m.nowFn()) {
		return false
	}
	if tok.MaxCredits > 0 && tok.SpentCredits+credits > tok.MaxCredits {
		return false
	}
	tok.SpentCredits += credits
	return true
}

// OnRevoke registers a listener fired once per token that transitions to
// revoked. Remote revocations re-entering through RevokeToken fire it too,
// but only on the first transition, so cross-instance echo dies out.
func (m *Manager) OnRevoke(fn func(tokenID string)) {
	m.mu.Lock()
	m.onRevoke = fn
	m.mu.Unlock()
}

// RevokeToken invalidates a token, reporting whether anything changed. Also
// the distsync fan-in: remote revokes land here. Idempotent.
func (m *Manager) RevokeToken(token string) bool {
	m.mu.Lock()
	tok, ok := m.tokens[token]
	if !ok || tok.Revoked {
		m.mu.Unlock()
		return false
	}
	tok.Revoked = true
	fn := m.onRevoke
	m.logger.Printf("token revoked (parent %s)", truncate(tok.ParentKey))
	m.mu.Unlock()

	if fn != nil {
		fn(token)
	}
	return true
}

// RevokeByKey invalidates every token issued from the given parent key.
// Called when the key itself is revoked or suspended.
func (m *Manager) RevokeByKey(parentKey string) int {
	m.mu.Lock()
	revoked := make([]string, 0)
	for id, tok := range m.tokens {
		if tok.ParentKey == parentKey && !tok.Revoked {
			tok.Revoked = true
			revoked = append(revoked, id)
		}
	}
	fn := m.onRevoke
	if len(revoked) > 0 {
		m.logger.Printf("revoked %d tokens for key %s", len(revoked), truncate(parentKey))
	}
	m.mu.Unlock()

	if fn != nil {
		for _, id := range revoked {
			fn(id)
		}
	}
	return len(revoked)
}

// ListByKey returns the live tokens for a parent key.
func (m *Manager) ListByKey(parentKey string) []*ScopedToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.nowFn()
	out := make([]*ScopedToken, 0)
	for _, tok := range m.tokens {
		if tok.ParentKey == parentKey && tok.Usable(now) {
			cp := *tok
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	removed := 0
	for key, tok := range m.tokens {
		if tok.Revoked || tok.Expired(now) {
			delete(m.tokens, key)
			if m.byKey[tok.ParentKey] > 0 {
				m.byKey[tok.ParentKey]--
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Printf("swept %d dead tokens", removed)
	}
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func truncate(fp string) string {
	if len(fp) <= 11 {
		return fp
	}
	return fp[:11] + "..."
}
