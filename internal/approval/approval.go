// Package approval implements the approval gate: rules that force certain
// tool calls through a human sign-off before they execute.
package approval

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rule matches calls that require approval. Any enabled rule whose conditions
// all hold causes the call to be parked as a pending request.
type Rule struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	CostThreshold int64  `json:"costThreshold,omitempty" yaml:"cost_threshold"` // 0 = any cost
	ToolMatch     string `json:"toolMatch,omitempty" yaml:"tool_match"`         // glob with *
	KeyMatch      string `json:"keyMatch,omitempty" yaml:"key_match"`           // fingerprint prefix
}

// Matches evaluates the rule against one prospective call.
func (r *Rule) Matches(fingerprint, tool string, cost int64) bool {
	if !r.Enabled {
		return false
	}
	if r.CostThreshold > 0 && cost < r.CostThreshold {
		return false
	}
	if r.ToolMatch != "" {
		ok, err := path.Match(r.ToolMatch, tool)
		if err != nil || !ok {
			return false
		}
	}
	if r.KeyMatch != "" && !strings.HasPrefix(fingerprint, r.KeyMatch) {
		return false
	}
	return true
}

// RequestStatus is the lifecycle of a pending approval.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestExpired  RequestStatus = "expired"
)

// Request is one parked call awaiting sign-off.
type Request struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"ruleId"`
	KeyPrefix  string        `json:"keyPrefix"`
	Tool       string        `json:"tool"`
	Cost       int64         `json:"cost"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy string        `json:"resolvedBy,omitempty"`
}

// Manager holds the rules and the pending-request store.
type Manager struct {
	mu       sync.RWMutex
	rules    []*Rule
	requests map[string]*Request
	ttl      time.Duration
}

// NewManager creates a manager; requests expire after ttl (0 = 1h).
func NewManager(rules []*Rule, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		rules:    rules,
		requests: make(map[string]*Request),
		ttl:      ttl,
	}
}

// SetRules replaces the rule set.
func (m *Manager) SetRules(rules []*Rule) {
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
}

// Evaluate returns the first matching enabled rule, or nil.
func (m *Manager) Evaluate(fingerprint, tool string, cost int64) *Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.Matches(fingerprint, tool, cost) {
			return r
		}
	}
	return nil
}

// CreatePending parks a call and returns the request id handed back to the
// caller in the approval_required denial.
func (m *Manager) CreatePending(ruleID, keyPrefix, tool string, cost int64) *Request {
	req := &Request{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		KeyPrefix: keyPrefix,
		Tool:      tool,
		Cost:      cost,
		Status:    RequestPending,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()
	cp := *req
	return &cp
}

// Resolve marks a pending request approved or denied.
func (m *Manager) Resolve(id string, approve bool, by string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != RequestPending {
		return nil
	}
	now := time.Now()
	if approve {
		req.Status = RequestApproved
	} else {
		req.Status = RequestDenied
	}
	req.ResolvedAt = &now
	req.ResolvedBy = by
	cp := *req
	return &cp
}

// Get returns a copy of the request, expiring it lazily past the TTL.
func (m *Manager) Get(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil
	}
	if req.Status == RequestPending && time.Since(req.CreatedAt) > m.ttl {
		req.Status = RequestExpired
	}
	cp := *req
	return &cp
}

// Pending lists unresolved requests, oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, 0)
	for _, req := range m.requests {
		if req.Status == RequestPending && time.Since(req.CreatedAt) > m.ttl {
			req.Status = RequestExpired
		}
		if req.Status == RequestPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out
}
