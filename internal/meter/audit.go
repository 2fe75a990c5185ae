package meter

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records an administrative or billing action (topup, revoke,
// rotate, refund, stripe credit, auto-topup, ...).
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Key       string                 `json:"key,omitempty"` // truncated fingerprint
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLog is a bounded list of admin events served newest-first by /audit.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	max     int
}

// NewAuditLog creates a log retaining at most max entries (0 = 10000).
func NewAuditLog(max int) *AuditLog {
	if max <= 0 {
		max = 10_000
	}
	return &AuditLog{max: max}
}

// Record appends an entry; the fingerprint is truncated before storage.
func (a *AuditLog) Record(action, fingerprint string, details map[string]interface{}) {
	entry := AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Action:    action,
		Key:       TruncateFingerprint(fingerprint),
		Details:   details,
	}
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.max {
		drop := a.max / 4
		if drop < 1 {
			drop = 1
		}
		a.entries = append([]AuditEntry(nil), a.entries[drop:]...)
	}
	a.mu.Unlock()
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if limit <= 0 || limit > len(a.entries) {
		limit = len(a.entries)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(a.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.entries[i])
	}
	return out
}
