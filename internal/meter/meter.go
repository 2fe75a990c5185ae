// Package meter keeps the bounded in-memory history of usage events and the
// admin audit log, and derives usage summaries from them.
package meter

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEvents bounds the usage ring. On overflow the oldest 25% are
// dropped in one amortized trim.
const DefaultMaxEvents = 100_000

// UsageEvent is one admitted or denied tool call. Append-only.
type UsageEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	ApiKeyFingerprint string    `json:"apiKeyFingerprint"`
	KeyName           string    `json:"keyName"`
	KeyNamespace      string    `json:"keyNamespace,omitempty"`
	Tool              string    `json:"tool"`
	CreditsCharged    int64     `json:"creditsCharged"`
	Allowed           bool      `json:"allowed"`
	DenyReason        string    `json:"denyReason,omitempty"`
	DurationMs        int64     `json:"durationMs,omitempty"`
	Action            string    `json:"action,omitempty"` // call | refund | topup | auto_topup
}

// ToolStats aggregates per-tool usage.
type ToolStats struct {
	Calls   int64 `json:"calls"`
	Credits int64 `json:"credits"`
	Denied  int64 `json:"denied"`
}

// Summary is the rollup served by /usage.
type Summary struct {
	TotalCalls        int64                `json:"totalCalls"`
	TotalCreditsSpent int64                `json:"totalCreditsSpent"`
	TotalDenied       int64                `json:"totalDenied"`
	PerTool           map[string]ToolStats `json:"perTool"`
	PerKey            map[string]ToolStats `json:"perKey"`
	DenyReasons       map[string]int64     `json:"denyReasons"`
}

// Query filters GetEvents output. Zero fields match everything.
type Query struct {
	Since   time.Time
	Until   time.Time
	Tool    string
	KeyName string
	Allowed *bool
	Action  string
	Limit   int
}

// UsageMeter is a fixed-capacity ring of usage events.
type UsageMeter struct {
	mu     sync.RWMutex
	events []UsageEvent
	max    int
}

// NewUsageMeter creates a meter retaining at most max events (0 = default).
func NewUsageMeter(max int) *UsageMeter {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &UsageMeter{max: max}
}

// Record appends an event, trimming the oldest 25% when the ring is full.
func (m *UsageMeter) Record(ev UsageEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > m.max {
		drop := m.max / 4
		if drop < 1 {
			drop = 1
		}
		m.events = append([]UsageEvent(nil), m.events[drop:]...)
	}
	m.mu.Unlock()
}

// Len returns the current event count.
func (m *UsageMeter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// GetSummary aggregates the whole ring.
func (m *UsageMeter) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{
		PerTool:     make(map[string]ToolStats),
		PerKey:      make(map[string]ToolStats),
		DenyReasons: make(map[string]int64),
	}
	for _, ev := range m.events {
		toolStats := sum.PerTool[ev.Tool]
		keyStats := sum.PerKey[ev.KeyName]
		if ev.Allowed {
			sum.TotalCalls++
			sum.TotalCreditsSpent += ev.CreditsCharged
			toolStats.Calls++
			toolStats.Credits += ev.CreditsCharged
			keyStats.Calls++
			keyStats.Credits += ev.CreditsCharged
		} else {
			sum.TotalDenied++
			toolStats.Denied++
			keyStats.Denied++
			if ev.DenyReason != "" {
				sum.DenyReasons[ev.DenyReason]++
			}
		}
		sum.PerTool[ev.Tool] = toolStats
		sum.PerKey[ev.KeyName] = keyStats
	}
	return sum
}

// GetEvents returns events matching the query, oldest first.
func (m *UsageMeter) GetEvents(q Query) []UsageEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UsageEvent, 0)
	for _, ev := range m.events {
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		if q.Tool != "" && ev.Tool != q.Tool {
			continue
		}
		if q.KeyName != "" && ev.KeyName != q.KeyName {
			continue
		}
		if q.Allowed != nil && ev.Allowed != *q.Allowed {
			continue
		}
		if q.Action != "" && ev.Action != q.Action {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// WriteCSV streams the ring as CSV, oldest first. Fingerprints are truncated
// to the display prefix so the export never leaks a full bearer secret.
func (m *UsageMeter) WriteCSV(w io.Writer) error {
	m.mu.RLock()
	events := append([]UsageEvent(nil), m.events...)
	m.mu.RUnlock()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "key", "keyName", "tool", "creditsCharged", "allowed", "denyReason", "durationMs"}); err != nil {
		return err
	}
	for _, ev := range events {
		row := []string{
			ev.Timestamp.UTC().Format(time.RFC3339),
			TruncateFingerprint(ev.ApiKeyFingerprint),
			ev.KeyName,
			ev.Tool,
			strconv.FormatInt(ev.CreditsCharged, 10),
			strconv.FormatBool(ev.Allowed),
			ev.DenyReason,
			strconv.FormatInt(ev.DurationMs, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// TruncateFingerprint returns the safe display prefix of a bearer secret.
func TruncateFingerprint(fp string) string {
	if len(fp) <= 11 {
		return fp
	}
	return fp[:11] + "..."
}
