// Package expiry hosts the time-driven machinery: the ExpiryScanner that
// warns ahead of key expiry, and the CreditExpirationManager that holds
// time-bounded credit grants consumed FIFO by expiry.
package expiry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paygate/paygate/internal/keystore"
)

// MinScanInterval is the floor on the scanner period.
const MinScanInterval = 60 * time.Second

// WarnFunc receives (record, secondsUntilExpiry, threshold) for each warning.
type WarnFunc func(rec *keystore.ApiKeyRecord, remaining time.Duration, threshold time.Duration)

// Scanner periodically walks the store and fires expiry warnings. Each
// (key, threshold) pair warns once; only the most specific (smallest)
// matching threshold fires per tick.
type Scanner struct {
	store      *keystore.KeyStore
	thresholds []time.Duration // sorted descending
	warn       WarnFunc
	interval   time.Duration

	mu     sync.Mutex
	warned map[string]time.Time // "fp|threshold" → when warned
	stop   chan struct{}
	done   chan struct{}
	nowFn  func() time.Time
}

// NewScanner builds a scanner with the given warning thresholds (e.g. 7d,
// 24h, 1h). Intervals below MinScanInterval are raised to it.
func NewScanner(store *keystore.KeyStore, interval time.Duration, thresholds []time.Duration, warn WarnFunc) *Scanner {
	if interval < MinScanInterval {
		interval = MinScanInterval
	}
	sorted := append([]time.Duration(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return &Scanner{
		store:      store,
		thresholds: sorted,
		warn:       warn,
		interval:   interval,
		warned:     make(map[string]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		nowFn:      time.Now,
	}
}

// Start launches the scan loop. Idempotent shutdown via Stop.
func (s *Scanner) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Scan()
			}
		}
	}()
	slog.Info("[ExpiryScanner] Started", "interval", s.interval, "thresholds", len(s.thresholds))
}

// Stop terminates the loop and waits for it to exit.
func (s *Scanner) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Scan runs one pass. Exposed for tests and for a forced admin scan.
func (s *Scanner) Scan() {
	if len(s.thresholds) == 0 || s.warn == nil {
		return
	}
	now := s.nowFn()
	for _, rec := range s.store.AllRecords() {
		if !rec.Active || rec.ExpiresAt == nil || !rec.ExpiresAt.After(now) {
			continue
		}
		remaining := rec.ExpiresAt.Sub(now)

		// pick the smallest threshold that covers the remaining time
		var matched time.Duration
		for _, th := range s.thresholds {
			if remaining <= th {
				matched = th
			}
		}
		if matched == 0 {
			continue
		}

		dedupKey := rec.Key + "|" + matched.String()
		s.mu.Lock()
		_, already := s.warned[dedupKey]
		if !already {
			s.warned[dedupKey] = now
		}
		s.mu.Unlock()
		if already {
			continue
		}
		s.warn(rec, remaining, matched)
	}
	s.cleanupDedup(now)
}

// cleanupDedup drops dedup entries older than twice the largest threshold.
func (s *Scanner) cleanupDedup(now time.Time) {
	if len(s.thresholds) == 0 {
		return
	}
	maxAge := 2 * s.thresholds[0]
	s.mu.Lock()
	for k, at := range s.warned {
		if now.Sub(at) > maxAge {
			delete(s.warned, k)
		}
	}
	s.mu.Unlock()
}

// QueryExpiring is a read-only helper returning the records expiring within
// the given horizon, soonest first.
func QueryExpiring(keys []*keystore.ApiKeyRecord, within time.Duration) []*keystore.ApiKeyRecord {
	now := time.Now()
	deadline := now.Add(within)
	out := make([]*keystore.ApiKeyRecord, 0)
	for _, rec := range keys {
		if !rec.Active || rec.ExpiresAt == nil {
			continue
		}
		if rec.ExpiresAt.After(now) && !rec.ExpiresAt.After(deadline) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out
}
