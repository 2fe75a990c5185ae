package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot format: a JSON array of [fingerprint, record] 2-tuples, 2-space
// pretty-printed, written to "<path>.tmp" and renamed over "<path>" so a
// reader never observes a partial file. Persistence is best-effort: disk
// errors are logged and swallowed, the in-memory map stays authoritative.

// saveLocked serializes the full map. Caller holds at least the read lock.
func (s *KeyStore) saveLocked() {
	if s.statePath == "" {
		return
	}
	if err := writeSnapshot(s.statePath, s.keys); err != nil {
		s.logger.Warn("[KeyStore] Snapshot save failed", "path", s.statePath, "error", err)
	}
}

func writeSnapshot(path string, keys map[string]*ApiKeyRecord) error {
	fps := make([]string, 0, len(keys))
	for fp := range keys {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	entries := make([][2]json.RawMessage, 0, len(keys))
	for _, fp := range fps {
		fpJSON, err := json.Marshal(fp)
		if err != nil {
			return err
		}
		recJSON, err := json.Marshal(keys[fp])
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", fp[:minInt(len(fp), 8)], err)
		}
		entries = append(entries, [2]json.RawMessage{fpJSON, recJSON})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// loadSnapshot reads a snapshot, tolerating malformed entries individually:
// a bad tuple is skipped and the rest of the file still loads.
func (s *KeyStore) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	loaded, skipped := 0, 0
	for _, raw := range entries {
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil {
			skipped++
			continue
		}
		var fp string
		if err := json.Unmarshal(tuple[0], &fp); err != nil || fp == "" {
			skipped++
			continue
		}
		var rec ApiKeyRecord
		if err := json.Unmarshal(tuple[1], &rec); err != nil {
			skipped++
			continue
		}
		rec.Key = fp
		backfillDefaults(&rec)
		s.keys[fp] = &rec
		loaded++
	}
	s.rebuildAliasIndexLocked()

	if skipped > 0 {
		s.logger.Warn("[KeyStore] Snapshot loaded with malformed entries skipped",
			"loaded", loaded, "skipped", skipped)
	} else {
		s.logger.Info("[KeyStore] Snapshot loaded", "keys", loaded)
	}
	return nil
}

// backfillDefaults fills fields absent from older snapshot versions.
func backfillDefaults(rec *ApiKeyRecord) {
	if rec.Namespace == "" {
		rec.Namespace = DefaultsSpace
	}
	rec.Credits = clampCredits(rec.Credits)
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	if rec.TotalCalls < 0 {
		rec.TotalCalls = 0
	}
	if rec.QuotaLastResetDay == "" {
		rec.QuotaLastResetDay = utcDay(rec.CreatedAt)
	}
	if rec.QuotaLastResetMonth == "" {
		rec.QuotaLastResetMonth = utcMonth(rec.CreatedAt)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
