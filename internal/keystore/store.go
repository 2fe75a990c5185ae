package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ChangeType classifies store mutations for the change listener.
type ChangeType string

const (
	ChangeCreated ChangeType = "key_created"
	ChangeUpdated ChangeType = "key_updated"
	ChangeRevoked ChangeType = "key_revoked"
	ChangeCredits ChangeType = "credits_changed"
)

// ChangeEvent is delivered to the registered listener after each mutation.
// Record is a deep copy and safe to retain.
type ChangeEvent struct {
	Type        ChangeType
	Fingerprint string
	Record      *ApiKeyRecord
}

// KeyOptions carries the optional attributes accepted by CreateKey/ImportKey.
type KeyOptions struct {
	Alias         string
	Namespace     string
	AllowedTools  []string
	DeniedTools   []string
	IPAllowlist   []string
	SpendingLimit int64
	ExpiresAt     *time.Time
	Quota         *QuotaConfig
	AutoTopup     *AutoTopupConfig
	Tags          map[string]string
	Group         string
}

// KeyStore is the authoritative map of fingerprint → record plus the alias
// index and group table. All methods are safe for concurrent use.
type KeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*ApiKeyRecord
	aliases map[string]string // alias → fingerprint
	groups  map[string]*KeyGroup

	statePath string
	listener  func(ChangeEvent)
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewKeyStore creates an empty store. statePath may be empty, in which case
// no snapshot is written. If statePath points at an existing snapshot it is
// loaded before the store is returned.
func NewKeyStore(statePath string) *KeyStore {
	s := &KeyStore{
		keys:      make(map[string]*ApiKeyRecord),
		aliases:   make(map[string]string),
		groups:    make(map[string]*KeyGroup),
		statePath: statePath,
		logger:    slog.Default(),
		nowFn:     time.Now,
	}
	if statePath != "" {
		if err := s.loadSnapshot(statePath); err != nil {
			s.logger.Warn("[KeyStore] Snapshot load failed, starting empty", "path", statePath, "error", err)
		}
	}
	return s
}

// OnChange registers the single change listener. Must be called before the
// store is shared across goroutines.
func (s *KeyStore) OnChange(fn func(ChangeEvent)) { s.listener = fn }

// notify delivers the event outside the store lock. cp must be a copy taken
// while the lock was still held; handing the listener the live record would
// race with the next mutation.
func (s *KeyStore) notify(t ChangeType, fp string, cp *ApiKeyRecord) {
	if s.listener == nil {
		return
	}
	s.listener(ChangeEvent{Type: t, Fingerprint: fp, Record: cp})
}

// generateFingerprint returns "<prefix>_<48 hex>" from a CSPRNG.
func generateFingerprint() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for key generation
		panic(fmt.Sprintf("keystore: crypto/rand unavailable: %v", err))
	}
	return KeyPrefix + "_" + hex.EncodeToString(buf)
}

func applyOptions(rec *ApiKeyRecord, opts *KeyOptions) {
	if opts == nil {
		return
	}
	rec.Alias = strings.TrimSpace(opts.Alias)
	rec.Namespace = sanitizeNamespace(opts.Namespace)
	rec.AllowedTools = sanitizeStringList(opts.AllowedTools)
	rec.DeniedTools = sanitizeStringList(opts.DeniedTools)
	rec.IPAllowlist = sanitizeStringList(opts.IPAllowlist)
	if opts.SpendingLimit > 0 {
		rec.SpendingLimit = opts.SpendingLimit
	}
	if opts.ExpiresAt != nil {
		t := *opts.ExpiresAt
		rec.ExpiresAt = &t
	}
	if opts.Quota != nil {
		q := *opts.Quota
		rec.Quota = &q
	}
	if opts.AutoTopup != nil {
		a := *opts.AutoTopup
		rec.AutoTopup = &a
	}
	rec.Tags = sanitizeTags(opts.Tags)
	rec.Group = strings.TrimSpace(opts.Group)
}

// CreateKey mints a new record with a fresh fingerprint. Returns a deep copy.
func (s *KeyStore) CreateKey(name string, initialCredits int64, opts *KeyOptions) (*ApiKeyRecord, error) {
	return s.insertKey(generateFingerprint(), name, initialCredits, opts)
}

// ImportKey inserts a record under a caller-supplied fingerprint, used for
// config seeding and cross-instance hydration. Same sanitization as CreateKey.
func (s *KeyStore) ImportKey(fingerprint, name string, credits int64, opts *KeyOptions) (*ApiKeyRecord, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, fmt.Errorf("fingerprint is required")
	}
	return s.insertKey(fingerprint, name, credits, opts)
}

func (s *KeyStore) insertKey(fp, name string, credits int64, opts *KeyOptions) (*ApiKeyRecord, error) {
	now := s.nowFn()
	rec := &ApiKeyRecord{
		Key:                 fp,
		Name:                sanitizeName(name),
		Namespace:           DefaultsSpace,
		Credits:             clampCredits(credits),
		Active:              true,
		CreatedAt:           now,
		QuotaLastResetDay:   utcDay(now),
		QuotaLastResetMonth: utcMonth(now),
	}
	applyOptions(rec, opts)

	s.mu.Lock()
	if _, exists := s.keys[fp]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("key already exists")
	}
	if rec.Alias != "" {
		if err := s.checkAliasLocked(rec.Alias, fp); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.aliases[rec.Alias] = fp
	}
	s.keys[fp] = rec
	s.saveLocked()
	cp := rec.Clone()
	ret := rec.Clone()
	s.mu.Unlock()

	s.notify(ChangeCreated, fp, cp)
	return ret, nil
}

// checkAliasLocked enforces alias uniqueness and the no-fingerprint-collision
// invariant. Caller holds the write lock.
func (s *KeyStore) checkAliasLocked(alias, owner string) error {
	if existing, ok := s.aliases[alias]; ok && existing != owner {
		return fmt.Errorf("alias %q already in use", alias)
	}
	if _, ok := s.keys[alias]; ok {
		return fmt.Errorf("alias %q collides with a key fingerprint", alias)
	}
	return nil
}

// GetKey returns a copy of the record iff it is active and not expired.
// This is the request-path accessor.
func (s *KeyStore) GetKey(fp string) *ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[fp]
	if !ok || !rec.Usable(s.nowFn()) {
		return nil
	}
	return rec.Clone()
}

// GetKeyRaw bypasses the active/expiry checks. Admin-only.
func (s *KeyStore) GetKeyRaw(fp string) *ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[fp]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// ResolveKey accepts either a fingerprint or an alias and returns the raw
// record (admin resolution path).
func (s *KeyStore) ResolveKey(fpOrAlias string) *ApiKeyRecord {
	if rec := s.GetKey(fpOrAlias); rec != nil {
		return rec
	}
	s.mu.RLock()
	fp, ok := s.aliases[fpOrAlias]
	s.mu.RUnlock()
	if ok {
		return s.GetKeyRaw(fp)
	}
	return s.GetKeyRaw(fpOrAlias)
}

// HasCredits reports whether the key is usable and holds at least amount.
func (s *KeyStore) HasCredits(fp string, amount int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[fp]
	return ok && rec.Usable(s.nowFn()) && rec.Credits >= amount
}

// DeductCredits subtracts amount; fails when the key is unusable or the
// balance is insufficient. Integer amounts only; amount must be positive.
func (s *KeyStore) DeductCredits(fp string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	s.mu.Lock()
	rec, ok := s.keys[fp]
	if !ok || !rec.Usable(s.nowFn()) || rec.Credits < amount {
		s.mu.Unlock()
		return false
	}
	rec.Credits -= amount
	s.saveLocked()
	cp := rec.Clone()
	s.mu.Unlock()

	s.notify(ChangeCredits, fp, cp)
	return true
}

// AddCredits adds amount (must be > 0); the balance is clamped to MaxCredits.
func (s *KeyStore) AddCredits(fp string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	s.mu.Lock()
	rec, ok := s.keys[fp]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.Credits = clampCredits(rec.Credits + amount)
	s.saveLocked()
	cp := rec.Clone()
	s.mu.Unlock()

	s.notify(ChangeCredits, fp, cp)
	return true
}

// Update runs fn on the record under the store lock. If fn returns true the
// mutation is persisted and broadcast with the given change type. This is the
// Gate's atomic check-and-commit entry point.
func (s *KeyStore) Update(fp string, change ChangeType, fn func(*ApiKeyRecord) bool) bool {
	s.mu.Lock()
	rec, ok := s.keys[fp]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !fn(rec) {
		s.mu.Unlock()
		return false
	}
	s.saveLocked()
	cp := rec.Clone()
	s.mu.Unlock()

	s.notify(change, fp, cp)
	return true
}

// RevokeKey marks the record inactive. Idempotent: revoking an already
// revoked key succeeds and leaves the record untouched.
func (s *KeyStore) RevokeKey(fp string) bool {
	s.mu.Lock()
	rec, ok := s.keys[fp]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !rec.Active {
		s.mu.Unlock()
		return true
	}
	rec.Active = false
	s.saveLocked()
	cp := rec.Clone()
	s.mu.Unlock()

	s.notify(ChangeRevoked, fp, cp)
	return true
}

// SuspendKey pauses a key reversibly. Fails on revoked keys.
func (s *KeyStore) SuspendKey(fp string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		if !rec.Active {
			return false
		}
		rec.Suspended = true
		return true
	})
}

// ResumeKey lifts a suspension. Fails on revoked keys.
func (s *KeyStore) ResumeKey(fp string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		if !rec.Active {
			return false
		}
		rec.Suspended = false
		return true
	})
}

// RotateKey copies all state into a new fingerprint and revokes the old one.
// Both records remain in the map so audit history is preserved.
func (s *KeyStore) RotateKey(oldFp string) (*ApiKeyRecord, error) {
	newFp := generateFingerprint()

	s.mu.Lock()
	old, ok := s.keys[oldFp]
	if !ok || !old.Active {
		s.mu.Unlock()
		return nil, fmt.Errorf("key not found or inactive")
	}
	rotated := old.Clone()
	rotated.Key = newFp
	// the alias moves with the rotation
	if old.Alias != "" {
		s.aliases[old.Alias] = newFp
		old.Alias = ""
	}
	old.Active = false
	s.keys[newFp] = rotated
	s.saveLocked()
	oldCp := old.Clone()
	newCp := rotated.Clone()
	ret := rotated.Clone()
	s.mu.Unlock()

	s.notify(ChangeRevoked, oldFp, oldCp)
	s.notify(ChangeCreated, newFp, newCp)
	return ret, nil
}

// CloneKey deep-copies a record into a fresh fingerprint with zeroed
// counters, a new createdAt, no suspension and no lastUsedAt.
func (s *KeyStore) CloneKey(srcFp string, overrides *KeyOptions) (*ApiKeyRecord, error) {
	s.mu.Lock()
	src, ok := s.keys[srcFp]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("key not found")
	}
	now := s.nowFn()
	cp := src.Clone()
	cp.Key = generateFingerprint()
	cp.Alias = ""
	cp.TotalSpent = 0
	cp.TotalCalls = 0
	cp.Suspended = false
	cp.LastUsed = nil
	cp.CreatedAt = now
	cp.QuotaDailyCalls = 0
	cp.QuotaMonthlyCalls = 0
	cp.QuotaDailyCredits = 0
	cp.QuotaMonthlyCredits = 0
	cp.QuotaLastResetDay = utcDay(now)
	cp.QuotaLastResetMonth = utcMonth(now)
	cp.AutoTopupTodayCount = 0
	cp.AutoTopupLastResetDay = ""
	applyOptions(cp, overrides)
	if overrides != nil && overrides.Alias != "" {
		if err := s.checkAliasLocked(cp.Alias, cp.Key); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.aliases[cp.Alias] = cp.Key
	}
	s.keys[cp.Key] = cp
	s.saveLocked()
	evCp := cp.Clone()
	ret := cp.Clone()
	s.mu.Unlock()

	s.notify(ChangeCreated, cp.Key, evCp)
	return ret, nil
}

// SetAlias assigns or clears ("" clears) the key's alias.
func (s *KeyStore) SetAlias(fp, alias string) error {
	alias = strings.TrimSpace(alias)
	s.mu.Lock()
	rec, ok := s.keys[fp]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("key not found")
	}
	if alias != "" {
		if err := s.checkAliasLocked(alias, fp); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if rec.Alias != "" {
		delete(s.aliases, rec.Alias)
	}
	rec.Alias = alias
	if alias != "" {
		s.aliases[alias] = fp
	}
	s.saveLocked()
	cp := rec.Clone()
	s.mu.Unlock()

	s.notify(ChangeUpdated, fp, cp)
	return nil
}

// SetACL replaces the tool whitelist and blacklist.
func (s *KeyStore) SetACL(fp string, allowed, denied []string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		rec.AllowedTools = sanitizeStringList(allowed)
		rec.DeniedTools = sanitizeStringList(denied)
		return true
	})
}

// SetIPAllowlist replaces the IP allowlist (exact IPv4 or CIDR entries).
func (s *KeyStore) SetIPAllowlist(fp string, entries []string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		rec.IPAllowlist = sanitizeStringList(entries)
		return true
	})
}

// SetExpiry sets or clears (nil) the wall-clock expiry.
func (s *KeyStore) SetExpiry(fp string, expiresAt *time.Time) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		if expiresAt == nil {
			rec.ExpiresAt = nil
			return true
		}
		t := *expiresAt
		rec.ExpiresAt = &t
		return true
	})
}

// SetTags replaces the tag map.
func (s *KeyStore) SetTags(fp string, tags map[string]string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		rec.Tags = sanitizeTags(tags)
		return true
	})
}

// SetQuota sets or clears (nil) the per-key quota override.
func (s *KeyStore) SetQuota(fp string, quota *QuotaConfig) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		if quota == nil {
			rec.Quota = nil
			return true
		}
		q := *quota
		rec.Quota = &q
		return true
	})
}

// SetSpendingLimit sets the cumulative totalSpent ceiling; 0 is unlimited.
func (s *KeyStore) SetSpendingLimit(fp string, limit int64) bool {
	if limit < 0 {
		return false
	}
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		rec.SpendingLimit = limit
		return true
	})
}

// SetAutoTopup sets or clears (nil) the auto-topup policy.
func (s *KeyStore) SetAutoTopup(fp string, cfg *AutoTopupConfig) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		if cfg == nil {
			rec.AutoTopup = nil
			return true
		}
		c := *cfg
		rec.AutoTopup = &c
		return true
	})
}

// AssignGroup sets ("" clears) the record's group reference.
func (s *KeyStore) AssignGroup(fp, groupID string) bool {
	return s.Update(fp, ChangeUpdated, func(rec *ApiKeyRecord) bool {
		rec.Group = strings.TrimSpace(groupID)
		return true
	})
}

// SetGroups replaces the group table (config reload / group_updated event).
func (s *KeyStore) SetGroups(groups []*KeyGroup) {
	s.mu.Lock()
	s.groups = make(map[string]*KeyGroup, len(groups))
	for _, g := range groups {
		if g != nil && g.ID != "" {
			s.groups[g.ID] = g
		}
	}
	s.mu.Unlock()
}

// GetGroup returns the group or nil.
func (s *KeyStore) GetGroup(id string) *KeyGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[id]
}

// Len returns the number of records, including revoked ones.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Fingerprints returns every fingerprint in the map.
func (s *KeyStore) Fingerprints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for fp := range s.keys {
		out = append(out, fp)
	}
	return out
}

// AllRecords returns deep copies of every record (scanner / sync use).
func (s *KeyStore) AllRecords() []*ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApiKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec.Clone())
	}
	return out
}

// --- remote application (DistributedSync) -----------------------------------

// ApplyRemoteRecord upserts a record received from the shared cache. The
// change listener is not invoked: remote events must not be re-published.
func (s *KeyStore) ApplyRemoteRecord(rec *ApiKeyRecord) {
	if rec == nil || rec.Key == "" {
		return
	}
	s.mu.Lock()
	cp := rec.Clone()
	if old, ok := s.keys[cp.Key]; ok && old.Alias != "" && old.Alias != cp.Alias {
		delete(s.aliases, old.Alias)
	}
	s.keys[cp.Key] = cp
	if cp.Alias != "" {
		s.aliases[cp.Alias] = cp.Key
	}
	s.saveLocked()
	s.mu.Unlock()
}

// ApplyRemoteRevoke marks the record inactive without re-publishing.
func (s *KeyStore) ApplyRemoteRevoke(fp string) {
	s.mu.Lock()
	if rec, ok := s.keys[fp]; ok {
		rec.Active = false
		s.saveLocked()
	}
	s.mu.Unlock()
}

// ApplyRemoteCredits applies an inline credits_changed payload.
func (s *KeyStore) ApplyRemoteCredits(fp string, credits, totalSpent, totalCalls int64) {
	s.mu.Lock()
	if rec, ok := s.keys[fp]; ok {
		rec.Credits = clampCredits(credits)
		if totalSpent >= 0 {
			rec.TotalSpent = totalSpent
		}
		if totalCalls >= 0 {
			rec.TotalCalls = totalCalls
		}
		s.saveLocked()
	}
	s.mu.Unlock()
}

// --- export / import / listing ----------------------------------------------

// ExportFilter narrows ExportKeys output. Zero value exports everything.
type ExportFilter struct {
	Namespace string
	Active    *bool
}

// ExportKeys returns full records (fingerprints included) for backup.
func (s *KeyStore) ExportKeys(filter *ExportFilter) []*ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApiKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		if filter != nil {
			if filter.Namespace != "" && rec.Namespace != filter.Namespace {
				continue
			}
			if filter.Active != nil && rec.Active != *filter.Active {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ImportMode controls collision handling during ImportKeys.
type ImportMode string

const (
	ImportSkip      ImportMode = "skip"
	ImportOverwrite ImportMode = "overwrite"
	ImportError     ImportMode = "error"
)

// ImportResult is the per-record outcome of an ImportKeys call.
type ImportResult struct {
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"` // imported | skipped | overwritten | error
	Error       string `json:"error,omitempty"`
}

// ImportKeys ingests exported records, re-sanitizing each and rebuilding the
// alias index afterwards.
func (s *KeyStore) ImportKeys(records []*ApiKeyRecord, mode ImportMode) []ImportResult {
	results := make([]ImportResult, 0, len(records))
	s.mu.Lock()
	for _, rec := range records {
		if rec == nil || rec.Key == "" {
			results = append(results, ImportResult{Status: "error", Error: "missing fingerprint"})
			continue
		}
		_, exists := s.keys[rec.Key]
		switch {
		case exists && mode == ImportSkip:
			results = append(results, ImportResult{Fingerprint: rec.Key, Status: "skipped"})
			continue
		case exists && mode == ImportError:
			results = append(results, ImportResult{Fingerprint: rec.Key, Status: "error", Error: "key already exists"})
			continue
		}
		cp := rec.Clone()
		cp.Name = sanitizeName(cp.Name)
		cp.Namespace = sanitizeNamespace(cp.Namespace)
		cp.Credits = clampCredits(cp.Credits)
		cp.AllowedTools = sanitizeStringList(cp.AllowedTools)
		cp.DeniedTools = sanitizeStringList(cp.DeniedTools)
		cp.IPAllowlist = sanitizeStringList(cp.IPAllowlist)
		cp.Tags = sanitizeTags(cp.Tags)
		s.keys[cp.Key] = cp
		status := "imported"
		if exists {
			status = "overwritten"
		}
		results = append(results, ImportResult{Fingerprint: cp.Key, Status: status})
	}
	s.rebuildAliasIndexLocked()
	s.saveLocked()
	s.mu.Unlock()
	return results
}

func (s *KeyStore) rebuildAliasIndexLocked() {
	s.aliases = make(map[string]string)
	for fp, rec := range s.keys {
		if rec.Alias == "" {
			continue
		}
		if _, taken := s.aliases[rec.Alias]; taken {
			rec.Alias = "" // duplicate alias loses on rebuild
			continue
		}
		s.aliases[rec.Alias] = fp
	}
}

// ListQuery filters and paginates ListKeysFiltered. Group "" matches all;
// GroupSet distinguishes "ungrouped only" from "any".
type ListQuery struct {
	Namespace  string
	Group      string
	GroupSet   bool
	Active     *bool
	Suspended  *bool
	Expired    *bool
	NamePrefix string
	MinCredits *int64
	MaxCredits *int64
	SortBy     string // createdAt | name | credits | totalSpent | totalCalls | lastUsedAt
	SortDesc   bool
	Offset     int
	Limit      int
}

// ListKeysFiltered returns a page of matching records plus the total match
// count. Limit is capped to [1,500].
func (s *KeyStore) ListKeysFiltered(q ListQuery) ([]*ApiKeyRecord, int) {
	if q.Limit < 1 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	now := s.nowFn()

	s.mu.RLock()
	matched := make([]*ApiKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		if q.Namespace != "" && rec.Namespace != q.Namespace {
			continue
		}
		if q.GroupSet && rec.Group != q.Group {
			continue
		}
		if q.Active != nil && rec.Active != *q.Active {
			continue
		}
		if q.Suspended != nil && rec.Suspended != *q.Suspended {
			continue
		}
		if q.Expired != nil && rec.Expired(now) != *q.Expired {
			continue
		}
		if q.NamePrefix != "" && !strings.HasPrefix(rec.Name, q.NamePrefix) {
			continue
		}
		if q.MinCredits != nil && rec.Credits < *q.MinCredits {
			continue
		}
		if q.MaxCredits != nil && rec.Credits > *q.MaxCredits {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	s.mu.RUnlock()

	sortRecords(matched, q.SortBy, q.SortDesc)
	total := len(matched)
	if q.Offset >= total {
		return nil, total
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total
}

func sortRecords(recs []*ApiKeyRecord, by string, desc bool) {
	less := func(a, b *ApiKeyRecord) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case "name":
		less = func(a, b *ApiKeyRecord) bool { return a.Name < b.Name }
	case "credits":
		less = func(a, b *ApiKeyRecord) bool { return a.Credits < b.Credits }
	case "totalSpent":
		less = func(a, b *ApiKeyRecord) bool { return a.TotalSpent < b.TotalSpent }
	case "totalCalls":
		less = func(a, b *ApiKeyRecord) bool { return a.TotalCalls < b.TotalCalls }
	case "lastUsedAt":
		less = func(a, b *ApiKeyRecord) bool {
			at, bt := time.Time{}, time.Time{}
			if a.LastUsed != nil {
				at = *a.LastUsed
			}
			if b.LastUsed != nil {
				bt = *b.LastUsed
			}
			return at.Before(bt)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}
