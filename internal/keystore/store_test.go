package keystore

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateKey_Defaults(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("test key", 100, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rec.Key, "pg_"))
	assert.Len(t, rec.Key, 3+48)
	assert.Equal(t, "test key", rec.Name)
	assert.Equal(t, "default", rec.Namespace)
	assert.Equal(t, int64(100), rec.Credits)
	assert.True(t, rec.Active)
	assert.False(t, rec.Suspended)
}

func TestCreateKey_Sanitization(t *testing.T) {
	s := NewKeyStore("")

	rec, err := s.CreateKey(strings.Repeat("x", 300), -5, &KeyOptions{Namespace: "Bad Namespace!"})
	require.NoError(t, err)
	assert.Len(t, rec.Name, 200)
	assert.Equal(t, int64(0), rec.Credits, "negative credits clamp to zero")
	assert.Equal(t, "default", rec.Namespace, "invalid namespace falls back")

	rec, err = s.CreateKey("big", MaxCredits+1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxCredits), rec.Credits)
}

func TestGetKey_UsableOnly(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)

	assert.NotNil(t, s.GetKey(rec.Key))
	require.True(t, s.RevokeKey(rec.Key))
	assert.Nil(t, s.GetKey(rec.Key))
	assert.NotNil(t, s.GetKeyRaw(rec.Key))
}

func TestRevokeKey_Idempotent(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)

	require.True(t, s.RevokeKey(rec.Key))
	before := s.GetKeyRaw(rec.Key).Clone()

	assert.True(t, s.RevokeKey(rec.Key), "second revoke succeeds without change")
	after := s.GetKeyRaw(rec.Key)
	assert.Equal(t, before.Active, after.Active)
	assert.Equal(t, before.Credits, after.Credits)
}

func TestResolveKey_Alias(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, &KeyOptions{Alias: "prod-bot"})
	require.NoError(t, err)

	got := s.ResolveKey("prod-bot")
	require.NotNil(t, got)
	assert.Equal(t, rec.Key, got.Key)

	assert.NotNil(t, s.ResolveKey(rec.Key), "fingerprint still resolves")
	assert.Nil(t, s.ResolveKey("missing"))

	// duplicate alias rejected
	_, err = s.CreateKey("other", 10, &KeyOptions{Alias: "prod-bot"})
	assert.Error(t, err)
}

func TestDeductAndAddCredits(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)

	assert.True(t, s.HasCredits(rec.Key, 10))
	assert.False(t, s.HasCredits(rec.Key, 11))

	assert.True(t, s.DeductCredits(rec.Key, 4))
	assert.False(t, s.DeductCredits(rec.Key, 7), "insufficient balance")
	assert.Equal(t, int64(6), s.GetKeyRaw(rec.Key).Credits)

	assert.True(t, s.AddCredits(rec.Key, MaxCredits))
	assert.Equal(t, int64(MaxCredits), s.GetKeyRaw(rec.Key).Credits, "topup clamps at the cap")

	assert.False(t, s.AddCredits("pg_unknown", 1))
}

func TestSuspendResume(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)

	require.True(t, s.SuspendKey(rec.Key))
	assert.Nil(t, s.GetKey(rec.Key), "suspended keys are not usable")
	require.True(t, s.ResumeKey(rec.Key))
	assert.NotNil(t, s.GetKey(rec.Key))

	require.True(t, s.RevokeKey(rec.Key))
	assert.False(t, s.SuspendKey(rec.Key), "revoked keys cannot be suspended")
	assert.False(t, s.ResumeKey(rec.Key))
}

func TestRotateKey(t *testing.T) {
	s := NewKeyStore("")
	old, err := s.CreateKey("bot", 50, &KeyOptions{Alias: "bot"})
	require.NoError(t, err)
	require.True(t, s.DeductCredits(old.Key, 5))

	fresh, err := s.RotateKey(old.Key)
	require.NoError(t, err)
	assert.NotEqual(t, old.Key, fresh.Key)
	assert.Equal(t, int64(45), fresh.Credits, "balance carries over")
	assert.Equal(t, "bot", fresh.Alias, "alias moves to the new key")

	assert.Nil(t, s.GetKey(old.Key), "old key is dead")
	assert.NotNil(t, s.GetKeyRaw(old.Key), "but the record survives")
	assert.Equal(t, fresh.Key, s.ResolveKey("bot").Key)
}

func TestCloneKey(t *testing.T) {
	s := NewKeyStore("")
	src, err := s.CreateKey("template", 100, &KeyOptions{AllowedTools: []string{"search"}})
	require.NoError(t, err)
	require.True(t, s.DeductCredits(src.Key, 10))

	cp, err := s.CloneKey(src.Key, nil)
	require.NoError(t, err)
	assert.NotEqual(t, src.Key, cp.Key)
	assert.Equal(t, []string{"search"}, cp.AllowedTools)
	assert.Equal(t, int64(0), cp.TotalSpent, "usage counters reset")
	assert.Equal(t, int64(0), cp.TotalCalls)
}

func TestExpiry_WallClockOnly(t *testing.T) {
	s := NewKeyStore("")
	past := time.Now().Add(-time.Minute)
	rec, err := s.CreateKey("old", 10, &KeyOptions{ExpiresAt: &past})
	require.NoError(t, err)

	assert.Nil(t, s.GetKey(rec.Key))
	assert.NotNil(t, s.GetKeyRaw(rec.Key))

	// clearing the expiry revives the key
	require.True(t, s.SetExpiry(rec.Key, nil))
	assert.NotNil(t, s.GetKey(rec.Key))
}

func TestUpdate_CheckAndCommit(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)

	ok := s.Update(rec.Key, ChangeCredits, func(r *ApiKeyRecord) bool {
		if r.Credits < 100 {
			return false
		}
		r.Credits -= 100
		return true
	})
	assert.False(t, ok)
	assert.Equal(t, int64(10), s.GetKeyRaw(rec.Key).Credits, "aborted update leaves the record untouched")
}

func TestChangeListener(t *testing.T) {
	s := NewKeyStore("")
	var events []ChangeType
	s.OnChange(func(ev ChangeEvent) { events = append(events, ev.Type) })

	rec, err := s.CreateKey("k", 10, nil)
	require.NoError(t, err)
	s.DeductCredits(rec.Key, 1)
	s.RevokeKey(rec.Key)

	require.Len(t, events, 3)
	assert.Equal(t, ChangeCreated, events[0])
	assert.Equal(t, ChangeCredits, events[1])
	assert.Equal(t, ChangeRevoked, events[2])

	// remote applies must not re-notify
	events = nil
	s.ApplyRemoteCredits(rec.Key, 5, 0, 0)
	s.ApplyRemoteRevoke(rec.Key)
	assert.Empty(t, events)
}

func TestChangeListener_SnapshotIsolation(t *testing.T) {
	s := NewKeyStore("")
	rec, err := s.CreateKey("k", 10_000, nil)
	require.NoError(t, err)

	// listener snapshots must stay internally consistent while other
	// goroutines keep mutating the same record
	var snapshots []int64
	var mu sync.Mutex
	s.OnChange(func(ev ChangeEvent) {
		require.NotNil(t, ev.Record)
		mu.Lock()
		snapshots = append(snapshots, ev.Record.Credits)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.DeductCredits(rec.Key, 1)
				s.Update(rec.Key, ChangeUpdated, func(r *ApiKeyRecord) bool {
					r.TotalCalls++
					return true
				})
			}
		}()
	}
	wg.Wait()

	got := s.GetKeyRaw(rec.Key)
	assert.Equal(t, int64(10_000-800), got.Credits)
	assert.Equal(t, int64(800), got.TotalCalls)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range snapshots {
		assert.GreaterOrEqual(t, c, int64(10_000-800))
		assert.LessOrEqual(t, c, int64(10_000))
	}
}

func TestListKeysFiltered(t *testing.T) {
	s := NewKeyStore("")
	for i := 0; i < 5; i++ {
		_, err := s.CreateKey("alpha", int64(i*10), &KeyOptions{Namespace: "team-a"})
		require.NoError(t, err)
	}
	_, err := s.CreateKey("beta", 999, &KeyOptions{Namespace: "team-b"})
	require.NoError(t, err)

	page, total := s.ListKeysFiltered(ListQuery{Namespace: "team-a", Limit: 3})
	assert.Equal(t, 5, total)
	assert.Len(t, page, 3)

	min := int64(500)
	page, total = s.ListKeysFiltered(ListQuery{MinCredits: &min})
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, "beta", page[0].Name)

	page, _ = s.ListKeysFiltered(ListQuery{SortBy: "credits", SortDesc: true, Limit: 2})
	require.Len(t, page, 2)
	assert.Equal(t, int64(999), page[0].Credits)
}

func TestExportImport(t *testing.T) {
	src := NewKeyStore("")
	a, err := src.CreateKey("a", 10, nil)
	require.NoError(t, err)
	_, err = src.CreateKey("b", 20, nil)
	require.NoError(t, err)

	exported := src.ExportKeys(nil)
	require.Len(t, exported, 2)

	dst := NewKeyStore("")
	results := dst.ImportKeys(exported, ImportSkip)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "imported", r.Status)
	}
	assert.Equal(t, 2, dst.Len())

	// re-import with skip leaves existing records alone
	results = dst.ImportKeys(exported, ImportSkip)
	for _, r := range results {
		assert.Equal(t, "skipped", r.Status)
	}

	// error mode reports conflicts
	results = dst.ImportKeys([]*ApiKeyRecord{a.Clone()}, ImportError)
	require.Len(t, results, 1)
	assert.Equal(t, "error", results[0].Status)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := NewKeyStore(path)
	a, err := s.CreateKey("one", 10, &KeyOptions{Alias: "one"})
	require.NoError(t, err)
	b, err := s.CreateKey("two", 20, nil)
	require.NoError(t, err)
	_, err = s.CreateKey("three", 30, nil)
	require.NoError(t, err)

	require.True(t, s.DeductCredits(a.Key, 3))
	require.True(t, s.SuspendKey(b.Key))

	// restart against the same snapshot path
	restored := NewKeyStore(path)
	assert.Equal(t, 3, restored.Len())

	ra := restored.GetKeyRaw(a.Key)
	require.NotNil(t, ra)
	assert.Equal(t, int64(7), ra.Credits)

	rb := restored.GetKeyRaw(b.Key)
	require.NotNil(t, rb)
	assert.True(t, rb.Suspended, "suspension survives the restart")

	assert.NotNil(t, restored.ResolveKey("one"), "alias index is rebuilt")
}

func TestRecordUnknownFieldPreservation(t *testing.T) {
	raw := []byte(`{"key":"pg_x","name":"n","credits":5,"active":true,"futureField":{"a":1}}`)
	var rec ApiKeyRecord
	require.NoError(t, rec.UnmarshalJSON(raw))

	out, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"futureField"`)
	assert.Contains(t, string(out), `"credits":5`)
}
