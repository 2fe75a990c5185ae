package distsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/paygate/internal/keystore"
)

// CacheClient is the minimal shared-cache surface the sync layer needs. The
// concrete go-redis adapter lives in internal/infra and is injected from
// main, so this package never imports a driver.
type CacheClient interface {
	Ping(ctx context.Context) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// TokenRevoker receives forwarded token_revoked events.
type TokenRevoker interface {
	RevokeToken(tokenID string) bool
}

// DefaultSyncInterval is the background re-pull period.
const DefaultSyncInterval = 5 * time.Second

// event is the pub/sub wire message. InstanceID lets subscribers drop their
// own publications.
type event struct {
	Type       string `json:"type"`
	Key        string `json:"key,omitempty"`
	InstanceID string `json:"instanceId"`
	Credits    *int64 `json:"credits,omitempty"`
	TotalSpent *int64 `json:"totalSpent,omitempty"`
	TotalCalls *int64 `json:"totalCalls,omitempty"`
	TokenID    string `json:"tokenId,omitempty"`
}

// Sync mirrors the key store into the shared cache and applies remote
// events back into it.
type Sync struct {
	client     CacheClient
	store      *keystore.KeyStore
	prefix     string
	instanceID string
	interval   time.Duration

	tokens TokenRevoker

	mu      sync.Mutex
	unsub   func()
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New creates the sync layer. prefix defaults to "paygate".
func New(client CacheClient, store *keystore.KeyStore, prefix string, interval time.Duration) *Sync {
	if prefix == "" {
		prefix = "paygate"
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Sync{
		client:     client,
		store:      store,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetTokenRevoker wires the scoped-token manager for token_revoked events.
func (s *Sync) SetTokenRevoker(t TokenRevoker) { s.tokens = t }

// InstanceID returns this publisher's id.
func (s *Sync) InstanceID() string { return s.instanceID }

func (s *Sync) keyHash(fp string) string { return s.prefix + ":key:" + fp }
func (s *Sync) keySet() string           { return s.prefix + ":keys" }
func (s *Sync) eventsChannel() string    { return s.prefix + ":events" }
func (s *Sync) rateKey(k string) string  { return s.prefix + ":rate:" + k }

// Start connects, bootstraps, subscribes and launches the refresh loop.
func (s *Sync) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	unsub, err := s.client.Subscribe(ctx, s.eventsChannel(), s.handleMessage)
	if err != nil {
		slog.Warn("[DistSync] Subscribe failed, relying on periodic sync only", "error", err)
	} else {
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.refreshLoop()

	slog.Info("[DistSync] Started", "instance", s.instanceID, "interval", s.interval)
	return nil
}

// Stop tears down the subscriber and the refresh loop. Idempotent.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	started := s.started
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if started {
		<-s.done
	}
}

// bootstrap reconciles the cache and the local store on startup. An empty
// cache is seeded from a non-empty local store; otherwise every remote hash
// is merged in. Local records absent from the cache are never evicted.
func (s *Sync) bootstrap(ctx context.Context) error {
	members, err := s.client.SMembers(ctx, s.keySet())
	if err != nil {
		return err
	}
	if len(members) == 0 && s.store.Len() > 0 {
		pushed := 0
		for _, rec := range s.store.AllRecords() {
			if err := s.pushRecord(ctx, rec); err != nil {
				slog.Warn("[DistSync] Seed push failed", "error", err)
				continue
			}
			pushed++
		}
		slog.Info("[DistSync] Seeded empty cache from local store", "keys", pushed)
		return nil
	}

	pulled := 0
	for _, fp := range members {
		if err := s.pullRecord(ctx, fp); err != nil {
			slog.Warn("[DistSync] Pull failed", "error", err)
			continue
		}
		pulled++
	}
	slog.Info("[DistSync] Hydrated from cache", "keys", pulled)
	return nil
}

func (s *Sync) refreshLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.Refresh(ctx); err != nil {
				slog.Debug("[DistSync] Refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Refresh re-pulls every remote record, catching events missed by pub/sub.
func (s *Sync) Refresh(ctx context.Context) error {
	members, err := s.client.SMembers(ctx, s.keySet())
	if err != nil {
		return err
	}
	for _, fp := range members {
		if err := s.pullRecord(ctx, fp); err != nil {
			slog.Debug("[DistSync] Record refresh failed", "error", err)
		}
	}
	return nil
}

func (s *Sync) pushRecord(ctx context.Context, rec *keystore.ApiKeyRecord) error {
	fields, err := recordToHash(rec)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.keyHash(rec.Key), fields); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.keySet(), rec.Key)
}

func (s *Sync) pullRecord(ctx context.Context, fp string) error {
	fields, err := s.client.HGetAll(ctx, s.keyHash(fp))
	if err != nil {
		return err
	}
	rec, err := hashToRecord(fields)
	if err != nil {
		return err
	}
	s.store.ApplyRemoteRecord(rec)
	return nil
}

// OnLocalChange is the KeyStore change listener: it writes through to the
// cache and publishes the invalidation event. Runs outside the store lock.
func (s *Sync) OnLocalChange(ev keystore.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg := event{InstanceID: s.instanceID, Key: ev.Fingerprint}
	switch ev.Type {
	case keystore.ChangeCreated:
		msg.Type = "key_created"
	case keystore.ChangeUpdated:
		msg.Type = "key_updated"
	case keystore.ChangeRevoked:
		msg.Type = "key_revoked"
	case keystore.ChangeCredits:
		msg.Type = "credits_changed"
		if ev.Record != nil {
			c, ts, tc := ev.Record.Credits, ev.Record.TotalSpent, ev.Record.TotalCalls
			msg.Credits, msg.TotalSpent, msg.TotalCalls = &c, &ts, &tc
		}
	default:
		return
	}

	if ev.Record != nil {
		if err := s.pushRecord(ctx, ev.Record); err != nil {
			slog.Warn("[DistSync] Write-through failed", "type", msg.Type, "error", err)
		}
	}
	s.publish(ctx, msg)
}

func (s *Sync) publish(ctx context.Context, msg event) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(), data); err != nil {
		slog.Warn("[DistSync] Publish failed", "type", msg.Type, "error", err)
	}
}

// handleMessage applies one pub/sub event. Malformed messages are dropped;
// self-published messages are ignored.
func (s *Sync) handleMessage(data []byte) {
	var msg event
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.InstanceID == s.instanceID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	switch msg.Type {
	case "key_created", "key_updated":
		if err := s.pullRecord(ctx, msg.Key); err != nil {
			slog.Debug("[DistSync] Event pull failed", "type", msg.Type, "error", err)
		}
	case "key_revoked":
		s.store.ApplyRemoteRevoke(msg.Key)
	case "credits_changed":
		credits, spent, calls := int64(-1), int64(-1), int64(-1)
		if msg.Credits != nil {
			credits = *msg.Credits
		}
		if msg.TotalSpent != nil {
			spent = *msg.TotalSpent
		}
		if msg.TotalCalls != nil {
			calls = *msg.TotalCalls
		}
		if credits >= 0 {
			s.store.ApplyRemoteCredits(msg.Key, credits, spent, calls)
		}
	case "token_revoked":
		if s.tokens != nil {
			s.tokens.RevokeToken(msg.TokenID)
		}
	}
}

// PublishTokenRevoked fans a scoped-token revocation out to all instances.
func (s *Sync) PublishTokenRevoked(ctx context.Context, tokenID string) {
	s.publish(ctx, event{Type: "token_revoked", InstanceID: s.instanceID, TokenID: tokenID})
}

// AtomicDeduct is the authoritative debit in distributed mode. Outcome:
// 1 debited, 0 insufficient, -1 inactive. A transport error tells the gate
// to fall back to the local path.
func (s *Sync) AtomicDeduct(ctx context.Context, fingerprint string, amount int64) (int, error) {
	res, err := s.client.Eval(ctx, deductScript,
		[]string{s.keyHash(fingerprint)},
		amount, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	outcome, err := evalInt(res)
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// AtomicTopup adds credits on the cache side, returning the new balance.
func (s *Sync) AtomicTopup(ctx context.Context, fingerprint string, amount int64) (int64, error) {
	res, err := s.client.Eval(ctx, topupScript,
		[]string{s.keyHash(fingerprint)},
		amount, keystore.MaxCredits)
	if err != nil {
		return 0, err
	}
	n, err := evalInt(res)
	return int64(n), err
}

// AtomicRateCheck runs the sorted-set sliding window on the cache. Returns
// false when the limit is hit.
func (s *Sync) AtomicRateCheck(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
	res, err := s.client.Eval(ctx, rateScript,
		[]string{s.rateKey(key)},
		now, window.Milliseconds(), limit, member)
	if err != nil {
		return false, err
	}
	n, err := evalInt(res)
	return n == 1, err
}

func evalInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		parsed := parseInt64(n)
		if parsed < -1 {
			return 0, fmt.Errorf("unexpected script result %q", n)
		}
		return int(parsed), nil
	default:
		return 0, fmt.Errorf("unexpected script result type %T", v)
	}
}
