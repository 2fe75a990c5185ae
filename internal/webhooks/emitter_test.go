package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	f := &Filter{Events: []string{"key.*", "call.denied"}}
	assert.True(t, f.matches("key.expiring"))
	assert.True(t, f.matches("key.revoked"))
	assert.True(t, f.matches("call.denied"))
	assert.False(t, f.matches("call.allowed"))
	assert.False(t, f.matches("payment.credited"))

	all := &Filter{}
	assert.True(t, all.matches("anything.at.all"))
}

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"key.expiring"}`)
	secret := "whsec_test"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, SignPayload(payload, secret))
	assert.NotEqual(t, want, SignPayload(payload, "other"))
}

func TestAddFilter_SSRFGate(t *testing.T) {
	e := NewEmitter(1, time.Second, 1)
	defer e.Shutdown()

	_, err := e.AddFilter("http://169.254.169.254/hook", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook url rejected")
	assert.Empty(t, e.ListFilters())

	f, err := e.AddFilter("https://hooks.example.com/paygate", "s", []string{"key.*"})
	require.NoError(t, err)
	assert.True(t, f.Active)
	assert.Len(t, e.ListFilters(), 1)
}

func TestUpdateFilter(t *testing.T) {
	e := NewEmitter(1, time.Second, 1)
	defer e.Shutdown()

	f, err := e.AddFilter("https://hooks.example.com/a", "", nil)
	require.NoError(t, err)

	bad := "http://127.0.0.1/hook"
	_, err = e.UpdateFilter(f.ID, &bad, nil, nil)
	assert.Error(t, err, "updates re-pass the SSRF gate")

	inactive := false
	updated, err := e.UpdateFilter(f.ID, nil, []string{"call.*"}, &inactive)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, []string{"call.*"}, updated.Events)

	_, err = e.UpdateFilter("missing", nil, nil, nil)
	assert.Error(t, err)
}

func TestNotify_DeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSig, gotEvent string
	received := make(chan struct{}, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get("X-PayGate-Event")
		mu.Unlock()
		received <- struct{}{}
	}))
	defer ts.Close()

	e := NewEmitter(1, time.Second, 1)
	defer e.Shutdown()
	_, err := e.AddFilter(ts.URL, "whsec_test", []string{"key.*"})
	require.NoError(t, err)

	e.Notify("key.expiring", map[string]interface{}{"key": "pg_01234567..."})

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "key.expiring", gotEvent)
	assert.Equal(t, SignPayload(gotBody, "whsec_test"), gotSig)

	var ev Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "key.expiring", ev.Type)
	assert.Equal(t, "pg_01234567...", ev.Data["key"])
	assert.NotEmpty(t, ev.ID)
}

func TestNotify_SkipsNonMatchingAndInactive(t *testing.T) {
	hits := make(chan struct{}, 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer ts.Close()

	e := NewEmitter(1, time.Second, 1)
	f, err := e.AddFilter(ts.URL, "", []string{"key.*"})
	require.NoError(t, err)

	e.Notify("payment.credited", nil)

	inactive := false
	_, err = e.UpdateFilter(f.ID, nil, nil, &inactive)
	require.NoError(t, err)
	e.Notify("key.expiring", nil)

	e.Shutdown()
	assert.Empty(t, hits)
	assert.Equal(t, DeliveryStats{}, e.Stats())
}

func TestDeliver_RetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	e := NewEmitter(1, time.Second, 2)
	defer e.Shutdown()
	_, err := e.AddFilter(ts.URL, "", nil)
	require.NoError(t, err)

	e.Notify("key.expiring", nil)

	// wait for the final attempt to land (one 1s backoff in between)
	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Delivered)

	filters := e.ListFilters()
	require.Len(t, filters, 1)
	assert.Equal(t, 2, filters[0].FailCount)
}
