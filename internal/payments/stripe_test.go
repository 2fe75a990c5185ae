package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
)

const testSecret = "whsec_test_secret"

func signStripe(t *testing.T, secret string, ts int64, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newStripeHarness(t *testing.T) (*StripeHandler, *keystore.KeyStore, *keystore.ApiKeyRecord, time.Time) {
	t.Helper()
	store := keystore.NewKeyStore("")
	rec, err := store.CreateKey("buyer", 10, nil)
	require.NoError(t, err)

	h := NewStripeHandler(testSecret, store, meter.NewAuditLog(0))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.nowFn = func() time.Time { return now }
	return h, store, rec, now
}

func checkoutBody(fp, credits string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"payment_status": "paid",
			"amount_total": 500,
			"metadata": {"paygate_api_key": %q, "paygate_credits": %q}
		}}
	}`, fp, credits))
}

func TestHandleWebhook_Credits(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)

	body := checkoutBody(rec.Key, "500")
	res := h.HandleWebhook(signStripe(t, testSecret, now.Unix(), body), body)

	assert.True(t, res.OK)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, int64(500), res.Credits)
	assert.Equal(t, int64(510), store.GetKeyRaw(rec.Key).Credits)
}

func TestHandleWebhook_BadSignatureNeverCredits(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)
	body := checkoutBody(rec.Key, "500")

	cases := map[string]string{
		"wrong secret":   signStripe(t, "whsec_other", now.Unix(), body),
		"missing header": "",
		"garbage header": "not-a-signature",
		"missing v1":     fmt.Sprintf("t=%d", now.Unix()),
	}
	for name, header := range cases {
		res := h.HandleWebhook(header, body)
		assert.False(t, res.OK, name)
		assert.Equal(t, 400, res.Status, name)
	}
	assert.Equal(t, int64(10), store.GetKeyRaw(rec.Key).Credits, "no case may credit")
}

func TestHandleWebhook_TamperedBody(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)

	body := checkoutBody(rec.Key, "500")
	header := signStripe(t, testSecret, now.Unix(), body)
	tampered := checkoutBody(rec.Key, "999999")

	res := h.HandleWebhook(header, tampered)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, int64(10), store.GetKeyRaw(rec.Key).Credits)
}

func TestHandleWebhook_StaleTimestamp(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)

	// a 600s-old delivery is a replay: reject even with a valid signature
	body := checkoutBody(rec.Key, "500")
	old := now.Add(-600 * time.Second).Unix()
	res := h.HandleWebhook(signStripe(t, testSecret, old, body), body)

	assert.False(t, res.OK)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, int64(10), store.GetKeyRaw(rec.Key).Credits)

	// just inside tolerance still passes
	recent := now.Add(-299 * time.Second).Unix()
	res = h.HandleWebhook(signStripe(t, testSecret, recent, body), body)
	assert.True(t, res.OK)
}

func TestHandleWebhook_IgnoredEvents(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)

	other := []byte(`{"type":"invoice.paid","data":{"object":{}}}`)
	res := h.HandleWebhook(signStripe(t, testSecret, now.Unix(), other), other)
	assert.True(t, res.OK)
	assert.Equal(t, "ignored", res.Message)

	unpaid := []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {"payment_status": "unpaid",
			"metadata": {"paygate_api_key": %q, "paygate_credits": "500"}}}
	}`, rec.Key))
	res = h.HandleWebhook(signStripe(t, testSecret, now.Unix(), unpaid), unpaid)
	assert.True(t, res.OK)
	assert.Equal(t, int64(10), store.GetKeyRaw(rec.Key).Credits)
}

func TestHandleWebhook_MetadataValidation(t *testing.T) {
	h, store, rec, now := newStripeHarness(t)

	sign := func(body []byte) string { return signStripe(t, testSecret, now.Unix(), body) }

	for name, body := range map[string][]byte{
		"missing key":      checkoutBody("", "500"),
		"missing credits":  checkoutBody(rec.Key, ""),
		"non-numeric":      checkoutBody(rec.Key, "lots"),
		"zero credits":     checkoutBody(rec.Key, "0"),
		"negative credits": checkoutBody(rec.Key, "-5"),
		"unknown key":      checkoutBody("pg_doesnotexist", "500"),
	} {
		res := h.HandleWebhook(sign(body), body)
		assert.Equal(t, 400, res.Status, name)
	}
	assert.Equal(t, int64(10), store.GetKeyRaw(rec.Key).Credits)

	// fractional credits floor
	body := checkoutBody(rec.Key, "99.9")
	res := h.HandleWebhook(sign(body), body)
	assert.True(t, res.OK)
	assert.Equal(t, int64(99), res.Credits)
}
