// Package payments turns verified external payments into credit top-ups.
// Two intake paths exist: Stripe checkout webhooks and x402 on-chain
// payment proofs attested by a Facilitator. Both paths credit the store
// only after cryptographic or third-party verification succeeds.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/metrics"
)

// CreditStore is the slice of the key store payment intake needs.
type CreditStore interface {
	GetKeyRaw(fp string) *keystore.ApiKeyRecord
	AddCredits(fp string, amount int64) bool
}

// Auditor receives a trail entry for every successful credit grant.
type Auditor interface {
	Record(action, fingerprint string, details map[string]interface{})
}

// StripeToleranceSeconds bounds how stale a signed webhook may be.
const StripeToleranceSeconds = 300

// StripeHandler verifies Stripe webhook signatures and credits keys on
// completed checkout sessions.
type StripeHandler struct {
	secret  string
	store   CreditStore
	audit   Auditor
	logger  *log.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// NewStripeHandler wires the handler; secret is the webhook signing secret
// from the Stripe dashboard.
func NewStripeHandler(secret string, store CreditStore, audit Auditor) *StripeHandler {
	return &StripeHandler{
		secret: secret,
		store:  store,
		audit:  audit,
		logger: log.New(log.Writer(), "[STRIPE] ", log.LstdFlags),
		nowFn:  time.Now,
	}
}

// SetMetrics injects the Prometheus metric set.
func (h *StripeHandler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			PaymentStatus string            `json:"payment_status"`
			AmountTotal   float64           `json:"amount_total"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Result of one webhook delivery.
type Result struct {
	OK      bool
	Status  int
	Message string
	Credits int64
}

// VerifySignature checks the Stripe-Signature header (t=<unix>,v1=<hex>)
// against the raw body. Rejects stale timestamps and any signature that
// fails a constant-time compare.
func (h *StripeHandler) VerifySignature(header string, body []byte) error {
	if h.secret == "" {
		return fmt.Errorf("stripe webhook secret not configured")
	}
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed timestamp in signature header")
			}
			ts = v
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("signature header missing t or v1")
	}
	age := h.nowFn().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > StripeToleranceSeconds {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

// HandleWebhook verifies and processes a raw webhook delivery. Unknown event
// types acknowledge as no-ops; verification failures never credit.
func (h *StripeHandler) HandleWebhook(sigHeader string, body []byte) Result {
	if err := h.VerifySignature(sigHeader, body); err != nil {
		h.count("rejected")
		h.logger.Printf("webhook rejected: %v", err)
		return Result{Status: 400, Message: "signature verification failed"}
	}

	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.count("rejected")
		return Result{Status: 400, Message: "malformed event payload"}
	}

	if ev.Type != "checkout.session.completed" {
		h.count("ignored")
		return Result{OK: true, Status: 200, Message: "ignored"}
	}

	obj := ev.Data.Object
	if obj.PaymentStatus != "paid" {
		h.count("ignored")
		return Result{OK: true, Status: 200, Message: "not paid, ignored"}
	}

	fp := obj.Metadata["paygate_api_key"]
	rawCredits := obj.Metadata["paygate_credits"]
	if fp == "" || rawCredits == "" {
		h.count("rejected")
		return Result{Status: 400, Message: "missing paygate metadata"}
	}
	parsed, err := strconv.ParseFloat(rawCredits, 64)
	if err != nil {
		h.count("rejected")
		return Result{Status: 400, Message: "invalid credits value"}
	}
	credits := int64(math.Floor(parsed))
	if credits <= 0 {
		h.count("rejected")
		return Result{Status: 400, Message: "credits must be positive"}
	}
	if rec := h.store.GetKeyRaw(fp); rec == nil {
		h.count("rejected")
		return Result{Status: 400, Message: fmt.Sprintf("unknown key %s", truncate(fp))}
	}

	if !h.store.AddCredits(fp, credits) {
		h.count("error")
		return Result{Status: 500, Message: "credit grant failed"}
	}
	h.count("credited")
	h.logger.Printf("credited %d to %s via checkout session", credits, truncate(fp))
	if h.audit != nil {
		h.audit.Record("stripe_payment", fp, map[string]interface{}{
			"credits":     credits,
			"amountTotal": obj.AmountTotal,
		})
	}
	return Result{OK: true, Status: 200, Message: "credited", Credits: credits}
}

func (h *StripeHandler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.PaymentEvents.WithLabelValues("stripe", outcome).Inc()
	}
}

func truncate(fp string) string {
	if len(fp) <= 11 {
		return fp
	}
	return fp[:11] + "..."
}
