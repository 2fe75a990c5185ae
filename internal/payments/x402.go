package payments

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/paygate/paygate/internal/metrics"
)

// PaymentRequirements advertises how a caller can pay for denied credits.
// The serialized form travels base64-encoded in the 402 response.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Description       string `json:"description"`
	Resource          string `json:"resource"`
	MimeType          string `json:"mimeType"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// X402Config configures the on-chain payment path.
type X402Config struct {
	Network          string
	Asset            string
	PayTo            string
	FacilitatorURL   string
	CreditsPerDollar int64
}

// X402Stats counts payment outcomes for the report surface.
type X402Stats struct {
	Payments            int64   `json:"payments"`
	USDReceived         float64 `json:"usdReceived"`
	CreditsAwarded      int64   `json:"creditsAwarded"`
	FailedVerifications int64   `json:"failedVerifications"`
	FacilitatorErrors   int64   `json:"facilitatorErrors"`
}

// X402Handler turns Facilitator-attested on-chain payments into credits.
type X402Handler struct {
	mu      sync.Mutex
	cfg     X402Config
	stats   X402Stats
	store   CreditStore
	audit   Auditor
	client  *http.Client
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewX402Handler wires the handler. CreditsPerDollar <= 0 defaults to 1000.
func NewX402Handler(cfg X402Config, store CreditStore, audit Auditor) *X402Handler {
	if cfg.CreditsPerDollar <= 0 {
		cfg.CreditsPerDollar = 1000
	}
	return &X402Handler{
		cfg:    cfg,
		store:  store,
		audit:  audit,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: log.New(log.Writer(), "[X402] ", log.LstdFlags),
	}
}

// SetMetrics injects the Prometheus metric set.
func (h *X402Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Enabled reports whether the x402 path is configured.
func (h *X402Handler) Enabled() bool {
	return h.cfg.FacilitatorURL != "" && h.cfg.PayTo != ""
}

// Requirements builds the PaymentRequirements for a denied call that needs
// creditsRequired more credits.
func (h *X402Handler) Requirements(creditsRequired int64, resource string) *PaymentRequirements {
	return &PaymentRequirements{
		Scheme:            "exact",
		Network:           h.cfg.Network,
		Asset:             h.cfg.Asset,
		PayTo:             h.cfg.PayTo,
		MaxAmountRequired: dollarString(creditsRequired, h.cfg.CreditsPerDollar),
		Description:       fmt.Sprintf("%d credits", creditsRequired),
		Resource:          resource,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
	}
}

// EncodeRequirements serializes requirements for the 402 header/body.
func EncodeRequirements(req *PaymentRequirements) string {
	raw, _ := json.Marshal(req)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeRequirements reverses EncodeRequirements.
func DecodeRequirements(encoded string) (*PaymentRequirements, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payment requirements: %w", err)
	}
	var req PaymentRequirements
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse payment requirements: %w", err)
	}
	return &req, nil
}

type facilitatorResponse struct {
	IsValid bool   `json:"isValid"`
	Payer   string `json:"payer"`
	Reason  string `json:"invalidReason"`
}

// Verify submits the payment proof to the Facilitator and credits the key
// on a valid attestation. The payload and requirements arrive exactly as
// the caller received them in the 402 response.
func (h *X402Handler) Verify(fingerprint string, paymentPayload json.RawMessage, requirements *PaymentRequirements) Result {
	if !h.Enabled() {
		return Result{Status: 400, Message: "x402 payments not configured"}
	}
	if rec := h.store.GetKeyRaw(fingerprint); rec == nil {
		h.bump(func(s *X402Stats) { s.FailedVerifications++ })
		h.count("rejected")
		return Result{Status: 400, Message: fmt.Sprintf("unknown key %s", truncate(fingerprint))}
	}

	body, err := json.Marshal(map[string]interface{}{
		"paymentPayload":      paymentPayload,
		"paymentRequirements": requirements,
	})
	if err != nil {
		return Result{Status: 500, Message: "failed to encode verification request"}
	}

	url := strings.TrimRight(h.cfg.FacilitatorURL, "/") + "/verify"
	resp, err := h.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		h.bump(func(s *X402Stats) { s.FacilitatorErrors++ })
		h.count("error")
		h.logger.Printf("facilitator unreachable: %v", err)
		return Result{Status: 502, Message: "payment facilitator unreachable"}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		h.bump(func(s *X402Stats) { s.FacilitatorErrors++ })
		h.count("error")
		return Result{Status: 502, Message: fmt.Sprintf("facilitator returned %d", resp.StatusCode)}
	}

	var verdict facilitatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		h.bump(func(s *X402Stats) { s.FacilitatorErrors++ })
		h.count("error")
		return Result{Status: 502, Message: "malformed facilitator response"}
	}
	if !verdict.IsValid {
		h.bump(func(s *X402Stats) { s.FailedVerifications++ })
		h.count("rejected")
		h.logger.Printf("payment verification failed for %s: %s", truncate(fingerprint), verdict.Reason)
		return Result{Status: 402, Message: "payment verification failed"}
	}

	usd, credits := parseDollarAmount(requirements.MaxAmountRequired, h.cfg.CreditsPerDollar)
	if credits <= 0 {
		h.bump(func(s *X402Stats) { s.FailedVerifications++ })
		h.count("rejected")
		return Result{Status: 400, Message: "payment amount resolves to zero credits"}
	}
	if !h.store.AddCredits(fingerprint, credits) {
		h.count("error")
		return Result{Status: 500, Message: "credit grant failed"}
	}

	h.bump(func(s *X402Stats) {
		s.Payments++
		s.USDReceived += usd
		s.CreditsAwarded += credits
	})
	h.count("credited")
	h.logger.Printf("credited %d to %s ($%s via %s)", credits, truncate(fingerprint), requirements.MaxAmountRequired, h.cfg.Network)
	if h.audit != nil {
		h.audit.Record("x402_payment", fingerprint, map[string]interface{}{
			"credits": credits,
			"usd":     usd,
			"network": h.cfg.Network,
			"payer":   verdict.Payer,
		})
	}
	return Result{OK: true, Status: 200, Message: "credited", Credits: credits}
}

// Stats returns a copy of the outcome counters.
func (h *X402Handler) Stats() X402Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *X402Handler) bump(fn func(*X402Stats)) {
	h.mu.Lock()
	fn(&h.stats)
	h.mu.Unlock()
}

func (h *X402Handler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.PaymentEvents.WithLabelValues("x402", outcome).Inc()
	}
}

// dollarString renders credits/creditsPerDollar as a 6-decimal dollar
// amount with trailing zeros stripped ("0.05", not "0.050000").
func dollarString(credits, perDollar int64) string {
	s := fmt.Sprintf("%.6f", float64(credits)/float64(perDollar))
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}

func parseDollarAmount(amount string, perDollar int64) (float64, int64) {
	var usd float64
	if _, err := fmt.Sscanf(amount, "%f", &usd); err != nil || usd < 0 {
		return 0, 0
	}
	return usd, int64(usd * float64(perDollar))
}
