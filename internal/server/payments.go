package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/paygate/paygate/internal/payments"
)

// handleStripeWebhook is authenticated by the Stripe-Signature header, not
// the admin key; Stripe is the caller.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stripe == nil {
		writeError(w, http.StatusNotImplemented, "stripe intake disabled")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	res := s.deps.Stripe.HandleWebhook(r.Header.Get("Stripe-Signature"), body)
	writeJSON(w, res.Status, map[string]interface{}{
		"received": res.OK,
		"message":  res.Message,
	})
}

// handleX402Verify accepts a payment proof from the payer alongside the
// requirements the gateway issued in the 402 response.
func (s *Server) handleX402Verify(w http.ResponseWriter, r *http.Request) {
	if s.deps.X402 == nil || !s.deps.X402.Enabled() {
		writeError(w, http.StatusNotImplemented, "x402 intake disabled")
		return
	}
	var req struct {
		PaymentPayload      json.RawMessage `json:"paymentPayload"`
		PaymentRequirements string          `json:"paymentRequirements"` // base64 as issued
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	apiKey := apiKeyFrom(r)
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "X-API-Key is required")
		return
	}
	reqd, err := payments.DecodeRequirements(req.PaymentRequirements)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid paymentRequirements")
		return
	}
	rec := s.deps.Store.ResolveKey(apiKey)
	if rec == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	res := s.deps.X402.Verify(rec.Key, req.PaymentPayload, reqd)
	out := map[string]interface{}{"message": res.Message}
	if res.OK {
		out["creditsAwarded"] = res.Credits
	}
	writeJSON(w, res.Status, out)
}
