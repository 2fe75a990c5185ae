package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/payments"
	"github.com/paygate/paygate/internal/protocol"
	"github.com/paygate/paygate/internal/tasks"
)

// handleMCP is the proxy path: parse the JSON-RPC envelope, admit, forward,
// refund on backend failure when the policy says so.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if !jsonContentType(r) {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
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

	req, err := protocol.ParseRequest(body)
	if err != nil {
		// invalid envelopes are an HTTP-level 400, not a JSON-RPC 200
		writeRPC(w, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeInvalidRequest, "Invalid request", nil))
		return
	}

	// free methods bypass admission entirely
	if gate.IsFreeMethod(req.Method) {
		s.forward(w, r, req, body, "", 0)
		return
	}

	apiKey := apiKeyFrom(r)

	// async task methods are served locally, not forwarded
	if s.deps.Tasks != nil && tasks.IsTasksMethod(req.Method) {
		s.handleTasks(w, r, req, apiKey)
		return
	}

	tool := req.Method
	args := req.Params
	if name, a, ok := req.ToolCall(); ok {
		tool = name
		args = a
	}

	if reason := s.deps.Guardrails.CheckInput(tool, args); reason != "" {
		writeRPC(w, http.StatusOK, protocol.PaymentRequired(req.ID, "input_blocked", map[string]string{"detail": reason}))
		return
	}

	decision := s.deps.Gate.Admit(r.Context(), apiKey, tool, args, clientIP(r))
	if !decision.Allowed {
		s.writeDenial(w, req, decision, tool)
		return
	}

	s.forward(w, r, req, body, tool, decision.CreditsCharged)
}

// forward relays to the backend and applies the refund policy on failure.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, req *protocol.Request, body []byte, tool string, charged int64) {
	if s.deps.Forwarder == nil {
		writeRPC(w, http.StatusOK, protocol.NewError(req.ID, protocol.CodeRemoteError, "No backend configured", nil))
		return
	}
	resp, err := s.deps.Forwarder.Forward(r.Context(), body)
	if err != nil {
		s.maybeRefund(r, tool, charged)
		writeRPC(w, http.StatusOK, protocol.RemoteError(req.ID))
		return
	}

	if tool != "" && charged > 0 {
		if reason := s.deps.Guardrails.CheckOutput(tool, resp); reason != "" {
			s.maybeRefund(r, tool, charged)
			writeRPC(w, http.StatusOK, protocol.PaymentRequired(req.ID, "output_blocked", map[string]string{"detail": reason}))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *Server) maybeRefund(r *http.Request, tool string, charged int64) {
	if charged <= 0 || !s.deps.Gate.RefundOnFailure() {
		return
	}
	if rec := s.deps.Store.ResolveKey(apiKeyFrom(r)); rec != nil {
		s.deps.Gate.Refund(rec.Key, tool, charged)
	}
}

// writeDenial renders an admission denial. Insufficient credits with x402
// enabled becomes a 402 carrying base64 PaymentRequirements.
func (s *Server) writeDenial(w http.ResponseWriter, req *protocol.Request, decision gate.Decision, tool string) {
	data := map[string]interface{}{
		"reason":           decision.Reason,
		"remainingCredits": decision.RemainingCredits,
	}
	if decision.RateResetInMs > 0 {
		data["rateResetInMs"] = decision.RateResetInMs
	}
	if decision.ApprovalID != "" {
		data["approvalId"] = decision.ApprovalID
	}

	status := http.StatusOK
	if decision.Reason == gate.ReasonInsufficient && s.deps.X402 != nil && s.deps.X402.Enabled() {
		required := decision.CreditsRequired
		if required <= 0 {
			required = 1
		}
		reqd := s.deps.X402.Requirements(required, "/mcp")
		encoded := payments.EncodeRequirements(reqd)
		data["x402"] = encoded
		w.Header().Set("X-Payment-Required", encoded)
		status = http.StatusPaymentRequired
	}
	writeRPC(w, status, protocol.PaymentRequired(req.ID, decision.Reason, data))
}

// handleTasks dispatches tasks/* to the local task manager. tasks/send pays
// admission for the named tool first; the other task methods only need a
// usable key.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, req *protocol.Request, apiKey string) {
	rec := s.deps.Store.ResolveKey(apiKey)
	if rec == nil {
		reason := gate.ReasonInvalidKey
		if apiKey == "" {
			reason = gate.ReasonMissingKey
		}
		writeRPC(w, http.StatusOK, protocol.PaymentRequired(req.ID, reason, nil))
		return
	}

	if req.Method == "tasks/send" {
		name, args, _ := taskToolCall(req)
		decision := s.deps.Gate.Admit(r.Context(), apiKey, name, args, clientIP(r))
		if !decision.Allowed {
			s.writeDenial(w, req, decision, name)
			return
		}
	}

	result, err := s.deps.Tasks.HandleTasksMethod(req.Method, req.Params, meter.TruncateFingerprint(rec.Key), r.Header.Get("Mcp-Session-Id"))
	if err != nil {
		writeRPC(w, http.StatusOK, protocol.NewError(req.ID, protocol.CodeInvalidRequest, err.Error(), nil))
		return
	}
	out, err := protocol.NewResult(req.ID, result)
	if err != nil {
		writeRPC(w, http.StatusOK, protocol.RemoteError(req.ID))
		return
	}
	writeRPC(w, http.StatusOK, out)
}

// taskToolCall extracts the tool behind a tasks/send request so it can be
// priced like a direct call.
func taskToolCall(req *protocol.Request) (string, json.RawMessage, bool) {
	var p struct {
		ToolName  string          `json:"toolName"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ToolName == "" {
		return req.Method, nil, false
	}
	return p.ToolName, p.Arguments, true
}

func writeRPC(w http.ResponseWriter, status int, resp *protocol.Response) {
	writeJSON(w, status, resp)
}
