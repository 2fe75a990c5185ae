package gate

import "encoding/json"

// Guardrail inspects tool-call content before forwarding and after the
// backend responds. Rule management lives outside the gateway; the proxy
// only calls through this contract.
type Guardrail interface {
	// CheckInput returns a non-empty reason to block the call.
	CheckInput(tool string, args json.RawMessage) string
	// CheckOutput returns a non-empty reason to suppress the response.
	CheckOutput(tool string, result json.RawMessage) string
}

// NopGuardrail allows everything.
type NopGuardrail struct{}

func (NopGuardrail) CheckInput(string, json.RawMessage) string  { return "" }
func (NopGuardrail) CheckOutput(string, json.RawMessage) string { return "" }
