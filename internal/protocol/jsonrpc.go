// Package protocol implements the JSON-RPC 2.0 envelope used by the MCP
// transport. The gateway parses just enough of each request to route and
// price it; params pass through to the backend untouched.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes surfaced to MCP callers.
const (
	// CodeInvalidRequest is the standard JSON-RPC invalid-request code.
	CodeInvalidRequest = -32600
	// CodePaymentRequired is the gateway's admission-denial code.
	CodePaymentRequired = -32402
	// CodeRemoteError covers backend timeouts and 5xx responses.
	CodeRemoteError = -32000
)

// Request is a JSON-RPC 2.0 request. Params stays raw so the gateway never
// re-serializes tool arguments.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ToolCallParams is the params shape of tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ParseRequest decodes and validates the envelope.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC request: %w", err)
	}
	if req.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}

// ToolCall extracts the tool name and raw arguments from a tools/call
// request. Returns ok=false for other methods.
func (r *Request) ToolCall() (name string, args json.RawMessage, ok bool) {
	if r.Method != "tools/call" {
		return "", nil, false
	}
	var params ToolCallParams
	if err := json.Unmarshal(r.Params, &params); err != nil || params.Name == "" {
		return "", nil, false
	}
	return params.Name, params.Arguments, true
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// NewResult builds a success response for the given request ID.
func NewResult(id interface{}, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response for the given request ID.
func NewError(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// PaymentRequired builds the standard admission-denial response. The stable
// reason string rides in both the message and the data payload.
func PaymentRequired(id interface{}, reason string, data interface{}) *Response {
	return NewError(id, CodePaymentRequired, fmt.Sprintf("Payment required: %s", reason), data)
}

// RemoteError builds the backend-failure response.
func RemoteError(id interface{}) *Response {
	return NewError(id, CodeRemoteError, "Remote server error", nil)
}
