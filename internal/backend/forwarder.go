// Package backend forwards admitted JSON-RPC traffic to the upstream MCP
// server. The gateway is a pass-through: request bodies are relayed as
// received and responses returned verbatim, so backend capabilities never
// need registering here.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single forwarded call.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a backend response is buffered.
const maxResponseBytes = 10 << 20

// Forwarder relays requests to one upstream MCP endpoint.
type Forwarder struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewForwarder creates a forwarder; timeout 0 selects DefaultTimeout.
func NewForwarder(url string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log.New(log.Writer(), "[BACKEND] ", log.LstdFlags),
	}
}

// URL returns the upstream endpoint.
func (f *Forwarder) URL() string { return f.url }

// Forward relays the raw JSON-RPC body and returns the backend's response
// body. A transport error, timeout, or 5xx status is returned as an error;
// 4xx bodies pass through because the backend may encode JSON-RPC errors
// with non-200 statuses.
func (f *Forwarder) Forward(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Printf("backend call failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return nil, fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		f.logger.Printf("backend returned %d", resp.StatusCode)
		return nil, fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	return out, nil
}
