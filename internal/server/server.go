// Package server is the HTTP surface of the gateway: the /mcp proxy
// endpoint, the client balance/dashboard views, the admin key-management
// API and the Prometheus scrape endpoint.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygate/paygate/internal/approval"
	"github.com/paygate/paygate/internal/backend"
	"github.com/paygate/paygate/internal/expiry"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	"github.com/paygate/paygate/internal/payments"
	"github.com/paygate/paygate/internal/tasks"
	"github.com/paygate/paygate/internal/tokens"
	"github.com/paygate/paygate/internal/webhooks"
)

// maxBodyBytes caps every inbound request body.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the server routes traffic to. Gate, Store and
// Usage are required; the rest may be nil and their endpoints degrade to
// 404/501 responses.
type Deps struct {
	Store      *keystore.KeyStore
	Gate       *gate.Gate
	Usage      *meter.UsageMeter
	Audit      *meter.AuditLog
	Tasks      *tasks.Manager
	Grants     *expiry.GrantManager
	Approvals  *approval.Manager
	Tokens     *tokens.Manager
	Emitter    *webhooks.Emitter
	Stripe     *payments.StripeHandler
	X402       *payments.X402Handler
	Forwarder  *backend.Forwarder
	Metrics    *metrics.Metrics
	Guardrails gate.Guardrail
}

// Server carries the router plus everything the handlers touch.
type Server struct {
	deps       Deps
	adminKey   string
	serverName string
	logger     *log.Logger
	httpSrv    *http.Server
}

// New wires a server. adminKey empty disables the admin surface entirely.
func New(deps Deps, adminKey, serverName string) *Server {
	if deps.Guardrails == nil {
		deps.Guardrails = gate.NopGuardrail{}
	}
	if serverName == "" {
		serverName = "PayGate"
	}
	return &Server{
		deps:       deps,
		adminKey:   adminKey,
		serverName: serverName,
		logger:     log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.bodyLimit)

	// client surface
	r.HandleFunc("/mcp", s.handleMCP).Methods("POST")
	r.HandleFunc("/balance", s.handleBalance).Methods("GET")
	r.HandleFunc("/dashboard", s.handleDashboard).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	// payment intake authenticates by signature / facilitator, not admin key
	r.HandleFunc("/stripe/webhook", s.handleStripeWebhook).Methods("POST")
	r.HandleFunc("/x402/verify", s.handleX402Verify).Methods("POST")

	// admin surface
	admin := r.NewRoute().Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/keys", s.handleCreateKey).Methods("POST")
	admin.HandleFunc("/keys", s.handleListKeys).Methods("GET")
	admin.HandleFunc("/keys/revoke", s.keyAction("revoke")).Methods("POST")
	admin.HandleFunc("/keys/suspend", s.keyAction("suspend")).Methods("POST")
	admin.HandleFunc("/keys/resume", s.keyAction("resume")).Methods("POST")
	admin.HandleFunc("/keys/clone", s.handleCloneKey).Methods("POST")
	admin.HandleFunc("/keys/rotate", s.handleRotateKey).Methods("POST")
	admin.HandleFunc("/keys/acl", s.handleSetACL).Methods("POST")
	admin.HandleFunc("/keys/expiry", s.handleSetExpiry).Methods("POST")
	admin.HandleFunc("/keys/ip", s.handleSetIPAllowlist).Methods("POST")
	admin.HandleFunc("/keys/tags", s.handleSetTags).Methods("POST")
	admin.HandleFunc("/keys/auto-topup", s.handleSetAutoTopup).Methods("POST")
	admin.HandleFunc("/keys/alias", s.handleSetAlias).Methods("POST")
	admin.HandleFunc("/keys/quota", s.handleSetQuota).Methods("POST")
	admin.HandleFunc("/keys/export", s.handleExportKeys).Methods("GET")
	admin.HandleFunc("/keys/import", s.handleImportKeys).Methods("POST")
	admin.HandleFunc("/topup", s.handleTopup).Methods("POST")
	admin.HandleFunc("/limits", s.handleSetSpendingLimit).Methods("POST")
	admin.HandleFunc("/usage", s.handleUsage).Methods("GET")
	admin.HandleFunc("/audit", s.handleAudit).Methods("GET")
	admin.HandleFunc("/webhooks/filters", s.handleWebhookFilters).Methods("GET", "POST")
	admin.HandleFunc("/webhooks/filters/update", s.handleUpdateWebhookFilter).Methods("POST")
	admin.HandleFunc("/approvals", s.handleListApprovals).Methods("GET")
	admin.HandleFunc("/approvals/resolve", s.handleResolveApproval).Methods("POST")
	admin.HandleFunc("/tokens", s.handleIssueToken).Methods("POST")
	admin.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	admin.HandleFunc("/tokens/revoke", s.handleRevokeToken).Methods("POST")
	admin.HandleFunc("/grants", s.handleGrant).Methods("POST")
	admin.HandleFunc("/grants", s.handleListGrants).Methods("GET")
	admin.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	admin.HandleFunc("/admin/credit-allocation", s.handleCreditAllocation).Methods("GET")
	admin.HandleFunc("/admin/consumer-lifetime-value", s.handleConsumerLTV).Methods("GET")
	admin.HandleFunc("/admin/quotas", s.handleQuotaReport).Methods("GET")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	s.logger.Printf("Listening on port %d", port)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"keys":   s.deps.Store.Len(),
	})
}
