package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/paygate/paygate/internal/meter"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
		if err := s.deps.Usage.WriteCSV(w); err != nil {
			s.logger.Printf("usage CSV export failed: %v", err)
		}
		return
	}

	q := meter.Query{
		Tool:    r.URL.Query().Get("tool"),
		KeyName: r.URL.Query().Get("keyName"),
		Limit:   intParam(r.URL.Query().Get("limit"), 0),
	}
	summary := s.deps.Usage.GetSummary()
	out := map[string]interface{}{
		"summary":    summary,
		"eventCount": s.deps.Usage.Len(),
	}
	if r.URL.Query().Get("events") == "true" {
		out["events"] = s.deps.Usage.GetEvents(q)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []struct{}{}})
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 100)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.deps.Audit.Recent(limit),
	})
}

// --- webhook filter routing --------------------------------------------------

func (s *Server) handleWebhookFilters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Emitter == nil {
		writeError(w, http.StatusNotImplemented, "webhooks disabled")
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"filters": s.deps.Emitter.ListFilters(),
			"stats":   s.deps.Emitter.Stats(),
		})
		return
	}

	var req struct {
		URL    string   `json:"url"`
		Secret string   `json:"secret,omitempty"`
		Events []string `json:"events,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := s.deps.Emitter.AddFilter(req.URL, req.Secret, req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit("webhook_filter_added", "", map[string]interface{}{"id": f.ID, "url": f.URL})
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleUpdateWebhookFilter(w http.ResponseWriter, r *http.Request) {
	if s.deps.Emitter == nil {
		writeError(w, http.StatusNotImplemented, "webhooks disabled")
		return
	}
	var req struct {
		ID     string   `json:"id"`
		URL    *string  `json:"url,omitempty"`
		Events []string `json:"events,omitempty"`
		Active *bool    `json:"active,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := s.deps.Emitter.UpdateFilter(req.ID, req.URL, req.Events, req.Active)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit("webhook_filter_updated", "", map[string]interface{}{"id": f.ID})
	writeJSON(w, http.StatusOK, f)
}

// --- approvals ---------------------------------------------------------------

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"pending": []struct{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": s.deps.Approvals.Pending()})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusNotImplemented, "approvals disabled")
		return
	}
	var req struct {
		ID      string `json:"id"`
		Approve bool   `json:"approve"`
		By      string `json:"by,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	resolved := s.deps.Approvals.Resolve(req.ID, req.Approve, req.By)
	if resolved == nil {
		writeError(w, http.StatusNotFound, "approval request not found or not pending")
		return
	}
	s.audit("approval_resolved", "", map[string]interface{}{"id": req.ID, "approved": req.Approve})
	writeJSON(w, http.StatusOK, resolved)
}

// --- scoped tokens -----------------------------------------------------------

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "tokens disabled")
		return
	}
	var req struct {
		Key          string   `json:"key"`
		AllowedTools []string `json:"allowedTools,omitempty"`
		MaxCredits   int64    `json:"maxCredits,omitempty"`
		TTLSeconds   int      `json:"ttlSeconds,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.deps.Store.GetKey(req.Key) == nil {
		writeError(w, http.StatusNotFound, "key not found or not usable")
		return
	}
	tok, err := s.deps.Tokens.Issue(req.Key, req.AllowedTools, req.MaxCredits, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit("token_issued", req.Key, map[string]interface{}{"maxCredits": tok.MaxCredits})
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": []struct{}{}})
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": s.deps.Tokens.ListByKey(key)})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "tokens disabled")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Tokens.RevokeToken(req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- expiring credit grants --------------------------------------------------

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.deps.Grants == nil {
		writeError(w, http.StatusNotImplemented, "grants disabled")
		return
	}
	var req struct {
		Key      string `json:"key"`
		Credits  int64  `json:"credits"`
		TTLHours int    `json:"ttlHours"`
		Source   string `json:"source,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.deps.Store.GetKeyRaw(req.Key) == nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	grant, err := s.deps.Grants.Grant(req.Key, req.Credits, time.Duration(req.TTLHours)*time.Hour, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// the grant rides on the main balance; expiry claws it back
	s.deps.Store.AddCredits(req.Key, req.Credits)
	s.audit("grant_created", req.Key, map[string]interface{}{"credits": req.Credits, "ttlHours": req.TTLHours})
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	if s.deps.Grants == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"grants": []struct{}{}})
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	out := map[string]interface{}{
		"grants":  s.deps.Grants.Grants(key),
		"balance": s.deps.Grants.Balance(key),
	}
	if hours := intParam(r.URL.Query().Get("expiringWithinHours"), 0); hours > 0 {
		out["expiringSoon"] = s.deps.Grants.GetExpiringSoon(key, time.Duration(hours)*time.Hour)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- tasks -------------------------------------------------------------------

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": []struct{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.deps.Tasks.List(r.URL.Query().Get("keyPrefix")),
		"total": s.deps.Tasks.Len(),
	})
}

// --- read-only analytics -----------------------------------------------------

// handleCreditAllocation reports outstanding credits by namespace.
func (s *Server) handleCreditAllocation(w http.ResponseWriter, r *http.Request) {
	byNamespace := make(map[string]int64)
	var total int64
	for _, rec := range s.deps.Store.AllRecords() {
		byNamespace[rec.Namespace] += rec.Credits
		total += rec.Credits
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalCredits": total,
		"byNamespace":  byNamespace,
		"keyCount":     s.deps.Store.Len(),
	})
}

// handleConsumerLTV ranks keys by lifetime spend.
func (s *Server) handleConsumerLTV(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Key        string `json:"key"`
		Name       string `json:"name"`
		TotalSpent int64  `json:"totalSpent"`
		TotalCalls int64  `json:"totalCalls"`
	}
	records := s.deps.Store.AllRecords()
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			Key:        meter.TruncateFingerprint(rec.Key),
			Name:       rec.Name,
			TotalSpent: rec.TotalSpent,
			TotalCalls: rec.TotalCalls,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TotalSpent > entries[j].TotalSpent })
	limit := intParam(r.URL.Query().Get("limit"), 20)
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consumers": entries})
}

// handleQuotaReport summarizes quota consumption for keys that carry one.
func (s *Server) handleQuotaReport(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Key            string `json:"key"`
		Name           string `json:"name"`
		DailyCalls     int64  `json:"dailyCalls"`
		DailyCredits   int64  `json:"dailyCredits"`
		MonthlyCalls   int64  `json:"monthlyCalls"`
		MonthlyCredits int64  `json:"monthlyCredits"`
		Limits         string `json:"limits"`
	}
	out := make([]entry, 0)
	for _, rec := range s.deps.Store.AllRecords() {
		if rec.Quota == nil {
			continue
		}
		out = append(out, entry{
			Key:            meter.TruncateFingerprint(rec.Key),
			Name:           rec.Name,
			DailyCalls:     rec.QuotaDailyCalls,
			DailyCredits:   rec.QuotaDailyCredits,
			MonthlyCalls:   rec.QuotaMonthlyCalls,
			MonthlyCredits: rec.QuotaMonthlyCredits,
			Limits: fmt.Sprintf("%d/%d daily, %d/%d monthly calls/credits",
				rec.Quota.DailyCallLimit, rec.Quota.DailyCreditLimit,
				rec.Quota.MonthlyCallLimit, rec.Quota.MonthlyCreditLimit),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotas": out})
}
