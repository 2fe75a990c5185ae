package server

import (
	"net/http"
	"time"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
)

// keyView is an ApiKeyRecord rendered for admin responses: full fingerprint
// only on creation, truncated everywhere else.
func keyView(rec *keystore.ApiKeyRecord, revealKey bool) map[string]interface{} {
	out := map[string]interface{}{
		"name":       rec.Name,
		"namespace":  rec.Namespace,
		"credits":    rec.Credits,
		"totalSpent": rec.TotalSpent,
		"totalCalls": rec.TotalCalls,
		"active":     rec.Active,
		"suspended":  rec.Suspended,
		"createdAt":  rec.CreatedAt,
	}
	if revealKey {
		out["key"] = rec.Key
	} else {
		out["key"] = meter.TruncateFingerprint(rec.Key)
	}
	if rec.Alias != "" {
		out["alias"] = rec.Alias
	}
	if rec.Group != "" {
		out["group"] = rec.Group
	}
	if rec.ExpiresAt != nil {
		out["expiresAt"] = rec.ExpiresAt
	}
	if rec.LastUsed != nil {
		out["lastUsedAt"] = rec.LastUsed
	}
	if len(rec.AllowedTools) > 0 {
		out["allowedTools"] = rec.AllowedTools
	}
	if len(rec.DeniedTools) > 0 {
		out["deniedTools"] = rec.DeniedTools
	}
	if rec.SpendingLimit > 0 {
		out["spendingLimit"] = rec.SpendingLimit
	}
	if len(rec.Tags) > 0 {
		out["tags"] = rec.Tags
	}
	return out
}

type createKeyRequest struct {
	Name          string                    `json:"name"`
	Credits       int64                     `json:"credits"`
	Alias         string                    `json:"alias,omitempty"`
	Namespace     string                    `json:"namespace,omitempty"`
	AllowedTools  []string                  `json:"allowedTools,omitempty"`
	DeniedTools   []string                  `json:"deniedTools,omitempty"`
	IPAllowlist   []string                  `json:"ipAllowlist,omitempty"`
	SpendingLimit int64                     `json:"spendingLimit,omitempty"`
	ExpiresAt     *time.Time                `json:"expiresAt,omitempty"`
	Quota         *keystore.QuotaConfig     `json:"quota,omitempty"`
	AutoTopup     *keystore.AutoTopupConfig `json:"autoTopup,omitempty"`
	Tags          map[string]string         `json:"tags,omitempty"`
	Group         string                    `json:"group,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.deps.Store.CreateKey(req.Name, req.Credits, &keystore.KeyOptions{
		Alias:         req.Alias,
		Namespace:     req.Namespace,
		AllowedTools:  req.AllowedTools,
		DeniedTools:   req.DeniedTools,
		IPAllowlist:   req.IPAllowlist,
		SpendingLimit: req.SpendingLimit,
		ExpiresAt:     req.ExpiresAt,
		Quota:         req.Quota,
		AutoTopup:     req.AutoTopup,
		Tags:          req.Tags,
		Group:         req.Group,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit("key_created", rec.Key, map[string]interface{}{"name": rec.Name, "credits": rec.Credits})
	writeJSON(w, http.StatusCreated, keyView(rec, true))
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := keystore.ListQuery{
		Namespace:  q.Get("namespace"),
		NamePrefix: q.Get("namePrefix"),
		SortBy:     q.Get("sortBy"),
		SortDesc:   q.Get("order") == "desc",
		Offset:     intParam(q.Get("offset"), 0),
		Limit:      intParam(q.Get("limit"), 50),
	}
	if g := q.Get("group"); g != "" || q.Has("group") {
		query.Group = g
		query.GroupSet = q.Has("group")
	}
	if v := q.Get("active"); v != "" {
		b := v == "true"
		query.Active = &b
	}
	if v := q.Get("suspended"); v != "" {
		b := v == "true"
		query.Suspended = &b
	}
	if v := q.Get("expired"); v != "" {
		b := v == "true"
		query.Expired = &b
	}

	page, total := s.deps.Store.ListKeysFiltered(query)
	views := make([]map[string]interface{}, 0, len(page))
	for _, rec := range page {
		views = append(views, keyView(rec, false))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":   views,
		"total":  total,
		"offset": query.Offset,
	})
}

type keyRequest struct {
	Key string `json:"key"`
}

// keyAction builds a handler for the revoke/suspend/resume family.
func (s *Server) keyAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req keyRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		var ok bool
		switch action {
		case "revoke":
			ok = s.deps.Store.RevokeKey(req.Key)
			if ok && s.deps.Tokens != nil {
				s.deps.Tokens.RevokeByKey(req.Key)
			}
		case "suspend":
			ok = s.deps.Store.SuspendKey(req.Key)
		case "resume":
			ok = s.deps.Store.ResumeKey(req.Key)
		}
		if !ok {
			writeError(w, http.StatusNotFound, "key not found or not eligible")
			return
		}
		s.audit("key_"+action, req.Key, nil)
		writeJSON(w, http.StatusOK, map[string]string{"status": action + "d"})
	}
}

func (s *Server) handleCloneKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		Alias     string `json:"alias,omitempty"`
		Namespace string `json:"namespace,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var opts *keystore.KeyOptions
	if req.Alias != "" || req.Namespace != "" {
		opts = &keystore.KeyOptions{Alias: req.Alias, Namespace: req.Namespace}
	}
	rec, err := s.deps.Store.CloneKey(req.Key, opts)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit("key_cloned", req.Key, map[string]interface{}{"clone": meter.TruncateFingerprint(rec.Key)})
	writeJSON(w, http.StatusCreated, keyView(rec, true))
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.deps.Store.RotateKey(req.Key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit("key_rotated", req.Key, nil)
	writeJSON(w, http.StatusOK, keyView(rec, true))
}

func (s *Server) handleSetACL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key          string   `json:"key"`
		AllowedTools []string `json:"allowedTools"`
		DeniedTools  []string `json:"deniedTools"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetACL(req.Key, req.AllowedTools, req.DeniedTools) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("acl_updated", req.Key, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string     `json:"key"`
		ExpiresAt *time.Time `json:"expiresAt"` // null clears the expiry
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetExpiry(req.Key, req.ExpiresAt) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("expiry_updated", req.Key, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetIPAllowlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string   `json:"key"`
		IPAllowlist []string `json:"ipAllowlist"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetIPAllowlist(req.Key, req.IPAllowlist) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("ip_allowlist_updated", req.Key, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string            `json:"key"`
		Tags map[string]string `json:"tags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetTags(req.Key, req.Tags) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetAutoTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string                    `json:"key"`
		AutoTopup *keystore.AutoTopupConfig `json:"autoTopup"` // null disables
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetAutoTopup(req.Key, req.AutoTopup) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("auto_topup_updated", req.Key, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Alias string `json:"alias"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetAlias(req.Key, req.Alias); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string                `json:"key"`
		Quota *keystore.QuotaConfig `json:"quota"` // null clears
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetQuota(req.Key, req.Quota) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("quota_updated", req.Key, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key     string `json:"key"`
		Credits int64  `json:"credits"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, "credits must be positive")
		return
	}
	if !s.deps.Store.AddCredits(req.Key, req.Credits) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	rec := s.deps.Store.GetKeyRaw(req.Key)
	s.audit("topup", req.Key, map[string]interface{}{"credits": req.Credits})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "credited",
		"credits": rec.Credits,
	})
}

func (s *Server) handleSetSpendingLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Limit int64  `json:"limit"` // 0 clears
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Store.SetSpendingLimit(req.Key, req.Limit) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit("spending_limit_updated", req.Key, map[string]interface{}{"limit": req.Limit})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleExportKeys(w http.ResponseWriter, r *http.Request) {
	filter := &keystore.ExportFilter{Namespace: r.URL.Query().Get("namespace")}
	if v := r.URL.Query().Get("active"); v != "" {
		b := v == "true"
		filter.Active = &b
	}
	records := s.deps.Store.ExportKeys(filter)
	s.audit("keys_exported", "", map[string]interface{}{"count": len(records)})
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": records, "count": len(records)})
}

func (s *Server) handleImportKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []*keystore.ApiKeyRecord `json:"keys"`
		Mode string                   `json:"mode,omitempty"` // skip | overwrite | error
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	mode := keystore.ImportMode(req.Mode)
	if mode == "" {
		mode = keystore.ImportSkip
	}
	results := s.deps.Store.ImportKeys(req.Keys, mode)
	s.audit("keys_imported", "", map[string]interface{}{"count": len(results)})
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) audit(action, fingerprint string, details map[string]interface{}) {
	if s.deps.Audit != nil {
		s.deps.Audit.Record(action, fingerprint, details)
	}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
