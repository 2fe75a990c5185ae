package server

import (
	"fmt"
	"html"
	"net/http"
	"time"
)

// handleBalance serves the caller's own balance. Unknown or unusable keys
// get a 404 so the endpoint cannot be used to probe for valid fingerprints.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	rec := s.deps.Store.GetKey(apiKeyFrom(r))
	if rec == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	out := map[string]interface{}{
		"name":       rec.Name,
		"credits":    rec.Credits,
		"totalSpent": rec.TotalSpent,
		"totalCalls": rec.TotalCalls,
	}
	if rec.ExpiresAt != nil {
		out["expiresAt"] = rec.ExpiresAt
	}
	if s.deps.Grants != nil {
		if expiring := s.deps.Grants.GetExpiringSoon(rec.Key, 72*time.Hour); len(expiring) > 0 {
			// the caller already holds the key; never echo the fingerprint
			views := make([]map[string]interface{}, 0, len(expiring))
			for _, gr := range expiring {
				views = append(views, map[string]interface{}{
					"id":              gr.ID,
					"remainingAmount": gr.RemainingAmount,
					"expiresAt":       gr.ExpiresAt,
					"source":          gr.Source,
				})
			}
			out["expiringGrants"] = views
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDashboard renders a minimal operator landing page. No key material
// or per-key data appears here; it links the machine-readable surfaces.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Usage.GetSummary()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<table border="1" cellpadding="4">
<tr><td>Keys</td><td>%d</td></tr>
<tr><td>Total calls</td><td>%d</td></tr>
<tr><td>Credits spent</td><td>%d</td></tr>
<tr><td>Denied calls</td><td>%d</td></tr>
</table>
<p><a href="/metrics">metrics</a> &middot; <a href="/health">health</a></p>
</body>
</html>
`,
		html.EscapeString(s.serverName), html.EscapeString(s.serverName),
		s.deps.Store.Len(), summary.TotalCalls, summary.TotalCreditsSpent, summary.TotalDenied)
}
