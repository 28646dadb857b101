package approvals

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const pageTemplate = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>ZeroClaw</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center;">
<h2>%s</h2>
<p>%s</p>
</body>
</html>`

// Routes mounts the approval endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/approve", s.handleDecide(true))
	r.Get("/reject", s.handleDecide(false))
	r.Get("/decisions/{decisionID}", s.handleDecisionJSON)
	r.Get("/decisions", s.handlePendingJSON)
}

// handleDecide serves both /approve and /reject. Links are single-shot:
// a reused, superseded or expired link gets a 403.
func (s *Service) handleDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decisionID := r.URL.Query().Get("decision_id")
		token := r.URL.Query().Get("token")
		if decisionID == "" || token == "" {
			writePage(w, http.StatusBadRequest, "Missing parameters", "This link is incomplete.")
			return
		}

		d, err := s.Verify(decisionID, token)
		if err != nil {
			writePage(w, http.StatusForbidden, "Link invalid or expired",
				"This approval link has already been used, was superseded, or has expired.")
			return
		}

		if err := s.Apply(d, approve, clientIP(r), r.UserAgent()); err != nil {
			writePage(w, http.StatusInternalServerError, "Something went wrong",
				"The decision could not be applied. Check the server logs.")
			return
		}

		if approve {
			writePage(w, http.StatusOK, "Approved",
				fmt.Sprintf("Task #%d has been approved and will be scheduled.", d.EntityID))
			return
		}
		writePage(w, http.StatusOK, "Rejected",
			fmt.Sprintf("Task #%d has been rejected.", d.EntityID))
	}
}

func (s *Service) handleDecisionJSON(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDecision(chi.URLParam(r, "decisionID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if d == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// Never expose the hash or salt.
	writeJSON(w, map[string]any{
		"decision_id":  d.DecisionID,
		"entity_type":  d.EntityType,
		"entity_id":    d.EntityID,
		"action":       d.Action,
		"status":       d.Status,
		"requested_at": d.RequestedAt,
		"decided_at":   d.DecidedAt,
		"expires_at":   d.ExpiresAt,
	})
}

func (s *Service) handlePendingJSON(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.ListPendingDecisions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, map[string]any{
			"decision_id":  d.DecisionID,
			"entity_type":  d.EntityType,
			"entity_id":    d.EntityID,
			"action":       d.Action,
			"requested_at": d.RequestedAt,
			"expires_at":   d.ExpiresAt,
		})
	}
	writeJSON(w, out)
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, pageTemplate, html.EscapeString(title), html.EscapeString(body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
