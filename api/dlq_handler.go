package api

import (
	"net/http"
	"strconv"
)

// listDeadLetters returns the retained dead letters, newest first, with
// the total published since start. limit trims the list.
func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	svc := a.eng.DLQService()
	entries := svc.Recent()
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":   svc.Topic(),
		"count":   svc.Count(),
		"entries": entries,
	})
}
