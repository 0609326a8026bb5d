package api

import (
	"net/http"
	"strconv"
)

const (
	defaultActivityCount = 50
	maxActivityCount     = 1000
)

// activityLogs returns the newest activity entries. count defaults to 50
// and is capped at 1000.
func (a *API) activityLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultActivityCount
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, badRequest("count must be a positive integer"))
			return
		}
		n = min(parsed, maxActivityCount)
	}
	entries := a.eng.Activity().Recent(r.Context(), n)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"count":   len(entries),
		"entries": entries,
	})
}
