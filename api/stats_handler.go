package api

import (
	"net/http"
)

// health reports the store channel state. It answers 503 while the
// channel is not connected.
func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	st := a.eng.Channel().Stats()
	status, code := "ok", http.StatusOK
	if !st.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"channel": st,
	})
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Stats())
}
