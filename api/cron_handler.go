package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexedwards/flow"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/cron"
)

func (a *API) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Scheduler().Entries())
}

func (a *API) setTaskEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := flow.Param(r.Context(), "name")
		sched := a.eng.Scheduler()
		if err := sched.SetEnabled(name, enabled); err != nil {
			writeError(w, mapTaskError(err))
			return
		}
		for _, e := range sched.Entries() {
			if e.Name == name {
				a.logger.Info("maintenance task toggled",
					slog.String("task", name),
					slog.Bool("enabled", enabled),
				)
				writeJSON(w, http.StatusOK, e)
				return
			}
		}
		writeError(w, fmt.Errorf("task %s: %w", name, switchboard.ErrNotFound))
	}
}

// mapTaskError converts scheduler errors to envelope errors.
func mapTaskError(err error) error {
	if errors.Is(err, cron.ErrTaskNotFound) {
		return fmt.Errorf("%w: %v", switchboard.ErrNotFound, err)
	}
	return err
}
