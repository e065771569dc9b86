package dispatch

import (
	"net/http"
	"time"

	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/rterr"
)

// handleScheduled implements GET /cdn-cgi/handler/scheduled?cron=<expr>
// (spec.md §6: "manually trigger scheduled handler").
func (d *Dispatcher) handleScheduled(w http.ResponseWriter, r *http.Request) {
	gen := d.mgr.Active()
	if gen == nil {
		writeError(w, rterr.New(rterr.NotFound, "dispatch: no active generation"))
		return
	}
	sh, ok := gen.Handler().(generation.ScheduledHandler)
	if !ok {
		writeError(w, rterr.New(rterr.NotSupported, "dispatch: handler has no scheduled entrypoint"))
		return
	}

	cronExpr := r.URL.Query().Get("cron")
	ectx := exectx.New()
	err := sh.Scheduled(r.Context(), ectx, gen.Env(), cronExpr, time.Now())
	ectx.AwaitAll(0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
