package dispatch

import (
	"io"
	"net/http"

	"github.com/aristath/workerbench/internal/bindings/email"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/rterr"
)

// handleEmail implements POST /cdn-cgi/handler/email?from=&to= (spec.md
// §6: "feed an email into the handler; body is raw RFC-5322 bytes").
func (d *Dispatcher) handleEmail(w http.ResponseWriter, r *http.Request) {
	gen := d.mgr.Active()
	if gen == nil {
		writeError(w, rterr.New(rterr.NotFound, "dispatch: no active generation"))
		return
	}
	eh, ok := gen.Handler().(generation.EmailHandler)
	if !ok {
		writeError(w, rterr.New(rterr.NotSupported, "dispatch: handler has no email entrypoint"))
		return
	}

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := email.ParseForwardable(from, to, raw); err != nil {
		writeError(w, err)
		return
	}

	if binding, ok := gen.Env().Email["default"]; ok {
		_ = binding.RecordForwarded(r.Context(), from, to, raw)
	}

	ectx := exectx.New()
	err = eh.Email(r.Context(), ectx, gen.Env(), from, to, raw)
	ectx.AwaitAll(0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
