package dispatch

import (
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/rterr"
)

// Router assembles the top-level chi router: the `/cdn-cgi/handler/...`
// control-plane routes, plus a catch-all that falls through to static
// assets and the active generation, in whichever order run_worker_first
// prescribes (spec.md §6).
func (d *Dispatcher) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Post("/cdn-cgi/handler/queues/{queue}/messages/pull", d.handleQueuePull)
	r.Post("/cdn-cgi/handler/queues/{queue}/messages/ack", d.handleQueueAck)
	r.Get("/cdn-cgi/handler/scheduled", d.handleScheduled)
	r.Post("/cdn-cgi/handler/email", d.handleEmail)
	r.NotFound(d.handleFallback)
	r.MethodNotAllowed(d.handleFallback)
	r.Get("/*", d.handleFallback)
	r.Post("/*", d.handleFallback)
	r.Put("/*", d.handleFallback)
	r.Patch("/*", d.handleFallback)
	r.Delete("/*", d.handleFallback)
	r.Head("/*", d.handleFallback)
	r.Options("/*", d.handleFallback)

	return r
}

// handleFallback serves static assets and the active generation's
// handler, ordered by run_worker_first (spec.md §6: "the runtime may
// check assets before or after the handler depending on run_worker_first").
func (d *Dispatcher) handleFallback(w http.ResponseWriter, r *http.Request) {
	if d.assets == nil {
		d.dispatchToGeneration(w, r)
		return
	}

	if d.runWorkerFirst {
		if d.tryGeneration(w, r) {
			return
		}
		d.assets.ServeHTTP(w, r)
		return
	}

	if d.assets.HasAsset(r.URL.Path) {
		d.assets.ServeHTTP(w, r)
		return
	}
	d.dispatchToGeneration(w, r)
}

// tryGeneration dispatches to the active generation and reports whether
// it produced a response, so the caller can fall back to assets when
// run_worker_first is set but no generation is active.
func (d *Dispatcher) tryGeneration(w http.ResponseWriter, r *http.Request) bool {
	gen := d.mgr.Active()
	if gen == nil {
		return false
	}
	d.serveGenerationResponse(w, r, gen)
	return true
}

func (d *Dispatcher) dispatchToGeneration(w http.ResponseWriter, r *http.Request) {
	gen := d.mgr.Active()
	if gen == nil {
		writeError(w, rterr.New(rterr.NotFound, "dispatch: no active generation"))
		return
	}
	d.serveGenerationResponse(w, r, gen)
}

// serveGenerationResponse calls the generation's Fetch and writes the
// resulting *http.Response, bridging a 101 response into a hijacked
// duplex connection for WebSocket upgrades (spec.md §6: "WebSocket
// upgrade: if the handler returns status 101 with a paired socket,
// upgrade the server connection and bridge server<->client events").
func (d *Dispatcher) serveGenerationResponse(w http.ResponseWriter, r *http.Request, gen *generation.Generation) {
	resp, err := gen.Fetch(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		d.bridgeWebSocket(w, resp)
		return
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// bridgeWebSocket hijacks the client connection, replays the 101
// response line and headers, then pipes bytes both ways between the
// hijacked connection and the handler's response body, treated as a
// duplex stream (spec.md §6's WebSocket bridge).
func (d *Dispatcher) bridgeWebSocket(w http.ResponseWriter, resp *http.Response) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		d.log.Error().Err(err).Msg("websocket hijack failed")
		return
	}
	defer conn.Close()

	if _, err := io.WriteString(bufrw, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		d.log.Error().Err(err).Msg("websocket handshake write failed")
		return
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			if _, err := io.WriteString(bufrw, k+": "+v+"\r\n"); err != nil {
				d.log.Error().Err(err).Msg("websocket handshake write failed")
				return
			}
		}
	}
	if _, err := io.WriteString(bufrw, "\r\n"); err != nil {
		d.log.Error().Err(err).Msg("websocket handshake write failed")
		return
	}
	if err := bufrw.Flush(); err != nil {
		d.log.Error().Err(err).Msg("websocket handshake flush failed")
		return
	}

	duplex, ok := resp.Body.(io.ReadWriter)
	if !ok {
		d.log.Warn().Msg("websocket response body is not duplex, closing")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(duplex, bufrw)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(bufrw, duplex)
	}()
	wg.Wait()
}
