package dispatch

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/assets"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/generation"
)

// Dispatcher holds the state the top-level router's handlers need: the
// generation manager, the pull-consumer cache, and an optional
// static-asset server.
type Dispatcher struct {
	mgr            *generation.Manager
	pulls          *pullConsumers
	assets         *assets.Server
	runWorkerFirst bool
	log            zerolog.Logger
}

// New creates a Dispatcher. assetServer may be nil when no assets
// directory is configured.
func New(db *database.DB, mgr *generation.Manager, assetServer *assets.Server, runWorkerFirst bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mgr:            mgr,
		pulls:          newPullConsumers(db, log),
		assets:         assetServer,
		runWorkerFirst: runWorkerFirst,
		log:            log.With().Str("component", "dispatch").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(err), map[string]string{"error": err.Error()})
}
