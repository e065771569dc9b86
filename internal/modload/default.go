package modload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aristath/workerbench/internal/durableobject"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/workflow"
)

// echoHandler answers every request with a small JSON description of
// itself and accepts scheduled triggers as a silent no-op; it has no
// email entrypoint.
// It exists so `workerbench dev` without --module still has something
// to dispatch to, for exercising the bindings directly against
// cdn-cgi/handler/* and the pull/ack queue surface.
type echoHandler struct{}

func (echoHandler) Fetch(_ context.Context, _ *exectx.Context, _ *generation.Env, req *http.Request) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"ok":     true,
		"method": req.Method,
		"url":    req.URL.String(),
		"note":   "no --module registered; this is workerbench's built-in echo handler",
	})
	if err != nil {
		return nil, err
	}
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	return resp, nil
}

func (echoHandler) Scheduled(_ context.Context, _ *exectx.Context, _ *generation.Env, cronExpr string, scheduledTime time.Time) error {
	return nil
}

// Default returns a Module wrapping echoHandler, with no durable-object
// or workflow factories — used when the host program registers neither
// a plugin path nor its own Module.
func Default() *generation.Module {
	return &generation.Module{
		Handler:         echoHandler{},
		ActorFactories:  map[string]durableobject.Factory{},
		WorkflowRunners: map[string]workflow.RunFunc{},
	}
}
