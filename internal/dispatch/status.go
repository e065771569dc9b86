// Package dispatch implements the top-level HTTP entry point (spec.md
// §6): the pull-consumer lease/ack surface, manual scheduled/email
// triggers, and the fallback route to the active generation.
package dispatch

import (
	"errors"
	"net/http"

	"github.com/aristath/workerbench/internal/rterr"
)

// statusForKind maps an rterr.Kind to the HTTP status the dispatcher's
// own handlers respond with (spec.md §7's table, collapsed to status
// codes for routes this package serves directly rather than proxying
// to a generation's handler).
func statusForKind(err error) int {
	var rerr *rterr.Error
	if !errors.As(err, &rerr) {
		return http.StatusInternalServerError
	}
	switch rerr.Kind {
	case rterr.InvalidInput:
		return http.StatusBadRequest
	case rterr.NotFound:
		return http.StatusNotFound
	case rterr.LimitExceeded:
		return http.StatusTooManyRequests
	case rterr.NotSupported:
		return http.StatusNotImplemented
	case rterr.Conflict:
		return http.StatusConflict
	case rterr.Aborted:
		return http.StatusServiceUnavailable
	case rterr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
