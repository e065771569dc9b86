// Package queue implements the persistent at-least-once message queue
// (spec.md §4.4): a shared SQLite-backed log per queue name, a producer,
// a push consumer (poll loop with batch delivery), and a pull consumer
// (lease/ack over HTTP).
package queue

import (
	"encoding/json"

	"github.com/aristath/workerbench/internal/rterr"
)

// ContentType is how a message body is encoded on the wire and at rest.
type ContentType string

const (
	ContentJSON  ContentType = "json"
	ContentText  ContentType = "text"
	ContentBytes ContentType = "bytes"
	// ContentV8 is Cloudflare's V8-structured-clone serialization. Real
	// structured-clone isn't reproducible outside V8; per spec.md §9 Open
	// Questions this is intentionally approximated with the JSON codec,
	// and that fallback is preserved verbatim rather than hidden.
	ContentV8 ContentType = "v8"
)

// Encode serializes value into storage bytes per contentType.
func Encode(contentType ContentType, value any) ([]byte, error) {
	switch contentType {
	case ContentJSON, ContentV8:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, rterr.Wrap(rterr.InvalidInput, err, "queue: encode %s body", contentType)
		}
		return raw, nil
	case ContentText:
		s, ok := value.(string)
		if !ok {
			return nil, rterr.New(rterr.InvalidInput, "queue: text body must be a string")
		}
		return []byte(s), nil
	case ContentBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, rterr.New(rterr.InvalidInput, "queue: bytes body must be []byte")
		}
		return b, nil
	default:
		return nil, rterr.New(rterr.InvalidInput, "queue: unknown content type %q", contentType)
	}
}

// Decode turns storage bytes back into a Go value per contentType.
func Decode(contentType ContentType, raw []byte) (any, error) {
	switch contentType {
	case ContentJSON, ContentV8:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "queue: decode %s body", contentType)
		}
		return v, nil
	case ContentText:
		return string(raw), nil
	case ContentBytes:
		return raw, nil
	default:
		return nil, rterr.New(rterr.Internal, "queue: unknown content type %q", contentType)
	}
}
