package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Dispatcher is the router's client-facing surface. Both the Unix socket
// and WebSocket listeners decode an envelope, call Dispatch, and frame
// whatever comes back — they never touch routing, transformers, or
// handlers directly.
type Dispatcher interface {
	// Dispatch runs every handler registered for event and returns their
	// results, the response taking the request/response path (emit).
	Dispatch(ctx context.Context, event string, data json.RawMessage, kctx json.RawMessage) ([]json.RawMessage, error)

	// DispatchFirst runs handlers until one returns a non-nil result
	// (emit_first), bounded by timeout when timeout > 0.
	DispatchFirst(ctx context.Context, event string, data json.RawMessage, kctx json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}
