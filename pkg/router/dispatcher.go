package router

import (
	"context"
	"encoding/json"
	"time"

	ksievent "github.com/durapensa/ksi/pkg/event"
)

// Dispatch implements transport.Dispatcher: it builds a root context from
// the transport-supplied "_ksi_context" overrides and emits.
func (r *Router) Dispatch(ctx context.Context, name string, data json.RawMessage, kctx json.RawMessage) ([]json.RawMessage, error) {
	return r.Emit(ctx, name, data, r.contextFromEnvelope(kctx))
}

// DispatchFirst implements transport.Dispatcher's emit_first path.
func (r *Router) DispatchFirst(ctx context.Context, name string, data json.RawMessage, kctx json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return r.EmitFirst(ctx, name, data, r.contextFromEnvelope(kctx), timeout)
}

// contextFromEnvelope resolves a transport request's "_ksi_context" field.
// If it carries a "_ref" pointing at an already-known context, that
// context becomes the parent (preserving the chain across a round trip
// through a client); otherwise its fields become root-context overrides.
func (r *Router) contextFromEnvelope(kctx json.RawMessage) *ksievent.Context {
	if len(kctx) == 0 {
		return nil
	}

	var asRef struct {
		Ref string `json:"_ref"`
	}
	if err := json.Unmarshal(kctx, &asRef); err == nil && asRef.Ref != "" {
		if ctx, found, err := r.ctxMgr.Resolve(context.Background(), asRef.Ref); err == nil && found {
			return ctx
		}
	}

	var overrides map[string]any
	if err := json.Unmarshal(kctx, &overrides); err != nil {
		return nil
	}
	return r.ctxMgr.Create(nil, overrides)
}
