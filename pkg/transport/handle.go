package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// handleEnvelopeLine decodes one request envelope, dispatches it through
// the router, and writes the response back. Both transports funnel every
// inbound line through this one function so framing is the only thing
// that differs between them.
func handleEnvelopeLine(ctx context.Context, dispatcher Dispatcher, hub *Hub, clientID string, line []byte, w Writer) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = w.WriteEnvelope(NewErrorResponse("", "", "validation", err))
		return
	}

	if req.Event == "monitor:subscribe" {
		var payload struct {
			Patterns []string `json:"patterns"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			_ = w.WriteEnvelope(NewErrorResponse(req.Event, req.CorrelationID, "validation", err))
			return
		}
		hub.Subscribe(clientID, payload.Patterns)
		resp, _ := NewResponse(req.Event, req.CorrelationID, []json.RawMessage{json.RawMessage(`{"subscribed":true}`)})
		_ = w.WriteEnvelope(resp)
		return
	}

	if req.TimeoutMS > 0 {
		result, err := dispatcher.DispatchFirst(ctx, req.Event, req.Data, req.Context, time.Duration(req.TimeoutMS)*time.Millisecond)
		if err != nil {
			_ = w.WriteEnvelope(NewErrorResponse(req.Event, req.CorrelationID, "timeout", err))
			return
		}
		var results []json.RawMessage
		if result != nil {
			results = []json.RawMessage{result}
		}
		resp, err := NewResponse(req.Event, req.CorrelationID, results)
		if err != nil {
			slog.Error("failed to build response envelope", "event", req.Event, "error", err)
			return
		}
		_ = w.WriteEnvelope(resp)
		return
	}

	results, err := dispatcher.Dispatch(ctx, req.Event, req.Data, req.Context)
	if err != nil {
		_ = w.WriteEnvelope(NewErrorResponse(req.Event, req.CorrelationID, "handler_failure", err))
		return
	}

	resp, err := NewResponse(req.Event, req.CorrelationID, results)
	if err != nil {
		slog.Error("failed to build response envelope", "event", req.Event, "error", err)
		return
	}
	_ = w.WriteEnvelope(resp)
}
