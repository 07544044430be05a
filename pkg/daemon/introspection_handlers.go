package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/introspection"
	"github.com/durapensa/ksi/pkg/kerrors"
)

// registerIntrospectionHandlers wires genealogy reconstruction and
// routing-decision introspection (C7) onto the router.
func (d *Daemon) registerIntrospectionHandlers() {
	d.registerHandler("introspection", "introspection:event_chain", 0, d.handleEventChain)
	d.registerHandler("introspection", "introspection:event_tree", 0, d.handleEventTree)
	d.registerHandler("introspection", "introspection:routing_decisions", 0, d.handleRoutingDecisions)
	d.registerHandler("introspection", "introspection:routing_impact", 0, d.handleRoutingImpact)
}

func (d *Daemon) handleEventChain(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		EventID         string `json:"event_id"`
		CorrelationID   string `json:"correlation_id"`
		RootEventID     string `json:"root_event_id"`
		IncludeChildren bool   `json:"include_children"`
		MaxDepth        int    `json:"max_depth"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}

	entries, err := d.genealogy.EventChain(ctx, introspection.ChainQuery{
		EventID:         payload.EventID,
		CorrelationID:   payload.CorrelationID,
		RootEventID:     payload.RootEventID,
		IncludeChildren: payload.IncludeChildren,
		MaxDepth:        payload.MaxDepth,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
	}
	return mustJSON(map[string]any{"chain": entries, "count": len(entries)}), nil
}

func (d *Daemon) handleEventTree(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		EventID       string `json:"event_id"`
		CorrelationID string `json:"correlation_id"`
		MaxDepth      int    `json:"max_depth"`
		Format        string `json:"format"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	if payload.Format == "" {
		payload.Format = "tree"
	}

	root, edges, err := d.genealogy.EventTree(ctx, introspection.ChainQuery{
		EventID:       payload.EventID,
		CorrelationID: payload.CorrelationID,
		MaxDepth:      payload.MaxDepth,
	}, payload.Format)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
	}

	if payload.Format == "graph" {
		return mustJSON(map[string]any{"edges": edges, "format": "graph"}), nil
	}
	return mustJSON(map[string]any{"root": root, "format": "tree"}), nil
}

func (d *Daemon) handleRoutingDecisions(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		EventName string `json:"event_name"`
		RuleID    string `json:"rule_id"`
		Limit     int    `json:"limit"`
	}
	_ = json.Unmarshal(data, &payload)

	decisions := d.tracker.RoutingDecisions(introspection.RoutingDecisionFilter{
		EventName: payload.EventName,
		RuleID:    payload.RuleID,
		Limit:     payload.Limit,
	})
	return mustJSON(map[string]any{"decisions": decisions, "count": len(decisions)}), nil
}

func (d *Daemon) handleRoutingImpact(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RuleID        string   `json:"rule_id"`
		EventPatterns []string `json:"event_patterns"`
		TimeWindow    float64  `json:"time_window_seconds"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}

	window := time.Duration(payload.TimeWindow * float64(time.Second))
	estimate := d.tracker.RoutingImpact(payload.RuleID, payload.EventPatterns, window)
	return mustJSON(estimate), nil
}
