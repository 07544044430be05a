package daemon

import (
	"context"
	"encoding/json"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/kerrors"
	"github.com/durapensa/ksi/pkg/routing"
)

// routingCallerToken pulls the agent id and capability token out of a
// request's context/payload. The capability token travels in the
// request payload's "token" field rather than _ksi_context, since a
// context override is meant to be inherited by children and a
// single-use capability grant should not be.
func routingCallerToken(ectx *event.Context, data json.RawMessage) (agentID, token string) {
	if ectx != nil {
		agentID = ectx.AgentID
	}
	var payload struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(data, &payload)
	return agentID, payload.Token
}

// registerRoutingHandlers wires the dynamic routing control plane's
// event surface (routing:*) onto the router, translating between wire
// payloads and routing.Service calls.
func (d *Daemon) registerRoutingHandlers() {
	d.registerHandler("routing", "routing:add_rule", 0, d.handleRoutingAddRule)
	d.registerHandler("routing", "routing:modify_rule", 0, d.handleRoutingModifyRule)
	d.registerHandler("routing", "routing:delete_rule", 0, d.handleRoutingDeleteRule)
	d.registerHandler("routing", "routing:query_rules", 0, d.handleRoutingQueryRules)
	d.registerHandler("routing", "routing:get_audit_log", 0, d.handleRoutingAuditLog)
	d.registerHandler("routing", "routing:update_subscription", 0, d.handleRoutingUpdateSubscription)
	d.registerHandler("routing", "routing:spawn_with_routing", 0, d.handleRoutingSpawnWithRouting)

	d.registerHandler("routing", "agent:terminated", 0, d.handleParentTerminated("agent"))
	d.registerHandler("routing", "orchestration:terminated", 0, d.handleParentTerminated("orchestration"))
	d.registerHandler("routing", "workflow:terminated", 0, d.handleParentTerminated("workflow"))
	d.registerHandler("routing", "state:entity:deleted", 0, d.handleEntityDeleted)
}

func (d *Daemon) handleRoutingAddRule(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var rule routing.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	agentID, token := routingCallerToken(ectx, data)
	if err := d.routing.AddRule(ctx, &rule, agentID, token); err != nil {
		return nil, err
	}
	return mustJSON(map[string]any{"rule": rule, "status": "added"}), nil
}

func (d *Daemon) handleRoutingModifyRule(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RuleID string      `json:"rule_id"`
		Rule   routing.Rule `json:"rule"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	agentID, token := routingCallerToken(ectx, data)
	if err := d.routing.ModifyRule(ctx, payload.RuleID, &payload.Rule, agentID, token); err != nil {
		return nil, err
	}
	return mustJSON(map[string]any{"rule": payload.Rule, "status": "modified"}), nil
}

func (d *Daemon) handleRoutingDeleteRule(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RuleID string `json:"rule_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	agentID, token := routingCallerToken(ectx, data)
	if err := d.routing.DeleteRule(ctx, payload.RuleID, agentID, token); err != nil {
		return nil, err
	}
	return mustJSON(map[string]any{"rule_id": payload.RuleID, "status": "deleted"}), nil
}

func (d *Daemon) handleRoutingQueryRules(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		SourcePattern string `json:"source_pattern"`
		ParentScope   struct {
			ID string `json:"id"`
		} `json:"parent_scope"`
	}
	_ = json.Unmarshal(data, &payload)

	rules := d.routing.QueryRules(routing.QueryFilter{
		SourcePattern: payload.SourcePattern,
		ParentScopeID: payload.ParentScope.ID,
	})
	return mustJSON(map[string]any{"rules": rules, "count": len(rules)}), nil
}

func (d *Daemon) handleRoutingAuditLog(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(data, &payload)

	entries := d.routing.GetAuditLog(payload.Limit)
	return mustJSON(map[string]any{"entries": entries, "count": len(entries)}), nil
}

func (d *Daemon) handleRoutingUpdateSubscription(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		AgentID               string `json:"agent_id"`
		SubscriptionLevel     *int   `json:"subscription_level"`
		ErrorSubscriptionLevel *int  `json:"error_subscription_level"`
		Reason                string `json:"reason"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	if payload.AgentID == "" || payload.SubscriptionLevel == nil {
		return nil, kerrors.New(kerrors.Validation, "agent_id and subscription_level are required")
	}

	agentID, token := routingCallerToken(ectx, data)
	update := routing.SubscriptionUpdate{
		TargetAgentID:          payload.AgentID,
		SubscriptionLevel:      *payload.SubscriptionLevel,
		ErrorSubscriptionLevel: payload.ErrorSubscriptionLevel,
		Reason:                 payload.Reason,
	}
	if err := d.routing.UpdateSubscription(ctx, update, agentID, token); err != nil {
		return nil, err
	}
	return mustJSON(map[string]any{
		"agent_id":           payload.AgentID,
		"subscription_level": *payload.SubscriptionLevel,
		"status":             "updated",
	}), nil
}

// handleRoutingSpawnWithRouting emits agent:spawn (handled, if at all, by
// a module outside this daemon core's scope) and, when a parent is
// given, installs the parent↔child broadcast/report routing pair the
// original spawn_with_routing set up inline.
func (d *Daemon) handleRoutingSpawnWithRouting(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		AgentID string `json:"agent_id"`
		Component string `json:"component"`
		Routing struct {
			Parent string `json:"parent"`
		} `json:"routing"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}
	if payload.AgentID == "" || payload.Component == "" {
		return nil, kerrors.New(kerrors.Validation, "agent_id and component are required")
	}

	agentID, token := routingCallerToken(ectx, data)

	if _, err := d.router.Emit(ctx, "agent:spawn", data, ectx); err != nil {
		return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
	}

	var installed []string
	if payload.Routing.Parent != "" {
		parentToChild := &routing.Rule{
			RuleID:        payload.Routing.Parent + "_to_" + payload.AgentID,
			SourcePattern: "orchestration:broadcast",
			Target:        "agent:" + payload.AgentID + ":inbox",
			Priority:      200,
		}
		childToParent := &routing.Rule{
			RuleID:        payload.AgentID + "_to_" + payload.Routing.Parent,
			SourcePattern: "agent:report",
			Target:        "agent:" + payload.Routing.Parent + ":inbox",
			Priority:      200,
		}
		for _, r := range []*routing.Rule{parentToChild, childToParent} {
			if err := d.routing.AddRule(ctx, r, agentID, token); err != nil {
				return nil, err
			}
			installed = append(installed, r.RuleID)
		}
	}

	return mustJSON(map[string]any{
		"agent_id":       payload.AgentID,
		"status":         "spawn_requested",
		"routes_installed": installed,
	}), nil
}

func (d *Daemon) handleParentTerminated(scopeType string) func(context.Context, json.RawMessage, *event.Context) (json.RawMessage, error) {
	return func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		var payload struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &payload)
		if payload.ID != "" {
			d.routing.HandleParentTerminated(payload.ID)
		}
		return nil, nil
	}
}

func (d *Daemon) handleEntityDeleted(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	_ = json.Unmarshal(data, &payload)
	switch payload.Type {
	case "agent", "orchestration", "workflow":
		d.routing.HandleParentTerminated(payload.ID)
	}
	return nil, nil
}
