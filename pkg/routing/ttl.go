package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StartTTLSweep runs the expiry sweep every intervalSeconds, matching the
// daemon's other periodic jobs (checkpoint collection, context
// retention). Expired rules are removed and routing:rule_expired is
// emitted for each. intervalSeconds comes from RoutingConfig.TTLSweepSeconds.
func (s *Service) StartTTLSweep(intervalSeconds int) {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	_, err := s.cron.AddFunc(spec, s.sweepExpired)
	if err != nil {
		slog.Error("failed to schedule routing TTL sweep", "error", err)
		return
	}
	s.cron.Start()
}

// StopTTLSweep stops the sweep scheduler. Safe to call even if
// StartTTLSweep was never called.
func (s *Service) StopTTLSweep() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []*Rule
	for id, r := range s.rules {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			expired = append(expired, r)
			delete(s.rules, id)
		}
	}
	s.mu.Unlock()

	for _, r := range expired {
		s.router.UnregisterTransformer(r.RuleID)
		s.recordAudit(context.Background(), "expire", r.RuleID, r.CreatedBy, nil)
		s.emitRuleExpired(r)
	}
}

func (s *Service) emitRuleExpired(r *Rule) {
	payload, err := json.Marshal(map[string]any{"rule_id": r.RuleID, "source_pattern": r.SourcePattern, "target": r.Target})
	if err != nil {
		slog.Error("failed to marshal routing:rule_expired payload", "rule_id", r.RuleID, "error", err)
		return
	}
	if _, err := s.router.Emit(context.Background(), "routing:rule_expired", payload, nil); err != nil {
		slog.Error("failed to emit routing:rule_expired", "rule_id", r.RuleID, "error", err)
	}
}

// HandleParentTerminated removes every rule scoped to parentID in a
// single pass, per the invariant that after
// {agent|orchestration|workflow}:terminated id=X no rule with
// parent_scope.id == X remains. It is intended to be wired as a handler
// on agent:terminated, orchestration:terminated, workflow:terminated,
// and state:entity:deleted.
func (s *Service) HandleParentTerminated(parentID string) {
	s.mu.Lock()
	var removed []*Rule
	for id, r := range s.rules {
		if r.ParentScope != nil && r.ParentScope.ID == parentID {
			removed = append(removed, r)
			delete(s.rules, id)
		}
	}
	s.mu.Unlock()

	for _, r := range removed {
		s.router.UnregisterTransformer(r.RuleID)
		s.recordAudit(context.Background(), "delete", r.RuleID, SystemIdentity, nil)
	}
}
