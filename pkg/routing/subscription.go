package routing

import (
	"context"
)

// SubscriptionUpdate changes how broadly an agent is subscribed to
// ambient events; it does not touch the rule table, it only records
// the change in the audit log for now, matching the original's own
// not-yet-wired subscription-level storage.
type SubscriptionUpdate struct {
	TargetAgentID          string
	SubscriptionLevel      int
	ErrorSubscriptionLevel *int
	Reason                 string
}

// UpdateSubscription checks routing_control (unless the caller is the
// system identity) and records the change in the audit log.
func (s *Service) UpdateSubscription(ctx context.Context, update SubscriptionUpdate, agentID, token string) error {
	if err := s.checkCapability(ctx, agentID, token); err != nil {
		return err
	}
	s.recordAudit(ctx, "update_subscription", update.TargetAgentID, agentID, update)
	return nil
}
