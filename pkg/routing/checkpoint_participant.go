package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Collect snapshots every live rule. It implements checkpoint.Participant
// under the registration name "routing_rules".
func (s *Service) Collect(ctx context.Context) (json.RawMessage, error) {
	s.mu.RLock()
	rules := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	s.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}
	return json.Marshal(rules)
}

// Restore replaces the live rule table with data and re-registers each
// rule's transformer, so routing behavior resumes exactly where the
// checkpoint left off. Rules already expired at restore time are
// dropped rather than re-armed.
func (s *Service) Restore(ctx context.Context, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}

	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to unmarshal routing rules checkpoint: %w", err)
	}

	now := time.Now()
	live := rules[:0]
	for _, r := range rules {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		live = append(live, r)
	}

	s.mu.Lock()
	for _, old := range s.rules {
		s.router.UnregisterTransformer(old.RuleID)
	}
	s.rules = make(map[string]*Rule, len(live))
	for _, r := range live {
		s.rules[r.RuleID] = r
	}
	s.mu.Unlock()

	for _, r := range live {
		s.router.RegisterTransformer(ruleToTransformer(r))
	}
	return nil
}
