package introspection

import (
	"time"

	"github.com/durapensa/ksi/pkg/event"
)

// ImpactEstimate is the result of replaying recently tracked routing
// decisions against a hypothetical rule.
type ImpactEstimate struct {
	RuleID          string   `json:"rule_id"`
	WindowSeconds   float64  `json:"time_window"`
	EventsConsidered int     `json:"events_considered"`
	MatchedEventIDs []string `json:"matched_event_ids"`
}

// RoutingImpact estimates how many already-tracked decisions would have
// matched a hypothetical rule with the given source patterns, over the
// trailing timeWindow. This replays logged decisions rather
// than live traffic — a rule is never actually installed to measure it.
func (t *Tracker) RoutingImpact(ruleID string, eventPatterns []string, timeWindow time.Duration) ImpactEstimate {
	all := t.snapshot()

	cutoff := float64(0)
	if timeWindow > 0 && len(all) > 0 {
		cutoff = all[len(all)-1].Timestamp - timeWindow.Seconds()
	}

	est := ImpactEstimate{RuleID: ruleID, WindowSeconds: timeWindow.Seconds()}
	for _, d := range all {
		if d.Timestamp < cutoff {
			continue
		}
		est.EventsConsidered++
		for _, pattern := range eventPatterns {
			if event.MatchPattern(pattern, d.EventName) {
				est.MatchedEventIDs = append(est.MatchedEventIDs, d.EventID)
				break
			}
		}
	}
	return est
}
