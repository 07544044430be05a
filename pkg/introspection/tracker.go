// Package introspection implements event genealogy (chains/trees) and
// routing decision tracking (C7), reconstructed from already-logged
// data rather than live traffic.
package introspection

import (
	"sync"

	"github.com/durapensa/ksi/pkg/router"
)

// MaxTrackedDecisions bounds the in-memory routing decision ring buffer.
const MaxTrackedDecisions = 1000

// Tracker implements router.DecisionRecorder, retaining the most recent
// MaxTrackedDecisions decisions for introspection:routing_decisions and
// introspection:routing_impact.
type Tracker struct {
	mu        sync.Mutex
	decisions []router.RoutingDecision
	next      int
	full      bool
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{decisions: make([]router.RoutingDecision, MaxTrackedDecisions)}
}

// RecordDecision appends d to the ring buffer, evicting the oldest
// decision once capacity is reached.
func (t *Tracker) RecordDecision(d router.RoutingDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decisions[t.next] = d
	t.next = (t.next + 1) % MaxTrackedDecisions
	if t.next == 0 {
		t.full = true
	}
}

// snapshot returns every retained decision, oldest first.
func (t *Tracker) snapshot() []router.RoutingDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]router.RoutingDecision, t.next)
		copy(out, t.decisions[:t.next])
		return out
	}
	out := make([]router.RoutingDecision, MaxTrackedDecisions)
	copy(out, t.decisions[t.next:])
	copy(out[MaxTrackedDecisions-t.next:], t.decisions[:t.next])
	return out
}

// RoutingDecisionFilter narrows RoutingDecisions; zero values are
// unfiltered.
type RoutingDecisionFilter struct {
	EventName string
	RuleID    string
	Limit     int
}

// RoutingDecisions returns matching decisions, most recent first.
func (t *Tracker) RoutingDecisions(filter RoutingDecisionFilter) []router.RoutingDecision {
	all := t.snapshot()

	var out []router.RoutingDecision
	for i := len(all) - 1; i >= 0; i-- {
		d := all[i]
		if filter.EventName != "" && d.EventName != filter.EventName {
			continue
		}
		if filter.RuleID != "" && d.RuleApplied != filter.RuleID && !containsString(d.RulesEvaluated, filter.RuleID) {
			continue
		}
		out = append(out, d)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
