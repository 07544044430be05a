package introspection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/router"
)

func TestRecordAndQueryDecisions(t *testing.T) {
	tr := NewTracker()
	tr.RecordDecision(router.RoutingDecision{DecisionID: "d1", EventID: "e1", EventName: "a:ping", RuleApplied: "r1", TransformationApplied: true, Timestamp: 1})
	tr.RecordDecision(router.RoutingDecision{DecisionID: "d2", EventID: "e2", EventName: "b:pong", Timestamp: 2})

	all := tr.RoutingDecisions(RoutingDecisionFilter{})
	require.Len(t, all, 2)
	require.Equal(t, "d2", all[0].DecisionID) // most recent first

	filtered := tr.RoutingDecisions(RoutingDecisionFilter{EventName: "a:ping"})
	require.Len(t, filtered, 1)
	require.Equal(t, "d1", filtered[0].DecisionID)
}

func TestTrackerWrapsAtCapacity(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < MaxTrackedDecisions+10; i++ {
		tr.RecordDecision(router.RoutingDecision{DecisionID: "d", EventID: "e", EventName: "a:ping", Timestamp: float64(i)})
	}

	all := tr.RoutingDecisions(RoutingDecisionFilter{})
	require.Len(t, all, MaxTrackedDecisions)
	require.Equal(t, float64(MaxTrackedDecisions+9), all[0].Timestamp)
}

func TestRoutingImpactFiltersByPatternAndWindow(t *testing.T) {
	tr := NewTracker()
	tr.RecordDecision(router.RoutingDecision{EventID: "e0", EventName: "agent:spawn", Timestamp: 10})
	tr.RecordDecision(router.RoutingDecision{EventID: "e1", EventName: "agent:spawn", Timestamp: 100})
	tr.RecordDecision(router.RoutingDecision{EventID: "e2", EventName: "agent:terminate", Timestamp: 150})
	tr.RecordDecision(router.RoutingDecision{EventID: "e3", EventName: "state:set", Timestamp: 151})

	est := tr.RoutingImpact("hypothetical", []string{"agent:*"}, 60*time.Second)
	require.ElementsMatch(t, []string{"e1", "e2"}, est.MatchedEventIDs)
}
