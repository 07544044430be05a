package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/capability"
)

func TestUpdateSubscriptionDeniedWithoutCapability(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpdateSubscription(context.Background(), SubscriptionUpdate{
		TargetAgentID:     "agent-1",
		SubscriptionLevel: 2,
	}, "agent-without-grant", "not-a-real-token")
	require.Error(t, err)
	require.Empty(t, svc.GetAuditLog(0))
}

func TestUpdateSubscriptionRecordsAuditEntry(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.issuer.Issue("agent-1", capability.RoutingControl, time.Minute)
	require.NoError(t, err)

	err = svc.UpdateSubscription(context.Background(), SubscriptionUpdate{
		TargetAgentID:     "agent-1",
		SubscriptionLevel: 2,
		Reason:            "testing",
	}, "agent-1", token)
	require.NoError(t, err)

	entries := svc.GetAuditLog(0)
	require.Len(t, entries, 1)
	require.Equal(t, "update_subscription", entries[0].Op)
	require.Equal(t, "agent-1", entries[0].RuleID)
}

func TestUpdateSubscriptionAllowedForSystemIdentity(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpdateSubscription(context.Background(), SubscriptionUpdate{
		TargetAgentID:     "agent-2",
		SubscriptionLevel: 0,
	}, SystemIdentity, "")
	require.NoError(t, err)
	require.Len(t, svc.GetAuditLog(0), 1)
}
