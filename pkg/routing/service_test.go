package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/capability"
	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/eventlog"
	"github.com/durapensa/ksi/pkg/kcontext"
	"github.com/durapensa/ksi/pkg/kerrors"
	"github.com/durapensa/ksi/pkg/router"
)

func newTestService(t *testing.T) (*Service, *router.Router) {
	t.Helper()

	ctxDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ctxDB.Close() })

	cfg := &config.ContextConfig{}
	cfg.SetDefaults()
	ctxMgr, err := kcontext.NewManager(context.Background(), cfg, ctxDB)
	require.NoError(t, err)
	t.Cleanup(ctxMgr.Close)

	logDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { logDB.Close() })

	log, err := eventlog.New(context.Background(), t.TempDir(), logDB)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	r := router.New(ctxMgr, log)

	auditDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { auditDB.Close() })

	issuer := capability.NewIssuer([]byte("test-secret"))
	svc, err := NewService(context.Background(), r, issuer, auditDB)
	require.NoError(t, err)

	return svc, r
}

func TestAddRuleRegistersTransformer(t *testing.T) {
	svc, r := newTestService(t)

	var gotData json.RawMessage
	r.RegisterHandler("b:copy", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		gotData = data
		return nil, nil
	})

	err := svc.AddRule(context.Background(), &Rule{
		RuleID:        "r1",
		SourcePattern: "a:*",
		Target:        "b:copy",
		Priority:      100,
	}, SystemIdentity, "")
	require.NoError(t, err)
	require.True(t, r.HasTransformer("a:*", "b:copy"))

	_, err = r.Emit(context.Background(), "a:ping", json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(gotData))
}

func TestAddRuleRejectsSelfLoop(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.AddRule(context.Background(), &Rule{
		RuleID:        "r1",
		SourcePattern: "a:ping",
		Target:        "a:ping",
	}, SystemIdentity, "")
	require.Error(t, err)
}

func TestAddRuleDeniedWithoutCapability(t *testing.T) {
	svc, r := newTestService(t)

	err := svc.AddRule(context.Background(), &Rule{
		RuleID:        "r1",
		SourcePattern: "a:*",
		Target:        "b:copy",
	}, "agent-without-grant", "not-a-real-token")
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.Permission))
	require.Equal(t, "Permission denied", kerrors.MessageOf(err))
	require.Equal(t, map[string]any{"required_capability": capability.RoutingControl}, kerrors.DetailsOf(err))
	require.False(t, r.HasTransformer("a:*", "b:copy"))
	require.Empty(t, svc.QueryRules(QueryFilter{}))
}

func TestAddRuleAllowedWithCapabilityGrant(t *testing.T) {
	svc, r := newTestService(t)

	token, err := svc.issuer.Issue("agent-1", capability.RoutingControl, time.Minute)
	require.NoError(t, err)

	err = svc.AddRule(context.Background(), &Rule{
		RuleID:        "r1",
		SourcePattern: "a:*",
		Target:        "b:copy",
	}, "agent-1", token)
	require.NoError(t, err)
	require.True(t, r.HasTransformer("a:*", "b:copy"))
}

func TestDeleteRuleRestoresPriorState(t *testing.T) {
	svc, r := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy",
	}, SystemIdentity, ""))
	require.True(t, r.HasTransformer("a:*", "b:copy"))

	require.NoError(t, svc.DeleteRule(context.Background(), "r1", SystemIdentity, ""))
	require.False(t, r.HasTransformer("a:*", "b:copy"))
	require.Empty(t, svc.QueryRules(QueryFilter{}))
}

func TestModifyRulePreservesCreationMetadata(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.issuer.Issue("agent-1", capability.RoutingControl, time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy",
	}, "agent-1", token))

	err = svc.ModifyRule(context.Background(), "r1", &Rule{
		SourcePattern: "a:*",
		Target:        "c:copy",
	}, "agent-1", token)
	require.NoError(t, err)

	rules := svc.QueryRules(QueryFilter{})
	require.Len(t, rules, 1)
	require.Equal(t, "c:copy", rules[0].Target)
	require.Equal(t, "agent-1", rules[0].CreatedBy)
}

func TestQueryRulesFiltersByParentScope(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy",
		ParentScope: &ParentScope{Type: "agent", ID: "agent-1"},
	}, SystemIdentity, ""))
	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r2", SourcePattern: "x:*", Target: "y:copy",
		ParentScope: &ParentScope{Type: "agent", ID: "agent-2"},
	}, SystemIdentity, ""))

	rules := svc.QueryRules(QueryFilter{ParentScopeID: "agent-1"})
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].RuleID)
}

func TestHandleParentTerminatedRemovesScopedRules(t *testing.T) {
	svc, r := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy",
		ParentScope: &ParentScope{Type: "agent", ID: "agent-1"},
	}, SystemIdentity, ""))
	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r2", SourcePattern: "x:*", Target: "y:copy",
	}, SystemIdentity, ""))

	svc.HandleParentTerminated("agent-1")

	require.False(t, r.HasTransformer("a:*", "b:copy"))
	require.True(t, r.HasTransformer("x:*", "y:copy"))
	require.Len(t, svc.QueryRules(QueryFilter{}), 1)
}

func TestSweepExpiredRemovesExpiredRules(t *testing.T) {
	svc, r := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy", TTLSeconds: 1,
	}, SystemIdentity, ""))

	past := time.Now().Add(-time.Minute)
	svc.mu.Lock()
	svc.rules["r1"].ExpiresAt = &past
	svc.mu.Unlock()

	var expiredEvents int
	r.RegisterHandler("routing:rule_expired", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		expiredEvents++
		return nil, nil
	})

	svc.sweepExpired()

	require.False(t, r.HasTransformer("a:*", "b:copy"))
	require.Empty(t, svc.QueryRules(QueryFilter{}))
	require.Equal(t, 1, expiredEvents)
}

func TestGetAuditLogOrdersNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{RuleID: "r1", SourcePattern: "a:*", Target: "b:copy"}, SystemIdentity, ""))
	require.NoError(t, svc.DeleteRule(context.Background(), "r1", SystemIdentity, ""))

	entries := svc.GetAuditLog(0)
	require.Len(t, entries, 2)
	require.Equal(t, "delete", entries[0].Op)
	require.Equal(t, "add", entries[1].Op)
}

func TestCollectRestoreRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.AddRule(context.Background(), &Rule{
		RuleID: "r1", SourcePattern: "a:*", Target: "b:copy",
	}, SystemIdentity, ""))

	data, err := svc.Collect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	svc2, r2 := newTestService(t)
	require.NoError(t, svc2.Restore(context.Background(), data))
	require.True(t, r2.HasTransformer("a:*", "b:copy"))
	require.Len(t, svc2.QueryRules(QueryFilter{}), 1)
}
