package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/kerrors"
	"github.com/durapensa/ksi/pkg/routing"
	"github.com/durapensa/ksi/pkg/transport"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	root := t.TempDir()
	dbDir := filepath.Join(root, "db")
	require.NoError(t, os.MkdirAll(dbDir, 0755))

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Context.Database.Path = filepath.Join(dbDir, "context.db")
	cfg.Routing.Database.Path = filepath.Join(dbDir, "events.db")
	cfg.Checkpoint.Database.Path = filepath.Join(dbDir, "checkpoint.db")
	cfg.Routing.SystemTransformerDir = filepath.Join(root, "lib", "transformers", "system")
	cfg.Transport.UnixSocketPath = filepath.Join(root, "ksid.sock")
	cfg.Transport.WebSocketAddr = ""
	cfg.Logger.File = ""

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.startup(context.Background()))
	t.Cleanup(func() { require.NoError(t, d.Shutdown(context.Background())) })
	return d
}

func TestStartupRegistersEveryModule(t *testing.T) {
	d := newTestDaemon(t)

	names := make(map[string]bool)
	for _, m := range d.modules.list() {
		names[m.Name] = true
	}
	for _, want := range []string{"system", "routing", "introspection", "checkpoint", "requests"} {
		require.True(t, names[want], "expected module %q to be registered", want)
	}
}

func TestSystemHealthReportsHandlerCounts(t *testing.T) {
	d := newTestDaemon(t)

	results, err := d.router.Emit(context.Background(), "system:health", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var health struct {
		Status           string `json:"status"`
		EventsRegistered int    `json:"events_registered"`
	}
	require.NoError(t, json.Unmarshal(results[0], &health))
	require.Equal(t, "healthy", health.Status)
	require.Greater(t, health.EventsRegistered, 0)
}

func TestRoutingAddRuleOverEventBus(t *testing.T) {
	d := newTestDaemon(t)

	payload := mustJSON(map[string]any{
		"rule_id":        "r1",
		"source_pattern": "a:*",
		"target":         "b:copy",
	})
	asSystem := &event.Context{AgentID: routing.SystemIdentity}
	results, err := d.router.Emit(context.Background(), "routing:add_rule", payload, asSystem)
	require.NoError(t, err)
	require.Len(t, results, 1)

	rules := d.routing.QueryRules(routing.QueryFilter{})
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].RuleID)
}

func TestRoutingAddRuleDeniedWithoutCapabilityOverEventBus(t *testing.T) {
	d := newTestDaemon(t)

	payload := mustJSON(map[string]any{
		"rule_id":        "r1",
		"source_pattern": "a:*",
		"target":         "b:copy",
		"token":          "not-a-real-token",
	})
	asAgent := &event.Context{AgentID: "agent-without-grant"}
	results, err := d.router.Emit(context.Background(), "routing:add_rule", payload, asAgent)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.Permission))
	require.Equal(t, "Permission denied", kerrors.MessageOf(err))
	require.Equal(t, map[string]any{"required_capability": "routing_control"}, kerrors.DetailsOf(err))
	require.Empty(t, results)

	resp := transport.NewErrorResponse("routing:add_rule", "", "handler_failure", err)
	require.Equal(t, "Permission denied", resp.Error)
	require.Equal(t, map[string]any{"required_capability": "routing_control"}, resp.Details)

	require.Empty(t, d.routing.QueryRules(routing.QueryFilter{}))
}

func TestModuleInspectReportsUnknownModule(t *testing.T) {
	d := newTestDaemon(t)

	// A handler failure is both converted to a system:error emission (for
	// introspection/propagation) and returned to the synchronous caller
	// so a transport request/response round trip can report it.
	var systemErrors int
	d.router.RegisterHandler("system:error", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		systemErrors++
		return nil, nil
	})

	results, err := d.router.Emit(context.Background(), "module:inspect", mustJSON(map[string]any{
		"module_name": "does-not-exist",
	}), nil)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.NotFound))
	require.Empty(t, results)
	require.Equal(t, 1, systemErrors)
}

func TestRequestTrackerFeedsDevCheckpointListRequests(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.router.Emit(context.Background(), "completion:async", mustJSON(map[string]any{
		"request_id": "req-1",
		"agent_id":   "agent-1",
	}), nil)
	require.NoError(t, err)

	results, err := d.router.Emit(context.Background(), "dev:checkpoint", mustJSON(map[string]any{
		"action": "list_requests",
	}), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var snapshot struct {
		Queued []struct {
			RequestID string `json:"request_id"`
		} `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(results[0], &snapshot))
	require.Len(t, snapshot.Queued, 1)
	require.Equal(t, "req-1", snapshot.Queued[0].RequestID)
}

func TestCheckpointRestoreReannouncesInFlightRequests(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.router.Emit(context.Background(), "completion:async", mustJSON(map[string]any{
		"request_id": "queued-1",
		"agent_id":   "agent-1",
	}), nil)
	require.NoError(t, err)
	_, err = d.router.Emit(context.Background(), "completion:started", mustJSON(map[string]any{
		"request_id": "processing-1",
	}), nil)
	require.NoError(t, err)

	data, err := d.requests.Collect(context.Background())
	require.NoError(t, err)

	var reAnnouncedAsync, reportedFailed int
	d.router.RegisterHandler("completion:async", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		reAnnouncedAsync++
		return nil, nil
	})
	d.router.RegisterHandler("completion:failed", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		reportedFailed++
		return nil, nil
	})

	require.NoError(t, d.requests.Restore(context.Background(), data))
	d.restoreRequests(context.Background())

	require.Equal(t, 1, reAnnouncedAsync)
	require.Equal(t, 1, reportedFailed)
}
