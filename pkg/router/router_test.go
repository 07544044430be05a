package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/eventlog"
	"github.com/durapensa/ksi/pkg/kcontext"
)

func newTestRouter(t *testing.T) *Router {
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

	return New(ctxMgr, log)
}

func TestEmitInvokesDirectHandler(t *testing.T) {
	r := newTestRouter(t)

	var got json.RawMessage
	r.RegisterHandler("a:ping", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		got = data
		return json.RawMessage(`{"ok":true}`), nil
	})

	results, err := r.Emit(context.Background(), "a:ping", json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.JSONEq(t, `{"ok":true}`, string(results[0]))
	require.JSONEq(t, `{"x":1}`, string(got))
}

func TestEmitInvokesPatternHandler(t *testing.T) {
	r := newTestRouter(t)

	called := false
	r.RegisterHandler("a:*", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	_, err := r.Emit(context.Background(), "a:ping", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.True(t, called)
}

func TestTransformerRewritesAndPreservesCorrelation(t *testing.T) {
	r := newTestRouter(t)

	var gotData json.RawMessage
	var gotCtx, srcCtx *event.Context
	r.RegisterHandler("a:ping", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		srcCtx = ectx
		return nil, nil
	})
	r.RegisterHandler("b:copy", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		gotData = data
		gotCtx = ectx
		return nil, nil
	})
	r.RegisterTransformer(&Transformer{
		Source:   "a:*",
		Target:   "b:copy",
		Priority: 100,
		RuleID:   "r1",
	})

	results, err := r.Emit(context.Background(), "a:ping", json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	require.Empty(t, results)
	require.NotNil(t, gotCtx)
	require.NotNil(t, srcCtx)
	require.Equal(t, srcCtx.CorrelationID, gotCtx.CorrelationID)
	require.Equal(t, srcCtx.EventID, gotCtx.ParentEventID)
	require.JSONEq(t, `{"x":1}`, string(gotData))
}

func TestForeachExpandsPerItem(t *testing.T) {
	r := newTestRouter(t)

	var spawned []string
	r.RegisterHandler("agent:spawn", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		spawned = append(spawned, m["agent_id"].(string))
		return nil, nil
	})
	r.RegisterTransformer(&Transformer{
		Source:  "spawn_many",
		Target:  "agent:spawn",
		Foreach: "data.agents",
		Mapping: map[string]any{
			"agent_id":  "{{item.id}}",
			"component": "{{item.component}}",
		},
		RuleID: "r2",
	})

	input := json.RawMessage(`{"agents":[{"id":"w1","component":"c"},{"id":"w2","component":"c"}]}`)
	_, err := r.Emit(context.Background(), "spawn_many", input, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"w1", "w2"}, spawned)
}

func TestEmitFirstReturnsFirstNonNilResult(t *testing.T) {
	r := newTestRouter(t)
	r.RegisterHandler("a:ping", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"v":1}`), nil
	})

	res, err := r.EmitFirst(context.Background(), "a:ping", json.RawMessage(`{}`), nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(res))
}

func TestUnregisterTransformerRestoresState(t *testing.T) {
	r := newTestRouter(t)
	r.RegisterTransformer(&Transformer{Source: "a:*", Target: "b:copy", RuleID: "r1"})
	require.True(t, r.HasTransformer("a:*", "b:copy"))

	r.UnregisterTransformer("r1")
	require.False(t, r.HasTransformer("a:*", "b:copy"))
}

func TestDepthGuardStopsRunawayRecursion(t *testing.T) {
	r := newTestRouter(t)
	r.maxDepth = 3
	r.RegisterHandler("loop", 0, func(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
		_, _ = r.Emit(ctx, "loop", data, ectx)
		return nil, nil
	})

	_, err := r.Emit(context.Background(), "loop", json.RawMessage(`{}`), nil)
	require.NoError(t, err) // the top-level call succeeds; the depth error goes to the innermost recursive Emit, which the handler discards
}
