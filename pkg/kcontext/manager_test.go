package kcontext

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/event"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.ContextConfig{}
	cfg.SetDefaults()
	cfg.HotCacheSize = 10

	m, err := NewManager(context.Background(), cfg, db)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestCreateRootContext(t *testing.T) {
	m := newTestManager(t)
	ctx := m.Create(nil, nil)

	require.NotEmpty(t, ctx.EventID)
	require.Equal(t, ctx.EventID, ctx.RootEventID)
	require.Empty(t, ctx.ParentEventID)
	require.Equal(t, 0, ctx.EventDepth)
	require.Equal(t, event.RefFor(ctx.EventID), ctx.Ref)
}

func TestCreateChildInheritsAndIncrementsDepth(t *testing.T) {
	m := newTestManager(t)
	root := m.Create(nil, map[string]any{"_agent_id": "a1"})
	child := m.Create(root, nil)

	require.Equal(t, root.CorrelationID, child.CorrelationID)
	require.Equal(t, root.RootEventID, child.RootEventID)
	require.Equal(t, root.EventID, child.ParentEventID)
	require.Equal(t, root.EventDepth+1, child.EventDepth)
	require.Equal(t, "a1", child.AgentID)
}

func TestStoreAndResolveHot(t *testing.T) {
	m := newTestManager(t)
	ctx := m.Create(nil, nil)
	ev := &event.Event{EventID: ctx.EventID, EventName: "a:ping", Timestamp: 1.0}

	ref := m.StoreEvent(ev, ctx)
	require.Equal(t, ctx.Ref, ref)

	got, found, err := m.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ctx.EventID, got.EventID)
}

func TestStoreEventFallsBackToCold(t *testing.T) {
	m := newTestManager(t)
	ctx := m.Create(nil, nil)
	ev := &event.Event{EventID: ctx.EventID, EventName: "a:ping", Timestamp: 1.0}
	m.StoreEvent(ev, ctx)

	// Give the async cold writer a moment, then force a hot-cache miss by
	// purging hot storage directly and resolving again (should fall back
	// to cold).
	time.Sleep(20 * time.Millisecond)
	m.hot.clear()

	got, found, err := m.Resolve(context.Background(), ctx.Ref)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ctx.EventID, got.EventID)
}

func TestResolveUnknownRef(t *testing.T) {
	m := newTestManager(t)
	_, found, err := m.Resolve(context.Background(), "ctx_nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCollectAndRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := m.Create(nil, nil)
	ev := &event.Event{EventID: ctx.EventID, EventName: "a:ping"}
	m.StoreEvent(ev, ctx)

	snap, err := m.Collect(context.Background())
	require.NoError(t, err)

	m2 := newTestManager(t)
	require.NoError(t, m2.Restore(context.Background(), snap))
	require.Equal(t, 1, m2.HotLen())

	got, found, err := m2.Resolve(context.Background(), ctx.Ref)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ctx.EventID, got.EventID)
}

func TestHotEvictionCleansIndexes(t *testing.T) {
	m := newTestManager(t)
	var last *event.Context
	for i := 0; i < 20; i++ {
		last = m.Create(nil, map[string]any{"_agent_id": "a1"})
		m.hot.add(last)
	}
	require.LessOrEqual(t, m.HotLen(), 10)
	// Evicted ids must be gone from the agent index too.
	require.Len(t, m.ByAgentID("a1"), m.HotLen())
	// The most recently added context must still be resolvable.
	_, found := m.hot.getByRef(last.Ref)
	require.True(t, found)
}
