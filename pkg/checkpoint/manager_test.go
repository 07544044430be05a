package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/config"
)

type fakeParticipant struct {
	collected json.RawMessage
	restored  json.RawMessage
}

func (f *fakeParticipant) Collect(ctx context.Context) (json.RawMessage, error) {
	return f.collected, nil
}

func (f *fakeParticipant) Restore(ctx context.Context, data json.RawMessage) error {
	f.restored = data
	return nil
}

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(context.Background(), db)
	require.NoError(t, err)

	cfg := &config.CheckpointConfig{MaxActive: 5}
	return NewManager(cfg, storage), db
}

func TestManagerCollectAndRestore(t *testing.T) {
	m, _ := newTestManager(t)

	requests := &fakeParticipant{collected: json.RawMessage(`[{"id":"r1"},{"id":"r2"}]`)}
	routing := &fakeParticipant{collected: json.RawMessage(`[{"id":"rule1"}]`)}
	m.Register("requests", requests)
	m.Register("routing_rules", routing)

	snap, err := m.Collect(context.Background(), ReasonManual)
	require.NoError(t, err)
	require.Equal(t, StatusActive, snap.Status)
	require.Equal(t, 2, snap.Totals["requests"])
	require.Equal(t, 1, snap.Totals["routing_rules"])

	restored, err := m.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, snap.ID, restored.ID)
	require.JSONEq(t, `[{"id":"r1"},{"id":"r2"}]`, string(requests.restored))
	require.JSONEq(t, `[{"id":"rule1"}]`, string(routing.restored))
}

func TestManagerArchivesOldCheckpoints(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.MaxActive = 2
	m.Register("contexts", &fakeParticipant{collected: json.RawMessage(`{"n":1}`)})

	var last *Snapshot
	for i := 0; i < 5; i++ {
		snap, err := m.Collect(context.Background(), ReasonPeriodic)
		require.NoError(t, err)
		last = snap
	}

	all, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 5)

	var active int
	for _, s := range all {
		if s.Status == StatusActive {
			active++
		}
	}
	require.Equal(t, 2, active)
	require.Equal(t, StatusActive, last.Status)
}

func TestManagerDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.Disabled = true

	_, err := m.Collect(context.Background(), ReasonManual)
	require.Error(t, err)
}
