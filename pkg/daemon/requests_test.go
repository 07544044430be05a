package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestTrackerOnStartedMovesQueuedToProcessing(t *testing.T) {
	rt := NewRequestTracker()
	rt.onAsync("r1", "agent-1", json.RawMessage(`{"request_id":"r1"}`))
	rt.onStarted("r1")

	raw, err := rt.Collect(context.Background())
	require.NoError(t, err)

	var snapshot struct {
		Queued     []map[string]any `json:"queued"`
		Processing []map[string]any `json:"processing"`
	}
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	require.Empty(t, snapshot.Queued)
	require.Len(t, snapshot.Processing, 1)
	require.Equal(t, "r1", snapshot.Processing[0]["request_id"])
}

func TestRequestTrackerOnFinishedRemovesFromBothSets(t *testing.T) {
	rt := NewRequestTracker()
	rt.onAsync("r1", "agent-1", nil)
	rt.onFinished("r1")

	raw, err := rt.Collect(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"queued":null,"processing":null}`, string(raw))
}

func TestRequestTrackerRestoreSplitsQueuedAndProcessing(t *testing.T) {
	rt := NewRequestTracker()
	snapshot := `{"queued":[{"request_id":"q1","status":"queued"}],"processing":[{"request_id":"p1","status":"processing"}]}`
	require.NoError(t, rt.Restore(context.Background(), json.RawMessage(snapshot)))

	queued, processing := rt.drainRestored()
	require.Len(t, queued, 1)
	require.Equal(t, "q1", queued[0].RequestID)
	require.Len(t, processing, 1)
	require.Equal(t, "p1", processing[0].RequestID)

	// drainRestored clears state; a second call returns nothing.
	queued, processing = rt.drainRestored()
	require.Empty(t, queued)
	require.Empty(t, processing)
}
