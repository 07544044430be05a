package daemon

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/durapensa/ksi/pkg/event"
)

// requestState mirrors the two stages of in-flight completion tracking
// the original extract_completion_state/restore_completion_state walk:
// queued (seen completion:async, not yet picked up) and processing (seen
// completion:started).
type requestState struct {
	RequestID string          `json:"request_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
}

// RequestTracker is the "requests" checkpoint participant. It remembers
// which completions were queued or in flight when a checkpoint was taken
// so a restart can resume or fail them instead of losing them silently.
type RequestTracker struct {
	mu         sync.Mutex
	queued     map[string]*requestState
	processing map[string]*requestState

	restoredAsync  []*requestState
	restoredFailed []*requestState
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		queued:     make(map[string]*requestState),
		processing: make(map[string]*requestState),
	}
}

func (t *RequestTracker) onAsync(requestID, agentID string, payload json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued[requestID] = &requestState{RequestID: requestID, AgentID: agentID, Payload: payload, Status: "queued"}
}

func (t *RequestTracker) onStarted(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.queued[requestID]; ok {
		delete(t.queued, requestID)
		st.Status = "processing"
		t.processing[requestID] = st
		return
	}
	t.processing[requestID] = &requestState{RequestID: requestID, Status: "processing"}
}

func (t *RequestTracker) onFinished(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queued, requestID)
	delete(t.processing, requestID)
}

// Collect snapshots both the queued and processing sets. Collect never
// errors; an empty tracker collects as {"queued":null,"processing":null}.
func (t *RequestTracker) Collect(ctx context.Context) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := struct {
		Queued     []*requestState `json:"queued"`
		Processing []*requestState `json:"processing"`
	}{}
	for _, st := range t.queued {
		snapshot.Queued = append(snapshot.Queued, st)
	}
	for _, st := range t.processing {
		snapshot.Processing = append(snapshot.Processing, st)
	}
	return json.Marshal(snapshot)
}

// Restore is given to the tracker, not the router, so it cannot emit
// events directly; the daemon drains RestoredAsync/RestoredFailed after
// checkpoint.Restore returns and emits them itself.
func (t *RequestTracker) Restore(ctx context.Context, data json.RawMessage) error {
	var snapshot struct {
		Queued     []*requestState `json:"queued"`
		Processing []*requestState `json:"processing"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = make(map[string]*requestState)
	t.processing = make(map[string]*requestState)
	t.restoredAsync = snapshot.Queued
	t.restoredFailed = snapshot.Processing
	return nil
}

// restoredAsync/restoredFailed hold the requests a restore needs to
// re-announce; drainRestored clears them once the daemon has emitted
// completion:async / completion:failed for each.
func (t *RequestTracker) drainRestored() (queued, processing []*requestState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	queued, processing = t.restoredAsync, t.restoredFailed
	t.restoredAsync, t.restoredFailed = nil, nil
	return queued, processing
}

// registerRequestHandlers tracks completion lifecycle events so a
// checkpoint can capture in-flight work. It does not handle
// system:shutdown; Daemon.Shutdown records the acknowledgments.
func (d *Daemon) registerRequestHandlers() {
	d.registerHandler("requests", "completion:async", 0, d.handleCompletionAsync)
	d.registerHandler("requests", "completion:started", 0, d.handleCompletionStarted)
	d.registerHandler("requests", "completion:result", 0, d.handleCompletionFinished)
	d.registerHandler("requests", "completion:failed", 0, d.handleCompletionFinished)
}

func (d *Daemon) handleCompletionAsync(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RequestID string `json:"request_id"`
		AgentID   string `json:"agent_id"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.RequestID != "" {
		d.requests.onAsync(payload.RequestID, payload.AgentID, data)
	}
	return nil, nil
}

func (d *Daemon) handleCompletionStarted(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.RequestID != "" {
		d.requests.onStarted(payload.RequestID)
	}
	return nil, nil
}

func (d *Daemon) handleCompletionFinished(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.RequestID != "" {
		d.requests.onFinished(payload.RequestID)
	}
	return nil, nil
}

// restoreRequests re-announces whatever RequestTracker.Restore captured:
// queued completions are resubmitted as-is, and requests that were mid
// flight when the daemon stopped are reported failed rather than silently
// dropped, mirroring restore_completion_state in the original.
func (d *Daemon) restoreRequests(ctx context.Context) {
	queued, processing := d.requests.drainRestored()
	for _, st := range queued {
		payload := st.Payload
		if payload == nil {
			payload = mustJSON(map[string]any{"request_id": st.RequestID, "agent_id": st.AgentID})
		}
		if _, err := d.router.Emit(ctx, "completion:async", payload, nil); err != nil {
			continue
		}
	}
	for _, st := range processing {
		_, _ = d.router.Emit(ctx, "completion:failed", mustJSON(map[string]any{
			"request_id": st.RequestID,
			"agent_id":   st.AgentID,
			"reason":     "daemon_restart",
		}), nil)
	}
}
