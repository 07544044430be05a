package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/durapensa/ksi/pkg/config"
)

// Manager orchestrates collect/restore against the set of registered
// Participants and runs the periodic collection sweep.
type Manager struct {
	cfg     *config.CheckpointConfig
	storage *Storage

	mu           sync.RWMutex
	participants map[string]Participant

	cron *cron.Cron
}

// NewManager creates a Manager. Call Register for every participating
// service before calling Start.
func NewManager(cfg *config.CheckpointConfig, storage *Storage) *Manager {
	return &Manager{
		cfg:          cfg,
		storage:      storage,
		participants: make(map[string]Participant),
		cron:         cron.New(),
	}
}

// Register adds a participant under the given name. The name must be one
// of the keys in participantTables — an unregistered name is a
// programming error caught at Collect time.
func (m *Manager) Register(name string, p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[name] = p
}

// IsEnabled returns whether checkpointing is turned on.
func (m *Manager) IsEnabled() bool {
	return m.cfg != nil && !m.cfg.Disabled
}

// Start schedules the periodic collection sweep (the "periodic" reason).
// It does not block.
func (m *Manager) Start() {
	if !m.IsEnabled() {
		return
	}
	_, err := m.cron.AddFunc("@every 5m", func() {
		if _, err := m.Collect(context.Background(), ReasonPeriodic); err != nil {
			slog.Warn("periodic checkpoint collection failed", "error", err)
		}
	})
	if err != nil {
		slog.Warn("failed to schedule periodic checkpoint", "error", err)
		return
	}
	m.cron.Start()
}

// Stop halts the periodic sweep. Callers typically Collect one final time
// with ReasonShutdown immediately afterward.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Collect emits a collection round to every registered participant,
// merges the results into one Snapshot, and persists it atomically.
func (m *Manager) Collect(ctx context.Context, reason Reason) (*Snapshot, error) {
	if !m.IsEnabled() {
		return nil, fmt.Errorf("checkpointing is disabled")
	}

	m.mu.RLock()
	participants := make(map[string]Participant, len(m.participants))
	for k, v := range m.participants {
		participants[k] = v
	}
	m.mu.RUnlock()

	payloads := make(map[string]json.RawMessage, len(participants))
	totals := make(map[string]int, len(participants))

	for name, p := range participants {
		data, err := p.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("participant %q failed to collect: %w", name, err)
		}
		if data == nil {
			continue
		}
		payloads[name] = data
		totals[name] = countItems(data)
	}

	snap := &Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Reason:    reason,
		Status:    StatusActive,
		Totals:    totals,
	}

	if err := m.storage.Save(ctx, snap, payloads, m.cfg.MaxActive); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("checkpoint collected", "checkpoint_id", snap.ID, "reason", reason, "totals", totals)
	return snap, nil
}

// Restore loads the latest active checkpoint and hands each participant
// its slice back. Context state (the "contexts" participant) is restored
// first, so every other participant sees consistent context data while
// it rehydrates.
func (m *Manager) Restore(ctx context.Context) (*Snapshot, error) {
	snap, payloads, err := m.storage.LoadLatestActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if snap == nil {
		return nil, nil
	}

	m.mu.RLock()
	participants := make(map[string]Participant, len(m.participants))
	for k, v := range m.participants {
		participants[k] = v
	}
	m.mu.RUnlock()

	if p, ok := participants["contexts"]; ok {
		if data, ok := payloads["contexts"]; ok {
			if err := p.Restore(ctx, data); err != nil {
				return nil, fmt.Errorf("failed to restore contexts: %w", err)
			}
		}
	}

	for name, p := range participants {
		if name == "contexts" {
			continue
		}
		data, ok := payloads[name]
		if !ok {
			continue
		}
		if err := p.Restore(ctx, data); err != nil {
			return nil, fmt.Errorf("failed to restore %q: %w", name, err)
		}
	}

	slog.Info("checkpoint restored", "checkpoint_id", snap.ID, "totals", snap.Totals)
	return snap, nil
}

// Status returns every stored checkpoint, newest first. Backs
// `dev:checkpoint {action:"status"}`.
func (m *Manager) Status(ctx context.Context) ([]*Snapshot, error) {
	return m.storage.List(ctx, "")
}

// ClearAll drops every checkpoint. Backs `dev:checkpoint {action:"clear_all"}`.
func (m *Manager) ClearAll(ctx context.Context) error {
	return m.storage.ClearAll(ctx)
}

// countItems estimates a totals count for a participant payload: the
// length of a top-level JSON array, or 1 for any other JSON value.
func countItems(data json.RawMessage) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		return len(arr)
	}
	return 1
}
