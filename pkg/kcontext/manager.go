// Package kcontext implements the context manager (C2): id assignment,
// parent/root/correlation propagation, and the hot (in-memory, LRU +
// TTL) and cold (SQLite) context stores.
package kcontext

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/event"
)

type writeJob struct {
	ev   *event.Event
	ectx *event.Context
}

// Manager is the C2 context manager. It owns the hot and cold context
// stores and is safe for concurrent use.
type Manager struct {
	cfg *config.ContextConfig

	hot  *hotStore
	cold *coldStore

	writeCh chan writeJob
	wg      sync.WaitGroup

	cron      *cron.Cron
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager builds a Manager backed by db for cold storage and starts its
// single cold-storage writer goroutine. Call Start to begin the retention
// sweep cron job and Close to shut both down.
func NewManager(ctx context.Context, cfg *config.ContextConfig, db *sql.DB) (*Manager, error) {
	cold, err := newColdStore(ctx, db)
	if err != nil {
		return nil, err
	}
	hot, err := newHotStore(cfg.HotCacheSize, time.Duration(cfg.HotTTLHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to create hot context store: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		hot:     hot,
		cold:    cold,
		writeCh: make(chan writeJob, 4096),
		done:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.coldWriter()

	return m, nil
}

// coldWriter is the single writer goroutine for the context database,
// serializing cold writes behind a single writer per database.
func (m *Manager) coldWriter() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.writeCh:
			retention := time.Duration(m.cfg.ColdRetentionDays) * 24 * time.Hour
			if err := m.cold.storeContext(context.Background(), job.ectx, retention); err != nil {
				slog.Error("failed to persist context to cold storage", "event_id", job.ev.EventID, "error", err)
			}
		case <-m.done:
			return
		}
	}
}

// Start launches the hourly retention sweep via robfig/cron: it deletes
// expired cold contexts and ages out expired hot entries. Event index
// rows are not deleted by this sweep.
func (m *Manager) Start() {
	m.cron = cron.New()
	_, _ = m.cron.AddFunc("@hourly", func() {
		n, err := m.cold.sweepExpired(context.Background())
		if err != nil {
			slog.Error("context retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("context retention sweep removed expired contexts", "count", n)
		}
		m.hot.ageOut()
	})
	m.cron.Start()
}

// Close stops the retention cron and the cold writer goroutine.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cron != nil {
			m.cron.Stop()
		}
		close(m.done)
		m.wg.Wait()
	})
}

// Create allocates a new, immutable context. When parent is non-nil the
// correlation id, root id, and ambient "_x" overrides are inherited;
// overrides takes precedence over anything inherited. depth is
// parent.EventDepth+1, or 0 at the root.
func (m *Manager) Create(parent *event.Context, overrides map[string]any) *event.Context {
	eventID := uuid.NewString()

	ctx := &event.Context{
		EventID:        eventID,
		EventTimestamp: float64(time.Now().UnixNano()) / 1e9,
		Ref:            event.RefFor(eventID),
	}

	if parent != nil {
		ctx.CorrelationID = parent.CorrelationID
		ctx.RootEventID = parent.RootEventID
		ctx.ParentEventID = parent.EventID
		ctx.EventDepth = parent.EventDepth + 1
		ctx.AgentID = parent.AgentID
		ctx.ClientID = parent.ClientID
		ctx.Session = parent.Session
		if len(parent.Extra) > 0 {
			ctx.Extra = make(map[string]json.RawMessage, len(parent.Extra))
			for k, v := range parent.Extra {
				ctx.Extra[k] = v
			}
		}
	} else {
		ctx.CorrelationID = uuid.NewString()
		ctx.RootEventID = eventID
		ctx.EventDepth = 0
	}

	applyOverrides(ctx, overrides)
	return ctx
}

func applyOverrides(ctx *event.Context, overrides map[string]any) {
	for k, v := range overrides {
		switch k {
		case "_agent_id":
			ctx.AgentID, _ = v.(string)
		case "_client_id":
			ctx.ClientID, _ = v.(string)
		case "_session":
			ctx.Session, _ = v.(string)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if ctx.Extra == nil {
				ctx.Extra = make(map[string]json.RawMessage)
			}
			ctx.Extra[k] = raw
		}
	}
}

// StoreEvent records ev/ectx into hot storage synchronously and enqueues
// the cold-storage write, returning the context's stable ref.
func (m *Manager) StoreEvent(ev *event.Event, ectx *event.Context) string {
	m.hot.add(ectx)

	select {
	case m.writeCh <- writeJob{ev: ev, ectx: ectx}:
	default:
		// Writer queue is saturated; write inline so context is never lost,
		// at the cost of blocking the emitter for this one event.
		retention := time.Duration(m.cfg.ColdRetentionDays) * 24 * time.Hour
		if err := m.cold.storeContext(context.Background(), ectx, retention); err != nil {
			slog.Error("failed to persist context to cold storage (inline)", "event_id", ev.EventID, "error", err)
		}
	}
	return ectx.Ref
}

// Resolve looks up a context by its ref, hot storage first, then cold.
func (m *Manager) Resolve(ctx context.Context, ref string) (*event.Context, bool, error) {
	if ectx, ok := m.hot.getByRef(ref); ok {
		return ectx, true, nil
	}
	return m.cold.resolve(ctx, ref)
}

// ByCorrelationID returns the hot event ids sharing a correlation id.
func (m *Manager) ByCorrelationID(correlationID string) []string {
	return m.hot.byCorrelationID(correlationID)
}

// ByAgentID returns the hot event ids attributed to an agent.
func (m *Manager) ByAgentID(agentID string) []string {
	return m.hot.byAgentID(agentID)
}

// ChildrenOf returns the hot event ids whose parent is eventID.
func (m *Manager) ChildrenOf(eventID string) []string {
	return m.hot.childrenOf(eventID)
}

// HotLen reports how many contexts are currently hot.
func (m *Manager) HotLen() int {
	return m.hot.len()
}
