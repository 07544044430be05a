package kcontext

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/durapensa/ksi/pkg/event"
)

// hotRecord is the denormalized record kept for every event while it is
// hot: its context plus the wall-clock time it was added, used for
// TTL-based aging independent of LRU eviction pressure.
type hotRecord struct {
	context *event.Context
	addedAt time.Time
}

// hotStore is the in-memory, LRU-bounded, TTL-aged index of recent
// contexts, ported from ksi_daemon/core/context_manager.py's
// InMemoryHotStorage: a primary cache keyed by event id, plus four
// secondary indexes that must be kept in lockstep with every add/evict.
type hotStore struct {
	mu  sync.Mutex
	ttl time.Duration

	cache *lru.Cache // event_id -> *hotRecord

	byRef         map[string]string   // ref -> event_id
	byCorrelation map[string][]string // correlation_id -> []event_id
	byAgent       map[string][]string // agent_id -> []event_id
	children      map[string][]string // parent_event_id -> []child event_id
}

func newHotStore(capacity int, ttl time.Duration) (*hotStore, error) {
	h := &hotStore{
		ttl:           ttl,
		byRef:         make(map[string]string),
		byCorrelation: make(map[string][]string),
		byAgent:       make(map[string][]string),
		children:      make(map[string][]string),
	}
	cache, err := lru.NewWithEvict(capacity, h.onEvict)
	if err != nil {
		return nil, err
	}
	h.cache = cache
	return h, nil
}

// onEvict is invoked by the LRU cache itself when capacity pressure evicts
// an entry; it must be called with h.mu already held since golang-lru
// invokes it synchronously from within Add/Remove.
func (h *hotStore) onEvict(key, value any) {
	rec := value.(*hotRecord)
	h.removeIndexes(key.(string), rec.context)
}

func (h *hotStore) removeIndexes(eventID string, ctx *event.Context) {
	delete(h.byRef, ctx.Ref)

	h.byCorrelation[ctx.CorrelationID] = removeString(h.byCorrelation[ctx.CorrelationID], eventID)
	if len(h.byCorrelation[ctx.CorrelationID]) == 0 {
		delete(h.byCorrelation, ctx.CorrelationID)
	}

	if ctx.AgentID != "" {
		h.byAgent[ctx.AgentID] = removeString(h.byAgent[ctx.AgentID], eventID)
		if len(h.byAgent[ctx.AgentID]) == 0 {
			delete(h.byAgent, ctx.AgentID)
		}
	}

	if ctx.ParentEventID != "" {
		h.children[ctx.ParentEventID] = removeString(h.children[ctx.ParentEventID], eventID)
		if len(h.children[ctx.ParentEventID]) == 0 {
			delete(h.children, ctx.ParentEventID)
		}
	}
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// add inserts ctx into the primary cache and every secondary index.
func (h *hotStore) add(ctx *event.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache.Add(ctx.EventID, &hotRecord{context: ctx, addedAt: time.Now()})
	h.byRef[ctx.Ref] = ctx.EventID
	h.byCorrelation[ctx.CorrelationID] = append(h.byCorrelation[ctx.CorrelationID], ctx.EventID)
	if ctx.AgentID != "" {
		h.byAgent[ctx.AgentID] = append(h.byAgent[ctx.AgentID], ctx.EventID)
	}
	if ctx.ParentEventID != "" {
		h.children[ctx.ParentEventID] = append(h.children[ctx.ParentEventID], ctx.EventID)
	}
}

func (h *hotStore) getByEventID(eventID string) (*event.Context, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.cache.Get(eventID)
	if !ok {
		return nil, false
	}
	rec := v.(*hotRecord)
	if h.ttl > 0 && time.Since(rec.addedAt) > h.ttl {
		h.cache.Remove(eventID) // triggers onEvict, cleans indexes
		return nil, false
	}
	return rec.context, true
}

func (h *hotStore) getByRef(ref string) (*event.Context, bool) {
	h.mu.Lock()
	eventID, ok := h.byRef[ref]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.getByEventID(eventID)
}

func (h *hotStore) byCorrelationID(correlationID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.byCorrelation[correlationID]))
	copy(out, h.byCorrelation[correlationID])
	return out
}

func (h *hotStore) byAgentID(agentID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.byAgent[agentID]))
	copy(out, h.byAgent[agentID])
	return out
}

func (h *hotStore) childrenOf(eventID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.children[eventID]))
	copy(out, h.children[eventID])
	return out
}

// ageOut removes every entry whose TTL has expired regardless of LRU
// position, matching _age_out_old_events. Returns the number removed.
func (h *hotStore) ageOut() int {
	if h.ttl <= 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []string
	for _, key := range h.cache.Keys() {
		v, ok := h.cache.Peek(key)
		if !ok {
			continue
		}
		rec := v.(*hotRecord)
		if time.Since(rec.addedAt) > h.ttl {
			expired = append(expired, key.(string))
		}
	}
	for _, key := range expired {
		h.cache.Remove(key) // triggers onEvict
	}
	return len(expired)
}

func (h *hotStore) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Len()
}

// all returns every context currently hot, used by Snapshot.
func (h *hotStore) all() []*event.Context {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*event.Context, 0, h.cache.Len())
	for _, key := range h.cache.Keys() {
		v, ok := h.cache.Peek(key)
		if !ok {
			continue
		}
		out = append(out, v.(*hotRecord).context)
	}
	return out
}

// clear empties every index, used by Restore before rehydration.
func (h *hotStore) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache.Purge()
	h.byRef = make(map[string]string)
	h.byCorrelation = make(map[string][]string)
	h.byAgent = make(map[string][]string)
	h.children = make(map[string][]string)
}
