package introspection

import (
	"context"
	"sort"

	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/eventlog"
	"github.com/durapensa/ksi/pkg/kcontext"
)

// Genealogy answers event_chain/event_tree/routing queries against the
// context manager (hot path) and reference event log (durable fallback).
type Genealogy struct {
	ctxMgr *kcontext.Manager
	log    *eventlog.Log
}

// NewGenealogy builds a Genealogy over ctxMgr and log.
func NewGenealogy(ctxMgr *kcontext.Manager, log *eventlog.Log) *Genealogy {
	return &Genealogy{ctxMgr: ctxMgr, log: log}
}

// ChainEntry pairs an event with its context, as returned by event_chain.
type ChainEntry struct {
	Event   *event.Event
	Context *event.Context
}

// ChainQuery selects the events to reconstruct. Exactly one of EventID,
// CorrelationID, RootEventID should be set.
type ChainQuery struct {
	EventID         string
	CorrelationID   string
	RootEventID     string
	IncludeChildren bool
	MaxDepth        int
}

type contextResolverAdapter struct {
	mgr *kcontext.Manager
}

func (a contextResolverAdapter) Resolve(ctx context.Context, ref string) (correlationID, agentID string, ok bool) {
	ectx, found, err := a.mgr.Resolve(ctx, ref)
	if err != nil || !found {
		return "", "", false
	}
	return ectx.CorrelationID, ectx.AgentID, true
}

// EventChain returns every event in q's chain, timestamp-ascending,
// resolving hot state first and falling back to the reference log.
func (g *Genealogy) EventChain(ctx context.Context, q ChainQuery) ([]ChainEntry, error) {
	ids, err := g.resolveIDs(ctx, q)
	if err != nil {
		return nil, err
	}

	entries := make([]ChainEntry, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		entry, ok, err := g.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Event.Timestamp < entries[j].Event.Timestamp
	})
	return entries, nil
}

func (g *Genealogy) resolveIDs(ctx context.Context, q ChainQuery) ([]string, error) {
	switch {
	case q.CorrelationID != "":
		ids := g.ctxMgr.ByCorrelationID(q.CorrelationID)
		if len(ids) == 0 {
			rows, err := g.log.Find(ctx, eventlog.Query{CorrelationID: q.CorrelationID}, contextResolverAdapter{g.ctxMgr})
			if err != nil {
				return nil, err
			}
			for _, r := range rows {
				ids = append(ids, r.EventID)
			}
		}
		return ids, nil

	case q.RootEventID != "":
		return g.collectDescendants(ctx, q.RootEventID, q.MaxDepth), nil

	case q.EventID != "":
		ids := []string{q.EventID}
		if q.IncludeChildren {
			ids = append(ids, g.collectDescendants(ctx, q.EventID, q.MaxDepth)...)
		}
		return ids, nil
	}
	return nil, nil
}

// collectDescendants walks the hot parent→children index breadth-first,
// bounded by maxDepth (0 means unbounded). Descendants that have aged
// out of hot storage are not reconstructed — only the log-backed root
// lookup guarantees durability for a single event.
func (g *Genealogy) collectDescendants(ctx context.Context, rootID string, maxDepth int) []string {
	ids := []string{rootID}
	frontier := []string{rootID}
	depth := 0
	for len(frontier) > 0 {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		var next []string
		for _, id := range frontier {
			children := g.ctxMgr.ChildrenOf(id)
			ids = append(ids, children...)
			next = append(next, children...)
		}
		frontier = next
		depth++
	}
	return ids
}

func (g *Genealogy) lookup(ctx context.Context, eventID string) (ChainEntry, bool, error) {
	row, ok, err := g.log.FindByEventID(ctx, eventID)
	if err != nil {
		return ChainEntry{}, false, err
	}
	if !ok {
		return ChainEntry{}, false, nil
	}
	ev, ectx, err := g.log.ReadAt(row)
	if err != nil {
		return ChainEntry{}, false, err
	}
	return ChainEntry{Event: ev, Context: ectx}, true, nil
}
