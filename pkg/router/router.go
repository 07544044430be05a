// Package router implements the daemon's event router (C4): handler and
// transformer registration, direct and wildcard pattern matching,
// concurrent handler invocation, and the transformer runtime (C5) that
// rewrites and re-dispatches events before handlers run.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/durapensa/ksi/pkg/eventlog"
	"github.com/durapensa/ksi/pkg/kcontext"
	"github.com/durapensa/ksi/pkg/kerrors"
	ksievent "github.com/durapensa/ksi/pkg/event"
)

// HandlerFunc handles a single event. Returning (nil, nil) means
// "completed, no result"; a non-nil error is converted into a
// system:error emission by the router and excluded from the caller's
// result list.
type HandlerFunc func(ctx context.Context, data json.RawMessage, ectx *ksievent.Context) (json.RawMessage, error)

// Handler is a registered event or pattern handler.
type Handler struct {
	Pattern  string
	Priority int
	Fn       HandlerFunc
}

// DecisionRecorder receives every routing decision the transformer runtime
// makes, for introspection (C7). Optional: a Router with no recorder set
// still routes correctly, it just isn't introspectable.
type DecisionRecorder interface {
	RecordDecision(d RoutingDecision)
}

// RoutingDecision is one evaluation of the transformer table against a
// single emitted event.
type RoutingDecision struct {
	DecisionID            string
	EventID               string
	EventName             string
	Timestamp             float64
	RulesEvaluated        []string
	RulesMatched          []string
	RuleApplied           string
	TransformationApplied bool
}

// DefaultMaxDepth is the default recursive emit depth guard.
const DefaultMaxDepth = 64

type depthKey struct{}

// Router is the C4 event router. It owns handler and transformer tables
// and the background task set; no other component mutates them directly.
type Router struct {
	mu                  sync.RWMutex
	handlers            map[string][]*Handler
	patternHandlers     []*Handler
	transformers        map[string][]*Transformer
	patternTransformers []*Transformer

	ctxMgr      *kcontext.Manager
	log         *eventlog.Log
	recorder    DecisionRecorder
	broadcaster Broadcaster

	maxDepth int

	tasksMu sync.Mutex
	tasks   map[string]*backgroundTask

	shutdownMu   sync.Mutex
	shutdownAcks map[string]bool
	shuttingDown bool
}

type backgroundTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Router over the given context manager and event log.
func New(ctxMgr *kcontext.Manager, log *eventlog.Log) *Router {
	return &Router{
		handlers:     make(map[string][]*Handler),
		transformers: make(map[string][]*Transformer),
		ctxMgr:       ctxMgr,
		log:          log,
		maxDepth:     DefaultMaxDepth,
		tasks:        make(map[string]*backgroundTask),
		shutdownAcks: make(map[string]bool),
	}
}

// SetDecisionRecorder wires in the introspection module. Called once at
// startup, before any emit.
func (r *Router) SetDecisionRecorder(rec DecisionRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Broadcaster pushes a copy of a matching event to subscribed transport
// clients (the transport Hub). Injected so this package never imports
// pkg/transport directly.
type Broadcaster interface {
	Broadcast(event string, data json.RawMessage)
}

// SetBroadcaster wires in the transport hub so every emit is mirrored to
// monitor:subscribe clients.
func (r *Router) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

func isPattern(name string) bool {
	for _, seg := range ksievent.Segments(name) {
		if seg == "*" {
			return true
		}
	}
	return name == "*"
}

// RegisterHandler inserts h under eventName, keeping the per-name/pattern
// slice sorted by descending priority (ties keep insertion order).
func (r *Router) RegisterHandler(eventName string, priority int, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handler{Pattern: eventName, Priority: priority, Fn: fn}
	if isPattern(eventName) {
		r.patternHandlers = append(r.patternHandlers, h)
		sort.SliceStable(r.patternHandlers, func(i, j int) bool {
			return r.patternHandlers[i].Priority > r.patternHandlers[j].Priority
		})
		return
	}
	r.handlers[eventName] = append(r.handlers[eventName], h)
	sort.SliceStable(r.handlers[eventName], func(i, j int) bool {
		return r.handlers[eventName][i].Priority > r.handlers[eventName][j].Priority
	})
}

func (r *Router) matchingHandlers(name string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Handler
	out = append(out, r.handlers[name]...)
	for _, h := range r.patternHandlers {
		if ksievent.MatchPattern(h.Pattern, name) {
			out = append(out, h)
		}
	}
	return out
}

// HandlerCount returns the number of directly and pattern-registered
// handlers, used by system:health.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.patternHandlers)
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}

// Emit assigns/propagates context, logs the event, applies matching
// transformers, then invokes matching handlers concurrently, joining their
// results. parentCtx may be nil for a root emission.
func (r *Router) Emit(ctx context.Context, name string, data json.RawMessage, parentCtx *ksievent.Context) ([]json.RawMessage, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= r.maxDepth {
		return nil, kerrors.Newf(kerrors.Critical, "emit depth exceeded %d for event %q", r.maxDepth, name)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	ectx := r.ctxMgr.Create(parentCtx, nil)
	ev := &ksievent.Event{
		EventID:    ectx.EventID,
		EventName:  name,
		Timestamp:  ectx.EventTimestamp,
		Data:       data,
		ContextRef: ectx.Ref,
	}
	r.ctxMgr.StoreEvent(ev, ectx)

	if r.log != nil {
		if err := r.log.Append(ctx, ev, ectx); err != nil {
			slog.Error("failed to append event to reference log", "event_name", name, "error", err)
		}
	}

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(name, data)
	}

	r.applyTransformers(ctx, ev, ectx)

	handlers := r.matchingHandlers(name)
	if len(handlers) == 0 {
		return nil, nil
	}

	results := make([]json.RawMessage, 0, len(handlers))
	var resultsMu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			res, err := r.invokeHandler(ctx, h, data, ectx)
			if err != nil {
				r.emitSystemError(ctx, ev, ectx, err)
				resultsMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				resultsMu.Unlock()
				return
			}
			if res == nil {
				return
			}
			resultsMu.Lock()
			results = append(results, res)
			resultsMu.Unlock()
		}(h)
	}
	wg.Wait()

	// A handler failure is surfaced to the synchronous caller (transport
	// request/response, recursive emit from another handler) in addition
	// to the system:error emission above, so permission/validation
	// failures don't read back as an empty success (§7, S4).
	return results, firstErr
}

func (r *Router) invokeHandler(ctx context.Context, h *Handler, data json.RawMessage, ectx *ksievent.Context) (res json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = kerrors.Newf(kerrors.Critical, "handler panic: %v", p)
		}
	}()
	return h.Fn(ctx, data, ectx)
}

// emitSystemError converts a handler/transformer failure into a
// system:error emission. It does not itself propagate the
// error further — that is the job of handlers registered on
// "system:error" by modules outside this core (e.g. the entity store).
func (r *Router) emitSystemError(ctx context.Context, source *ksievent.Event, sourceCtx *ksievent.Context, cause error) {
	payload := map[string]any{
		"error_type":    string(kerrors.KindOf(cause)),
		"error_class":   fmt.Sprintf("%T", cause),
		"error_message": cause.Error(),
		"source": map[string]any{
			"operation":      source.EventName,
			"operation_type": "handler",
		},
		"original_data": json.RawMessage(source.Data),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal system:error payload", "error", err)
		return
	}
	if _, err := r.Emit(ctx, "system:error", raw, sourceCtx); err != nil {
		slog.Error("failed to emit system:error", "error", err)
	}
}

// EmitFirst emits name and returns the first non-nil handler result. If
// timeout is positive and no result arrives in time, it returns a timeout
// error.
func (r *Router) EmitFirst(ctx context.Context, name string, data json.RawMessage, parentCtx *ksievent.Context, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results, err := r.Emit(ctx, name, data, parentCtx)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, kerrors.Wrap(kerrors.Timeout, ctx.Err())
	}
	for _, res := range results {
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}
