package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	ksievent "github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/template"
)

// Transformer is a declarative rewrite: when Source matches an emitted
// event and Condition (if any) holds, Mapping is resolved and re-emitted
// as Target. RuleID is set when the transformer backs a dynamic routing
// rule (C6); system transformers loaded from YAML leave it empty.
type Transformer struct {
	Source        string
	Target        string
	Condition     string
	Mapping       map[string]any
	Async         bool
	Foreach       string
	ResponseRoute string
	Priority      int
	RuleID        string
}

// RegisterTransformer adds t to the direct or pattern transformer table,
// keeping each sorted by descending priority so the highest-priority rule
// wins on conflict.
func (r *Router) RegisterTransformer(t *Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isPattern(t.Source) {
		r.patternTransformers = append(r.patternTransformers, t)
		sort.SliceStable(r.patternTransformers, func(i, j int) bool {
			return r.patternTransformers[i].Priority > r.patternTransformers[j].Priority
		})
		return
	}
	r.transformers[t.Source] = append(r.transformers[t.Source], t)
	sort.SliceStable(r.transformers[t.Source], func(i, j int) bool {
		return r.transformers[t.Source][i].Priority > r.transformers[t.Source][j].Priority
	})
}

// UnregisterTransformer removes every transformer whose RuleID matches,
// from both tables. Used by the routing service's modify/delete paths.
func (r *Router) UnregisterTransformer(ruleID string) {
	if ruleID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for src, ts := range r.transformers {
		r.transformers[src] = filterTransformers(ts, ruleID)
	}
	r.patternTransformers = filterTransformers(r.patternTransformers, ruleID)
}

func filterTransformers(ts []*Transformer, ruleID string) []*Transformer {
	out := ts[:0]
	for _, t := range ts {
		if t.RuleID != ruleID {
			out = append(out, t)
		}
	}
	return out
}

// HasTransformer reports whether a transformer with source/target exists,
// used by the checkpoint round-trip invariant.
func (r *Router) HasTransformer(source, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transformers[source] {
		if t.Target == target {
			return true
		}
	}
	for _, t := range r.patternTransformers {
		if t.Source == source && t.Target == target {
			return true
		}
	}
	return false
}

func (r *Router) matchingTransformers(name string) []*Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Transformer
	out = append(out, r.transformers[name]...)
	for _, t := range r.patternTransformers {
		if ksievent.MatchPattern(t.Source, name) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// applyTransformers evaluates every transformer matching ev.EventName and
// re-emits Target for those whose condition holds, recording one routing
// decision for introspection.
func (r *Router) applyTransformers(ctx context.Context, ev *ksievent.Event, ectx *ksievent.Context) {
	transformers := r.matchingTransformers(ev.EventName)
	if len(transformers) == 0 {
		return
	}

	var data map[string]any
	_ = json.Unmarshal(ev.Data, &data)
	if data == nil {
		data = map[string]any{}
	}
	contextMap := contextToMap(ectx)

	decision := RoutingDecision{
		DecisionID: uuid.NewString(),
		EventID:    ev.EventID,
		EventName:  ev.EventName,
		Timestamp:  ev.Timestamp,
	}

	var applied *Transformer
	for _, t := range transformers {
		decision.RulesEvaluated = append(decision.RulesEvaluated, transformerKey(t))

		if t.Condition != "" && !template.EvalCondition(t.Condition, data, contextMap) {
			continue
		}
		decision.RulesMatched = append(decision.RulesMatched, transformerKey(t))
		if applied == nil {
			applied = t
		}

		r.fireTransformer(ctx, t, data, contextMap, ectx)
	}

	if applied != nil {
		decision.RuleApplied = transformerKey(applied)
		decision.TransformationApplied = true
	}
	if r.recorder != nil {
		r.recorder.RecordDecision(decision)
	}
}

func transformerKey(t *Transformer) string {
	if t.RuleID != "" {
		return t.RuleID
	}
	return t.Source + "->" + t.Target
}

func (r *Router) fireTransformer(ctx context.Context, t *Transformer, data map[string]any, contextMap map[string]any, parentCtx *ksievent.Context) {
	mapping := t.Mapping
	if mapping == nil {
		mapping = map[string]any{"$": "{{$}}"}
	}

	if t.Foreach != "" {
		items := foreachItems(t.Foreach, data)
		for i, item := range items {
			itemData := map[string]any{"$": data, "item": item, "index": i}
			r.dispatchTransform(ctx, t, mapping, itemData, contextMap, parentCtx)
		}
		return
	}

	r.dispatchTransform(ctx, t, mapping, data, contextMap, parentCtx)
}

func (r *Router) dispatchTransform(ctx context.Context, t *Transformer, mapping map[string]any, data map[string]any, contextMap map[string]any, parentCtx *ksievent.Context) {
	resolved := template.Resolve(mapping, data, contextMap)
	payload, err := json.Marshal(resolved)
	if err != nil {
		slog.Error("failed to marshal transformer mapping result", "target", t.Target, "error", err)
		return
	}

	emit := func() {
		if _, err := r.Emit(ctx, t.Target, payload, parentCtx); err != nil {
			slog.Error("transformer re-emit failed", "target", t.Target, "error", err)
		}
	}

	if t.Async {
		go emit()
		return
	}
	emit()
}

// foreachItems resolves path (e.g. "data.agents") against data and returns
// its elements, or nil if the path doesn't resolve to a list. foreach paths
// are written with a leading "data" segment naming the event payload (the
// original source's local variable name for it), so the payload is looked
// up under a "data" key rather than treated as the path's own root.
func foreachItems(path string, data map[string]any) []any {
	root := map[string]any{"data": data}
	v := template.Resolve("{{"+path+"}}", root, nil)
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	return items
}

func contextToMap(ectx *ksievent.Context) map[string]any {
	raw, err := json.Marshal(ectx)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}
