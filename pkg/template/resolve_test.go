package template

import (
	"reflect"
	"testing"
)

func TestResolveWholeStringPreservesType(t *testing.T) {
	data := map[string]any{"count": 3}
	got := Resolve("{{count}}", data, nil)
	if got != 3 {
		t.Fatalf("Resolve = %v (%T), want int 3", got, got)
	}
}

func TestResolveDollarReturnsWholeObject(t *testing.T) {
	data := map[string]any{"a": 1, "b": "x"}
	got := Resolve("{{$}}", data, nil)
	if !reflect.DeepEqual(got, map[string]any(data)) {
		t.Fatalf("Resolve({{$}}) = %v, want %v", got, data)
	}
}

func TestResolveMixedLiteralStringifies(t *testing.T) {
	data := map[string]any{"name": "weather"}
	got := Resolve("hello {{name}}!", data, nil)
	if got != "hello weather!" {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolveMissingPathNoDefault(t *testing.T) {
	data := map[string]any{}
	got := Resolve("x={{missing}}", data, nil)
	if got != "x=" {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolveMissingPathWithDefault(t *testing.T) {
	data := map[string]any{}
	got := Resolve("{{missing|42}}", data, nil)
	if got != int64(42) {
		t.Fatalf("Resolve = %v (%T)", got, got)
	}
}

func TestResolveDottedPathWithIndex(t *testing.T) {
	data := map[string]any{
		"items": []any{
			map[string]any{"name": "w1"},
			map[string]any{"name": "w2"},
		},
	}
	got := Resolve("{{items.1.name}}", data, nil)
	if got != "w2" {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolveContextPath(t *testing.T) {
	data := map[string]any{}
	ctx := map[string]any{"_agent_id": "a1"}
	got := Resolve("{{_agent_id}}", data, ctx)
	if got != "a1" {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolveUnknownFunctionLeftLiteral(t *testing.T) {
	data := map[string]any{}
	got := Resolve("{{nope(x)}}", data, nil)
	if got != "{{nope(x)}}" {
		t.Fatalf("Resolve = %v", got)
	}
}

func TestResolveFunctions(t *testing.T) {
	data := map[string]any{"name": "Weather", "items": []any{1, 2, 3}}
	if got := Resolve("{{upper(name)}}", data, nil); got != "WEATHER" {
		t.Fatalf("upper = %v", got)
	}
	if got := Resolve("{{lower(name)}}", data, nil); got != "weather" {
		t.Fatalf("lower = %v", got)
	}
	if got := Resolve("{{len(items)}}", data, nil); got != 3 {
		t.Fatalf("len = %v", got)
	}
}

func TestResolveRecursesIntoMapping(t *testing.T) {
	data := map[string]any{"id": "w1", "component": "c"}
	mapping := map[string]any{
		"agent_id":  "{{id}}",
		"component": "{{component}}",
	}
	got := Resolve(mapping, data, nil).(map[string]any)
	if got["agent_id"] != "w1" || got["component"] != "c" {
		t.Fatalf("Resolve(mapping) = %v", got)
	}
}

func TestResolveRoundTripIdempotence(t *testing.T) {
	data := map[string]any{"a": 1, "b": map[string]any{"c": []any{1, 2, 3}}}
	got := Resolve("{{$}}", data, nil)
	if !reflect.DeepEqual(got, map[string]any(data)) {
		t.Fatalf("round-trip failed: %v vs %v", got, data)
	}
}
