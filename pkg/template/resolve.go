// Package template evaluates "{{path}}" / "{{$}}" / "{{fn()}}" /
// "{{x|default}}" expressions against event data and context (C1), plus
// the small comparison grammar transformer conditions use.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var exprPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Resolve walks value recursively — maps, slices, and strings — resolving
// every "{{expr}}" segment found in a string leaf against data (searched
// first) and context (searched when the path starts with "_"). Non-string
// leaves pass through unchanged.
func Resolve(value any, data, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, data, context)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, data, context)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, data, context)
		}
		return out
	default:
		return v
	}
}

// resolveString resolves every {{expr}} in s. When s is exactly one
// expression with no surrounding literal text, the resolved value's
// original type is preserved rather than being stringified.
func resolveString(s string, data, context map[string]any) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		val, _ := evalExpr(strings.TrimSpace(expr), data, context)
		return val
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		val, _ := evalExpr(strings.TrimSpace(expr), data, context)
		sb.WriteString(stringify(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// evalExpr evaluates a single "path" or "path|default" expression.
func evalExpr(expr string, data, context map[string]any) (any, bool) {
	path, def, hasDefault := splitDefault(expr)

	val, found := evalPath(path, data, context)
	if found {
		return val, true
	}
	if hasDefault {
		return parseDefault(def), true
	}
	if s, ok := val.(string); ok && strings.HasPrefix(s, "{{") {
		// Unknown function: keep the literal evalFunction handed back.
		return s, false
	}
	return "", false
}

func splitDefault(expr string) (path, def string, hasDefault bool) {
	idx := strings.Index(expr, "|")
	if idx < 0 {
		return expr, "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+1:]), true
}

// parseDefault interprets a default literal as int/float/bool/null when it
// parses as one, otherwise leaves it as a string.
func parseDefault(def string) any {
	switch def {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if i, err := strconv.ParseInt(def, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(def, 64); err == nil {
		return f
	}
	return def
}

func evalPath(path string, data, context map[string]any) (any, bool) {
	if path == "$" {
		return data, true
	}
	if strings.HasSuffix(path, ")") && strings.Contains(path, "(") {
		return evalFunction(path, data, context)
	}
	if strings.HasPrefix(path, "_") {
		return getByDottedPath(context, path)
	}
	return getByDottedPath(data, path)
}

func evalFunction(expr string, data, context map[string]any) (any, bool) {
	open := strings.Index(expr, "(")
	name := expr[:open]
	argsStr := strings.TrimSuffix(expr[open+1:], ")")

	var args []string
	if strings.TrimSpace(argsStr) != "" {
		args = strings.Split(argsStr, ",")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}

	switch name {
	case "timestamp_utc":
		return nowUTCString(), true
	case "len":
		if len(args) != 1 {
			return expr, false
		}
		v, ok := evalPath(args[0], data, context)
		if !ok {
			return expr, false
		}
		return lengthOf(v), true
	case "upper":
		if len(args) != 1 {
			return expr, false
		}
		v, ok := evalPath(args[0], data, context)
		if !ok {
			return expr, false
		}
		return strings.ToUpper(stringify(v)), true
	case "lower":
		if len(args) != 1 {
			return expr, false
		}
		v, ok := evalPath(args[0], data, context)
		if !ok {
			return expr, false
		}
		return strings.ToLower(stringify(v)), true
	default:
		// Unknown function: leave the template literal in place, non-fatal.
		return "{{" + expr + "}}", false
	}
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case string:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

// getByDottedPath resolves a dotted path with numeric indices ("items.0.name")
// against root, which is expected to be a map[string]any, []any, or scalar.
func getByDottedPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
