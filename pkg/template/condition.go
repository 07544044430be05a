package template

import (
	"strconv"
	"strings"
)

// EvalCondition substitutes every {{expr}} in cond against data/context,
// then evaluates the resulting text against the minimum comparison
// grammar the source demonstrably exercises: ==, !=, >, <, >=, <=, and,
// or, not, plus string/number literals. Missing or malformed conditions
// evaluate false rather than erroring — transformers are best-effort
// routing, not a general expression language.
func EvalCondition(cond string, data, context map[string]any) bool {
	substituted := substituteForCondition(cond, data, context)
	return evalBoolean(substituted)
}

// substituteForCondition behaves like resolveString but always stringifies,
// since the result feeds a boolean parser rather than being returned as a
// value in its own right.
func substituteForCondition(s string, data, context map[string]any) string {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		val, _ := evalExpr(strings.TrimSpace(expr), data, context)
		sb.WriteString(literalFor(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// literalFor renders a resolved value the way it needs to appear inside a
// condition string so the tokenizer below can re-parse it as a literal.
func literalFor(v any) string {
	switch t := v.(type) {
	case string:
		return "\"" + t + "\""
	case nil:
		return "null"
	default:
		return stringify(t)
	}
}

func evalBoolean(expr string) bool {
	tokens := tokenizeCondition(expr)
	if len(tokens) == 0 {
		return false
	}
	p := &condParser{tokens: tokens}
	return p.parseOr()
}

type condParser struct {
	tokens []string
	pos    int
}

func (p *condParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() bool {
	left := p.parseAnd()
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right := p.parseAnd()
		left = left || right
	}
	return left
}

func (p *condParser) parseAnd() bool {
	left := p.parseNot()
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right := p.parseNot()
		left = left && right
	}
	return left
}

func (p *condParser) parseNot() bool {
	if strings.EqualFold(p.peek(), "not") {
		p.next()
		return !p.parseNot()
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() bool {
	left := p.next()

	op := p.peek()
	switch op {
	case "==", "!=", ">", "<", ">=", "<=":
		p.next()
		right := p.next()
		return compare(left, op, right)
	default:
		return truthy(left)
	}
}

func compare(left, op, right string) bool {
	lf, lok := strconv.ParseFloat(unquote(left), 64)
	rf, rok := strconv.ParseFloat(unquote(right), 64)
	if lok == nil && rok == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls, rs := unquote(left), unquote(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func truthy(tok string) bool {
	switch strings.ToLower(unquote(tok)) {
	case "", "false", "null", "none", "0":
		return false
	default:
		return true
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// tokenizeCondition splits a substituted condition string into literals,
// operators, and keywords, respecting double-quoted string literals.
func tokenizeCondition(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '"':
			cur.WriteRune(c)
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(c)
		case c == ' ' || c == '\t':
			flush()
		case strings.ContainsRune("=!<>", c):
			flush()
			op := string(c)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			tokens = append(tokens, op)
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return tokens
}
