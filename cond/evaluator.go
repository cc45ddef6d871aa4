package cond

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// undefined marks the result of resolving a property path that does not
// exist. It is distinct from an explicit null literal only in name; both
// compare equal to each other and unequal to every concrete value.
type undefinedValue struct{}

var undefined = undefinedValue{}

// Evaluator evaluates condition expressions against a context object.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates a condition evaluator. A nil logger is replaced with
// a no-op logger.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger.With(zap.String("component", "cond_evaluator"))}
}

// EvaluateCondition returns true when condition is empty, and otherwise the
// boolean result of the expression. Any parse or evaluation error is logged
// and conservatively reported as false: the step does not run.
func (e *Evaluator) EvaluateCondition(condition string, context map[string]any) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	result, err := e.Evaluate(condition, context)
	if err != nil {
		e.logger.Warn("condition evaluation failed, treating as false",
			zap.String("condition", condition),
			zap.Error(err),
		)
		return false
	}
	return result
}

// Evaluate parses and evaluates the expression, propagating errors to the
// caller. Most callers want EvaluateCondition instead.
func (e *Evaluator) Evaluate(expression string, context map[string]any) (bool, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, fmt.Errorf("empty expression")
	}

	p := &parser{tokens: tokens, context: context}
	value, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return truthy(value), nil
}

// --- Tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

var twoCharOps = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, "&&": true, "||": true,
}

func tokenize(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		if ch == '(' {
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		}

		if ch == '"' || ch == '\'' {
			s, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = next
			continue
		}

		// Three-character operators === and !==
		if i+2 < len(runes) {
			three := string(runes[i : i+3])
			if three == "===" || three == "!==" {
				tokens = append(tokens, token{tkOp, three})
				i += 3
				continue
			}
		}

		if i+1 < len(runes) && twoCharOps[string(runes[i:i+2])] {
			tokens = append(tokens, token{tkOp, string(runes[i : i+2])})
			i += 2
			continue
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negationAllowed(tokens)) {
			literal, next := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, literal})
			i = next
			continue
		}

		if isIdentStart(ch) {
			ident, next := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = next
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	i := start + 1
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// negationAllowed reports whether a '-' starts a negative number literal:
// at the beginning of the expression or right after an operator or '('.
func negationAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// --- Recursive descent parser ---
//
// Precedence, loosest first: || then && then comparisons then unary !.

type parser struct {
	tokens  []token
	pos     int
	context map[string]any
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek() != nil && p.peek().kind == tkOp {
		switch op := p.peek().value; op {
		case "===", "!==", "==", "!=", ">", "<", ">=", "<=":
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(left, op, right), nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "!" {
		p.advance()
		value, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)

	case tkString:
		p.advance()
		return t.value, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "undefined":
			return undefined, nil
		default:
			return resolvePath(t.value, p.context), nil
		}

	case tkLParen:
		p.advance()
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return value, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// --- Evaluation helpers ---

// resolvePath walks a dotted property path rooted at the context object.
// Accessing a property of anything that is not a map yields undefined.
func resolvePath(path string, context map[string]any) any {
	var current any = context
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return undefined
		}
		current, ok = m[part]
		if !ok {
			return undefined
		}
	}
	if current == nil {
		return undefined
	}
	return current
}

func isUndefined(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefinedValue)
	return ok
}

func compare(left any, op string, right any) bool {
	switch op {
	case "===":
		return strictEqual(left, right)
	case "!==":
		return !strictEqual(left, right)
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}
	return ordered(left, op, right)
}

// strictEqual requires matching kinds: numbers compare numerically, strings
// and bools compare directly, and null/undefined only equal each other.
func strictEqual(left, right any) bool {
	if isUndefined(left) || isUndefined(right) {
		return isUndefined(left) && isUndefined(right)
	}
	if lf, lok := asFloat(left); lok {
		rf, rok := asFloat(right)
		return rok && lf == rf
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	return false
}

// looseEqual coerces: numeric comparison when both sides convert to numbers,
// string comparison otherwise.
func looseEqual(left, right any) bool {
	if isUndefined(left) || isUndefined(right) {
		return isUndefined(left) && isUndefined(right)
	}
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			return lf == rf
		}
	}
	return stringify(left) == stringify(right)
}

func ordered(left any, op string, right any) bool {
	if isUndefined(left) || isUndefined(right) {
		return false
	}
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			switch op {
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
	}
	ls, rs := stringify(left), stringify(right)
	switch op {
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

func truthy(v any) bool {
	if isUndefined(v) {
		return false
	}
	switch value := v.(type) {
	case bool:
		return value
	case float64:
		return value != 0
	case int:
		return value != 0
	case string:
		return value != ""
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint:
		return float64(value), true
	}
	return 0, false
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
