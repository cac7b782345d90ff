package cond

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shono-io/pipex/vars"
)

// ErrUnknownVariable is returned when a condition names a variable that is
// not defined.
var ErrUnknownVariable = errors.New("unknown variable")

// Evaluate parses expr and evaluates it over known. The condition holds only
// when the expression yields exactly boolean true.
//
// Grammar:
//
//	expr    := or
//	or      := and ("or" and)*
//	and     := not ("and" not)*
//	not     := "not" not | cmp
//	cmp     := operand (("=="|"!="|"<"|"<="|">"|">="|"in"|"not" "in") operand)?
//	operand := literal | ident | "[" [expr ("," expr)*] "]" | "(" expr ")"
func Evaluate(expr string, known map[string]any) (bool, error) {
	toks, err := lex(expr)
	if err != nil {
		return false, fmt.Errorf("unable to parse condition %q: %w", expr, err)
	}
	p := &parser{toks: toks, known: known}
	v, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("unable to evaluate condition %q: %w", expr, err)
	}
	if p.peek().kind != tokEOF {
		return false, fmt.Errorf("unable to evaluate condition %q: unexpected %q at %d", expr, p.peek().text, p.peek().pos)
	}
	b, ok := v.(bool)
	return ok && b, nil
}

type parser struct {
	toks  []token
	pos   int
	known map[string]any
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			continue
		}
		left = right
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			continue
		}
		left = right
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.isOp("not") {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		return left, nil
	}
	op := t.text
	switch op {
	case "==", "!=", "<", "<=", ">", ">=", "in":
		p.next()
	case "not":
		if p.toks[p.pos+1].kind != tokOp || p.toks[p.pos+1].text != "in" {
			return left, nil
		}
		p.next()
		p.next()
		op = "not in"
	default:
		return left, nil
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *parser) parseOperand() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "null", "None":
			return nil, nil
		}
		v, ok := vars.Lookup(p.known, t.text)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownVariable, t.text)
		}
		return v, nil
	case tokLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", t.pos)
		}
		return v, nil
	case tokLBracket:
		var items []any
		if p.peek().kind == tokRBracket {
			p.next()
			return items, nil
		}
		for {
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
			switch p.next().kind {
			case tokComma:
				continue
			case tokRBracket:
				return items, nil
			default:
				return nil, fmt.Errorf("expected ',' or ']' in list starting at %d", t.pos)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "in":
		return contains(right, left)
	case "not in":
		in, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		return !in, nil
	}

	if ln, rn, ok := numbers(left, right); ok {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot compare %T %s %T", left, op, right)
	}
	c := strings.Compare(ls, rs)
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func equal(left, right any) bool {
	if ln, rn, ok := numbers(left, right); ok {
		return ln == rn
	}
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if lok && rok {
		return lb == rb
	}
	return vars.Stringify(left) == vars.Stringify(right)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(c, vars.Stringify(item)), nil
	case map[string]any:
		_, ok := c[vars.Stringify(item)]
		return ok, nil
	default:
		return false, fmt.Errorf("'in' needs a list, string or map, got %T", container)
	}
}

// numbers converts both operands to float64 when at least one of them is a
// number and the other is a number or a numeric string.
func numbers(left, right any) (float64, float64, bool) {
	ln, lnum := asNumber(left)
	rn, rnum := asNumber(right)
	if lnum && rnum {
		return ln, rn, true
	}
	if lnum {
		if f, ok := numericString(right); ok {
			return ln, f, true
		}
	}
	if rnum {
		if f, ok := numericString(left); ok {
			return f, rn, true
		}
	}
	return 0, 0, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func numericString(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if n, ok := asNumber(v); ok {
		return n != 0
	}
	return true
}
