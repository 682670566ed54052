// Package expression implements the restricted condition language used by
// workflow transitions.
//
// Supported:
//   - literals: numbers, 'single' or "double" quoted strings, true, false,
//     null, undefined
//   - dotted paths into the evaluation context: data.approved,
//     instance.priority
//   - unary ! and -
//   - arithmetic * / % + - (+ concatenates when either side is a string)
//   - comparisons < <= > >=
//   - equality == != (loose) and === !== (strict)
//   - logical && || with short-circuit
//   - parentheses
//
// There are no function calls, assignments, or index expressions.
package expression

import (
	"fmt"
	"strings"
)

const (
	maxSourceLen = 2048
	maxDepth     = 64
)

// Expr is a parsed condition, safe for concurrent evaluation.
type Expr struct {
	src  string
	root node
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Parse compiles src. Empty or whitespace-only input is rejected.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("expression: empty expression")
	}
	if len(src) > maxSourceLen {
		return nil, fmt.Errorf("expression: longer than %d bytes", maxSourceLen)
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("expression: unexpected %q at %d", t.text, t.pos)
	}
	return &Expr{src: src, root: root}, nil
}

// Roots returns the distinct first segments of every path referenced by the
// expression, in order of appearance.
func (e *Expr) Roots() []string {
	var roots []string
	seen := map[string]bool{}
	walk(e.root, func(n node) {
		if p, ok := n.(*pathNode); ok && !seen[p.parts[0]] {
			seen[p.parts[0]] = true
			roots = append(roots, p.parts[0])
		}
	})
	return roots
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseEquality() (node, error) {
	return p.parseBinary(p.parseRelational, "===", "!==", "==", "!=")
}

func (p *parser) parseRelational() (node, error) {
	return p.parseBinary(p.parseAdditive, "<=", ">=", "<", ">")
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseBinary(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseBinary(p.parseUnary, "*", "/", "%")
}

func (p *parser) parseBinary(operand func() (node, error), ops ...string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{value: t.num}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokLParen:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", closing.pos)
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "undefined":
			return &literalNode{value: nil}, nil
		}
		parts := []string{t.text}
		for p.peek().kind == tokDot {
			p.next()
			seg := p.next()
			if seg.kind != tokIdent {
				return nil, fmt.Errorf("expected property name after . at %d", seg.pos)
			}
			parts = append(parts, seg.text)
		}
		return &pathNode{parts: parts}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func walk(n node, fn func(node)) {
	fn(n)
	switch v := n.(type) {
	case *unaryNode:
		walk(v.operand, fn)
	case *binaryNode:
		walk(v.left, fn)
		walk(v.right, fn)
	case *logicalNode:
		walk(v.left, fn)
		walk(v.right, fn)
	}
}
