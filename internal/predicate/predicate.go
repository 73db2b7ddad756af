// Package predicate implements the executor-matching grammar referenced by
// spec.md section 4.5 ("predicate, an opaque string matched against
// tags by an externally specified grammar — this package treats the exact
// grammar as out of scope and implements one concrete, adequate grammar so
// the rest of the system has something real to dispatch against").
//
// The grammar is a small boolean expression language over tag paths:
//
//	os=linux
//	os=linux AND region=eu
//	(os=linux OR os=darwin) AND NOT maintenance=true
//
// A dotted path on the left of = (a.b.c) walks a TagTree of nested maps
// down to a string leaf and compares it for equality.
package predicate

import (
	"fmt"
	"strings"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
)

// Matcher evaluates predicate strings against a TagTree. It is the
// dependency boundary the rest of the system (registry.ListConnected,
// dispatcher.Launch) programs against, so a different grammar can be
// swapped in without touching dispatch logic.
type Matcher interface {
	Match(predicate string, tags domain.TagTree) (bool, error)
}

// Default is the concrete grammar described in the package doc.
type Default struct{}

// Match parses and evaluates predicate against tags.
func (Default) Match(predicate string, tags domain.TagTree) (bool, error) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return true, nil
	}
	p := &parser{tokens: tokenize(predicate)}
	expr, err := p.parseOr()
	if err != nil {
		return false, ferrors.New(ferrors.PredicateParse, "%v", err)
	}
	if !p.atEnd() {
		return false, ferrors.New(ferrors.PredicateParse, "unexpected trailing input near %q", p.remainder())
	}
	return expr.eval(tags), nil
}

// --- tokenizer ---

func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '(' || c == ')':
			flush()
			tokens = append(tokens, string(c))
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// --- parser: OR > AND > NOT > atom, left-associative ---

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) remainder() string {
	if p.atEnd() {
		return ""
	}
	return strings.Join(p.tokens[p.pos:], " ")
}

func (p *parser) peek() string {
	if p.atEnd() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

type expr interface {
	eval(tags domain.TagTree) bool
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (expr, error) {
	if strings.EqualFold(p.peek(), "NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (expr, error) {
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("expected ')' near %q", p.remainder())
		}
		p.next()
		return inner, nil
	}

	tok := p.next()
	if tok == "" {
		return nil, fmt.Errorf("unexpected end of predicate")
	}
	return parseComparison(tok)
}

// parseComparison handles a single token of the form path=value.
func parseComparison(tok string) (expr, error) {
	if idx := strings.IndexByte(tok, '='); idx >= 0 {
		return equalsExpr{path: splitPath(tok[:idx]), value: tok[idx+1:]}, nil
	}
	return nil, fmt.Errorf("malformed comparison %q (expected path=value)", tok)
}

func splitPath(s string) []string {
	return strings.Split(s, ".")
}

// --- expr implementations ---

type andExpr struct{ left, right expr }

func (e andExpr) eval(tags domain.TagTree) bool { return e.left.eval(tags) && e.right.eval(tags) }

type orExpr struct{ left, right expr }

func (e orExpr) eval(tags domain.TagTree) bool { return e.left.eval(tags) || e.right.eval(tags) }

type notExpr struct{ inner expr }

func (e notExpr) eval(tags domain.TagTree) bool { return !e.inner.eval(tags) }

type equalsExpr struct {
	path  []string
	value string
}

func (e equalsExpr) eval(tags domain.TagTree) bool {
	node, ok := walk(tags, e.path)
	if !ok || !node.IsString() {
		return false
	}
	return node.Str == e.value
}

func walk(tags domain.TagTree, path []string) (domain.TagTree, bool) {
	cur := tags
	for _, segment := range path {
		if segment == "" {
			continue
		}
		if !cur.IsMap() {
			return domain.TagTree{}, false
		}
		next, ok := cur.Map[segment]
		if !ok {
			return domain.TagTree{}, false
		}
		cur = next
	}
	return cur, true
}
