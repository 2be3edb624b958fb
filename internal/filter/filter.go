// Package filter compiles LDAP-flavored subscription predicates (spec §4.1)
// into a tree of nodes that can be evaluated against a props.Props
// multimap: equality with glob wildcards, integer ordering comparisons,
// presence, negation, and conjunction/disjunction.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/pombredanne/paf/internal/props"
)

// SyntaxError is returned by Compile when text cannot be parsed.
type SyntaxError struct {
	Text string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter-syntax-error: %s at offset %d in %q", e.Msg, e.Pos, e.Text)
}

// Filter is a compiled subscription predicate.
type Filter struct {
	root      node
	nodeCount int
	text      string
}

// Matches reports whether p satisfies the compiled predicate.
func (f *Filter) Matches(p *props.Props) bool {
	if f == nil || f.root == nil {
		return false
	}
	return f.root.eval(p)
}

// NodeCount is the resource charge for this filter (spec §4.1).
func (f *Filter) NodeCount() int { return f.nodeCount }

func (f *Filter) String() string { return f.text }

type node interface {
	eval(p *props.Props) bool
	count() int
}

type relation int

const (
	relEq relation = iota
	relLt
	relLe
	relGt
	relGe
	relPresent
)

type leafNode struct {
	key    string
	rel    relation
	hasInt bool
	intVal int64
	g      glob.Glob
}

func (n *leafNode) count() int { return 1 }

func (n *leafNode) eval(p *props.Props) bool {
	vs, ok := p.Get(n.key)
	if !ok || len(vs) == 0 {
		return false
	}
	for _, v := range vs {
		switch n.rel {
		case relPresent:
			return true
		case relEq:
			if v.Kind == props.KindInt {
				if n.hasInt && v.Int == n.intVal {
					return true
				}
			} else if n.g != nil && n.g.Match(v.Str) {
				return true
			}
		case relLt, relLe, relGt, relGe:
			if v.Kind != props.KindInt || !n.hasInt {
				continue
			}
			switch n.rel {
			case relLt:
				if v.Int < n.intVal {
					return true
				}
			case relLe:
				if v.Int <= n.intVal {
					return true
				}
			case relGt:
				if v.Int > n.intVal {
					return true
				}
			case relGe:
				if v.Int >= n.intVal {
					return true
				}
			}
		}
	}
	return false
}

type notNode struct{ child node }

func (n *notNode) count() int      { return 1 + n.child.count() }
func (n *notNode) eval(p *props.Props) bool { return !n.child.eval(p) }

type andNode struct{ children []node }

func (n *andNode) count() int {
	c := 1
	for _, ch := range n.children {
		c += ch.count()
	}
	return c
}

func (n *andNode) eval(p *props.Props) bool {
	for _, ch := range n.children {
		if !ch.eval(p) {
			return false
		}
	}
	return true
}

type orNode struct{ children []node }

func (n *orNode) count() int {
	c := 1
	for _, ch := range n.children {
		c += ch.count()
	}
	return c
}

func (n *orNode) eval(p *props.Props) bool {
	for _, ch := range n.children {
		if ch.eval(p) {
			return true
		}
	}
	return false
}

// Compile parses text into a Filter. Grammar, LDAP-flavored:
//
//	filter     := "(" ( "&" filter+ | "|" filter+ | "!" filter | item ) ")"
//	item       := attr ( "<=" | ">=" | "=" | "<" | ">" ) value
//	value      := "*" | <bytes without "(" ")" "*" meaning literal, "*" as wildcard>
func Compile(text string) (*Filter, error) {
	p := &parser{s: text}
	p.skipSpace()
	n, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.i != len(p.s) {
		return nil, &SyntaxError{Text: text, Pos: p.i, Msg: "unexpected trailing input"}
	}
	return &Filter{root: n, nodeCount: n.count(), text: text}, nil
}

type parser struct {
	s string
	i int
}

func (p *parser) skipSpace() {
	for p.i < len(p.s) && (p.s[p.i] == ' ' || p.s[p.i] == '\t') {
		p.i++
	}
}

func (p *parser) errf(msg string) error {
	return &SyntaxError{Text: p.s, Pos: p.i, Msg: msg}
}

func (p *parser) parseFilter() (node, error) {
	if p.i >= len(p.s) || p.s[p.i] != '(' {
		return nil, p.errf("expected '('")
	}
	p.i++ // consume '('

	if p.i >= len(p.s) {
		return nil, p.errf("unexpected end of filter")
	}

	var n node
	var err error
	switch p.s[p.i] {
	case '&':
		p.i++
		n, err = p.parseFilterList()
		if err != nil {
			return nil, err
		}
		n = &andNode{children: n.(*listNode).items}
	case '|':
		p.i++
		n, err = p.parseFilterList()
		if err != nil {
			return nil, err
		}
		n = &orNode{children: n.(*listNode).items}
	case '!':
		p.i++
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		n = &notNode{child: child}
	default:
		n, err = p.parseItem()
		if err != nil {
			return nil, err
		}
	}

	if p.i >= len(p.s) || p.s[p.i] != ')' {
		return nil, p.errf("expected ')'")
	}
	p.i++ // consume ')'
	return n, nil
}

// listNode is an intermediate carrier for "&"/"|" children, unwrapped by
// the caller into andNode/orNode.
type listNode struct{ items []node }

func (listNode) count() int                  { return 0 }
func (listNode) eval(*props.Props) bool      { return false }

func (p *parser) parseFilterList() (node, error) {
	var items []node
	for p.i < len(p.s) && p.s[p.i] == '(' {
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		items = append(items, child)
	}
	if len(items) == 0 {
		return nil, p.errf("expected at least one filter in conjunction/disjunction")
	}
	return &listNode{items: items}, nil
}

func (p *parser) parseItem() (node, error) {
	start := p.i
	for p.i < len(p.s) && p.s[p.i] != '=' && p.s[p.i] != '<' && p.s[p.i] != '>' && p.s[p.i] != ')' {
		p.i++
	}
	attr := strings.TrimSpace(p.s[start:p.i])
	if attr == "" {
		return nil, p.errf("empty attribute name")
	}
	if p.i >= len(p.s) {
		return nil, p.errf("expected relational operator")
	}

	var rel relation
	switch {
	case strings.HasPrefix(p.s[p.i:], "<="):
		rel = relLe
		p.i += 2
	case strings.HasPrefix(p.s[p.i:], ">="):
		rel = relGe
		p.i += 2
	case p.s[p.i] == '=':
		rel = relEq
		p.i++
	case p.s[p.i] == '<':
		rel = relLt
		p.i++
	case p.s[p.i] == '>':
		rel = relGt
		p.i++
	default:
		return nil, p.errf("expected relational operator")
	}

	vstart := p.i
	for p.i < len(p.s) && p.s[p.i] != ')' {
		p.i++
	}
	value := p.s[vstart:p.i]
	if value == "" {
		return nil, p.errf("empty value")
	}

	if value == "*" {
		if rel != relEq {
			return nil, p.errf("presence filter requires '='")
		}
		return &leafNode{key: attr, rel: relPresent}, nil
	}

	n := &leafNode{key: attr, rel: rel}
	if iv, err := strconv.ParseInt(value, 10, 64); err == nil {
		n.hasInt = true
		n.intVal = iv
	} else if rel != relEq {
		return nil, p.errf("ordering comparisons require an integer value")
	}

	if rel == relEq {
		g, err := glob.Compile(value, '\x00')
		if err != nil {
			return nil, p.errf("invalid glob pattern: " + err.Error())
		}
		n.g = g
	}

	return n, nil
}
