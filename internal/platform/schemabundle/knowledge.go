package schemabundle

import (
	"fmt"
	"strconv"
	"strings"
)

// Occurs is a maxOccurs value: a bound or unbounded.
type Occurs struct {
	Max       int
	Unbounded bool
}

// ParseOccurs parses a maxOccurs attribute. An empty value means 1.
func ParseOccurs(s string) (Occurs, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Occurs{Max: 1}, nil
	case "unbounded":
		return Occurs{Unbounded: true}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Occurs{}, fmt.Errorf("invalid maxOccurs %q", s)
	}
	return Occurs{Max: n}, nil
}

// Repeats reports whether more than one occurrence is allowed.
func (o Occurs) Repeats() bool {
	return o.Unbounded || o.Max > 1
}

func (o Occurs) String() string {
	if o.Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(o.Max)
}

// Member is one entry of a declared sequence.
type Member struct {
	Ref       string
	MinOccurs int
	MaxOccurs Occurs
}

// Required reports whether the member must appear at least once.
func (m Member) Required() bool {
	return m.MinOccurs >= 1
}

// TypeGraph maps elements to their declared types and types to their
// ordered children and extension bases. It is immutable once built.
type TypeGraph struct {
	ElementType  map[string]string
	TypeChildren map[string][]string
	TypeBase     map[string]string
}

func newTypeGraph() *TypeGraph {
	return &TypeGraph{
		ElementType:  make(map[string]string),
		TypeChildren: make(map[string][]string),
		TypeBase:     make(map[string]string),
	}
}

// TypeOf returns the declared type of a top-level element.
func (g *TypeGraph) TypeOf(element string) (string, bool) {
	t, ok := g.ElementType[element]
	return t, ok
}

// ResolveTypeChildren returns the ordered children of typeName, walking the
// extension chain upward until a type with declared children is found. An
// empty result means the type is a leaf datatype. Cyclic chains terminate.
func (g *TypeGraph) ResolveTypeChildren(typeName string) []string {
	seen := make(map[string]struct{})
	for current := typeName; current != ""; current = g.TypeBase[current] {
		if _, ok := seen[current]; ok {
			return nil
		}
		seen[current] = struct{}{}

		if children := g.TypeChildren[current]; len(children) > 0 {
			return children
		}
	}
	return nil
}

// ElementChildren resolves the children of an element through its type.
func (g *TypeGraph) ElementChildren(element string) []string {
	t, ok := g.ElementType[element]
	if !ok {
		return nil
	}
	return g.ResolveTypeChildren(t)
}

// OccursMap holds the maxOccurs of every field reference declared in the
// segments file, keyed by field element name (e.g. "PID.3").
type OccursMap map[string]Occurs

// Repeats reports whether the field may repeat. Undeclared fields do not.
func (m OccursMap) Repeats(field string) bool {
	o, ok := m[field]
	return ok && o.Repeats()
}

// SegmentSequences holds each segment's declared field sequence, keyed by
// segment tag.
type SegmentSequences map[string][]Member

// Knowledge is the immutable result of loading one schema bundle.
type Knowledge struct {
	Dir       string
	Prefix    string
	Types     *TypeGraph
	Occurs    OccursMap
	Sequences SegmentSequences
}

// DeclaresSegment reports whether the bundle knows the segment tag.
func (k *Knowledge) DeclaresSegment(tag string) bool {
	if _, ok := k.Sequences[tag]; ok {
		return true
	}
	_, ok := k.Types.ElementType[tag]
	return ok
}
