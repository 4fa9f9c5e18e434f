package schemabundle

import (
	"fmt"
	"path"
	"strings"
)

// Group is a segment group declared by a structure schema, e.g.
// ADT_A39.PATIENT, with its members in declared order.
type Group struct {
	Name    string
	Members []Member
}

// First returns the group's first member, or "" for an empty group.
func (g *Group) First() string {
	if len(g.Members) == 0 {
		return ""
	}
	return g.Members[0].Ref
}

// Contains reports whether ref is a direct member of the group.
func (g *Group) Contains(ref string) bool {
	for _, m := range g.Members {
		if m.Ref == ref {
			return true
		}
	}
	return false
}

// Structure is the parsed form of one message structure schema. Root holds
// the members of {Name}.CONTENT, Groups every nested {Name}.X.CONTENT in
// declaration order.
type Structure struct {
	Path   string
	Dir    string
	Name   string
	Prefix string
	Root   []Member
	Groups []Group
}

// LoadStructure parses the structure schema at p. Results are cached by path.
func (l *Loader) LoadStructure(p string) (*Structure, error) {
	p = path.Clean(p)
	return l.structures.Get(p, func() (*Structure, error) {
		l.logger.Debug().Str("path", p).Msg("loading structure schema")
		s, err := readSchema(l.fsys, p)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		st, err := buildStructure(p, s)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		return st, nil
	})
}

func buildStructure(p string, s *xsdSchema) (*Structure, error) {
	st := &Structure{Path: p, Dir: path.Dir(p)}

	for _, inc := range s.Includes {
		base := path.Base(inc.SchemaLocation)
		if strings.HasSuffix(base, "_segments.xsd") {
			st.Prefix = strings.TrimSuffix(base, "_segments.xsd")
			break
		}
	}
	if st.Prefix == "" {
		return nil, ErrNoPrefix
	}

	st.Name = structureName(p, s)

	for _, ct := range s.ComplexTypes {
		if !strings.HasSuffix(ct.Name, contentSuffix) {
			continue
		}
		name := strings.TrimSuffix(ct.Name, contentSuffix)
		members, err := ct.sequence().members()
		if err != nil {
			return nil, fmt.Errorf("complexType %s: %w", ct.Name, err)
		}
		switch {
		case name == st.Name:
			st.Root = members
		case strings.Contains(name, "."):
			st.Groups = append(st.Groups, Group{Name: name, Members: members})
		}
	}
	if st.Root == nil {
		return nil, fmt.Errorf("no %s%s sequence declared", st.Name, contentSuffix)
	}
	return st, nil
}

// structureName prefers the top-level element bound to an undotted
// X.CONTENT type, then the first undotted X.CONTENT type, then the file stem.
func structureName(p string, s *xsdSchema) string {
	for _, e := range s.Elements {
		t := localName(e.Type)
		if e.Name != "" && t == e.Name+contentSuffix && !strings.Contains(e.Name, ".") {
			return e.Name
		}
	}
	for _, ct := range s.ComplexTypes {
		name := strings.TrimSuffix(ct.Name, contentSuffix)
		if name != ct.Name && !strings.Contains(name, ".") {
			return name
		}
	}
	return strings.TrimSuffix(path.Base(p), path.Ext(p))
}

// Group returns the named group.
func (st *Structure) Group(name string) (*Group, bool) {
	for i := range st.Groups {
		if st.Groups[i].Name == name {
			return &st.Groups[i], true
		}
	}
	return nil, false
}

// GroupStartingWith returns the first declared group whose first member is
// tag.
func (st *Structure) GroupStartingWith(tag string) (*Group, bool) {
	for i := range st.Groups {
		if st.Groups[i].First() == tag {
			return &st.Groups[i], true
		}
	}
	return nil, false
}

// RootMember returns the root sequence entry named ref.
func (st *Structure) RootMember(ref string) (Member, bool) {
	for _, m := range st.Root {
		if m.Ref == ref {
			return m, true
		}
	}
	return Member{}, false
}

// RootIndex returns the position in the root sequence of tag, or of the
// root-level group that contains it, or -1.
func (st *Structure) RootIndex(tag string) int {
	for i, m := range st.Root {
		if m.Ref == tag || st.groupContains(m.Ref, tag, make(map[string]bool)) {
			return i
		}
	}
	return -1
}

func (st *Structure) groupContains(groupName, tag string, seen map[string]bool) bool {
	if seen[groupName] {
		return false
	}
	seen[groupName] = true

	g, ok := st.Group(groupName)
	if !ok {
		return false
	}
	for _, m := range g.Members {
		if m.Ref == tag || st.groupContains(m.Ref, tag, seen) {
			return true
		}
	}
	return false
}

// Requires reports whether the root sequence declares ref with
// minOccurs >= 1.
func (st *Structure) Requires(ref string) bool {
	m, ok := st.RootMember(ref)
	return ok && m.Required()
}
