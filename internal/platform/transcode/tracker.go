package transcode

import "github.com/ehr/hl7hub/internal/platform/schemabundle"

type trackerState int

const (
	atRoot trackerState = iota
	inGroup
)

// groupTracker decides, segment by segment, whether a segment belongs at
// the root or inside a group wrapper. Transitions only move forward: a
// closed group instance is never reopened.
type groupTracker struct {
	st    *schemabundle.Structure
	root  *node
	state trackerState
	group *schemabundle.Group
	wrap  *node
}

func newGroupTracker(st *schemabundle.Structure, root *node) *groupTracker {
	return &groupTracker{st: st, root: root}
}

// place returns the node the segment tagged tag should be appended to.
func (t *groupTracker) place(tag string) *node {
	candidate, hasCandidate := t.st.GroupStartingWith(tag)

	if t.state == inGroup {
		// Members of the open group stay in it unless they start a
		// different group.
		if t.group.Contains(tag) && (!hasCandidate || candidate.Name == t.group.Name) {
			return t.wrap
		}
		t.reset()
	}

	if hasCandidate {
		return t.open(candidate)
	}
	return t.root
}

func (t *groupTracker) open(g *schemabundle.Group) *node {
	t.state = inGroup
	t.group = g
	t.wrap = t.root.add(g.Name)
	return t.wrap
}

// reset closes any open group and returns to root level.
func (t *groupTracker) reset() {
	t.state = atRoot
	t.group = nil
	t.wrap = nil
}

// current returns the open group's name, or "" at root level.
func (t *groupTracker) current() string {
	if t.state == inGroup {
		return t.group.Name
	}
	return ""
}
