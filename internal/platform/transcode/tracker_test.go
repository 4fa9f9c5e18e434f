package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehr/hl7hub/internal/platform/schemabundle"
)

func a39Structure() *schemabundle.Structure {
	one := schemabundle.Occurs{Max: 1}
	many := schemabundle.Occurs{Unbounded: true}
	return &schemabundle.Structure{
		Name: "ADT_A39",
		Root: []schemabundle.Member{
			{Ref: "MSH", MinOccurs: 1, MaxOccurs: one},
			{Ref: "EVN", MinOccurs: 1, MaxOccurs: one},
			{Ref: "ADT_A39.PATIENT", MinOccurs: 1, MaxOccurs: many},
			{Ref: "ADT_A39.INSURANCE", MinOccurs: 0, MaxOccurs: many},
		},
		Groups: []schemabundle.Group{
			{Name: "ADT_A39.PATIENT", Members: []schemabundle.Member{
				{Ref: "PID", MinOccurs: 1, MaxOccurs: one},
				{Ref: "PD1", MinOccurs: 0, MaxOccurs: one},
				{Ref: "MRG", MinOccurs: 1, MaxOccurs: one},
				{Ref: "PV1", MinOccurs: 0, MaxOccurs: one},
			}},
			{Name: "ADT_A39.INSURANCE", Members: []schemabundle.Member{
				{Ref: "IN1", MinOccurs: 1, MaxOccurs: one},
				{Ref: "PV1", MinOccurs: 0, MaxOccurs: one},
			}},
		},
	}
}

func TestGroupTracker_Transitions(t *testing.T) {
	root := &node{name: "ADT_A39"}
	tr := newGroupTracker(a39Structure(), root)

	steps := []struct {
		tag   string
		group string
	}{
		{"MSH", ""},
		{"EVN", ""},
		{"PID", "ADT_A39.PATIENT"},
		{"MRG", "ADT_A39.PATIENT"},
		{"PID", "ADT_A39.PATIENT"},
		{"PV1", "ADT_A39.PATIENT"},
		{"IN1", "ADT_A39.INSURANCE"},
		{"PV1", "ADT_A39.INSURANCE"},
		{"ZZZ", ""},
	}
	for _, s := range steps {
		parent := tr.place(s.tag)
		parent.add(s.tag)
		assert.Equal(t, s.group, tr.current(), "after %s", s.tag)
	}

	var names []string
	for _, c := range root.children {
		names = append(names, c.name)
	}
	assert.Equal(t, []string{"MSH", "EVN", "ADT_A39.PATIENT", "ADT_A39.INSURANCE", "ZZZ"}, names)
	assert.Len(t, root.children[2].children, 4)
	assert.Len(t, root.children[3].children, 2)
}

func TestGroupTracker_RepeatedFirstMemberStaysInGroup(t *testing.T) {
	root := &node{name: "ADT_A39"}
	tr := newGroupTracker(a39Structure(), root)

	for _, tag := range []string{"MSH", "EVN", "PID", "PID", "MRG"} {
		tr.place(tag).add(tag)
	}

	var names []string
	for _, c := range root.children {
		names = append(names, c.name)
	}
	assert.Equal(t, []string{"MSH", "EVN", "ADT_A39.PATIENT"}, names)

	var members []string
	for _, c := range root.children[2].children {
		members = append(members, c.name)
	}
	assert.Equal(t, []string{"PID", "PID", "MRG"}, members)
}

func TestGroupTracker_NoReopenAfterClose(t *testing.T) {
	root := &node{name: "ADT_A39"}
	tr := newGroupTracker(a39Structure(), root)

	tr.place("PID").add("PID")
	tr.place("EVN").add("EVN")
	assert.Equal(t, "", tr.current())

	// MRG is a group member but not a first member: it stays at root.
	parent := tr.place("MRG")
	assert.Same(t, root, parent)
	assert.Equal(t, "", tr.current())
}

func TestGroupTracker_Reset(t *testing.T) {
	root := &node{name: "ADT_A39"}
	tr := newGroupTracker(a39Structure(), root)

	tr.place("PID")
	assert.Equal(t, "ADT_A39.PATIENT", tr.current())
	tr.reset()
	assert.Equal(t, "", tr.current())
	assert.Same(t, root, tr.place("PD1"))
}
