// Package transcode converts parsed ER7 messages into HL7v2-XML documents,
// shaping them with the type, occurrence and group information of a schema
// bundle.
package transcode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/internal/platform/schemabundle"
)

// maxDepth bounds component decomposition for self-referencing datatypes.
const maxDepth = 12

// UnknownSegmentError reports a segment tag the schema bundle does not
// declare.
type UnknownSegmentError struct {
	Tag      string
	Position int
}

func (e *UnknownSegmentError) Error() string {
	return fmt.Sprintf("transcode: Unable to parse segment %d: %q is not declared by the schema bundle", e.Position, e.Tag)
}

// Options tunes a single transcode call.
type Options struct {
	// SynthesizeRequired inserts EVN and PV1 segments that the structure
	// requires but the message lacks.
	SynthesizeRequired bool
}

// Transcoder converts messages using bundles from a schemabundle.Loader.
// It holds no per-call state and is safe for concurrent use.
type Transcoder struct {
	loader *schemabundle.Loader
}

// New creates a transcoder.
func New(loader *schemabundle.Loader) *Transcoder {
	return &Transcoder{loader: loader}
}

// Prepare loads the structure schema at schemaPath and its bundle so that
// later calls for the same structure hit the caches.
func (t *Transcoder) Prepare(schemaPath string) error {
	st, err := t.loader.LoadStructure(schemaPath)
	if err != nil {
		return err
	}
	_, err = t.loader.Load(st.Dir, st.Prefix)
	return err
}

// Transcode renders msg as HL7v2-XML shaped by the structure schema at
// schemaPath. The root element is named override when set, otherwise
// MSH-9.3, otherwise the structure schema's own name.
func (t *Transcoder) Transcode(msg *hl7v2.Message, schemaPath, override string, opts Options) (string, error) {
	st, err := t.loader.LoadStructure(schemaPath)
	if err != nil {
		return "", err
	}
	k, err := t.loader.Load(st.Dir, st.Prefix)
	if err != nil {
		return "", err
	}

	rootName := override
	if rootName == "" {
		rootName = msg.StructureID()
	}
	if rootName == "" {
		rootName = st.Name
	}

	b := &builder{
		k:    k,
		st:   st,
		enc:  msg.Encoding,
		root: &node{name: rootName},
		seen: make(map[string]bool),
	}
	b.tracker = newGroupTracker(st, b.root)

	if err := b.build(msg, opts); err != nil {
		return "", err
	}

	out, err := b.root.marshal()
	if err != nil {
		return "", fmt.Errorf("transcode: encode xml: %w", err)
	}
	return string(out), nil
}

type builder struct {
	k       *schemabundle.Knowledge
	st      *schemabundle.Structure
	enc     hl7v2.Encoding
	root    *node
	tracker *groupTracker
	seen    map[string]bool
}

func (b *builder) build(msg *hl7v2.Message, opts Options) error {
	needEVN := opts.SynthesizeRequired && b.st.Requires("EVN")
	needPV1 := opts.SynthesizeRequired && b.st.Requires("PV1")
	pv1Index := b.st.RootIndex("PV1")

	for i, seg := range msg.Segments {
		if !b.k.DeclaresSegment(seg.Name) {
			return &UnknownSegmentError{Tag: seg.Name, Position: i + 1}
		}

		if needEVN && !b.seen["EVN"] && !isHeaderSegment(seg.Name) {
			b.synthesize(synthesizedEVN(msg.RawTimestamp()))
		}
		if needPV1 && !b.seen["PV1"] && b.st.RootIndex(seg.Name) > pv1Index {
			b.synthesize(synthesizedPV1())
		}

		parent := b.tracker.place(seg.Name)
		parent.appendNode(b.segment(seg))
		b.seen[seg.Name] = true
	}

	if needPV1 && !b.seen["PV1"] {
		b.synthesize(synthesizedPV1())
	}
	return nil
}

func isHeaderSegment(tag string) bool {
	return tag == "MSH" || tag == "SFT" || tag == "EVN"
}

// synthesize appends a generated segment at root level, closing any open
// group so later segments cannot land in an instance that precedes it.
func (b *builder) synthesize(seg hl7v2.Segment) {
	b.tracker.reset()
	b.root.appendNode(b.segment(seg))
	b.seen[seg.Name] = true
}

func synthesizedEVN(recorded string) hl7v2.Segment {
	return hl7v2.Segment{Name: "EVN", Fields: []hl7v2.Field{{}, {Value: recorded}}}
}

func synthesizedPV1() hl7v2.Segment {
	return hl7v2.Segment{Name: "PV1", Fields: []hl7v2.Field{{}, {Value: "U"}}}
}

// segment emits one segment, following its declared field sequence when the
// bundle has one and the present field indices otherwise.
func (b *builder) segment(seg hl7v2.Segment) *node {
	n := &node{name: seg.Name}

	seq, declared := b.k.Sequences[seg.Name]
	if !declared {
		for i := 1; i <= len(seg.Fields); i++ {
			if raw := seg.GetField(i); raw != "" {
				b.field(n, seg.Name, i, fmt.Sprintf("%s.%d", seg.Name, i), raw)
			}
		}
		return n
	}

	for _, m := range seq {
		idx, ok := fieldIndex(seg.Name, m.Ref)
		raw := ""
		if ok {
			raw = seg.GetField(idx)
		}
		switch {
		case raw != "":
			b.field(n, seg.Name, idx, m.Ref, raw)
		case m.Required():
			for j := 0; j < m.MinOccurs; j++ {
				n.add(m.Ref)
			}
		}
	}
	return n
}

// fieldIndex extracts N from "SEG.N".
func fieldIndex(tag, ref string) (int, bool) {
	suffix, ok := strings.CutPrefix(ref, tag+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// field emits one element per repetition when the field may repeat, and a
// single element holding the raw text otherwise. MSH-2 is never split.
func (b *builder) field(parent *node, tag string, idx int, name, raw string) {
	if (tag == "MSH" && idx == 2) || !b.k.Occurs.Repeats(name) {
		b.element(parent, name, raw, 0)
		return
	}
	for _, rep := range strings.Split(raw, string(b.enc.Repetition)) {
		b.element(parent, name, rep, 0)
	}
}

// element emits name with raw decomposed positionally against the children
// of its declared type. The component separator is used at every depth.
// Empty parts are skipped and parts beyond the declared arity are dropped.
func (b *builder) element(parent *node, name, raw string, depth int) {
	n := parent.add(name)

	children := b.k.Types.ElementChildren(name)
	if len(children) == 0 || depth >= maxDepth {
		n.text = raw
		return
	}

	for i, part := range strings.Split(raw, string(b.enc.Component)) {
		if i >= len(children) {
			break
		}
		if part == "" {
			continue
		}
		b.element(n, children[i], part, depth+1)
	}
}
