package hl7v2

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message. Segments are kept flat, in the
// order they appear on the wire; no segment grouping is attempted here.
type Message struct {
	Encoding     Encoding
	Type         string    // MSH-9 raw (e.g. "ADT^A31" or "ADT^A31^ADT_A05")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.4")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Charset      string    // MSH-18
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
// Value is the raw field text, repetition separators included.
type Field struct {
	Value      string
	Components []string   // components of the first repetition
	Repeats    [][]string // each repetition split into components
}

// Encoding holds the delimiters declared by MSH-1 and MSH-2.
type Encoding struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultEncoding is the conventional |^~\& delimiter set.
var DefaultEncoding = Encoding{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// Characters returns the MSH-2 representation of the encoding.
func (e Encoding) Characters() string {
	return string([]byte{e.Component, e.Repetition, e.Escape, e.Subcomponent})
}

// EscapeText replaces delimiter characters in s with HL7 escape sequences.
func (e Encoding) EscapeText(s string) string {
	var b strings.Builder
	esc := string(e.Escape)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case e.Escape:
			b.WriteString(esc + "E" + esc)
		case e.Field:
			b.WriteString(esc + "F" + esc)
		case e.Component:
			b.WriteString(esc + "S" + esc)
		case e.Repetition:
			b.WriteString(esc + "R" + esc)
		case e.Subcomponent:
			b.WriteString(esc + "T" + esc)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var segmentNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)

	// Normalize line endings: replace \r\n with \r, then replace \n with \r
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		// Trailing spaces belong to the last field; only framing bytes go.
		line = strings.TrimRight(strings.TrimLeft(line, " \t\x0b\x1c"), "\x0b\x1c")
		if strings.TrimSpace(line) != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	// First segment must be MSH
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	enc, err := readEncoding(segmentLines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Encoding: enc}
	for i, line := range segmentLines {
		seg, err := parseSegment(line, enc)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment %d: %w", i+1, err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	return msg, nil
}

// readEncoding reads MSH-1 and MSH-2 from the header line. Missing encoding
// characters fall back to the defaults position by position.
func readEncoding(line string) (Encoding, error) {
	if len(line) < 4 {
		return Encoding{}, fmt.Errorf("hl7v2: MSH segment too short: %q", line)
	}
	enc := DefaultEncoding
	enc.Field = line[3]

	chars := line[4:]
	if idx := strings.IndexByte(chars, enc.Field); idx >= 0 {
		chars = chars[:idx]
	}
	targets := []*byte{&enc.Component, &enc.Repetition, &enc.Escape, &enc.Subcomponent}
	for i := 0; i < len(chars) && i < len(targets); i++ {
		*targets[i] = chars[i]
	}
	return enc, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, enc Encoding) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	name := line[:3]
	if !segmentNamePattern.MatchString(name) {
		return Segment{}, fmt.Errorf("invalid segment name %q", name)
	}
	if len(line) > 3 && line[3] != enc.Field {
		return Segment{}, fmt.Errorf("segment %s: expected field separator %q after name", name, enc.Field)
	}

	seg := Segment{Name: name}
	sep := string(enc.Field)

	// MSH is special: the field separator (|) is MSH-1 itself.
	if name == "MSH" {
		// fields[0] = MSH-1 = "|"
		// fields[1] = MSH-2 = encoding chars, never split
		// fields[2] = MSH-3 = sending app, etc.
		seg.Fields = append(seg.Fields, literalField(sep))
		if len(line) < 5 {
			return seg, nil
		}
		parts := strings.Split(line[4:], sep)
		seg.Fields = append(seg.Fields, literalField(parts[0]))
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, enc))
		}
		return seg, nil
	}

	if len(line) > 4 {
		for _, f := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(f, enc))
		}
	}
	return seg, nil
}

func literalField(v string) Field {
	return Field{Value: v, Components: []string{v}, Repeats: [][]string{{v}}}
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, enc Encoding) Field {
	f := Field{Value: raw}

	for _, rep := range strings.Split(raw, string(enc.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(enc.Component)))
	}
	f.Components = f.Repeats[0]

	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if tsStr := msh.GetField(7); tsStr != "" {
		if t, err := parseHL7Timestamp(tsStr); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetComponent(12, 1)
	m.Charset = msh.GetComponent(18, 1)

	return nil
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// MessageCode returns MSH-9.1 (e.g. "ADT").
func (m *Message) MessageCode() string {
	return m.mshComponent(9, 1)
}

// TriggerEvent returns MSH-9.2 (e.g. "A31").
func (m *Message) TriggerEvent() string {
	return m.mshComponent(9, 2)
}

// StructureID returns MSH-9.3 (e.g. "ADT_A05"), empty when the sender
// did not declare a message structure.
func (m *Message) StructureID() string {
	return m.mshComponent(9, 3)
}

// RawTimestamp returns MSH-7 exactly as received.
func (m *Message) RawTimestamp() string {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return ""
	}
	return msh.GetField(7)
}

func (m *Message) mshComponent(field, comp int) string {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return ""
	}
	return strings.TrimSpace(msh.GetComponent(field, comp))
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Field returns the field at the given 1-based index, or nil when the
// segment is shorter than that.
// For MSH, MSH-1 is Fields[0] (the field separator).
func (s *Segment) Field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.Field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component value of the first repetition by
// 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.Field(fieldIdx)
	if f == nil {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	return f.Components[ci]
}

// Repetitions returns every repetition of the field, each split into
// components.
func (f *Field) Repetitions() [][]string {
	return f.Repeats
}

// Component returns the 1-based component of the given 0-based repetition.
func (f *Field) Component(rep, comp int) string {
	parts := f.Repetition(rep)
	if comp < 1 || comp > len(parts) {
		return ""
	}
	return parts[comp-1]
}

// Repetition returns the components of the given 0-based repetition.
func (f *Field) Repetition(i int) []string {
	if i < 0 || i >= len(f.Repeats) {
		return nil
	}
	return f.Repeats[i]
}
