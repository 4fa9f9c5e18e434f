package structure

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// ErrNoStructure is returned when a message carries neither MSH-9.3 nor a
// usable MSH-9.1/MSH-9.2 pair.
var ErrNoStructure = errors.New("structure: cannot determine message structure from MSH-9")

// Key identifies a (message type, trigger event) pair, e.g. ADT/A31.
type Key struct {
	MessageType  string
	TriggerEvent string
}

func (k Key) String() string {
	return k.MessageType + "^" + k.TriggerEvent
}

// FallbackTable maps (message type, trigger event) pairs to structure ids
// for messages that do not declare MSH-9.3.
type FallbackTable map[Key]string

// DefaultFallbacks returns the built-in table.
func DefaultFallbacks() FallbackTable {
	return FallbackTable{
		{MessageType: "ADT", TriggerEvent: "A28"}: "ADT_A05",
		{MessageType: "ADT", TriggerEvent: "A31"}: "ADT_A05",
		{MessageType: "ADT", TriggerEvent: "A40"}: "ADT_A39",
	}
}

// ParseFallbacks parses "ADT^A28=ADT_A05,ADT^A40=ADT_A39". Blank input
// yields an empty table.
func ParseFallbacks(s string) (FallbackTable, error) {
	t := FallbackTable{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lhs, structureID, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("structure: fallback %q: want TYPE^TRIGGER=STRUCTURE", entry)
		}
		msgType, trigger, ok := strings.Cut(strings.TrimSpace(lhs), "^")
		structureID = strings.TrimSpace(structureID)
		if !ok || msgType == "" || trigger == "" || structureID == "" {
			return nil, fmt.Errorf("structure: fallback %q: want TYPE^TRIGGER=STRUCTURE", entry)
		}
		t[Key{MessageType: msgType, TriggerEvent: trigger}] = structureID
	}
	return t, nil
}

// Lookup returns the mapped structure id, or "{type}_{trigger}" when the
// pair is not in the table.
func (t FallbackTable) Lookup(msgType, trigger string) string {
	if id, ok := t[Key{MessageType: msgType, TriggerEvent: trigger}]; ok {
		return id
	}
	return msgType + "_" + trigger
}

// String renders the table in ParseFallbacks syntax, sorted by key.
func (t FallbackTable) String() string {
	entries := make([]string, 0, len(t))
	for k, v := range t {
		entries = append(entries, k.String()+"="+v)
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}

// Resolution is the outcome of resolving a message's structure.
type Resolution struct {
	StructureID string
	// Override is set when StructureID was computed rather than read from
	// MSH-9.3; the transcoder uses it as the root element name.
	Override     string
	MessageType  string
	TriggerEvent string
	ControlID    string
}

// Resolver determines message structure ids.
type Resolver struct {
	fallbacks FallbackTable
}

// NewResolver creates a resolver using the given fallback table. A nil table
// means DefaultFallbacks.
func NewResolver(fallbacks FallbackTable) *Resolver {
	if fallbacks == nil {
		fallbacks = DefaultFallbacks()
	}
	return &Resolver{fallbacks: fallbacks}
}

// Resolve reads MSH-9 and MSH-10. MSH-9.3 wins when present; otherwise the
// fallback table maps MSH-9.1/MSH-9.2 and the result is marked as an
// override.
func (r *Resolver) Resolve(msg *hl7v2.Message) (Resolution, error) {
	res := Resolution{
		MessageType:  msg.MessageCode(),
		TriggerEvent: msg.TriggerEvent(),
		ControlID:    strings.TrimSpace(msg.ControlID),
	}

	if id := msg.StructureID(); id != "" {
		res.StructureID = id
		return res, nil
	}

	if res.TriggerEvent == "" || res.MessageType == "" {
		return res, ErrNoStructure
	}

	res.StructureID = r.fallbacks.Lookup(res.MessageType, res.TriggerEvent)
	res.Override = res.StructureID
	return res, nil
}
