package structure

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/platform/memo"
)

// bundleSuffixes mark the shared fragments of a flow; every other .xsd file
// in the flow directory is a structure schema.
var bundleSuffixes = []string{"_fields.xsd", "_types.xsd", "_segments.xsd"}

// MappingError reports a structure id that the flow has no schema for.
type MappingError struct {
	Flow        string
	StructureID string
	Known       []string
	Err         error
}

func (e *MappingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structure: flow %q: %v", e.Flow, e.Err)
	}
	return fmt.Sprintf("structure: flow %q has no schema for %q (known: %s)",
		e.Flow, e.StructureID, strings.Join(e.Known, ", "))
}

func (e *MappingError) Unwrap() error { return e.Err }

// FlowIndex maps structure ids to schema paths per flow directory. Each flow
// directory is scanned once.
type FlowIndex struct {
	fsys   fs.FS
	logger zerolog.Logger
	stems  *memo.Cache[string, map[string]string]
}

// NewFlowIndex creates an index over fsys, where each top-level directory
// is a flow.
func NewFlowIndex(fsys fs.FS, logger zerolog.Logger) *FlowIndex {
	return &FlowIndex{
		fsys:   fsys,
		logger: logger.With().Str("component", "flowindex").Logger(),
		stems:  memo.New[string, map[string]string](),
	}
}

// Stems returns the flow's {stem: path} map. Paths are relative to the
// index root.
func (x *FlowIndex) Stems(flow string) (map[string]string, error) {
	if flow == "" || strings.Contains(flow, "/") || !fs.ValidPath(flow) {
		return nil, &MappingError{Flow: flow, Err: errors.New("invalid flow name")}
	}
	return x.stems.Get(flow, func() (map[string]string, error) {
		entries, err := fs.ReadDir(x.fsys, flow)
		if err != nil {
			return nil, &MappingError{Flow: flow, Err: err}
		}

		out := make(map[string]string)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || path.Ext(name) != ".xsd" || isBundleFragment(name) {
				continue
			}
			out[strings.TrimSuffix(name, ".xsd")] = path.Join(flow, name)
		}
		x.logger.Debug().Str("flow", flow).Int("schemas", len(out)).Msg("indexed flow")
		return out, nil
	})
}

func isBundleFragment(name string) bool {
	for _, suffix := range bundleSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// KnownStems returns the flow's structure ids in sorted order.
func (x *FlowIndex) KnownStems(flow string) ([]string, error) {
	stems, err := x.Stems(flow)
	if err != nil {
		return nil, err
	}
	return sortedKeys(stems), nil
}

// SchemaPathFor returns the schema path registered for structureID in flow.
func (x *FlowIndex) SchemaPathFor(flow, structureID string) (string, error) {
	stems, err := x.Stems(flow)
	if err != nil {
		return "", err
	}
	p, ok := stems[structureID]
	if !ok {
		return "", &MappingError{Flow: flow, StructureID: structureID, Known: sortedKeys(stems)}
	}
	return p, nil
}

// Flows lists the flow directories under the index root.
func (x *FlowIndex) Flows() ([]string, error) {
	entries, err := fs.ReadDir(x.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("structure: list flows: %w", err)
	}
	var flows []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			flows = append(flows, e.Name())
		}
	}
	return flows, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
