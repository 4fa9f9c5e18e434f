package schemabundle

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/platform/memo"
)

const contentSuffix = ".CONTENT"

// LoadError reports a schema fragment that is missing or malformed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("schemabundle: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type bundleKey struct {
	dir    string
	prefix string
}

// Loader reads schema bundles from a filesystem and memoizes them for the
// life of the process. Each bundle and each structure schema is parsed at
// most once, even under concurrent first access.
type Loader struct {
	fsys       fs.FS
	logger     zerolog.Logger
	bundles    *memo.Cache[bundleKey, *Knowledge]
	structures *memo.Cache[string, *Structure]
}

// NewLoader creates a loader over fsys. Paths passed to its methods are
// slash-separated and relative to the root of fsys.
func NewLoader(fsys fs.FS, logger zerolog.Logger) *Loader {
	return &Loader{
		fsys:       fsys,
		logger:     logger.With().Str("component", "schemabundle").Logger(),
		bundles:    memo.New[bundleKey, *Knowledge](),
		structures: memo.New[string, *Structure](),
	}
}

// FS returns the filesystem the loader reads from.
func (l *Loader) FS() fs.FS {
	return l.fsys
}

// Load returns the type graph, occurs map and segment sequences for the
// bundle {prefix}_fields.xsd, {prefix}_types.xsd and {prefix}_segments.xsd
// in dir. Any missing or malformed file fails the whole load.
func (l *Loader) Load(dir, prefix string) (*Knowledge, error) {
	key := bundleKey{dir: path.Clean(dir), prefix: prefix}
	return l.bundles.Get(key, func() (*Knowledge, error) {
		l.logger.Debug().Str("dir", key.dir).Str("prefix", prefix).Msg("loading schema bundle")
		return loadKnowledge(l.fsys, key.dir, prefix)
	})
}

func loadKnowledge(fsys fs.FS, dir, prefix string) (*Knowledge, error) {
	k := &Knowledge{
		Dir:       dir,
		Prefix:    prefix,
		Types:     newTypeGraph(),
		Occurs:    make(OccursMap),
		Sequences: make(SegmentSequences),
	}

	for _, suffix := range []string{"_fields.xsd", "_types.xsd", "_segments.xsd"} {
		p := path.Join(dir, prefix+suffix)
		s, err := readSchema(fsys, p)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		if err := k.add(s, suffix == "_segments.xsd"); err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
	}
	return k, nil
}

func (k *Knowledge) add(s *xsdSchema, segments bool) error {
	for _, e := range s.Elements {
		if e.Name != "" && e.Type != "" {
			k.Types.ElementType[e.Name] = localName(e.Type)
		}
	}

	for _, ct := range s.ComplexTypes {
		if ct.Name == "" {
			continue
		}
		if ext := ct.extension(); ext != nil && ext.Base != "" {
			k.Types.TypeBase[ct.Name] = localName(ext.Base)
		}

		seq := ct.sequence()
		if seq == nil {
			continue
		}
		members, err := seq.members()
		if err != nil {
			return fmt.Errorf("complexType %s: %w", ct.Name, err)
		}
		children := make([]string, len(members))
		for i, m := range members {
			children[i] = m.Ref
		}
		k.Types.TypeChildren[ct.Name] = children

		if segments && strings.HasSuffix(ct.Name, contentSuffix) {
			seg := strings.TrimSuffix(ct.Name, contentSuffix)
			k.Sequences[seg] = members
			for _, m := range members {
				k.Occurs[m.Ref] = m.MaxOccurs
			}
		}
	}
	return nil
}

// ErrNoPrefix is returned when a structure schema does not include a
// {prefix}_segments.xsd file.
var ErrNoPrefix = errors.New("no {prefix}_segments.xsd include found")

// DetectPrefix returns the bundle prefix named by the structure schema's
// include of {prefix}_segments.xsd.
func (l *Loader) DetectPrefix(structurePath string) (string, error) {
	st, err := l.LoadStructure(structurePath)
	if err != nil {
		return "", err
	}
	return st.Prefix, nil
}
