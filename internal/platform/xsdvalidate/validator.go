// Package xsdvalidate compiles HL7v2-XML schemas and validates documents
// against them, translating engine violations into line-numbered
// diagnostics.
package xsdvalidate

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/jacoelho/xsd"
	xsderrors "github.com/jacoelho/xsd/errors"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/platform/memo"
)

// Validator compiles structure schemas from a filesystem and caches them by
// path for the life of the process. Compiled schemas are safe for
// concurrent validation.
type Validator struct {
	fsys    fs.FS
	logger  zerolog.Logger
	schemas *memo.Cache[string, *xsd.Schema]
}

// New creates a validator reading schemas from fsys.
func New(fsys fs.FS, logger zerolog.Logger) *Validator {
	return &Validator{
		fsys:    fsys,
		logger:  logger.With().Str("component", "xsdvalidate").Logger(),
		schemas: memo.New[string, *xsd.Schema](),
	}
}

// CompileError reports a schema that could not be read or compiled.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("xsdvalidate: compile %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compile returns the compiled schema at p. Includes are resolved relative
// to the directory holding p.
func (v *Validator) Compile(p string) (*xsd.Schema, error) {
	p = path.Clean(p)
	return v.schemas.Get(p, func() (*xsd.Schema, error) {
		v.logger.Debug().Str("path", p).Msg("compiling schema")

		dir, err := fs.Sub(v.fsys, path.Dir(p))
		if err != nil {
			return nil, &CompileError{Path: p, Err: err}
		}
		s, err := xsd.Load(dir, path.Base(p))
		if err != nil {
			return nil, &CompileError{Path: p, Err: err}
		}
		return s, nil
	})
}

// Validate checks doc against the schema at p. It returns a
// *ValidationError when the document violates the schema and a
// *CompileError when the schema itself cannot be used.
func (v *Validator) Validate(doc, p string) error {
	s, err := v.Compile(p)
	if err != nil {
		return err
	}

	err = s.Validate(strings.NewReader(doc))
	if err == nil {
		return nil
	}
	violations, ok := xsderrors.AsValidations(err)
	if !ok {
		return fmt.Errorf("xsdvalidate: validate against %s: %w", path.Clean(p), err)
	}

	diags := make([]Diagnostic, 0, len(violations))
	for _, vl := range violations {
		diags = append(diags, diagnosticFrom(vl))
	}
	return &ValidationError{Path: path.Clean(p), Diagnostics: diags}
}

// Cached reports how many compiled schemas are held.
func (v *Validator) Cached() int {
	return v.schemas.Len()
}
