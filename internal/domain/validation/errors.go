package validation

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/hl7hub/internal/platform/structure"
	"github.com/ehr/hl7hub/internal/platform/transcode"
	"github.com/ehr/hl7hub/internal/platform/xsdvalidate"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindParse      Kind = "parse"
	KindStructure  Kind = "structure_resolution"
	KindMapping    Kind = "schema_mapping"
	KindLoad       Kind = "schema_load"
	KindValidation Kind = "schema_validation"
	KindVersion    Kind = "version_mismatch"
)

// Error is a classified pipeline failure. Err carries the cause from the
// lower layer.
type Error struct {
	Kind Kind
	Flow string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("validation: %s", e.Kind)
	}
	if e.Flow == "" {
		return fmt.Sprintf("validation: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("validation: %s (flow %s): %v", e.Kind, e.Flow, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrParse) holds for any
// parse failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrParse      = &Error{Kind: KindParse}
	ErrStructure  = &Error{Kind: KindStructure}
	ErrMapping    = &Error{Kind: KindMapping}
	ErrLoad       = &Error{Kind: KindLoad}
	ErrValidation = &Error{Kind: KindValidation}
	ErrVersion    = &Error{Kind: KindVersion}
)

// ErrNotFound is returned when a stored result does not exist.
var ErrNotFound = errors.New("validation: result not found")

// ErrPersistenceDisabled is returned by result queries when no repository
// is configured.
var ErrPersistenceDisabled = errors.New("validation: result persistence is not configured")

// KindOf returns the kind of err, or "" when err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPersistenceDisabled):
		return http.StatusServiceUnavailable
	}
	switch KindOf(err) {
	case KindParse, KindStructure:
		return http.StatusBadRequest
	case KindMapping:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindVersion:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// classify wraps an error from the platform packages in an *Error of the
// matching kind.
func classify(flow string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var (
		unknown *transcode.UnknownSegmentError
		mapping *structure.MappingError
		invalid *xsdvalidate.ValidationError
		kind    Kind
	)
	switch {
	case errors.As(err, &unknown):
		kind = KindParse
	case errors.Is(err, structure.ErrNoStructure):
		kind = KindStructure
	case errors.As(err, &mapping):
		kind = KindMapping
	case errors.As(err, &invalid):
		kind = KindValidation
	default:
		// *schemabundle.LoadError, *xsdvalidate.CompileError and engine
		// failures all mean the schema could not be used.
		kind = KindLoad
	}
	return &Error{Kind: kind, Flow: flow, Err: err}
}

// diagnosticsOf returns the schema diagnostics carried by err, if any.
func diagnosticsOf(err error) []xsdvalidate.Diagnostic {
	var invalid *xsdvalidate.ValidationError
	if errors.As(err, &invalid) {
		return invalid.Diagnostics
	}
	return nil
}
