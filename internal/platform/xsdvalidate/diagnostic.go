package xsdvalidate

import (
	"fmt"
	"strings"

	xsderrors "github.com/jacoelho/xsd/errors"
)

// Diagnostic is one schema violation.
type Diagnostic struct {
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Code     string   `json:"code"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
	Actual   string   `json:"actual,omitempty"`
	Expected []string `json:"expected,omitempty"`
}

func diagnosticFrom(v xsderrors.Validation) Diagnostic {
	d := Diagnostic{
		Line:    v.Line,
		Column:  v.Column,
		Code:    v.Code,
		Path:    v.Path,
		Message: v.Message,
		Actual:  localName(v.Actual),
	}
	for _, e := range v.Expected {
		d.Expected = append(d.Expected, localName(e))
	}
	return d
}

// String renders the diagnostic as
// "line 12: content model not accepted: 'PV1' expected".
func (d Diagnostic) String() string {
	var b strings.Builder
	if d.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", d.Line)
	}
	b.WriteString(d.Message)
	if d.Actual != "" {
		fmt.Fprintf(&b, ": unexpected '%s'", d.Actual)
	}
	switch len(d.Expected) {
	case 0:
	case 1:
		fmt.Fprintf(&b, ": '%s' expected", d.Expected[0])
	default:
		quoted := make([]string, len(d.Expected))
		for i, e := range d.Expected {
			quoted[i] = "'" + e + "'"
		}
		fmt.Fprintf(&b, ": one of %s expected", strings.Join(quoted, ", "))
	}
	return b.String()
}

// ValidationError reports a document that does not conform to its schema.
// Diagnostics are in the order the engine reported them.
type ValidationError struct {
	Path        string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	switch len(e.Diagnostics) {
	case 0:
		return fmt.Sprintf("xsdvalidate: document invalid against %s", e.Path)
	case 1:
		return fmt.Sprintf("xsdvalidate: %s: %s", e.Path, e.Diagnostics[0])
	default:
		return fmt.Sprintf("xsdvalidate: %s: %s (and %d more)", e.Path, e.Diagnostics[0], len(e.Diagnostics)-1)
	}
}

// Messages returns every diagnostic rendered as text.
func (e *ValidationError) Messages() []string {
	out := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		out[i] = d.String()
	}
	return out
}

// localName strips a "{namespace}" prefix from an expanded name.
func localName(name string) string {
	if strings.HasPrefix(name, "{") {
		if i := strings.IndexByte(name, '}'); i >= 0 {
			return name[i+1:]
		}
	}
	return name
}
