package schemabundle

import (
	"encoding/xml"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// The structs below decode only the XSD constructs HL7v2-XML bundles use.
// Tags carry no namespace so both xs: and xsd: prefixes match.

type xsdSchema struct {
	XMLName      xml.Name         `xml:"schema"`
	Includes     []xsdInclude     `xml:"include"`
	Elements     []xsdElement     `xml:"element"`
	ComplexTypes []xsdComplexType `xml:"complexType"`
}

type xsdInclude struct {
	SchemaLocation string `xml:"schemaLocation,attr"`
}

type xsdElement struct {
	Name      string `xml:"name,attr"`
	Ref       string `xml:"ref,attr"`
	Type      string `xml:"type,attr"`
	MinOccurs string `xml:"minOccurs,attr"`
	MaxOccurs string `xml:"maxOccurs,attr"`
}

type xsdComplexType struct {
	Name           string      `xml:"name,attr"`
	Sequence       *xsdGroup   `xml:"sequence"`
	ComplexContent *xsdContent `xml:"complexContent"`
	SimpleContent  *xsdContent `xml:"simpleContent"`
}

type xsdGroup struct {
	Elements []xsdElement `xml:"element"`
}

type xsdContent struct {
	Extension *xsdExtension `xml:"extension"`
}

type xsdExtension struct {
	Base     string    `xml:"base,attr"`
	Sequence *xsdGroup `xml:"sequence"`
}

func readSchema(fsys fs.FS, p string) (*xsdSchema, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, err
	}
	var s xsdSchema
	if err := xml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse xsd: %w", err)
	}
	return &s, nil
}

// localName drops a namespace prefix ("hl7:PID.3" -> "PID.3").
func localName(qname string) string {
	if idx := strings.LastIndexByte(qname, ':'); idx >= 0 {
		return qname[idx+1:]
	}
	return qname
}

// name returns the element's reference target, or its own name for local
// declarations.
func (e xsdElement) name() string {
	if e.Ref != "" {
		return localName(e.Ref)
	}
	return e.Name
}

func (e xsdElement) member() (Member, error) {
	m := Member{Ref: e.name(), MinOccurs: 1, MaxOccurs: Occurs{Max: 1}}
	if e.MinOccurs != "" {
		n, err := strconv.Atoi(strings.TrimSpace(e.MinOccurs))
		if err != nil || n < 0 {
			return Member{}, fmt.Errorf("element %s: invalid minOccurs %q", m.Ref, e.MinOccurs)
		}
		m.MinOccurs = n
	}
	maxOccurs, err := ParseOccurs(e.MaxOccurs)
	if err != nil {
		return Member{}, fmt.Errorf("element %s: %w", m.Ref, err)
	}
	m.MaxOccurs = maxOccurs
	return m, nil
}

func (g *xsdGroup) members() ([]Member, error) {
	if g == nil {
		return nil, nil
	}
	out := make([]Member, 0, len(g.Elements))
	for _, e := range g.Elements {
		m, err := e.member()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// extension returns whichever content extension the type declares.
func (ct xsdComplexType) extension() *xsdExtension {
	if ct.ComplexContent != nil && ct.ComplexContent.Extension != nil {
		return ct.ComplexContent.Extension
	}
	if ct.SimpleContent != nil && ct.SimpleContent.Extension != nil {
		return ct.SimpleContent.Extension
	}
	return nil
}

// sequence returns the type's own sequence, or one declared inside its
// extension.
func (ct xsdComplexType) sequence() *xsdGroup {
	if ct.Sequence != nil {
		return ct.Sequence
	}
	if ext := ct.extension(); ext != nil {
		return ext.Sequence
	}
	return nil
}
