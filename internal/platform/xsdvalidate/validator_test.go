package xsdvalidate

import (
	"errors"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/internal/platform/schemabundle"
	"github.com/ehr/hl7hub/internal/platform/schemabundle/bundletest"
	"github.com/ehr/hl7hub/internal/platform/transcode"
)

const personXSD = `<?xml version="1.0"?>
<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"
           targetNamespace="urn:example:person"
           elementFormDefault="qualified">
  <xs:include schemaLocation="common.xsd"/>
  <xs:element name="person">
    <xs:complexType>
      <xs:sequence>
        <xs:element name="name" type="xs:string"/>
        <xs:element ref="age"/>
      </xs:sequence>
    </xs:complexType>
  </xs:element>
</xs:schema>`

const commonXSD = `<?xml version="1.0"?>
<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"
           targetNamespace="urn:example:person"
           elementFormDefault="qualified">
  <xs:element name="age" type="xs:integer"/>
</xs:schema>`

func personFS() fstest.MapFS {
	return fstest.MapFS{
		"people/person.xsd": {Data: []byte(personXSD)},
		"people/common.xsd": {Data: []byte(commonXSD)},
	}
}

func TestValidate_Valid(t *testing.T) {
	v := New(personFS(), zerolog.Nop())

	doc := `<person xmlns="urn:example:person"><name>Ann</name><age>30</age></person>`
	require.NoError(t, v.Validate(doc, "people/person.xsd"))
	// Same verdict on a second pass.
	require.NoError(t, v.Validate(doc, "people/person.xsd"))
}

func TestValidate_MissingElement(t *testing.T) {
	v := New(personFS(), zerolog.Nop())

	err := v.Validate(`<person xmlns="urn:example:person"><name>Ann</name></person>`, "people/person.xsd")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "people/person.xsd", ve.Path)
	require.NotEmpty(t, ve.Diagnostics)
	assert.Equal(t, []string{"age"}, ve.Diagnostics[0].Expected)
	assert.Contains(t, err.Error(), "'age' expected")
}

func TestValidate_BadDatatype(t *testing.T) {
	v := New(personFS(), zerolog.Nop())

	err := v.Validate(`<person xmlns="urn:example:person"><name>Ann</name><age>old</age></person>`, "people/person.xsd")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Messages())
}

func TestCompile_Cached(t *testing.T) {
	v := New(personFS(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Compile("people/person.xsd")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := v.Compile("people/./person.xsd")
	require.NoError(t, err)
	b, err := v.Compile("people/person.xsd")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, v.Cached())
}

func TestCompile_Missing(t *testing.T) {
	v := New(personFS(), zerolog.Nop())

	_, err := v.Compile("people/nobody.xsd")
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "people/nobody.xsd", ce.Path)
	assert.Zero(t, v.Cached())

	err = v.Validate("<person/>", "people/nobody.xsd")
	require.ErrorAs(t, err, &ce)
}

func TestDiagnosticString(t *testing.T) {
	tests := []struct {
		name string
		d    Diagnostic
		want string
	}{
		{"single", Diagnostic{Line: 3, Message: "content model not accepted", Expected: []string{"PV1"}}, "line 3: content model not accepted: 'PV1' expected"},
		{"many", Diagnostic{Message: "no content model match", Actual: "PV1", Expected: []string{"MRG", "PD1"}}, "no content model match: unexpected 'PV1': one of 'MRG', 'PD1' expected"},
		{"plain", Diagnostic{Line: 1, Message: "bad"}, "line 1: bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.String())
		})
	}
}

func TestLocalName(t *testing.T) {
	assert.Equal(t, "PV1", localName("{urn:hl7-org:v2xml}PV1"))
	assert.Equal(t, "PV1", localName("PV1"))
	assert.Equal(t, "", localName(""))
}

// transcodeFlow renders raw through the flow bundle so the validator sees
// the same documents the service produces.
func transcodeFlow(t *testing.T, raw, schemaPath, root string) string {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	require.NoError(t, err)
	tr := transcode.New(schemabundle.NewLoader(bundletest.Flows(), zerolog.Nop()))
	doc, err := tr.Transcode(msg, schemaPath, root, transcode.Options{})
	require.NoError(t, err)
	return doc
}

func TestValidate_FlowBundles(t *testing.T) {
	v := New(bundletest.Flows(), zerolog.Nop())

	t.Run("chemo valid", func(t *testing.T) {
		doc := transcodeFlow(t, bundletest.ChemoA31, "chemo/ADT_A05.xsd", "ADT_A05")
		require.NoError(t, v.Validate(doc, "chemo/ADT_A05.xsd"))
		require.NoError(t, v.Validate(doc, "chemo/ADT_A05.xsd"))
	})

	t.Run("chemo missing PV1", func(t *testing.T) {
		doc := transcodeFlow(t, bundletest.ChemoA31NoPV1, "chemo/ADT_A05.xsd", "ADT_A05")
		err := v.Validate(doc, "chemo/ADT_A05.xsd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PV1' expected")
	})

	t.Run("pims A40 valid", func(t *testing.T) {
		doc := transcodeFlow(t, bundletest.PimsA40, "pims/ADT_A39.xsd", "ADT_A39")
		require.NoError(t, v.Validate(doc, "pims/ADT_A39.xsd"))
	})

	t.Run("pims A40 missing MRG", func(t *testing.T) {
		doc := transcodeFlow(t, bundletest.PimsA40NoMRG, "pims/ADT_A39.xsd", "ADT_A39")
		err := v.Validate(doc, "pims/ADT_A39.xsd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MRG' expected")
	})
}
