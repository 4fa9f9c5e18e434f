// Package bundletest provides HL7v2-XML schema bundles for tests.
//
// Flows (Flows):
//
//	chemo/  ADT_A05 (PV1 required)
//	pims/   ADT_A05, ADT_A39 (PATIENT group: PID, PD1, MRG, PV1)
//
// Standards (Standards):
//
//	2.4/    ADT_A05, ADT_A39
package bundletest

import (
	"embed"
	"io/fs"
)

//go:embed schemas standards
var files embed.FS

// Flows returns the flow bundles rooted so that "chemo/ADT_A05.xsd" resolves.
func Flows() fs.FS {
	return sub("schemas")
}

// Standards returns the per-version standard bundles rooted so that
// "2.4/ADT_A05.xsd" resolves.
func Standards() fs.FS {
	return sub("standards")
}

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}

// Messages used across package tests.
const (
	// ChemoA31 is a valid ADT^A31 for the chemo flow (resolves to ADT_A05).
	ChemoA31 = "MSH|^~\\&|212|212|200|200|20250701140735||ADT^A31|201600952808665|P|2.4|||NE|NE\r" +
		"EVN|Sub|20250701140735\r" +
		"PID|1|1000000001^^^^NH|8888888^^^252^PI~6666666666^^^NHS^NH||SMITH^JOHN||19800101|M\r" +
		"PD1||||G7000001\r" +
		"PV1||U"

	// ChemoA31NoPV1 is ChemoA31 with its PV1 segment removed.
	ChemoA31NoPV1 = "MSH|^~\\&|212|212|200|200|20250701140735||ADT^A31|201600952808665|P|2.4|||NE|NE\r" +
		"EVN|Sub|20250701140735\r" +
		"PID|1|1000000001^^^^NH|8888888^^^252^PI~6666666666^^^NHS^NH||SMITH^JOHN||19800101|M\r" +
		"PD1||||G7000001"

	// PimsA40 is a valid ADT^A40 merge for the pims flow (resolves to ADT_A39).
	PimsA40 = "MSH|^~\\&|PIMS|RGT|EMPI|RGT|20250701140735||ADT^A40|PIMS000001|P|2.4\r" +
		"EVN|A40|20250701140735\r" +
		"PID|1||1000000001^^^^NH||SMITH^JOHN\r" +
		"PD1||||G7000001\r" +
		"MRG|1000000002^^^^NH\r" +
		"PV1||U"

	// PimsA40NoMRG is PimsA40 with its MRG segment removed.
	PimsA40NoMRG = "MSH|^~\\&|PIMS|RGT|EMPI|RGT|20250701140735||ADT^A40|PIMS000002|P|2.4\r" +
		"EVN|A40|20250701140735\r" +
		"PID|1||1000000001^^^^NH||SMITH^JOHN\r" +
		"PD1||||G7000001\r" +
		"PV1||U"

	// PimsA28NoEVNNoPV1 relies on EVN and PV1 synthesis to be valid.
	PimsA28NoEVNNoPV1 = "MSH|^~\\&|PIMS|RGT|CHEMO|RGT|20250701140735||ADT^A28|PIMS000003|P|2.4\r" +
		"PID|1||1000000001^^^^NH||SMITH^JOHN\r" +
		"AL1|1||PEN^Penicillin"

	// UnknownSegment carries a segment no bundle declares.
	UnknownSegment = "MSH|^~\\&|212|212|200|200|20250701140735||ADT^A31|201600952808666|P|2.4\r" +
		"EVN|Sub|20250701140735\r" +
		"PID|1||1000000001^^^^NH||SMITH^JOHN\r" +
		"XXX|1|foo\r" +
		"PV1||U"
)
