package hl7v2

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
)

// hl7Charsets maps HL7 table 0211 character set codes onto IANA labels.
var hl7Charsets = map[string]string{
	"ASCII":          "us-ascii",
	"8859/1":         "iso-8859-1",
	"8859/2":         "iso-8859-2",
	"8859/3":         "iso-8859-3",
	"8859/4":         "iso-8859-4",
	"8859/5":         "iso-8859-5",
	"8859/6":         "iso-8859-6",
	"8859/7":         "iso-8859-7",
	"8859/8":         "iso-8859-8",
	"8859/9":         "iso-8859-9",
	"8859/15":        "iso-8859-15",
	"UNICODE":        "utf-8",
	"UNICODE UTF-8":  "utf-8",
	"ISO IR87":       "iso-2022-jp",
	"ISO IR159":      "iso-2022-jp",
	"GB 18030-2000":  "gb18030",
	"KS X 1001":      "euc-kr",
	"CNS 11643-1992": "big5",
	"BIG-5":          "big5",
}

// DecodeCharset converts raw message bytes to UTF-8 according to the
// character set named in MSH-18. Messages without MSH-18, or declaring an
// UTF-8 or an unrecognised set, are returned unchanged. The second return
// value is the charset that was applied.
func DecodeCharset(raw []byte) ([]byte, string, error) {
	code := declaredCharset(raw)
	if code == "" {
		return raw, "", nil
	}

	label, ok := hl7Charsets[strings.ToUpper(code)]
	if !ok {
		label = code
	}

	enc, name := charset.Lookup(label)
	if enc == nil {
		return raw, "", nil
	}
	if name == "utf-8" {
		return raw, name, nil
	}

	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, "", fmt.Errorf("hl7v2: decode %s: %w", name, err)
	}
	return out, name, nil
}

// declaredCharset extracts the first repetition of MSH-18 without running
// the full parser, since decoding has to happen before parsing.
func declaredCharset(raw []byte) string {
	line := raw
	if idx := bytes.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = bytes.TrimLeft(line, " \t\x0b")
	if len(line) < 4 || !bytes.HasPrefix(line, []byte("MSH")) {
		return ""
	}

	sep := line[3]
	parts := bytes.Split(line[4:], []byte{sep})
	// parts[0] is MSH-2, so MSH-18 is parts[16].
	if len(parts) < 17 {
		return ""
	}
	value := string(parts[16])

	rep := byte('~')
	if len(parts[0]) >= 2 {
		rep = parts[0][1]
	}
	if idx := strings.IndexByte(value, rep); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}
