package hl7v2

import (
	"strings"
	"testing"
)

// =========== Sample Messages ===========

const sampleA31 = "MSH|^~\\&|PIMS|RGT|CHEMO|RGT|20240115143025||ADT^A31^ADT_A05|MSG00001|P|2.4\rEVN|A31|20240115143025\rPID|1||MRN12345^^^MRNAuth~NHS999^^^NHS||Doe^John^A||19800515|M\rPV1|1|I|ICU^101^A"

const sampleORU = "MSH|^~\\&|LabSystem|LabFac|EHR|EHRFac|20240115150000||ORU^R01|MSG00002|P|2.5.1\rPID|1||MRN12345^^^MRNAuth||Doe^John||19800515|M\rOBR|1|ORD001|LAB001|85025^CBC^LN|||20240115140000\rOBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|12.0-17.5|N|||F\rOBX|2|NM|4544-3^Hematocrit^LN||40.1|%|36.0-53.0|N|||F"

// =========== Parser Tests ===========

func TestParse_ADT_A31(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ADT^A31^ADT_A05" {
		t.Errorf("expected Type 'ADT^A31^ADT_A05', got %q", msg.Type)
	}
	if msg.ControlID != "MSG00001" {
		t.Errorf("expected ControlID 'MSG00001', got %q", msg.ControlID)
	}
	if msg.Version != "2.4" {
		t.Errorf("expected Version '2.4', got %q", msg.Version)
	}
	if msg.SendingApp != "PIMS" {
		t.Errorf("expected SendingApp 'PIMS', got %q", msg.SendingApp)
	}
	if msg.ReceivingApp != "CHEMO" {
		t.Errorf("expected ReceivingApp 'CHEMO', got %q", msg.ReceivingApp)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Month() != 1 || msg.Timestamp.Day() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
	if msg.RawTimestamp() != "20240115143025" {
		t.Errorf("expected raw timestamp '20240115143025', got %q", msg.RawTimestamp())
	}
}

func TestMessage_TypeAccessors(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := msg.MessageCode(); got != "ADT" {
		t.Errorf("expected MessageCode 'ADT', got %q", got)
	}
	if got := msg.TriggerEvent(); got != "A31" {
		t.Errorf("expected TriggerEvent 'A31', got %q", got)
	}
	if got := msg.StructureID(); got != "ADT_A05" {
		t.Errorf("expected StructureID 'ADT_A05', got %q", got)
	}

	oru, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := oru.StructureID(); got != "" {
		t.Errorf("expected empty StructureID, got %q", got)
	}
}

func TestParse_MSHEncodingFieldIsNotSplit(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msh := msg.GetSegment("MSH")
	if msh.GetField(1) != "|" {
		t.Errorf("expected MSH-1 '|', got %q", msh.GetField(1))
	}
	f := msh.Field(2)
	if f == nil {
		t.Fatal("expected MSH-2")
	}
	if f.Value != "^~\\&" {
		t.Errorf("expected MSH-2 '^~\\&', got %q", f.Value)
	}
	if len(f.Repeats) != 1 || len(f.Components) != 1 {
		t.Errorf("expected MSH-2 to stay whole, got %d reps / %d components", len(f.Repeats), len(f.Components))
	}
}

func TestParse_CustomDelimiters(t *testing.T) {
	raw := "MSH#*%!$#APP#FAC#####ADT*A28#C1#P#2.4\rPID#1##A1%B2*X"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Encoding{Field: '#', Component: '*', Repetition: '%', Escape: '!', Subcomponent: '$'}
	if msg.Encoding != want {
		t.Errorf("expected encoding %+v, got %+v", want, msg.Encoding)
	}
	if msg.TriggerEvent() != "A28" {
		t.Errorf("expected trigger A28, got %q", msg.TriggerEvent())
	}

	pid := msg.GetSegment("PID")
	f := pid.Field(3)
	if f == nil || len(f.Repeats) != 2 {
		t.Fatalf("expected PID-3 with 2 repetitions, got %+v", f)
	}
	if got := f.Repetition(1); len(got) != 2 || got[0] != "B2" || got[1] != "X" {
		t.Errorf("unexpected second repetition: %v", got)
	}
}

func TestParse_Repetitions(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	f := pid.Field(3)
	if f == nil {
		t.Fatal("expected PID-3")
	}
	if len(f.Repeats) != 2 {
		t.Fatalf("expected 2 repetitions, got %d", len(f.Repeats))
	}
	if f.Repeats[1][0] != "NHS999" {
		t.Errorf("expected second repetition id 'NHS999', got %q", f.Repeats[1][0])
	}
	if pid.GetComponent(3, 4) != "MRNAuth" {
		t.Errorf("expected PID-3.4 'MRNAuth', got %q", pid.GetComponent(3, 4))
	}
	if f.Repetition(5) != nil {
		t.Error("expected nil for out-of-range repetition")
	}
}

func TestParse_MultipleSegments(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := []string{"MSH", "EVN", "PID", "PV1"}
	if len(msg.Segments) != len(names) {
		t.Fatalf("expected %d segments, got %d", len(names), len(msg.Segments))
	}
	for i, name := range names {
		if msg.Segments[i].Name != name {
			t.Errorf("expected segment %d to be %q, got %q", i, name, msg.Segments[i].Name)
		}
	}
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse([]byte{})
	if err == nil {
		t.Error("expected error for empty input")
	}
}

func TestParse_NilInput(t *testing.T) {
	_, err := Parse(nil)
	if err == nil {
		t.Error("expected error for nil input")
	}
}

func TestParse_WhitespaceOnly(t *testing.T) {
	_, err := Parse([]byte("\r\n \r"))
	if err == nil {
		t.Error("expected error for whitespace-only input")
	}
}

func TestParse_NoMSH(t *testing.T) {
	_, err := Parse([]byte("PID|1||MRN12345\rPV1|1|I"))
	if err == nil {
		t.Error("expected error for message without MSH")
	}
}

func TestParse_InvalidSegmentName(t *testing.T) {
	tests := []string{
		"MSH|^~\\&|A|B|||20240115||ADT^A31|1|P|2.4\rpid|1",
		"MSH|^~\\&|A|B|||20240115||ADT^A31|1|P|2.4\r1ID|1",
		"MSH|^~\\&|A|B|||20240115||ADT^A31|1|P|2.4\rPI",
		"MSH|^~\\&|A|B|||20240115||ADT^A31|1|P|2.4\rPIDX|1",
	}
	for _, raw := range tests {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestParse_WindowsLineEndings(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\r\nPID|1||MRN001||Smith^Jane\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.GetSegment("PID") == nil {
		t.Fatal("expected PID segment with \\r\\n line endings")
	}
}

func TestParse_UnixLineEndings(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\nPID|1||MRN001||Smith^Jane\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.GetSegment("PID") == nil {
		t.Fatal("expected PID segment with \\n line endings")
	}
}

func TestParse_KeepsTrailingSpaces(t *testing.T) {
	raw := "\x0bMSH|^~\\&|App|Fac|||20240115143025||ADT^A31|CTRL1|P|2.4\rPV1||U \r\x1c\r"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(msg.Segments))
	}
	if got := msg.GetSegment("PV1").Field(2).Value; got != "U " {
		t.Errorf("expected PV1-2 %q, got %q", "U ", got)
	}
}

func TestMessage_GetSegments(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(msg.GetSegments("OBX")); got != 2 {
		t.Errorf("expected 2 OBX segments, got %d", got)
	}
	if got := len(msg.GetSegments("ZZZ")); got != 0 {
		t.Errorf("expected 0 ZZZ segments, got %d", got)
	}
}

func TestSegment_GetComponent_OutOfRange(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if comp := pid.GetComponent(3, 99); comp != "" {
		t.Errorf("expected empty string for out-of-range component, got %q", comp)
	}
	if comp := pid.GetComponent(99, 1); comp != "" {
		t.Errorf("expected empty string for out-of-range field, got %q", comp)
	}
	if pid.Field(0) != nil {
		t.Error("expected nil for field index 0")
	}
}

func TestEncoding_EscapeText(t *testing.T) {
	got := DefaultEncoding.EscapeText(`a|b^c~d\e&f`)
	want := `a\F\b\S\c\R\d\E\e\T\f`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if DefaultEncoding.Characters() != "^~\\&" {
		t.Errorf("unexpected encoding characters %q", DefaultEncoding.Characters())
	}
	if strings.Contains(DefaultEncoding.EscapeText("plain"), "\\") {
		t.Error("plain text should not be escaped")
	}
}

func TestField_ComponentAccessors(t *testing.T) {
	msg, err := Parse([]byte(sampleA31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f := msg.GetSegment("PID").Field(3)
	if len(f.Repetitions()) != 2 {
		t.Fatalf("expected 2 repetitions, got %d", len(f.Repetitions()))
	}
	if got := f.Component(1, 4); got != "NHS" {
		t.Errorf("expected rep 2 component 4 'NHS', got %q", got)
	}
	if got := f.Component(0, 0); got != "" {
		t.Errorf("expected empty for component 0, got %q", got)
	}
	if got := f.Component(3, 1); got != "" {
		t.Errorf("expected empty for missing repetition, got %q", got)
	}
}
