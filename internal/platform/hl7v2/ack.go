package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Acknowledgement codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string) *Message {
	enc := incoming.Encoding
	if enc.Field == 0 {
		enc = DefaultEncoding
	}

	now := time.Now().UTC()
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))
	msgType := strings.Join([]string{"ACK", incoming.TriggerEvent(), "ACK"}, string(enc.Component))

	ack := &Message{
		Encoding:     enc,
		Type:         msgType,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			literalField(string(enc.Field)),            // MSH-1
			literalField(enc.Characters()),             // MSH-2
			parseField(ack.SendingApp, enc),            // MSH-3
			parseField(ack.SendingFac, enc),            // MSH-4
			parseField(ack.ReceivingApp, enc),          // MSH-5
			parseField(ack.ReceivingFac, enc),          // MSH-6
			literalField(now.Format("20060102150405")), // MSH-7
			literalField(""),                           // MSH-8 (security)
			parseField(msgType, enc),                   // MSH-9
			literalField(controlID),                    // MSH-10
			literalField("P"),                          // MSH-11
			literalField(incoming.Version),             // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			literalField(ackCode),            // MSA-1
			literalField(incoming.ControlID), // MSA-2
		},
	}

	ack.Segments = []Segment{msh, msa}
	return ack
}

// GenerateNAK creates an AE or AR acknowledgement carrying text in MSA-3
// and one ERR segment per detail line. The text is escaped with the
// incoming message's delimiters.
func GenerateNAK(incoming *Message, ackCode, text string, details []string) *Message {
	ack := GenerateACK(incoming, ackCode)
	enc := ack.Encoding

	msa := &ack.Segments[1]
	msa.Fields = append(msa.Fields, literalField(enc.EscapeText(firstLine(text))))

	if len(details) == 0 {
		details = []string{text}
	}
	for _, d := range details {
		ack.Segments = append(ack.Segments, errSegment(enc, d))
	}
	return ack
}

// errSegment builds ERR with ERR-3 (HL7 error code 207), ERR-4 severity and
// ERR-8 user message populated.
func errSegment(enc Encoding, text string) Segment {
	code := strings.Join([]string{"207", "Application internal error", "HL70357"}, string(enc.Component))
	return Segment{
		Name: "ERR",
		Fields: []Field{
			literalField(""),                          // ERR-1
			literalField(""),                          // ERR-2
			parseField(code, enc),                     // ERR-3
			literalField("E"),                         // ERR-4
			literalField(""),                          // ERR-5
			literalField(""),                          // ERR-6
			literalField(""),                          // ERR-7
			literalField(enc.EscapeText(firstLine(text))), // ERR-8
		},
	}
}

func firstLine(s string) string {
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// AckCode returns MSA-1 of an acknowledgement message.
func (m *Message) AckCode() string {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return ""
	}
	return msa.GetField(1)
}

// ---------------------------------------------------------------------------
// Message serialization
// ---------------------------------------------------------------------------

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	sep := string(msg.Encoding.Field)
	if msg.Encoding.Field == 0 {
		sep = string(DefaultEncoding.Field)
	}

	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg, sep))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment, sep string) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself, so MSH-2 follows it directly.
		if len(seg.Fields) < 2 {
			return "MSH" + sep
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH" + sep + strings.Join(parts, sep)
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + sep + strings.Join(parts, sep)
}
