package validation

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7hub/internal/platform/xsdvalidate"
)

// Sources of stored results.
const (
	SourceHTTP = "http"
	SourceMLLP = "mllp"
	SourceCLI  = "cli"
)

// ValidationResult is the outcome of validating one message under one
// flow. XML is populated whether or not the document is valid.
type ValidationResult struct {
	XML              string                   `json:"xml"`
	StructureID      string                   `json:"structure_id"`
	MessageType      string                   `json:"message_type,omitempty"`
	TriggerEvent     string                   `json:"trigger_event,omitempty"`
	MessageControlID string                   `json:"message_control_id,omitempty"`
	IsValid          bool                     `json:"is_valid"`
	ErrorMessage     string                   `json:"error_message,omitempty"`
	Diagnostics      []xsdvalidate.Diagnostic `json:"diagnostics,omitempty"`
}

// OK reports whether the document passed schema validation.
func (r *ValidationResult) OK() bool {
	return r != nil && r.IsValid
}

// Record is a stored validation outcome.
type Record struct {
	ID               uuid.UUID                `json:"id"`
	Flow             string                   `json:"flow"`
	StandardVersion  string                   `json:"standard_version,omitempty"`
	StructureID      string                   `json:"structure_id"`
	MessageType      string                   `json:"message_type,omitempty"`
	TriggerEvent     string                   `json:"trigger_event,omitempty"`
	MessageControlID string                   `json:"message_control_id,omitempty"`
	IsValid          bool                     `json:"is_valid"`
	ErrorKind        Kind                     `json:"error_kind,omitempty"`
	ErrorMessage     string                   `json:"error_message,omitempty"`
	Diagnostics      []xsdvalidate.Diagnostic `json:"diagnostics,omitempty"`
	XMLDocument      string                   `json:"xml_document,omitempty"`
	RawMessage       string                   `json:"raw_message"`
	Source           string                   `json:"source"`
	CreatedAt        time.Time                `json:"created_at"`
}

// NewRecord captures res for storage. A nil res with a non-nil err records
// a message that never reached schema validation.
func NewRecord(flow, source string, raw []byte, res *ValidationResult, err error) *Record {
	rec := &Record{
		ID:         uuid.New(),
		Flow:       flow,
		RawMessage: string(raw),
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
	if res != nil {
		rec.StructureID = res.StructureID
		rec.MessageType = res.MessageType
		rec.TriggerEvent = res.TriggerEvent
		rec.MessageControlID = res.MessageControlID
		rec.IsValid = res.IsValid
		rec.ErrorMessage = res.ErrorMessage
		rec.Diagnostics = res.Diagnostics
		rec.XMLDocument = res.XML
		if !res.IsValid {
			rec.ErrorKind = KindValidation
		}
	}
	if err != nil {
		rec.IsValid = false
		rec.ErrorKind = KindOf(err)
		rec.ErrorMessage = err.Error()
	}
	return rec
}

// Result returns the stored outcome in its API shape.
func (r *Record) Result() *ValidationResult {
	return &ValidationResult{
		XML:              r.XMLDocument,
		StructureID:      r.StructureID,
		MessageType:      r.MessageType,
		TriggerEvent:     r.TriggerEvent,
		MessageControlID: r.MessageControlID,
		IsValid:          r.IsValid,
		ErrorMessage:     r.ErrorMessage,
		Diagnostics:      r.Diagnostics,
	}
}
