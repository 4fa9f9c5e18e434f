package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for inspecting raw HL7v2 messages.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

type messageJSON struct {
	Type         string        `json:"type"`
	MessageCode  string        `json:"messageCode"`
	TriggerEvent string        `json:"triggerEvent"`
	StructureID  string        `json:"structureId,omitempty"`
	ControlID    string        `json:"controlId"`
	Version      string        `json:"version"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Charset      string        `json:"charset,omitempty"`
	SendingApp   string        `json:"sendingApp"`
	SendingFac   string        `json:"sendingFac"`
	ReceivingApp string        `json:"receivingApp"`
	ReceivingFac string        `json:"receivingFac"`
	Encoding     string        `json:"encoding"`
	Segments     []segmentJSON `json:"segments"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	decoded, _, err := DecodeCharset(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	msg, err := Parse(decoded)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, toMessageJSON(msg))
}

func toMessageJSON(msg *Message) messageJSON {
	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	out := messageJSON{
		Type:         msg.Type,
		MessageCode:  msg.MessageCode(),
		TriggerEvent: msg.TriggerEvent(),
		StructureID:  msg.StructureID(),
		ControlID:    msg.ControlID,
		Version:      msg.Version,
		Charset:      msg.Charset,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Encoding:     string(msg.Encoding.Field) + msg.Encoding.Characters(),
		Segments:     segments,
	}
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}
	return out
}
