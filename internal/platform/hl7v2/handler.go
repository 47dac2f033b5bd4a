package hl7v2

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7ingest/internal/platform/fhir"
)

// Handler exposes the decoder for troubleshooting feeds. Nothing it does
// touches storage.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers the decoder endpoints on g.
//
//	POST /hl7v2/parse   - decode one HL7v2 message into JSON
//	POST /hl7v2/split   - split a batch file into its messages
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/split", h.SplitMessages)
}

type fieldJSON struct {
	Index       int        `json:"index"`
	Value       string     `json:"value"`
	Components  []string   `json:"components,omitempty"`
	Repetitions [][]string `json:"repetitions,omitempty"`
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type messageJSON struct {
	Type         string        `json:"type"`
	ControlID    string        `json:"controlId"`
	ProcessingID string        `json:"processingId,omitempty"`
	Version      string        `json:"version"`
	Charset      string        `json:"charset,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	SendingApp   string        `json:"sendingApp,omitempty"`
	SendingFac   string        `json:"sendingFac,omitempty"`
	ReceivingApp string        `json:"receivingApp,omitempty"`
	ReceivingFac string        `json:"receivingFac,omitempty"`
	Delimiters   string        `json:"delimiters"`
	Segments     []segmentJSON `json:"segments"`
}

func toJSON(msg *Message) messageJSON {
	d := msg.Delimiters
	out := messageJSON{
		Type:         msg.Type,
		ControlID:    msg.ControlID,
		ProcessingID: msg.ProcessingID,
		Version:      msg.Version,
		Charset:      msg.Charset,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Delimiters:   string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent}),
		Segments:     make([]segmentJSON, len(msg.Segments)),
	}
	if !msg.Timestamp.IsZero() {
		ts := msg.Timestamp
		out.Timestamp = &ts
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		sj := segmentJSON{Name: seg.Name, Fields: make([]fieldJSON, 0, len(seg.Fields))}
		for j, f := range seg.Fields {
			idx := j + 1
			fj := fieldJSON{Index: idx, Value: f.Value}
			if len(f.Components) > 1 {
				for c := range f.Components {
					fj.Components = append(fj.Components, seg.GetComponent(idx, c+1))
				}
			}
			if len(f.Repeats) > 1 {
				fj.Repetitions = f.Repeats
			}
			sj.Fields = append(sj.Fields, fj)
		}
		out.Segments[i] = sj
	}
	return out
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}
	return body, nil
}

// ParseMessage decodes the raw body. Decode failures answer 422 with the
// failure kind as the issue diagnostics prefix.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}

	msg, err := Decode(body)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeInvalid, string(de.Kind)+": "+de.Detail))
		}
		return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}
	return c.JSON(http.StatusOK, toJSON(msg))
}

type splitEntry struct {
	Index     int    `json:"index"`
	Type      string `json:"type,omitempty"`
	ControlID string `json:"controlId,omitempty"`
	Error     string `json:"error,omitempty"`
	Segments  int    `json:"segments"`
}

// SplitMessages splits a batch file (FHS/BHS envelopes allowed) and
// summarizes each message without decoding it fully.
func (h *Handler) SplitMessages(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}

	parts := SplitBatch(body)
	out := make([]splitEntry, len(parts))
	for i, p := range parts {
		out[i] = splitEntry{Index: i}
		msg, err := Decode(p)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Type = msg.Type
		out[i].ControlID = msg.ControlID
		out[i].Segments = len(msg.Segments)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"count": len(out), "messages": out})
}
