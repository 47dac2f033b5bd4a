package ingestion

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

// RawMessage is one inbound payload as received. ControlID is optional; when
// set it must agree with MSH-10.
type RawMessage struct {
	SourceSystem string    `json:"sourceSystem"`
	ControlID    string    `json:"controlId,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
	Payload      []byte    `json:"-"`
}

// Batch is an ordered submission of raw messages.
type Batch struct {
	ID           uuid.UUID
	SourceSystem string
	SubmittedBy  string
	ReceivedAt   time.Time
	Messages     []RawMessage
}

// DecodedMessage is a decoded payload bound to its source system.
type DecodedMessage struct {
	SourceSystem string
	ControlID    string
	// SuppliedControlID is the control ID the caller sent alongside the payload.
	SuppliedControlID string
	Category          Category
	Message           *hl7v2.Message
}

// Decode decodes raw and derives its category. The control ID is always
// MSH-10; a caller-supplied one is only compared against it.
func Decode(raw RawMessage) (*DecodedMessage, error) {
	msg, err := hl7v2.Decode(raw.Payload)
	if err != nil {
		return nil, err
	}
	return &DecodedMessage{
		SourceSystem:      raw.SourceSystem,
		ControlID:         msg.ControlID,
		SuppliedControlID: raw.ControlID,
		Category:          CategoryOf(msg.MessageCode(), msg.TriggerEvent()),
		Message:           msg,
	}, nil
}

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Finding codes.
const (
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeMissingSegment         = "MISSING_SEGMENT"
	CodeSegmentCardinality     = "SEGMENT_CARDINALITY"
	CodeMissingRequiredField   = "MISSING_REQUIRED_FIELD"
	CodeInvalidFormat          = "INVALID_FORMAT"
	CodeInvalidCode            = "INVALID_CODE"
	CodeControlIDMismatch      = "CONTROL_ID_MISMATCH"
	CodeDuplicateObservation   = "DUPLICATE_OBSERVATION_KEY"
)

// Finding is one validation result. Location reads "SEG[n]-F.C", with n the
// 1-based occurrence of the segment.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Location string   `json:"location,omitempty"`
	Message  string   `json:"message"`
}

// HasErrors reports whether any finding blocks ingestion.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusDuplicate Status = "DUPLICATE"
)

// Outcome error codes. Decode and mapping codes reuse the kinds of the
// underlying errors.
const (
	ErrCodeMalformedHeader     = "MALFORMED_HEADER"
	ErrCodeEncoding            = "ENCODING"
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeMissingControlID    = "MISSING_CONTROL_ID"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeConstraint          = "CONSTRAINT_VIOLATION"
	ErrCodeTimeout             = "TIMEOUT"
)

type OutcomeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IngestionRef identifies the batch position that first accepted a message.
type IngestionRef struct {
	BatchID      uuid.UUID `json:"batchId"`
	MessageIndex int       `json:"messageIndex"`
}

// Original is what a DUPLICATE outcome points back to.
type Original struct {
	IngestionRef
	AcceptedAt time.Time            `json:"acceptedAt"`
	Resources  []clinical.RecordRef `json:"resources,omitempty"`
}

// Outcome is the result for one message of a batch.
type Outcome struct {
	Index       int                  `json:"index"`
	ControlID   string               `json:"controlId,omitempty"`
	MessageType string               `json:"messageType,omitempty"`
	Status      Status               `json:"status"`
	Resources   []clinical.RecordRef `json:"resources,omitempty"`
	Findings    []Finding            `json:"findings,omitempty"`
	Error       *OutcomeError        `json:"error,omitempty"`
	Original    *Original            `json:"original,omitempty"`
}

type Counts struct {
	Total     int `json:"total"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Duplicate int `json:"duplicate"`
}

// BatchStatus summarises a report.
type BatchStatus string

const (
	BatchAccepted BatchStatus = "ACCEPTED"
	BatchPartial  BatchStatus = "PARTIAL"
	BatchRejected BatchStatus = "REJECTED"
)

// BatchReport lists outcomes in input order. It is not modified after Ingest
// returns it.
type BatchReport struct {
	ID           uuid.UUID   `json:"id"`
	SourceSystem string      `json:"sourceSystem"`
	SubmittedBy  string      `json:"submittedBy,omitempty"`
	ReceivedAt   time.Time   `json:"receivedAt"`
	CompletedAt  time.Time   `json:"completedAt"`
	Status       BatchStatus `json:"status"`
	Counts       Counts      `json:"counts"`
	Outcomes     []Outcome   `json:"outcomes"`
}

func countOutcomes(outcomes []Outcome) Counts {
	c := Counts{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusAccepted:
			c.Accepted++
		case StatusRejected:
			c.Rejected++
		case StatusDuplicate:
			c.Duplicate++
		}
	}
	return c
}

// batchStatus is ACCEPTED when nothing was rejected, REJECTED when
// everything was, PARTIAL otherwise. An empty batch counts as accepted.
func batchStatus(c Counts) BatchStatus {
	switch {
	case c.Rejected == 0:
		return BatchAccepted
	case c.Rejected == c.Total:
		return BatchRejected
	default:
		return BatchPartial
	}
}

// HTTPStatus maps the aggregate outcome onto a response code.
func (s BatchStatus) HTTPStatus() int {
	switch s {
	case BatchPartial:
		return http.StatusMultiStatus
	case BatchRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
