package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7ingest/internal/platform/auth"
	"github.com/ehr/hl7ingest/internal/platform/fhir"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
	"github.com/ehr/hl7ingest/pkg/pagination"
)

// SourceSystemHeader names the source system for raw HL7 bodies.
const SourceSystemHeader = "X-Source-System"

type Handler struct {
	coord    *Coordinator
	ledger   Ledger
	reports  ReportRepository
	authz    auth.Authorizer
	maxBatch int
}

func NewHandler(coord *Coordinator, ledger Ledger, reports ReportRepository, authz auth.Authorizer, maxBatch int) *Handler {
	return &Handler{coord: coord, ledger: ledger, reports: reports, authz: authz, maxBatch: maxBatch}
}

// RegisterRoutes mounts the HL7 endpoints on g. submit wraps the two
// ingestion endpoints only.
//
//	POST /hl7/batches                              - ingest a batch
//	POST /hl7/messages                             - ingest one message
//	GET  /hl7/batches                              - list reports
//	GET  /hl7/batches/:id                          - one report
//	GET  /hl7/messages/:source/:controlId/status   - ledger state and latest outcome
//	POST /hl7/validate                             - dry run
func (h *Handler) RegisterRoutes(g *echo.Group, submit ...echo.MiddlewareFunc) {
	g.POST("/hl7/batches", h.SubmitBatch, submit...)
	g.POST("/hl7/messages", h.SubmitMessage, submit...)
	g.GET("/hl7/batches", h.ListBatches)
	g.GET("/hl7/batches/:id", h.GetBatch)
	g.GET("/hl7/messages/:source/:controlId/status", h.MessageStatus)
	g.POST("/hl7/validate", h.ValidateMessage)
}

type messageRequest struct {
	ControlID string `json:"controlId,omitempty"`
	Payload   string `json:"payload"`
}

type batchRequest struct {
	SourceSystem string           `json:"sourceSystem"`
	Messages     []messageRequest `json:"messages"`
}

func outcomeError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, msg))
}

// badBody answers 413 when the body limit cut the read short, 400 otherwise.
func badBody(c echo.Context, err error) error {
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return outcomeError(c, http.StatusRequestEntityTooLarge, fhir.IssueTypeTooLong, "request body too large")
	}
	return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
}

func isRawHL7(c echo.Context) bool {
	mt, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	return mt == "application/hl7-v2" || mt == "x-application/hl7-v2+er7" || mt == echo.MIMETextPlain
}

// readBatch accepts either the JSON envelope or a raw HL7 batch file.
func (h *Handler) readBatch(c echo.Context) (Batch, error) {
	now := h.coord.nowFunc().UTC()
	b := Batch{ReceivedAt: now, SubmittedBy: auth.UserIDFromContext(c.Request().Context())}

	if isRawHL7(c) {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return b, fmt.Errorf("read body: %w", err)
		}
		b.SourceSystem = strings.TrimSpace(c.Request().Header.Get(SourceSystemHeader))
		for _, p := range hl7v2.SplitBatch(body) {
			b.Messages = append(b.Messages, RawMessage{SourceSystem: b.SourceSystem, ReceivedAt: now, Payload: p})
		}
	} else {
		var req batchRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return b, fmt.Errorf("invalid JSON body: %w", err)
		}
		b.SourceSystem = strings.TrimSpace(req.SourceSystem)
		for _, m := range req.Messages {
			b.Messages = append(b.Messages, RawMessage{
				SourceSystem: b.SourceSystem,
				ControlID:    m.ControlID,
				ReceivedAt:   now,
				Payload:      []byte(m.Payload),
			})
		}
	}

	if b.SourceSystem == "" {
		return b, errors.New("source system is required")
	}
	return b, nil
}

// ingest authorizes and runs b, then writes the report or the error.
func (h *Handler) ingest(c echo.Context, b Batch, single bool) error {
	ctx := c.Request().Context()
	if d := h.authz.Decide(ctx, auth.ActionIngest, b.SourceSystem); !d.Allowed {
		return outcomeError(c, http.StatusForbidden, fhir.IssueTypeForbidden, d.Reason)
	}

	report, err := h.coord.Ingest(ctx, b)
	if errors.Is(err, ErrInfrastructureUnavailable) {
		return outcomeError(c, http.StatusServiceUnavailable, fhir.IssueTypeTransient, err.Error())
	}
	if err != nil {
		return outcomeError(c, http.StatusInternalServerError, fhir.IssueTypeException, err.Error())
	}

	c.Response().Header().Set("X-Batch-ID", report.ID.String())
	if single {
		return c.JSON(report.Status.HTTPStatus(), report.Outcomes[0])
	}
	return c.JSON(report.Status.HTTPStatus(), report)
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	b, err := h.readBatch(c)
	if err != nil {
		return badBody(c, err)
	}
	if len(b.Messages) == 0 {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeRequired, "batch contains no messages")
	}
	if h.maxBatch > 0 && len(b.Messages) > h.maxBatch {
		return outcomeError(c, http.StatusRequestEntityTooLarge, fhir.IssueTypeTooLong,
			fmt.Sprintf("batch has %d messages, at most %d allowed", len(b.Messages), h.maxBatch))
	}
	return h.ingest(c, b, false)
}

// SubmitMessage ingests a single message as a batch of one and answers with
// its outcome.
func (h *Handler) SubmitMessage(c echo.Context) error {
	b, err := h.readBatch(c)
	if err != nil {
		return badBody(c, err)
	}
	if len(b.Messages) != 1 {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("expected exactly one message, got %d", len(b.Messages)))
	}
	return h.ingest(c, b, true)
}

func (h *Handler) ListBatches(c echo.Context) error {
	source := c.QueryParam("source")
	if d := h.authz.Decide(c.Request().Context(), auth.ActionRead, sourceOrAny(source)); !d.Allowed {
		return outcomeError(c, http.StatusForbidden, fhir.IssueTypeForbidden, d.Reason)
	}

	pg := pagination.FromContext(c)
	reports, total, err := h.reports.List(c.Request().Context(), ReportFilter{SourceSystem: source, Limit: pg.Limit, Offset: pg.Offset})
	if err != nil {
		return outcomeError(c, http.StatusInternalServerError, fhir.IssueTypeException, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(c, reports, total, pg))
}

func sourceOrAny(source string) string {
	if source == "" {
		return "*"
	}
	return source
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid, "invalid batch id")
	}
	report, err := h.reports.Get(c.Request().Context(), id)
	if errors.Is(err, ErrReportNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Batch", id.String()))
	}
	if err != nil {
		return outcomeError(c, http.StatusInternalServerError, fhir.IssueTypeException, err.Error())
	}
	if d := h.authz.Decide(c.Request().Context(), auth.ActionRead, report.SourceSystem); !d.Allowed {
		return outcomeError(c, http.StatusForbidden, fhir.IssueTypeForbidden, d.Reason)
	}
	return c.JSON(http.StatusOK, report)
}

type messageStatusResponse struct {
	SourceSystem string         `json:"sourceSystem"`
	ControlID    string         `json:"controlId"`
	Ledger       *LedgerEntry   `json:"ledger,omitempty"`
	Latest       *MessageStatus `json:"latest,omitempty"`
}

// MessageStatus reports what the pipeline knows about one control ID.
func (h *Handler) MessageStatus(c echo.Context) error {
	ctx := c.Request().Context()
	source, controlID := c.Param("source"), c.Param("controlId")
	if d := h.authz.Decide(ctx, auth.ActionRead, source); !d.Allowed {
		return outcomeError(c, http.StatusForbidden, fhir.IssueTypeForbidden, d.Reason)
	}

	resp := messageStatusResponse{SourceSystem: source, ControlID: controlID}
	entry, err := h.ledger.Lookup(ctx, LedgerKey{SourceSystem: source, ControlID: controlID})
	switch {
	case err == nil:
		resp.Ledger = entry
	case !errors.Is(err, ErrNoEntry):
		return outcomeError(c, http.StatusServiceUnavailable, fhir.IssueTypeTransient, err.Error())
	}

	latest, err := h.reports.LatestOutcome(ctx, source, controlID)
	switch {
	case err == nil:
		resp.Latest = latest
	case !errors.Is(err, ErrReportNotFound):
		return outcomeError(c, http.StatusInternalServerError, fhir.IssueTypeException, err.Error())
	}

	if resp.Ledger == nil && resp.Latest == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Message", source+"/"+controlID))
	}
	return c.JSON(http.StatusOK, resp)
}

// ValidateMessage runs decode, validate and map without persisting.
func (h *Handler) ValidateMessage(c echo.Context) error {
	b, err := h.readBatch(c)
	if err != nil {
		return badBody(c, err)
	}
	if len(b.Messages) != 1 {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("expected exactly one message, got %d", len(b.Messages)))
	}
	if d := h.authz.Decide(c.Request().Context(), auth.ActionRead, b.SourceSystem); !d.Allowed {
		return outcomeError(c, http.StatusForbidden, fhir.IssueTypeForbidden, d.Reason)
	}
	return c.JSON(http.StatusOK, h.coord.Validate(b.Messages[0]))
}
