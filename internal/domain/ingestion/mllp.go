package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

// MLLPBridge feeds framed messages from an MLLP listener into the
// coordinator, one batch per message, and answers with an ACK.
type MLLPBridge struct {
	coord   *Coordinator
	source  string
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewMLLPBridge(coord *Coordinator, sourceSystem string, logger zerolog.Logger) *MLLPBridge {
	return &MLLPBridge{
		coord:   coord,
		source:  sourceSystem,
		logger:  logger.With().Str("component", "mllp_bridge").Str("source_system", sourceSystem).Logger(),
		nowFunc: time.Now,
	}
}

// Handle satisfies hl7v2.MessageHandler.
func (b *MLLPBridge) Handle(ctx context.Context, raw []byte) []byte {
	now := b.nowFunc()
	msg, err := hl7v2.Decode(raw)
	if err != nil {
		b.logger.Warn().Err(err).Msg("undecodable message")
		return hl7v2.GenerateRejectACK(err.Error(), now)
	}

	report, err := b.coord.Ingest(ctx, Batch{
		SourceSystem: b.source,
		SubmittedBy:  "mllp",
		ReceivedAt:   now.UTC(),
		Messages:     []RawMessage{{SourceSystem: b.source, ReceivedAt: now.UTC(), Payload: raw}},
	})
	if err != nil {
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, err.Error(), b.nowFunc())
	}

	code, text := ackFor(report.Outcomes[0])
	return hl7v2.GenerateACK(msg, code, text, b.nowFunc())
}

// ackFor maps an outcome onto MSA-1. Timeouts and store outages are AR so
// the sender retries; anything wrong with the message itself is AE.
func ackFor(o Outcome) (hl7v2.AckCode, string) {
	switch o.Status {
	case StatusAccepted:
		return hl7v2.AckAccept, ""
	case StatusDuplicate:
		return hl7v2.AckAccept, "duplicate"
	}
	if o.Error == nil {
		return hl7v2.AckError, ""
	}
	switch o.Error.Code {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return hl7v2.AckReject, o.Error.Message
	default:
		return hl7v2.AckError, o.Error.Code + ": " + o.Error.Message
	}
}
