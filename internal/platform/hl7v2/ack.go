package hl7v2

import (
	"fmt"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

const defaultAckVersion = "2.5.1"

// GenerateACK creates an acknowledgment for incoming. It answers with the
// incoming message's own delimiters and version, swaps sending and
// receiving application/facility, and references the original control ID
// in MSA-2. text, when non-empty, is carried in MSA-3.
func GenerateACK(incoming *Message, code AckCode, text string, now time.Time) []byte {
	version := incoming.Version
	if version == "" {
		version = defaultAckVersion
	}

	b := NewBuilder(incoming.Delimiters)
	b.MSH(Header{
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Timestamp:    now,
		Code:         "ACK",
		Trigger:      incoming.TriggerEvent(),
		ControlID:    ackControlID(now),
		ProcessingID: incoming.ProcessingID,
		Version:      version,
	})
	b.Segment("MSA", string(code), b.Components(incoming.ControlID), b.Components(text))
	return b.Bytes()
}

// GenerateRejectACK creates an AR acknowledgment for a payload that could
// not be decoded, so there is no header to answer from.
func GenerateRejectACK(text string, now time.Time) []byte {
	b := NewBuilder(DefaultDelimiters)
	b.MSH(Header{
		Timestamp: now,
		Code:      "ACK",
		ControlID: ackControlID(now),
		Version:   defaultAckVersion,
	})
	b.Segment("MSA", string(AckReject), "", b.Components(text))
	return b.Bytes()
}

func ackControlID(now time.Time) string {
	return fmt.Sprintf("ACK%s", now.UTC().Format("20060102150405.000"))
}
