package hl7v2

import (
	"strings"
	"time"
)

// Header carries the MSH values written by Builder.MSH.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Timestamp    time.Time
	Code         string // MSH-9.1
	Trigger      string // MSH-9.2
	ControlID    string
	ProcessingID string
	Version      string
	Charset      string
}

// Builder assembles an HL7v2 message segment by segment using a fixed set
// of delimiters. Values passed to Components are escaped; values passed to
// Segment are written as given.
type Builder struct {
	delims   Delimiters
	segments []string
}

// NewBuilder returns a Builder that writes with d.
func NewBuilder(d Delimiters) *Builder {
	return &Builder{delims: d}
}

// MSH appends the header segment.
func (b *Builder) MSH(h Header) *Builder {
	processing := h.ProcessingID
	if processing == "" {
		processing = "P"
	}
	fields := []string{
		b.delims.EncodingCharacters(),
		b.Components(h.SendingApp),
		b.Components(h.SendingFac),
		b.Components(h.ReceivingApp),
		b.Components(h.ReceivingFac),
		FormatTimestamp(h.Timestamp),
		"",
		b.Components(h.Code, h.Trigger),
		b.Components(h.ControlID),
		b.Components(processing),
		b.Components(h.Version),
	}
	if h.Charset != "" {
		fields = append(fields, "", "", "", "", "", b.Components(h.Charset))
	}
	b.segments = append(b.segments, "MSH"+string(b.delims.Field)+strings.Join(fields, string(b.delims.Field)))
	return b
}

// Segment appends a segment. Trailing empty fields are dropped.
func (b *Builder) Segment(name string, fields ...string) *Builder {
	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		b.segments = append(b.segments, name)
		return b
	}
	fs := string(b.delims.Field)
	b.segments = append(b.segments, name+fs+strings.Join(fields, fs))
	return b
}

// Components escapes each value and joins them with the component
// separator, dropping trailing empty components.
func (b *Builder) Components(values ...string) string {
	for len(values) > 0 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = b.delims.EscapeText(v)
	}
	return strings.Join(escaped, string(b.delims.Component))
}

// Repeat joins already-encoded repetitions with the repetition separator.
func (b *Builder) Repeat(reps ...string) string {
	return strings.Join(reps, string(b.delims.Repetition))
}

// Bytes returns the message with \r segment terminators.
func (b *Builder) Bytes() []byte {
	return []byte(strings.Join(b.segments, "\r") + "\r")
}

// FormatTimestamp renders t as an HL7 DTM in UTC. The zero time renders
// as an empty string.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("20060102150405")
}
