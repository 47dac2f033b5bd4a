package hl7v2

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// DecodeErrorKind classifies why a payload could not be decoded.
type DecodeErrorKind string

const (
	// ErrMalformedHeader means the MSH segment is missing or its delimiters
	// cannot be determined.
	ErrMalformedHeader DecodeErrorKind = "MALFORMED_HEADER"

	// ErrEncoding means the payload is not valid for its declared MSH-18
	// character set.
	ErrEncoding DecodeErrorKind = "ENCODING"
)

// DecodeError is returned by Decode. Only header-level problems produce one;
// unexpected segments never do.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hl7v2: %s: %s", strings.ToLower(string(e.Kind)), e.Detail)
}

func headerError(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: ErrMalformedHeader, Detail: fmt.Sprintf(format, args...)}
}

// Message represents a decoded HL7v2 message.
type Message struct {
	Delimiters   Delimiters
	Type         string    // MSH-9 code and trigger joined with ^ (e.g. "ADT^A01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11.1
	Version      string    // MSH-12.1 (e.g. "2.5.1")
	Charset      string    // MSH-18, first repetition
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3.1
	SendingFac   string    // MSH-4.1
	ReceivingApp string    // MSH-5.1
	ReceivingFac string    // MSH-6.1
	Segments     []Segment
}

// Segment represents a single HL7v2 segment. Segments of types this package
// does not know about are kept as-is.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBX", "ZPI"
	Fields []Field

	delims *Delimiters
}

// Field holds one field as transmitted. Components and repetitions are kept
// escaped; the Segment accessors unescape them.
type Field struct {
	Value      string
	Components []string   // components of the first repetition
	Repeats    [][]string // every repetition, each split into components
}

// Decode parses raw HL7v2 bytes into a Message using the delimiters and
// character set declared by the message's own MSH segment. Segment
// terminators \r, \n and \r\n are accepted; MLLP framing and a UTF-8 byte
// order mark are ignored.
func Decode(raw []byte) (*Message, error) {
	payload := trimEnvelope(raw)
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, headerError("message is empty")
	}

	header := firstLine(payload)
	if !strings.HasPrefix(header, "MSH") {
		return nil, headerError("first segment must be MSH, got %q", header[:min(3, len(header))])
	}
	delims, err := parseDelimiters(header)
	if err != nil {
		return nil, headerError("%v", err)
	}

	charset := headerField(header, delims, 18)
	if i := strings.IndexByte(charset, delims.Repetition); i >= 0 {
		charset = charset[:i]
	}
	text, err := toUTF8(charset, payload)
	if err != nil {
		return nil, &DecodeError{Kind: ErrEncoding, Detail: err.Error()}
	}

	msg := &Message{Delimiters: delims, Charset: charset}
	for _, line := range splitSegments(string(text)) {
		msg.Segments = append(msg.Segments, msg.parseSegment(line))
	}
	msg.extractMSHFields()
	return msg, nil
}

// trimEnvelope strips MLLP block characters and a UTF-8 BOM.
func trimEnvelope(raw []byte) []byte {
	raw = bytes.TrimLeft(raw, "\x0b")
	raw = bytes.TrimRight(raw, "\x1c\r\n")
	return bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
}

// firstLine returns the first non-blank line of payload.
func firstLine(payload []byte) string {
	for _, line := range splitSegments(string(payload)) {
		return line
	}
	return ""
}

// splitSegments normalizes line endings and returns the non-blank segment
// lines.
func splitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// headerField extracts MSH-n from a raw header line without decoding it.
func headerField(header string, d Delimiters, n int) string {
	if n < 3 || len(header) < 4 {
		return ""
	}
	parts := strings.Split(header[4:], string(d.Field))
	if n-2 >= len(parts) {
		return ""
	}
	return parts[n-2]
}

// parseSegment splits one segment line. MSH is special: MSH-1 is the field
// separator itself and MSH-2 holds the encoding characters, which must not
// be split.
func (m *Message) parseSegment(line string) Segment {
	d := &m.Delimiters
	fs := string(d.Field)

	if strings.HasPrefix(line, "MSH"+fs) {
		seg := Segment{Name: "MSH", delims: d}
		seg.Fields = append(seg.Fields, literalField(fs))

		parts := strings.Split(line[4:], fs)
		seg.Fields = append(seg.Fields, literalField(parts[0]))
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, d.parseField(part))
		}
		return seg
	}

	parts := strings.SplitN(line, fs, 2)
	seg := Segment{Name: parts[0], delims: d}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], fs) {
			seg.Fields = append(seg.Fields, d.parseField(f))
		}
	}
	return seg
}

func literalField(v string) Field {
	return Field{Value: v, Components: []string{v}, Repeats: [][]string{{v}}}
}

// parseField splits a field into repetitions and components.
func (d *Delimiters) parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields copies commonly used header values onto the Message.
func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)

	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetComponent(9, 1)
	if trigger := msh.GetComponent(9, 2); trigger != "" {
		m.Type += "^" + trigger
	}
	m.ControlID = msh.GetComponent(10, 1)
	m.ProcessingID = msh.GetComponent(11, 1)
	m.Version = msh.GetComponent(12, 1)
}

// MessageCode returns MSH-9.1 (e.g. "ADT").
func (m *Message) MessageCode() string {
	if msh := m.GetSegment("MSH"); msh != nil {
		return msh.GetComponent(9, 1)
	}
	return ""
}

// TriggerEvent returns MSH-9.2 (e.g. "A01").
func (m *Message) TriggerEvent() string {
	if msh := m.GetSegment("MSH"); msh != nil {
		return msh.GetComponent(9, 2)
	}
	return ""
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// CountSegments returns how many segments carry the given name.
func (m *Message) CountSegments(name string) int {
	n := 0
	for _, seg := range m.Segments {
		if seg.Name == name {
			n++
		}
	}
	return n
}

func (s *Segment) delimiters() *Delimiters {
	if s.delims == nil {
		return &DefaultDelimiters
	}
	return s.delims
}

// field returns the 1-based field. MSH-1 is Fields[0] (the field separator),
// so the same offset applies to every segment type.
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns a field by 1-based index exactly as transmitted.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns an unescaped component by 1-based field and
// component indices, taken from the first repetition.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.GetRepetitionComponent(fieldIdx, 0, compIdx)
}

// GetRepetitionComponent returns an unescaped component from the 0-based
// repetition rep.
func (s *Segment) GetRepetitionComponent(fieldIdx, rep, compIdx int) string {
	raw := s.rawComponent(fieldIdx, rep, compIdx)
	if s.Name == "MSH" && fieldIdx <= 2 {
		return raw
	}
	d := s.delimiters()
	if d.SubComponent != 0 {
		// A component with subcomponents reads as its first subcomponent.
		if i := strings.IndexByte(raw, d.SubComponent); i >= 0 {
			raw = raw[:i]
		}
	}
	return d.Unescape(raw)
}

// GetSubcomponent returns an unescaped subcomponent (all indices 1-based)
// from the first repetition.
func (s *Segment) GetSubcomponent(fieldIdx, compIdx, subIdx int) string {
	raw := s.rawComponent(fieldIdx, 0, compIdx)
	d := s.delimiters()
	if d.SubComponent == 0 {
		if subIdx == 1 {
			return d.Unescape(raw)
		}
		return ""
	}
	subs := strings.Split(raw, string(d.SubComponent))
	if subIdx < 1 || subIdx > len(subs) {
		return ""
	}
	return d.Unescape(subs[subIdx-1])
}

func (s *Segment) rawComponent(fieldIdx, rep, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil || rep < 0 || rep >= len(f.Repeats) {
		return ""
	}
	comps := f.Repeats[rep]
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// RepetitionCount returns the number of repetitions of a field, zero when
// the field is absent or empty.
func (s *Segment) RepetitionCount(fieldIdx int) int {
	f := s.field(fieldIdx)
	if f == nil || f.Value == "" {
		return 0
	}
	return len(f.Repeats)
}

// ParseTimestamp parses an HL7 DTM/TS value of the form
// YYYY[MM[DD[HH[MM[SS[.S[S[S[S]]]]]]]]][+/-ZZZZ]. Values without an offset
// are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	value, zone := s, ""
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		value, zone = s[:i], s[i:]
	}
	digits, frac := value, ""
	if i := strings.IndexByte(value, '.'); i >= 0 {
		digits, frac = value[:i], value[i+1:]
	}

	var layout string
	switch len(digits) {
	case 4:
		layout = "2006"
	case 6:
		layout = "200601"
	case 8:
		layout = "20060102"
	case 10:
		layout = "2006010215"
	case 12:
		layout = "200601021504"
	case 14:
		layout = "20060102150405"
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
	if !allDigits(digits) {
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
	if frac != "" && (len(digits) != 14 || len(frac) > 4 || !allDigits(frac)) {
		return time.Time{}, fmt.Errorf("hl7v2: invalid fractional seconds in %q", s)
	}

	loc := time.UTC
	if zone != "" {
		if len(zone) != 5 || !allDigits(zone[1:]) {
			return time.Time{}, fmt.Errorf("hl7v2: invalid time zone offset in %q", s)
		}
		offset := (int(zone[1]-'0')*10+int(zone[2]-'0'))*3600 + (int(zone[3]-'0')*10+int(zone[4]-'0'))*60
		if zone[0] == '-' {
			offset = -offset
		}
		loc = time.FixedZone("", offset)
	}

	t, err := time.ParseInLocation(layout, digits, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("hl7v2: invalid timestamp %q: %w", s, err)
	}
	if frac != "" {
		ns := 0
		for i := 0; i < 9; i++ {
			ns *= 10
			if i < len(frac) {
				ns += int(frac[i] - '0')
			}
		}
		t = t.Add(time.Duration(ns))
	}
	return t, nil
}

// ParseDate parses an HL7 DT value (YYYY[MM[DD]]).
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4, 6, 8:
		return ParseTimestamp(s)
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized date format: %q", s)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
