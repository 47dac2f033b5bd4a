package hl7v2

import (
	"fmt"
	"strings"
)

// Delimiters are the separator characters a message declares in MSH-1 and
// MSH-2. A zero byte means the message did not declare that character.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
	Truncation   byte
}

// DefaultDelimiters are the conventional |^~\& separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// EncodingCharacters renders the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	var b strings.Builder
	for _, c := range []byte{d.Component, d.Repetition, d.Escape, d.SubComponent, d.Truncation} {
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// parseDelimiters reads the separators from an MSH header line. The field
// separator is the byte immediately after "MSH"; MSH-2 runs up to the next
// field separator and must declare at least component and repetition.
func parseDelimiters(header string) (Delimiters, error) {
	if len(header) < 4 {
		return Delimiters{}, fmt.Errorf("header too short to declare delimiters")
	}

	d := Delimiters{Field: header[3]}
	enc := header[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 2 || len(enc) > 5 {
		return Delimiters{}, fmt.Errorf("MSH-2 must declare 2 to 5 encoding characters, got %q", enc)
	}

	d.Component = enc[0]
	d.Repetition = enc[1]
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.SubComponent = enc[3]
	}
	if len(enc) > 4 {
		d.Truncation = enc[4]
	}

	seen := make(map[byte]bool, 6)
	for _, c := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent, d.Truncation} {
		if c == 0 {
			continue
		}
		if !validDelimiter(c) {
			return Delimiters{}, fmt.Errorf("invalid delimiter character %q", c)
		}
		if seen[c] {
			return Delimiters{}, fmt.Errorf("delimiter character %q declared twice", c)
		}
		seen[c] = true
	}
	return d, nil
}

// validDelimiter accepts printable, non-alphanumeric ASCII other than space.
func validDelimiter(c byte) bool {
	if c <= ' ' || c >= 0x7F {
		return false
	}
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return false
	}
	return true
}
