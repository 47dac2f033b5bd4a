package hl7v2

import (
	"encoding/hex"
	"strings"
)

// Unescape resolves escape sequences in a component value. Formatting
// commands other than line breaks are dropped; unknown or unterminated
// sequences are kept literally.
func (d Delimiters) Unescape(s string) string {
	if d.Escape == 0 || strings.IndexByte(s, d.Escape) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != d.Escape {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		i += end + 1

		switch {
		case seq == "F":
			b.WriteByte(d.Field)
		case seq == "S":
			b.WriteByte(d.Component)
		case seq == "R":
			b.WriteByte(d.Repetition)
		case seq == "E":
			b.WriteByte(d.Escape)
		case seq == "T" && d.SubComponent != 0:
			b.WriteByte(d.SubComponent)
		case seq == "P" && d.Truncation != 0:
			b.WriteByte(d.Truncation)
		case seq == ".br" || seq == ".sp":
			b.WriteByte('\n')
		case seq == "H" || seq == "N" || strings.HasPrefix(seq, "."):
		case len(seq) > 1 && seq[0] == 'X':
			raw, err := hex.DecodeString(seq[1:])
			if err != nil {
				b.WriteByte(d.Escape)
				b.WriteString(seq)
				b.WriteByte(d.Escape)
				continue
			}
			b.Write(raw)
		default:
			b.WriteByte(d.Escape)
			b.WriteString(seq)
			b.WriteByte(d.Escape)
		}
	}
	return b.String()
}

// EscapeText encodes delimiter characters in s so it can be placed in a
// component. Line breaks become \.br\.
func (d Delimiters) EscapeText(s string) string {
	if d.Escape == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		var seq string
		switch {
		case c == d.Escape:
			seq = "E"
		case c == d.Field:
			seq = "F"
		case c == d.Component:
			seq = "S"
		case c == d.Repetition:
			seq = "R"
		case d.SubComponent != 0 && c == d.SubComponent:
			seq = "T"
		case d.Truncation != 0 && c == d.Truncation:
			seq = "P"
		case c == '\n':
			seq = ".br"
		case c == '\r':
			continue
		default:
			b.WriteByte(c)
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteString(seq)
		b.WriteByte(d.Escape)
	}
	return b.String()
}
