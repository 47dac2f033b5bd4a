package hl7v2

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// isoCharsets maps MSH-18 single-byte character set names to decoders.
var isoCharsets = map[string]*charmap.Charmap{
	"8859/1":  charmap.ISO8859_1,
	"8859/2":  charmap.ISO8859_2,
	"8859/3":  charmap.ISO8859_3,
	"8859/4":  charmap.ISO8859_4,
	"8859/5":  charmap.ISO8859_5,
	"8859/6":  charmap.ISO8859_6,
	"8859/7":  charmap.ISO8859_7,
	"8859/8":  charmap.ISO8859_8,
	"8859/9":  charmap.ISO8859_9,
	"8859/15": charmap.ISO8859_15,
}

// SupportedCharset reports whether name is an MSH-18 value Decode accepts.
func SupportedCharset(name string) bool {
	switch normalizeCharset(name) {
	case "", "ASCII", "UNICODE UTF-8":
		return true
	}
	_, ok := isoCharsets[normalizeCharset(name)]
	return ok
}

func normalizeCharset(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "UTF-8" || name == "UTF8" {
		return "UNICODE UTF-8"
	}
	return name
}

// toUTF8 validates payload against the declared character set and returns
// it as UTF-8. An empty declaration is treated as UTF-8, which covers the
// HL7 ASCII default.
func toUTF8(charset string, payload []byte) ([]byte, error) {
	name := normalizeCharset(charset)
	switch name {
	case "", "UNICODE UTF-8":
		out, _, err := transform.Bytes(encoding.UTF8Validator, payload)
		if err != nil {
			return nil, fmt.Errorf("payload is not valid UTF-8: %w", err)
		}
		return out, nil
	case "ASCII":
		for i, b := range payload {
			if b >= 0x80 {
				return nil, fmt.Errorf("byte 0x%02X at offset %d is not 7-bit ASCII", b, i)
			}
		}
		return payload, nil
	}

	cm, ok := isoCharsets[name]
	if !ok {
		return nil, fmt.Errorf("unsupported character set %q", charset)
	}
	out, err := cm.NewDecoder().Bytes(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}
