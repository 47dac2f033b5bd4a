package hl7v2

import "strings"

// envelopeSegments frame an HL7 batch file and belong to no message.
var envelopeSegments = map[string]bool{
	"FHS": true,
	"BHS": true,
	"BTS": true,
	"FTS": true,
}

// SplitBatch splits an HL7 batch file into individual messages, each
// starting at an MSH segment. FHS/BHS/BTS/FTS envelope segments are
// dropped. Lines that precede the first MSH are returned as a message of
// their own so that decoding reports them instead of losing them.
func SplitBatch(raw []byte) [][]byte {
	var (
		messages [][]byte
		current  []string
	)
	flush := func() {
		if len(current) > 0 {
			messages = append(messages, []byte(strings.Join(current, "\r")+"\r"))
			current = nil
		}
	}

	for _, line := range splitSegments(string(trimEnvelope(raw))) {
		if len(line) >= 3 && envelopeSegments[line[:3]] {
			continue
		}
		if strings.HasPrefix(line, "MSH") {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return messages
}
