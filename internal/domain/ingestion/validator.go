package ingestion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// Validator checks decoded messages against the rule table of their
// category. It collects every finding instead of stopping at the first.
type Validator struct {
	header []FieldRule
	rules  map[Category]*RuleSet
}

func NewValidator() *Validator {
	return &Validator{header: headerRules, rules: ruleSets}
}

// Validate returns all findings for dm. An unknown category yields exactly
// one UNSUPPORTED_MESSAGE_TYPE error.
func (v *Validator) Validate(dm *DecodedMessage) []Finding {
	msg := dm.Message
	rs, ok := v.rules[dm.Category]
	if !ok {
		return []Finding{{
			Severity: SeverityError,
			Code:     CodeUnsupportedMessageType,
			Location: "MSH[1]-9",
			Message:  fmt.Sprintf("message type %q is not supported", msg.Type),
		}}
	}

	findings := make([]Finding, 0)
	for _, r := range v.header {
		findings = append(findings, checkField(msg, r)...)
	}

	for _, sr := range rs.Segments {
		n := msg.CountSegments(sr.Name)
		if sr.Required && n == 0 {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     CodeMissingSegment,
				Location: sr.Name,
				Message:  fmt.Sprintf("required segment %s is missing", sr.Name),
			})
		}
		if sr.Max > 0 && n > sr.Max {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     CodeSegmentCardinality,
				Location: sr.Name,
				Message:  fmt.Sprintf("segment %s occurs %d times, at most %d allowed", sr.Name, n, sr.Max),
			})
		}
	}

	for _, r := range rs.Fields {
		findings = append(findings, checkField(msg, r)...)
	}

	if dm.Category == CategoryObservationResult {
		findings = append(findings, duplicateObservations(msg)...)
	}

	if dm.SuppliedControlID != "" && msg.ControlID != "" && dm.SuppliedControlID != msg.ControlID {
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     CodeControlIDMismatch,
			Location: "MSH[1]-10.1",
			Message:  fmt.Sprintf("supplied control ID %q does not match MSH-10 %q", dm.SuppliedControlID, msg.ControlID),
		})
	}
	return findings
}

// duplicateObservations flags OBX segments whose code and sub-ID repeat an
// earlier one; they would map to the same observation.
func duplicateObservations(msg *hl7v2.Message) []Finding {
	var findings []Finding
	first := make(map[string]int)
	occurrence := 0
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		if seg.Name != "OBX" {
			continue
		}
		occurrence++
		code := strings.TrimSpace(seg.GetComponent(3, 1))
		if code == "" {
			continue
		}
		key := code + "|" + strings.TrimSpace(seg.GetComponent(4, 1))
		prev, seen := first[key]
		if !seen {
			first[key] = occurrence
			continue
		}
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     CodeDuplicateObservation,
			Location: fmt.Sprintf("OBX[%d]-3.1", occurrence),
			Message:  fmt.Sprintf("observation %q repeats OBX[%d] without a distinct sub-ID (OBX-4)", code, prev),
		})
	}
	return findings
}

// checkField applies r to every occurrence of its segment.
func checkField(msg *hl7v2.Message, r FieldRule) []Finding {
	var findings []Finding
	occurrence := 0
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		if seg.Name != r.Segment {
			continue
		}
		occurrence++
		loc := fmt.Sprintf("%s[%d]-%d.%d", r.Segment, occurrence, r.Field, r.Component)

		value := strings.TrimSpace(seg.GetComponent(r.Field, r.Component))
		if value == "" {
			if r.Required {
				findings = append(findings, Finding{
					Severity: SeverityError,
					Code:     CodeMissingRequiredField,
					Location: loc,
					Message:  fmt.Sprintf("%s is required", r.Name),
				})
			}
			continue
		}

		code, detail := checkFormat(seg, r, value)
		if code == "" {
			continue
		}
		sev := SeverityWarning
		if r.Required {
			sev = SeverityError
		}
		findings = append(findings, Finding{
			Severity: sev,
			Code:     code,
			Location: loc,
			Message:  fmt.Sprintf("%s %s", r.Name, detail),
		})
	}
	return findings
}

// checkFormat returns a finding code and detail, or "" when value is fine.
func checkFormat(seg *hl7v2.Segment, r FieldRule, value string) (string, string) {
	format := r.Format
	if format == FormatObservationValue {
		format = observationFormat(seg.GetComponent(2, 1))
	}

	switch format {
	case FormatTimestamp:
		if _, err := hl7v2.ParseTimestamp(value); err != nil {
			return CodeInvalidFormat, fmt.Sprintf("%q is not a valid timestamp", value)
		}
	case FormatDate:
		if _, err := hl7v2.ParseDate(value); err != nil {
			return CodeInvalidFormat, fmt.Sprintf("%q is not a valid date", value)
		}
	case FormatNumeric:
		if !numericPattern.MatchString(value) {
			return CodeInvalidFormat, fmt.Sprintf("%q is not numeric", value)
		}
	case FormatCoded:
		if !codeIn(value, r.Codes) {
			return CodeInvalidCode, fmt.Sprintf("%q is not one of %s", value, strings.Join(r.Codes, ", "))
		}
	}
	return "", ""
}

func observationFormat(valueType string) FieldFormat {
	switch strings.ToUpper(valueType) {
	case "NM":
		return FormatNumeric
	case "DT":
		return FormatDate
	case "TS", "DTM":
		return FormatTimestamp
	default:
		return FormatText
	}
}

func codeIn(value string, codes []string) bool {
	for _, c := range codes {
		if strings.EqualFold(value, c) {
			return true
		}
	}
	return false
}
