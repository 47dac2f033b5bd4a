package ingestion

// Category is the closed set of message families the pipeline ingests.
type Category string

const (
	CategoryUnknown           Category = ""
	CategoryAdmission         Category = "ADMISSION"
	CategoryObservationResult Category = "OBSERVATION_RESULT"
	CategoryScheduling        Category = "SCHEDULING"
)

var categoryByType = map[string]Category{
	"ADT^A01": CategoryAdmission,
	"ADT^A02": CategoryAdmission,
	"ADT^A03": CategoryAdmission,
	"ADT^A04": CategoryAdmission,
	"ADT^A05": CategoryAdmission,
	"ADT^A08": CategoryAdmission,
	"ADT^A11": CategoryAdmission,
	"ADT^A13": CategoryAdmission,
	"ADT^A28": CategoryAdmission,
	"ADT^A31": CategoryAdmission,

	"ORU^R01": CategoryObservationResult,
	"ORU^R30": CategoryObservationResult,

	"SIU^S12": CategoryScheduling,
	"SIU^S13": CategoryScheduling,
	"SIU^S14": CategoryScheduling,
	"SIU^S15": CategoryScheduling,
	"SIU^S16": CategoryScheduling,
	"SIU^S17": CategoryScheduling,
	"SIU^S26": CategoryScheduling,
}

// CategoryOf maps MSH-9.1 and MSH-9.2 to a category, CategoryUnknown when
// the pair is not ingested.
func CategoryOf(code, trigger string) Category {
	return categoryByType[code+"^"+trigger]
}

// FieldFormat is the content check applied to a non-empty field.
type FieldFormat int

const (
	FormatText FieldFormat = iota
	FormatTimestamp
	FormatDate
	FormatNumeric
	FormatCoded
	// FormatObservationValue checks OBX-5 against the type named in OBX-2.
	FormatObservationValue
)

// SegmentRule bounds how often a segment may occur. Max 0 means unbounded.
type SegmentRule struct {
	Name     string
	Required bool
	Max      int
}

// FieldRule applies to every occurrence of Segment.
type FieldRule struct {
	Segment   string
	Field     int
	Component int
	Name      string
	Required  bool
	Format    FieldFormat
	Codes     []string
}

// RuleSet is the rule table for one category.
type RuleSet struct {
	Category Category
	Segments []SegmentRule
	Fields   []FieldRule
}

var (
	processingIDs    = []string{"P", "D", "T"}
	supportedVersion = []string{"2.3", "2.3.1", "2.4", "2.5", "2.5.1", "2.6", "2.7", "2.7.1", "2.8", "2.8.1", "2.8.2"}
	genderCodes      = []string{"M", "F", "O", "U", "A", "N"}
	patientClasses   = []string{"E", "I", "O", "P", "R", "B", "C", "N", "U"}
	valueTypes       = []string{"NM", "SN", "ST", "TX", "FT", "CE", "CWE", "CNE", "CX", "DT", "TM", "TS", "DTM", "ID", "IS", "ED", "RP", "XCN", "XPN", "XAD", "NA"}
	resultStatuses   = []string{"C", "D", "F", "I", "N", "O", "P", "R", "S", "U", "W", "X"}
	fillerStatuses   = []string{"Booked", "Cancelled", "Complete", "Dc", "Deleted", "Noshow", "Overbook", "Pending", "Started", "Waitlist", "Blocked"}
)

// headerRules run for every known category.
var headerRules = []FieldRule{
	{Segment: "MSH", Field: 7, Component: 1, Name: "message date/time", Required: true, Format: FormatTimestamp},
	{Segment: "MSH", Field: 9, Component: 1, Name: "message code", Required: true},
	{Segment: "MSH", Field: 9, Component: 2, Name: "trigger event", Required: true},
	{Segment: "MSH", Field: 10, Component: 1, Name: "message control ID", Required: true},
	{Segment: "MSH", Field: 11, Component: 1, Name: "processing ID", Required: true, Format: FormatCoded, Codes: processingIDs},
	{Segment: "MSH", Field: 12, Component: 1, Name: "version ID", Required: true, Format: FormatCoded, Codes: supportedVersion},
}

var ruleSets = map[Category]*RuleSet{
	CategoryAdmission: {
		Category: CategoryAdmission,
		Segments: []SegmentRule{
			{Name: "EVN", Required: true, Max: 1},
			{Name: "PID", Required: true, Max: 1},
			{Name: "PV1", Max: 1},
		},
		Fields: []FieldRule{
			{Segment: "EVN", Field: 2, Component: 1, Name: "recorded date/time", Required: true, Format: FormatTimestamp},
			{Segment: "PID", Field: 3, Component: 1, Name: "patient identifier", Required: true},
			{Segment: "PID", Field: 5, Component: 1, Name: "family name", Required: true},
			{Segment: "PID", Field: 7, Component: 1, Name: "date of birth", Format: FormatDate},
			{Segment: "PID", Field: 8, Component: 1, Name: "administrative sex", Format: FormatCoded, Codes: genderCodes},
			{Segment: "PV1", Field: 2, Component: 1, Name: "patient class", Required: true, Format: FormatCoded, Codes: patientClasses},
			{Segment: "PV1", Field: 44, Component: 1, Name: "admit date/time", Format: FormatTimestamp},
			{Segment: "PV1", Field: 45, Component: 1, Name: "discharge date/time", Format: FormatTimestamp},
		},
	},
	CategoryObservationResult: {
		Category: CategoryObservationResult,
		Segments: []SegmentRule{
			{Name: "PID", Required: true, Max: 1},
			{Name: "OBR", Required: true},
			{Name: "OBX", Required: true},
		},
		Fields: []FieldRule{
			{Segment: "PID", Field: 3, Component: 1, Name: "patient identifier", Required: true},
			{Segment: "OBR", Field: 4, Component: 1, Name: "universal service identifier", Required: true},
			{Segment: "OBR", Field: 7, Component: 1, Name: "observation date/time", Format: FormatTimestamp},
			{Segment: "OBX", Field: 2, Component: 1, Name: "value type", Required: true, Format: FormatCoded, Codes: valueTypes},
			{Segment: "OBX", Field: 3, Component: 1, Name: "observation identifier", Required: true},
			{Segment: "OBX", Field: 5, Component: 1, Name: "observation value", Format: FormatObservationValue},
			{Segment: "OBX", Field: 11, Component: 1, Name: "result status", Required: true, Format: FormatCoded, Codes: resultStatuses},
			{Segment: "OBX", Field: 14, Component: 1, Name: "observation date/time", Format: FormatTimestamp},
		},
	},
	CategoryScheduling: {
		Category: CategoryScheduling,
		Segments: []SegmentRule{
			{Name: "SCH", Required: true, Max: 1},
			{Name: "PID", Required: true, Max: 1},
		},
		Fields: []FieldRule{
			{Segment: "SCH", Field: 1, Component: 1, Name: "placer appointment ID", Required: true},
			{Segment: "SCH", Field: 11, Component: 4, Name: "appointment start", Required: true, Format: FormatTimestamp},
			{Segment: "SCH", Field: 11, Component: 5, Name: "appointment end", Format: FormatTimestamp},
			{Segment: "SCH", Field: 25, Component: 1, Name: "filler status", Format: FormatCoded, Codes: fillerStatuses},
			{Segment: "PID", Field: 3, Component: 1, Name: "patient identifier", Required: true},
			{Segment: "AIL", Field: 3, Component: 1, Name: "location"},
			{Segment: "AIP", Field: 3, Component: 1, Name: "personnel"},
		},
	},
}

// RulesFor returns the rule table for a category.
func RulesFor(c Category) (*RuleSet, bool) {
	rs, ok := ruleSets[c]
	return rs, ok
}
