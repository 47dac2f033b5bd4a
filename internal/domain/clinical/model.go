package clinical

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7ingest/internal/platform/fhir"
	"github.com/ehr/hl7ingest/pkg/fhirmodels"
)

// ResourceType names the clinical record kinds the ingestion pipeline produces.
type ResourceType string

const (
	ResourcePatient     ResourceType = "Patient"
	ResourceEncounter   ResourceType = "Encounter"
	ResourceObservation ResourceType = "Observation"
	ResourceAppointment ResourceType = "Appointment"
)

// NaturalKey identifies a record by content taken from the message, never by a
// generated identifier. Two deliveries of the same clinical fact share a key.
type NaturalKey struct {
	Type   ResourceType `json:"type"`
	System string       `json:"system"`
	Value  string       `json:"value"`
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%s|%s", k.Type, k.System, k.Value)
}

func (k NaturalKey) IsZero() bool {
	return k.Type == "" && k.System == "" && k.Value == ""
}

// IdentifierSystem is the FHIR identifier system URI for values assigned by a
// source system.
func IdentifierSystem(sourceSystem string) string {
	return "urn:hl7v2:" + sourceSystem
}

// Conditional renders the key as a FHIR conditional reference.
func (k NaturalKey) Conditional() string {
	return fmt.Sprintf("%s?identifier=%s|%s", k.Type, IdentifierSystem(k.System), k.Value)
}

func (k NaturalKey) identifier() fhir.Identifier {
	return fhir.Identifier{Use: "usual", System: IdentifierSystem(k.System), Value: k.Value}
}

// Record is a clinical resource produced by the mapper. References to other
// records are natural keys, resolved through the Store.
type Record interface {
	ResourceType() ResourceType
	Key() NaturalKey
	References() []NaturalKey
	ToFHIR() map[string]interface{}
}

// RecordRef points at a stored record.
type RecordRef struct {
	Type      ResourceType `json:"resourceType"`
	ID        uuid.UUID    `json:"id"`
	Key       NaturalKey   `json:"naturalKey"`
	VersionID int          `json:"versionId"`
	Created   bool         `json:"created"`
}

func (r RecordRef) Reference() string {
	return fhir.Ref(string(r.Type), r.ID.String()).Reference
}

// =========== Patient ===========

type Patient struct {
	SourceSystem       string              `json:"sourceSystem"`
	Identifier         string              `json:"identifier"`
	AssigningAuthority string              `json:"assigningAuthority,omitempty"`
	Family             string              `json:"family"`
	Given              []string            `json:"given,omitempty"`
	Prefix             string              `json:"prefix,omitempty"`
	Suffix             string              `json:"suffix,omitempty"`
	Gender             string              `json:"gender,omitempty"`
	BirthDate          string              `json:"birthDate,omitempty"`
	Address            []fhir.Address      `json:"address,omitempty"`
	Telecom            []fhir.ContactPoint `json:"telecom,omitempty"`
	Deceased           bool                `json:"deceased,omitempty"`
}

func (p *Patient) ResourceType() ResourceType { return ResourcePatient }

func (p *Patient) Key() NaturalKey {
	return NaturalKey{Type: ResourcePatient, System: p.SourceSystem, Value: p.Identifier}
}

func (p *Patient) References() []NaturalKey { return nil }

func (p *Patient) ToFHIR() map[string]interface{} {
	id := p.Key().identifier()
	mr := fhir.Concept(fhirmodels.SystemIdentifierType, "MR", p.AssigningAuthority)
	id.Type = &mr
	result := map[string]interface{}{
		"resourceType": "Patient",
		"identifier":   []fhir.Identifier{id},
		"name": []fhir.HumanName{{
			Use:    "official",
			Family: p.Family,
			Given:  p.Given,
			Prefix: nonEmpty(p.Prefix),
			Suffix: nonEmpty(p.Suffix),
		}},
	}
	if p.Gender != "" {
		result["gender"] = p.Gender
	}
	if p.BirthDate != "" {
		result["birthDate"] = p.BirthDate
	}
	if len(p.Address) > 0 {
		result["address"] = p.Address
	}
	if len(p.Telecom) > 0 {
		result["telecom"] = p.Telecom
	}
	if p.Deceased {
		result["deceasedBoolean"] = true
	}
	return result
}

// =========== Encounter ===========

type Encounter struct {
	SourceSystem string     `json:"sourceSystem"`
	VisitNumber  string     `json:"visitNumber"`
	Patient      NaturalKey `json:"patient"`
	Status       string     `json:"status"`
	Class        string     `json:"class"`
	Location     string     `json:"location,omitempty"`
	Attending    string     `json:"attending,omitempty"`
	AdmitTime    *time.Time `json:"admitTime,omitempty"`
	DischargeAt  *time.Time `json:"dischargeTime,omitempty"`
}

func (e *Encounter) ResourceType() ResourceType { return ResourceEncounter }

func (e *Encounter) Key() NaturalKey {
	return NaturalKey{Type: ResourceEncounter, System: e.SourceSystem, Value: e.VisitNumber}
}

func (e *Encounter) References() []NaturalKey { return []NaturalKey{e.Patient} }

func (e *Encounter) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Encounter",
		"identifier":   []fhir.Identifier{e.Key().identifier()},
		"status":       e.Status,
		"class":        fhir.Coding{System: fhirmodels.SystemActCode, Code: e.Class},
		"subject":      fhir.Reference{Reference: e.Patient.Conditional(), Type: "Patient"},
	}
	if e.AdmitTime != nil || e.DischargeAt != nil {
		result["period"] = fhir.Period{Start: e.AdmitTime, End: e.DischargeAt}
	}
	if e.Location != "" {
		result["location"] = []map[string]interface{}{
			{"location": fhir.Reference{Display: e.Location}},
		}
	}
	if e.Attending != "" {
		result["participant"] = []map[string]interface{}{{
			"type":       []fhir.CodeableConcept{fhir.Concept(fhirmodels.SystemParticipantType, fhirmodels.ParticipantAttender, "")},
			"individual": fhir.Reference{Display: e.Attending},
		}}
	}
	return result
}

// =========== Observation ===========

type Observation struct {
	SourceSystem   string      `json:"sourceSystem"`
	ControlID      string      `json:"controlId"`
	Code           fhir.Coding `json:"code"`
	SubID          string      `json:"subId,omitempty"`
	Patient        NaturalKey  `json:"patient"`
	Status         string      `json:"status"`
	Category       string      `json:"category,omitempty"`
	Order          fhir.Coding `json:"order,omitempty"`
	ValueType      string      `json:"valueType"`
	Value          string      `json:"value,omitempty"`
	NumericValue   *float64    `json:"numericValue,omitempty"`
	Unit           string      `json:"unit,omitempty"`
	ReferenceRange string      `json:"referenceRange,omitempty"`
	Interpretation string      `json:"interpretation,omitempty"`
	Effective      *time.Time  `json:"effective,omitempty"`
}

func (o *Observation) ResourceType() ResourceType { return ResourceObservation }

func (o *Observation) Key() NaturalKey {
	value := o.ControlID + "|" + o.Code.Code
	if o.SubID != "" {
		value += "|" + o.SubID
	}
	return NaturalKey{Type: ResourceObservation, System: o.SourceSystem, Value: value}
}

func (o *Observation) References() []NaturalKey { return []NaturalKey{o.Patient} }

func (o *Observation) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Observation",
		"identifier":   []fhir.Identifier{o.Key().identifier()},
		"status":       o.Status,
		"code":         fhir.CodeableConcept{Coding: []fhir.Coding{o.Code}, Text: o.Code.Display},
		"subject":      fhir.Reference{Reference: o.Patient.Conditional(), Type: "Patient"},
	}
	if o.Category != "" {
		result["category"] = []fhir.CodeableConcept{fhir.Concept(fhirmodels.SystemObsCategory, o.Category, "")}
	}
	if o.Order.Code != "" {
		result["basedOn"] = []fhir.Reference{{Type: "ServiceRequest", Display: orderDisplay(o.Order)}}
	}
	switch {
	case o.NumericValue != nil:
		q := map[string]interface{}{"value": *o.NumericValue}
		if o.Unit != "" {
			q["unit"] = o.Unit
			q["system"] = fhirmodels.SystemUCUM
			q["code"] = o.Unit
		}
		result["valueQuantity"] = q
	case o.Value != "":
		result["valueString"] = o.Value
	}
	if o.ReferenceRange != "" {
		result["referenceRange"] = []map[string]interface{}{{"text": o.ReferenceRange}}
	}
	if o.Interpretation != "" {
		result["interpretation"] = []fhir.CodeableConcept{fhir.Concept(fhirmodels.SystemInterpretation, o.Interpretation, "")}
	}
	if o.Effective != nil {
		result["effectiveDateTime"] = o.Effective.Format(time.RFC3339)
	}
	return result
}

func orderDisplay(c fhir.Coding) string {
	if c.Display != "" {
		return c.Display
	}
	return c.Code
}

// =========== Appointment ===========

type Appointment struct {
	SourceSystem string     `json:"sourceSystem"`
	PlacerID     string     `json:"placerId"`
	FillerID     string     `json:"fillerId,omitempty"`
	Patient      NaturalKey `json:"patient"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	Type         string     `json:"type,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Minutes      int        `json:"minutes,omitempty"`
	Practitioner string     `json:"practitioner,omitempty"`
	Location     string     `json:"location,omitempty"`
}

func (a *Appointment) ResourceType() ResourceType { return ResourceAppointment }

func (a *Appointment) Key() NaturalKey {
	return NaturalKey{Type: ResourceAppointment, System: a.SourceSystem, Value: a.PlacerID}
}

func (a *Appointment) References() []NaturalKey { return []NaturalKey{a.Patient} }

func (a *Appointment) ToFHIR() map[string]interface{} {
	identifiers := []fhir.Identifier{a.Key().identifier()}
	if a.FillerID != "" {
		identifiers = append(identifiers, fhir.Identifier{Use: "secondary", System: IdentifierSystem(a.SourceSystem) + ":filler", Value: a.FillerID})
	}
	participants := []map[string]interface{}{{
		"actor":  fhir.Reference{Reference: a.Patient.Conditional(), Type: "Patient"},
		"status": "accepted",
	}}
	if a.Practitioner != "" {
		participants = append(participants, map[string]interface{}{
			"actor":  fhir.Reference{Type: "Practitioner", Display: a.Practitioner},
			"status": "accepted",
		})
	}
	if a.Location != "" {
		participants = append(participants, map[string]interface{}{
			"actor":  fhir.Reference{Type: "Location", Display: a.Location},
			"status": "accepted",
		})
	}
	result := map[string]interface{}{
		"resourceType": "Appointment",
		"identifier":   identifiers,
		"status":       a.Status,
		"participant":  participants,
	}
	if a.Reason != "" {
		result["reasonCode"] = []fhir.CodeableConcept{fhir.Concept("", "", a.Reason)}
	}
	if a.Type != "" {
		result["appointmentType"] = fhir.Concept("", "", a.Type)
	}
	if a.Start != nil {
		result["start"] = a.Start.Format(time.RFC3339)
	}
	if a.End != nil {
		result["end"] = a.End.Format(time.RFC3339)
	}
	if a.Minutes > 0 {
		result["minutesDuration"] = a.Minutes
	}
	return result
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
