package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
	"github.com/ehr/hl7ingest/internal/platform/fhir"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
	"github.com/ehr/hl7ingest/pkg/fhirmodels"
)

// Mapping error kinds.
const (
	MappingUnresolvedReference = "UNRESOLVED_REFERENCE"
	MappingUnmappable          = "UNMAPPABLE"
)

// MappingError reports why a message produced no usable records.
type MappingError struct {
	Kind   string
	Key    clinical.NaturalKey
	Detail string
}

func (e *MappingError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("mapping: %s: %s", strings.ToLower(e.Kind), e.Detail)
	}
	return fmt.Sprintf("mapping: %s: %s (%s)", strings.ToLower(e.Kind), e.Detail, e.Key)
}

// ReferenceResolver looks a natural key up in the resource store.
type ReferenceResolver interface {
	ResolveReference(ctx context.Context, rt clinical.ResourceType, key clinical.NaturalKey) (clinical.RecordRef, error)
}

// Mapping is the ordered set of records one message maps to.
type Mapping struct {
	SourceSystem string
	ControlID    string
	Records      []clinical.Record
}

// Produces reports whether this mapping itself yields a record with key.
func (m *Mapping) Produces(key clinical.NaturalKey) bool {
	for _, r := range m.Records {
		if r.Key() == key {
			return true
		}
	}
	return false
}

// ExternalReferences lists the keys referenced by the records that the
// message does not produce itself, deduplicated, in first-seen order.
func (m *Mapping) ExternalReferences() []clinical.NaturalKey {
	seen := make(map[clinical.NaturalKey]bool)
	var out []clinical.NaturalKey
	for _, r := range m.Records {
		for _, ref := range r.References() {
			if seen[ref] || m.Produces(ref) {
				continue
			}
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// Resolve checks every external reference against the store. A key that is
// not found yields a MappingError; any other resolver error is returned
// unchanged.
func (m *Mapping) Resolve(ctx context.Context, r ReferenceResolver) error {
	for _, key := range m.ExternalReferences() {
		if err := resolveOne(ctx, r, key); err != nil {
			return err
		}
	}
	return nil
}

func resolveOne(ctx context.Context, r ReferenceResolver, key clinical.NaturalKey) error {
	_, err := r.ResolveReference(ctx, key.Type, key)
	if errors.Is(err, clinical.ErrNotFound) {
		return &MappingError{
			Kind:   MappingUnresolvedReference,
			Key:    key,
			Detail: fmt.Sprintf("referenced %s %q not found", key.Type, key.Value),
		}
	}
	return err
}

// Mapper turns validated messages into clinical records. It reads only the
// message: no clock, no generated identifiers, no I/O.
type Mapper struct{}

func NewMapper() *Mapper { return &Mapper{} }

func (mp *Mapper) Map(dm *DecodedMessage) (*Mapping, error) {
	m := &Mapping{SourceSystem: dm.SourceSystem, ControlID: dm.ControlID}
	msg := dm.Message

	switch dm.Category {
	case CategoryAdmission:
		pid := msg.GetSegment("PID")
		if pid == nil {
			return nil, unmappable("admission without PID")
		}
		patient := mapPatient(dm.SourceSystem, pid)
		m.Records = append(m.Records, patient)
		if enc := mapEncounter(dm.SourceSystem, msg, patient.Key()); enc != nil {
			m.Records = append(m.Records, enc)
		}

	case CategoryObservationResult:
		patientKey, err := patientKeyOf(dm.SourceSystem, msg)
		if err != nil {
			return nil, err
		}
		m.Records = append(m.Records, mapObservations(dm.SourceSystem, dm.ControlID, msg, patientKey)...)

	case CategoryScheduling:
		patientKey, err := patientKeyOf(dm.SourceSystem, msg)
		if err != nil {
			return nil, err
		}
		appt := mapAppointment(dm.SourceSystem, msg, patientKey)
		if appt == nil {
			return nil, unmappable("scheduling message without SCH")
		}
		m.Records = append(m.Records, appt)

	default:
		return nil, unmappable(fmt.Sprintf("no mapping for message type %q", msg.Type))
	}
	return m, nil
}

func unmappable(detail string) *MappingError {
	return &MappingError{Kind: MappingUnmappable, Detail: detail}
}

func patientKeyOf(source string, msg *hl7v2.Message) (clinical.NaturalKey, error) {
	pid := msg.GetSegment("PID")
	if pid == nil || pid.GetComponent(3, 1) == "" {
		return clinical.NaturalKey{}, unmappable("message does not identify a patient")
	}
	return clinical.NaturalKey{Type: clinical.ResourcePatient, System: source, Value: pid.GetComponent(3, 1)}, nil
}

// =========== Patient ===========

var genderMap = map[string]string{
	"M": fhirmodels.GenderMale,
	"F": fhirmodels.GenderFemale,
	"O": fhirmodels.GenderOther,
	"A": fhirmodels.GenderOther,
	"N": fhirmodels.GenderOther,
	"U": fhirmodels.GenderUnknown,
}

func mapPatient(source string, pid *hl7v2.Segment) *clinical.Patient {
	p := &clinical.Patient{
		SourceSystem:       source,
		Identifier:         pid.GetComponent(3, 1),
		AssigningAuthority: pid.GetComponent(3, 4),
		Family:             pid.GetComponent(5, 1),
		Given:              compact(pid.GetComponent(5, 2), pid.GetComponent(5, 3)),
		Suffix:             pid.GetComponent(5, 4),
		Prefix:             pid.GetComponent(5, 5),
		Gender:             genderMap[strings.ToUpper(pid.GetComponent(8, 1))],
		BirthDate:          fhirDate(pid.GetComponent(7, 1)),
		Deceased:           strings.EqualFold(pid.GetComponent(30, 1), "Y"),
	}

	for rep := 0; rep < pid.RepetitionCount(11); rep++ {
		addr := fhir.Address{
			Line:       compact(pid.GetRepetitionComponent(11, rep, 1), pid.GetRepetitionComponent(11, rep, 2)),
			City:       pid.GetRepetitionComponent(11, rep, 3),
			State:      pid.GetRepetitionComponent(11, rep, 4),
			PostalCode: pid.GetRepetitionComponent(11, rep, 5),
			Country:    pid.GetRepetitionComponent(11, rep, 6),
		}
		switch pid.GetRepetitionComponent(11, rep, 7) {
		case "H":
			addr.Use = "home"
		case "O", "B":
			addr.Use = "work"
		}
		if len(addr.Line) > 0 || addr.City != "" || addr.PostalCode != "" {
			p.Address = append(p.Address, addr)
		}
	}

	p.Telecom = append(p.Telecom, contactPoints(pid, 13, "home")...)
	p.Telecom = append(p.Telecom, contactPoints(pid, 14, "work")...)
	return p
}

func contactPoints(seg *hl7v2.Segment, field int, use string) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	for rep := 0; rep < seg.RepetitionCount(field); rep++ {
		if email := seg.GetRepetitionComponent(field, rep, 4); email != "" {
			out = append(out, fhir.ContactPoint{System: "email", Value: email, Use: use})
			continue
		}
		if phone := seg.GetRepetitionComponent(field, rep, 1); phone != "" {
			out = append(out, fhir.ContactPoint{System: "phone", Value: phone, Use: use})
		}
	}
	return out
}

// =========== Encounter ===========

var encounterClass = map[string]string{
	"E": fhirmodels.EncounterClassEmergency,
	"I": fhirmodels.EncounterClassInpatient,
	"O": fhirmodels.EncounterClassAmbulatory,
	"P": fhirmodels.EncounterClassPreAdmission,
	"R": fhirmodels.EncounterClassAmbulatory,
	"B": fhirmodels.EncounterClassAmbulatory,
}

// mapEncounter returns nil when the message carries no visit number or the
// trigger only updates demographics.
func mapEncounter(source string, msg *hl7v2.Message, patient clinical.NaturalKey) *clinical.Encounter {
	pv1 := msg.GetSegment("PV1")
	if pv1 == nil || pv1.GetComponent(19, 1) == "" {
		return nil
	}
	trigger := msg.TriggerEvent()
	if trigger == "A28" || trigger == "A31" {
		return nil
	}

	e := &clinical.Encounter{
		SourceSystem: source,
		VisitNumber:  pv1.GetComponent(19, 1),
		Patient:      patient,
		Class:        encounterClass[strings.ToUpper(pv1.GetComponent(2, 1))],
		Location:     strings.Join(compact(pv1.GetComponent(3, 1), pv1.GetComponent(3, 2), pv1.GetComponent(3, 3)), " "),
		Attending:    personName(pv1, 7),
		AdmitTime:    timestamp(pv1.GetComponent(44, 1)),
		DischargeAt:  timestamp(pv1.GetComponent(45, 1)),
	}
	if e.Class == "" {
		e.Class = fhirmodels.EncounterClassAmbulatory
	}

	switch trigger {
	case "A03":
		e.Status = fhirmodels.EncounterStatusFinished
	case "A04":
		e.Status = fhirmodels.EncounterStatusArrived
	case "A05":
		e.Status = fhirmodels.EncounterStatusPlanned
	case "A11":
		e.Status = fhirmodels.EncounterStatusCancelled
	default:
		e.Status = fhirmodels.EncounterStatusInProgress
		if e.DischargeAt != nil {
			e.Status = fhirmodels.EncounterStatusFinished
		}
	}
	return e
}

// =========== Observation ===========

var resultStatus = map[string]string{
	"F": fhirmodels.ObsStatusFinal,
	"U": fhirmodels.ObsStatusFinal,
	"C": fhirmodels.ObsStatusCorrected,
	"P": fhirmodels.ObsStatusPreliminary,
	"R": fhirmodels.ObsStatusPreliminary,
	"S": fhirmodels.ObsStatusPreliminary,
	"I": fhirmodels.ObsStatusRegistered,
	"O": fhirmodels.ObsStatusRegistered,
	"X": fhirmodels.ObsStatusCancelled,
	"D": fhirmodels.ObsStatusEnteredInError,
	"W": fhirmodels.ObsStatusEnteredInError,
}

var imagingSections = map[string]bool{"RAD": true, "CT": true, "MR": true, "US": true, "NMR": true, "RX": true}

func mapObservations(source, controlID string, msg *hl7v2.Message, patient clinical.NaturalKey) []clinical.Record {
	var out []clinical.Record
	var order fhir.Coding
	var orderTime *time.Time
	category := fhirmodels.ObsCategoryLaboratory

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			order = coding(seg, 4)
			orderTime = timestamp(seg.GetComponent(7, 1))
			category = fhirmodels.ObsCategoryLaboratory
			if imagingSections[strings.ToUpper(seg.GetComponent(24, 1))] {
				category = fhirmodels.ObsCategoryImaging
			}
		case "OBX":
			o := &clinical.Observation{
				SourceSystem:   source,
				ControlID:      controlID,
				Code:           coding(seg, 3),
				SubID:          seg.GetComponent(4, 1),
				Patient:        patient,
				Status:         resultStatus[strings.ToUpper(seg.GetComponent(11, 1))],
				Category:       category,
				Order:          order,
				ValueType:      strings.ToUpper(seg.GetComponent(2, 1)),
				Unit:           seg.GetComponent(6, 1),
				ReferenceRange: seg.GetComponent(7, 1),
				Interpretation: seg.GetComponent(8, 1),
				Effective:      timestamp(seg.GetComponent(14, 1)),
			}
			if o.Status == "" {
				o.Status = fhirmodels.ObsStatusUnknown
			}
			if o.Effective == nil {
				o.Effective = orderTime
			}
			switch o.ValueType {
			case "CE", "CWE", "CNE":
				o.Value = firstNonEmpty(seg.GetComponent(5, 2), seg.GetComponent(5, 1))
			default:
				o.Value = seg.GetComponent(5, 1)
			}
			if o.ValueType == "NM" && numericPattern.MatchString(o.Value) {
				if v, err := strconv.ParseFloat(o.Value, 64); err == nil {
					o.NumericValue = &v
				}
			}
			out = append(out, o)
		}
	}
	return out
}

func coding(seg *hl7v2.Segment, field int) fhir.Coding {
	return fhir.Coding{
		System:  codeSystem(seg.GetComponent(field, 3)),
		Code:    seg.GetComponent(field, 1),
		Display: seg.GetComponent(field, 2),
	}
}

func codeSystem(name string) string {
	switch strings.ToUpper(name) {
	case "LN", "LOINC":
		return fhirmodels.SystemLOINC
	case "SCT", "SNM", "SNOMED":
		return fhirmodels.SystemSNOMED
	default:
		return name
	}
}

// =========== Appointment ===========

var fillerStatus = map[string]string{
	"BOOKED":    fhirmodels.AppointmentBooked,
	"OVERBOOK":  fhirmodels.AppointmentBooked,
	"BLOCKED":   fhirmodels.AppointmentBooked,
	"STARTED":   fhirmodels.AppointmentArrived,
	"COMPLETE":  fhirmodels.AppointmentFulfilled,
	"CANCELLED": fhirmodels.AppointmentCancelled,
	"DC":        fhirmodels.AppointmentCancelled,
	"DELETED":   fhirmodels.AppointmentCancelled,
	"NOSHOW":    fhirmodels.AppointmentNoShow,
	"PENDING":   fhirmodels.AppointmentPending,
	"WAITLIST":  fhirmodels.AppointmentWaitlist,
}

var triggerStatus = map[string]string{
	"S12": fhirmodels.AppointmentBooked,
	"S13": fhirmodels.AppointmentBooked,
	"S14": fhirmodels.AppointmentBooked,
	"S15": fhirmodels.AppointmentCancelled,
	"S16": fhirmodels.AppointmentCancelled,
	"S17": fhirmodels.AppointmentCancelled,
	"S26": fhirmodels.AppointmentNoShow,
}

func mapAppointment(source string, msg *hl7v2.Message, patient clinical.NaturalKey) *clinical.Appointment {
	sch := msg.GetSegment("SCH")
	if sch == nil {
		return nil
	}
	a := &clinical.Appointment{
		SourceSystem: source,
		PlacerID:     sch.GetComponent(1, 1),
		FillerID:     sch.GetComponent(2, 1),
		Patient:      patient,
		Reason:       firstNonEmpty(sch.GetComponent(7, 2), sch.GetComponent(7, 1)),
		Type:         firstNonEmpty(sch.GetComponent(8, 2), sch.GetComponent(8, 1)),
		Start:        timestamp(sch.GetComponent(11, 4)),
		End:          timestamp(sch.GetComponent(11, 5)),
	}

	unit := strings.ToUpper(sch.GetComponent(10, 1))
	if d, err := strconv.Atoi(sch.GetComponent(9, 1)); err == nil && d > 0 && (unit == "" || unit == "MIN") {
		a.Minutes = d
	}

	a.Status = fillerStatus[strings.ToUpper(sch.GetComponent(25, 1))]
	if a.Status == "" {
		a.Status = triggerStatus[msg.TriggerEvent()]
	}

	if aip := msg.GetSegment("AIP"); aip != nil {
		a.Practitioner = personName(aip, 3)
	}
	if ail := msg.GetSegment("AIL"); ail != nil {
		a.Location = firstNonEmpty(ail.GetComponent(3, 1), ail.GetComponent(3, 4))
	}
	return a
}

// =========== helpers ===========

// personName renders an XCN field as "Family, Given", falling back to the ID.
func personName(seg *hl7v2.Segment, field int) string {
	family, given := seg.GetComponent(field, 2), seg.GetComponent(field, 3)
	switch {
	case family != "" && given != "":
		return family + ", " + given
	case family != "":
		return family
	default:
		return seg.GetComponent(field, 1)
	}
}

func timestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := hl7v2.ParseTimestamp(s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// fhirDate converts an HL7 date to FHIR date precision, "" when malformed.
func fhirDate(s string) string {
	if len(s) > 8 {
		s = s[:8]
	}
	t, err := hl7v2.ParseDate(s)
	if err != nil {
		return ""
	}
	switch len(s) {
	case 4:
		return t.Format("2006")
	case 6:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func compact(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
