// Package fhirmodels holds the FHIR R4 codes and code system URIs that HL7v2
// values are translated into.
package fhirmodels

// Encounter.status
const (
	EncounterStatusPlanned    = "planned"
	EncounterStatusArrived    = "arrived"
	EncounterStatusInProgress = "in-progress"
	EncounterStatusFinished   = "finished"
	EncounterStatusCancelled  = "cancelled"
)

// Encounter.class, from v3-ActCode. PV1-2 maps onto these.
const (
	EncounterClassAmbulatory   = "AMB"
	EncounterClassEmergency    = "EMER"
	EncounterClassInpatient    = "IMP"
	EncounterClassPreAdmission = "PRENC"
)

const ParticipantAttender = "ATND"

const (
	ObsCategoryLaboratory = "laboratory"
	ObsCategoryImaging    = "imaging"
)

// Observation.status, reached from OBX-11.
const (
	ObsStatusRegistered     = "registered"
	ObsStatusPreliminary    = "preliminary"
	ObsStatusFinal          = "final"
	ObsStatusCorrected      = "corrected"
	ObsStatusCancelled      = "cancelled"
	ObsStatusEnteredInError = "entered-in-error"
	ObsStatusUnknown        = "unknown"
)

// Appointment.status
const (
	AppointmentPending   = "pending"
	AppointmentBooked    = "booked"
	AppointmentArrived   = "arrived"
	AppointmentFulfilled = "fulfilled"
	AppointmentCancelled = "cancelled"
	AppointmentNoShow    = "noshow"
	AppointmentWaitlist  = "waitlist"
)

const (
	SystemLOINC           = "http://loinc.org"
	SystemSNOMED          = "http://snomed.info/sct"
	SystemUCUM            = "http://unitsofmeasure.org"
	SystemActCode         = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemObsCategory     = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemInterpretation  = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemIdentifierType  = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemParticipantType = "http://terminology.hl7.org/CodeSystem/v3-ParticipationType"
)

// Patient.gender, from PID-8.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
