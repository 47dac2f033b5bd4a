package fhir

import "testing"

func TestConcept(t *testing.T) {
	c := Concept("http://loinc.org", "2093-3", "Cholesterol")
	if len(c.Coding) != 1 || c.Coding[0].Code != "2093-3" || c.Text != "Cholesterol" {
		t.Errorf("unexpected concept: %+v", c)
	}
	if c := Concept("", "", "Follow-up"); c.Coding != nil || c.Text != "Follow-up" {
		t.Errorf("empty code should give a text-only concept, got %+v", c)
	}
}

func TestRef(t *testing.T) {
	r := Ref("Patient", "123")
	if r.Reference != "Patient/123" || r.Type != "Patient" {
		t.Errorf("unexpected reference: %+v", r)
	}
}
