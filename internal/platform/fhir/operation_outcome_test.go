package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeTransient, "store down")

	b, err := json.Marshal(oo)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"transient","diagnostics":"store down"}]}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	oo := NotFoundOutcome("Batch", "abc")
	if oo.Issue[0].Code != IssueTypeNotFound || oo.Issue[0].Diagnostics != "Batch/abc not found" {
		t.Errorf("unexpected issue: %+v", oo.Issue[0])
	}
}

func TestHasErrors(t *testing.T) {
	tests := []struct {
		severity string
		want     bool
	}{
		{IssueSeverityFatal, true},
		{IssueSeverityError, true},
		{IssueSeverityWarning, false},
		{IssueSeverityInformation, false},
	}
	for _, tt := range tests {
		if got := NewOperationOutcome(tt.severity, IssueTypeInvalid, "").HasErrors(); got != tt.want {
			t.Errorf("%s: HasErrors() = %v, want %v", tt.severity, got, tt.want)
		}
	}
	if (&OperationOutcome{}).HasErrors() {
		t.Error("empty outcome has no errors")
	}
}
