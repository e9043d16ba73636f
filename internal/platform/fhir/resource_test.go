package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "p-1"); got != "Patient/p-1" {
		t.Errorf("expected Patient/p-1, got %s", got)
	}
}

func TestClaim_AddDiagnosisAndItem(t *testing.T) {
	c := NewClaim("b-1")
	if seq := c.AddDiagnosis(Concept(SystemICD10CM, "I10", "Essential hypertension")); seq != 1 {
		t.Errorf("expected sequence 1, got %d", seq)
	}
	c.AddDiagnosis(Concept(SystemICD10CM, "E11.9", "Type 2 diabetes"))
	c.AddItem(Concept(SystemCPT, "97110", "Therapeutic exercise"), nil, USD(42.5))

	if len(c.Item) != 1 {
		t.Fatalf("expected 1 item, got %d", len(c.Item))
	}
	item := c.Item[0]
	if item.Sequence != 1 {
		t.Errorf("expected item sequence 1, got %d", item.Sequence)
	}
	if len(item.DiagnosisSequence) != 2 || item.DiagnosisSequence[1] != 2 {
		t.Errorf("expected item linked to both diagnoses, got %v", item.DiagnosisSequence)
	}
	if item.Net.Currency != "USD" || item.Net.Value != 42.5 {
		t.Errorf("unexpected net %+v", item.Net)
	}
}

func TestClaim_JSON(t *testing.T) {
	c := NewClaim("b-2")
	c.Patient = Reference{Reference: FormatReference("Patient", "p-2")}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"resourceType":"Claim"`, `"use":"claim"`, `"reference":"Patient/p-2"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
	if strings.Contains(s, `"item"`) {
		t.Errorf("empty items should be omitted: %s", s)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	oo := NotFoundOutcome("Claim", "x")
	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("unexpected resource type %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 || oo.Issue[0].Code != "not-found" || oo.Issue[0].Diagnostics != "Claim/x not found" {
		t.Errorf("unexpected issue %+v", oo.Issue)
	}
}
