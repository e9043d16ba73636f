// Package fhir holds the subset of FHIR R4 datatypes used to render charge
// batches for claims systems that exchange FHIR.
package fhir

import (
	"fmt"
	"time"
)

// Code systems used on rendered claims.
const (
	SystemICD10CM   = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemCPT       = "http://www.ama-assn.org/go/cpt"
	SystemClaimType = "http://terminology.hl7.org/CodeSystem/claim-type"
	ProfileClaim    = "http://hl7.org/fhir/StructureDefinition/Claim"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Concept is a CodeableConcept with a single coding.
func Concept(system, code, display string) CodeableConcept {
	return CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Money struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// USD returns an amount in US dollars.
func USD(v float64) *Money { return &Money{Value: v, Currency: "USD"} }

// Claim is a FHIR R4 Claim resource.
type Claim struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id"`
	Meta         *Meta            `json:"meta,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Status       string           `json:"status"`
	Type         CodeableConcept  `json:"type"`
	Use          string           `json:"use"`
	Patient      Reference        `json:"patient"`
	Created      string           `json:"created"`
	Enterer      *Reference       `json:"enterer,omitempty"`
	Priority     CodeableConcept  `json:"priority"`
	Diagnosis    []ClaimDiagnosis `json:"diagnosis,omitempty"`
	Item         []ClaimItem      `json:"item,omitempty"`
	Total        *Money           `json:"total,omitempty"`
}

type ClaimDiagnosis struct {
	Sequence                 int             `json:"sequence"`
	DiagnosisCodeableConcept CodeableConcept `json:"diagnosisCodeableConcept"`
}

type ClaimItem struct {
	Sequence          int              `json:"sequence"`
	DiagnosisSequence []int            `json:"diagnosisSequence,omitempty"`
	ProductOrService  CodeableConcept  `json:"productOrService"`
	Category          *CodeableConcept `json:"category,omitempty"`
	Net               *Money           `json:"net,omitempty"`
}

// NewClaim returns a Claim with the resource type and defaults filled in.
func NewClaim(id string) *Claim {
	return &Claim{
		ResourceType: "Claim",
		ID:           id,
		Status:       "active",
		Use:          "claim",
		Priority:     Concept("http://terminology.hl7.org/CodeSystem/processpriority", "normal", ""),
	}
}

// AddDiagnosis appends a diagnosis and returns its sequence number.
func (c *Claim) AddDiagnosis(concept CodeableConcept) int {
	seq := len(c.Diagnosis) + 1
	c.Diagnosis = append(c.Diagnosis, ClaimDiagnosis{Sequence: seq, DiagnosisCodeableConcept: concept})
	return seq
}

// AddItem appends a billable line, linked to every diagnosis on the claim.
func (c *Claim) AddItem(service CodeableConcept, category *CodeableConcept, net *Money) {
	item := ClaimItem{
		Sequence:         len(c.Item) + 1,
		ProductOrService: service,
		Category:         category,
		Net:              net,
	}
	for _, d := range c.Diagnosis {
		item.DiagnosisSequence = append(item.DiagnosisSequence, d.Sequence)
	}
	c.Item = append(c.Item, item)
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// FormatReference builds a relative reference such as "Patient/123".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
