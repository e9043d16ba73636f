package coding

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/chargecapture/internal/platform/fhir"
)

// CodeType is the coding system a suggestion belongs to.
type CodeType string

const (
	CodeTypeICD10 CodeType = "icd10"
	CodeTypeCPT   CodeType = "cpt"
)

// Domain tags a pattern as producing diagnosis or procedure codes.
type Domain string

const (
	DomainDiagnosis Domain = "diagnosis"
	DomainProcedure Domain = "procedure"
)

// CodeType maps a pattern domain to the coding system of its suggestions.
func (d Domain) CodeType() CodeType {
	if d == DomainProcedure {
		return CodeTypeCPT
	}
	return CodeTypeICD10
}

// Procedure categories.
const (
	CategoryEM    = "E/M"
	CategoryPT    = "PT"
	CategoryOT    = "OT"
	CategoryST    = "ST"
	CategoryWound = "Wound"
)

var validCategories = map[string]bool{
	CategoryEM: true, CategoryPT: true, CategoryOT: true, CategoryST: true, CategoryWound: true,
}

// RiskTier is the coarse denial-risk level of a note.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

func (t RiskTier) rank() int {
	switch t {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

var validFacilityTypes = map[string]bool{
	"snf": true, "hospital": true, "physician": true, "home_health": true, "outpatient": true,
}

var validPayerTypes = map[string]bool{
	"medicare_a": true, "medicare_b": true, "medicaid": true, "commercial": true, "self_pay": true,
}

// NoteContext carries the patient and billing context of a note.
type NoteContext struct {
	PatientID    string `json:"patient_id"`
	PatientName  string `json:"patient_name"`
	FacilityType string `json:"facility_type"`
	PayerType    string `json:"payer_type"`
}

// ClinicalNote is the documentation under review. It is never modified.
type ClinicalNote struct {
	NoteID            string      `json:"note_id,omitempty"`
	Text              string      `json:"note_text"`
	DocumentationType string      `json:"note_type"`
	Context           NoteContext `json:"context"`
}

// CodeSuggestion is a proposed billing code awaiting human review.
type CodeSuggestion struct {
	Code          string   `json:"code"`
	Description   string   `json:"description"`
	Confidence    float64  `json:"confidence"`
	Type          CodeType `json:"type"`
	Category      string   `json:"category,omitempty"`
	Reimbursement *float64 `json:"reimbursement,omitempty"`
}

// IsProcedure reports whether the suggestion is a billable CPT code.
func (s CodeSuggestion) IsProcedure() bool { return s.Type == CodeTypeCPT }

// RiskAssessment is the advisory denial-risk signal for a note.
type RiskAssessment struct {
	Tier       RiskTier `json:"tier"`
	Score      int      `json:"score"`
	Reasons    []string `json:"reasons"`
	Advisories []string `json:"advisories,omitempty"`
}

// AnalyzeRequest is the inbound analysis payload.
type AnalyzeRequest struct {
	NoteText     string `json:"note_text"`
	NoteType     string `json:"note_type"`
	NoteID       string `json:"note_id,omitempty"`
	PatientID    string `json:"patient_id"`
	PatientName  string `json:"patient_name"`
	FacilityType string `json:"facility_type"`
	PayerType    string `json:"payer_type"`
}

// Validate checks the request at the caller boundary.
func (r *AnalyzeRequest) Validate() error {
	if strings.TrimSpace(r.NoteText) == "" {
		return &InputError{Field: "note_text", Msg: "note text is required"}
	}
	if r.PatientID == "" {
		return &InputError{Field: "patient_id", Msg: "patient_id is required"}
	}
	if !validFacilityTypes[r.FacilityType] {
		return &InputError{Field: "facility_type", Msg: fmt.Sprintf("invalid facility type: %q", r.FacilityType)}
	}
	if !validPayerTypes[r.PayerType] {
		return &InputError{Field: "payer_type", Msg: fmt.Sprintf("invalid payer type: %q", r.PayerType)}
	}
	return nil
}

// Note converts the request into the engine's input.
func (r *AnalyzeRequest) Note() ClinicalNote {
	noteID := r.NoteID
	if noteID == "" {
		noteID = r.PatientID + ":" + r.NoteType
	}
	return ClinicalNote{
		NoteID:            noteID,
		Text:              r.NoteText,
		DocumentationType: r.NoteType,
		Context: NoteContext{
			PatientID:    r.PatientID,
			PatientName:  r.PatientName,
			FacilityType: r.FacilityType,
			PayerType:    r.PayerType,
		},
	}
}

// AnalysisResult is the outbound analysis payload.
type AnalysisResult struct {
	SessionID              uuid.UUID        `json:"session_id,omitempty"`
	Codes                  []CodeSuggestion `json:"codes"`
	EstimatedReimbursement float64          `json:"estimated_reimbursement"`
	DenialRisk             RiskTier         `json:"denial_risk"`
	DenialReasons          []string         `json:"denial_reasons"`
}

// BatchStatusPending is the only status a batch leaves the engine with.
const BatchStatusPending = "pending"

// ChargeBatch is the immutable snapshot handed to the billing queue. Fields
// are unexported; accessors return copies.
type ChargeBatch struct {
	id                uuid.UUID
	noteID            string
	codes             []CodeSuggestion
	context           NoteContext
	documentationType string
	totalEstimate     float64
	risk              RiskAssessment
	reviewedBy        string
	submittedAt       time.Time
}

func (b *ChargeBatch) ID() uuid.UUID { return b.id }
func (b *ChargeBatch) NoteID() string { return b.noteID }
func (b *ChargeBatch) Context() NoteContext { return b.context }
func (b *ChargeBatch) TotalEstimate() float64 { return b.totalEstimate }
func (b *ChargeBatch) RiskTier() RiskTier { return b.risk.Tier }
func (b *ChargeBatch) ReviewedBy() string { return b.reviewedBy }
func (b *ChargeBatch) SubmittedAt() time.Time { return b.submittedAt }
func (b *ChargeBatch) Status() string { return BatchStatusPending }
func (b *ChargeBatch) DocumentationType() string { return b.documentationType }

// Codes returns a copy of the batch's selected suggestions.
func (b *ChargeBatch) Codes() []CodeSuggestion { return cloneSuggestions(b.codes) }

// DenialReasons returns a copy of the risk reasons recorded at submission.
func (b *ChargeBatch) DenialReasons() []string { return copyReasons(b.risk.Reasons) }

// copyReasons never returns nil: reasons are stored in a NOT NULL column
// and serialised as [] when empty.
func copyReasons(in []string) []string { return append([]string{}, in...) }

// SubmitChargesRequest is the wire shape published to the billing queue.
type SubmitChargesRequest struct {
	BatchID           uuid.UUID        `json:"batchId"`
	PatientID         string           `json:"patientId"`
	PatientName       string           `json:"patientName"`
	Codes             []CodeSuggestion `json:"codes"`
	TotalEstimate     float64          `json:"totalEstimate"`
	DenialRisk        RiskTier         `json:"denialRisk"`
	FacilityType      string           `json:"facilityType"`
	PayerType         string           `json:"payerType"`
	DocumentationType string           `json:"documentationType"`
	ReviewedBy        string           `json:"reviewedBy"`
	SubmittedAt       time.Time        `json:"submittedAt"`
	Status            string           `json:"status"`
}

// Request renders the batch as the outbound billing-queue payload.
func (b *ChargeBatch) Request() SubmitChargesRequest {
	return SubmitChargesRequest{
		BatchID:           b.id,
		PatientID:         b.context.PatientID,
		PatientName:       b.context.PatientName,
		Codes:             b.Codes(),
		TotalEstimate:     b.totalEstimate,
		DenialRisk:        b.risk.Tier,
		FacilityType:      b.context.FacilityType,
		PayerType:         b.context.PayerType,
		DocumentationType: b.documentationType,
		ReviewedBy:        b.reviewedBy,
		SubmittedAt:       b.submittedAt,
		Status:            BatchStatusPending,
	}
}

// batchFromRequest rebuilds a batch from its wire form (queue replay, tests).
func batchFromRequest(noteID string, r SubmitChargesRequest, reasons []string) *ChargeBatch {
	return &ChargeBatch{
		id:     r.BatchID,
		noteID: noteID,
		codes:  cloneSuggestions(r.Codes),
		context: NoteContext{
			PatientID:    r.PatientID,
			PatientName:  r.PatientName,
			FacilityType: r.FacilityType,
			PayerType:    r.PayerType,
		},
		documentationType: r.DocumentationType,
		totalEstimate:     r.TotalEstimate,
		risk:              RiskAssessment{Tier: r.DenialRisk, Reasons: copyReasons(reasons)},
		reviewedBy:        r.ReviewedBy,
		submittedAt:       r.SubmittedAt,
	}
}

// MarshalJSON exposes the batch in its outbound shape plus the denial reasons.
func (b *ChargeBatch) MarshalJSON() ([]byte, error) {
	type view struct {
		SubmitChargesRequest
		NoteID        string   `json:"noteId"`
		DenialReasons []string `json:"denialReasons"`
	}
	return json.Marshal(view{SubmitChargesRequest: b.Request(), NoteID: b.noteID, DenialReasons: b.DenialReasons()})
}

// ToFHIR renders the batch as a FHIR R4 Claim for downstream claims
// systems that speak FHIR. Every procedure line references every diagnosis.
func (b *ChargeBatch) ToFHIR() *fhir.Claim {
	claim := fhir.NewClaim(b.id.String())
	claim.Meta = &fhir.Meta{LastUpdated: b.submittedAt, Profile: []string{fhir.ProfileClaim}}
	claim.Identifier = []fhir.Identifier{{System: "urn:chargecapture:note", Value: b.noteID}}
	claim.Type = fhir.Concept(fhir.SystemClaimType, claimTypeForFacility(b.context.FacilityType), "")
	claim.Patient = fhir.Reference{
		Reference: fhir.FormatReference("Patient", b.context.PatientID),
		Display:   b.context.PatientName,
	}
	claim.Created = b.submittedAt.UTC().Format(time.RFC3339)
	if b.reviewedBy != "" {
		claim.Enterer = &fhir.Reference{Display: b.reviewedBy}
	}
	claim.Total = fhir.USD(b.totalEstimate)

	for _, s := range b.codes {
		if !s.IsProcedure() {
			claim.AddDiagnosis(fhir.Concept(fhir.SystemICD10CM, s.Code, s.Description))
		}
	}
	for _, s := range b.codes {
		if !s.IsProcedure() {
			continue
		}
		var category *fhir.CodeableConcept
		if s.Category != "" {
			category = &fhir.CodeableConcept{Text: s.Category}
		}
		var net *fhir.Money
		if s.Reimbursement != nil {
			net = fhir.USD(*s.Reimbursement)
		}
		claim.AddItem(fhir.Concept(fhir.SystemCPT, s.Code, s.Description), category, net)
	}
	return claim
}

func claimTypeForFacility(facility string) string {
	switch facility {
	case "snf", "hospital":
		return "institutional"
	}
	return "professional"
}

func cloneSuggestions(in []CodeSuggestion) []CodeSuggestion {
	if in == nil {
		return nil
	}
	out := make([]CodeSuggestion, len(in))
	for i, s := range in {
		out[i] = s
		if s.Reimbursement != nil {
			v := *s.Reimbursement
			out[i].Reimbursement = &v
		}
	}
	return out
}
