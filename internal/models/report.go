package models

import "time"

// VerificationStatus is the review state of a citation.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationDisputed VerificationStatus = "disputed"
	VerificationInvalid  VerificationStatus = "invalid"
)

// Citation links one report claim to one evidence item.
type Citation struct {
	ID                 string             `json:"id"`
	ReportID           string             `json:"report_id"`
	ExecutionID        string             `json:"execution_id"`
	ClaimID            string             `json:"claim_id"`
	ClaimText          string             `json:"claim_text"`
	ClaimContext       string             `json:"claim_context,omitempty"`
	EvidenceID         string             `json:"evidence_id"`
	Confidence         float64            `json:"confidence"`
	Relevance          float64            `json:"relevance"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
}

// CategoryScore is one line of the weighted-score breakdown.
type CategoryScore struct {
	Category      string  `json:"category"`
	Weight        float64 `json:"weight"`
	RawScore      float64 `json:"raw_score"`
	AdjustedScore float64 `json:"adjusted_score"`
	WeightedScore float64 `json:"weighted_score"`
	EvidenceCount int     `json:"evidence_count"`
}

// WeightedScores is the thesis scoring result.
type WeightedScores struct {
	Total     float64         `json:"total"`
	Threshold float64         `json:"threshold"`
	Passed    bool            `json:"passed"`
	Breakdown []CategoryScore `json:"breakdown"`
}

// MemoPoint is one upside or risk in the executive memo.
type MemoPoint struct {
	Text         string   `json:"text"`
	Category     string   `json:"category,omitempty"`
	CitationRefs []string `json:"citation_refs,omitempty"`
	Unverified   bool     `json:"unverified,omitempty"`
}

// ExecutiveMemo summarizes the report.
type ExecutiveMemo struct {
	Summary    string      `json:"summary"`
	Decision   string      `json:"decision"`
	TopUpsides []MemoPoint `json:"top_upsides"`
	TopRisks   []MemoPoint `json:"top_risks"`
}

// SectionKind tags a deep-dive section variant.
type SectionKind string

const (
	SectionTechnical  SectionKind = "technical"
	SectionMarket     SectionKind = "market"
	SectionFinancial  SectionKind = "financial"
	SectionTeam       SectionKind = "team"
	SectionSecurity   SectionKind = "security"
	SectionCustomer   SectionKind = "customer"
	SectionOperations SectionKind = "operations"
	SectionUnknown    SectionKind = "unknown"
)

// SectionKindFor maps a thesis category name to its section kind.
func SectionKindFor(category string) SectionKind {
	switch SectionKind(category) {
	case SectionTechnical, SectionMarket, SectionFinancial, SectionTeam,
		SectionSecurity, SectionCustomer, SectionOperations:
		return SectionKind(category)
	}
	return SectionUnknown
}

// Finding is one claim inside a deep-dive section.
type Finding struct {
	ClaimID      string   `json:"claim_id"`
	Text         string   `json:"text"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	Unverified   bool     `json:"unverified,omitempty"`
}

// DeepDiveSection holds findings for one thesis category.
type DeepDiveSection struct {
	Kind     SectionKind `json:"kind"`
	Category string      `json:"category"`
	Title    string      `json:"title"`
	Score    float64     `json:"score"`
	Findings []Finding   `json:"findings"`
}

// Risk is one entry of the risk register.
type Risk struct {
	Title        string   `json:"title"`
	Category     string   `json:"category,omitempty"`
	Severity     Severity `json:"severity"`
	Likelihood   string   `json:"likelihood,omitempty"`
	Mitigation   string   `json:"mitigation,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// Initiative is one entry of the value-creation roadmap.
type Initiative struct {
	Title        string   `json:"title"`
	Category     string   `json:"category,omitempty"`
	Timeline     string   `json:"timeline,omitempty"`
	Impact       string   `json:"impact,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// ReportQuality exposes evidence quality and gaps to report consumers.
type ReportQuality struct {
	EvidenceQuality  float64  `json:"evidence_quality"`
	EvidenceCoverage float64  `json:"evidence_coverage"`
	Penalty          float64  `json:"penalty"`
	MissingCritical  []string `json:"missing_critical"`
	Signals          []string `json:"signals,omitempty"`
}

// Report is the synthesized output of one execution. Reports are never updated.
type Report struct {
	ID                   string              `json:"id"`
	ExecutionID          string              `json:"execution_id"`
	TargetID             string              `json:"target_id"`
	CompanyName          string              `json:"company_name"`
	ThesisID             string              `json:"thesis_id"`
	WeightedScores       WeightedScores      `json:"weighted_scores"`
	ExecutiveMemo        ExecutiveMemo       `json:"executive_memo"`
	DeepDiveSections     []DeepDiveSection   `json:"deep_dive_sections"`
	RiskRegister         []Risk              `json:"risk_register"`
	ValueCreationRoadmap []Initiative        `json:"value_creation_roadmap"`
	CitationMap          map[string][]string `json:"citation_map"`
	UnverifiedClaims     []string            `json:"unverified_claims,omitempty"`
	Quality              ReportQuality       `json:"quality"`
	CreatedAt            time.Time           `json:"created_at"`
}
