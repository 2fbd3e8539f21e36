package models

import (
	"encoding/json"
	"fmt"
)

// EvidenceDetail is the type-specific part of an evidence item. Each evidence
// type has one concrete variant; anything unrecognised decodes as LegacyDetail.
type EvidenceDetail interface {
	Kind() EvidenceType
}

// WebPageDetail describes a fetched or rendered page.
type WebPageDetail struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	StatusCode   int      `json:"status_code,omitempty"`
	Rendered     bool     `json:"rendered,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

func (WebPageDetail) Kind() EvidenceType { return EvidenceWebPage }

// SearchResultDetail describes one hit from a search API.
type SearchResultDetail struct {
	Query   string `json:"query"`
	Rank    int    `json:"rank"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

func (SearchResultDetail) Kind() EvidenceType { return EvidenceSearchResult }

// StructuredDataDetail holds fields returned by a structured API or MCP tool.
type StructuredDataDetail struct {
	Schema string            `json:"schema,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (StructuredDataDetail) Kind() EvidenceType { return EvidenceStructuredData }

// AIAnalysisDetail describes output of an AI-model call.
type AIAnalysisDetail struct {
	Model      string `json:"model,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

func (AIAnalysisDetail) Kind() EvidenceType { return EvidenceAIAnalysis }

// LegacyDetail keeps payloads of unknown or retired kinds verbatim.
type LegacyDetail struct {
	OriginalKind string          `json:"original_kind,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

func (LegacyDetail) Kind() EvidenceType { return EvidenceLegacy }

type detailEnvelope struct {
	Kind EvidenceType    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetail encodes a detail variant as {"kind":..., "data":...}.
func MarshalDetail(d EvidenceDetail) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s detail: %w", d.Kind(), err)
	}
	return json.Marshal(detailEnvelope{Kind: d.Kind(), Data: data})
}

// UnmarshalDetail decodes a tagged envelope. Unknown kinds become LegacyDetail.
func UnmarshalDetail(raw []byte) (EvidenceDetail, error) {
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode detail envelope: %w", err)
	}
	var target EvidenceDetail
	switch env.Kind {
	case EvidenceWebPage:
		var d WebPageDetail
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		target = d
	case EvidenceSearchResult:
		var d SearchResultDetail
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		target = d
	case EvidenceStructuredData:
		var d StructuredDataDetail
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		target = d
	case EvidenceAIAnalysis:
		var d AIAnalysisDetail
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		target = d
	case EvidenceLegacy:
		var d LegacyDetail
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		target = d
	default:
		target = LegacyDetail{OriginalKind: string(env.Kind), Raw: env.Data}
	}
	return target, nil
}
