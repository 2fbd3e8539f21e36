package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvidenceType is the kind of source an evidence item came from.
type EvidenceType string

const (
	EvidenceWebPage        EvidenceType = "web_page"
	EvidenceSearchResult   EvidenceType = "search_result"
	EvidenceStructuredData EvidenceType = "structured_data"
	EvidenceAIAnalysis     EvidenceType = "ai_analysis"
	EvidenceLegacy         EvidenceType = "legacy"
)

// HighQualityConfidence is the confidence at or above which an item counts as high quality.
const HighQualityConfidence = 0.7

// CollectionStatus is the lifecycle of an evidence collection.
type CollectionStatus string

const (
	CollectionCollecting CollectionStatus = "collecting"
	CollectionComplete   CollectionStatus = "complete"
	CollectionArchived   CollectionStatus = "archived"
)

// EvidenceCollection groups all evidence gathered for one target in one execution.
type EvidenceCollection struct {
	ID          string                 `json:"id"`
	TargetID    string                 `json:"target_id"`
	ExecutionID string                 `json:"execution_id"`
	Status      CollectionStatus       `json:"status"`
	Type        string                 `json:"type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// EvidenceSource describes where an item was obtained.
type EvidenceSource struct {
	URL         string    `json:"url,omitempty"`
	Query       string    `json:"query,omitempty"`
	API         string    `json:"api,omitempty"`
	Tool        string    `json:"tool"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// EvidenceContent holds the item body in its three forms.
type EvidenceContent struct {
	Raw       string `json:"raw,omitempty"`
	Processed string `json:"processed,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Text returns the most processed non-empty form of the content.
func (c EvidenceContent) Text() string {
	switch {
	case c.Processed != "":
		return c.Processed
	case c.Summary != "":
		return c.Summary
	}
	return c.Raw
}

// EvidenceMetadata carries scoring data for an item.
type EvidenceMetadata struct {
	Confidence  float64 `json:"confidence"`
	Relevance   float64 `json:"relevance"`
	Credibility float64 `json:"credibility,omitempty"`
	TokenCount  int     `json:"token_count,omitempty"`
}

// Breadcrumb records one step of how an item was obtained.
type Breadcrumb struct {
	Step             string    `json:"step"`
	Query            string    `json:"query,omitempty"`
	URL              string    `json:"url,omitempty"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	Selectors        []string  `json:"selectors,omitempty"`
	At               time.Time `json:"at"`
}

// EvidenceItem is one atomic piece of collected information.
type EvidenceItem struct {
	ID              string           `json:"id"`
	CollectionID    string           `json:"collection_id"`
	ExecutionID     string           `json:"execution_id,omitempty"`
	StageName       string           `json:"stage_name,omitempty"`
	Type            EvidenceType     `json:"type"`
	Category        string           `json:"category,omitempty"`
	Source          EvidenceSource   `json:"source"`
	Content         EvidenceContent  `json:"content"`
	Metadata        EvidenceMetadata `json:"metadata"`
	Embedding       []float32        `json:"embedding,omitempty"`
	Classifications []string         `json:"classifications,omitempty"`
	Breadcrumbs     []Breadcrumb     `json:"breadcrumbs"`
	Detail          EvidenceDetail   `json:"-"`
	Fingerprint     string           `json:"fingerprint,omitempty"`
	UsageCount      int              `json:"usage_count"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Validate checks the invariants every committed item must satisfy.
func (e *EvidenceItem) Validate() error {
	if e.CollectionID == "" {
		return fmt.Errorf("evidence %s: missing collection", e.ID)
	}
	if len(e.Breadcrumbs) == 0 {
		return fmt.Errorf("evidence %s: breadcrumbs must not be empty", e.ID)
	}
	if e.Metadata.Confidence < 0 || e.Metadata.Confidence > 1 {
		return fmt.Errorf("evidence %s: confidence %.3f outside [0,1]", e.ID, e.Metadata.Confidence)
	}
	if e.Metadata.Relevance < 0 || e.Metadata.Relevance > 1 {
		return fmt.Errorf("evidence %s: relevance %.3f outside [0,1]", e.ID, e.Metadata.Relevance)
	}
	if e.Detail != nil && e.Detail.Kind() != e.Type && e.Detail.Kind() != EvidenceLegacy {
		return fmt.Errorf("evidence %s: detail kind %s does not match type %s", e.ID, e.Detail.Kind(), e.Type)
	}
	return nil
}

// Clone returns a deep copy of the item.
func (e *EvidenceItem) Clone() *EvidenceItem {
	if e == nil {
		return nil
	}
	c := *e
	c.Embedding = append([]float32(nil), e.Embedding...)
	c.Classifications = append([]string(nil), e.Classifications...)
	c.Breadcrumbs = append([]Breadcrumb(nil), e.Breadcrumbs...)
	return &c
}

type evidenceItemJSON EvidenceItem

type evidenceItemWire struct {
	*evidenceItemJSON
	Detail json.RawMessage `json:"detail,omitempty"`
}

// MarshalJSON encodes the item with its detail variant as a tagged envelope.
func (e EvidenceItem) MarshalJSON() ([]byte, error) {
	wire := evidenceItemWire{evidenceItemJSON: (*evidenceItemJSON)(&e)}
	if e.Detail != nil {
		raw, err := MarshalDetail(e.Detail)
		if err != nil {
			return nil, err
		}
		wire.Detail = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the item and its tagged detail variant.
func (e *EvidenceItem) UnmarshalJSON(data []byte) error {
	wire := evidenceItemWire{evidenceItemJSON: (*evidenceItemJSON)(e)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Detail) > 0 && string(wire.Detail) != "null" {
		d, err := UnmarshalDetail(wire.Detail)
		if err != nil {
			return err
		}
		e.Detail = d
	}
	return nil
}

// SearchRecord is one row of search/tool audit history.
type SearchRecord struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Tool        string    `json:"tool"`
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	CreatedAt   time.Time `json:"created_at"`
}
