package vectordb

import "time"

type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"` // one point per embedded evidence item
	TopK       int           `mapstructure:"top_k"`
	Threshold  float64       `mapstructure:"threshold"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// ExpectedEmbeddingDim is checked against the collection at startup; 0 skips the check.
	ExpectedEmbeddingDim int `mapstructure:"expected_embedding_dim"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "evidence_items"
	}
	return c
}

// point is one Qdrant point as sent on upsert.
type point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Hit is one search result.
type Hit struct {
	EvidenceID string
	Score      float64
}
