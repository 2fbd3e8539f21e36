package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

func TestClientDisabled(t *testing.T) {
	assert.Nil(t, NewClient(Config{Enabled: false}, nil, nil))
}

func TestUpsertAndSearchEvidence(t *testing.T) {
	var upserted map[string][]point
	var query map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/evidence_items/points":
			assert.Equal(t, http.MethodPut, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
			_, _ = w.Write([]byte(`{"status":"ok","time":0.001}`))
		case "/collections/evidence_items/points/query":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&query))
			_, _ = w.Write([]byte(`{"status":"ok","result":{"points":[
				{"id":"e1","score":0.93,"payload":{"evidence_id":"e1"}},
				{"id":"e2","score":0.71,"payload":{}}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newClientWithBase(Config{}, srv.URL, srv.Client())
	err := c.UpsertEvidence(context.Background(), []*models.EvidenceItem{
		{ID: "e1", CollectionID: "c1", Embedding: []float32{0.1, 0.2}},
		{ID: "e-no-vector", CollectionID: "c1"},
	})
	require.NoError(t, err)
	require.Len(t, upserted["points"], 1)
	assert.Equal(t, "e1", upserted["points"][0].ID)
	assert.Equal(t, "c1", upserted["points"][0].Payload["collection_id"])

	hits, err := c.SearchEvidence(context.Background(), "c1", []float32{0.1, 0.2}, 3, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "e1", hits[0].ID)
	assert.Equal(t, "e2", hits[1].ID)
	assert.Equal(t, float64(3), query["limit"])
	assert.Equal(t, 0.5, query["score_threshold"])
	assert.NotNil(t, query["filter"])
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/evidence_items/points/search" {
			_, _ = w.Write([]byte(`{"status":"ok","result":[{"id":"e9","score":0.8,"payload":{"evidence_id":"e9"}}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newClientWithBase(Config{}, srv.URL, srv.Client())
	hits, err := c.SearchEvidence(context.Background(), "c1", []float32{1}, 0, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e9", hits[0].ID)
}

func TestValidateEmbeddingDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"points_count":10,"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}}`))
	}))
	defer srv.Close()

	c := newClientWithBase(Config{ExpectedEmbeddingDim: 768}, srv.URL, srv.Client())
	require.NoError(t, c.ValidateEmbeddingDimensions(context.Background()))

	c = newClientWithBase(Config{ExpectedEmbeddingDim: 1536}, srv.URL, srv.Client())
	err := c.ValidateEmbeddingDimensions(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
	var dm DimensionMismatchError
	assert.ErrorAs(t, err, &dm)
	assert.Equal(t, 768, dm.ReceivedDimension)
}

func TestCallClassifiesStatus(t *testing.T) {
	code := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()
	c := newClientWithBase(Config{}, srv.URL, srv.Client())

	err := c.UpsertEvidence(context.Background(), []*models.EvidenceItem{{ID: "e1", Embedding: []float32{1}}})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upsert", se.Op)

	code = http.StatusBadRequest
	err = c.UpsertEvidence(context.Background(), []*models.EvidenceItem{{ID: "e1", Embedding: []float32{1}}})
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err))
}

func TestValidateToleratesUnreachableIndex(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := newClientWithBase(Config{ExpectedEmbeddingDim: 768}, srv.URL, nil)
	assert.NoError(t, c.ValidateEmbeddingDimensions(context.Background()))
}
