package vectorindex_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentplane/promoter/internal/vectorindex"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "docs_dev", vectorindex.CollectionName("docs", "dev"))
	assert.Equal(t, "docs_stage", vectorindex.CollectionName("docs", "stage"))
}

func TestCopyPoints(t *testing.T) {
	var upserted struct {
		Points []map[string]interface{} `json:"points"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/collections/docs_dev/points":
			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, true, req["with_vector"])
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"result":[{"id":"item-1","vector":[0.1,0.2],"payload":{"kind":"document"}}]}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_stage/points":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := vectorindex.NewHTTPClient(vectorindex.HTTPClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	copied, err := client.CopyPoints(context.Background(), []string{"item-1"}, "docs_dev", "docs_stage")
	require.NoError(t, err)
	assert.Equal(t, 1, copied)
	require.Len(t, upserted.Points, 1)
	assert.Equal(t, "item-1", upserted.Points[0]["id"])
}

func TestCopyPointsEmptySource(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	client, err := vectorindex.NewHTTPClient(vectorindex.HTTPClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	// Nothing to upsert: only the retrieve call goes out.
	copied, err := client.CopyPoints(context.Background(), []string{"missing"}, "docs_dev", "docs_stage")
	require.NoError(t, err)
	assert.Zero(t, copied)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCopyPointsNoIDs(t *testing.T) {
	client, err := vectorindex.NewHTTPClient(vectorindex.HTTPClientConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	copied, err := client.CopyPoints(context.Background(), nil, "a", "b")
	require.NoError(t, err)
	assert.Zero(t, copied)
}

func TestCopyPointsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := vectorindex.NewHTTPClient(vectorindex.HTTPClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.CopyPoints(context.Background(), []string{"item-1"}, "docs_dev", "docs_stage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}
