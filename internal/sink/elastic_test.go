package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/searchsync/internal/model"
)

// fakeCluster answers the handful of REST calls ElasticIndex makes
type fakeCluster struct {
	mu         sync.Mutex
	docs       map[string]json.RawMessage
	exists     bool
	created    map[string]any
	lastSearch map[string]any
}

func newFakeCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	t.Helper()
	fc := &fakeCluster{docs: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case path == "_cluster/health":
		io.WriteString(w, `{"cluster_name":"test","status":"green"}`)

	case len(parts) == 1 && r.Method == http.MethodHead:
		if !fc.exists {
			w.WriteHeader(http.StatusNotFound)
		}

	case len(parts) == 1 && r.Method == http.MethodPut:
		fc.exists = true
		_ = json.Unmarshal(body, &fc.created)
		io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":true,"index":"`+parts[0]+`"}`)

	case len(parts) == 2 && parts[1] == "_search":
		_ = json.Unmarshal(body, &fc.lastSearch)
		io.WriteString(w, `{"took":1,"hits":{"total":{"value":1,"relation":"eq"},"hits":[
			{"_id":"a1","_score":4.2,"_source":{"product":"Widget","subject":"Order issue","body":"My widget broke"},
			 "highlight":{"subject":["<mark>Order</mark> issue"]}}]}}`)

	case len(parts) == 3 && parts[1] == "_doc":
		id := parts[2]
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			result := "created"
			if _, ok := fc.docs[id]; ok {
				result = "updated"
			}
			fc.docs[id] = body
			io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+id+`","result":"`+result+`"}`)
		case http.MethodDelete:
			if _, ok := fc.docs[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+id+`","result":"not_found"}`)
				return
			}
			delete(fc.docs, id)
			io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+id+`","result":"deleted"}`)
		case http.MethodGet:
			doc, ok := fc.docs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+id+`","found":false}`)
				return
			}
			io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+id+`","found":true,"_source":`+string(doc)+`}`)
		}

	default:
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"unexpected","reason":"`+r.Method+` `+path+`"},"status":400}`)
	}
}

func connectedElastic(t *testing.T) (*ElasticIndex, *fakeCluster) {
	t.Helper()
	fc, srv := newFakeCluster(t)
	idx := NewElasticIndex(ElasticOptions{URL: srv.URL, Name: "emaildb-email", Replicas: 0})
	require.NoError(t, idx.Connect(context.Background()))
	t.Cleanup(func() { idx.Close() })
	return idx, fc
}

func TestElasticIndex_EnsureSchema(t *testing.T) {
	idx, fc := connectedElastic(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureSchema(ctx))
	require.NotNil(t, fc.created)

	props := fc.created["mappings"].(map[string]any)["properties"].(map[string]any)
	assert.Len(t, props, 3)
	assert.NotContains(t, props, "customer")

	subject := props["subject"].(map[string]any)
	assert.Equal(t, "standard", subject["analyzer"])
	subFields := subject["fields"].(map[string]any)
	assert.Equal(t, "keyword", subFields["exact"].(map[string]any)["type"])
	assert.Equal(t, "english", subFields["stemmed"].(map[string]any)["analyzer"])

	body := props["body"].(map[string]any)["fields"].(map[string]any)
	assert.NotContains(t, body, "exact")

	settings := fc.created["settings"].(map[string]any)
	assert.Equal(t, float64(1), settings["number_of_shards"])
	assert.Equal(t, float64(0), settings["number_of_replicas"])

	// second call is a no-op
	fc.created = nil
	require.NoError(t, idx.EnsureSchema(ctx))
	assert.Nil(t, fc.created)
}

func TestElasticIndex_UpsertIsIdempotent(t *testing.T) {
	idx, fc := connectedElastic(t)
	ctx := context.Background()
	payload := model.IndexPayload{Product: "Widget", Subject: "Order issue", Body: "My widget broke"}

	require.NoError(t, idx.Upsert(ctx, "a1", payload))
	first, err := idx.Lookup(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a1", payload))
	second, err := idx.Lookup(ctx, "a1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, fc.docs, 1)
	assert.Equal(t, "Widget", second["product"])
	assert.NotContains(t, second, "customer")
}

func TestElasticIndex_DeleteAbsentSucceeds(t *testing.T) {
	idx, _ := connectedElastic(t)
	ctx := context.Background()

	assert.NoError(t, idx.Delete(ctx, "never-indexed"))

	require.NoError(t, idx.Upsert(ctx, "7", model.IndexPayload{Subject: "x"}))
	require.NoError(t, idx.Delete(ctx, "7"))

	_, err := idx.Lookup(ctx, "7")
	assert.True(t, model.IsNotFound(err))
}

func TestElasticIndex_Search(t *testing.T) {
	idx, fc := connectedElastic(t)

	res, err := idx.Search(context.Background(), SearchRequest{Text: "order", From: 0})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "a1", res.Hits[0].ID)
	assert.InDelta(t, 4.2, res.Hits[0].Score, 0.0001)
	assert.Equal(t, []string{"<mark>Order</mark> issue"}, res.Hits[0].Highlights["subject"])

	require.NotNil(t, fc.lastSearch)
	assert.Equal(t, float64(DefaultSearchSize), fc.lastSearch["size"])

	should := fc.lastSearch["query"].(map[string]any)["bool"].(map[string]any)["should"].([]any)
	require.Len(t, should, 4)
	first := should[0].(map[string]any)["multi_match"].(map[string]any)
	assert.Equal(t, "phrase", first["type"])
	assert.Equal(t, []any{"subject.exact^10", "product.exact^8"}, first["fields"])
	second := should[1].(map[string]any)["multi_match"].(map[string]any)
	assert.Equal(t, "AUTO", second["fuzziness"])

	highlight := fc.lastSearch["highlight"].(map[string]any)
	assert.Equal(t, []any{HighlightPreTag}, highlight["pre_tags"])
}

func TestElasticIndex_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	idx := NewElasticIndex(ElasticOptions{URL: srv.URL, Name: "emaildb-email"})
	err := idx.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnection)
}
