package sink

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/searchsync/internal/model"
)

func newMemIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx := NewBleveIndex("")
	ctx := context.Background()
	require.NoError(t, idx.Connect(ctx))
	require.NoError(t, idx.EnsureSchema(ctx))
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBleveIndex_UpsertIsIdempotent(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()
	payload := model.IndexPayload{Product: "Widget", Subject: "Order issue", Body: "My widget broke"}

	require.NoError(t, idx.Upsert(ctx, "a1", payload))
	once, err := idx.Lookup(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a1", payload))
	twice, err := idx.Lookup(ctx, "a1")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, map[string]any{
		"product": "Widget",
		"subject": "Order issue",
		"body":    "My widget broke",
	}, twice)

	res, err := idx.Search(ctx, SearchRequest{Text: "widget"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
}

func TestBleveIndex_UpsertReplaces(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "5", model.IndexPayload{Subject: "v1"}))
	require.NoError(t, idx.Upsert(ctx, "5", model.IndexPayload{Subject: "v2"}))

	got, err := idx.Lookup(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "v2", got["subject"])
}

func TestBleveIndex_DeleteAbsentSucceeds(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	assert.NoError(t, idx.Delete(ctx, "never-indexed"))

	require.NoError(t, idx.Upsert(ctx, "7", model.IndexPayload{Subject: "hello"}))
	require.NoError(t, idx.Delete(ctx, "7"))

	_, err := idx.Lookup(ctx, "7")
	assert.True(t, model.IsNotFound(err))
}

func TestBleveIndex_SearchHighlights(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a1", model.IndexPayload{Product: "Widget", Subject: "Order issue", Body: "My widget broke"}))
	require.NoError(t, idx.Upsert(ctx, "b2", model.IndexPayload{Product: "Gadget", Subject: "Billing question", Body: "Invoice was wrong"}))

	res, err := idx.Search(ctx, SearchRequest{Text: "order"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "a1", res.Hits[0].ID)

	field, frags := res.Hits[0].Fragments()
	assert.Equal(t, "subject", field)
	require.NotEmpty(t, frags)
	assert.True(t, strings.Contains(frags[0], HighlightPreTag+"Order"+HighlightPostTag), frags[0])
}

func TestBleveIndex_SearchStemmed(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "r1", model.IndexPayload{Subject: "Running late", Body: "The courier keeps running late"}))

	res, err := idx.Search(ctx, SearchRequest{Text: "run"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "r1", res.Hits[0].ID)
}

func TestBleveIndex_Paging(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, idx.Upsert(ctx, id, model.IndexPayload{Subject: "refund request " + id}))
	}

	res, err := idx.Search(ctx, SearchRequest{Text: "refund", Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Len(t, res.Hits, 2)

	res, err = idx.Search(ctx, SearchRequest{Text: "refund", Size: 2, From: 2})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
}

func TestBleveIndex_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	ctx := context.Background()

	idx := NewBleveIndex(path)
	require.NoError(t, idx.Connect(ctx))
	require.NoError(t, idx.EnsureSchema(ctx))
	require.NoError(t, idx.Upsert(ctx, "a1", model.IndexPayload{Subject: "Order issue"}))
	require.NoError(t, idx.Close())

	reopened := NewBleveIndex(path)
	require.NoError(t, reopened.Connect(ctx))
	require.NoError(t, reopened.EnsureSchema(ctx))
	defer reopened.Close()

	got, err := reopened.Lookup(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Order issue", got["subject"])
}

func TestBleveIndex_RequiresSchema(t *testing.T) {
	idx := NewBleveIndex("")
	require.NoError(t, idx.Connect(context.Background()))

	err := idx.Upsert(context.Background(), "a1", model.IndexPayload{})
	assert.Error(t, err)
}

func TestAutoFuzziness(t *testing.T) {
	assert.Equal(t, 0, autoFuzziness("ab"))
	assert.Equal(t, 1, autoFuzziness("order"))
	assert.Equal(t, 2, autoFuzziness("invoices"))
	assert.Equal(t, 1, autoFuzziness("broken order"))
	assert.Equal(t, 0, autoFuzziness(""))
}

func TestRenderHighlights(t *testing.T) {
	upper := strings.ToUpper
	assert.Equal(t, "an ORDER issue", RenderHighlights("an <mark>order</mark> issue", upper))
	assert.Equal(t, "A and B", RenderHighlights("<mark>a</mark> and <mark>b</mark>", upper))
	assert.Equal(t, "no tags", RenderHighlights("no tags", upper))
	assert.Equal(t, "open <mark>only", RenderHighlights("open <mark>only", upper))
}
