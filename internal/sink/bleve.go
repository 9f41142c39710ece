package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/highlight/highlighter/html"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

var storedFields = []string{"product", "subject", "body"}

// BleveIndex implements Index on an embedded Bleve index.
// An empty path keeps the index in memory.
type BleveIndex struct {
	mu     sync.RWMutex
	path   string
	index  bleve.Index
	closed bool
}

// NewBleveIndex creates an embedded index gateway at path
func NewBleveIndex(path string) *BleveIndex {
	return &BleveIndex{path: path}
}

// Connect opens an existing index at path. A missing index is created by EnsureSchema.
func (b *BleveIndex) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("%w: create index directory: %v", model.ErrConnection, err)
	}

	idx, err := bleve.Open(b.path)
	switch {
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("%w: open bleve index %s: %v", model.ErrConnection, b.path, err)
	}

	b.index = idx
	logger.Success("Opened Bleve index", zap.String("path", b.path))
	return nil
}

// EnsureSchema creates the index with its mapping when none is open
func (b *BleveIndex) EnsureSchema(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index != nil {
		return nil
	}

	im, err := bleveMapping()
	if err != nil {
		return fmt.Errorf("%w: build mapping: %v", model.ErrSchema, err)
	}

	var idx bleve.Index
	if b.path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		idx, err = bleve.New(b.path, im)
	}
	if err != nil {
		return fmt.Errorf("%w: create bleve index: %v", model.ErrSchema, err)
	}

	b.index = idx
	logger.Success("Created Bleve index", zap.String("path", b.path))
	return nil
}

// Upsert indexes the payload under id
func (b *BleveIndex) Upsert(ctx context.Context, id string, payload model.IndexPayload) error {
	idx, release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := idx.Index(id, payload.Fields()); err != nil {
		return fmt.Errorf("failed to index %s: %w", id, err)
	}
	return nil
}

// Delete removes id; Bleve treats absent ids as a no-op
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	idx, release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := idx.Delete(id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// Lookup returns the stored fields of id
func (b *BleveIndex) Lookup(ctx context.Context, id string) (map[string]any, error) {
	idx, release, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = storedFields
	req.Size = 1

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	if len(res.Hits) == 0 {
		return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	return res.Hits[0].Fields, nil
}

// Search mirrors the Elasticsearch weighting with Bleve queries
func (b *BleveIndex) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	idx, release, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	req = req.Normalize()
	if strings.TrimSpace(req.Text) == "" {
		return &SearchResult{}, nil
	}

	sr := bleve.NewSearchRequestOptions(bleveQuery(req.Text), req.Size, req.From, false)
	sr.Fields = storedFields
	sr.Highlight = bleve.NewHighlightWithStyle(html.Name)
	sr.Highlight.Fields = []string{"subject", "body", "product"}

	res, err := idx.SearchInContext(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := &SearchResult{Total: int64(res.Total)}
	for _, h := range res.Hits {
		out.Hits = append(out.Hits, Hit{
			ID:         h.ID,
			Score:      h.Score,
			Source:     h.Fields,
			Highlights: h.Fragments,
		})
	}
	return out, nil
}

// Close closes the index
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.index == nil {
		b.closed = true
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func (b *BleveIndex) acquire() (bleve.Index, func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, nil, fmt.Errorf("index is closed")
	}
	if b.index == nil {
		b.mu.RUnlock()
		return nil, nil, fmt.Errorf("index schema not ensured")
	}
	return b.index, b.mu.RUnlock, nil
}

var _ Index = (*BleveIndex)(nil)

func bleveMapping() (*mapping.IndexMappingImpl, error) {
	text := func(name, analyzer string, store bool) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Name = name
		fm.Analyzer = analyzer
		fm.Store = store
		fm.IncludeInAll = false
		return fm
	}

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt("product",
		text("product", standard.Name, true),
		text("product.exact", keyword.Name, false),
		text("product.stemmed", en.AnalyzerName, false))
	doc.AddFieldMappingsAt("subject",
		text("subject", standard.Name, true),
		text("subject.exact", keyword.Name, false),
		text("subject.stemmed", en.AnalyzerName, false))
	doc.AddFieldMappingsAt("body",
		text("body", standard.Name, true),
		text("body.stemmed", en.AnalyzerName, false))

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	im.StoreDynamic = false
	im.IndexDynamic = false

	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

// bleveQuery combines the exact, fuzzy, phrase and stemmed clauses; any one may match
func bleveQuery(text string) query.Query {
	fuzziness := autoFuzziness(text)

	term := func(field string, boost float64) query.Query {
		q := bleve.NewTermQuery(text)
		q.SetField(field)
		q.SetBoost(boost)
		return q
	}
	match := func(field string, boost float64, fuzzy bool) query.Query {
		q := bleve.NewMatchQuery(text)
		q.SetField(field)
		q.SetBoost(boost)
		if fuzzy {
			q.SetFuzziness(fuzziness)
			q.SetPrefix(0)
		}
		return q
	}
	phrase := func(field string, boost float64) query.Query {
		q := bleve.NewMatchPhraseQuery(text)
		q.SetField(field)
		q.SetBoost(boost)
		return q
	}

	return bleve.NewDisjunctionQuery(
		term("subject.exact", 10*10),
		term("product.exact", 8*10),
		match("subject", 5, true),
		match("product", 3, true),
		match("body", 1, true),
		phrase("subject", 3*3),
		phrase("product", 2*3),
		phrase("body", 3),
		match("subject.stemmed", 2*2, true),
		match("product.stemmed", 1.5*2, true),
		match("body.stemmed", 2, true),
	)
}

// autoFuzziness follows the Elasticsearch AUTO rule for the shortest term
func autoFuzziness(text string) int {
	shortest := 0
	for _, w := range strings.Fields(text) {
		if n := len([]rune(w)); shortest == 0 || n < shortest {
			shortest = n
		}
	}
	switch {
	case shortest <= 2:
		return 0
	case shortest <= 5:
		return 1
	default:
		return 2
	}
}
