package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// ElasticOptions configures the Elasticsearch index
type ElasticOptions struct {
	URL            string
	Name           string
	RequestTimeout time.Duration
	Shards         int
	Replicas       int
	TLS            *tls.Config
}

// ElasticIndex implements Index on an Elasticsearch cluster
type ElasticIndex struct {
	opts   ElasticOptions
	client *elastic.Client
}

// NewElasticIndex creates an index gateway. Call Connect before use.
func NewElasticIndex(opts ElasticOptions) *ElasticIndex {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	return &ElasticIndex{opts: opts}
}

// Connect creates the client and checks cluster health
func (e *ElasticIndex) Connect(ctx context.Context) error {
	httpClient := &http.Client{
		Timeout:   e.opts.RequestTimeout,
		Transport: &http.Transport{TLSClientConfig: e.opts.TLS, Proxy: http.ProxyFromEnvironment},
	}

	client, err := elastic.NewClient(
		elastic.SetURL(e.opts.URL),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
		elastic.SetHttpClient(httpClient),
	)
	if err != nil {
		return fmt.Errorf("%w: create elasticsearch client: %v", model.ErrConnection, err)
	}

	health, err := client.ClusterHealth().Do(ctx)
	if err != nil {
		client.Stop()
		return fmt.Errorf("%w: elasticsearch cluster health: %v", model.ErrConnection, err)
	}

	e.client = client
	logger.Success("Elasticsearch connected",
		zap.String("cluster_health_status", health.Status),
		zap.String("index", e.opts.Name))
	return nil
}

// EnsureSchema creates the index with its mapping when it does not exist
func (e *ElasticIndex) EnsureSchema(ctx context.Context) error {
	exists, err := e.client.IndexExists(e.opts.Name).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: check index %s: %v", model.ErrSchema, e.opts.Name, err)
	}
	if exists {
		logger.Debug("Index already exists", zap.String("index", e.opts.Name))
		return nil
	}

	res, err := e.client.CreateIndex(e.opts.Name).BodyJson(indexMapping(e.opts.Shards, e.opts.Replicas)).Do(ctx)
	if err != nil {
		if elastic.IsStatusCode(err, http.StatusBadRequest) {
			// lost a create race with another process; the index is there
			if ok, _ := e.client.IndexExists(e.opts.Name).Do(ctx); ok {
				return nil
			}
		}
		return fmt.Errorf("%w: create index %s: %v", model.ErrSchema, e.opts.Name, err)
	}
	if !res.Acknowledged {
		logger.Warn("Create index not acknowledged", zap.String("index", e.opts.Name))
	}

	logger.Success("Created Elasticsearch index", zap.String("index", e.opts.Name))
	return nil
}

// Upsert indexes the payload under id, replacing any previous document
func (e *ElasticIndex) Upsert(ctx context.Context, id string, payload model.IndexPayload) error {
	res, err := e.client.Index().Index(e.opts.Name).Id(id).BodyJson(payload).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", id, err)
	}
	logger.Debug("Indexed document", zap.String("id", id), zap.String("result", res.Result))
	return nil
}

// Delete removes id; a 404 from the cluster counts as success
func (e *ElasticIndex) Delete(ctx context.Context, id string) error {
	res, err := e.client.Delete().Index(e.opts.Name).Id(id).Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			logger.Info("Document not found in index (already deleted)",
				zap.String("id", id),
				logger.Outcome(logger.OutcomeInfo))
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	logger.Debug("Deleted document", zap.String("id", id), zap.String("result", res.Result))
	return nil
}

// Lookup fetches the stored source of id
func (e *ElasticIndex) Lookup(ctx context.Context, id string) (map[string]any, error) {
	res, err := e.client.Get().Index(e.opts.Name).Id(id).Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	if !res.Found {
		return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(res.Source, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return fields, nil
}

// Search runs the weighted query and returns highlighted hits sorted by score
func (e *ElasticIndex) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	req = req.Normalize()

	res, err := e.client.Search(e.opts.Name).
		Query(searchQuery(req.Text)).
		Highlight(searchHighlight()).
		SortBy(elastic.NewScoreSort()).
		From(req.From).
		Size(req.Size).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := &SearchResult{}
	if res.Hits == nil {
		return out, nil
	}
	if res.Hits.TotalHits != nil {
		out.Total = res.Hits.TotalHits.Value
	}
	for _, h := range res.Hits.Hits {
		hit := Hit{ID: h.Id, Highlights: map[string][]string(h.Highlight)}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		if len(h.Source) > 0 {
			if err := json.Unmarshal(h.Source, &hit.Source); err != nil {
				return nil, fmt.Errorf("failed to decode hit %s: %w", h.Id, err)
			}
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// Close stops the client
func (e *ElasticIndex) Close() error {
	if e.client != nil {
		e.client.Stop()
		e.client = nil
	}
	return nil
}

var _ Index = (*ElasticIndex)(nil)

// indexMapping declares standard text fields with keyword and english sub-fields.
// customer and the dates are not indexed.
func indexMapping(shards, replicas int) map[string]any {
	textField := func(exact bool) map[string]any {
		fields := map[string]any{
			"stemmed": map[string]any{"type": "text", "analyzer": "english"},
		}
		if exact {
			fields["exact"] = map[string]any{"type": "keyword"}
		}
		return map[string]any{
			"type":     "text",
			"analyzer": "standard",
			"fields":   fields,
		}
	}

	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"product": textField(true),
				"subject": textField(true),
				"body":    textField(false),
			},
		},
		"settings": map[string]any{
			"number_of_shards":   shards,
			"number_of_replicas": replicas,
		},
	}
}

func searchQuery(text string) *elastic.BoolQuery {
	exactPhrase := elastic.NewMultiMatchQuery(text, "subject.exact^10", "product.exact^8").
		Type("phrase").
		Boost(10)

	fuzzy := elastic.NewMultiMatchQuery(text, "subject^5", "product^3", "body^1").
		Type("best_fields").
		Fuzziness("AUTO").
		PrefixLength(0).
		MaxExpansions(50).
		TieBreaker(0.3)

	phrase := elastic.NewMultiMatchQuery(text, "subject^3", "product^2", "body").
		Type("phrase").
		Boost(3)

	stemmed := elastic.NewMultiMatchQuery(text, "subject.stemmed^2", "product.stemmed^1.5", "body.stemmed").
		Type("best_fields").
		Fuzziness("AUTO").
		Boost(2)

	return elastic.NewBoolQuery().
		Should(exactPhrase, fuzzy, phrase, stemmed).
		MinimumNumberShouldMatch(1)
}

func searchHighlight() *elastic.Highlight {
	return elastic.NewHighlight().
		Fields(
			elastic.NewHighlighterField("subject").FragmentSize(200).NumOfFragments(1),
			elastic.NewHighlighterField("body").FragmentSize(200).NumOfFragments(2),
			elastic.NewHighlighterField("product"),
		).
		PreTags(HighlightPreTag).
		PostTags(HighlightPostTag)
}
