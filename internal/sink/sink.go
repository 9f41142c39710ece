package sink

import (
	"context"
	"strings"

	"github.com/withobsrvr/searchsync/internal/model"
)

const (
	// HighlightPreTag opens a highlighted fragment
	HighlightPreTag = "<mark>"
	// HighlightPostTag closes a highlighted fragment
	HighlightPostTag = "</mark>"

	// DefaultSearchSize is used when a request does not set Size
	DefaultSearchSize = 50
)

// Index defines the interface for the search index
type Index interface {
	// Connect reaches the backend; failures wrap model.ErrConnection
	Connect(ctx context.Context) error

	// EnsureSchema creates the index with its mapping if absent; failures wrap model.ErrSchema
	EnsureSchema(ctx context.Context) error

	// Upsert writes the payload under id, replacing any previous value
	Upsert(ctx context.Context, id string, payload model.IndexPayload) error

	// Delete removes id. Deleting an absent id succeeds.
	Delete(ctx context.Context, id string) error

	// Lookup returns the stored fields of id, or model.ErrNotFound
	Lookup(ctx context.Context, id string) (map[string]any, error)

	// Search runs a free text query
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)

	// Close releases the backend
	Close() error
}

// SearchRequest is a free text query with paging
type SearchRequest struct {
	Text string
	Size int
	From int
}

// Normalize applies paging defaults
func (r SearchRequest) Normalize() SearchRequest {
	if r.Size <= 0 {
		r.Size = DefaultSearchSize
	}
	if r.From < 0 {
		r.From = 0
	}
	return r
}

// SearchResult is one page of ranked hits
type SearchResult struct {
	Total int64
	Hits  []Hit
}

// Hit is a ranked document with highlighted fragments per field
type Hit struct {
	ID         string
	Score      float64
	Source     map[string]any
	Highlights map[string][]string
}

// Fragments returns the highlights of the first field that has any, in
// subject, body, product order. It falls back to the stored subject.
func (h Hit) Fragments() (string, []string) {
	for _, field := range []string{"subject", "body", "product"} {
		if frags := h.Highlights[field]; len(frags) > 0 {
			return field, frags
		}
	}
	if s, ok := h.Source["subject"].(string); ok {
		return "subject", []string{s}
	}
	return "", nil
}

// RenderHighlights replaces highlight tags in fragment using mark for the marked text
func RenderHighlights(fragment string, mark func(string) string) string {
	var b strings.Builder
	rest := fragment
	for {
		start := strings.Index(rest, HighlightPreTag)
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], HighlightPostTag)
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start

		b.WriteString(rest[:start])
		b.WriteString(mark(rest[start+len(HighlightPreTag) : end]))
		rest = rest[end+len(HighlightPostTag):]
	}
}
