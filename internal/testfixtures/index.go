//go:build test

package testfixtures

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/sink"
)

// Write records one call that reached the index
type Write struct {
	Op      model.OperationType
	ID      string
	Payload model.IndexPayload
}

// MemoryIndex implements sink.Index over a map, with failure injection
type MemoryIndex struct {
	mu      sync.Mutex
	docs    map[string]model.IndexPayload
	writes  []Write
	schema  int
	closed  bool
	failing map[string]error

	// ConnectErr is returned by Connect when set
	ConnectErr error
	// SchemaErr is returned by EnsureSchema when set
	SchemaErr error
	// StrictDelete makes Delete of an absent id return model.ErrNotFound
	StrictDelete bool
	// BeforeWrite runs before every upsert or delete, outside the lock
	BeforeWrite func(op model.OperationType, id string)
}

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:    make(map[string]model.IndexPayload),
		failing: make(map[string]error),
	}
}

// FailOn makes every write to id fail with err; a nil err clears the failure
func (m *MemoryIndex) FailOn(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, id)
		return
	}
	m.failing[id] = err
}

// Connect implements sink.Index
func (m *MemoryIndex) Connect(ctx context.Context) error {
	if m.ConnectErr != nil {
		return fmt.Errorf("%w: %v", model.ErrConnection, m.ConnectErr)
	}
	return nil
}

// EnsureSchema implements sink.Index
func (m *MemoryIndex) EnsureSchema(ctx context.Context) error {
	if m.SchemaErr != nil {
		return fmt.Errorf("%w: %v", model.ErrSchema, m.SchemaErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schema++
	return nil
}

// SchemaCalls returns how many times EnsureSchema succeeded
func (m *MemoryIndex) SchemaCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schema
}

// Upsert implements sink.Index
func (m *MemoryIndex) Upsert(ctx context.Context, id string, payload model.IndexPayload) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite(model.OpUpdate, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[id]; err != nil {
		return err
	}
	m.docs[id] = payload
	m.writes = append(m.writes, Write{Op: model.OpUpdate, ID: id, Payload: payload})
	return nil
}

// Delete implements sink.Index
func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite(model.OpDelete, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[id]; err != nil {
		return err
	}
	m.writes = append(m.writes, Write{Op: model.OpDelete, ID: id})
	if _, ok := m.docs[id]; !ok {
		if m.StrictDelete {
			return fmt.Errorf("%s: %w", id, model.ErrNotFound)
		}
		return nil
	}
	delete(m.docs, id)
	return nil
}

// Lookup implements sink.Index
func (m *MemoryIndex) Lookup(ctx context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	return p.Fields(), nil
}

// Search matches documents whose fields contain the query text, case-insensitively
func (m *MemoryIndex) Search(ctx context.Context, req sink.SearchRequest) (*sink.SearchResult, error) {
	req = req.Normalize()
	needle := strings.ToLower(strings.TrimSpace(req.Text))

	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []sink.Hit
	for id, p := range m.docs {
		hit := sink.Hit{ID: id, Source: p.Fields(), Highlights: map[string][]string{}}
		for field, v := range p.Fields() {
			text := v.(string)
			if needle == "" || !strings.Contains(strings.ToLower(text), needle) {
				continue
			}
			i := strings.Index(strings.ToLower(text), needle)
			hit.Highlights[field] = []string{
				text[:i] + sink.HighlightPreTag + text[i:i+len(needle)] + sink.HighlightPostTag + text[i+len(needle):],
			}
			hit.Score++
		}
		if hit.Score > 0 {
			hits = append(hits, hit)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	out := &sink.SearchResult{Total: int64(len(hits))}
	if req.From < len(hits) {
		end := min(req.From+req.Size, len(hits))
		out.Hits = hits[req.From:end]
	}
	return out, nil
}

// Close implements sink.Index
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MemoryIndex) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Get returns the payload stored under id
func (m *MemoryIndex) Get(id string) (model.IndexPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.docs[id]
	return p, ok
}

// Len returns the number of stored documents
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Writes returns every write that reached the index, in call order
func (m *MemoryIndex) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

var _ sink.Index = (*MemoryIndex)(nil)
