//go:build test

// Package testfixtures provides in-memory gateways for exercising the sync engine.
package testfixtures

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/source"
)

// MemorySource implements source.Source over an in-memory collection and change log
type MemorySource struct {
	mu    sync.Mutex
	docs  map[string]model.SourceDocument
	log   []model.ChangeEvent
	seq   uint32
	wake  chan struct{}
	subs  []*memorySubscription
	ns    model.Namespace
	state struct{ opened, closed bool }

	// OpenErr is returned by Open when set
	OpenErr error
	// ListErr fails the listing itself; ListAll yields it wrapped in
	// model.ErrSnapshot and stops
	ListErr error
	// ListErrAfter yields ListErr after this many documents; 0 means after all
	ListErrAfter int
	// DocErrs makes ListAll yield the document with an error, as a decode failure would
	DocErrs map[string]error
	// SubscribeErr is returned by Subscribe when set
	SubscribeErr error
	// AfterList runs after ListAll yields the document at position i
	AfterList func(i int, doc model.SourceDocument)
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		docs: make(map[string]model.SourceDocument),
		seq:  1,
		wake: make(chan struct{}),
		ns:   model.Namespace{Database: "emaildb", Collection: "emails"},
	}
}

// Seed stores documents without emitting change events
func (s *MemorySource) Seed(docs ...model.SourceDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.docs[d.ID] = d
	}
}

// Insert stores doc and emits an insert event
func (s *MemorySource) Insert(doc model.SourceDocument) {
	s.mutate(model.OpInsert, doc)
}

// Update stores doc and emits an update event carrying the new document
func (s *MemorySource) Update(doc model.SourceDocument) {
	s.mutate(model.OpUpdate, doc)
}

// Replace stores doc and emits a replace event
func (s *MemorySource) Replace(doc model.SourceDocument) {
	s.mutate(model.OpReplace, doc)
}

// Delete removes id and emits a delete event
func (s *MemorySource) Delete(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	s.EmitEvent(model.ChangeEvent{Operation: model.OpDelete, DocumentID: id})
}

func (s *MemorySource) mutate(op model.OperationType, doc model.SourceDocument) {
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()

	d := doc
	s.EmitEvent(model.ChangeEvent{Operation: op, DocumentID: doc.ID, FullDocument: &d})
}

// EmitEvent appends a raw event to the change log. Namespace, cluster time and
// resume token are assigned here.
func (s *MemorySource) EmitEvent(event model.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Namespace = s.ns
	event.ClusterTime = model.ClusterTime{T: s.seq}
	event.ResumeToken = []byte(strconv.FormatUint(uint64(s.seq), 10))
	s.log = append(s.log, event)

	close(s.wake)
	s.wake = make(chan struct{})
}

// Break ends every open subscription with model.ErrSubscriptionBroken once
// the events already logged have been delivered
func (s *MemorySource) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.breakOnce.Do(func() { close(sub.broken) })
	}
}

// Open implements source.Source
func (s *MemorySource) Open(ctx context.Context) error {
	if s.OpenErr != nil {
		return fmt.Errorf("%w: %v", model.ErrConnection, s.OpenErr)
	}
	s.mu.Lock()
	s.state.opened = true
	s.mu.Unlock()
	return nil
}

// Mark returns the position of the last logged event
func (s *MemorySource) Mark(ctx context.Context) (model.ClusterTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ClusterTime{T: s.seq}, nil
}

// ListAll yields a snapshot of the documents sorted by id
func (s *MemorySource) ListAll(ctx context.Context) iter.Seq2[model.SourceDocument, error] {
	s.mu.Lock()
	snapshot := make([]model.SourceDocument, 0, len(s.docs))
	for _, d := range s.docs {
		snapshot = append(snapshot, d)
	}
	s.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	return func(yield func(model.SourceDocument, error) bool) {
		for i, d := range snapshot {
			if s.ListErr != nil && s.ListErrAfter > 0 && i == s.ListErrAfter {
				yield(model.SourceDocument{}, fmt.Errorf("%w: %v", model.ErrSnapshot, s.ListErr))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(model.SourceDocument{}, fmt.Errorf("%w: %v", model.ErrSnapshot, err))
				return
			}
			if !yield(d, s.DocErrs[d.ID]) {
				return
			}
			if s.AfterList != nil {
				s.AfterList(i, d)
			}
		}
		if s.ListErr != nil {
			yield(model.SourceDocument{}, fmt.Errorf("%w: %v", model.ErrSnapshot, s.ListErr))
		}
	}
}

// Subscribe replays logged events after from, then follows new ones
func (s *MemorySource) Subscribe(ctx context.Context, from source.Position, handler source.Handler) (source.Subscription, error) {
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}

	s.mu.Lock()
	next, err := s.startIndex(from)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		cancel: cancel,
		done:   make(chan struct{}),
		broken: make(chan struct{}),
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go s.deliver(subCtx, sub, next, handler)
	return sub, nil
}

func (s *MemorySource) startIndex(from source.Position) (int, error) {
	var after uint64
	switch {
	case len(from.ResumeToken) > 0:
		v, err := strconv.ParseUint(string(from.ResumeToken), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid resume token %q: %w", from.ResumeToken, err)
		}
		after = v
	case !from.StartAt.IsZero():
		after = uint64(from.StartAt.T)
	default:
		return len(s.log), nil
	}

	for i, e := range s.log {
		if uint64(e.ClusterTime.T) > after {
			return i, nil
		}
	}
	return len(s.log), nil
}

func (s *MemorySource) deliver(ctx context.Context, sub *memorySubscription, next int, handler source.Handler) {
	defer close(sub.done)

	for {
		s.mu.Lock()
		pending := next < len(s.log)
		var event model.ChangeEvent
		if pending {
			event = s.log[next]
		}
		wake := s.wake
		s.mu.Unlock()

		if pending {
			if err := handler(ctx, event); err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.fail(fmt.Errorf("%w: handler: %v", model.ErrSubscriptionBroken, err))
				return
			}
			next++
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.broken:
			sub.fail(model.ErrSubscriptionBroken)
			return
		case <-wake:
		}
	}
}

// Subscriptions returns how many subscriptions were opened
func (s *MemorySource) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close implements source.Source
func (s *MemorySource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *MemorySource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.closed
}

// Healthy implements source.Source
func (s *MemorySource) Healthy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.opened || s.state.closed {
		return errors.New("source not open")
	}
	return nil
}

var _ source.Source = (*MemorySource)(nil)

type memorySubscription struct {
	cancel    context.CancelFunc
	done      chan struct{}
	broken    chan struct{}
	breakOnce sync.Once

	mu  sync.Mutex
	err error
}

func (m *memorySubscription) Done() <-chan struct{} { return m.done }

func (m *memorySubscription) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memorySubscription) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *memorySubscription) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
