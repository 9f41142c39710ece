package source

import (
	"context"
	"iter"

	"github.com/withobsrvr/searchsync/internal/model"
)

// Position is where a subscription starts reading the change feed.
// A resume token wins over a cluster time; when both are empty the
// subscription starts at the current end of the feed.
type Position struct {
	StartAt     model.ClusterTime
	ResumeToken []byte
}

// IsZero reports whether the position is unset
func (p Position) IsZero() bool {
	return len(p.ResumeToken) == 0 && p.StartAt.IsZero()
}

// Handler is invoked once per change event, in commit order. The next event
// is not delivered until the handler returns.
type Handler func(ctx context.Context, event model.ChangeEvent) error

// Subscription is the handle of a running change feed
type Subscription interface {
	// Done is closed when the subscription has ended
	Done() <-chan struct{}

	// Err returns nil after Close, or model.ErrSubscriptionBroken when the feed ended on its own
	Err() error

	// Close stops delivery and waits for the handler in flight to return
	Close() error
}

// Source defines the interface for the document store
type Source interface {
	// Open connects to the store and ensures collection indexes
	Open(ctx context.Context) error

	// Mark returns the current position of the change feed
	Mark(ctx context.Context) (model.ClusterTime, error)

	// ListAll reads a snapshot of every document currently stored
	ListAll(ctx context.Context) iter.Seq2[model.SourceDocument, error]

	// Subscribe starts delivering change events to handler
	Subscribe(ctx context.Context, from Position, handler Handler) (Subscription, error)

	// Close shuts down the source
	Close(ctx context.Context) error

	// Healthy returns an error if the source is not healthy
	Healthy(ctx context.Context) error
}

