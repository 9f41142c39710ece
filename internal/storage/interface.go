package storage

import (
	"context"
	"time"

	"github.com/withobsrvr/searchsync/internal/model"
)

// Checkpoint is the last change stream position the engine finished applying
type Checkpoint struct {
	// Stream identifies the replicated namespace, e.g. "emaildb.emails"
	Stream string `json:"stream" yaml:"stream"`
	// RunID is the engine run that wrote the checkpoint
	RunID string `json:"run_id" yaml:"run_id"`
	// ResumeToken is the opaque source token after the last applied event
	ResumeToken []byte `json:"resume_token" yaml:"-"`
	// ClusterTime is the commit position of the last applied event
	ClusterTime model.ClusterTime `json:"cluster_time" yaml:"cluster_time"`
	// LastDocumentID is the identifier touched by the last applied event
	LastDocumentID string `json:"last_document_id" yaml:"last_document_id"`
	// EventsApplied counts events applied by RunID
	EventsApplied int64 `json:"events_applied" yaml:"events_applied"`
	// UpdatedAt is when the checkpoint was written
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// CheckpointStore persists checkpoints between process restarts
type CheckpointStore interface {
	// Open initializes the storage and makes it ready for use
	Open() error

	// Close closes the storage and releases any resources
	Close() error

	// Load returns the checkpoint for a stream
	Load(ctx context.Context, stream string) (*Checkpoint, error)

	// Save stores a checkpoint, replacing any previous one for the same stream
	Save(ctx context.Context, cp *Checkpoint) error

	// List returns every stored checkpoint
	List(ctx context.Context) ([]*Checkpoint, error)
}

// ErrCheckpointNotFound is returned when no checkpoint exists for a stream
type ErrCheckpointNotFound struct {
	Stream string
}

// Error implements the error interface
func (e ErrCheckpointNotFound) Error() string {
	return "checkpoint not found: " + e.Stream
}

// IsNotFound returns true if the error is ErrCheckpointNotFound
func IsNotFound(err error) bool {
	_, ok := err.(ErrCheckpointNotFound)
	return ok
}
