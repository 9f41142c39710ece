package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// MemoryCheckpointStore keeps checkpoints in memory for runs without a checkpoint file
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryCheckpointStore creates a new in-memory checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]Checkpoint),
	}
}

// Open initializes the storage
func (s *MemoryCheckpointStore) Open() error {
	logger.Debug("Opening memory checkpoint store")
	return nil
}

// Close closes the storage
func (s *MemoryCheckpointStore) Close() error {
	logger.Debug("Closing memory checkpoint store")
	return nil
}

// Load retrieves a copy of the checkpoint for a stream
func (s *MemoryCheckpointStore) Load(ctx context.Context, stream string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[stream]
	if !ok {
		return nil, ErrCheckpointNotFound{Stream: stream}
	}
	cp.ResumeToken = append([]byte(nil), cp.ResumeToken...)
	return &cp, nil
}

// Save stores a copy of the checkpoint
func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.Stream == "" {
		return fmt.Errorf("checkpoint stream is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cp
	stored.ResumeToken = append([]byte(nil), cp.ResumeToken...)
	s.checkpoints[cp.Stream] = stored
	return nil
}

// List returns all checkpoints ordered by stream name
func (s *MemoryCheckpointStore) List(ctx context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		cp := cp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out, nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
