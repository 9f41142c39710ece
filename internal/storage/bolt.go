package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withobsrvr/searchsync/internal/utils/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// DefaultBoltFilePath is the default path for the BoltDB file
	DefaultBoltFilePath = "searchsync-checkpoints.db"

	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout is the default timeout for acquiring the BoltDB file lock
	DefaultBoltTimeout = 1 * time.Second
)

var checkpointBucket = []byte("checkpoints")

// BoltCheckpointStore implements CheckpointStore using BoltDB
type BoltCheckpointStore struct {
	db      *bolt.DB
	path    string
	options *BoltOptions
}

// BoltOptions configures the BoltDB storage
type BoltOptions struct {
	// Path to the BoltDB file
	Path string
	// File mode for the BoltDB file
	FileMode os.FileMode
	// Timeout for acquiring the file lock
	Timeout time.Duration
	// ReadOnly opens the file without taking the writer lock
	ReadOnly bool
}

// NewBoltCheckpointStore creates a new BoltCheckpointStore with the given options
func NewBoltCheckpointStore(opts *BoltOptions) *BoltCheckpointStore {
	if opts == nil {
		opts = &BoltOptions{}
	}

	if opts.Path == "" {
		opts.Path = DefaultBoltFilePath
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}

	return &BoltCheckpointStore{
		path:    opts.Path,
		options: opts,
	}
}

// Open initializes the BoltDB database
func (s *BoltCheckpointStore) Open() error {
	logger.Info("Opening checkpoint database", zap.String("path", s.path))

	if !s.options.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	db, err := bolt.Open(s.path, s.options.FileMode, &bolt.Options{
		Timeout:  s.options.Timeout,
		ReadOnly: s.options.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}
	s.db = db

	if s.options.ReadOnly {
		return nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(checkpointBucket); err != nil {
			return fmt.Errorf("failed to create checkpoints bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	return nil
}

// Close closes the BoltDB database
func (s *BoltCheckpointStore) Close() error {
	if s.db != nil {
		logger.Debug("Closing checkpoint database")
		return s.db.Close()
	}
	return nil
}

// Load retrieves the checkpoint for a stream
func (s *BoltCheckpointStore) Load(ctx context.Context, stream string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if b == nil {
			return ErrCheckpointNotFound{Stream: stream}
		}

		data := b.Get([]byte(stream))
		if data == nil {
			return ErrCheckpointNotFound{Stream: stream}
		}

		var stored Checkpoint
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		cp = &stored
		return nil
	})
	return cp, err
}

// Save stores the checkpoint under its stream name
func (s *BoltCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.Stream == "" {
		return fmt.Errorf("checkpoint stream is required")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if b == nil {
			return fmt.Errorf("checkpoints bucket not found")
		}
		if err := b.Put([]byte(cp.Stream), data); err != nil {
			return fmt.Errorf("failed to store checkpoint: %w", err)
		}
		return nil
	})
}

// List retrieves all stored checkpoints
func (s *BoltCheckpointStore) List(ctx context.Context) ([]*Checkpoint, error) {
	var checkpoints []*Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("failed to unmarshal checkpoint %s: %w", k, err)
			}
			checkpoints = append(checkpoints, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return checkpoints, nil
}

var _ CheckpointStore = (*BoltCheckpointStore)(nil)
