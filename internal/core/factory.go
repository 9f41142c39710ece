package core

import (
	"fmt"

	"github.com/withobsrvr/searchsync/internal/config"
	"github.com/withobsrvr/searchsync/internal/sink"
	"github.com/withobsrvr/searchsync/internal/source"
	"github.com/withobsrvr/searchsync/internal/storage"
)

// NewSourceFromConfig creates the document store gateway
func NewSourceFromConfig(cfg *config.Config) (source.Source, error) {
	tlsCfg, err := cfg.Source.TLS.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("source tls: %w", err)
	}

	return source.NewMongoSource(source.MongoOptions{
		URI:            cfg.Source.URI,
		Database:       cfg.Source.Database,
		Collection:     cfg.Source.Collection,
		ConnectTimeout: cfg.Source.ConnectTimeout,
		ResumeAttempts: cfg.Source.ResumeAttempts,
		ResumeBackoff:  cfg.Source.ResumeBackoff,
		TLS:            tlsCfg,
	}), nil
}

// NewIndexFromConfig creates the index gateway for the configured backend
func NewIndexFromConfig(cfg *config.Config) (sink.Index, error) {
	switch cfg.Index.Backend {
	case config.BackendElasticsearch, "":
		tlsCfg, err := cfg.Index.TLS.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("index tls: %w", err)
		}
		return sink.NewElasticIndex(sink.ElasticOptions{
			URL:            cfg.Index.URL,
			Name:           cfg.Index.Name,
			RequestTimeout: cfg.Index.RequestTimeout,
			Shards:         cfg.Index.Shards,
			Replicas:       cfg.Index.Replicas,
			TLS:            tlsCfg,
		}), nil
	case config.BackendBleve:
		return sink.NewBleveIndex(cfg.Index.Path), nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}
}

// NewCheckpointStoreFromConfig opens the checkpoint store. An empty path keeps
// checkpoints in memory for the lifetime of the process.
func NewCheckpointStoreFromConfig(cfg *config.Config, readOnly bool) (storage.CheckpointStore, error) {
	var store storage.CheckpointStore
	if cfg.Checkpoint.Path == "" {
		store = storage.NewMemoryCheckpointStore()
	} else {
		store = storage.NewBoltCheckpointStore(&storage.BoltOptions{
			Path:     cfg.Checkpoint.Path,
			ReadOnly: readOnly,
		})
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

// EngineOptions maps the sync settings to engine options
func EngineOptions(cfg *config.Config, store storage.CheckpointStore) []Option {
	opts := []Option{
		WithQueueSize(cfg.Sync.QueueSize),
		WithApplyTimeout(cfg.Sync.ApplyTimeout),
		WithProgressEvery(cfg.Sync.ProgressEvery),
		WithBackfillRate(cfg.Sync.BackfillRate),
		WithSkipBackfill(cfg.Sync.SkipBackfill),
	}
	if store != nil {
		opts = append(opts, WithCheckpointStore(store, cfg.Stream()))
	}
	return opts
}

// NewEngineFromConfig wires gateways built from cfg into an engine
func NewEngineFromConfig(cfg *config.Config, store storage.CheckpointStore, extra ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	src, err := NewSourceFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	idx, err := NewIndexFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return NewEngine(src, idx, append(EngineOptions(cfg, store), extra...)...), nil
}
