package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvMongoURI is the environment variable holding the source connection string
	EnvMongoURI = "MONGODB_URI"

	// EnvElasticsearchURL is the environment variable holding the index endpoint
	EnvElasticsearchURL = "ELASTICSEARCH_URL"

	// BackendElasticsearch selects the Elasticsearch index gateway
	BackendElasticsearch = "elasticsearch"

	// BackendBleve selects the embedded Bleve index gateway
	BackendBleve = "bleve"
)

// Config represents the top-level configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" mapstructure:"log_level"`
	LogFormat  string           `yaml:"log_format" mapstructure:"log_format"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Index      IndexConfig      `yaml:"index" mapstructure:"index"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
}

// SourceConfig represents the document store connection
type SourceConfig struct {
	URI            string        `yaml:"uri" mapstructure:"uri"`
	Database       string        `yaml:"database" mapstructure:"database"`
	Collection     string        `yaml:"collection" mapstructure:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ResumeAttempts int           `yaml:"resume_attempts" mapstructure:"resume_attempts"`
	ResumeBackoff  time.Duration `yaml:"resume_backoff" mapstructure:"resume_backoff"`
	TLS            TLSConfig     `yaml:"tls" mapstructure:"tls"`
}

// IndexConfig represents the search index connection
type IndexConfig struct {
	Backend        string        `yaml:"backend" mapstructure:"backend"`
	URL            string        `yaml:"url" mapstructure:"url"`
	Name           string        `yaml:"name" mapstructure:"name"`
	Path           string        `yaml:"path" mapstructure:"path"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	Shards         int           `yaml:"shards" mapstructure:"shards"`
	Replicas       int           `yaml:"replicas" mapstructure:"replicas"`
	TLS            TLSConfig     `yaml:"tls" mapstructure:"tls"`
}

// SyncConfig tunes the replication engine
type SyncConfig struct {
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	ApplyTimeout  time.Duration `yaml:"apply_timeout" mapstructure:"apply_timeout"`
	ProgressEvery int           `yaml:"progress_every" mapstructure:"progress_every"`
	BackfillRate  float64       `yaml:"backfill_rate" mapstructure:"backfill_rate"`
	SkipBackfill  bool          `yaml:"skip_backfill" mapstructure:"skip_backfill"`
}

// CheckpointConfig locates the checkpoint database; an empty path keeps checkpoints in memory
type CheckpointConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// HealthConfig configures the gRPC health endpoint; an empty address disables it
type HealthConfig struct {
	Address string    `yaml:"address" mapstructure:"address"`
	TLS     TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Source: SourceConfig{
			Database:       "emaildb",
			Collection:     "emails",
			ConnectTimeout: 30 * time.Second,
			ResumeAttempts: 5,
			ResumeBackoff:  500 * time.Millisecond,
			TLS:            *DefaultTLSConfig(),
		},
		Index: IndexConfig{
			Backend:        BackendElasticsearch,
			Name:           "emaildb-email",
			RequestTimeout: 30 * time.Second,
			Shards:         1,
			Replicas:       0,
			TLS:            *DefaultTLSConfig(),
		},
		Sync: SyncConfig{
			QueueSize:     256,
			ApplyTimeout:  30 * time.Second,
			ProgressEvery: 100,
		},
		Health: HealthConfig{
			TLS: *DefaultTLSConfig(),
		},
	}
}

// SetDefaults registers Defaults on a viper instance so file, env and flags can override them
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("source.database", d.Source.Database)
	v.SetDefault("source.collection", d.Source.Collection)
	v.SetDefault("source.connect_timeout", d.Source.ConnectTimeout)
	v.SetDefault("source.resume_attempts", d.Source.ResumeAttempts)
	v.SetDefault("source.resume_backoff", d.Source.ResumeBackoff)
	v.SetDefault("source.tls.mode", string(TLSModeDisabled))
	v.SetDefault("index.backend", d.Index.Backend)
	v.SetDefault("index.name", d.Index.Name)
	v.SetDefault("index.request_timeout", d.Index.RequestTimeout)
	v.SetDefault("index.shards", d.Index.Shards)
	v.SetDefault("index.replicas", d.Index.Replicas)
	v.SetDefault("index.tls.mode", string(TLSModeDisabled))
	v.SetDefault("sync.queue_size", d.Sync.QueueSize)
	v.SetDefault("sync.apply_timeout", d.Sync.ApplyTimeout)
	v.SetDefault("sync.progress_every", d.Sync.ProgressEvery)
	v.SetDefault("health.tls.mode", string(TLSModeDisabled))
}

// BindEnv binds the well-known connection variables to their config keys
func BindEnv(v *viper.Viper) error {
	if err := v.BindEnv("source.uri", EnvMongoURI); err != nil {
		return fmt.Errorf("failed to bind %s: %w", EnvMongoURI, err)
	}
	if err := v.BindEnv("index.url", EnvElasticsearchURL); err != nil {
		return fmt.Errorf("failed to bind %s: %w", EnvElasticsearchURL, err)
	}
	return nil
}

// Load decodes the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of Defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Source.URI == "" {
		return fmt.Errorf("source uri is required (set %s)", EnvMongoURI)
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source database is required")
	}
	if c.Source.Collection == "" {
		return fmt.Errorf("source collection is required")
	}

	switch c.Index.Backend {
	case BackendElasticsearch:
		if c.Index.URL == "" {
			return fmt.Errorf("index url is required (set %s)", EnvElasticsearchURL)
		}
	case BackendBleve:
		if c.Index.Path == "" {
			return fmt.Errorf("index path is required for the bleve backend")
		}
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}

	if c.Index.Name == "" {
		return fmt.Errorf("index name is required")
	}
	if c.Sync.QueueSize < 1 {
		return fmt.Errorf("sync queue_size must be at least 1")
	}
	if c.Sync.BackfillRate < 0 {
		return fmt.Errorf("sync backfill_rate must not be negative")
	}

	for name, tlsCfg := range map[string]*TLSConfig{
		"source": &c.Source.TLS,
		"index":  &c.Index.TLS,
		"health": &c.Health.TLS,
	} {
		if err := tlsCfg.Validate(); err != nil {
			return fmt.Errorf("%s tls: %w", name, err)
		}
	}

	return nil
}

// Stream returns the name used for checkpoints of the replicated collection
func (c *Config) Stream() string {
	return c.Source.Database + "." + c.Source.Collection
}

// Redacted returns a copy with credentials stripped from connection strings
func (c *Config) Redacted() *Config {
	out := *c
	out.Source.URI = redactURL(c.Source.URI)
	out.Index.URL = redactURL(c.Index.URL)
	return &out
}

// YAML renders the configuration as YAML
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// RestartRequired lists the sections of next that differ from c and only
// take effect after a restart
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string
	if c.Source != next.Source {
		changed = append(changed, "source")
	}
	if c.Index != next.Index {
		changed = append(changed, "index")
	}
	if c.Sync != next.Sync {
		changed = append(changed, "sync")
	}
	if c.Checkpoint != next.Checkpoint {
		changed = append(changed, "checkpoint")
	}
	if c.Health != next.Health {
		changed = append(changed, "health")
	}
	return changed
}

// ResolvePaths makes relative file references absolute against baseDir,
// normally the directory of the config file in use.
func (c *Config) ResolvePaths(baseDir string) {
	for _, t := range []*TLSConfig{&c.Source.TLS, &c.Index.TLS, &c.Health.TLS} {
		t.CertFile = ResolveCertPath(t.CertFile, baseDir)
		t.KeyFile = ResolveCertPath(t.KeyFile, baseDir)
		t.CAFile = ResolveCertPath(t.CAFile, baseDir)
	}
	c.Checkpoint.Path = ResolveCertPath(c.Checkpoint.Path, baseDir)
	if c.Index.Backend == BackendBleve {
		c.Index.Path = ResolveCertPath(c.Index.Path, baseDir)
	}
}
