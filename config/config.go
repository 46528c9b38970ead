package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the review search service.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Reassign  ReassignConfig  `yaml:"reassign"`
	Search    SearchConfig    `yaml:"search"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig holds record store configuration.
type StorageConfig struct {
	Path        string        `yaml:"path"` // empty = <dir>/.reviewsearch/index.db
	Timeout     time.Duration `yaml:"timeout"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	CacheMB     int           `yaml:"cache_mb"` // 0 disables the record cache
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// IndexConfig holds partition index configuration.
type IndexConfig struct {
	Dimension          int           `yaml:"dimension"`
	MaxPartitionSize   int           `yaml:"max_partition_size"`
	MergeLowWatermark  int           `yaml:"merge_low_watermark"`
	SplitIterations    int           `yaml:"split_iterations"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // 0 = only on close
	FixupQueueSize     int           `yaml:"fixup_queue_size"`
}

// ReassignConfig holds background rebalancing configuration.
type ReassignConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	SampleSize     int           `yaml:"sample_size"`
	MovesPerSecond float64       `yaml:"moves_per_second"`
	LoadThreshold  int64         `yaml:"load_threshold"`
	Margin         float64       `yaml:"margin"`
}

// SearchConfig holds query configuration.
type SearchConfig struct {
	DefaultTopK int           `yaml:"default_top_k"`
	MaxTopK     int           `yaml:"max_top_k"`
	Fanout      int           `yaml:"fanout"`
	Parallelism int           `yaml:"parallelism"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "hashing", "openai"
	Model     string        `yaml:"model"`    // e.g., "text-embedding-3-small"
	Analyzer  string        `yaml:"analyzer"` // hashing only: "plain" or "english"
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// IngestConfig selects review files for the ingest command.
type IngestConfig struct {
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
	BatchSize int      `yaml:"batch_size"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBulk      int           `yaml:"max_bulk"`
	CORSOrigins  []string      `yaml:"cors_origins"` // empty disables CORS
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Timeout:     2 * time.Second,
			LockTimeout: 5 * time.Second,
			CacheMB:     32,
			CacheTTL:    10 * time.Minute,
		},
		Index: IndexConfig{
			Dimension:          384,
			MaxPartitionSize:   64,
			MergeLowWatermark:  8,
			SplitIterations:    10,
			MaxRetries:         5,
			RetryDelay:         5 * time.Millisecond,
			RetryMaxDelay:      200 * time.Millisecond,
			CheckpointInterval: time.Minute,
			FixupQueueSize:     256,
		},
		Reassign: ReassignConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			MaxInterval:    5 * time.Minute,
			SampleSize:     512,
			MovesPerSecond: 200,
			LoadThreshold:  32,
			Margin:         0.01,
		},
		Search: SearchConfig{
			DefaultTopK: 5,
			MaxTopK:     100,
			Fanout:      8,
			Parallelism: 4,
			Timeout:     2 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hashing",
			Model:     "text-embedding-3-small",
			Analyzer:  "english",
			APIKeyEnv: "OPENAI_API_KEY",
			BatchSize: 100,
			Timeout:   30 * time.Second,
		},
		Ingest: IngestConfig{
			Includes:  []string{"**/*.jsonl", "**/*.json"},
			Excludes:  []string{"**/.git/**", "**/node_modules/**", "**/.reviewsearch/**"},
			BatchSize: 256,
		},
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBulk:      1000,
			CORSOrigins:  []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for reviewsearch.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "reviewsearch.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".reviewsearch", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports every setting that the index cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Index.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension))
	}
	if c.Index.MaxPartitionSize < 2 {
		errs = append(errs, fmt.Errorf("index.max_partition_size must be at least 2, got %d", c.Index.MaxPartitionSize))
	}
	if c.Index.MergeLowWatermark < 0 || c.Index.MergeLowWatermark >= c.Index.MaxPartitionSize {
		errs = append(errs, fmt.Errorf("index.merge_low_watermark must be in [0, max_partition_size), got %d", c.Index.MergeLowWatermark))
	}
	if c.Index.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("index.max_retries must not be negative"))
	}
	if c.Search.DefaultTopK <= 0 || c.Search.MaxTopK < c.Search.DefaultTopK {
		errs = append(errs, fmt.Errorf("search.default_top_k must be in [1, max_top_k]"))
	}
	if c.Search.Fanout <= 0 {
		errs = append(errs, fmt.Errorf("search.fanout must be positive, got %d", c.Search.Fanout))
	}
	if c.Reassign.Margin < 0 {
		errs = append(errs, fmt.Errorf("reassign.margin must not be negative"))
	}
	switch c.Embedding.Provider {
	case "hashing", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	switch c.Embedding.Analyzer {
	case "", "plain", "english":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.analyzer %q", c.Embedding.Analyzer))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// IndexDBPath returns the path to the index database.
func (c *Config) IndexDBPath(dir string) string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return IndexDBPath(dir)
}

// IndexDBPath returns the default path to the index database under dir.
func IndexDBPath(dir string) string {
	return filepath.Join(dir, ".reviewsearch", "index.db")
}

// EnsureDir ensures the .reviewsearch directory exists.
func EnsureDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, ".reviewsearch"), 0755)
}
