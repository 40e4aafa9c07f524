// Package config loads engine and server configuration from YAML, an
// optional .env file and OPENSCIENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AGIHouse/openscience/codec"
	"github.com/AGIHouse/openscience/index"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPENSCIENCE_"

// StoreConfig selects the corpus backend.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// SnapshotConfig selects where index snapshots go.
type SnapshotConfig struct {
	// Target is memory, local, s3 or minio.
	Target   string `yaml:"target"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// AccessKey and SecretKey are only read for minio.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	// DynamoTable enables the DynamoDB pointer store for s3 targets.
	DynamoTable string `yaml:"dynamo_table"`
	Compression string `yaml:"compression"`
	Retain      int    `yaml:"retain"`
}

// IndexConfig tunes the index manager.
type IndexConfig struct {
	RecentCapacity    int            `yaml:"recent_capacity"`
	ExactThreshold    int            `yaml:"exact_threshold"`
	VisitBudgetFactor int            `yaml:"visit_budget_factor"`
	Snapshot          SnapshotConfig `yaml:"snapshot"`
}

// IngestConfig tunes embedding delivery.
type IngestConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// DeadLetterPath is a bbolt file. Empty keeps dead letters in memory.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// RetrievalConfig bounds retrieval calls.
type RetrievalConfig struct {
	MaxK           int           `yaml:"max_k"`
	MaxPageSize    int           `yaml:"max_page_size"`
	MaxGraphDepth  int           `yaml:"max_graph_depth"`
	MaxGraphNodes  int           `yaml:"max_graph_nodes"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	CacheBytes     int64         `yaml:"cache_bytes"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResourceConfig bounds background work.
type ResourceConfig struct {
	MemoryLimitBytes     int64 `yaml:"memory_limit_bytes"`
	MaxBackgroundWorkers int64 `yaml:"max_background_workers"`
	IOLimitBytesPerSec   int64 `yaml:"io_limit_bytes_per_sec"`
}

// Config is the root configuration.
type Config struct {
	Store     StoreConfig          `yaml:"store"`
	Schemes   []index.SchemeConfig `yaml:"schemes"`
	Index     IndexConfig          `yaml:"index"`
	Ingest    IngestConfig         `yaml:"ingest"`
	Retrieval RetrievalConfig      `yaml:"retrieval"`
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Resource  ResourceConfig       `yaml:"resource"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: "memory"},
		Index: IndexConfig{
			RecentCapacity:    4096,
			ExactThreshold:    1024,
			VisitBudgetFactor: 64,
			Snapshot: SnapshotConfig{
				Target:      "memory",
				Compression: "zstd",
				Retain:      2,
			},
		},
		Ingest: IngestConfig{
			Workers:     4,
			QueueSize:   1024,
			MaxRetries:  5,
			BackoffBase: 50 * time.Millisecond,
			BackoffMax:  5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			MaxK:           1000,
			MaxPageSize:    100,
			MaxGraphDepth:  3,
			MaxGraphNodes:  1000,
			DefaultTimeout: 5 * time.Second,
			CacheBytes:     32 << 20,
			CacheTTL:       time.Minute,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 64 << 20,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Resource: ResourceConfig{MaxBackgroundWorkers: 2},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.Index.Snapshot.Target {
	case "", "memory":
	case "local":
		if c.Index.Snapshot.Dir == "" {
			return errors.New("config: index.snapshot.dir is required for local snapshots")
		}
	case "s3", "minio":
		if c.Index.Snapshot.Bucket == "" {
			return fmt.Errorf("config: index.snapshot.bucket is required for %s snapshots", c.Index.Snapshot.Target)
		}
	default:
		return fmt.Errorf("config: unknown snapshot target %q", c.Index.Snapshot.Target)
	}
	if _, err := codec.ParseCompression(c.Index.Snapshot.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Schemes))
	for _, s := range c.Schemes {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: scheme %q: %w", s.Name, err)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("config: scheme %q listed twice", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("POSTGRES_DSN", &c.Store.DSN)

	str("SNAPSHOT_TARGET", &c.Index.Snapshot.Target)
	str("SNAPSHOT_DIR", &c.Index.Snapshot.Dir)
	str("SNAPSHOT_BUCKET", &c.Index.Snapshot.Bucket)
	str("SNAPSHOT_PREFIX", &c.Index.Snapshot.Prefix)
	str("SNAPSHOT_REGION", &c.Index.Snapshot.Region)
	str("SNAPSHOT_ENDPOINT", &c.Index.Snapshot.Endpoint)
	str("SNAPSHOT_ACCESS_KEY", &c.Index.Snapshot.AccessKey)
	str("SNAPSHOT_SECRET_KEY", &c.Index.Snapshot.SecretKey)
	str("SNAPSHOT_DYNAMO_TABLE", &c.Index.Snapshot.DynamoTable)
	str("SNAPSHOT_COMPRESSION", &c.Index.Snapshot.Compression)
	num("RECENT_CAPACITY", &c.Index.RecentCapacity)

	num("INGEST_WORKERS", &c.Ingest.Workers)
	num("INGEST_QUEUE_SIZE", &c.Ingest.QueueSize)
	num("INGEST_MAX_RETRIES", &c.Ingest.MaxRetries)
	dur("INGEST_BACKOFF_BASE", &c.Ingest.BackoffBase)
	dur("INGEST_BACKOFF_MAX", &c.Ingest.BackoffMax)
	str("DEAD_LETTER_PATH", &c.Ingest.DeadLetterPath)

	num("MAX_PAGE_SIZE", &c.Retrieval.MaxPageSize)
	num("MAX_GRAPH_DEPTH", &c.Retrieval.MaxGraphDepth)
	num("MAX_GRAPH_NODES", &c.Retrieval.MaxGraphNodes)
	dur("SEARCH_TIMEOUT", &c.Retrieval.DefaultTimeout)

	str("ADDR", &c.Server.Addr)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	num64("MEMORY_LIMIT_BYTES", &c.Resource.MemoryLimitBytes)
	num64("MAX_BACKGROUND_WORKERS", &c.Resource.MaxBackgroundWorkers)
	num64("IO_LIMIT_BYTES_PER_SEC", &c.Resource.IOLimitBytesPerSec)

	return errors.Join(errs...)
}
