package openscience

import (
	"context"
	"fmt"
	"strings"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/blobstore/minio"
	"github.com/AGIHouse/openscience/blobstore/s3"
	"github.com/AGIHouse/openscience/codec"
	"github.com/AGIHouse/openscience/config"
	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/corpus/postgres"
	"github.com/AGIHouse/openscience/corpus/sqlite"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
	"github.com/AGIHouse/openscience/ingest/deadletter"
	"github.com/AGIHouse/openscience/resource"
	"github.com/AGIHouse/openscience/retrieval"
)

// Open builds an Engine from configuration: it opens the corpus backend,
// the snapshot target and the dead-letter store, registers the configured
// schemes and recovers their indexes. Options given here are applied after
// the ones derived from cfg.
func Open(ctx context.Context, cfg *config.Config, optFns ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	blobs, pointers, err := openSnapshotStore(ctx, cfg.Index.Snapshot)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	comp, err := codec.ParseCompression(cfg.Index.Snapshot.Compression)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	var dead deadletter.Store = deadletter.NewMemoryStore()
	if cfg.Ingest.DeadLetterPath != "" {
		bolt, err := deadletter.OpenBolt(cfg.Ingest.DeadLetterPath)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		dead = bolt
	}

	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     cfg.Resource.MemoryLimitBytes,
		MaxBackgroundWorkers: cfg.Resource.MaxBackgroundWorkers,
		IOLimitBytesPerSec:   cfg.Resource.IOLimitBytesPerSec,
	})

	base := []Option{
		WithLogger(loggerFromConfig(cfg.Log)),
		WithSchemes(cfg.Schemes...),
		WithResources(rc),
		WithIndexOptions(
			index.WithSnapshotStore(blobs, pointers),
			func(o *index.Options) {
				if cfg.Index.RecentCapacity > 0 {
					o.RecentCapacity = cfg.Index.RecentCapacity
				}
				if cfg.Index.ExactThreshold > 0 {
					o.ExactThreshold = cfg.Index.ExactThreshold
				}
				if cfg.Index.VisitBudgetFactor > 0 {
					o.VisitBudgetFactor = cfg.Index.VisitBudgetFactor
				}
				if cfg.Index.Snapshot.Retain > 0 {
					o.SnapshotRetain = cfg.Index.Snapshot.Retain
				}
				o.Compression = comp
			},
		),
		WithIngestOptions(
			ingest.WithDeadLetters(dead),
			ingest.WithRetry(cfg.Ingest.MaxRetries, cfg.Ingest.BackoffBase, cfg.Ingest.BackoffMax),
			func(o *ingest.Options) {
				if cfg.Ingest.Workers > 0 {
					o.Workers = cfg.Ingest.Workers
				}
				if cfg.Ingest.QueueSize > 0 {
					o.QueueSize = cfg.Ingest.QueueSize
				}
			},
		),
		WithRetrievalOptions(func(o *retrieval.Options) {
			r := cfg.Retrieval
			if r.MaxK > 0 {
				o.MaxK = r.MaxK
			}
			if r.MaxPageSize > 0 {
				o.MaxPageSize = r.MaxPageSize
			}
			if r.MaxGraphDepth > 0 {
				o.MaxGraphDepth = r.MaxGraphDepth
			}
			if r.MaxGraphNodes > 0 {
				o.MaxGraphNodes = r.MaxGraphNodes
			}
			o.DefaultTimeout = r.DefaultTimeout
			o.CacheBytes = r.CacheBytes
			if r.CacheTTL > 0 {
				o.CacheTTL = r.CacheTTL
			}
		}),
	}

	e, err := New(backend, append(base, optFns...)...)
	if err != nil {
		_ = dead.Close()
		_ = backend.Close()
		return nil, err
	}
	if _, err := e.Recover(ctx); err != nil {
		_ = e.Close(ctx)
		return nil, fmt.Errorf("recover: %w", err)
	}
	return e, nil
}

// OpenBackend opens the corpus backend selected by cfg.Driver.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (corpus.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		b, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres":
		b, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrValidation, cfg.Driver)
	}
}

func openSnapshotStore(ctx context.Context, cfg config.SnapshotConfig) (blobstore.BlobStore, blobstore.PointerStore, error) {
	switch cfg.Target {
	case "", "memory":
		return blobstore.NewMemoryStore(), nil, nil
	case "local":
		store, err := blobstore.NewLocalStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "s3":
		store, _, err := s3.NewFromConfig(ctx, cfg.Region, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		if cfg.DynamoTable == "" {
			return store, nil, nil
		}
		baseURI := "s3://" + strings.TrimSuffix(cfg.Bucket+"/"+cfg.Prefix, "/")
		pointers, err := s3.NewDDBPointerStoreFromConfig(ctx, cfg.Region, cfg.DynamoTable, baseURI)
		if err != nil {
			return nil, nil, err
		}
		return store, pointers, nil
	case "minio":
		client, err := minio.Dial(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Secure)
		if err != nil {
			return nil, nil, err
		}
		store := minio.NewStore(client, cfg.Bucket, cfg.Prefix)
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown snapshot target %q", ErrValidation, cfg.Target)
	}
}

func loggerFromConfig(cfg config.LogConfig) *Logger {
	level := ParseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "text") {
		return NewTextLogger(level)
	}
	return NewJSONLogger(level)
}
