package openscience

import (
	"log/slog"

	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
	"github.com/AGIHouse/openscience/resource"
	"github.com/AGIHouse/openscience/retrieval"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	schemes          []index.SchemeConfig
	resolver         *identity.Resolver
	resources        *resource.Controller
	indexOptions     []func(*index.Options)
	ingestOptions    []func(*ingest.Options)
	retrievalOptions []func(*retrieval.Options)
}

// Option configures an Engine.
type Option func(*options)

// WithSchemes registers embedding schemes at construction.
func WithSchemes(schemes ...index.SchemeConfig) Option {
	return func(o *options) {
		o.schemes = append(o.schemes, schemes...)
	}
}

// WithResolver replaces the identity resolver, e.g. with one that mints
// sequential ids for reproducible tests.
func WithResolver(r *identity.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithResources shares a resource controller between index maintenance and
// the retrieval cache.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithIndexOptions passes options through to the index manager.
func WithIndexOptions(optFns ...func(*index.Options)) Option {
	return func(o *options) {
		o.indexOptions = append(o.indexOptions, optFns...)
	}
}

// WithIngestOptions passes options through to the ingestor.
//
// Example:
//
//	eng, _ := openscience.New(backend,
//	    openscience.WithIngestOptions(ingest.WithRetry(3, 10*time.Millisecond, time.Second)),
//	)
func WithIngestOptions(optFns ...func(*ingest.Options)) Option {
	return func(o *options) {
		o.ingestOptions = append(o.ingestOptions, optFns...)
	}
}

// WithRetrievalOptions passes options through to the retrieval service.
func WithRetrievalOptions(optFns ...func(*retrieval.Options)) Option {
	return func(o *options) {
		o.retrievalOptions = append(o.retrievalOptions, optFns...)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := openscience.NewJSONLogger(slog.LevelInfo)
//	eng, _ := openscience.New(backend, openscience.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}
