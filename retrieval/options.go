package retrieval

import (
	"io"
	"log/slog"
	"time"

	"github.com/AGIHouse/openscience/resource"
)

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	// MaxK caps the ranking depth of a search.
	MaxK            int
	DefaultPageSize int
	MaxPageSize     int
	// OverFetch multiplies K on the index query so post-filtered hits can be replaced.
	OverFetch     int
	MaxGraphDepth int
	MaxGraphNodes int
	// DefaultTimeout bounds a search that sets no timeout. Zero disables it.
	DefaultTimeout time.Duration
	// CacheBytes sizes the ranking cache. Zero disables caching.
	CacheBytes int64
	CacheTTL   time.Duration
	Resources  *resource.Controller
	Metrics    Metrics
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		MaxK:            1000,
		DefaultPageSize: 10,
		MaxPageSize:     100,
		OverFetch:       2,
		MaxGraphDepth:   3,
		MaxGraphNodes:   1000,
		DefaultTimeout:  5 * time.Second,
		CacheBytes:      32 << 20,
		CacheTTL:        time.Minute,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithResources charges the ranking cache against rc.
func WithResources(rc *resource.Controller) func(o *Options) {
	return func(o *Options) { o.Resources = rc }
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.MaxK <= 0 {
		o.MaxK = d.MaxK
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = d.MaxPageSize
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = min(d.DefaultPageSize, o.MaxPageSize)
	}
	if o.OverFetch < 1 {
		o.OverFetch = 1
	}
	if o.MaxGraphDepth <= 0 {
		o.MaxGraphDepth = d.MaxGraphDepth
	}
	if o.MaxGraphNodes <= 0 {
		o.MaxGraphNodes = d.MaxGraphNodes
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
}

// Metrics receives search events.
type Metrics interface {
	RecordSearch(scheme string, d time.Duration, hits int, lowRecall bool, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordSearch(string, time.Duration, int, bool, error) {}
