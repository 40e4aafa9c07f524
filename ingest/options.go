package ingest

import (
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AGIHouse/openscience/ingest/deadletter"
)

// Options configures an Ingestor.
type Options struct {
	Logger *slog.Logger
	// Workers is the number of dispatcher goroutines.
	Workers int
	// QueueSize bounds the dispatch queue. Attach blocks while it is full.
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DeliveryRate caps index insert attempts per second across workers.
	// Zero means unlimited.
	DeliveryRate float64
	DeadLetters  deadletter.Store
	Metrics      Metrics
	Now          func() time.Time
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		Workers:     4,
		QueueSize:   1024,
		MaxRetries:  5,
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Now:         time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithDeadLetters sets the dead-letter store.
func WithDeadLetters(s deadletter.Store) func(o *Options) {
	return func(o *Options) { o.DeadLetters = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithRetry sets the retry budget and backoff bounds.
func WithRetry(maxRetries int, base, max time.Duration) func(o *Options) {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.BackoffBase = base
		o.BackoffMax = max
	}
}

func (o *Options) limiter() *rate.Limiter {
	if o.DeliveryRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(o.DeliveryRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.DeliveryRate), burst)
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.DeadLetters == nil {
		o.DeadLetters = deadletter.NewMemoryStore()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Metrics receives ingest events.
type Metrics interface {
	RecordAttach(scheme string, err error)
	RecordIndexInsert(scheme string, attempts int, err error)
	RecordDeadLetter(scheme string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAttach(string, error) {}
func (noopMetrics) RecordIndexInsert(string, int, error) {}
func (noopMetrics) RecordDeadLetter(string) {}
