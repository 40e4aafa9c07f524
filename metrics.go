package openscience

import (
	"sync/atomic"
	"time"

	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
)

// MetricsCollector defines an interface for collecting operational metrics.
// metrics/prometheus.Collector implements it for Prometheus.
type MetricsCollector interface {
	// RecordDocument is called after each PutDocument.
	RecordDocument(duration time.Duration, newPassages int, err error)

	// RecordAttach is called after each Attach.
	RecordAttach(scheme string, err error)

	// RecordIndexInsert is called after each index delivery attempt that
	// either succeeded or gave up.
	RecordIndexInsert(scheme string, attempts int, err error)

	// RecordDeadLetter is called when an index insert is moved to the dead-letter store.
	RecordDeadLetter(scheme string)

	// RecordSearch is called after each search page.
	RecordSearch(scheme string, duration time.Duration, hits int, lowRecall bool, err error)

	// RecordMaintenance is called after a rebuild, compaction or snapshot.
	RecordMaintenance(op string, duration time.Duration, err error)

	// ObserveIndex publishes a scheme's gauges.
	ObserveIndex(stats index.Stats)

	// ObserveIngest publishes the ingest queue gauges.
	ObserveIngest(stats ingest.Stats)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordDocument(time.Duration, int, error)             {}
func (NoopMetricsCollector) RecordAttach(string, error)                           {}
func (NoopMetricsCollector) RecordIndexInsert(string, int, error)                 {}
func (NoopMetricsCollector) RecordDeadLetter(string)                              {}
func (NoopMetricsCollector) RecordSearch(string, time.Duration, int, bool, error) {}
func (NoopMetricsCollector) RecordMaintenance(string, time.Duration, error)       {}
func (NoopMetricsCollector) ObserveIndex(index.Stats)                             {}
func (NoopMetricsCollector) ObserveIngest(ingest.Stats)                           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without a metrics backend.
type BasicMetricsCollector struct {
	DocumentCount     atomic.Int64
	DocumentErrors    atomic.Int64
	PassagesCreated   atomic.Int64
	AttachCount       atomic.Int64
	AttachErrors      atomic.Int64
	IndexInserts      atomic.Int64
	IndexInsertErrors atomic.Int64
	DeadLetters       atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchLowRecall   atomic.Int64
	SearchTotalNanos  atomic.Int64
	MaintenanceCount  atomic.Int64
	MaintenanceErrors atomic.Int64
}

// RecordDocument implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDocument(_ time.Duration, newPassages int, err error) {
	b.DocumentCount.Add(1)
	b.PassagesCreated.Add(int64(newPassages))
	if err != nil {
		b.DocumentErrors.Add(1)
	}
}

// RecordAttach implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAttach(_ string, err error) {
	b.AttachCount.Add(1)
	if err != nil {
		b.AttachErrors.Add(1)
	}
}

// RecordIndexInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexInsert(_ string, _ int, err error) {
	b.IndexInserts.Add(1)
	if err != nil {
		b.IndexInsertErrors.Add(1)
	}
}

// RecordDeadLetter implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDeadLetter(string) {
	b.DeadLetters.Add(1)
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ string, duration time.Duration, _ int, lowRecall bool, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
	if lowRecall {
		b.SearchLowRecall.Add(1)
	}
}

// RecordMaintenance implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMaintenance(_ string, _ time.Duration, err error) {
	b.MaintenanceCount.Add(1)
	if err != nil {
		b.MaintenanceErrors.Add(1)
	}
}

// ObserveIndex implements MetricsCollector.
func (b *BasicMetricsCollector) ObserveIndex(index.Stats) {}

// ObserveIngest implements MetricsCollector.
func (b *BasicMetricsCollector) ObserveIngest(ingest.Stats) {}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		DocumentCount:     b.DocumentCount.Load(),
		DocumentErrors:    b.DocumentErrors.Load(),
		PassagesCreated:   b.PassagesCreated.Load(),
		AttachCount:       b.AttachCount.Load(),
		AttachErrors:      b.AttachErrors.Load(),
		IndexInserts:      b.IndexInserts.Load(),
		IndexInsertErrors: b.IndexInsertErrors.Load(),
		DeadLetters:       b.DeadLetters.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchLowRecall:   b.SearchLowRecall.Load(),
		SearchAvgNanos:    b.getAvgSearchNanos(),
		MaintenanceCount:  b.MaintenanceCount.Load(),
		MaintenanceErrors: b.MaintenanceErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	DocumentCount     int64
	DocumentErrors    int64
	PassagesCreated   int64
	AttachCount       int64
	AttachErrors      int64
	IndexInserts      int64
	IndexInsertErrors int64
	DeadLetters       int64
	SearchCount       int64
	SearchErrors      int64
	SearchLowRecall   int64
	SearchAvgNanos    int64
	MaintenanceCount  int64
	MaintenanceErrors int64
}
