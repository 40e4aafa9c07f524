// Package prometheus exports engine metrics to a Prometheus registry.
package prometheus

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
)

const namespace = "openscience"

// Collector records ingest, index and retrieval events as Prometheus metrics.
type Collector struct {
	opLatency   *prom.HistogramVec
	documents   *prom.CounterVec
	passages    prom.Counter
	attaches    *prom.CounterVec
	inserts     *prom.CounterVec
	attempts    *prom.HistogramVec
	deadLetters *prom.CounterVec
	searches    *prom.CounterVec
	searchHits  *prom.HistogramVec
	lowRecall   *prom.CounterVec

	nodes   *prom.GaugeVec
	pending *prom.GaugeVec
	retired *prom.GaugeVec
	queue   *prom.GaugeVec
}

// NewCollector creates a Collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prom.Registerer) *Collector {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	c := &Collector{
		opLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prom.DefBuckets,
		}, []string{"op", "status"}),
		documents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents ingested into the corpus store",
		}, []string{"status"}),
		passages: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "passages_created_total",
			Help:      "Passages created by document ingestion",
		}),
		attaches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_attached_total",
			Help:      "Embedding attach calls",
		}, []string{"scheme", "status"}),
		inserts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "index_inserts_total",
			Help:      "Index insert deliveries",
		}, []string{"scheme", "status"}),
		attempts: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "index_insert_attempts",
			Help:      "Attempts needed per index insert delivery",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"scheme"}),
		deadLetters: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Index inserts moved to the dead-letter store",
		}, []string{"scheme"}),
		searches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Search requests",
		}, []string{"scheme", "status"}),
		searchHits: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Results returned per search page",
			Buckets:   prom.ExponentialBuckets(1, 2, 8),
		}, []string{"scheme"}),
		lowRecall: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "search_low_recall_total",
			Help:      "Searches flagged as possibly missing neighbours",
		}, []string{"scheme"}),
		nodes: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "index_nodes",
			Help:      "Nodes in the scheme graph",
		}, []string{"scheme"}),
		pending: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "index_pending",
			Help:      "Vectors waiting in the recent buffer",
		}, []string{"scheme"}),
		retired: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "index_retired",
			Help:      "Retired nodes awaiting compaction",
		}, []string{"scheme"}),
		queue: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Depth of ingest queues",
		}, []string{"queue"}),
	}
	reg.MustRegister(
		c.opLatency, c.documents, c.passages, c.attaches, c.inserts, c.attempts,
		c.deadLetters, c.searches, c.searchHits, c.lowRecall,
		c.nodes, c.pending, c.retired, c.queue,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDocument records one PutDocument call.
func (c *Collector) RecordDocument(d time.Duration, newPassages int, err error) {
	c.opLatency.WithLabelValues("put_document", status(err)).Observe(d.Seconds())
	c.documents.WithLabelValues(status(err)).Inc()
	c.passages.Add(float64(newPassages))
}

// RecordAttach records one Attach call.
func (c *Collector) RecordAttach(scheme string, err error) {
	c.attaches.WithLabelValues(scheme, status(err)).Inc()
}

// RecordIndexInsert records the outcome of one delivery attempt.
func (c *Collector) RecordIndexInsert(scheme string, attempts int, err error) {
	c.inserts.WithLabelValues(scheme, status(err)).Inc()
	if err == nil {
		c.attempts.WithLabelValues(scheme).Observe(float64(attempts))
	}
}

// RecordDeadLetter records an insert given up on.
func (c *Collector) RecordDeadLetter(scheme string) {
	c.deadLetters.WithLabelValues(scheme).Inc()
}

// RecordSearch records one search page.
func (c *Collector) RecordSearch(scheme string, d time.Duration, hits int, lowRecall bool, err error) {
	c.opLatency.WithLabelValues("search", status(err)).Observe(d.Seconds())
	c.searches.WithLabelValues(scheme, status(err)).Inc()
	if err != nil {
		return
	}
	c.searchHits.WithLabelValues(scheme).Observe(float64(hits))
	if lowRecall {
		c.lowRecall.WithLabelValues(scheme).Inc()
	}
}

// RecordMaintenance records a rebuild, compaction or snapshot.
func (c *Collector) RecordMaintenance(op string, d time.Duration, err error) {
	c.opLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
}

// ObserveIndex publishes a scheme's index gauges.
func (c *Collector) ObserveIndex(s index.Stats) {
	c.nodes.WithLabelValues(s.Scheme).Set(float64(s.Nodes))
	c.pending.WithLabelValues(s.Scheme).Set(float64(s.Pending))
	c.retired.WithLabelValues(s.Scheme).Set(float64(s.Retired))
}

// ObserveIngest publishes the ingest queue gauges.
func (c *Collector) ObserveIngest(s ingest.Stats) {
	c.queue.WithLabelValues("queued").Set(float64(s.Queued))
	c.queue.WithLabelValues("in_flight").Set(float64(s.InFlight))
	c.queue.WithLabelValues("dead_letters").Set(float64(s.DeadLetters))
}

// Handler serves the metrics gathered by g. A nil g uses prometheus.DefaultGatherer.
func Handler(g prom.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
