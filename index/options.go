package index

import (
	"io"
	"log/slog"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/codec"
	"github.com/AGIHouse/openscience/resource"
)

// Options configures a Manager.
type Options struct {
	// Logger receives structured events. Defaults to a discard logger.
	Logger *slog.Logger

	// Resources bounds recent-buffer memory, maintenance concurrency and snapshot IO.
	Resources *resource.Controller

	// RecentCapacity is the number of vectors a scheme may hold before
	// Insert blocks waiting for the writer.
	RecentCapacity int

	// ExactThreshold is the selection size at or below which a filtered
	// query scans exhaustively instead of walking the graph.
	ExactThreshold int

	// MaxEFWidening caps the factor by which a selective filter widens ef.
	MaxEFWidening int

	// VisitBudgetFactor bounds a graph query to VisitBudgetFactor*ef distance
	// evaluations. Zero disables the budget.
	VisitBudgetFactor int

	// Blobs and Pointers are the snapshot targets. Pointers defaults to a
	// BlobPointerStore over Blobs.
	Blobs    blobstore.BlobStore
	Pointers blobstore.PointerStore

	// Compression is applied to snapshot frames.
	Compression codec.Compression

	// SnapshotRetain is how many snapshots per scheme survive pruning.
	SnapshotRetain int

	// RepairSource, when set, feeds the background rebuild started when a
	// scheme fails validation.
	RepairSource Source
}

// DefaultOptions holds the defaults applied before option functions.
var DefaultOptions = Options{
	RecentCapacity:    4096,
	ExactThreshold:    1024,
	MaxEFWidening:     16,
	VisitBudgetFactor: 64,
	Compression:       codec.CompressionZSTD,
	SnapshotRetain:    2,
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithResources sets the resource controller.
func WithResources(rc *resource.Controller) func(o *Options) {
	return func(o *Options) { o.Resources = rc }
}

// WithSnapshotStore sets the snapshot blob store and optional pointer store.
func WithSnapshotStore(blobs blobstore.BlobStore, pointers blobstore.PointerStore) func(o *Options) {
	return func(o *Options) {
		o.Blobs = blobs
		o.Pointers = pointers
	}
}

// WithRepairSource sets the source a corrupted scheme is rebuilt from.
func WithRepairSource(src Source) func(o *Options) {
	return func(o *Options) { o.RepairSource = src }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
