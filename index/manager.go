package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/hnsw"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

// Manager owns every scheme's graph. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	schemes map[string]*scheme

	opts   Options
	logger *slog.Logger
	closed atomic.Bool

	// repairs tracks background rebuilds of corrupted schemes.
	repairs      sync.WaitGroup
	repairCtx    context.Context
	cancelRepair context.CancelFunc
}

// New creates a Manager.
func New(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = DefaultOptions.RecentCapacity
	}
	if opts.MaxEFWidening < 1 {
		opts.MaxEFWidening = 1
	}
	if opts.SnapshotRetain < 1 {
		opts.SnapshotRetain = 1
	}
	if opts.Blobs != nil && opts.Pointers == nil {
		opts.Pointers = blobstore.NewBlobPointerStore(opts.Blobs)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		schemes:      make(map[string]*scheme),
		opts:         opts,
		logger:       opts.Logger,
		repairCtx:    ctx,
		cancelRepair: cancel,
	}
}

// Register adds a scheme. Registering an identical configuration again is a no-op;
// a different configuration under the same name is a Conflict.
func (m *Manager) Register(cfg SchemeConfig) error {
	if m.closed.Load() {
		return model.ErrClosed
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.schemes[cfg.Name]; ok {
		if s.cfg != cfg {
			return model.Conflictf("scheme %q already registered with a different configuration", cfg.Name)
		}
		return nil
	}

	s, err := newScheme(cfg, m.opts, m.logger.With("scheme", cfg.Name))
	if err != nil {
		return err
	}
	m.schemes[cfg.Name] = s
	go s.run()

	m.logger.Info("scheme registered", "scheme", cfg.Name, "dimension", cfg.Dimension, "metric", cfg.Metric.String())
	return nil
}

// Schemes returns the registered configurations sorted by name.
func (m *Manager) Schemes() []SchemeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SchemeConfig, 0, len(m.schemes))
	for _, s := range m.schemes {
		out = append(out, s.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Scheme returns the configuration of a registered scheme.
func (m *Manager) Scheme(name string) (SchemeConfig, error) {
	s, err := m.scheme(name)
	if err != nil {
		return SchemeConfig{}, err
	}
	return s.cfg, nil
}

func (m *Manager) scheme(name string) (*scheme, error) {
	if m.closed.Load() {
		return nil, model.ErrClosed
	}
	m.mu.RLock()
	s, ok := m.schemes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &model.UnknownSchemeError{Scheme: name}
	}
	return s, nil
}

func (m *Manager) all() []*scheme {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*scheme, 0, len(m.schemes))
	for _, s := range m.schemes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

// CheckVector validates a vector against a scheme without inserting it.
func (m *Manager) CheckVector(name string, vec []float32) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	return s.checkVector(vec)
}

// Insert makes vec searchable under passageID. Re-inserting a known passage is a no-op.
// Insert blocks only while the scheme's recent buffer is full.
func (m *Manager) Insert(ctx context.Context, name string, passageID model.PassageID, vec []float32, attrs metadata.Attributes) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	return s.insert(ctx, uint64(passageID), vec, attrs, m.opts)
}

// Retire hides a passage from all future results of one scheme.
func (m *Manager) Retire(_ context.Context, name string, passageID model.PassageID) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	s.retire(uint64(passageID))
	return nil
}

// RetirePaper tombstones every indexed passage of a paper in every scheme and
// marks the paper retracted in the filter index. It returns how many passages
// were newly retired.
func (m *Manager) RetirePaper(_ context.Context, paperID string) int {
	n := 0
	for _, s := range m.all() {
		attrs, ok := s.meta.Attributes(paperID)
		if !ok {
			continue
		}
		attrs.Retracted = true
		s.meta.SetPaper(attrs)
		for _, id := range s.meta.PassagesOf(paperID) {
			if s.retire(id) {
				n++
			}
		}
	}
	return n
}

// UpdatePaper refreshes the filter attributes of a paper in every scheme that indexes it.
// A retracted paper also has its passages retired.
func (m *Manager) UpdatePaper(ctx context.Context, attrs metadata.Attributes) {
	if attrs.Retracted {
		for _, s := range m.all() {
			if _, ok := s.meta.Attributes(attrs.PaperID); ok {
				s.meta.SetPaper(attrs)
			}
		}
		m.RetirePaper(ctx, attrs.PaperID)
		return
	}
	for _, s := range m.all() {
		if _, ok := s.meta.Attributes(attrs.PaperID); ok {
			s.meta.SetPaper(attrs)
		}
	}
}

// Flush waits until the scheme's recent buffer is linked into the graph.
// An empty name flushes every scheme.
func (m *Manager) Flush(ctx context.Context, name string) error {
	if name == "" {
		for _, s := range m.all() {
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	return s.flush(ctx)
}

// Stats describes one scheme.
type Stats struct {
	Scheme    string    `json:"scheme"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Nodes     int       `json:"nodes"`
	Pending   int       `json:"pending"`
	Retired   uint64    `json:"retired"`
	Papers    int       `json:"papers"`
	MaxLevel  int       `json:"max_level"`
	AvgDegree []float64 `json:"avg_degree,omitempty"`
	Corrupted bool      `json:"corrupted"`
}

// Stats returns statistics for a scheme.
func (m *Manager) Stats(name string) (Stats, error) {
	s, err := m.scheme(name)
	if err != nil {
		return Stats{}, err
	}
	return s.stats(), nil
}

// Close drains every recent buffer and stops the writers.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Repairs are only started under m.mu, so none can start after this.
	m.mu.Lock()
	m.mu.Unlock() //nolint:staticcheck
	m.cancelRepair()
	m.repairs.Wait()

	var errs []error
	for _, s := range m.all() {
		if err := s.flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.cfg.Name, err))
		}
		s.stop()
	}
	return errors.Join(errs...)
}

type pendingItem struct {
	key uint64
	vec []float32
}

// scheme is the per-scheme state.
type scheme struct {
	cfg    SchemeConfig
	logger *slog.Logger
	opts   Options

	// maint is held shared by queries and the writer, exclusively by graph swaps.
	maint sync.RWMutex
	graph *hnsw.Graph
	meta  *metadata.Index

	retiredMu sync.RWMutex
	retired   *roaring64.Bitmap

	bufMu      sync.Mutex
	pending    []pendingItem
	pendingSet map[uint64]struct{}
	idle       chan struct{} // closed while pending is empty

	slots    chan struct{}
	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	rebuildMu sync.Mutex
	corrupted atomic.Bool

	repairMu   sync.Mutex
	repairDone chan struct{} // non-nil while a background repair runs
}

func newScheme(cfg SchemeConfig, opts Options, logger *slog.Logger) (*scheme, error) {
	g, err := newGraph(cfg)
	if err != nil {
		return nil, err
	}
	idle := make(chan struct{})
	close(idle)
	return &scheme{
		cfg:        cfg,
		logger:     logger,
		opts:       opts,
		graph:      g,
		meta:       metadata.New(),
		retired:    roaring64.New(),
		pendingSet: make(map[uint64]struct{}),
		idle:       idle,
		slots:      make(chan struct{}, opts.RecentCapacity),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func newGraph(cfg SchemeConfig) (*hnsw.Graph, error) {
	return hnsw.New(cfg.Dimension, func(o *hnsw.Options) {
		o.M = cfg.M
		o.EfConstruction = cfg.EfConstruction
		o.Metric = cfg.Metric
		o.Seed = cfg.Seed
	})
}

func (s *scheme) checkVector(vec []float32) error {
	if len(vec) != s.cfg.Dimension {
		return &model.DimensionMismatchError{Scheme: s.cfg.Name, Expected: s.cfg.Dimension, Actual: len(vec)}
	}
	if err := model.CheckFinite(vec); err != nil {
		return err
	}
	if s.cfg.Metric == distance.MetricCosine && !hasNonZero(vec) {
		return model.Invalid("vector", "zero vector has no cosine direction")
	}
	return nil
}

func hasNonZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return true
		}
	}
	return false
}

func (s *scheme) insert(ctx context.Context, key uint64, vec []float32, attrs metadata.Attributes, opts Options) error {
	if err := s.checkVector(vec); err != nil {
		return err
	}
	stored, err := distance.Prepare(s.cfg.Metric, vec)
	if err != nil {
		return model.Invalid("vector", err.Error())
	}

	if s.known(key) {
		s.meta.Add(key, attrs)
		if attrs.Retracted {
			s.retire(key)
		}
		return nil
	}

	select {
	case s.slots <- struct{}{}:
	case <-s.stopCh:
		return model.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	size := int64(len(stored) * 4)
	if err := opts.Resources.AcquireMemory(ctx, size); err != nil {
		<-s.slots
		return err
	}

	s.bufMu.Lock()
	if _, dup := s.pendingSet[key]; dup {
		s.bufMu.Unlock()
		opts.Resources.ReleaseMemory(size)
		<-s.slots
		return nil
	}
	if len(s.pending) == 0 {
		s.idle = make(chan struct{})
	}
	s.pending = append(s.pending, pendingItem{key: key, vec: stored})
	s.pendingSet[key] = struct{}{}
	s.bufMu.Unlock()

	s.meta.Add(key, attrs)
	if attrs.Retracted {
		s.retire(key)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *scheme) known(key uint64) bool {
	s.bufMu.Lock()
	_, ok := s.pendingSet[key]
	s.bufMu.Unlock()
	if ok {
		return true
	}
	s.maint.RLock()
	defer s.maint.RUnlock()
	return s.graph.Contains(key)
}

// run is the scheme's single writer: it links buffered vectors into the graph in arrival order.
func (s *scheme) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
		for {
			item, ok := s.head()
			if !ok {
				break
			}
			s.apply(item)
			s.pop()
		}
	}
}

func (s *scheme) head() (pendingItem, bool) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.pending) == 0 {
		return pendingItem{}, false
	}
	return s.pending[0], true
}

func (s *scheme) apply(item pendingItem) {
	s.maint.RLock()
	defer s.maint.RUnlock()
	if _, err := s.graph.Insert(item.key, item.vec); err != nil {
		s.logger.Error("graph insert failed", "passage_id", item.key, "error", err)
	}
}

func (s *scheme) pop() {
	s.bufMu.Lock()
	item := s.pending[0]
	s.pending[0] = pendingItem{}
	s.pending = s.pending[1:]
	delete(s.pendingSet, item.key)
	if len(s.pending) == 0 {
		s.pending = nil
		close(s.idle)
	}
	s.bufMu.Unlock()

	s.opts.Resources.ReleaseMemory(int64(len(item.vec) * 4))
	<-s.slots
}

func (s *scheme) pendingSnapshot() []pendingItem {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	out := make([]pendingItem, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *scheme) flush(ctx context.Context) error {
	s.bufMu.Lock()
	idle := s.idle
	s.bufMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-s.done:
		return model.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scheme) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// retire returns true if key was not retired before.
func (s *scheme) retire(key uint64) bool {
	s.retiredMu.Lock()
	defer s.retiredMu.Unlock()
	return s.retired.CheckedAdd(key)
}

func (s *scheme) isRetired(key uint64) bool {
	s.retiredMu.RLock()
	defer s.retiredMu.RUnlock()
	return s.retired.Contains(key)
}

func (s *scheme) retiredSnapshot() *roaring64.Bitmap {
	s.retiredMu.RLock()
	defer s.retiredMu.RUnlock()
	return s.retired.Clone()
}

func (s *scheme) stats() Stats {
	s.maint.RLock()
	gs := s.graph.Stats()
	s.maint.RUnlock()

	s.bufMu.Lock()
	pending := len(s.pending)
	s.bufMu.Unlock()

	s.retiredMu.RLock()
	retired := s.retired.GetCardinality()
	s.retiredMu.RUnlock()

	return Stats{
		Scheme:    s.cfg.Name,
		Dimension: s.cfg.Dimension,
		Metric:    s.cfg.Metric.String(),
		Nodes:     gs.Nodes,
		Pending:   pending,
		Retired:   retired,
		Papers:    s.meta.Papers(),
		MaxLevel:  gs.MaxLevel,
		AvgDegree: gs.AvgDegree,
		Corrupted: s.corrupted.Load(),
	}
}
