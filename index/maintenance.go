package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/hnsw"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

// rebuildBatch is the page size used when scanning a Source.
const rebuildBatch = 512

// Record is one indexable embedding as stored in the corpus.
type Record struct {
	PassageID  model.PassageID
	Vector     []float32
	Attributes metadata.Attributes
}

// Source yields a scheme's embeddings in ascending passage id order, starting after the given id.
type Source interface {
	ScanIndexRecords(ctx context.Context, scheme string, after model.PassageID, limit int) ([]Record, error)
}

// MaintenanceReport summarises a compaction or rebuild.
type MaintenanceReport struct {
	Scheme   string        `json:"scheme"`
	Nodes    int           `json:"nodes"`
	Dropped  int           `json:"dropped"`
	Skipped  int           `json:"skipped"`
	Carried  int           `json:"carried"`
	Duration time.Duration `json:"duration"`
}

// Compact rebuilds a scheme's graph without its retired passages. Queries keep
// running against the old graph until the swap.
func (m *Manager) Compact(ctx context.Context, name string) (MaintenanceReport, error) {
	s, err := m.scheme(name)
	if err != nil {
		return MaintenanceReport{}, err
	}

	var report MaintenanceReport
	err = m.opts.Resources.RunBackground(ctx, func(ctx context.Context) error {
		s.rebuildMu.Lock()
		defer s.rebuildMu.Unlock()

		start := time.Now()
		retired := s.retiredSnapshot()

		type kv struct {
			key uint64
			vec []float32
		}
		var live []kv
		dropped := 0
		s.maint.RLock()
		s.graph.Each(func(key uint64, vec []float32) bool {
			if retired.Contains(key) {
				dropped++
				return true
			}
			live = append(live, kv{key: key, vec: vec})
			return true
		})
		s.maint.RUnlock()
		sort.Slice(live, func(i, j int) bool { return live[i].key < live[j].key })

		g, err := newGraph(s.cfg)
		if err != nil {
			return err
		}
		for i, n := range live {
			if i%rebuildBatch == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := g.Insert(n.key, n.vec); err != nil {
				return err
			}
		}

		carried := s.swap(g)
		report = MaintenanceReport{
			Scheme:   s.cfg.Name,
			Nodes:    g.Len(),
			Dropped:  dropped,
			Carried:  carried,
			Duration: time.Since(start),
		}
		return nil
	})
	if err != nil {
		return MaintenanceReport{}, err
	}
	s.logger.Info("scheme compacted", "nodes", report.Nodes, "dropped", report.Dropped, "duration", report.Duration)
	return report, nil
}

// Rebuild reconstructs a scheme's graph from src. Passages are inserted in
// ascending id order, so two rebuilds over the same records produce the same graph.
func (m *Manager) Rebuild(ctx context.Context, name string, src Source) (MaintenanceReport, error) {
	s, err := m.scheme(name)
	if err != nil {
		return MaintenanceReport{}, err
	}

	var report MaintenanceReport
	err = m.opts.Resources.RunBackground(ctx, func(ctx context.Context) error {
		s.rebuildMu.Lock()
		defer s.rebuildMu.Unlock()

		start := time.Now()
		g, skipped, err := s.build(ctx, src)
		if err != nil {
			return err
		}
		carried := s.swap(g)
		s.corrupted.Store(false)
		report = MaintenanceReport{
			Scheme:   s.cfg.Name,
			Nodes:    g.Len(),
			Skipped:  skipped,
			Carried:  carried,
			Duration: time.Since(start),
		}
		return nil
	})
	if err != nil {
		return MaintenanceReport{}, fmt.Errorf("rebuild %s: %w", name, err)
	}
	s.logger.Info("scheme rebuilt", "nodes", report.Nodes, "skipped", report.Skipped, "carried", report.Carried, "duration", report.Duration)
	return report, nil
}

// RebuildAll rebuilds every registered scheme, in parallel up to the background worker limit.
func (m *Manager) RebuildAll(ctx context.Context, src Source) ([]MaintenanceReport, error) {
	schemes := m.all()
	reports := make([]MaintenanceReport, len(schemes))

	g, ctx := errgroup.WithContext(ctx)
	for i, s := range schemes {
		g.Go(func() error {
			r, err := m.Rebuild(ctx, s.cfg.Name, src)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *scheme) build(ctx context.Context, src Source) (*hnsw.Graph, int, error) {
	g, err := newGraph(s.cfg)
	if err != nil {
		return nil, 0, err
	}

	skipped := 0
	var after model.PassageID
	for {
		records, err := src.ScanIndexRecords(ctx, s.cfg.Name, after, rebuildBatch)
		if err != nil {
			return nil, 0, err
		}
		for _, r := range records {
			if r.PassageID <= after && after != 0 {
				return nil, 0, fmt.Errorf("source returned passage %s out of order", r.PassageID)
			}
			after = r.PassageID

			if err := s.checkVector(r.Vector); err != nil {
				s.logger.Warn("skipping unindexable embedding", "passage_id", r.PassageID, "error", err)
				skipped++
				continue
			}
			vec, err := distance.Prepare(s.cfg.Metric, r.Vector)
			if err != nil {
				skipped++
				continue
			}
			if _, err := g.Insert(uint64(r.PassageID), vec); err != nil {
				return nil, 0, err
			}
			s.meta.Add(uint64(r.PassageID), r.Attributes)
			if r.Attributes.Retracted {
				s.retire(uint64(r.PassageID))
			}
		}
		if len(records) < rebuildBatch {
			return g, skipped, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
	}
}

// swap installs g and carries over nodes the writer linked into the old graph
// while g was being built. It returns the number of carried nodes.
func (s *scheme) swap(g *hnsw.Graph) int {
	s.maint.Lock()
	defer s.maint.Unlock()

	old := s.graph
	var missing []uint64
	if !s.corrupted.Load() {
		old.Each(func(key uint64, _ []float32) bool {
			if !g.Contains(key) && !s.isRetired(key) {
				missing = append(missing, key)
			}
			return true
		})
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, key := range missing {
		vec, _ := old.Vector(key)
		_, _ = g.Insert(key, vec)
	}
	s.graph = g
	return len(missing)
}

// Validate checks the structural invariants of a scheme's graph. A failing
// scheme is marked corrupted and refuses queries until rebuilt. With a
// RepairSource configured the rebuild starts in the background.
func (m *Manager) Validate(name string) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	if err := s.validate(); err != nil {
		m.repairInBackground(s)
		return err
	}
	return nil
}

// repairInBackground rebuilds s from the RepairSource unless a repair of s
// is already running. Close cancels and waits for it.
func (m *Manager) repairInBackground(s *scheme) {
	src := m.opts.RepairSource
	if src == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed.Load() {
		return
	}

	s.repairMu.Lock()
	if s.repairDone != nil {
		s.repairMu.Unlock()
		return
	}
	done := make(chan struct{})
	s.repairDone = done
	s.repairMu.Unlock()

	m.repairs.Add(1)
	go func() {
		defer m.repairs.Done()
		defer func() {
			s.repairMu.Lock()
			s.repairDone = nil
			s.repairMu.Unlock()
			close(done)
		}()

		s.logger.Warn("rebuilding corrupted scheme in background")
		if _, err := m.Rebuild(m.repairCtx, s.cfg.Name, src); err != nil {
			s.logger.Error("background repair failed", "error", err)
		}
	}()
}

// AwaitRepair blocks until no background repair of the scheme is running.
func (m *Manager) AwaitRepair(ctx context.Context, name string) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	s.repairMu.Lock()
	done := s.repairDone
	s.repairMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckAndRepair validates every scheme and rebuilds the corrupted ones from src.
// It returns the names of repaired schemes.
func (m *Manager) CheckAndRepair(ctx context.Context, src Source) ([]string, error) {
	var repaired []string
	for _, s := range m.all() {
		if err := s.validate(); err == nil && !s.corrupted.Load() {
			continue
		}
		if _, err := m.Rebuild(ctx, s.cfg.Name, src); err != nil {
			return repaired, err
		}
		repaired = append(repaired, s.cfg.Name)
	}
	return repaired, nil
}

// Corrupt marks a scheme corrupted. Used when a snapshot or an external check
// shows the graph can no longer be trusted. With a RepairSource configured the
// rebuild starts in the background; AwaitRepair waits for it.
func (m *Manager) Corrupt(name string, cause error) error {
	s, err := m.scheme(name)
	if err != nil {
		return err
	}
	s.corrupted.Store(true)
	s.logger.Error("scheme marked corrupted", "error", cause)
	m.repairInBackground(s)
	return nil
}
