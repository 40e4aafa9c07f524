package openscience

import (
	"context"
	"errors"
	"time"

	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/model"
)

// Rebuild rebuilds a scheme's graph from the stored embeddings.
func (e *Engine) Rebuild(ctx context.Context, scheme string) (index.MaintenanceReport, error) {
	if err := e.check(); err != nil {
		return index.MaintenanceReport{}, err
	}
	start := time.Now()
	rep, err := e.index.Rebuild(ctx, scheme, e.store)
	e.finishMaintenance(ctx, "rebuild", scheme, rep.Nodes, start, err)
	return rep, translateError(err)
}

// RebuildAll rebuilds every scheme concurrently within the background budget.
func (e *Engine) RebuildAll(ctx context.Context) ([]index.MaintenanceReport, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	reps, err := e.index.RebuildAll(ctx, e.store)
	nodes := 0
	for _, r := range reps {
		nodes += r.Nodes
		e.retrieval.InvalidateScheme(r.Scheme)
	}
	e.metrics.RecordMaintenance("rebuild_all", time.Since(start), err)
	e.logger.LogRebuild(ctx, "rebuild", "*", nodes, time.Since(start), err)
	return reps, translateError(err)
}

// Compact drops retired passages from a scheme's graph.
func (e *Engine) Compact(ctx context.Context, scheme string) (index.MaintenanceReport, error) {
	if err := e.check(); err != nil {
		return index.MaintenanceReport{}, err
	}
	start := time.Now()
	rep, err := e.index.Compact(ctx, scheme)
	e.finishMaintenance(ctx, "compact", scheme, rep.Nodes, start, err)
	return rep, translateError(err)
}

// SaveSnapshot writes a scheme's graph to the configured snapshot store.
func (e *Engine) SaveSnapshot(ctx context.Context, scheme string) (index.SnapshotInfo, error) {
	if err := e.check(); err != nil {
		return index.SnapshotInfo{}, err
	}
	start := time.Now()
	info, err := e.index.SaveSnapshot(ctx, scheme)
	e.metrics.RecordMaintenance("snapshot_save", time.Since(start), err)
	e.logger.LogRebuild(ctx, "snapshot save", scheme, info.Nodes, time.Since(start), err)
	return info, translateError(err)
}

// LoadSnapshot replaces a scheme's graph with its latest snapshot.
func (e *Engine) LoadSnapshot(ctx context.Context, scheme string) (index.SnapshotInfo, error) {
	if err := e.check(); err != nil {
		return index.SnapshotInfo{}, err
	}
	start := time.Now()
	info, err := e.index.LoadSnapshot(ctx, scheme)
	e.finishMaintenance(ctx, "snapshot load", scheme, info.Nodes, start, err)
	return info, translateError(err)
}

// CheckAndRepair validates every scheme and rebuilds the corrupted ones.
func (e *Engine) CheckAndRepair(ctx context.Context) ([]string, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	repaired, err := e.index.CheckAndRepair(ctx, e.store)
	for _, name := range repaired {
		e.retrieval.InvalidateScheme(name)
		e.logger.WarnContext(ctx, "scheme repaired", "scheme", name)
	}
	return repaired, translateError(err)
}

func (e *Engine) finishMaintenance(ctx context.Context, op, scheme string, nodes int, start time.Time, err error) {
	d := time.Since(start)
	if err == nil {
		e.retrieval.InvalidateScheme(scheme)
	}
	e.metrics.RecordMaintenance(op, d, err)
	e.logger.LogRebuild(ctx, op, scheme, nodes, d, err)
}

// SchemeRecovery describes how one scheme was restored.
type SchemeRecovery struct {
	Scheme          string `json:"scheme"`
	FromSnapshot    bool   `json:"from_snapshot"`
	SnapshotVersion uint64 `json:"snapshot_version,omitempty"`
	// Repaired is set when the snapshot was unreadable and the scheme was
	// rebuilt from the store instead.
	Repaired bool `json:"repaired,omitempty"`
	// Reconciled counts stored embeddings inserted on top of the snapshot.
	Reconciled int `json:"reconciled"`
	Nodes      int `json:"nodes"`
}

// RecoveryReport summarises Recover.
type RecoveryReport struct {
	Schemes []SchemeRecovery `json:"schemes"`
	// Queued counts embeddings handed back to the ingestor because they were
	// never confirmed indexed.
	Queued int `json:"queued"`
}

// Recover restores every registered scheme after a restart: from its latest
// snapshot when one exists and is readable, otherwise by a rebuild from the
// store. Embeddings
// stored after the snapshot are inserted on top of it, and embeddings never
// confirmed indexed are queued again.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	if err := e.check(); err != nil {
		return RecoveryReport{}, err
	}
	var rep RecoveryReport
	schemes := e.index.Schemes()
	names := make([]string, 0, len(schemes))
	for _, cfg := range schemes {
		names = append(names, cfg.Name)
		sr := SchemeRecovery{Scheme: cfg.Name}

		info, err := e.index.LoadSnapshot(ctx, cfg.Name)
		switch {
		case err == nil:
			sr.FromSnapshot = true
			sr.SnapshotVersion = info.Version
			n, err := e.reconcile(ctx, cfg.Name)
			if err != nil {
				return rep, err
			}
			sr.Reconciled = n
		case errors.Is(err, model.ErrNotFound), errors.Is(err, index.ErrNoSnapshotStore):
			if _, err := e.index.Rebuild(ctx, cfg.Name, e.store); err != nil {
				return rep, translateError(err)
			}
		case errors.Is(err, model.ErrIndexCorrupted):
			e.logger.ErrorContext(ctx, "snapshot unusable, rebuilding from store", "scheme", cfg.Name, "error", err)
			if err := e.repair(ctx, cfg.Name, err); err != nil {
				return rep, err
			}
			sr.Repaired = true
		default:
			return rep, translateError(err)
		}
		if st, err := e.index.Stats(cfg.Name); err == nil {
			sr.Nodes = st.Nodes
		}
		e.retrieval.InvalidateScheme(cfg.Name)
		e.logger.InfoContext(ctx, "scheme recovered",
			"scheme", cfg.Name,
			"from_snapshot", sr.FromSnapshot,
			"reconciled", sr.Reconciled,
			"nodes", sr.Nodes,
		)
		rep.Schemes = append(rep.Schemes, sr)
	}

	queued, err := e.ingest.CatchUp(ctx, names...)
	rep.Queued = queued
	return rep, err
}

// repair marks a scheme corrupted and waits for it to be rebuilt from the
// store. The index starts the rebuild; a failed one is retried here once.
func (e *Engine) repair(ctx context.Context, scheme string, cause error) error {
	if err := e.index.Corrupt(scheme, cause); err != nil {
		return translateError(err)
	}
	if err := e.index.AwaitRepair(ctx, scheme); err != nil {
		return translateError(err)
	}
	st, err := e.index.Stats(scheme)
	if err != nil {
		return translateError(err)
	}
	if st.Corrupted {
		if _, err := e.index.Rebuild(ctx, scheme, e.store); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// reconcile inserts stored embeddings the index does not hold yet. Inserts of
// known passages are no-ops.
func (e *Engine) reconcile(ctx context.Context, scheme string) (int, error) {
	const batch = 512
	before, err := e.index.Stats(scheme)
	if err != nil {
		return 0, err
	}
	var after model.PassageID
	for {
		recs, err := e.store.ScanIndexRecords(ctx, scheme, after, batch)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if err := e.index.Insert(ctx, scheme, r.PassageID, r.Vector, r.Attributes); err != nil {
				return 0, err
			}
			after = r.PassageID
		}
		if len(recs) < batch {
			break
		}
	}
	if err := e.index.Flush(ctx, scheme); err != nil {
		return 0, err
	}
	now, err := e.index.Stats(scheme)
	if err != nil {
		return 0, err
	}
	return now.Nodes - before.Nodes, nil
}
