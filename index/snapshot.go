package index

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/codec"
	"github.com/AGIHouse/openscience/hnsw"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

// ErrNoSnapshotStore is returned by snapshot operations on a Manager without a blob store.
var ErrNoSnapshotStore = errors.New("index: no snapshot store configured")

const snapshotSuffix = ".snap"

// SnapshotInfo describes a committed snapshot.
type SnapshotInfo struct {
	Scheme  string `json:"scheme"`
	Version uint64 `json:"version"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Nodes   int    `json:"nodes"`
}

type snapshotPending struct {
	Key    uint64
	Vector []float32
}

type snapshotPayload struct {
	Config  SchemeConfig
	Graph   *hnsw.Graph
	Entries []metadata.Entry
	Retired []uint64
	Pending []snapshotPending
}

func schemePrefix(name string) string { return path.Join("schemes", name) + "/" }

func pointerKey(name string) string { return path.Join("schemes", name, "CURRENT") }

// SaveSnapshot persists a scheme and advances its CURRENT pointer.
// Older snapshots beyond the retention count are pruned.
func (m *Manager) SaveSnapshot(ctx context.Context, name string) (SnapshotInfo, error) {
	s, err := m.scheme(name)
	if err != nil {
		return SnapshotInfo{}, err
	}
	if m.opts.Blobs == nil {
		return SnapshotInfo{}, ErrNoSnapshotStore
	}
	if s.corrupted.Load() {
		return SnapshotInfo{}, fmt.Errorf("%w: %s", model.ErrIndexCorrupted, name)
	}

	payload := snapshotPayload{
		Config:  s.cfg,
		Entries: s.meta.Entries(),
		Retired: s.retiredSnapshot().ToArray(),
	}
	for _, p := range s.pendingSnapshot() {
		payload.Pending = append(payload.Pending, snapshotPending{Key: p.key, Vector: p.vec})
	}

	s.maint.RLock()
	payload.Graph = s.graph
	frame, err := codec.EncodeFrame(codec.Gob{}, m.opts.Compression, payload)
	nodes := s.graph.Len()
	s.maint.RUnlock()
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encode snapshot %s: %w", name, err)
	}

	if err := m.opts.Resources.AcquireIO(ctx, len(frame)); err != nil {
		return SnapshotInfo{}, err
	}

	key := pointerKey(name)
	cur, err := m.opts.Pointers.Latest(ctx, key)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return SnapshotInfo{}, err
	}

	target := fmt.Sprintf("%s%020d%s", schemePrefix(name), cur.Version+1, snapshotSuffix)
	if err := m.opts.Blobs.Put(ctx, target, frame); err != nil {
		return SnapshotInfo{}, fmt.Errorf("write snapshot %s: %w", target, err)
	}
	next, err := m.opts.Pointers.Commit(ctx, key, cur.Version, target)
	if err != nil {
		_ = m.opts.Blobs.Delete(ctx, target)
		if errors.Is(err, blobstore.ErrConcurrentModification) {
			return SnapshotInfo{}, model.Conflictf("snapshot of %s committed concurrently", name)
		}
		return SnapshotInfo{}, err
	}

	if err := m.prune(ctx, name, target); err != nil {
		s.logger.Warn("snapshot prune failed", "error", err)
	}

	info := SnapshotInfo{Scheme: name, Version: next.Version, Path: target, Bytes: len(frame), Nodes: nodes}
	s.logger.Info("snapshot saved", "version", info.Version, "path", info.Path, "bytes", info.Bytes)
	return info, nil
}

func (m *Manager) prune(ctx context.Context, name, current string) error {
	names, err := m.opts.Blobs.List(ctx, schemePrefix(name))
	if err != nil {
		return err
	}
	var snaps []string
	for _, n := range names {
		if strings.HasSuffix(n, snapshotSuffix) {
			snaps = append(snaps, n)
		}
	}
	if len(snaps) <= m.opts.SnapshotRetain {
		return nil
	}
	var errs []error
	for _, n := range snaps[:len(snaps)-m.opts.SnapshotRetain] {
		if n == current {
			continue
		}
		if err := m.opts.Blobs.Delete(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSnapshot replaces a scheme's state with its latest snapshot. The
// snapshot's configuration must match the registered one.
func (m *Manager) LoadSnapshot(ctx context.Context, name string) (SnapshotInfo, error) {
	s, err := m.scheme(name)
	if err != nil {
		return SnapshotInfo{}, err
	}
	if m.opts.Blobs == nil {
		return SnapshotInfo{}, ErrNoSnapshotStore
	}

	ptr, err := m.opts.Pointers.Latest(ctx, pointerKey(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return SnapshotInfo{}, model.NotFoundf("no snapshot for scheme %s", name)
		}
		return SnapshotInfo{}, err
	}
	data, err := m.opts.Blobs.Get(ctx, ptr.Target)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("read snapshot %s: %w", ptr.Target, err)
	}
	if err := m.opts.Resources.AcquireIO(ctx, len(data)); err != nil {
		return SnapshotInfo{}, err
	}

	var payload snapshotPayload
	if err := codec.DecodeFrame(data, &payload); err != nil {
		return SnapshotInfo{}, fmt.Errorf("%w: %s: %v", model.ErrIndexCorrupted, ptr.Target, err)
	}
	if payload.Config != s.cfg {
		return SnapshotInfo{}, model.Conflictf("snapshot %s was taken with a different configuration", ptr.Target)
	}
	if payload.Graph == nil {
		return SnapshotInfo{}, fmt.Errorf("%w: %s: missing graph", model.ErrIndexCorrupted, ptr.Target)
	}
	if err := payload.Graph.Validate(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("%w: %s: %v", model.ErrIndexCorrupted, ptr.Target, err)
	}

	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	attrs := make(map[uint64]metadata.Attributes, len(payload.Entries))
	for _, e := range payload.Entries {
		s.meta.Add(e.PassageID, e.Attributes)
		attrs[e.PassageID] = e.Attributes
	}
	for _, key := range payload.Retired {
		s.retire(key)
	}

	carried := s.swap(payload.Graph)
	s.corrupted.Store(false)

	for _, p := range payload.Pending {
		if err := s.insert(ctx, p.Key, p.Vector, attrs[p.Key], m.opts); err != nil {
			return SnapshotInfo{}, err
		}
	}

	info := SnapshotInfo{Scheme: name, Version: ptr.Version, Path: ptr.Target, Bytes: len(data), Nodes: payload.Graph.Len()}
	s.logger.Info("snapshot loaded", "version", info.Version, "nodes", info.Nodes, "carried", carried)
	return info, nil
}
