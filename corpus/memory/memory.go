// Package memory is an in-process corpus backend for tests and embedded use.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

var _ corpus.Backend = (*Backend)(nil)

type setKey struct {
	paper    string
	strategy model.Strategy
}

type passageSet struct {
	finalized bool
	byOrder   map[int]model.PassageID
}

type embKey struct {
	id     model.PassageID
	scheme string
}

type candKey struct {
	paper, candidate, reason string
}

type schemeEmbeddings struct {
	ids     []model.PassageID // ascending
	indexed map[model.PassageID]bool
}

// Backend keeps every record in maps guarded by one RWMutex.
type Backend struct {
	mu sync.RWMutex

	papers      map[string]*model.Paper
	paperIDs    []string // ascending
	keys        map[identity.ExternalKey]string
	fingerprint map[string]string   // paper -> fingerprint
	byFP        map[string][]string // fingerprint -> papers

	candidates   map[string]model.MergeCandidate
	candidateIDs []string
	candSeen     map[candKey]struct{}

	sets       map[setKey]*passageSet
	passages   map[model.PassageID]model.Passage
	byPaper    map[string][]model.PassageID
	nextID     model.PassageID
	forward    map[string][]model.CitationEdge
	backward   map[string][]model.CitationEdge
	edgeSeen   map[[2]string]struct{}
	embeddings map[embKey]model.Embedding
	schemes    map[string]*schemeEmbeddings
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		papers:      make(map[string]*model.Paper),
		keys:        make(map[identity.ExternalKey]string),
		fingerprint: make(map[string]string),
		byFP:        make(map[string][]string),
		candidates:  make(map[string]model.MergeCandidate),
		candSeen:    make(map[candKey]struct{}),
		sets:        make(map[setKey]*passageSet),
		passages:    make(map[model.PassageID]model.Passage),
		byPaper:     make(map[string][]model.PassageID),
		forward:     make(map[string][]model.CitationEdge),
		backward:    make(map[string][]model.CitationEdge),
		edgeSeen:    make(map[[2]string]struct{}),
		embeddings:  make(map[embKey]model.Embedding),
		schemes:     make(map[string]*schemeEmbeddings),
	}
}

func insertSorted[T ~string | ~uint64](s []T, v T) []T {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, i, v)
}

// LookupExternalID implements identity.Catalog.
func (b *Backend) LookupExternalID(_ context.Context, key identity.ExternalKey) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.keys[key]
	if !ok {
		return "", model.NotFoundf("external id %s", key)
	}
	return id, nil
}

// LookupFingerprint implements identity.Catalog.
func (b *Backend) LookupFingerprint(_ context.Context, fp string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.byFP[fp]), nil
}

// GetPaper implements identity.Catalog.
func (b *Backend) GetPaper(_ context.Context, id string) (*model.Paper, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.papers[id]
	if !ok {
		return nil, model.NotFoundf("paper %s", id)
	}
	return p.Clone(), nil
}

// SavePaper implements corpus.Backend.
func (b *Backend) SavePaper(_ context.Context, p *model.Paper, fp string, keys []identity.ExternalKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.papers[p.ID]; !ok {
		b.paperIDs = insertSorted(b.paperIDs, p.ID)
	}
	b.papers[p.ID] = p.Clone()

	if fp != "" && b.fingerprint[p.ID] != fp {
		if old, ok := b.fingerprint[p.ID]; ok {
			b.byFP[old] = slices.DeleteFunc(b.byFP[old], func(s string) bool { return s == p.ID })
		}
		b.fingerprint[p.ID] = fp
		b.byFP[fp] = append(b.byFP[fp], p.ID)
	}
	for _, k := range keys {
		if _, taken := b.keys[k]; !taken {
			b.keys[k] = p.ID
		}
	}
	return nil
}

// ScanPapers implements corpus.Backend.
func (b *Backend) ScanPapers(_ context.Context, after string, limit int) ([]*model.Paper, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.SearchStrings(b.paperIDs, after)
	if i < len(b.paperIDs) && b.paperIDs[i] == after {
		i++
	}
	var out []*model.Paper
	for ; i < len(b.paperIDs) && len(out) < limit; i++ {
		out = append(out, b.papers[b.paperIDs[i]].Clone())
	}
	return out, nil
}

// PutMergeCandidates implements corpus.Backend.
func (b *Backend) PutMergeCandidates(_ context.Context, cs []model.MergeCandidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cs {
		k := candKey{c.PaperID, c.CandidateID, c.Reason}
		if _, dup := b.candSeen[k]; dup {
			continue
		}
		b.candSeen[k] = struct{}{}
		b.candidates[c.ID] = c
		b.candidateIDs = insertSorted(b.candidateIDs, c.ID)
	}
	return nil
}

// ListMergeCandidates implements corpus.Backend.
func (b *Backend) ListMergeCandidates(_ context.Context, after string, limit int) ([]model.MergeCandidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.SearchStrings(b.candidateIDs, after)
	if i < len(b.candidateIDs) && b.candidateIDs[i] == after {
		i++
	}
	var out []model.MergeCandidate
	for ; i < len(b.candidateIDs) && len(out) < limit; i++ {
		out = append(out, b.candidates[b.candidateIDs[i]])
	}
	return out, nil
}

// Strategies implements corpus.Backend.
func (b *Backend) Strategies(_ context.Context, paperID string) ([]corpus.StrategyInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []corpus.StrategyInfo
	for k, set := range b.sets {
		if k.paper != paperID {
			continue
		}
		state := model.PassageSetOpen
		if set.finalized {
			state = model.PassageSetFinalized
		}
		out = append(out, corpus.StrategyInfo{Strategy: k.strategy, State: state, Count: len(set.byOrder)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}

// InsertPassages implements corpus.Backend.
func (b *Backend) InsertPassages(_ context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.papers[paperID]; !ok {
		return nil, model.NotFoundf("paper %s", paperID)
	}
	k := setKey{paperID, strategy}
	set, ok := b.sets[k]
	if !ok {
		set = &passageSet{byOrder: make(map[int]model.PassageID)}
	}
	if set.finalized {
		return nil, model.Conflictf("passages of %s/%s are finalized", paperID, strategy)
	}
	for _, p := range in {
		if _, taken := set.byOrder[p.OrderIndex]; taken {
			return nil, model.Conflictf("order index %d of %s/%s is taken", p.OrderIndex, paperID, strategy)
		}
	}
	b.sets[k] = set

	out := make([]model.Passage, 0, len(in))
	for _, p := range in {
		b.nextID++
		stored := model.Passage{
			ID:         b.nextID,
			PaperID:    paperID,
			Strategy:   strategy,
			OrderIndex: p.OrderIndex,
			Text:       p.Text,
		}
		if p.Span != nil {
			span := *p.Span
			stored.Span = &span
		}
		b.passages[stored.ID] = stored
		b.byPaper[paperID] = append(b.byPaper[paperID], stored.ID)
		set.byOrder[p.OrderIndex] = stored.ID
		out = append(out, stored)
	}
	if finalize {
		set.finalized = true
	}
	return out, nil
}

// FinalizePassages implements corpus.Backend.
func (b *Backend) FinalizePassages(_ context.Context, paperID string, strategy model.Strategy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[setKey{paperID, strategy}]
	if !ok {
		return model.NotFoundf("no passages for %s/%s", paperID, strategy)
	}
	set.finalized = true
	return nil
}

// GetPassages implements corpus.Backend.
func (b *Backend) GetPassages(_ context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.sets[setKey{paperID, strategy}]
	if !ok {
		return []model.Passage{}, nil
	}
	out := make([]model.Passage, 0, len(set.byOrder))
	for _, id := range set.byOrder {
		out = append(out, b.passages[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// GetPassage implements corpus.Backend.
func (b *Backend) GetPassage(_ context.Context, id model.PassageID) (model.Passage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.passages[id]
	if !ok {
		return model.Passage{}, model.NotFoundf("passage %s", id)
	}
	return p, nil
}

// PassageIDs implements corpus.Backend.
func (b *Backend) PassageIDs(_ context.Context, paperID string) ([]model.PassageID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.byPaper[paperID]), nil
}

// PutCitationEdge implements corpus.Backend.
func (b *Backend) PutCitationEdge(_ context.Context, e model.CitationEdge) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := [2]string{e.Citing, e.Cited}
	if _, dup := b.edgeSeen[k]; dup {
		return false, nil
	}
	b.edgeSeen[k] = struct{}{}
	b.forward[e.Citing] = append(b.forward[e.Citing], e)
	b.backward[e.Cited] = append(b.backward[e.Cited], e)
	return true, nil
}

// Citations implements corpus.Backend.
func (b *Backend) Citations(_ context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.CitationEdge
	if dir == model.Forward || dir == model.Both {
		fw := slices.Clone(b.forward[paperID])
		slices.SortFunc(fw, func(a, b model.CitationEdge) int { return strings.Compare(a.Cited, b.Cited) })
		out = append(out, fw...)
	}
	if dir == model.Backward || dir == model.Both {
		bw := slices.Clone(b.backward[paperID])
		slices.SortFunc(bw, func(a, b model.CitationEdge) int { return strings.Compare(a.Citing, b.Citing) })
		out = append(out, bw...)
	}
	return out, nil
}

// PutEmbedding implements corpus.Backend.
func (b *Backend) PutEmbedding(_ context.Context, e model.Embedding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := embKey{e.PassageID, e.Scheme}
	if _, dup := b.embeddings[k]; dup {
		return model.AlreadyExistsf("embedding %s/%s", e.PassageID, e.Scheme)
	}
	e.Vector = slices.Clone(e.Vector)
	b.embeddings[k] = e
	se, ok := b.schemes[e.Scheme]
	if !ok {
		se = &schemeEmbeddings{indexed: make(map[model.PassageID]bool)}
		b.schemes[e.Scheme] = se
	}
	se.ids = insertSorted(se.ids, e.PassageID)
	return nil
}

// GetEmbedding implements corpus.Backend.
func (b *Backend) GetEmbedding(_ context.Context, id model.PassageID, scheme string) (model.Embedding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.embeddings[embKey{id, scheme}]
	if !ok {
		return model.Embedding{}, model.NotFoundf("embedding %s/%s", id, scheme)
	}
	e.Vector = slices.Clone(e.Vector)
	return e, nil
}

func (b *Backend) scan(scheme string, after model.PassageID, limit int, unindexedOnly bool) []model.Embedding {
	se, ok := b.schemes[scheme]
	if !ok {
		return nil
	}
	i, found := slices.BinarySearch(se.ids, after)
	if found {
		i++
	}
	var out []model.Embedding
	for ; i < len(se.ids) && len(out) < limit; i++ {
		id := se.ids[i]
		if unindexedOnly && se.indexed[id] {
			continue
		}
		e := b.embeddings[embKey{id, scheme}]
		e.Vector = slices.Clone(e.Vector)
		out = append(out, e)
	}
	return out
}

// ScanEmbeddings implements corpus.Backend.
func (b *Backend) ScanEmbeddings(_ context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(scheme, after, limit, false), nil
}

// MarkIndexed implements corpus.Backend.
func (b *Backend) MarkIndexed(_ context.Context, scheme string, ids []model.PassageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	se, ok := b.schemes[scheme]
	if !ok {
		return nil
	}
	for _, id := range ids {
		if _, ok := b.embeddings[embKey{id, scheme}]; ok {
			se.indexed[id] = true
		}
	}
	return nil
}

// ListUnindexed implements corpus.Backend.
func (b *Backend) ListUnindexed(_ context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(scheme, after, limit, true), nil
}

// Close implements corpus.Backend. Records stay readable.
func (b *Backend) Close() error { return nil }
