package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

// maxResolveAttempts bounds how often PutPaper re-locks when the resolved
// paper moves between attempts.
const maxResolveAttempts = 4

// PaperHook observes every committed paper change. It runs while the paper
// is locked and must not write to the Store.
type PaperHook func(ctx context.Context, p *model.Paper)

// Options configures a Store.
type Options struct {
	Logger   *slog.Logger
	Resolver *identity.Resolver
	// Stripes is the number of lock stripes. Defaults to 256.
	Stripes int
	Now     func() time.Time
	// OnPaperChange is called after a paper is created or modified.
	OnPaperChange PaperHook
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithResolver sets the identity resolver.
func WithResolver(r *identity.Resolver) func(o *Options) {
	return func(o *Options) { o.Resolver = r }
}

// WithPaperHook sets the paper change hook.
func WithPaperHook(h PaperHook) func(o *Options) {
	return func(o *Options) { o.OnPaperChange = h }
}

// Store is the Corpus Store service.
type Store struct {
	backend  Backend
	resolver *identity.Resolver
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
	hook     PaperHook
}

// New creates a Store over backend.
func New(backend Backend, optFns ...func(o *Options)) *Store {
	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Resolver == nil {
		opts.Resolver = identity.NewResolver(func(o *identity.Options) { o.Logger = opts.Logger })
	}
	return &Store{
		backend:  backend,
		resolver: opts.Resolver,
		locks:    newKeyedMutex(opts.Stripes),
		logger:   opts.Logger,
		now:      opts.Now,
		hook:     opts.OnPaperChange,
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// SetPaperHook replaces the paper change hook. It must be called before the Store is shared.
func (s *Store) SetPaperHook(h PaperHook) { s.hook = h }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// PutResult is the outcome of PutDocument.
type PutResult struct {
	Resolution identity.Resolution                `json:"resolution"`
	Passages   map[model.Strategy][]model.Passage `json:"passages,omitempty"`
	// NewPassages counts passages created by this call.
	NewPassages         int                 `json:"new_passages"`
	CitationsAdded      int                 `json:"citations_added"`
	UnresolvedCitations []model.CitationRef `json:"unresolved_citations,omitempty"`
}

// PutDocument ingests a parsed document: it resolves and writes the paper,
// appends and finalizes each strategy's passages and records citation edges
// to already known papers. Free-text citation strings are resolved through the
// arXiv id or DOI they carry. Re-ingesting an identical document is a no-op.
func (s *Store) PutDocument(ctx context.Context, doc *model.Document) (PutResult, error) {
	res, err := s.PutPaper(ctx, doc)
	if err != nil {
		return PutResult{}, err
	}
	out := PutResult{Resolution: res}
	paperID := res.Paper.ID

	order, groups := doc.PassagesByStrategy()
	if len(order) > 0 {
		out.Passages = make(map[model.Strategy][]model.Passage, len(order))
	}
	for _, strategy := range order {
		passages, created, err := s.appendPassages(ctx, paperID, strategy, groups[strategy], true)
		if err != nil {
			return out, fmt.Errorf("passages %s: %w", strategy, err)
		}
		out.Passages[strategy] = passages
		out.NewPassages += created
	}

	refs := slices.Clone(doc.Citations)
	for _, raw := range doc.CitationStrings {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		ref, ok := identity.ParseCitationString(raw)
		if !ok {
			out.UnresolvedCitations = append(out.UnresolvedCitations, ref)
			continue
		}
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		id, err := s.resolveRef(ctx, ref)
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) {
			out.UnresolvedCitations = append(out.UnresolvedCitations, ref)
			continue
		}
		if err != nil {
			return out, err
		}
		if id == paperID {
			continue
		}
		created, err := s.PutCitationEdge(ctx, model.CitationEdge{Citing: paperID, Cited: id, Raw: ref.Raw})
		if err != nil {
			return out, err
		}
		if created {
			out.CitationsAdded++
		}
	}
	return out, nil
}

func (s *Store) resolveRef(ctx context.Context, ref model.CitationRef) (string, error) {
	id, err := identity.NormalizeExternalID(ref.Source, ref.ExternalID)
	if err != nil {
		return "", err
	}
	return s.backend.LookupExternalID(ctx, identity.ExternalKey{Source: ref.Source, ID: id})
}

// PutPaper resolves doc to a canonical paper and writes exactly that paper.
// Passages and citations in doc are ignored.
func (s *Store) PutPaper(ctx context.Context, doc *model.Document) (identity.Resolution, error) {
	if err := doc.Validate(); err != nil {
		return identity.Resolution{}, err
	}
	keys, err := identity.DocumentKeys(doc)
	if err != nil {
		return identity.Resolution{}, err
	}
	lockKeys := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		lockKeys = append(lockKeys, extKey(k.String()))
	}
	if len(keys) == 0 {
		// Keyless papers only meet others through their fingerprint.
		lockKeys = append(lockKeys, fingerprintKey(identity.Fingerprint(doc.Title, doc.Authors)))
	}

	guess := ""
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		held := lockKeys
		if guess != "" {
			held = append(held[:len(held):len(held)], paperKey(guess))
		}
		unlock := s.locks.Lock(held...)

		res, err := s.resolver.Resolve(ctx, s.backend, doc)
		if err != nil {
			unlock()
			return identity.Resolution{}, err
		}
		if !res.Created && res.Paper.ID != guess {
			unlock()
			guess = res.Paper.ID
			continue
		}

		err = s.commit(ctx, res)
		unlock()
		if err != nil {
			return identity.Resolution{}, err
		}
		return res, nil
	}
	return identity.Resolution{}, model.Conflictf("paper %q kept moving during resolution", doc.Title)
}

func (s *Store) commit(ctx context.Context, res identity.Resolution) error {
	if res.Changed || len(res.Keys) > 0 {
		if err := res.Paper.Validate(); err != nil {
			return err
		}
		fp := identity.Fingerprint(res.Paper.Title, res.Paper.Authors)
		if err := s.backend.SavePaper(ctx, res.Paper, fp, res.Keys); err != nil {
			return fmt.Errorf("save paper %s: %w", res.Paper.ID, err)
		}
	}
	if len(res.Candidates) > 0 {
		if err := s.backend.PutMergeCandidates(ctx, res.Candidates); err != nil {
			return fmt.Errorf("save merge candidates: %w", err)
		}
		for _, c := range res.Candidates {
			s.logger.Info("merge candidate", "paper_id", c.PaperID, "candidate_id", c.CandidateID, "reason", c.Reason)
		}
	}
	if res.Changed && s.hook != nil {
		s.hook(ctx, res.Paper.Clone())
	}
	return nil
}

// GetPaper returns a paper by canonical id.
func (s *Store) GetPaper(ctx context.Context, id string) (*model.Paper, error) {
	return s.backend.GetPaper(ctx, id)
}

// ScanPapers returns up to limit papers matching f with id > after, ordered by id,
// and the cursor for the next page ("" when exhausted).
func (s *Store) ScanPapers(ctx context.Context, f model.Filter, after string, limit int) ([]*model.Paper, string, error) {
	if err := f.Validate(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}
	f = f.Normalized()

	var out []*model.Paper
	cursor := after
	for len(out) < limit {
		batch, err := s.backend.ScanPapers(ctx, cursor, limit)
		if err != nil {
			return nil, "", err
		}
		for _, p := range batch {
			cursor = p.ID
			if f.Matches(p) {
				out = append(out, p)
				if len(out) == limit {
					return out, cursor, nil
				}
			}
		}
		if len(batch) < limit {
			return out, "", nil
		}
	}
	return out, cursor, nil
}

// FilterPapers loads the given papers and keeps those matching f.
// Unknown ids are skipped.
func (s *Store) FilterPapers(ctx context.Context, ids []string, f model.Filter) (map[string]*model.Paper, error) {
	f = f.Normalized()
	out := make(map[string]*model.Paper, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		p, err := s.backend.GetPaper(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(p) {
			out[id] = p
		}
	}
	return out, nil
}

// Retract tags a paper as retracted and returns its passage ids so callers
// can retire them from every index. Retracting twice is a no-op.
func (s *Store) Retract(ctx context.Context, id string) (*model.Paper, []model.PassageID, error) {
	unlock := s.locks.Lock(paperKey(id))
	defer unlock()

	p, err := s.backend.GetPaper(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !p.Retracted() {
		p.Tags = model.UnionTags(p.Tags, []string{model.TagRetracted})
		p.UpdatedAt = s.now().UTC()
		if err := s.backend.SavePaper(ctx, p, "", nil); err != nil {
			return nil, nil, err
		}
		s.logger.Info("paper retracted", "paper_id", id)
		if s.hook != nil {
			s.hook(ctx, p.Clone())
		}
	}
	ids, err := s.backend.PassageIDs(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, ids, nil
}

// ListMergeCandidates pages through recorded merge candidates.
func (s *Store) ListMergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.backend.ListMergeCandidates(ctx, after, limit)
}
