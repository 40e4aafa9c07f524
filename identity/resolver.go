package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AGIHouse/openscience/model"
)

// Catalog is the read side of the corpus the resolver consults.
type Catalog interface {
	// LookupExternalID returns the canonical id bound to key, or an error wrapping model.ErrNotFound.
	LookupExternalID(ctx context.Context, key ExternalKey) (string, error)
	// GetPaper returns a paper by canonical id.
	GetPaper(ctx context.Context, id string) (*model.Paper, error)
	// LookupFingerprint returns the canonical ids of papers with the given fingerprint.
	LookupFingerprint(ctx context.Context, fingerprint string) ([]string, error)
}

// IDGenerator mints canonical ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator mints random UUIDs.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// SequenceGenerator mints Prefix+"1", Prefix+"2", ... for reproducible tests.
type SequenceGenerator struct {
	Prefix string
	n      atomic.Uint64
}

// NewID returns the next id in the sequence.
func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s%d", g.Prefix, g.n.Add(1))
}

// FieldConflict is a metadata disagreement between a stored paper and an
// incoming document. The stored value is kept.
type FieldConflict struct {
	PaperID  string `json:"paper_id"`
	Field    string `json:"field"`
	Kept     string `json:"kept"`
	Rejected string `json:"rejected"`
}

// Resolution is the outcome of resolving one document.
type Resolution struct {
	// Paper is the record to write: a new paper, or the stored one with the document merged in.
	Paper *model.Paper
	// Created is set when Paper did not exist before.
	Created bool
	// Changed is set when Paper differs from the stored record.
	Changed bool
	// Keys are the hard keys to bind to Paper.ID.
	Keys        []ExternalKey
	Fingerprint string
	Conflicts   []FieldConflict
	Candidates  []model.MergeCandidate
}

// Options configures a Resolver.
type Options struct {
	Logger *slog.Logger
	IDs    IDGenerator
	Now    func() time.Time
}

// Resolver decides which canonical paper a document belongs to and how its
// metadata merges into it. It performs no writes; the caller persists the
// Resolution under its own per-key lock.
type Resolver struct {
	logger *slog.Logger
	ids    IDGenerator
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(optFns ...func(o *Options)) *Resolver {
	opts := Options{
		IDs: UUIDGenerator{},
		Now: time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{logger: opts.Logger, ids: opts.IDs, now: opts.Now}
}

// NewID mints a canonical id with the resolver's generator.
func (r *Resolver) NewID() string { return r.ids.NewID() }

// Resolve maps doc to a canonical paper.
//
// The primary (source, external id) key wins; when it is unknown the first
// known secondary key is used. Keys already bound to a different paper are
// never rebound and yield an external_id_conflict candidate instead.
func (r *Resolver) Resolve(ctx context.Context, cat Catalog, doc *model.Document) (Resolution, error) {
	if err := doc.Validate(); err != nil {
		return Resolution{}, err
	}
	keys, err := DocumentKeys(doc)
	if err != nil {
		return Resolution{}, err
	}
	date, err := doc.Date()
	if err != nil {
		return Resolution{}, err
	}

	bound := make(map[ExternalKey]string, len(keys))
	target := ""
	for _, k := range keys {
		id, err := cat.LookupExternalID(ctx, k)
		switch {
		case errors.Is(err, model.ErrNotFound):
			continue
		case err != nil:
			return Resolution{}, fmt.Errorf("lookup %s: %w", k, err)
		}
		bound[k] = id
		if target == "" {
			target = id
		}
	}

	now := r.now().UTC()
	res := Resolution{Fingerprint: Fingerprint(doc.Title, doc.Authors)}

	if target == "" {
		res.Paper = r.newPaper(doc, keys, date, now)
		res.Created = true
		res.Changed = true
		res.Keys = keys
		candidates, err := r.fingerprintCandidates(ctx, cat, res.Paper.ID, res.Fingerprint, now)
		if err != nil {
			return Resolution{}, err
		}
		res.Candidates = candidates
		return res, nil
	}

	existing, err := cat.GetPaper(ctx, target)
	if err != nil {
		return Resolution{}, fmt.Errorf("load paper %s: %w", target, err)
	}

	seen := map[string]struct{}{}
	for _, k := range keys {
		other, ok := bound[k]
		if !ok || other == target {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		res.Candidates = append(res.Candidates, model.MergeCandidate{
			ID:          r.ids.NewID(),
			PaperID:     target,
			CandidateID: other,
			Reason:      model.ReasonExternalIDConflict,
			CreatedAt:   now,
		})
		r.logger.Warn("external ids resolve to different papers",
			"canonical_id", target, "candidate_id", other, "key", k.String())
	}

	merged := existing.Clone()
	res.Conflicts = r.merge(merged, doc, date)
	for _, k := range keys {
		if other, ok := bound[k]; ok && other != target {
			continue
		}
		cur, has := merged.ExternalIDs[k.Source]
		switch {
		case !has:
			merged.ExternalIDs[k.Source] = k.ID
			res.Keys = append(res.Keys, k)
		case cur == k.ID:
			if _, ok := bound[k]; !ok {
				res.Keys = append(res.Keys, k)
			}
		default:
			res.Conflicts = append(res.Conflicts, r.conflict(target, "external_ids."+string(k.Source), cur, k.ID))
		}
	}

	res.Paper = merged
	res.Changed = !samePaper(existing, merged)
	if res.Changed {
		merged.UpdatedAt = now
	}
	return res, nil
}

func (r *Resolver) newPaper(doc *model.Document, keys []ExternalKey, date *model.Date, now time.Time) *model.Paper {
	p := &model.Paper{
		ID:              r.ids.NewID(),
		Title:           strings.TrimSpace(doc.Title),
		Authors:         trimAll(doc.Authors),
		Abstract:        strings.TrimSpace(doc.Abstract),
		PublicationDate: date,
		Source:          doc.Source,
		Tags:            model.NormalizeTags(doc.Tags),
		CitationString:  strings.TrimSpace(doc.CitationString),
		ExternalIDs:     make(map[model.Source]string, len(keys)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, k := range keys {
		p.ExternalIDs[k.Source] = k.ID
	}
	return p
}

func (r *Resolver) fingerprintCandidates(ctx context.Context, cat Catalog, paperID, fp string, now time.Time) ([]model.MergeCandidate, error) {
	if fp == "" {
		return nil, nil
	}
	ids, err := cat.LookupFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	slices.Sort(ids)
	var out []model.MergeCandidate
	for _, id := range slices.Compact(ids) {
		if id == paperID {
			continue
		}
		out = append(out, model.MergeCandidate{
			ID:          r.ids.NewID(),
			PaperID:     paperID,
			CandidateID: id,
			Reason:      model.ReasonFingerprint,
			CreatedAt:   now,
		})
	}
	return out, nil
}

// merge applies the document to p field by field. Empty stored values take
// the incoming value; differing non-empty values keep the stored one.
func (r *Resolver) merge(p *model.Paper, doc *model.Document, date *model.Date) []FieldConflict {
	var conflicts []FieldConflict
	str := func(field string, cur *string, in string) {
		in = strings.TrimSpace(in)
		switch {
		case in == "" || in == *cur:
		case *cur == "":
			*cur = in
		default:
			conflicts = append(conflicts, r.conflict(p.ID, field, *cur, in))
		}
	}

	str("title", &p.Title, doc.Title)
	str("abstract", &p.Abstract, doc.Abstract)
	str("citation_string", &p.CitationString, doc.CitationString)

	authors := trimAll(doc.Authors)
	switch {
	case len(authors) == 0 || slices.Equal(authors, p.Authors):
	case len(p.Authors) == 0:
		p.Authors = authors
	default:
		conflicts = append(conflicts, r.conflict(p.ID, "authors", strings.Join(p.Authors, "; "), strings.Join(authors, "; ")))
	}

	switch {
	case date == nil || (p.PublicationDate != nil && *p.PublicationDate == *date):
	case p.PublicationDate == nil:
		d := *date
		p.PublicationDate = &d
	default:
		conflicts = append(conflicts, r.conflict(p.ID, "publication_date", p.PublicationDate.String(), date.String()))
	}

	p.Tags = model.UnionTags(p.Tags, doc.Tags)
	return conflicts
}

func (r *Resolver) conflict(paperID, field, kept, rejected string) FieldConflict {
	r.logger.Warn("metadata conflict", "canonical_id", paperID, "field", field, "kept", kept, "rejected", rejected)
	return FieldConflict{PaperID: paperID, Field: field, Kept: kept, Rejected: rejected}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func samePaper(a, b *model.Paper) bool {
	if a.Title != b.Title || a.Abstract != b.Abstract || a.CitationString != b.CitationString {
		return false
	}
	if !slices.Equal(a.Authors, b.Authors) || !slices.Equal(a.Tags, b.Tags) {
		return false
	}
	if (a.PublicationDate == nil) != (b.PublicationDate == nil) {
		return false
	}
	if a.PublicationDate != nil && *a.PublicationDate != *b.PublicationDate {
		return false
	}
	if len(a.ExternalIDs) != len(b.ExternalIDs) {
		return false
	}
	for k, v := range a.ExternalIDs {
		if b.ExternalIDs[k] != v {
			return false
		}
	}
	return true
}
