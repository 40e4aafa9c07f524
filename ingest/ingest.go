package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AGIHouse/openscience/ingest/deadletter"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

// Index is the part of the ANN index manager the dispatcher drives.
type Index interface {
	CheckVector(scheme string, vec []float32) error
	Insert(ctx context.Context, scheme string, id model.PassageID, vec []float32, attrs metadata.Attributes) error
	Retire(ctx context.Context, scheme string, id model.PassageID) error
}

// Store is the part of the corpus store ingest reads and writes.
type Store interface {
	PutEmbedding(ctx context.Context, e model.Embedding) error
	GetEmbedding(ctx context.Context, id model.PassageID, scheme string) (model.Embedding, error)
	Attributes(ctx context.Context, id model.PassageID) (metadata.Attributes, error)
	MarkIndexed(ctx context.Context, scheme string, ids ...model.PassageID) error
	ListUnindexed(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error)
}

type job struct {
	scheme string
	id     model.PassageID
	vec    []float32
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Queued      int `json:"queued"`
	InFlight    int `json:"in_flight"`
	DeadLetters int `json:"dead_letters"`
}

// Ingestor is the Embedding Ingest service.
type Ingestor struct {
	store   Store
	index   Index
	dead    deadletter.Store
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	busyMu   sync.Mutex
	inflight int
	idle     chan struct{}
}

// New starts an Ingestor with its dispatcher workers.
func New(store Store, idx Index, optFns ...func(o *Options)) *Ingestor {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	in := &Ingestor{
		store:   store,
		index:   idx,
		dead:    opts.DeadLetters,
		opts:    opts,
		logger:  opts.Logger,
		limiter: opts.limiter(),
		queue:   make(chan job, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		idle:    idle,
	}
	for i := 0; i < opts.Workers; i++ {
		in.wg.Add(1)
		go in.work()
	}
	return in
}

// Attach validates and persists an embedding and queues its index insert.
//
// Checks run in a fixed order: unknown scheme, dimension, non-finite
// components, missing passage, then the (passage, scheme) uniqueness check
// on persist. A nil error means the embedding is durable; it becomes
// searchable once the dispatcher delivers it.
func (in *Ingestor) Attach(ctx context.Context, rec model.EmbeddingRecord) (model.Embedding, error) {
	e, err := in.attach(ctx, rec)
	in.opts.Metrics.RecordAttach(rec.Scheme, err)
	return e, err
}

func (in *Ingestor) attach(ctx context.Context, rec model.EmbeddingRecord) (model.Embedding, error) {
	if err := in.index.CheckVector(rec.Scheme, rec.Vector); err != nil {
		return model.Embedding{}, err
	}
	e := model.Embedding{
		PassageID:  rec.PassageID,
		Scheme:     rec.Scheme,
		Vector:     slices.Clone(rec.Vector),
		ProducedAt: in.opts.Now().UTC(),
	}
	if err := in.store.PutEmbedding(ctx, e); err != nil {
		return model.Embedding{}, err
	}
	if err := in.enqueue(ctx, job{scheme: e.Scheme, id: e.PassageID, vec: e.Vector}); err != nil {
		// Persisted but not queued; CatchUp delivers it later.
		in.logger.Warn("index insert not queued", "scheme", e.Scheme, "passage_id", e.PassageID, "error", err)
		return e, nil
	}
	return e, nil
}

func (in *Ingestor) enqueue(ctx context.Context, j job) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return model.ErrClosed
	}
	in.begin()
	select {
	case in.queue <- j:
		return nil
	case <-ctx.Done():
		in.done()
		return ctx.Err()
	case <-in.stopCh:
		in.done()
		return model.ErrClosed
	}
}

func (in *Ingestor) begin() {
	in.busyMu.Lock()
	defer in.busyMu.Unlock()
	if in.inflight == 0 {
		in.idle = make(chan struct{})
	}
	in.inflight++
}

func (in *Ingestor) done() {
	in.busyMu.Lock()
	defer in.busyMu.Unlock()
	in.inflight--
	if in.inflight == 0 {
		close(in.idle)
	}
}

func (in *Ingestor) work() {
	defer in.wg.Done()
	for j := range in.queue {
		in.process(j)
		in.done()
	}
}

func (in *Ingestor) process(j job) {
	for attempt := 1; ; attempt++ {
		err := in.deliver(in.ctx, j)
		if err == nil {
			in.opts.Metrics.RecordIndexInsert(j.scheme, attempt, nil)
			return
		}
		if in.ctx.Err() != nil {
			// Shutting down; the embedding stays unindexed for CatchUp.
			return
		}
		in.opts.Metrics.RecordIndexInsert(j.scheme, attempt, err)
		if !model.IsRetryable(err) || attempt > in.opts.MaxRetries {
			in.deadLetter(j, attempt, err)
			return
		}
		wait := in.backoff(attempt)
		in.logger.Debug("retrying index insert", "scheme", j.scheme, "passage_id", j.id, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-in.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (in *Ingestor) deliver(ctx context.Context, j job) error {
	if err := in.limiter.Wait(ctx); err != nil {
		return err
	}
	attrs, err := in.store.Attributes(ctx, j.id)
	if err != nil {
		return fmt.Errorf("load attributes: %w", err)
	}
	if err := in.index.Insert(ctx, j.scheme, j.id, j.vec, attrs); err != nil {
		return err
	}
	if attrs.Retracted {
		if err := in.index.Retire(ctx, j.scheme, j.id); err != nil {
			return err
		}
	}
	return in.store.MarkIndexed(ctx, j.scheme, j.id)
}

func (in *Ingestor) backoff(attempt int) time.Duration {
	d := in.opts.BackoffBase
	for i := 1; i < attempt && d < in.opts.BackoffMax; i++ {
		d *= 2
	}
	return min(d, in.opts.BackoffMax)
}

func (in *Ingestor) deadLetter(j job, attempts int, cause error) {
	l := deadletter.Letter{
		Scheme:    j.scheme,
		PassageID: j.id,
		Attempts:  attempts,
		Error:     cause.Error(),
		FailedAt:  in.opts.Now().UTC(),
	}
	if err := in.dead.Put(in.ctx, l); err != nil {
		in.logger.Error("dead letter lost", "scheme", j.scheme, "passage_id", j.id, "error", err, "cause", cause)
		return
	}
	in.opts.Metrics.RecordDeadLetter(j.scheme)
	in.logger.Error("index insert dead-lettered", "scheme", j.scheme, "passage_id", j.id, "attempts", attempts, "error", cause)
}

// CatchUp queues every embedding of the given schemes that was never
// confirmed indexed. It returns the number queued.
func (in *Ingestor) CatchUp(ctx context.Context, schemes ...string) (int, error) {
	const batch = 256
	total := 0
	for _, scheme := range schemes {
		var after model.PassageID
		for {
			embs, err := in.store.ListUnindexed(ctx, scheme, after, batch)
			if err != nil {
				return total, err
			}
			for _, e := range embs {
				if err := in.enqueue(ctx, job{scheme: scheme, id: e.PassageID, vec: e.Vector}); err != nil {
					return total, err
				}
				total++
				after = e.PassageID
			}
			if len(embs) < batch {
				break
			}
		}
	}
	if total > 0 {
		in.logger.Info("catch-up queued", "count", total)
	}
	return total, nil
}

// Replay moves dead letters back onto the queue, reloading each vector from
// the store. An empty scheme replays every scheme. Letters whose embedding
// is gone are dropped.
func (in *Ingestor) Replay(ctx context.Context, scheme string) (int, error) {
	const batch = 256
	total := 0
	after := ""
	for {
		letters, err := in.dead.List(ctx, after, batch)
		if err != nil {
			return total, err
		}
		for _, l := range letters {
			after = l.Key()
			if scheme != "" && l.Scheme != scheme {
				continue
			}
			e, err := in.store.GetEmbedding(ctx, l.PassageID, l.Scheme)
			switch {
			case errors.Is(err, model.ErrNotFound):
				in.logger.Warn("dropping dead letter without embedding", "scheme", l.Scheme, "passage_id", l.PassageID)
			case err != nil:
				return total, err
			default:
				if err := in.enqueue(ctx, job{scheme: l.Scheme, id: l.PassageID, vec: e.Vector}); err != nil {
					return total, err
				}
				total++
			}
			if err := in.dead.Delete(ctx, l.Scheme, l.PassageID); err != nil {
				return total, err
			}
		}
		if len(letters) < batch {
			return total, nil
		}
	}
}

// DeadLetters pages through the dead-letter store.
func (in *Ingestor) DeadLetters(ctx context.Context, after string, limit int) ([]deadletter.Letter, error) {
	return in.dead.List(ctx, after, limit)
}

// Drain waits until every queued insert was delivered or dead-lettered.
func (in *Ingestor) Drain(ctx context.Context) error {
	in.busyMu.Lock()
	idle := in.idle
	in.busyMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports queue depth and dead-letter count.
func (in *Ingestor) Stats(ctx context.Context) (Stats, error) {
	in.busyMu.Lock()
	inflight := in.inflight
	in.busyMu.Unlock()
	n, err := in.dead.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queued: len(in.queue), InFlight: inflight, DeadLetters: n}, nil
}

// Close drains the queue until ctx ends, then stops the workers. Inserts
// still pending stay unindexed in the store for the next CatchUp.
func (in *Ingestor) Close(ctx context.Context) error {
	in.closeOnce.Do(func() {
		drainErr := in.Drain(ctx)
		close(in.stopCh)
		in.cancel()

		in.mu.Lock()
		in.closed = true
		close(in.queue)
		in.mu.Unlock()
		in.wg.Wait()

		in.closeErr = errors.Join(drainErr, in.dead.Close())
	})
	return in.closeErr
}
