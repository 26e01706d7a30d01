// Package jobs persists delayed tasks and runs them once they are due. A
// single process is expected to poll a given store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"repbot/internal/docstore"
	"repbot/internal/metrics"
)

const (
	Collection     = "jobs"
	DeadCollection = "dead_jobs"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNoHandlers     = errors.New("no job handlers registered")
)

// Handlers resolves each task kind.
type Handlers interface {
	FinishRoulette(ctx context.Context, t RouletteFinish) error
	FinishSardines(ctx context.Context, t SardinesFinish) error
}

type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Now         func() time.Time
	Metrics     *metrics.Collector
}

type Scheduler struct {
	store   docstore.Store
	log     *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration

	mu       sync.RWMutex
	handlers Handlers

	pollMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store docstore.Store, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:       store,
		log:         logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		retryMax:    opts.RetryMax,
	}
}

// Register binds the handler set. A later call replaces the earlier one.
func (s *Scheduler) Register(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

func (s *Scheduler) currentHandlers() Handlers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers
}

// Enqueue persists task as pending, due after delay.
func (s *Scheduler) Enqueue(ctx context.Context, task Task, delay time.Duration) (Record, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", task.Kind(), err)
	}
	now := s.now().UTC()
	rec := Record{
		ID:          uuid.NewString(),
		Kind:        task.Kind(),
		Payload:     payload,
		ExecuteAt:   now.Add(delay),
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
	}
	if err := docstore.PutJSON(ctx, s.store, Collection, rec.ID, rec); err != nil {
		return Record{}, docstore.Persistence("enqueue job", err)
	}
	s.metrics.RecordEnqueue()
	s.log.Info("job enqueued", "job_id", rec.ID, "kind", rec.Kind, "game_id", task.Target(), "execute_at", rec.ExecuteAt)
	return rec, nil
}

// PollOnce runs every due pending job, oldest first, and reports how many
// were dispatched.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	records, err := docstore.ListJSON[Record](ctx, s.store, Collection)
	if err != nil {
		return 0, docstore.Persistence("list jobs", err)
	}
	now := s.now()
	due := slices.DeleteFunc(records, func(r Record) bool { return !r.Due(now) })
	slices.SortStableFunc(due, func(a, b Record) int { return a.ExecuteAt.Compare(b.ExecuteAt) })

	ran := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		if s.execute(ctx, rec) {
			ran++
		}
	}
	return ran, nil
}

// Start requeues jobs left running by a previous process, polls once, and
// then keeps polling every interval in the background until Stop or ctx is
// done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	s.runMu.Lock()
	if s.cancel != nil {
		s.runMu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.runMu.Unlock()

	if n, err := s.resetStranded(loopCtx); err != nil {
		s.log.Error("requeue stranded jobs failed", "err", err)
	} else if n > 0 {
		s.log.Warn("requeued stranded jobs", "count", n)
	}
	if _, err := s.PollOnce(loopCtx); err != nil && loopCtx.Err() == nil {
		s.log.Error("initial poll failed", "err", err)
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "poll_every", interval.String())
		for {
			select {
			case <-loopCtx.Done():
				s.log.Info("scheduler stopped")
				return
			case <-ticker.C:
				if _, err := s.PollOnce(loopCtx); err != nil && loopCtx.Err() == nil {
					s.log.Error("poll failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the poll loop. A handler already running is left to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the poll loop has exited.
func (s *Scheduler) Wait() {
	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()
	if done != nil {
		<-done
	}
}

// execute runs one record and reports whether a handler was invoked.
func (s *Scheduler) execute(ctx context.Context, rec Record) bool {
	h := s.currentHandlers()
	if h == nil {
		s.log.Warn("job left pending", "job_id", rec.ID, "kind", rec.Kind, "err", ErrNoHandlers)
		return false
	}

	task, err := rec.Decode()
	if err != nil {
		s.log.Error("job payload rejected", "job_id", rec.ID, "kind", rec.Kind, "err", err)
		if err := s.bury(ctx, rec.ID, err.Error()); err != nil {
			s.log.Error("dead letter failed", "job_id", rec.ID, "err", err)
		}
		return false
	}

	claimed, ok, err := s.claim(ctx, rec.ID)
	if err != nil {
		s.log.Error("claim job failed", "job_id", rec.ID, "err", err)
		return false
	}
	if !ok {
		return false
	}

	// Stop must not abort a handler midway.
	runCtx := context.WithoutCancel(ctx)
	if err := s.dispatch(runCtx, h, task); err != nil {
		s.metrics.RecordFailed()
		s.log.Error("job handler failed", "job_id", claimed.ID, "kind", claimed.Kind, "game_id", task.Target(), "attempt", claimed.Attempts+1, "err", err)
		if err := s.handleFailure(runCtx, claimed.ID, err); err != nil {
			s.log.Error("record job failure failed", "job_id", claimed.ID, "err", err)
		}
		return true
	}

	if err := s.store.Delete(runCtx, Collection, claimed.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.log.Error("delete completed job failed", "job_id", claimed.ID, "err", err)
	}
	latency := s.now().Sub(claimed.ExecuteAt).Seconds()
	s.metrics.RecordCompleted(max(latency, 0))
	s.log.Info("job completed", "job_id", claimed.ID, "kind", claimed.Kind, "game_id", task.Target())
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, h Handlers, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	switch t := task.(type) {
	case RouletteFinish:
		return h.FinishRoulette(ctx, t)
	case SardinesFinish:
		return h.FinishSardines(ctx, t)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, task)
	}
}

// claim flips a pending record to running. ok is false when the record is
// gone or no longer pending.
func (s *Scheduler) claim(ctx context.Context, id string) (Record, bool, error) {
	var out Record
	ok := false
	err := docstore.TransactRetry(ctx, s.store, func(tx docstore.Tx) error {
		ok = false
		rec, err := docstore.TxGetJSON[Record](tx, Collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			return nil
		}
		rec.Status = StatusRunning
		if err := docstore.TxPutJSON(tx, Collection, id, rec); err != nil {
			return err
		}
		out = rec
		ok = true
		return nil
	})
	return out, ok, err
}

func (s *Scheduler) handleFailure(ctx context.Context, id string, handlerErr error) error {
	var retried, buried bool
	var next time.Time
	var attempts int
	err := docstore.TransactRetry(ctx, s.store, func(tx docstore.Tx) error {
		retried, buried = false, false
		rec, err := docstore.TxGetJSON[Record](tx, Collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.Attempts++
		rec.LastError = handlerErr.Error()
		attempts = rec.Attempts
		if rec.Attempts < rec.MaxAttempts {
			next = s.now().UTC().Add(s.retryDelay(rec.Attempts))
			rec.ExecuteAt = next
			rec.Status = StatusPending
			retried = true
			return docstore.TxPutJSON(tx, Collection, id, rec)
		}
		buried = true
		return s.buryTx(tx, rec, handlerErr.Error())
	})
	if err != nil {
		return err
	}
	switch {
	case retried:
		s.metrics.RecordRetried()
		s.log.Info("job scheduled for retry", "job_id", id, "attempt", attempts, "execute_at", next)
	case buried:
		s.metrics.RecordDead()
		s.log.Warn("job moved to dead letters after exhausting retries", "job_id", id, "attempts", attempts)
	}
	return nil
}

func (s *Scheduler) bury(ctx context.Context, id, reason string) error {
	err := docstore.TransactRetry(ctx, s.store, func(tx docstore.Tx) error {
		rec, err := docstore.TxGetJSON[Record](tx, Collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.buryTx(tx, rec, reason)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordDead()
	return nil
}

func (s *Scheduler) buryTx(tx docstore.Tx, rec Record, reason string) error {
	if err := tx.Delete(Collection, rec.ID); err != nil {
		return err
	}
	rec.Status = StatusPending
	dead := DeadLetter{Record: rec, FailedAt: s.now().UTC(), Reason: reason}
	return docstore.TxPutJSON(tx, DeadCollection, rec.ID, dead)
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBase
	b.MaxInterval = s.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// resetStranded returns records left running by a dead process to pending.
func (s *Scheduler) resetStranded(ctx context.Context) (int, error) {
	records, err := docstore.ListJSON[Record](ctx, s.store, Collection)
	if err != nil {
		return 0, docstore.Persistence("list jobs", err)
	}
	n := 0
	for _, rec := range records {
		if rec.Status != StatusRunning {
			continue
		}
		err := docstore.TransactRetry(ctx, s.store, func(tx docstore.Tx) error {
			cur, err := docstore.TxGetJSON[Record](tx, Collection, rec.ID)
			if err != nil || cur.Status != StatusRunning {
				return ignoreNotFound(err)
			}
			cur.Status = StatusPending
			return docstore.TxPutJSON(tx, Collection, cur.ID, cur)
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CancelFor deletes pending jobs that target gameID.
func (s *Scheduler) CancelFor(ctx context.Context, gameID string) (int, error) {
	records, err := docstore.ListJSON[Record](ctx, s.store, Collection)
	if err != nil {
		return 0, docstore.Persistence("list jobs", err)
	}
	n := 0
	for _, rec := range records {
		if rec.Status != StatusPending || rec.Target() != gameID {
			continue
		}
		if err := s.store.Delete(ctx, Collection, rec.ID); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return n, docstore.Persistence("cancel job", err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("jobs cancelled", "game_id", gameID, "count", n)
	}
	return n, nil
}

// Pending lists every live record, pending or running, in due order.
func (s *Scheduler) Pending(ctx context.Context) ([]Record, error) {
	records, err := docstore.ListJSON[Record](ctx, s.store, Collection)
	if err != nil {
		return nil, docstore.Persistence("list jobs", err)
	}
	slices.SortStableFunc(records, func(a, b Record) int { return a.ExecuteAt.Compare(b.ExecuteAt) })
	return records, nil
}

func (s *Scheduler) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	dead, err := docstore.ListJSON[DeadLetter](ctx, s.store, DeadCollection)
	if err != nil {
		return nil, docstore.Persistence("list dead jobs", err)
	}
	slices.SortStableFunc(dead, func(a, b DeadLetter) int { return a.FailedAt.Compare(b.FailedAt) })
	return dead, nil
}

// Requeue moves a dead letter back to the live collection, due now, with its
// attempt count cleared.
func (s *Scheduler) Requeue(ctx context.Context, id string) (Record, error) {
	var out Record
	err := docstore.TransactRetry(ctx, s.store, func(tx docstore.Tx) error {
		dead, err := docstore.TxGetJSON[DeadLetter](tx, DeadCollection, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(DeadCollection, id); err != nil {
			return err
		}
		rec := dead.Record
		rec.Status = StatusPending
		rec.Attempts = 0
		rec.LastError = ""
		rec.ExecuteAt = s.now().UTC()
		if rec.MaxAttempts < 1 {
			rec.MaxAttempts = s.maxAttempts
		}
		out = rec
		return docstore.TxPutJSON(tx, Collection, rec.ID, rec)
	})
	if err != nil {
		return Record{}, docstore.Persistence("requeue job", err)
	}
	s.log.Info("dead job requeued", "job_id", id, "kind", out.Kind)
	return out, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}
