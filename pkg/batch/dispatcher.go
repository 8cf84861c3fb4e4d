package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/Sternrassler/cve-fetcher/pkg/progress"
	"github.com/Sternrassler/cve-fetcher/pkg/result"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch runs.
var (
	cveBatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cve_batch_inflight",
		Help: "Number of lookups currently executing in the worker pool",
	})

	cveBatchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cve_batch_outcomes_total",
		Help: "Total completed lookups by outcome",
	}, []string{"outcome"})
)

// Dispatcher errors.
var (
	// ErrInvalidWorkers is returned when the worker pool size is not positive.
	ErrInvalidWorkers = errors.New("max workers must be >= 1")

	// ErrRunInProgress is returned by Run while another Run on the same
	// Dispatcher has not returned.
	ErrRunInProgress = errors.New("batch run already in progress")
)

// DefaultMaxWorkers is the default worker pool size.
const DefaultMaxWorkers = 10

// Config holds dispatcher configuration.
type Config struct {
	// MaxWorkers is the number of lookups allowed in flight at once.
	MaxWorkers int

	// ObserverTimeout bounds each progress observer call
	// (default: progress.DefaultCallTimeout).
	ObserverTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      DefaultMaxWorkers,
		ObserverTimeout: progress.DefaultCallTimeout,
	}
}

// ItemFetcher looks up one identifier. It must contain every failure in
// the returned outcome. *fetch.Fetcher implements it.
type ItemFetcher interface {
	Fetch(ctx context.Context, id string) result.Outcome
}

// completion is one finished lookup travelling from a worker to the collector.
type completion struct {
	id      string
	outcome result.Outcome
}

// Dispatcher runs lookups for a batch of identifiers on a bounded worker
// pool. One Dispatcher runs one batch at a time.
type Dispatcher struct {
	fetcher  ItemFetcher
	config   Config
	observer progress.Multi
	logger   zerolog.Logger

	running   atomic.Bool
	completed atomic.Int64
	total     atomic.Int64
}

// New creates a dispatcher. An invalid worker count is a setup error and
// is reported before any lookup can run.
func New(fetcher ItemFetcher, cfg Config, logger zerolog.Logger, observers ...progress.Observer) (*Dispatcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidWorkers, cfg.MaxWorkers)
	}

	return &Dispatcher{
		fetcher:  fetcher,
		config:   cfg,
		observer: progress.Multi(observers),
		logger:   logging.Component(logger, "batch-dispatcher"),
	}, nil
}

// Progress returns the number of completed lookups and the batch size of
// the current or last run. Safe to call while Run is executing.
func (d *Dispatcher) Progress() (completed, total int64) {
	return d.completed.Load(), d.total.Load()
}

// Run fetches every identifier and returns one outcome per distinct
// identifier. Outcomes are folded in completion order. Run returns only
// after every worker has finished; per-item failures never abort the
// batch. When ctx is cancelled, unstarted lookups are recorded as absent
// and ctx.Err() is returned alongside the complete set.
//
// Run is not reentrant: a call made while another is in flight returns
// ErrRunInProgress without fetching anything.
func (d *Dispatcher) Run(ctx context.Context, ids []string) (*result.Set, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer d.running.Store(false)

	unique := Dedupe(ids)
	if dup := len(ids) - len(unique); dup > 0 {
		d.logger.Warn().
			Int("duplicates", dup).
			Int("unique", len(unique)).
			Msg("Duplicate CVE identifiers ignored")
	}

	set := result.NewSet(len(unique))
	d.completed.Store(0)
	d.total.Store(int64(len(unique)))

	if len(unique) == 0 {
		return set, nil
	}

	start := time.Now()
	// Observers keep publishing after cancellation so the final state is recorded.
	observerCtx := context.WithoutCancel(ctx)
	relay := progress.NewRelay(d.observer, d.config.ObserverTimeout, d.logger)
	if err := relay.Start(observerCtx, int64(len(unique))); err != nil {
		d.logger.Warn().Err(err).Msg("Progress observer start failed")
	}

	workers := d.config.MaxWorkers
	if workers > len(unique) {
		workers = len(unique)
	}

	d.logger.Info().
		Int("total", len(unique)).
		Int("workers", workers).
		Msg("Starting batch fetch")

	// Queue holds every identifier up front; workers drain it.
	queue := make(chan string, len(unique))
	for _, id := range unique {
		queue <- id
	}
	close(queue)

	completions := make(chan completion, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go d.worker(ctx, queue, completions, &wg, i)
	}

	// Close completions channel when all workers done
	go func() {
		wg.Wait()
		close(completions)
	}()

	total := int64(len(unique))
	var found int64
	for c := range completions {
		set.Fold(c.id, c.outcome)
		done := d.completed.Add(1)

		label := "absent"
		if c.outcome.IsFound() {
			label = "found"
			found++
		}
		cveBatchOutcomesTotal.WithLabelValues(label).Inc()

		relay.Advance(progress.Event{
			ID:         c.id,
			Found:      c.outcome.IsFound(),
			Completed:  done,
			FoundCount: found,
			Total:      total,
		})
	}

	stats := set.Summarize()
	if err := relay.Finish(observerCtx, stats); err != nil {
		d.logger.Warn().Err(err).Msg("Progress observer finish failed")
	}

	d.logger.Info().
		Int("total", stats.TotalCVEs).
		Int("found", stats.FoundCount).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	if err := ctx.Err(); err != nil {
		return set, fmt.Errorf("batch interrupted (%d/%d completed before cancellation): %w",
			d.completed.Load(), total, err)
	}
	return set, nil
}

// worker processes identifiers from the queue until it is drained.
func (d *Dispatcher) worker(ctx context.Context, queue <-chan string, completions chan<- completion, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for id := range queue {
		cveBatchInflight.Inc()
		outcome := d.fetcher.Fetch(ctx, id)
		cveBatchInflight.Dec()

		completions <- completion{id: id, outcome: outcome}
		processed++
	}

	d.logger.Debug().
		Int("worker_id", workerID).
		Int("processed", processed).
		Msg("Worker completed")
}

// Dedupe returns ids without repeats, keeping first occurrences in order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
