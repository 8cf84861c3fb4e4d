package progress

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/Sternrassler/cve-fetcher/pkg/result"
	"github.com/rs/zerolog"
)

// DefaultCallTimeout bounds a single observer call made by a Relay.
const DefaultCallTimeout = 5 * time.Second

// Relay hands events to an Observer on its own goroutine. Advance never
// blocks: while the observer is busy, newer events replace the pending
// one and only the latest is delivered.
//
// Lifecycle: Start, any number of Advance calls from one goroutine, then
// Finish exactly once.
type Relay struct {
	observer Observer
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending *Event

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRelay creates a relay for observer. Every observer call gets its own
// timeout; timeout <= 0 selects DefaultCallTimeout.
func NewRelay(observer Observer, timeout time.Duration, logger zerolog.Logger) *Relay {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Relay{
		observer: observer,
		timeout:  timeout,
		logger:   logging.Component(logger, "progress-relay"),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start calls the observer's Start and begins delivering events. Events
// are delivered with ctx, so ctx should outlive the batch.
func (r *Relay) Start(ctx context.Context, total int64) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.observer.Start(callCtx, total)
	cancel()

	go r.loop(ctx)
	return err
}

// Advance queues ev, replacing any event not yet delivered.
func (r *Relay) Advance(ev Event) {
	r.mu.Lock()
	r.pending = &ev
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Finish delivers the last pending event, stops the relay and calls the
// observer's Finish.
func (r *Relay) Finish(ctx context.Context, stats result.Statistics) error {
	close(r.stop)
	<-r.done

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.observer.Finish(callCtx, stats)
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-r.wake:
			r.deliver(ctx)
		case <-r.stop:
			r.deliver(ctx)
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context) {
	r.mu.Lock()
	ev := r.pending
	r.pending = nil
	r.mu.Unlock()

	if ev == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.observer.Advance(callCtx, *ev); err != nil {
		r.logger.Warn().
			Err(err).
			Int64("completed", ev.Completed).
			Msg("Progress observer update failed")
	}
}
