// Package progress reports batch progress to observers while a run is in
// flight. The dispatcher feeds observers through a Relay, so a slow
// observer sees fewer, later events instead of holding up workers. Every
// event carries cumulative counts; the latest one is always complete.
package progress

import (
	"context"

	"github.com/Sternrassler/cve-fetcher/pkg/result"
)

// Event is the batch state after a completed lookup.
type Event struct {
	// ID and Found describe the lookup that produced this event.
	ID    string
	Found bool

	// Completed and FoundCount are running totals for the batch.
	Completed  int64
	FoundCount int64
	Total      int64
}

// Percent returns the completed share of the batch in percent.
func (e Event) Percent() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Completed) / float64(e.Total) * 100
}

// Observer receives batch lifecycle events. Implementations should return
// quickly; errors are logged by the caller and never abort the batch.
type Observer interface {
	Start(ctx context.Context, total int64) error
	Advance(ctx context.Context, ev Event) error
	Finish(ctx context.Context, stats result.Statistics) error
}

// Multi fans events out to several observers. The first error is
// returned after every observer has been called.
type Multi []Observer

// Start implements Observer.
func (m Multi) Start(ctx context.Context, total int64) error {
	var first error
	for _, o := range m {
		if err := o.Start(ctx, total); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Advance implements Observer.
func (m Multi) Advance(ctx context.Context, ev Event) error {
	var first error
	for _, o := range m {
		if err := o.Advance(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Finish implements Observer.
func (m Multi) Finish(ctx context.Context, stats result.Statistics) error {
	var first error
	for _, o := range m {
		if err := o.Finish(ctx, stats); err != nil && first == nil {
			first = err
		}
	}
	return first
}
