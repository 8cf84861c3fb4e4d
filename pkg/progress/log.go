package progress

import (
	"context"
	"time"

	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/Sternrassler/cve-fetcher/pkg/result"
	"github.com/rs/zerolog"
)

// DefaultLogEvery is how many completions pass between progress lines.
const DefaultLogEvery = 50

// LogObserver writes progress lines through zerolog.
type LogObserver struct {
	logger zerolog.Logger
	every  int64
	start  time.Time

	// logged is the last multiple of every that produced a line.
	logged int64
}

// NewLogObserver logs a progress line every `every` completions and on the
// last one. every <= 0 selects DefaultLogEvery.
func NewLogObserver(logger zerolog.Logger, every int) *LogObserver {
	if every <= 0 {
		every = DefaultLogEvery
	}
	return &LogObserver{
		logger: logging.Component(logger, "progress"),
		every:  int64(every),
	}
}

// Start implements Observer.
func (l *LogObserver) Start(_ context.Context, total int64) error {
	l.start = time.Now()
	l.logged = 0
	l.logger.Info().
		Int64("total", total).
		Msg("Starting CVE batch fetch")
	return nil
}

// Advance implements Observer. Events may skip counts; a line is written
// whenever Completed crosses a multiple of every, and on the last lookup.
func (l *LogObserver) Advance(_ context.Context, ev Event) error {
	step := ev.Completed / l.every
	if step <= l.logged && ev.Completed != ev.Total {
		return nil
	}
	l.logged = step
	l.logger.Info().
		Int64("fetched", ev.Completed).
		Int64("found", ev.FoundCount).
		Int64("total", ev.Total).
		Float64("progress_pct", ev.Percent()).
		Msg("Fetch progress")
	return nil
}

// Finish implements Observer.
func (l *LogObserver) Finish(_ context.Context, stats result.Statistics) error {
	l.logger.Info().
		Int("total_cves", stats.TotalCVEs).
		Int("found_count", stats.FoundCount).
		Float64("found_percentage", stats.FoundPercentage).
		Dur("duration", time.Since(l.start)).
		Msg("Fetch complete")
	return nil
}
