package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cve-fetcher/pkg/result"
)

type countingObserver struct {
	starts, advances, finishes int
	err                        error
}

func (c *countingObserver) Start(context.Context, int64) error {
	c.starts++
	return c.err
}

func (c *countingObserver) Advance(context.Context, Event) error {
	c.advances++
	return c.err
}

func (c *countingObserver) Finish(context.Context, result.Statistics) error {
	c.finishes++
	return c.err
}

func TestEvent_Percent(t *testing.T) {
	assert.Equal(t, 0.0, Event{}.Percent())
	assert.Equal(t, 50.0, Event{Completed: 5, Total: 10}.Percent())
	assert.Equal(t, 100.0, Event{Completed: 3, Total: 3}.Percent())
}

func TestMulti_CallsEveryObserver(t *testing.T) {
	first := &countingObserver{err: errors.New("first failed")}
	second := &countingObserver{err: errors.New("second failed")}
	third := &countingObserver{}
	m := Multi{first, second, third}
	ctx := context.Background()

	assert.EqualError(t, m.Start(ctx, 2), "first failed")
	assert.EqualError(t, m.Advance(ctx, Event{ID: "CVE-2024-0001", Completed: 1, Total: 2}), "first failed")
	assert.EqualError(t, m.Finish(ctx, result.Statistics{}), "first failed")

	for _, o := range []*countingObserver{first, second, third} {
		assert.Equal(t, 1, o.starts)
		assert.Equal(t, 1, o.advances)
		assert.Equal(t, 1, o.finishes)
	}
}

func TestMulti_Empty(t *testing.T) {
	var m Multi
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, 1))
	assert.NoError(t, m.Advance(ctx, Event{}))
	assert.NoError(t, m.Finish(ctx, result.Statistics{}))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	observer := NewLogObserver(zerolog.New(&buf), 2)
	ctx := context.Background()

	require.NoError(t, observer.Start(ctx, 5))
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, observer.Advance(ctx, Event{Completed: i, Total: 5}))
	}
	require.NoError(t, observer.Finish(ctx, result.NewStatistics(5, 4)))

	lines := decodeLines(t, &buf)
	// start, progress at 2, 4, 5, finish
	require.Len(t, lines, 5)

	assert.Equal(t, "Starting CVE batch fetch", lines[0]["message"])
	assert.Equal(t, float64(5), lines[0]["total"])
	assert.Equal(t, "progress", lines[0]["component"])

	for i, want := range []float64{2, 4, 5} {
		entry := lines[i+1]
		assert.Equal(t, "Fetch progress", entry["message"])
		assert.Equal(t, want, entry["fetched"])
	}
	assert.Equal(t, float64(100), lines[3]["progress_pct"])

	assert.Equal(t, "Fetch complete", lines[4]["message"])
	assert.Equal(t, float64(4), lines[4]["found_count"])
	assert.Equal(t, float64(80), lines[4]["found_percentage"])
}

func TestLogObserver_CoalescedEvents(t *testing.T) {
	var buf bytes.Buffer
	observer := NewLogObserver(zerolog.New(&buf), 5)
	ctx := context.Background()

	require.NoError(t, observer.Start(ctx, 10))
	for _, completed := range []int64{1, 2, 6, 7, 10} {
		require.NoError(t, observer.Advance(ctx, Event{Completed: completed, FoundCount: completed - 1, Total: 10}))
	}

	lines := decodeLines(t, &buf)
	// start, crossing 5 (reported at 6), last lookup
	require.Len(t, lines, 3)
	assert.Equal(t, float64(6), lines[1]["fetched"])
	assert.Equal(t, float64(5), lines[1]["found"])
	assert.Equal(t, float64(10), lines[2]["fetched"])
}

func TestNewLogObserver_DefaultInterval(t *testing.T) {
	observer := NewLogObserver(zerolog.Nop(), 0)
	assert.Equal(t, int64(DefaultLogEvery), observer.every)
}

func TestRunKey(t *testing.T) {
	assert.Equal(t, "cve-fetcher:run:abc", RunKey("abc"))
}

func TestNewRedisObserver_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRedisObserver(nil, "run", zerolog.Nop())
	})
}
