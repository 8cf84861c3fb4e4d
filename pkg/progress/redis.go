package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/cve-fetcher/pkg/result"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis hash fields of a run.
const (
	FieldTotal      = "total"
	FieldCompleted  = "completed"
	FieldFound      = "found"
	FieldStartedAt  = "started_at"
	FieldFinishedAt = "finished_at"
	FieldStatistics = "statistics"
)

// DefaultRunTTL is how long a run's state stays in Redis after its last update.
const DefaultRunTTL = 24 * time.Hour

// RunKey returns the Redis key holding the state of runID.
func RunKey(runID string) string {
	return "cve-fetcher:run:" + runID
}

// RunState is the progress of a run as published in Redis.
type RunState struct {
	RunID      string             `json:"run_id"`
	Total      int64              `json:"total"`
	Completed  int64              `json:"completed"`
	Found      int64              `json:"found"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Statistics *result.Statistics `json:"statistics,omitempty"`
}

// IsFinished reports whether the run published its final statistics.
func (s *RunState) IsFinished() bool {
	return s.Statistics != nil
}

// RedisObserver publishes live progress of a run to a Redis hash so other
// processes can watch it.
type RedisObserver struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisObserver creates an observer publishing under RunKey(runID).
func NewRedisObserver(redisClient *redis.Client, runID string, logger zerolog.Logger) *RedisObserver {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisObserver{
		redis:  redisClient,
		key:    RunKey(runID),
		ttl:    DefaultRunTTL,
		logger: logger.With().Str("component", "progress-redis").Str("run_key", RunKey(runID)).Logger(),
	}
}

// Start implements Observer. It resets any previous state under the key.
func (r *RedisObserver) Start(ctx context.Context, total int64) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, r.key)
	pipe.HSet(ctx, r.key,
		FieldTotal, total,
		FieldCompleted, 0,
		FieldFound, 0,
		FieldStartedAt, time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, r.key, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run start in redis: %w", err)
	}

	r.logger.Debug().Int64("total", total).Msg("Run state initialized")
	return nil
}

// Advance implements Observer.
func (r *RedisObserver) Advance(ctx context.Context, ev Event) error {
	err := r.redis.HSet(ctx, r.key,
		FieldCompleted, ev.Completed,
		FieldFound, ev.FoundCount,
	).Err()
	if err != nil {
		return fmt.Errorf("store run progress in redis: %w", err)
	}
	return nil
}

// Finish implements Observer.
func (r *RedisObserver) Finish(ctx context.Context, stats result.Statistics) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, r.key,
		FieldCompleted, stats.TotalCVEs,
		FieldFound, stats.FoundCount,
		FieldFinishedAt, time.Now().UTC().Format(time.RFC3339Nano),
		FieldStatistics, statsJSON,
	)
	pipe.Expire(ctx, r.key, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run statistics in redis: %w", err)
	}

	r.logger.Info().
		Int("total_cves", stats.TotalCVEs).
		Int("found_count", stats.FoundCount).
		Msg("Run statistics published")
	return nil
}

// GetRunState reads the published state of runID.
// Returns redis.Nil when no run is stored under the key.
func GetRunState(ctx context.Context, redisClient *redis.Client, runID string) (*RunState, error) {
	fields, err := redisClient.HGetAll(ctx, RunKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}

	state := &RunState{RunID: runID}

	if state.Total, err = parseInt(fields, FieldTotal); err != nil {
		return nil, err
	}
	if state.Completed, err = parseInt(fields, FieldCompleted); err != nil {
		return nil, err
	}
	if state.Found, err = parseInt(fields, FieldFound); err != nil {
		return nil, err
	}
	if state.StartedAt, err = parseTime(fields, FieldStartedAt); err != nil {
		return nil, err
	}
	if state.FinishedAt, err = parseTime(fields, FieldFinishedAt); err != nil {
		return nil, err
	}

	if raw := fields[FieldStatistics]; raw != "" {
		var stats result.Statistics
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			return nil, fmt.Errorf("parse statistics: %w", err)
		}
		state.Statistics = &stats
	}

	return state, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return t, nil
}
