//go:build integration

package progress

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/cve-fetcher/pkg/result"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisObserver_Integration_Lifecycle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	observer := NewRedisObserver(redisClient, "run-1", zerolog.Nop())

	if _, err := GetRunState(ctx, redisClient, "run-1"); err != redis.Nil {
		t.Fatalf("GetRunState() before start error = %v, want redis.Nil", err)
	}

	if err := observer.Start(ctx, 3); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events := []Event{
		{ID: "CVE-2024-0001", Found: true, Completed: 1, FoundCount: 1, Total: 3},
		{ID: "CVE-2024-0002", Found: false, Completed: 2, FoundCount: 1, Total: 3},
	}
	for _, ev := range events {
		if err := observer.Advance(ctx, ev); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
	}

	state, err := GetRunState(ctx, redisClient, "run-1")
	if err != nil {
		t.Fatalf("GetRunState() error = %v", err)
	}
	if state.Total != 3 || state.Completed != 2 || state.Found != 1 {
		t.Errorf("state = %+v, want total=3 completed=2 found=1", state)
	}
	if state.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
	if state.IsFinished() {
		t.Error("run should not be finished yet")
	}

	if err := observer.Finish(ctx, result.NewStatistics(3, 2)); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	state, err = GetRunState(ctx, redisClient, "run-1")
	if err != nil {
		t.Fatalf("GetRunState() error = %v", err)
	}
	if !state.IsFinished() {
		t.Fatal("run should be finished")
	}
	if state.Statistics.FoundCount != 2 || state.Statistics.TotalCVEs != 3 {
		t.Errorf("Statistics = %+v", state.Statistics)
	}
	if state.FinishedAt.Before(state.StartedAt) {
		t.Errorf("FinishedAt %v before StartedAt %v", state.FinishedAt, state.StartedAt)
	}

	ttl, err := redisClient.TTL(ctx, RunKey("run-1")).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > DefaultRunTTL {
		t.Errorf("TTL = %v, want (0, %v]", ttl, DefaultRunTTL)
	}
}

func TestRedisObserver_Integration_StartResetsState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	observer := NewRedisObserver(redisClient, "run-2", zerolog.Nop())

	if err := observer.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := observer.Finish(ctx, result.NewStatistics(1, 1)); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := observer.Start(ctx, 4); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	state, err := GetRunState(ctx, redisClient, "run-2")
	if err != nil {
		t.Fatalf("GetRunState() error = %v", err)
	}
	if state.IsFinished() {
		t.Error("restarted run should not carry previous statistics")
	}
	if state.Total != 4 || state.Completed != 0 || state.Found != 0 {
		t.Errorf("state = %+v, want a fresh run of 4", state)
	}
}
