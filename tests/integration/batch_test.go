//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/cve-fetcher/internal/testutil"
	"github.com/Sternrassler/cve-fetcher/pkg/batch"
	"github.com/Sternrassler/cve-fetcher/pkg/client"
	"github.com/Sternrassler/cve-fetcher/pkg/fetch"
	"github.com/Sternrassler/cve-fetcher/pkg/metrics"
	"github.com/Sternrassler/cve-fetcher/pkg/progress"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newPipeline(t *testing.T, mock *testutil.MockCVEAPI, workers int, observers ...progress.Observer) *batch.Dispatcher {
	t.Helper()

	logger := zerolog.Nop()
	apiClient, err := client.New(client.DefaultConfig(mock.URL(), mock.Path(), "secret"), logger)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { apiClient.Close() })

	retry := fetch.RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	dispatcher, err := batch.New(fetch.New(apiClient, retry, logger), batch.Config{MaxWorkers: workers}, logger, observers...)
	if err != nil {
		t.Fatalf("batch.New() error = %v", err)
	}
	return dispatcher
}

// TestFullBatchFlow runs a mixed batch against the mock API and checks the
// result set, the published Redis run state and the exported metrics.
func TestFullBatchFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockCVEAPI("/api/cve")
	defer mock.Close()
	mock.SetDelay(5 * time.Millisecond)

	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("CVE-2024-%04d", i)
	}
	// 3 not found, 2 recovered after rate limiting, 1 exhausted.
	mock.Script(ids[0], testutil.NewNotFoundResponse())
	mock.Script(ids[1], testutil.NewNotFoundResponse())
	mock.Script(ids[2], testutil.NewNotFoundResponse())
	mock.Script(ids[3], testutil.NewRateLimitResponse(), testutil.NewRecordResponse(ids[3]))
	mock.Script(ids[4], testutil.NewRateLimitResponse(), testutil.NewRateLimitResponse(), testutil.NewRecordResponse(ids[4]))
	mock.Script(ids[5], testutil.NewRateLimitResponse())

	ctx := context.Background()
	observer := progress.NewRedisObserver(redisClient, "integration-run", zerolog.Nop())
	dispatcher := newPipeline(t, mock, 4, observer)

	set, err := dispatcher.Run(ctx, ids)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if set.Len() != len(ids) {
		t.Fatalf("set.Len() = %d, want %d", set.Len(), len(ids))
	}
	stats := set.Summarize()
	if stats.FoundCount != 26 {
		t.Errorf("FoundCount = %d, want 26", stats.FoundCount)
	}
	if got := mock.MaxInFlight(); got > 4 {
		t.Errorf("MaxInFlight = %d, want <= 4", got)
	}
	if got := mock.RequestCount(ids[4]); got != 3 {
		t.Errorf("RequestCount(%s) = %d, want 3", ids[4], got)
	}
	if got := mock.RequestCount(ids[5]); got != 3 {
		t.Errorf("RequestCount(%s) = %d, want 3", ids[5], got)
	}

	state, err := progress.GetRunState(ctx, redisClient, "integration-run")
	if err != nil {
		t.Fatalf("GetRunState() error = %v", err)
	}
	if !state.IsFinished() {
		t.Fatal("run state should be finished")
	}
	if state.Completed != int64(len(ids)) || state.Found != 26 {
		t.Errorf("run state = %+v, want completed=%d found=26", state, len(ids))
	}
	if *state.Statistics != stats {
		t.Errorf("published statistics = %+v, want %+v", *state.Statistics, stats)
	}

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, name := range []string{
		"cve_requests_total",
		"cve_retries_total",
		"cve_retry_exhausted_total",
		"cve_batch_outcomes_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// TestCancelledBatchPublishesFinalState checks that a cancelled run still
// records every identifier and publishes its final statistics.
func TestCancelledBatchPublishesFinalState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockCVEAPI("/api/cve")
	defer mock.Close()
	mock.SetDelay(200 * time.Millisecond)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("CVE-2023-%04d", i)
	}

	observer := progress.NewRedisObserver(redisClient, "cancelled-run", zerolog.Nop())
	dispatcher := newPipeline(t, mock, 2, observer)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	set, err := dispatcher.Run(ctx, ids)
	if err == nil {
		t.Fatal("Run() should report cancellation")
	}
	if set.Len() != len(ids) {
		t.Errorf("set.Len() = %d, want %d", set.Len(), len(ids))
	}

	state, err := progress.GetRunState(context.Background(), redisClient, "cancelled-run")
	if err != nil {
		t.Fatalf("GetRunState() error = %v", err)
	}
	if !state.IsFinished() {
		t.Error("cancelled run should still publish statistics")
	}
	if state.Statistics.FoundCount >= len(ids) {
		t.Errorf("FoundCount = %d, expected fewer than %d after cancellation", state.Statistics.FoundCount, len(ids))
	}
}
