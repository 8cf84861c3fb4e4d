// Package main provides the cve-fetcher command: it looks up every CVE in
// the list file and writes the records plus statistics to the details file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/cve-fetcher/internal/config"
	"github.com/Sternrassler/cve-fetcher/internal/store"
	"github.com/Sternrassler/cve-fetcher/pkg/batch"
	"github.com/Sternrassler/cve-fetcher/pkg/client"
	"github.com/Sternrassler/cve-fetcher/pkg/fetch"
	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/Sternrassler/cve-fetcher/pkg/metrics"
	"github.com/Sternrassler/cve-fetcher/pkg/progress"
	"github.com/Sternrassler/cve-fetcher/pkg/result"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command with one flag per configuration key.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cve-fetcher",
		Short:        "CVE Fetcher: fetch CVE details for a list of identifiers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}

			flags := make(map[string]string)
			for _, key := range config.Keys {
				if !cmd.Flags().Changed(key.ID) {
					continue
				}
				v, err := cmd.Flags().GetString(key.ID)
				if err != nil {
					return err
				}
				flags[key.ID] = v
			}

			cfg, err := config.Load(config.Sources{
				Flags:      flags,
				ConfigFile: configFile,
				DotEnvFile: envFile,
			})
			if err != nil {
				setupLogger := logging.Setup(logging.DefaultConfig())
				setupLogger.Error().Err(err).Msg("Error during configuration initialization")
				return err
			}

			logger := logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.LogLevel),
				Pretty: cfg.LogPretty,
				Output: os.Stderr,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("config", config.DefaultConfigFile, "path to JSON config file")
	cmd.Flags().String("env-file", config.DefaultDotEnvFile, "path to .env file")
	for _, key := range config.Keys {
		cmd.Flags().String(key.ID, "", key.Desc)
	}
	return cmd
}

// run executes one batch. Setup failures are returned before any lookup is
// issued; an empty CVE list logs an error and returns nil.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("api", cfg.APIBaseURL+cfg.CVEAPIEndpoint).
		Int("max_workers", cfg.MaxWorkers).
		Str("run_id", cfg.RunID).
		Msg("Configuration loaded")

	ids, err := store.LoadIdentifiers(cfg.ListFile)
	if err != nil {
		logger.Error().Err(err).Str("file", cfg.ListFile).Msg("Failed to load CVE list")
		return err
	}
	if len(ids) == 0 {
		logger.Error().Str("file", cfg.ListFile).Msg("No CVEs to fetch. Exiting.")
		return nil
	}

	apiClient, err := client.New(client.Config{
		BaseURL:        cfg.APIBaseURL,
		Endpoint:       cfg.CVEAPIEndpoint,
		AuthKey:        cfg.AuthKey,
		JWTToken:       cfg.JWTToken,
		Project:        cfg.Project,
		UserAgent:      cfg.UserAgent,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxIdleConns:   cfg.MaxWorkers,
	}, logger)
	if err != nil {
		return fmt.Errorf("create CVE client: %w", err)
	}
	defer apiClient.Close()

	observers := []progress.Observer{progress.NewLogObserver(logger, 0)}
	if cfg.RedisURL != "" {
		redisClient, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return err
		}
		defer redisClient.Close()
		observers = append(observers, progress.NewRedisObserver(redisClient, cfg.RunID, logger))
	}

	fetcher := fetch.New(apiClient, fetch.DefaultRetryConfig(), logger)
	dispatcher, err := batch.New(fetcher, batch.Config{MaxWorkers: cfg.MaxWorkers}, logger, observers...)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	// The metrics port is bound before dispatch so a clash fails the run
	// before any lookup is issued.
	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Failed to bind metrics address")
			return fmt.Errorf("listen on metrics address: %w", err)
		}
	}

	set, runErr := runBatch(ctx, metricsListener, dispatcher, ids, logger)
	if set == nil {
		return runErr
	}

	payload := set.Payload()
	if err := store.SaveResults(cfg.DetailsFile, payload); err != nil {
		logger.Error().Err(err).Str("file", cfg.DetailsFile).Msg("Failed to save CVE details")
		return err
	}
	logger.Info().Str("file", cfg.DetailsFile).Msg("Data saved")

	logger.Info().Msg("CVE fetching process completed.")
	logger.Info().Interface("statistics", payload.Statistics).Msg("Statistics")

	return runErr
}

// runBatch runs the dispatcher, serving /metrics on ln alongside it when
// ln is not nil. The metrics server stops once the batch is done; its
// failures are logged and never interrupt the batch.
func runBatch(ctx context.Context, ln net.Listener, dispatcher *batch.Dispatcher, ids []string, logger zerolog.Logger) (*result.Set, error) {
	if ln == nil {
		return dispatcher.Run(ctx, ids)
	}

	srv := metrics.NewServer(ln.Addr().String())
	var g errgroup.Group

	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	set, runErr := dispatcher.Run(ctx, ids)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("Metrics server stopped with error")
	}
	return set, runErr
}

// connectRedis parses url and verifies the connection.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	redisClient := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}
