// Package fetch implements the single-item lookup: one CVE identifier in,
// one result.Outcome out, retrying 429 responses with exponential backoff.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/cve-fetcher/pkg/client"
	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/Sternrassler/cve-fetcher/pkg/result"
	"github.com/rs/zerolog"
)

// maxLoggedBody caps how much of an error body is logged and kept.
const maxLoggedBody = 512

// Sender issues one request for a CVE identifier.
// *client.Client implements it.
type Sender interface {
	Send(ctx context.Context, id string) (*client.Response, error)
}

// Fetcher turns CVE identifiers into outcomes. It holds no per-call state
// and is safe for concurrent use.
type Fetcher struct {
	sender Sender
	config RetryConfig
	logger zerolog.Logger
	wait   waitFunc
}

// New creates a Fetcher.
func New(sender Sender, cfg RetryConfig, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		sender: sender,
		config: cfg.normalize(),
		logger: logging.Component(logger, "cve-fetch"),
		wait:   sleepContext,
	}
}

// Fetch looks up id. Every failure is contained in the returned outcome.
func (f *Fetcher) Fetch(ctx context.Context, id string) result.Outcome {
	outcome := f.fetch(ctx, id)
	if !outcome.IsFound() {
		class := client.Class(outcome.Err)
		if class == "" {
			class = "other"
		}
		cveErrorsTotal.WithLabelValues(string(class)).Inc()
	}
	return outcome
}

func (f *Fetcher) fetch(ctx context.Context, id string) result.Outcome {
	backoff := f.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return result.Absent(fmt.Errorf("%w: %v", client.ErrCancelled, err), attempt-1)
		}

		resp, err := f.sender.Send(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return result.Absent(fmt.Errorf("%w: %v", client.ErrCancelled, ctx.Err()), attempt)
			}
			f.logger.Error().
				Err(err).
				Str("cve_id", id).
				Int("attempt", attempt).
				Msg("CVE lookup failed")
			return result.Absent(err, attempt)
		}

		switch {
		case resp.IsSuccess():
			return f.parse(id, resp, attempt)

		case resp.StatusCode == 429:
			if attempt >= f.config.MaxAttempts {
				cveRetryExhaustedTotal.Inc()
				f.logger.Error().
					Str("cve_id", id).
					Int("max_attempts", f.config.MaxAttempts).
					Msg("Rate limited on every attempt")
				return result.Absent(fmt.Errorf("%w after %d attempts: %w",
					client.ErrRetryExhausted, attempt, client.ErrRateLimited), attempt)
			}

			cveRetriesTotal.Inc()
			cveRetryBackoffSeconds.Observe(backoff.Seconds())
			f.logger.Warn().
				Str("cve_id", id).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Rate limit hit, retrying after backoff")

			if err := f.wait(ctx, backoff); err != nil {
				f.logger.Warn().
					Str("cve_id", id).
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				return result.Absent(fmt.Errorf("%w: %v", client.ErrCancelled, err), attempt)
			}
			backoff = f.config.nextBackoff(backoff)

		default:
			httpErr := &client.HTTPError{
				ID:         id,
				StatusCode: resp.StatusCode,
				ErrorClass: client.ClassifyStatus(resp.StatusCode),
				Body:       truncate(resp.Body),
			}
			f.logger.Warn().
				Str("cve_id", id).
				Int("status", resp.StatusCode).
				Str("error_class", string(httpErr.ErrorClass)).
				Str("body", httpErr.Body).
				Msg("CVE API error")
			return result.Absent(httpErr, attempt)
		}
	}
}

// parse validates a success body as a JSON record.
func (f *Fetcher) parse(id string, resp *client.Response, attempt int) result.Outcome {
	body := bytes.TrimSpace(resp.Body)

	var err error
	switch {
	case len(body) == 0:
		err = &client.ParseError{ID: id, Err: errors.New("empty body")}
	case !json.Valid(body):
		err = &client.ParseError{ID: id, Err: fmt.Errorf("invalid JSON: %q", truncate(body))}
	case bytes.Equal(body, []byte("null")):
		err = client.ErrEmptyRecord
	}

	if err != nil {
		f.logger.Error().
			Err(err).
			Str("cve_id", id).
			Msg("Malformed CVE record")
		return result.Absent(err, attempt)
	}

	if attempt > 1 {
		f.logger.Info().
			Str("cve_id", id).
			Int("attempt", attempt).
			Msg("Lookup succeeded after retry")
	}

	record := make(json.RawMessage, len(body))
	copy(record, body)
	return result.Found(record, attempt)
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
