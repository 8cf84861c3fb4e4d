// Package batch dispatches CVE lookups across a bounded worker pool.
//
// All identifiers are queued up front and a fixed number of workers drain
// the queue. Completions stream back to a single collector in whatever
// order they finish; the collector folds them into a result.Set, advances
// the progress counter and notifies progress observers.
//
// Example usage:
//
//	fetcher := fetch.New(apiClient, fetch.DefaultRetryConfig(), logger)
//	dispatcher, err := batch.New(fetcher, batch.Config{MaxWorkers: 8}, logger)
//	set, err := dispatcher.Run(ctx, []string{"CVE-2024-3094", "CVE-2021-44228"})
//	stats := set.Summarize()
//
// The dispatcher:
//   - Deduplicates identifiers (first occurrence wins)
//   - Never runs more than MaxWorkers lookups at once
//   - Joins every worker before Run returns
//   - Records a failed lookup as absent instead of aborting the batch
package batch
