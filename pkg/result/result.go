// Package result holds the outcome of a batch run: one Outcome per CVE
// identifier and the statistics derived from them.
package result

import (
	"encoding/json"
	"sync"
)

// Outcome is the terminal result of one lookup: either a found record or
// an absence marker with the reason.
type Outcome struct {
	// Record is the raw JSON record; nil when absent.
	Record json.RawMessage

	// Err explains why the record is absent; nil when found.
	Err error

	// Attempts is the number of requests issued for this identifier.
	Attempts int
}

// Found returns an outcome carrying record.
func Found(record json.RawMessage, attempts int) Outcome {
	return Outcome{Record: record, Attempts: attempts}
}

// Absent returns an outcome marking the record as not available.
func Absent(reason error, attempts int) Outcome {
	return Outcome{Err: reason, Attempts: attempts}
}

// IsFound reports whether the outcome carries a record.
func (o Outcome) IsFound() bool {
	return o.Record != nil
}

// MarshalJSON writes the record, or null when absent.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if !o.IsFound() {
		return []byte("null"), nil
	}
	return o.Record, nil
}

// Statistics summarizes a completed Set.
type Statistics struct {
	TotalCVEs       int     `json:"total_cves"`
	FoundCount      int     `json:"found_count"`
	FoundPercentage float64 `json:"found_percentage"`
}

// NewStatistics computes the found percentage for the given counts.
// The percentage is 0 when total is 0.
func NewStatistics(total, found int) Statistics {
	stats := Statistics{TotalCVEs: total, FoundCount: found}
	if total > 0 {
		stats.FoundPercentage = float64(found) / float64(total) * 100
	}
	return stats
}

// Payload is the persisted shape of a batch run.
type Payload struct {
	Results    map[string]Outcome `json:"results"`
	Statistics Statistics         `json:"statistics"`
}

// Set maps CVE identifiers to outcomes. It is safe for concurrent use.
type Set struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
	order    []string
}

// NewSet creates an empty set sized for n identifiers.
func NewSet(n int) *Set {
	return &Set{
		outcomes: make(map[string]Outcome, n),
		order:    make([]string, 0, n),
	}
}

// Fold records the outcome for id. A second fold for the same id
// overwrites the first.
func (s *Set) Fold(id string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outcomes[id]; !exists {
		s.order = append(s.order, id)
	}
	s.outcomes[id] = outcome
}

// Get returns the outcome recorded for id.
func (s *Set) Get(id string) (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outcome, ok := s.outcomes[id]
	return outcome, ok
}

// Len returns the number of recorded identifiers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// IDs returns identifiers in the order they were first folded.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Summarize computes statistics over the recorded outcomes.
func (s *Set) Summarize() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := 0
	for _, outcome := range s.outcomes {
		if outcome.IsFound() {
			found++
		}
	}
	return NewStatistics(len(s.outcomes), found)
}

// Payload snapshots the set into its persisted shape.
func (s *Set) Payload() Payload {
	stats := s.Summarize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make(map[string]Outcome, len(s.outcomes))
	for id, outcome := range s.outcomes {
		results[id] = outcome
	}
	return Payload{Results: results, Statistics: stats}
}
