// Package testutil provides testing utilities for the CVE fetcher.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock API response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCVEAPI is a configurable mock CVE details API for testing. Responses
// are scripted per CVE identifier; when a script runs out, its last
// response repeats. Identifiers without a script get a 200 record.
type MockCVEAPI struct {
	server *httptest.Server
	path   string

	mu          sync.Mutex
	scripts     map[string][]MockResponse
	requests    map[string]int
	lastHeader  http.Header
	lastQuery   map[string]string
	inFlight    int
	maxInFlight int
	delay       time.Duration
}

// NewMockCVEAPI creates a mock API serving lookups on path.
func NewMockCVEAPI(path string) *MockCVEAPI {
	mock := &MockCVEAPI{
		path:     path,
		scripts:  make(map[string][]MockResponse),
		requests: make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL.
func (m *MockCVEAPI) URL() string {
	return m.server.URL
}

// Path returns the lookup path.
func (m *MockCVEAPI) Path() string {
	return m.path
}

// Close shuts down the mock server.
func (m *MockCVEAPI) Close() {
	m.server.Close()
}

// SetDelay applies a delay to every response, used to hold workers busy.
func (m *MockCVEAPI) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Script sets the sequence of responses returned for id.
func (m *MockCVEAPI) Script(id string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[id] = responses
}

// RequestCount returns the number of requests received for id.
func (m *MockCVEAPI) RequestCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id]
}

// TotalRequests returns the number of requests received for all ids.
func (m *MockCVEAPI) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockCVEAPI) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// LastHeader returns the headers of the most recent request.
func (m *MockCVEAPI) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// LastQuery returns the query parameters of the most recent request.
func (m *MockCVEAPI) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

func (m *MockCVEAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != m.path {
		http.NotFound(w, r)
		return
	}

	id := r.URL.Query().Get("id")

	m.mu.Lock()
	m.requests[id]++
	n := m.requests[id]
	m.lastHeader = r.Header.Clone()
	m.lastQuery = map[string]string{
		"id":      id,
		"project": r.URL.Query().Get("project"),
	}
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	resp := m.responseFor(id, n)
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if resp.Delay > delay {
		delay = resp.Delay
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// responseFor returns the n-th (1-based) response for id. Caller holds mu.
func (m *MockCVEAPI) responseFor(id string, n int) MockResponse {
	script, ok := m.scripts[id]
	if !ok || len(script) == 0 {
		return NewRecordResponse(id)
	}
	if n > len(script) {
		return script[len(script)-1]
	}
	return script[n-1]
}

// NewRecordResponse creates a 200 OK response carrying a minimal CVE record.
func NewRecordResponse(id string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"id": %q, "summary": "test record", "cvss": 7.5}`, id),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"Retry-After":  "1",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "CVE not found"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewMalformedResponse creates a 200 OK response whose body is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `<html>maintenance</html>`,
		Headers: map[string]string{
			"Content-Type": "text/html",
		},
	}
}
