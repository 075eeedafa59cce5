// Package testutil provides testing utilities for the Airtable client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one scripted response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request the mock received.
type RecordedRequest struct {
	Method   string
	BaseID   string
	Table    string
	RawQuery string
	Query    url.Values
	Header   http.Header
	Body     []byte
	At       time.Time
}

// MockAirtable is a configurable mock Airtable API for testing.
// Responses are scripted per base/table and served in order.
type MockAirtable struct {
	server *httptest.Server
	mu     sync.Mutex
	script map[string][]MockResponse

	requests []RecordedRequest
}

// NewMockAirtable starts a mock Airtable server.
func NewMockAirtable() *MockAirtable {
	mock := &MockAirtable{
		script: make(map[string][]MockResponse),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL, usable as client BaseURL.
func (m *MockAirtable) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAirtable) Close() {
	m.server.Close()
}

// Reset clears scripted responses and recorded requests.
func (m *MockAirtable) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = make(map[string][]MockResponse)
	m.requests = nil
}

// Enqueue appends responses for a base/table.
func (m *MockAirtable) Enqueue(baseID, table string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := baseID + "/" + table
	m.script[key] = append(m.script[key], resps...)
}

// SetPages scripts a paginated listing. Every page but the last carries an
// offset token; the tokens are returned in order.
func (m *MockAirtable) SetPages(baseID, table string, pages ...[]map[string]any) []string {
	var tokens []string
	resps := make([]MockResponse, 0, len(pages))
	for i, records := range pages {
		offset := ""
		if i < len(pages)-1 {
			offset = fmt.Sprintf("itr%02d/rec%s%02d", i+1, baseID[:min(3, len(baseID))], i+1)
			tokens = append(tokens, offset)
		}
		resps = append(resps, NewPageResponse(records, offset))
	}
	m.Enqueue(baseID, table, resps...)
	return tokens
}

// Requests returns a copy of everything received so far.
func (m *MockAirtable) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests received.
func (m *MockAirtable) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockAirtable) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	// Path: /v0/{base}/{table}
	rest := strings.TrimPrefix(r.URL.Path, "/v0/")
	baseID, table, _ := strings.Cut(rest, "/")

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:   r.Method,
		BaseID:   baseID,
		Table:    table,
		RawQuery: r.URL.RawQuery,
		Query:    r.URL.Query(),
		Header:   r.Header.Clone(),
		Body:     body,
		At:       time.Now(),
	})

	key := baseID + "/" + table
	queue := m.script[key]
	var resp MockResponse
	ok := len(queue) > 0
	if ok {
		resp = queue[0]
		m.script[key] = queue[1:]
	}
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"type": "NOT_FOUND", "message": "no scripted response for " + key},
		}, nil)
		return
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, headers map[string]string) {
	for k, val := range headers {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewRecord builds a record shaped like Airtable's.
func NewRecord(id string, fields map[string]any) map[string]any {
	return map[string]any{
		"id":          id,
		"createdTime": "2020-10-16T21:04:11.000Z",
		"fields":      fields,
	}
}

// NewPageResponse creates a 200 OK list response.
func NewPageResponse(records []map[string]any, offset string) MockResponse {
	if records == nil {
		records = []map[string]any{}
	}
	payload := map[string]any{"records": records}
	if offset != "" {
		payload["offset"] = offset
	}
	data, _ := json.Marshal(payload)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(data),
	}
}

// NewErrorResponse creates an Airtable-style error response.
func NewErrorResponse(status int, errType, message string) MockResponse {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
	return MockResponse{
		StatusCode: status,
		Body:       string(data),
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"error":"RATE_LIMIT_REACHED","message":"Rate limit exceeded. Please try again later"}]}`,
	}
	if retryAfter != "" {
		resp.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":{"type":"AUTHENTICATION_REQUIRED","message":"Authentication required"}}`,
	}
}
