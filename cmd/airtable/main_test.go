package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/airtable-client/internal/testutil"
	"github.com/Sternrassler/airtable-client/pkg/client"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// cliEnv points the CLI at the mock and isolates it from the host environment.
func cliEnv(t *testing.T, mock *testutil.MockAirtable, token string) {
	t.Helper()
	t.Setenv("AIRTABLE_BASE_URL", mock.URL())
	t.Setenv("AIRTABLE_KEY", token)
	t.Setenv("AIRTABLE_PAGE_DELAY", "1ms")
	for _, key := range []string{"AIRTABLE_USER_AGENT", "AIRTABLE_CREDENTIAL_ENV", "REDIS_URL", "REDIS_PASSWORD", "LOG_LEVEL", "LOG_PRETTY", "PORT"} {
		t.Setenv(key, "")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root, a := newRootCmd()
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := execute(root, a)
	return out.String(), err
}

func testClient(t *testing.T, mock *testutil.MockAirtable) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.PageDelay = time.Millisecond
	c, err := client.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("no_redis", func(t *testing.T) {
		w := httptest.NewRecorder()
		readyHandler(nil)(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("redis_down", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer rdb.Close()

		w := httptest.NewRecorder()
		readyHandler(rdb)(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()

	mux := newServeMux(testClient(t, mock), nil, false, zerolog.Nop())
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "# TYPE airtable_query_pages histogram") {
		t.Error("Expected airtable_query_pages in metrics output")
	}
}

func TestQueryHandler(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	t.Setenv("AIRTABLE_KEY", "")

	mux := newServeMux(testClient(t, mock), nil, false, zerolog.Nop())

	t.Run("success", func(t *testing.T) {
		mock.Reset()
		mock.SetPages("appphImnhJO8AXmmo", "Table 1",
			[]map[string]any{testutil.NewRecord("rec1", nil)},
			[]map[string]any{testutil.NewRecord("rec2", nil)},
		)

		req := httptest.NewRequest("GET", "/v0/appphImnhJO8AXmmo/Table%201?maxRecords=2&fields%5B%5D=Name&fields%5B%5D=Notes", nil)
		req.Header.Set("Authorization", "Bearer keyProxy")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp struct {
			Records []map[string]any `json:"records"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Records) != 2 {
			t.Errorf("records = %d, want 2", len(resp.Records))
		}

		upstream := mock.Requests()[0]
		if got := upstream.Header.Get("Authorization"); got != "Bearer keyProxy" {
			t.Errorf("upstream Authorization = %q", got)
		}
		if got := upstream.Query["fields[]"]; len(got) != 2 || got[0] != "Name" {
			t.Errorf("upstream fields[] = %v", got)
		}
	})

	t.Run("no_token", func(t *testing.T) {
		mock.Reset()
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/v0/appX/T", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if mock.RequestCount() != 0 {
			t.Error("no upstream request expected")
		}
	})

	t.Run("no_token_ignores_server_key", func(t *testing.T) {
		mock.Reset()
		t.Setenv("AIRTABLE_KEY", "keyServer")
		mock.SetPages("appX", "T", []map[string]any{testutil.NewRecord("rec1", nil)})

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/v0/appX/T", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if !strings.Contains(w.Body.String(), "missing bearer token") {
			t.Errorf("body = %s", w.Body.String())
		}
		if mock.RequestCount() != 0 {
			t.Error("the server's own key must not be used")
		}
	})

	t.Run("rate_limited", func(t *testing.T) {
		mock.Reset()
		mock.Enqueue("appX", "T", testutil.NewRateLimitResponse(""))

		req := httptest.NewRequest("GET", "/v0/appX/T", nil)
		req.Header.Set("Authorization", "Bearer keyProxy")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "30" {
			t.Errorf("Retry-After = %q, want 30", got)
		}
	})

	t.Run("upstream_not_found", func(t *testing.T) {
		mock.Reset()
		mock.Enqueue("appX", "T", testutil.NewErrorResponse(404, "TABLE_NOT_FOUND", "no such table"))

		req := httptest.NewRequest("GET", "/v0/appX/T", nil)
		req.Header.Set("Authorization", "Bearer keyProxy")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
		if !strings.Contains(w.Body.String(), "TABLE_NOT_FOUND") {
			t.Errorf("body = %s", w.Body.String())
		}
	})
}

func TestQueryHandler_AllowEnvCredential(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	t.Setenv("AIRTABLE_KEY", "keyServer")
	mock.SetPages("appX", "T", []map[string]any{testutil.NewRecord("rec1", nil)})

	mux := newServeMux(testClient(t, mock), nil, true, zerolog.Nop())
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/v0/appX/T", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := mock.Requests()[0].Header.Get("Authorization"); got != "Bearer keyServer" {
		t.Errorf("upstream Authorization = %q, want the server key", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", &client.RequestError{StatusCode: 401, Class: client.ErrorClassAuth}, 401},
		{"missing credential", fmt.Errorf("%w: none", client.ErrAuthentication), 401},
		{"configuration", fmt.Errorf("%w: table", client.ErrConfiguration), 400},
		{"client", &client.RequestError{StatusCode: 422, Class: client.ErrorClassClient}, 422},
		{"rate limit", &client.RequestError{StatusCode: 429, Class: client.ErrorClassRateLimit}, 429},
		{"server", &client.RequestError{StatusCode: 503, Class: client.ErrorClassServer}, 502},
		{"decode", &client.DecodeError{StatusCode: 200, Err: errors.New("bad")}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer keyABC", "keyABC", true},
		{"bearer  keyABC ", "keyABC", true},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestQueryOptions_Build(t *testing.T) {
	opts := &queryOptions{
		params:     []string{"sort[0][field]=Name", "cellFormat=json"},
		fields:     []string{"Name", "Notes"},
		maxRecords: 50,
		formula:    "{Done}=0",
		view:       "Grid view",
	}

	p, err := opts.build()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"sort[0][field]", "cellFormat", query.KeyFields, query.KeyMaxRecords, query.KeyFilterByFormula, query.KeyView}
	if got := strings.Join(p.Keys(), ","); got != strings.Join(want, ",") {
		t.Errorf("Keys() = %s, want %s", got, strings.Join(want, ","))
	}
	if v, _ := p.Get(query.KeyFields); len(v.([]string)) != 2 {
		t.Errorf("fields[] = %v", v)
	}
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"a=1", "b=x=y", "a=2", "a=3"})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Get("a"); strings.Join(v.([]string), ",") != "1,2,3" {
		t.Errorf("a = %v", v)
	}
	if v, _ := p.Get("b"); v != "x=y" {
		t.Errorf("b = %v", v)
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Error("expected error for a pair without '='")
	}
}

func TestRequestParams_BodyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.json")
	body := `{"records":[{"fields":{"Name":"New"}}],"typecast":false}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := requestParams(path, []string{"typecast=true"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(p.Keys(), ","); got != "records,typecast" {
		t.Errorf("Keys() = %s", got)
	}
	if v, _ := p.Get("typecast"); v != "true" {
		t.Errorf("typecast = %v, want flag override", v)
	}
}

func TestQueryCommand(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "keyFromEnv")

	mock.SetPages("appphImnhJO8AXmmo", "Table 1",
		[]map[string]any{testutil.NewRecord("recA", map[string]any{"Name": "Alpha"})},
		[]map[string]any{testutil.NewRecord("recB", map[string]any{"Name": "Beta"})},
	)

	out, err := runCLI(t, "query", "appphImnhJO8AXmmo", "Table 1", "--max-records", "2", "--field", "Name")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	var records []map[string]any
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("output is not a JSON array: %v (%s)", err, out)
	}
	if len(records) != 2 || records[0]["id"] != "recA" || records[1]["id"] != "recB" {
		t.Errorf("records = %v", records)
	}

	first := mock.Requests()[0]
	if first.RawQuery != "fields%5B%5D=Name&maxRecords=2" {
		t.Errorf("query = %q", first.RawQuery)
	}
	if got := first.Header.Get("Authorization"); got != "Bearer keyFromEnv" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestQueryCommand_TokenFlag(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "")
	mock.SetPages("appX", "T", nil)

	if _, err := runCLI(t, "query", "appX", "T", "--token", "keyFlag"); err != nil {
		t.Fatal(err)
	}
	if got := mock.Requests()[0].Header.Get("Authorization"); got != "Bearer keyFlag" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestQueryCommand_MissingToken(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "")

	_, err := runCLI(t, "query", "appX", "T")
	if !errors.Is(err, client.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	if mock.RequestCount() != 0 {
		t.Error("no request should be sent")
	}
}

func TestQueryCommand_FailurePrintsNothing(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "keyX")
	mock.Enqueue("appX", "T",
		testutil.NewPageResponse([]map[string]any{testutil.NewRecord("rec1", nil)}, "itr1"),
		testutil.NewServerErrorResponse(),
	)

	out, err := runCLI(t, "query", "appX", "T")
	if client.ClassOf(err) != client.ErrorClassServer {
		t.Errorf("expected server error, got %v", err)
	}
	if out != "" {
		t.Errorf("output = %q, want nothing on failure", out)
	}
}

func TestQueryCommand_Args(t *testing.T) {
	_, err := runCLI(t, "query", "appX")
	if err == nil || !strings.Contains(err.Error(), "accepts 2 arg(s)") {
		t.Errorf("expected arg count error, got %v", err)
	}
}

func TestRequestCommand_Post(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "keyX")
	mock.Enqueue("appX", "T", testutil.NewPageResponse([]map[string]any{testutil.NewRecord("recNew", nil)}, ""))

	path := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(path, []byte(`{"records":[{"fields":{"Name":"New"}}]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "request", "post", "appX", "T", "--body-file", path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(out, "recNew") {
		t.Errorf("output = %s", out)
	}

	req := mock.Requests()[0]
	if req.Method != http.MethodPost {
		t.Errorf("method = %s", req.Method)
	}
	if string(req.Body) != `{"records":[{"fields":{"Name":"New"}}]}` {
		t.Errorf("body = %s", req.Body)
	}
}

func TestRequestCommand_PrintsWholeResponse(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "keyX")
	mock.Enqueue("appX", "T", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"records":[{"id":"rec1","fields":{}}],"createdRecords":["rec1"],"updatedRecords":[]}`,
	})

	out, err := runCLI(t, "request", "patch", "appX", "T", "-p", "typecast=true")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, out)
	}
	if _, ok := resp["createdRecords"]; !ok {
		t.Errorf("createdRecords missing from output: %s", out)
	}
}

func TestExecute_ClosesRedisOnFailure(t *testing.T) {
	mock := testutil.NewMockAirtable()
	defer mock.Close()
	cliEnv(t, mock, "")
	t.Setenv("REDIS_URL", "127.0.0.1:1")

	root, a := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"query", "appX", "T"})

	if err := execute(root, a); err == nil {
		t.Fatal("expected an error without a token")
	}
	if a.client == nil {
		t.Fatal("setup did not run")
	}
	if a.redis != nil {
		t.Error("redis client left open after a failed command")
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.RequestCount())
	}
}
