package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRequestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RequestError
		contains []string
	}{
		{
			name: "structured api error",
			err: &RequestError{
				Method:     "GET",
				Path:       "/v0/appX/Table%201",
				StatusCode: 422,
				Class:      ErrorClassClient,
				Body:       []byte(`{"error":{"type":"INVALID_FILTER_BY_FORMULA","message":"The formula is invalid"}}`),
			},
			contains: []string{"client", "GET /v0/appX/Table%201", "status 422", "INVALID_FILTER_BY_FORMULA", "The formula is invalid"},
		},
		{
			name: "plain api error",
			err: &RequestError{
				Method:     "GET",
				Path:       "/v0/appX/T",
				StatusCode: 404,
				Class:      ErrorClassClient,
				Body:       []byte(`{"error":"NOT_FOUND"}`),
			},
			contains: []string{"status 404", "NOT_FOUND"},
		},
		{
			name: "non json body",
			err: &RequestError{
				Method:     "GET",
				Path:       "/v0/appX/T",
				StatusCode: 502,
				Class:      ErrorClassServer,
				Body:       []byte("<html>Bad Gateway</html>"),
			},
			contains: []string{"server", "status 502", "Bad Gateway"},
		},
		{
			name: "transport failure",
			err: &RequestError{
				Method: "GET",
				Path:   "/v0/appX/T",
				Class:  ErrorClassNetwork,
				Err:    errors.New("connection refused"),
			},
			contains: []string{"network", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestRequestError_TransportHasNoStatus(t *testing.T) {
	err := &RequestError{Method: "GET", Path: "/", Class: ErrorClassNetwork, Err: errors.New("eof")}
	if strings.Contains(err.Error(), "status") {
		t.Errorf("Error() = %q, should omit status for transport failures", err.Error())
	}
}

func TestRequestError_LongBodyTruncated(t *testing.T) {
	err := &RequestError{Class: ErrorClassServer, StatusCode: 500, Body: []byte(strings.Repeat("x", 500))}
	if msg := err.Error(); !strings.HasSuffix(msg, "...") {
		t.Errorf("Error() should truncate long bodies, got %d chars", len(msg))
	}
}

func TestRequestError_APIError(t *testing.T) {
	tests := []struct {
		body        string
		wantType    string
		wantMessage string
	}{
		{`{"error":{"type":"AUTHENTICATION_REQUIRED","message":"Authentication required"}}`, "AUTHENTICATION_REQUIRED", "Authentication required"},
		{`{"error":"NOT_FOUND"}`, "NOT_FOUND", ""},
		{`{"errors":[{"error":"RATE_LIMIT_REACHED"}]}`, "", ""},
		{`not json`, "", ""},
		{``, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			e := &RequestError{Body: []byte(tt.body)}
			typ, msg := e.APIError()
			if typ != tt.wantType || msg != tt.wantMessage {
				t.Errorf("APIError() = (%q, %q), want (%q, %q)", typ, msg, tt.wantType, tt.wantMessage)
			}
		})
	}
}

func TestRequestError_IsAuthentication(t *testing.T) {
	authErr := &RequestError{StatusCode: 401, Class: ErrorClassAuth}
	if !errors.Is(authErr, ErrAuthentication) {
		t.Error("401 should match ErrAuthentication")
	}

	wrapped := fmt.Errorf("query: %w", authErr)
	if !errors.Is(wrapped, ErrAuthentication) {
		t.Error("wrapped 401 should match ErrAuthentication")
	}

	serverErr := &RequestError{StatusCode: 500, Class: ErrorClassServer}
	if errors.Is(serverErr, ErrAuthentication) {
		t.Error("500 should not match ErrAuthentication")
	}
}

func TestRequestError_Unwrap(t *testing.T) {
	err := &RequestError{Class: ErrorClassRateLimit, Err: ErrPenaltyActive}
	if !errors.Is(err, ErrPenaltyActive) {
		t.Error("expected errors.Is to reach ErrPenaltyActive")
	}
}

func TestDecodeError(t *testing.T) {
	err := &DecodeError{StatusCode: 200, Body: []byte("[]"), Err: errNotObject}

	if !errors.Is(err, errNotObject) {
		t.Error("DecodeError should unwrap to the parse error")
	}
	if msg := err.Error(); !strings.Contains(msg, "status 200") || !strings.Contains(msg, "[]") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"request error", &RequestError{Class: ErrorClassServer}, ErrorClassServer},
		{"wrapped request error", fmt.Errorf("x: %w", &RequestError{Class: ErrorClassRateLimit}), ErrorClassRateLimit},
		{"decode error", &DecodeError{Err: errNotObject}, ErrorClassDecode},
		{"missing credential", fmt.Errorf("%w: no token", ErrAuthentication), ErrorClassAuth},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server", &RequestError{Class: ErrorClassServer}, true},
		{"rate limit", &RequestError{Class: ErrorClassRateLimit}, true},
		{"network", &RequestError{Class: ErrorClassNetwork, Err: errors.New("reset")}, true},
		{"cancelled network", &RequestError{Class: ErrorClassNetwork, Err: context.Canceled}, false},
		{"client", &RequestError{Class: ErrorClassClient}, false},
		{"auth", &RequestError{Class: ErrorClassAuth}, false},
		{"decode", &DecodeError{Err: errNotObject}, false},
		{"configuration", ErrConfiguration, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{401, ErrorClassAuth},
		{403, ErrorClassAuth},
		{404, ErrorClassClient},
		{422, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}
