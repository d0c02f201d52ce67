package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

func TestNewAPIKeyAuth(t *testing.T) {
	auth, err := NewAPIKeyAuth("", zap.NewNop())
	if err != nil || auth != nil {
		t.Errorf("empty key = %v, %v; want nil, nil", auth, err)
	}

	if _, err := NewAPIKeyAuth(strings.Repeat("k", 73), zap.NewNop()); !errors.Is(err, ErrAPIKeyTooLong) {
		t.Errorf("long key error = %v, want ErrAPIKeyTooLong", err)
	}

	auth, err = NewAPIKeyAuth("sk-local-test", nil)
	if err != nil {
		t.Fatalf("NewAPIKeyAuth() error: %v", err)
	}
	if string(auth.hash) == "sk-local-test" {
		t.Error("plaintext key retained")
	}

	tests := []struct {
		token string
		want  bool
	}{
		{"sk-local-test", true},
		{"sk-local-tes", false},
		{"", false},
		{strings.Repeat("x", 100), false},
	}
	for _, tt := range tests {
		if got := auth.Verify(tt.token); got != tt.want {
			t.Errorf("Verify(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAPIKeyAuth_Middleware(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Dependencies) { c.APIKey = "sk-local-test" })
	ctx := context.Background()

	_, err := env.client("wrong").ListModels(ctx)
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key error = %v, want 401 APIError", err)
	}
	if apiErr.Type != errTypeAuthentication {
		t.Errorf("error type = %q", apiErr.Type)
	}

	if _, err := env.client("sk-local-test").ListModels(ctx); err != nil {
		t.Errorf("valid key error: %v", err)
	}

	paths := []string{"/v1/models", "/v1/images/history", "/v1/metrics", "/ws"}
	for _, path := range paths {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without key = %d, want 401", path, resp.StatusCode)
		}
	}

	if n := len(env.gen.recorded()); n != 0 {
		t.Errorf("generator ran %d times", n)
	}
}

func TestAPIKeyAuth_NilPassesThrough(t *testing.T) {
	var auth *APIKeyAuth
	called := false
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil auth blocked the request")
	}
}
