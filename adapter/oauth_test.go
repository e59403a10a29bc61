package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// mockTokenServer records grant types and answers per grant with a status code
type mockTokenServer struct {
	server *httptest.Server

	mu       sync.Mutex
	grants   []string
	requests []map[string]string
	status   map[string]int
}

func newMockTokenServer(t *testing.T, status map[string]int) *mockTokenServer {
	t.Helper()
	m := &mockTokenServer{status: status}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	user, secret, _ := r.BasicAuth()

	grant := r.PostForm.Get("grant_type")
	fields := map[string]string{
		"basic_user":                 user,
		"basic_secret":               secret,
		"username":                   r.PostForm.Get("username"),
		"password":                   r.PostForm.Get("password"),
		"refresh_token":              r.PostForm.Get("refresh_token"),
		"scope":                      r.PostForm.Get("scope"),
		"takeExclusiveSignOnControl": r.PostForm.Get("takeExclusiveSignOnControl"),
	}

	m.mu.Lock()
	m.grants = append(m.grants, grant)
	m.requests = append(m.requests, fields)
	call := len(m.grants)
	m.mu.Unlock()

	if code, ok := m.status[grant]; ok && code != http.StatusOK {
		http.Error(w, `{"error":"invalid_grant"}`, code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":300}`, call, call)
}

func (m *mockTokenServer) tokenURL() string {
	return m.server.URL + "/" + DefaultTokenPath
}

func (m *mockTokenServer) recorded() ([]string, []map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.grants...), append([]map[string]string(nil), m.requests...)
}

func newTestProvider(t *testing.T, m *mockTokenServer) *PasswordGrantProvider {
	return NewPasswordGrantProvider(m.tokenURL(), "alice", "secret-pw", "client-secret", DefaultScope,
		m.server.Client(), zaptest.NewLogger(t))
}

func TestPasswordGrantProvider_PasswordSignOn(t *testing.T) {
	server := newMockTokenServer(t, nil)
	provider := newTestProvider(t, server)

	token, err := provider.Token(context.Background(), "")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	if token.AccessToken != "access-1" || token.RefreshToken != "refresh-1" {
		t.Errorf("unexpected token: %+v", token)
	}
	if token.ExpiresIn != 300*time.Second {
		t.Errorf("Expected expires_in 300s, got %v", token.ExpiresIn)
	}

	grants, requests := server.recorded()
	if len(grants) != 1 || grants[0] != "password" {
		t.Fatalf("Expected one password grant, got %v", grants)
	}
	req := requests[0]
	checks := map[string]string{
		"basic_user":                 "alice",
		"basic_secret":               "client-secret",
		"username":                   "alice",
		"password":                   "secret-pw",
		"scope":                      DefaultScope,
		"takeExclusiveSignOnControl": "true",
	}
	for field, want := range checks {
		if req[field] != want {
			t.Errorf("Expected %s=%q, got %q", field, want, req[field])
		}
	}
}

func TestPasswordGrantProvider_RefreshGrant(t *testing.T) {
	server := newMockTokenServer(t, nil)
	provider := newTestProvider(t, server)

	token, err := provider.Token(context.Background(), "refresh-0")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.AccessToken != "access-1" {
		t.Errorf("Expected access-1, got %s", token.AccessToken)
	}

	grants, requests := server.recorded()
	if len(grants) != 1 || grants[0] != "refresh_token" {
		t.Fatalf("Expected one refresh grant, got %v", grants)
	}
	if requests[0]["refresh_token"] != "refresh-0" {
		t.Errorf("Expected refresh_token refresh-0, got %q", requests[0]["refresh_token"])
	}
	if requests[0]["username"] != "alice" {
		t.Errorf("Expected username on refresh grant, got %q", requests[0]["username"])
	}
	if requests[0]["takeExclusiveSignOnControl"] != "true" {
		t.Error("Expected takeExclusiveSignOnControl on refresh grant")
	}
}

func TestPasswordGrantProvider_RefreshUnauthorizedFallsBackToPassword(t *testing.T) {
	server := newMockTokenServer(t, map[string]int{"refresh_token": http.StatusUnauthorized})
	provider := newTestProvider(t, server)

	token, err := provider.Token(context.Background(), "expired")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.AccessToken != "access-2" {
		t.Errorf("Expected token from second request, got %s", token.AccessToken)
	}

	grants, _ := server.recorded()
	if len(grants) != 2 || grants[0] != "refresh_token" || grants[1] != "password" {
		t.Errorf("Expected refresh then password grant, got %v", grants)
	}
}

func TestPasswordGrantProvider_FallbackIsOneShot(t *testing.T) {
	server := newMockTokenServer(t, map[string]int{
		"refresh_token": http.StatusUnauthorized,
		"password":      http.StatusUnauthorized,
	})
	provider := newTestProvider(t, server)

	_, err := provider.Token(context.Background(), "expired")

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", authErr.StatusCode)
	}

	grants, _ := server.recorded()
	if len(grants) != 2 {
		t.Errorf("Expected exactly two requests, got %v", grants)
	}
}

func TestPasswordGrantProvider_NoFallbackForOtherFailures(t *testing.T) {
	tests := []struct {
		name         string
		refreshToken string
		status       map[string]int
		wantStatus   int
	}{
		{
			name:         "password grant unauthorized",
			refreshToken: "",
			status:       map[string]int{"password": http.StatusUnauthorized},
			wantStatus:   http.StatusUnauthorized,
		},
		{
			name:         "refresh grant server error",
			refreshToken: "refresh-0",
			status:       map[string]int{"refresh_token": http.StatusInternalServerError},
			wantStatus:   http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockTokenServer(t, tt.status)
			provider := newTestProvider(t, server)

			_, err := provider.Token(context.Background(), tt.refreshToken)

			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("Expected AuthError, got %v", err)
			}
			if authErr.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, authErr.StatusCode)
			}
			grants, _ := server.recorded()
			if len(grants) != 1 {
				t.Errorf("Expected a single request, got %v", grants)
			}
		})
	}
}

func TestBuildTokenURL(t *testing.T) {
	got := BuildTokenURL("api.example.com", 443, "/"+DefaultTokenPath)
	want := "https://api.example.com:443/auth/oauth2/beta1/token"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}
