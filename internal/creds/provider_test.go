package creds

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/commdesk/webphone/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenServer(t *testing.T, status int, response any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/webrtc-token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ClientType != "webphone" {
			t.Errorf("clientType = %q, want webphone", req.ClientType)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}))
}

func TestFetchTokenMode(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, tokenResponse{
		Success: true, Token: "jwt-abc", CallerIDNumber: "2001",
	})
	defer srv.Close()

	p := NewProvider(srv.URL, "console-secret", testLogger())
	got, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Token != "jwt-abc" {
		t.Errorf("token = %q", got.Token)
	}
	if got.AuthMode() != signaling.AuthToken {
		t.Errorf("auth mode = %q, want token", got.AuthMode())
	}
	if got.CallerIDNumber != "2001" {
		t.Errorf("caller id = %q", got.CallerIDNumber)
	}
}

func TestFetchPasswordMode(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, tokenResponse{
		Success: true, Username: "2001", Password: "pw", CallerIDNumber: "2001",
	})
	defer srv.Close()

	p := NewProvider(srv.URL, "", testLogger())
	got, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.AuthMode() != signaling.AuthPassword {
		t.Errorf("auth mode = %q, want password", got.AuthMode())
	}
	if got.Username != "2001" || got.Password != "pw" {
		t.Errorf("credentials = %+v", got)
	}
}

func TestFetchSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(tokenResponse{Success: true, Token: "x"})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "console-secret", testLogger())
	if _, err := p.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotAuth != "Bearer console-secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestFetchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"agent not allowed"}`))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", testLogger())
	_, err := p.Fetch(context.Background())

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error type = %T, want *CredentialError", err)
	}
	if credErr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", credErr.Status)
	}
	if credErr.Reason != "agent not allowed" {
		t.Errorf("reason = %q", credErr.Reason)
	}
}

func TestFetchBackendFailure(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, tokenResponse{Success: false})
	defer srv.Close()

	p := NewProvider(srv.URL, "", testLogger())
	_, err := p.Fetch(context.Background())

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error type = %T, want *CredentialError", err)
	}
}

func TestFetchNeitherTokenNorUsername(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, tokenResponse{Success: true})
	defer srv.Close()

	p := NewProvider(srv.URL, "", testLogger())
	_, err := p.Fetch(context.Background())

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error type = %T, want *CredentialError", err)
	}
	if credErr.Reason != "response contains neither token nor username" {
		t.Errorf("reason = %q", credErr.Reason)
	}
}

func TestFetchUnreachableBackend(t *testing.T) {
	p := NewProvider("http://127.0.0.1:1", "", testLogger())
	_, err := p.Fetch(context.Background())

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error type = %T, want *CredentialError", err)
	}
	if credErr.Unwrap() == nil {
		t.Error("transport failure should carry a wrapped error")
	}
}

func TestFetchHonorsContext(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, tokenResponse{Success: true, Token: "x"})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProvider(srv.URL, "", testLogger())
	if _, err := p.Fetch(ctx); err == nil {
		t.Error("expected error with cancelled context")
	}
}

func TestTokenPrecedence(t *testing.T) {
	c := Credentials{Token: "t", Username: "u", Password: "p"}
	if c.AuthMode() != signaling.AuthToken {
		t.Errorf("auth mode = %q, want token when both present", c.AuthMode())
	}
}
