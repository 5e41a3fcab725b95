// Package creds fetches short-lived signaling credentials from the console
// backend. It is stateless: one request, one response, no retries — retry
// policy belongs to the session manager.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/commdesk/webphone/internal/signaling"
)

// CredentialError indicates the backend could not issue usable signaling
// credentials. The session manager maps it to the error state with a
// manual reconnect affordance.
type CredentialError struct {
	Status int
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching credentials: %v", e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetching credentials: backend returned status %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("fetching credentials: %s", e.Reason)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Credentials are the signaling credentials issued by the backend. Either
// Token or Username+Password is populated; AuthMode reports which.
type Credentials struct {
	Token          string
	Username       string
	Password       string
	CallerIDNumber string
}

// AuthMode returns the auth mode the credentials support. Token takes
// precedence when both are present.
func (c Credentials) AuthMode() signaling.AuthMode {
	if c.Token != "" {
		return signaling.AuthToken
	}
	return signaling.AuthPassword
}

// tokenRequest is the payload sent to POST /webrtc-token.
type tokenRequest struct {
	ClientType string `json:"clientType"`
}

// tokenResponse is the backend's response shape.
type tokenResponse struct {
	Success        bool   `json:"success"`
	Token          string `json:"token"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	CallerIDNumber string `json:"callerIdNumber"`
}

// Provider is an HTTP client for the credential endpoint.
type Provider struct {
	httpClient   *http.Client
	baseURL      string
	consoleToken string
	logger       *slog.Logger
}

// NewProvider creates a credential provider. baseURL is the console backend
// (e.g. "https://console.example.com/api"); consoleToken authenticates the
// agent with the backend and may be empty for cookie-forwarded deployments.
func NewProvider(baseURL, consoleToken string, logger *slog.Logger) *Provider {
	return &Provider{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		baseURL:      baseURL,
		consoleToken: consoleToken,
		logger:       logger.With("subsystem", "creds"),
	}
}

// Fetch requests signaling credentials. It fails with a *CredentialError
// when the backend responds non-success or returns neither a token nor a
// username/password pair.
func (p *Provider) Fetch(ctx context.Context) (Credentials, error) {
	body, err := json.Marshal(tokenRequest{ClientType: "webphone"})
	if err != nil {
		return Credentials{}, &CredentialError{Err: fmt.Errorf("marshalling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/webrtc-token", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, &CredentialError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.consoleToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.consoleToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credentials{}, &CredentialError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		return Credentials{}, &CredentialError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, &CredentialError{Status: resp.StatusCode, Reason: trimReason(respBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return Credentials{}, &CredentialError{Err: fmt.Errorf("decoding response: %w", err)}
	}

	if !tr.Success {
		return Credentials{}, &CredentialError{Reason: "backend reported failure"}
	}

	// Neither auth mode present is a hard failure: there is nothing to
	// configure the signaling client with.
	if tr.Token == "" && tr.Username == "" {
		return Credentials{}, &CredentialError{Reason: "response contains neither token nor username"}
	}

	creds := Credentials{
		Token:          tr.Token,
		Username:       tr.Username,
		Password:       tr.Password,
		CallerIDNumber: tr.CallerIDNumber,
	}

	p.logger.Debug("credentials issued",
		"auth_mode", string(creds.AuthMode()),
		"caller_id", creds.CallerIDNumber,
	)
	return creds, nil
}

// trimReason extracts a short reason string from an error response body.
func trimReason(body []byte) string {
	var env struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		return env.Error
	}
	if len(body) > 120 {
		body = body[:120]
	}
	return string(body)
}
