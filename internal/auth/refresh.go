package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultRefreshTimeout = 15 * time.Second

// TokenSource hands out a bearer token for API calls and can mint a fresh one
// when the current token is rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed string. Refresh always fails;
// used when no refresh credentials are configured and in tests.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}

func (s StaticToken) Refresh(context.Context) (string, error) {
	return "", errors.New("auth: static token cannot be refreshed")
}

// RefreshManager exchanges a refresh token for a new access token and rewrites
// both token files atomically. Safe for concurrent use; concurrent Refresh
// calls are collapsed into one request.
type RefreshManager struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Files        TokenFiles
	HTTP         *http.Client

	mu           sync.Mutex
	refreshToken string
	access       string
	expiresAt    time.Time
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// NewRefreshManager seeds the manager; refreshToken may be empty when the
// refresh file exists and will be read lazily.
func NewRefreshManager(endpoint, clientID, clientSecret, refreshToken string, files TokenFiles) *RefreshManager {
	return &RefreshManager{
		Endpoint:     endpoint,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Files:        files,
		refreshToken: strings.TrimSpace(refreshToken),
	}
}

func (m *RefreshManager) SetRefreshToken(token string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.refreshToken = strings.TrimSpace(token)
	m.mu.Unlock()
}

// Token returns the cached access token, reading the access file first when
// nothing is cached yet. An expired cache triggers a refresh.
func (m *RefreshManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.access != "" && (m.expiresAt.IsZero() || time.Now().Before(m.expiresAt)) {
		tok := m.access
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if strings.TrimSpace(m.Files.AccessPath) != "" {
		if tok, err := m.Files.ReadAccess(); err == nil && tok != "" {
			m.mu.Lock()
			m.access = tok
			m.mu.Unlock()
			return tok, nil
		}
	}
	return m.Refresh(ctx)
}

// Refresh posts the refresh grant and rewrites the token files. The returned
// error wraps the server's error description when one is present.
func (m *RefreshManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refresh := m.refreshToken
	if refresh == "" && strings.TrimSpace(m.Files.RefreshPath) != "" {
		fromFile, err := m.Files.ReadRefresh()
		if err != nil {
			return "", fmt.Errorf("auth: read refresh token: %w", err)
		}
		refresh = fromFile
	}
	if refresh == "" {
		return "", errors.New("auth: no refresh token available")
	}

	reqCtx := ctx
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		reqCtx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
	}
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("auth: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("auth: read refresh response: %w", err)
	}

	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		if resp.StatusCode/100 != 2 {
			return "", fmt.Errorf("auth: refresh status %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return "", fmt.Errorf("auth: decode refresh response: %w", err)
	}
	if resp.StatusCode/100 != 2 || rr.AccessToken == "" {
		if rr.Error != "" {
			return "", fmt.Errorf("auth: refresh rejected: %s (%s)", rr.Error, rr.ErrorDesc)
		}
		return "", fmt.Errorf("auth: refresh status %s: empty access token", resp.Status)
	}

	m.access = rr.AccessToken
	if rr.ExpiresIn > 0 {
		// Shave a minute off so callers refresh before the server-side expiry.
		m.expiresAt = time.Now().Add(time.Duration(rr.ExpiresIn)*time.Second - time.Minute)
	} else {
		m.expiresAt = time.Time{}
	}
	if rr.RefreshToken != "" {
		m.refreshToken = rr.RefreshToken
	}

	if strings.TrimSpace(m.Files.AccessPath) != "" {
		if err := atomicWrite(m.Files.AccessPath, []byte(rr.AccessToken), 0o600); err != nil {
			return "", fmt.Errorf("auth: write access token: %w", err)
		}
	}
	if rr.RefreshToken != "" && strings.TrimSpace(m.Files.RefreshPath) != "" {
		if err := atomicWrite(m.Files.RefreshPath, []byte(rr.RefreshToken), 0o600); err != nil {
			return "", fmt.Errorf("auth: write refresh token: %w", err)
		}
	}

	return rr.AccessToken, nil
}
