package booking

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// refreshCooldown is how long a failed refresh blocks further attempts.
// Repeated callers inside the window get the cached failure instead of
// hammering the auth service.
const refreshCooldown = 30 * time.Second

// TokenManager owns the access/refresh token pair. All refreshing goes
// through a single mutex-guarded section: concurrent callers wait for the
// in-flight refresh instead of racing their own.
type TokenManager struct {
	conf  *oauth2.Config
	store *TokenStorage
	log   *slog.Logger

	mu           sync.Mutex
	token        *oauth2.Token
	lastFailAt   time.Time
	lastFailErr  error
	storageTried bool
}

func NewTokenManager(conf *oauth2.Config, store *TokenStorage, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{conf: conf, store: store, log: logger}
}

// SetToken installs a token pair obtained out of band (the login flow lives
// outside this SDK) and persists it.
func (m *TokenManager) SetToken(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	m.lastFailErr = nil
	if m.store != nil {
		if err := m.store.Save(tok); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
	}
	return nil
}

// Clear drops the cached token and removes the stored copy.
func (m *TokenManager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.lastFailErr = nil
	if m.store != nil {
		return m.store.Delete()
	}
	return nil
}

// AccessToken returns a currently valid access token, refreshing if needed.
// Returns ErrNoToken when there is nothing to refresh with, and a
// session-expired error when the auth service rejects the refresh.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return "", err
	}
	if m.token == nil {
		return "", ErrNoToken
	}
	if m.token.Valid() {
		return m.token.AccessToken, nil
	}
	if m.token.RefreshToken == "" {
		return "", ErrNoToken
	}
	if m.lastFailErr != nil && time.Since(m.lastFailAt) < refreshCooldown {
		return "", fmt.Errorf("token refresh on cooldown: %w", m.lastFailErr)
	}

	tok, err := m.conf.TokenSource(ctx, m.token).Token()
	if err != nil {
		m.lastFailAt = time.Now()
		m.lastFailErr = err
		m.log.Warn("token refresh failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	m.lastFailErr = nil
	m.adoptLocked(tok)
	return tok.AccessToken, nil
}

// HTTPClient returns an *http.Client that injects Authorization headers and
// refreshes transparently. Tokens minted during requests are persisted.
func (m *TokenManager) HTTPClient(ctx context.Context) (*http.Client, error) {
	m.mu.Lock()
	if err := m.loadLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	tok := m.token
	m.mu.Unlock()
	if tok == nil {
		return nil, ErrNoToken
	}
	src := oauth2.ReuseTokenSource(tok, &persistingSource{
		m:    m,
		base: m.conf.TokenSource(ctx, tok),
	})
	return oauth2.NewClient(ctx, src), nil
}

// loadLocked lazily pulls a stored token from disk, once.
func (m *TokenManager) loadLocked() error {
	if m.token != nil || m.storageTried || m.store == nil {
		return nil
	}
	m.storageTried = true
	tok, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load stored token: %w", err)
	}
	if tok != nil && (tok.AccessToken != "" || tok.RefreshToken != "") {
		m.token = tok
		m.log.Debug("loaded stored token", "expires", tok.Expiry)
	}
	return nil
}

// adoptLocked caches a freshly minted token and persists it. Persist
// failures are logged, not fatal; the in-memory token still works.
func (m *TokenManager) adoptLocked(tok *oauth2.Token) {
	if tok.RefreshToken == "" && m.token != nil {
		tok.RefreshToken = m.token.RefreshToken
	}
	m.token = tok
	if m.store != nil {
		if err := m.store.Save(tok); err != nil {
			m.log.Warn("persisting refreshed token failed", "error", err)
		}
	}
}

// persistingSource wraps a refreshing TokenSource so rotated tokens make it
// back into the manager's cache and storage.
type persistingSource struct {
	m    *TokenManager
	base oauth2.TokenSource
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	p.m.mu.Lock()
	p.m.adoptLocked(tok)
	p.m.mu.Unlock()
	return tok, nil
}
