package booking

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// storedToken is the on-disk token shape.
type storedToken struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

// TokenStorage persists the token pair as JSON at a fixed path with
// owner-only permissions.
type TokenStorage struct {
	path string
}

func NewTokenStorage(path string) *TokenStorage {
	if dir := filepath.Dir(path); dir != "." {
		os.MkdirAll(dir, 0700)
	}
	return &TokenStorage{path: path}
}

func (s *TokenStorage) Save(tok *oauth2.Token) error {
	st := storedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Load returns (nil, nil) when no token has been saved yet.
func (s *TokenStorage) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

func (s *TokenStorage) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token file: %w", err)
	}
	return nil
}
