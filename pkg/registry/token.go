package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const tokenFile = "cluster.token"

// TokenManager holds the shared cluster join token
type TokenManager struct {
	mu    sync.RWMutex
	token string
}

// NewTokenManager creates a token manager for token. An empty token is
// replaced by a freshly generated one.
func NewTokenManager(token string) (*TokenManager, error) {
	if token == "" {
		var err error
		if token, err = GenerateToken(); err != nil {
			return nil, err
		}
	}
	return &TokenManager{token: token}, nil
}

// LoadOrCreateToken reads the token persisted in dataDir, generating and
// saving one on first start. An explicit token always wins and is persisted.
func LoadOrCreateToken(dataDir, explicit string) (*TokenManager, error) {
	path := filepath.Join(dataDir, tokenFile)

	if explicit == "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if token := strings.TrimSpace(string(data)); token != "" {
				return &TokenManager{token: token}, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read token: %w", err)
		}
	}

	tm, err := NewTokenManager(explicit)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(tm.Token()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return tm, nil
}

// ReadToken returns the token persisted in dataDir without creating one
func ReadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, tokenFile))
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file in %s is empty", dataDir)
	}
	return token, nil
}

// GenerateToken returns 32 random bytes, hex encoded
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// Token returns the current token
func (tm *TokenManager) Token() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.token
}

// Validate compares a presented token in constant time
func (tm *TokenManager) Validate(token string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(token), []byte(tm.token)) == 1
}

// Rotate replaces the token. Nodes that already joined are unaffected.
func (tm *TokenManager) Rotate() (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	tm.mu.Lock()
	tm.token = token
	tm.mu.Unlock()
	return token, nil
}
