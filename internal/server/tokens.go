package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

// tokenStore keeps one reconnect token per user. Only bcrypt hashes are held,
// so the plaintext token exists only in the welcome frame sent to the client.
type tokenStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
	cost   int
}

func newTokenStore(cost int) *tokenStore {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	return &tokenStore{
		hashes: make(map[string][]byte),
		cost:   cost,
	}
}

// Generate returns a new plaintext token and its hash without storing
// anything. The user's current token stays valid until Commit.
func (ts *tokenStore) Generate() (string, []byte, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), ts.cost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	return token, hash, nil
}

// Commit makes hash the user's current token, invalidating the previous one.
func (ts *tokenStore) Commit(userId string, hash []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.hashes[userId] = hash
}

// Verify reports whether token is the one most recently issued for userId.
func (ts *tokenStore) Verify(userId, token string) bool {
	if token == "" {
		return false
	}

	ts.mu.RLock()
	hash, ok := ts.hashes[userId]
	ts.mu.RUnlock()
	if !ok {
		return false
	}

	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

func (ts *tokenStore) Revoke(userId string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.hashes, userId)
}
