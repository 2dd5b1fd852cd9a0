// Package auth issues and verifies API keys and short-lived room tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
)

// apiKeyBytes is the entropy of a freshly minted key
const apiKeyBytes = 32

// RoomTokenTTL bounds how long an issued room token is accepted
const RoomTokenTTL = 24 * time.Hour

// Service mints API keys (stored as bcrypt hashes) and signs room tokens
type Service struct {
	mu     sync.RWMutex
	hashes map[string][]byte // key id -> bcrypt hash

	secret []byte
	clock  clock.Clock
}

// NewService creates a service signing tokens with the secret
func NewService(secret []byte, clk clock.Clock) *Service {
	return &Service{
		hashes: make(map[string][]byte),
		secret: secret,
		clock:  clk,
	}
}

// IssueAPIKey mints a key and stores only its bcrypt hash. The plaintext is
// returned once and never kept.
func (s *Service) IssueAPIKey(keyID string) (string, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}

	s.mu.Lock()
	s.hashes[keyID] = hash
	s.mu.Unlock()

	return plaintext, nil
}

// VerifyAPIKey checks a presented key against the stored hash
func (s *Service) VerifyAPIKey(keyID, presented string) error {
	s.mu.RLock()
	hash, ok := s.hashes[keyID]
	s.mu.RUnlock()

	if !ok {
		return errors.NewPermissionError("unknown API key")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(presented)); err != nil {
		return errors.NewPermissionError("invalid API key")
	}
	return nil
}

// RevokeAPIKey forgets a key id
func (s *Service) RevokeAPIKey(keyID string) {
	s.mu.Lock()
	delete(s.hashes, keyID)
	s.mu.Unlock()
}

// IssueRoomToken signs a token binding (roomID, userID) until the TTL
// elapses. Format: roomID.userID.expiresMs.signature.
func (s *Service) IssueRoomToken(roomID, userID string) string {
	expires := s.clock.Now().Add(RoomTokenTTL).UnixMilli()
	payload := fmt.Sprintf("%s.%s.%d", roomID, userID, expires)
	return payload + "." + s.sign(payload)
}

// VerifyRoomToken checks the signature and expiry, returning the bound
// identities
func (s *Service) VerifyRoomToken(token string) (roomID, userID string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", errors.NewPermissionError("malformed room token")
	}

	payload := strings.Join(parts[:3], ".")
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[3])) {
		return "", "", errors.NewPermissionError("room token signature mismatch")
	}

	expires, parseErr := strconv.ParseInt(parts[2], 10, 64)
	if parseErr != nil {
		return "", "", errors.NewPermissionError("malformed room token expiry")
	}
	if s.clock.Now().UnixMilli() > expires {
		return "", "", errors.NewPermissionError("room token expired")
	}

	return parts[0], parts[1], nil
}

func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
