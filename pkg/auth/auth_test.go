package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewService([]byte("test-secret"), clk), clk
}

func TestAPIKeyIssueAndVerify(t *testing.T) {
	s, _ := newTestService(t)

	key, err := s.IssueAPIKey("service_a")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if key == "" {
		t.Fatal("Plaintext key should be returned")
	}

	if err := s.VerifyAPIKey("service_a", key); err != nil {
		t.Errorf("Fresh key should verify, got %v", err)
	}
	if err := s.VerifyAPIKey("service_a", key+"x"); errors.CodeOf(err) != errors.CodePermissionDenied {
		t.Errorf("Tampered key should be denied, got %v", err)
	}
	if err := s.VerifyAPIKey("service_b", key); errors.CodeOf(err) != errors.CodePermissionDenied {
		t.Errorf("Unknown key id should be denied, got %v", err)
	}
}

func TestAPIKeyRevoke(t *testing.T) {
	s, _ := newTestService(t)

	key, _ := s.IssueAPIKey("service_a")
	s.RevokeAPIKey("service_a")

	if err := s.VerifyAPIKey("service_a", key); err == nil {
		t.Error("Revoked key should be denied")
	}
}

func TestRoomTokenRoundTrip(t *testing.T) {
	s, _ := newTestService(t)

	token := s.IssueRoomToken("room_1", "alice")
	roomID, userID, err := s.VerifyRoomToken(token)
	if err != nil {
		t.Fatalf("VerifyRoomToken: %v", err)
	}
	if roomID != "room_1" || userID != "alice" {
		t.Errorf("Token should bind identities, got %s/%s", roomID, userID)
	}
}

func TestRoomTokenTamperingDetected(t *testing.T) {
	s, _ := newTestService(t)

	token := s.IssueRoomToken("room_1", "alice")
	forged := strings.Replace(token, "alice", "mallory", 1)

	if _, _, err := s.VerifyRoomToken(forged); err == nil {
		t.Error("Forged token should be rejected")
	}
	if _, _, err := s.VerifyRoomToken("not.a.token"); err == nil {
		t.Error("Malformed token should be rejected")
	}
}

func TestRoomTokenExpiry(t *testing.T) {
	s, clk := newTestService(t)

	token := s.IssueRoomToken("room_1", "alice")
	clk.Advance(RoomTokenTTL + time.Minute)

	if _, _, err := s.VerifyRoomToken(token); err == nil {
		t.Error("Expired token should be rejected")
	}
}
