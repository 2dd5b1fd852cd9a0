package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeValidation, "missing roomId")
	if err.Error() != "[VALIDATION_ERROR] missing roomId" {
		t.Errorf("Unexpected format: %s", err.Error())
	}

	wrapped := Wrap(CodeRoomState, "apply failed", stderrors.New("region gone"))
	if !strings.Contains(wrapped.Error(), "region gone") {
		t.Errorf("Wrapped error should include cause: %s", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := Wrap(CodeNetwork, "relay failed", cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(New(CodeRateLimited, "slow down")) != CodeRateLimited {
		t.Error("Expected RATE_LIMITED")
	}
	if CodeOf(stderrors.New("plain")) != CodeInternal {
		t.Error("Uncoded errors should map to INTERNAL")
	}
	if CodeOf(fmt.Errorf("wrapped: %w", New(CodeSession, "gone"))) != CodeSession {
		t.Error("CodeOf should see through fmt wrapping")
	}
}

func TestToEnvelope(t *testing.T) {
	err := NewRateLimitedError(12)
	env := ToEnvelope(err)

	if env.Error.Code != CodeRateLimited {
		t.Errorf("Expected RATE_LIMITED, got %s", env.Error.Code)
	}
	if env.Error.RetryAfter != 12 {
		t.Errorf("Expected retryAfter 12, got %d", env.Error.RetryAfter)
	}

	data, _ := json.Marshal(env)
	if !strings.Contains(string(data), `"retryAfter":12`) {
		t.Errorf("Envelope JSON missing retryAfter: %s", data)
	}
}

func TestToEnvelopeHidesInternalDetail(t *testing.T) {
	env := ToEnvelope(stderrors.New("connection string postgres://secret"))
	if env.Error.Code != CodeInternal {
		t.Errorf("Expected INTERNAL, got %s", env.Error.Code)
	}
	if strings.Contains(env.Error.Message, "secret") {
		t.Error("Internal envelope should not leak the underlying message")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewConflictError("element locked").WithDetails(map[string]string{"elementId": "reg1"})
	env := ToEnvelope(err)
	details, ok := env.Error.Details.(map[string]string)
	if !ok || details["elementId"] != "reg1" {
		t.Errorf("Expected details to round-trip, got %#v", env.Error.Details)
	}
}
