package validate

import (
	"strings"
	"testing"

	"github.com/jamfoundry/jamcore/pkg/errors"
)

func TestValidateUnknownEvent(t *testing.T) {
	v := New()

	err := v.Validate("no_such_event", map[string]interface{}{})
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Errorf("Unknown event should be a validation error, got %v", err)
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	v := New()

	err := v.Validate("join_room", map[string]interface{}{
		"roomId": "room_1",
	})
	if err == nil {
		t.Fatal("Missing username should fail")
	}
	if !strings.Contains(err.Error(), "username") {
		t.Errorf("Error should name the missing field, got %q", err.Error())
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	v := New()

	err := v.Validate("chat_message", map[string]interface{}{
		"message": 42,
	})
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Errorf("Number where string expected should fail, got %v", err)
	}
}

func TestValidateMaxLen(t *testing.T) {
	v := New()

	err := v.Validate("chat_message", map[string]interface{}{
		"message": strings.Repeat("x", 501),
	})
	if err == nil {
		t.Error("501-char chat message should exceed the 500 cap")
	}

	if err := v.Validate("chat_message", map[string]interface{}{
		"message": strings.Repeat("x", 500),
	}); err != nil {
		t.Errorf("500-char chat message should pass, got %v", err)
	}
}

func TestValidateEnum(t *testing.T) {
	v := New()

	err := v.Validate("member_action", map[string]interface{}{
		"targetUserId": "user_1",
		"action":       "banish",
	})
	if err == nil {
		t.Error("Unknown member action should fail the enum check")
	}

	if err := v.Validate("member_action", map[string]interface{}{
		"targetUserId": "user_1",
		"action":       "kick",
	}); err != nil {
		t.Errorf("kick should pass, got %v", err)
	}
}

func TestValidateUnknownFieldsTolerated(t *testing.T) {
	v := New()

	if err := v.Validate("chat_message", map[string]interface{}{
		"message": "hi",
		"extra":   "ignored",
	}); err != nil {
		t.Errorf("Unknown payload fields should pass through, got %v", err)
	}
}

func TestValidateObjectDepth(t *testing.T) {
	v := New()

	deep := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{
				"c": map[string]interface{}{
					"d": 1,
				},
			},
		},
	}
	err := v.Validate("voice_join", map[string]interface{}{
		"mediaConstraints": deep,
	})
	if err == nil {
		t.Error("Depth-4 constraints should exceed the depth-3 cap")
	}

	shallow := map[string]interface{}{
		"audio": map[string]interface{}{"echoCancellation": true},
	}
	if err := v.Validate("voice_join", map[string]interface{}{
		"mediaConstraints": shallow,
	}); err != nil {
		t.Errorf("Depth-2 constraints should pass, got %v", err)
	}
}

func TestDepthOf(t *testing.T) {
	if d := depthOf(map[string]interface{}{"a": 1}); d != 1 {
		t.Errorf("Flat map should be depth 1, got %d", d)
	}
	if d := depthOf("scalar"); d != 0 {
		t.Errorf("Scalar should be depth 0, got %d", d)
	}
	nested := map[string]interface{}{
		"a": []interface{}{
			map[string]interface{}{"b": 1},
		},
	}
	if d := depthOf(nested); d != 2 {
		t.Errorf("Map holding an array of maps should be depth 2, got %d", d)
	}
}

func validDescription(kind string) map[string]interface{} {
	return map[string]interface{}{
		"type": kind,
		"sdp":  "v=0\r\no=- 46117317 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
	}
}

func TestVoiceOfferValid(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"offer":        validDescription("offer"),
	})
	if err != nil {
		t.Errorf("Well-formed offer should pass, got %v", err)
	}
}

func TestVoiceOfferBadSDPType(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"offer": map[string]interface{}{
			"type": "rollback",
			"sdp":  "v=0\r\n",
		},
	})
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Errorf("Non offer/answer SDP type should fail, got %v", err)
	}
}

func TestVoiceOfferOversizedSDP(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"offer": map[string]interface{}{
			"type": "offer",
			"sdp":  strings.Repeat("a", maxSDPLength+1),
		},
	})
	if err == nil {
		t.Error("SDP over the length cap should fail")
	}
}

func TestVoiceOfferDangerousContent(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"offer": map[string]interface{}{
			"type": "offer",
			"sdp":  "v=0\r\na=JAVASCRIPT:alert(1)\r\n",
		},
	})
	if err == nil {
		t.Error("Script scheme inside SDP should fail regardless of case")
	}
}

func TestVoiceSelfTargetRejected(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_a",
		"offer":        validDescription("offer"),
	})
	if err == nil {
		t.Error("Signaling to self should fail")
	}
}

func TestVoiceCallerMustBeMember(t *testing.T) {
	vv := &VoiceValidator{
		MemberCheck: func(roomID, userID string) bool { return userID == "user_b" },
	}

	err := vv.ValidateVoiceEvent("voice_offer", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"offer":        validDescription("offer"),
	})
	if errors.CodeOf(err) != errors.CodePermissionDenied {
		t.Errorf("Non-member caller should be denied, got %v", err)
	}
}

func TestVoiceIceCandidate(t *testing.T) {
	vv := &VoiceValidator{}

	err := vv.ValidateVoiceEvent("voice_ice_candidate", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"candidate": map[string]interface{}{
			"candidate":     "candidate:1 1 UDP 2122252543 192.168.1.5 49203 typ host",
			"sdpMid":        "0",
			"sdpMLineIndex": float64(0),
		},
	})
	if err != nil {
		t.Errorf("Well-formed ICE candidate should pass, got %v", err)
	}

	err = vv.ValidateVoiceEvent("voice_ice_candidate", "room_1", "user_a", map[string]interface{}{
		"targetUserId": "user_b",
		"candidate": map[string]interface{}{
			"candidate": strings.Repeat("c", maxCandidateLength+1),
		},
	})
	if err == nil {
		t.Error("ICE candidate over the length cap should fail")
	}
}
