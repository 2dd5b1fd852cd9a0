package validate

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/jamfoundry/jamcore/pkg/errors"
)

const (
	// maxSDPLength caps session descriptions
	maxSDPLength = 10000

	// maxCandidateLength caps ICE candidate strings
	maxCandidateLength = 1000

	// maxConstraintDepth caps media-constraint nesting
	maxConstraintDepth = 3
)

// dangerousPatterns are rejected anywhere inside SDP or candidate text
var dangerousPatterns = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"<script",
	"onload=",
	"onerror=",
}

// VoiceValidator applies the WebRTC-specific validation layer on top of the
// schema validator. MemberCheck answers whether a user is currently in a room.
type VoiceValidator struct {
	MemberCheck func(roomID, userID string) bool
}

// ValidateVoiceEvent runs the full voice validation for one signaling event.
// The caller identity comes from the session, never from the payload.
func (v *VoiceValidator) ValidateVoiceEvent(event, roomID, callerUserID string, payload map[string]interface{}) error {
	if callerUserID == "" {
		return errors.NewPermissionError("voice signaling requires an authenticated session")
	}
	if v.MemberCheck != nil && !v.MemberCheck(roomID, callerUserID) {
		return errors.NewPermissionError("caller is not a member of the room")
	}

	switch event {
	case "voice_offer":
		return v.validateDescription(payload, "offer", callerUserID)
	case "voice_answer":
		return v.validateDescription(payload, "answer", callerUserID)
	case "voice_ice_candidate":
		return v.validateCandidate(payload, callerUserID)
	case "voice_join":
		if constraints, ok := payload["mediaConstraints"]; ok {
			if depthOf(constraints) > maxConstraintDepth {
				return errors.NewValidationError("media constraints nest too deeply")
			}
		}
		return nil
	case "voice_leave", "voice_mute", "voice_participants":
		return nil
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown voice event: %s", event))
	}
}

func (v *VoiceValidator) validateDescription(payload map[string]interface{}, key, callerUserID string) error {
	if err := v.checkTarget(payload, callerUserID); err != nil {
		return err
	}

	desc, ok := payload[key].(map[string]interface{})
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("missing %s description", key))
	}

	rawType, _ := desc["type"].(string)
	sdpType := webrtc.NewSDPType(rawType)
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return errors.NewValidationError(fmt.Sprintf("invalid SDP type: %s", rawType))
	}

	sdp, _ := desc["sdp"].(string)
	if sdp == "" {
		return errors.NewValidationError("empty SDP")
	}
	if len(sdp) > maxSDPLength {
		return errors.NewValidationError(fmt.Sprintf("SDP exceeds %d characters", maxSDPLength))
	}
	if pattern := findDangerous(sdp); pattern != "" {
		return errors.NewValidationError("SDP contains disallowed content").
			WithDetails(map[string]string{"pattern": pattern})
	}

	return nil
}

func (v *VoiceValidator) validateCandidate(payload map[string]interface{}, callerUserID string) error {
	if err := v.checkTarget(payload, callerUserID); err != nil {
		return err
	}

	cand, ok := payload["candidate"].(map[string]interface{})
	if !ok {
		return errors.NewValidationError("missing ICE candidate")
	}

	candidate, _ := cand["candidate"].(string)
	if len(candidate) > maxCandidateLength {
		return errors.NewValidationError(fmt.Sprintf("ICE candidate exceeds %d characters", maxCandidateLength))
	}
	if pattern := findDangerous(candidate); pattern != "" {
		return errors.NewValidationError("ICE candidate contains disallowed content").
			WithDetails(map[string]string{"pattern": pattern})
	}

	return nil
}

func (v *VoiceValidator) checkTarget(payload map[string]interface{}, callerUserID string) error {
	target, _ := payload["targetUserId"].(string)
	if target == "" {
		return errors.NewValidationError("missing targetUserId")
	}
	if target == callerUserID {
		return errors.NewValidationError("cannot signal to self")
	}
	return nil
}

func findDangerous(s string) string {
	lowered := strings.ToLower(s)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowered, pattern) {
			return pattern
		}
	}
	return ""
}
