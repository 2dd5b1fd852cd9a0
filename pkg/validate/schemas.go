package validate

// defaultSchemas returns the schemas for every validated event kind.
// Arrange mutations are intentionally absent: their handlers enforce
// preconditions against room state directly.
func defaultSchemas() []Schema {
	return []Schema{
		{
			Event: "join_room",
			Fields: []Field{
				{Name: "roomId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "username", Type: TypeString, Required: true, MaxLen: 64},
				{Name: "role", Type: TypeString, Enum: []string{"band_member", "audience"}},
			},
		},
		{
			Event: "create_room",
			Fields: []Field{
				{Name: "name", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "username", Type: TypeString, Required: true, MaxLen: 64},
				{Name: "isPrivate", Type: TypeBool},
				{Name: "isHidden", Type: TypeBool},
				{Name: "roomType", Type: TypeString, Enum: []string{"perform", "arrange"}},
			},
		},
		{
			Event: "chat_message",
			Fields: []Field{
				{Name: "message", Type: TypeString, Required: true, MaxLen: 500},
			},
		},
		{
			Event: "transfer_ownership",
			Fields: []Field{
				{Name: "newOwnerId", Type: TypeString, Required: true, MaxLen: 128},
			},
		},
		{
			Event: "member_action",
			Fields: []Field{
				{Name: "targetUserId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "action", Type: TypeString, Required: true, Enum: []string{"kick", "mute", "promote", "demote"}},
			},
		},
		{
			Event: "update_metronome",
			Fields: []Field{
				{Name: "bpm", Type: TypeNumber, Required: true},
			},
		},

		// Voice signaling
		{
			Event: "voice_offer",
			Fields: []Field{
				{Name: "targetUserId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "offer", Type: TypeObject, Required: true, MaxDepth: 3},
			},
		},
		{
			Event: "voice_answer",
			Fields: []Field{
				{Name: "targetUserId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "answer", Type: TypeObject, Required: true, MaxDepth: 3},
			},
		},
		{
			Event: "voice_ice_candidate",
			Fields: []Field{
				{Name: "targetUserId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "candidate", Type: TypeObject, Required: true, MaxDepth: 3},
			},
		},
		{
			Event: "voice_join",
			Fields: []Field{
				{Name: "mediaConstraints", Type: TypeObject, MaxDepth: 3},
			},
		},
		{
			Event:  "voice_leave",
			Fields: []Field{},
		},
		{
			Event: "voice_mute",
			Fields: []Field{
				{Name: "muted", Type: TypeBool, Required: true},
			},
		},
		{
			Event:  "voice_participants",
			Fields: []Field{},
		},

		// Approval flow
		{
			Event: "approval_request",
			Fields: []Field{
				{Name: "roomId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "username", Type: TypeString, Required: true, MaxLen: 64},
				{Name: "role", Type: TypeString, Enum: []string{"band_member", "audience"}},
			},
		},
		{
			Event: "approval_response",
			Fields: []Field{
				{Name: "userId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "approved", Type: TypeBool, Required: true},
			},
		},
		{
			Event: "approval_cancel",
			Fields: []Field{
				{Name: "roomId", Type: TypeString, MaxLen: 128},
			},
		},

		// Lock payloads carry the element and claim type
		{
			Event: "arrange:lock_acquire",
			Fields: []Field{
				{Name: "elementId", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "type", Type: TypeString, Required: true, Enum: []string{"region", "track", "track_property"}},
			},
		},

		// Analytics session accounting
		{
			Event: "start_analytics_session",
			Fields: []Field{
				{Name: "sessionId", Type: TypeString, Required: true, MaxLen: 128},
			},
		},
		{
			Event: "end_analytics_session",
			Fields: []Field{
				{Name: "sessionId", Type: TypeString, Required: true, MaxLen: 128},
			},
		},
	}
}
