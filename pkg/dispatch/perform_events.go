package dispatch

import (
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/session"
)

// withSender returns a copy of the payload stamped with the sender identity
func withSender(payload map[string]interface{}, sess *session.Session) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["userId"] = sess.UserID
	out["username"] = sess.Username
	return out
}

func (d *Dispatcher) handlePlayNote(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	d.batcher.OptimizedEmit(room.ID, "play_note", withSender(payload, sess), false)
	return nil
}

func (d *Dispatcher) handleStopAllNotes(conn namespace.Conn, sess *session.Session) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	d.emitRoom(room.ID, "stop_all_notes", map[string]interface{}{"userId": sess.UserID})
	return nil
}

func (d *Dispatcher) handleChangeInstrument(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	instrument := getString(payload, "instrument")
	category := getString(payload, "category")
	room.SetInstrument(sess.UserID, instrument, category)

	d.emitRoom(room.ID, "change_instrument", map[string]interface{}{
		"userId":     sess.UserID,
		"instrument": instrument,
		"category":   category,
	})
	return nil
}

func (d *Dispatcher) handleSetReady(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	ready := getBool(payload, "isReady")
	room.SetReady(sess.UserID, ready)

	d.emitRoom(room.ID, "ready_state_changed", map[string]interface{}{
		"userId":  sess.UserID,
		"isReady": ready,
	})
	return nil
}

func (d *Dispatcher) handleUpdateSynthParams(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	trackID := getString(payload, "trackId")
	if trackID == "" {
		return errors.NewValidationError("trackId is required")
	}
	params := getObject(payload, "params")
	if params == nil {
		return errors.NewValidationError("params must be an object")
	}

	d.store.Init(room.ID)
	if err := d.store.UpdateSynthParams(room.ID, trackID, params); err != nil {
		return err
	}

	d.batcher.OptimizedEmit(room.ID, "synth_params_updated", map[string]interface{}{
		"trackId": trackID,
		"params":  params,
		"userId":  sess.UserID,
	}, false)
	return nil
}

func (d *Dispatcher) handleRequestSynthParams(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	trackID := getString(payload, "trackId")
	return conn.Send("synth_params_state", map[string]interface{}{
		"trackId": trackID,
		"params":  d.store.SynthParams(room.ID, trackID),
	})
}

func (d *Dispatcher) handleUpdateEffectsChain(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	trackID := getString(payload, "trackId")
	if trackID == "" {
		return errors.NewValidationError("trackId is required")
	}
	chain, ok := payload["effectsChain"].([]interface{})
	if !ok {
		return errors.NewValidationError("effectsChain must be an array")
	}

	d.store.Init(room.ID)
	if err := d.store.UpdateSynthParams(room.ID, trackID, map[string]interface{}{
		"effectsChain": chain,
	}); err != nil {
		return err
	}

	d.batcher.OptimizedEmit(room.ID, "effects_chain_updated", map[string]interface{}{
		"trackId":      trackID,
		"effectsChain": chain,
		"userId":       sess.UserID,
	}, false)
	return nil
}

func (d *Dispatcher) handleUpdateMetronome(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	bpm, ok := getFloat(payload, "bpm")
	if !ok || bpm <= 0 {
		return errors.NewValidationError("bpm must be a positive number")
	}

	tickTs := d.clock.NowMs()
	room.SetMetronome(bpm, tickTs)

	d.emitRoom(room.ID, "metronome_updated", map[string]interface{}{
		"bpm":        bpm,
		"lastTickTs": tickTs,
		"userId":     sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRequestMetronomeState(conn namespace.Conn, sess *session.Session) error {
	_, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	return conn.Send("metronome_state", room.MetronomeState())
}

func (d *Dispatcher) handleChatMessage(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}

	d.emitRoom(room.ID, "chat_message", map[string]interface{}{
		"userId":    sess.UserID,
		"username":  sess.Username,
		"message":   getString(payload, "message"),
		"timestamp": d.clock.NowMs(),
	})
	return nil
}

func (d *Dispatcher) handleVoice(conn namespace.Conn, sess *session.Session, event string, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	if err := d.voice.ValidateVoiceEvent(event, room.ID, sess.UserID, payload); err != nil {
		return err
	}

	switch event {
	case "voice_offer", "voice_answer", "voice_ice_candidate":
		targetID := getString(payload, "targetUserId")
		if !room.HasUser(targetID) {
			return errors.NewNotFoundError("target is not a room member")
		}
		relayed := withSender(payload, sess)
		relayed["fromUserId"] = sess.UserID
		if !d.emitToUser(room.ID, targetID, event, relayed) {
			return errors.NewNetworkError("target connection is not reachable")
		}

	case "voice_join":
		room.VoiceJoin(sess.UserID)
		d.emitRoom(room.ID, "voice_user_joined", map[string]interface{}{
			"userId":   sess.UserID,
			"username": sess.Username,
		})

	case "voice_leave":
		room.VoiceLeave(sess.UserID)
		d.emitRoom(room.ID, "voice_user_left", map[string]interface{}{
			"userId": sess.UserID,
		})

	case "voice_mute":
		d.emitRoom(room.ID, "voice_user_muted", map[string]interface{}{
			"userId": sess.UserID,
			"muted":  getBool(payload, "muted"),
		})

	case "voice_participants":
		return conn.Send("voice_participants", map[string]interface{}{
			"participants": room.VoiceParticipants(),
		})
	}
	return nil
}

func (d *Dispatcher) handlePing(conn namespace.Conn, payload map[string]interface{}) error {
	if latency, ok := getFloat(payload, "lastLatencyMs"); ok {
		d.analytics.RecordLatency(latency)
	}
	timestamp, _ := getFloat(payload, "timestamp")
	return conn.Send("ping_response", map[string]interface{}{
		"pingId":          getString(payload, "pingId"),
		"timestamp":       timestamp,
		"serverTimestamp": d.clock.NowMs(),
	})
}

func (d *Dispatcher) handleStartAnalytics(sess *session.Session, payload map[string]interface{}) error {
	sessionID := getString(payload, "sessionId")
	userID, roomID := "", ""
	if sess != nil {
		userID, roomID = sess.UserID, sess.RoomID
	}
	d.analytics.StartSession(sessionID, userID, roomID)
	return nil
}

func (d *Dispatcher) handleEndAnalytics(payload map[string]interface{}) error {
	d.analytics.EndSession(getString(payload, "sessionId"))
	return nil
}
