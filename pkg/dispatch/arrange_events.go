package dispatch

import (
	"context"
	"strings"

	"github.com/jamfoundry/jamcore/pkg/arrange"
	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/session"
	"github.com/jamfoundry/jamcore/pkg/storage"
)

func (d *Dispatcher) handleRequestState(conn namespace.Conn, sess *session.Session) error {
	_, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}
	return conn.Send("state_sync", d.store.Init(room.ID))
}

func (d *Dispatcher) handleTrackAdd(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	source := payload
	if obj := getObject(payload, "track"); obj != nil {
		source = obj
	}
	track, err := decodeTrack(source)
	if err != nil {
		return err
	}
	if track.ID == "" {
		track.ID = clock.NewID(clock.KindTrack)
	}

	if err := d.store.AddTrack(room.ID, track); err != nil {
		return err
	}
	d.emitRoom(room.ID, "track_added", map[string]interface{}{
		"track":  track,
		"userId": sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleTrackUpdate(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	trackID := getString(payload, "trackId")
	updates := getObject(payload, "updates")
	if trackID == "" || updates == nil {
		return errors.NewValidationError("trackId and updates are required")
	}
	patch, err := decodeTrackPatch(updates)
	if err != nil {
		return err
	}

	if err := d.store.UpdateTrack(room.ID, sess.UserID, trackID, patch); err != nil {
		return err
	}
	d.emitRoom(room.ID, "track_updated", map[string]interface{}{
		"trackId": trackID,
		"updates": updates,
		"userId":  sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleTrackRemove(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	trackID := getString(payload, "trackId")
	removed, err := d.store.RemoveTrack(room.ID, sess.UserID, trackID)
	if err != nil {
		return err
	}
	d.reclaimAudio(room.ID, removed)

	d.emitRoom(room.ID, "track_removed", map[string]interface{}{
		"trackId": trackID,
		"userId":  sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleTrackReorder(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	raw, ok := payload["trackIds"].([]interface{})
	if !ok {
		return errors.NewValidationError("trackIds must be an array")
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			return errors.NewValidationError("trackIds must contain strings")
		}
		ids = append(ids, id)
	}

	if err := d.store.ReorderTracks(room.ID, ids); err != nil {
		return err
	}
	d.emitRoom(room.ID, "tracks_reordered", map[string]interface{}{
		"trackIds": ids,
		"userId":   sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRegionAdd(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	source := payload
	if obj := getObject(payload, "region"); obj != nil {
		source = obj
	}
	region, err := decodeRegion(source)
	if err != nil {
		return err
	}
	if region.ID == "" {
		region.ID = clock.NewID(clock.KindRegion)
	}

	if err := d.store.AddRegion(room.ID, region); err != nil {
		return err
	}
	d.emitRoom(room.ID, "region_added", map[string]interface{}{
		"region": region,
		"userId": sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRegionUpdate(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	regionID := getString(payload, "regionId")
	updates := getObject(payload, "updates")
	if regionID == "" || updates == nil {
		return errors.NewValidationError("regionId and updates are required")
	}
	patch, err := decodeRegionPatch(updates)
	if err != nil {
		return err
	}

	if err := d.store.UpdateRegion(room.ID, sess.UserID, regionID, patch); err != nil {
		return err
	}
	d.emitRoom(room.ID, "region_updated", map[string]interface{}{
		"regionId": regionID,
		"updates":  updates,
		"userId":   sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRegionMove(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	regionID := getString(payload, "regionId")
	delta, ok := getFloat(payload, "deltaBeats")
	if regionID == "" || !ok {
		return errors.NewValidationError("regionId and deltaBeats are required")
	}

	newStart, err := d.store.MoveRegion(room.ID, sess.UserID, regionID, delta)
	if err != nil {
		return err
	}
	d.emitRoom(room.ID, "region_moved", map[string]interface{}{
		"regionId": regionID,
		"newStart": newStart,
		"userId":   sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRegionRemove(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	regionID := getString(payload, "regionId")
	removed, err := d.store.RemoveRegion(room.ID, sess.UserID, regionID)
	if err != nil {
		return err
	}
	d.reclaimAudio(room.ID, []*arrange.Region{removed})

	d.emitRoom(room.ID, "region_removed", map[string]interface{}{
		"regionId": regionID,
		"userId":   sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleRegionDragged(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	drags, err := decodeDrags(payload)
	if err != nil {
		return err
	}
	accepted, err := d.store.BatchDrag(room.ID, sess.UserID, drags)
	if err != nil {
		return err
	}
	if len(accepted) == 0 {
		return nil
	}
	d.emitRoom(room.ID, "region_dragged", map[string]interface{}{
		"updates": accepted,
		"userId":  sess.UserID,
	})
	return nil
}

// handleNotes substitutes a midi region's note list; add/update/remove all
// carry the authoritative list after the edit
func (d *Dispatcher) handleNotes(conn namespace.Conn, sess *session.Session, event string, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	regionID := getString(payload, "regionId")
	if regionID == "" {
		return errors.NewValidationError("regionId is required")
	}
	raw, ok := payload["notes"].([]interface{})
	if !ok {
		return errors.NewValidationError("notes must be an array")
	}
	notes, err := decodeNotes(raw)
	if err != nil {
		return err
	}

	patch := arrange.RegionPatch{Notes: &notes}
	if sustain, ok := payload["sustainEvents"].([]interface{}); ok {
		var events []arrange.SustainEvent
		if err := reshape(sustain, &events); err != nil {
			return err
		}
		patch.SustainEvents = &events
	}

	if err := d.store.UpdateRegion(room.ID, sess.UserID, regionID, patch); err != nil {
		return err
	}

	// arrange:note_add -> note_added, etc.
	broadcast := strings.TrimPrefix(event, "arrange:") + "d"
	if strings.HasSuffix(event, "_add") {
		broadcast = "note_added"
	}
	d.emitRoom(room.ID, broadcast, map[string]interface{}{
		"regionId": regionID,
		"notes":    notes,
		"userId":   sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleBPMChanged(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	bpm, ok := getFloat(payload, "bpm")
	if !ok {
		return errors.NewValidationError("bpm must be a number")
	}
	if err := d.store.SetBPM(room.ID, bpm); err != nil {
		return err
	}
	d.emitRoom(room.ID, "bpm_changed", map[string]interface{}{
		"bpm":    bpm,
		"userId": sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleTimeSignatureChanged(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	numerator, okN := getFloat(payload, "numerator")
	denominator, okD := getFloat(payload, "denominator")
	if !okN || !okD {
		return errors.NewValidationError("numerator and denominator are required")
	}
	ts := arrange.TimeSignature{Numerator: int(numerator), Denominator: int(denominator)}
	if err := d.store.SetTimeSignature(room.ID, ts); err != nil {
		return err
	}
	d.emitRoom(room.ID, "time_signature_changed", map[string]interface{}{
		"numerator":   ts.Numerator,
		"denominator": ts.Denominator,
		"userId":      sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleSelectionChanged(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	// Absent keys keep the current selection; null clears it
	var trackID *string
	if v, present := payload["selectedTrackId"]; present {
		s, _ := v.(string)
		trackID = &s
	}
	var regionIDs *[]string
	if v, present := payload["selectedRegionIds"]; present {
		ids := []string{}
		if raw, ok := v.([]interface{}); ok {
			for _, item := range raw {
				if id, ok := item.(string); ok {
					ids = append(ids, id)
				}
			}
		}
		regionIDs = &ids
	}

	if err := d.store.UpdateSelection(room.ID, trackID, regionIDs); err != nil {
		return err
	}

	out := map[string]interface{}{
		"userId":   sess.UserID,
		"username": sess.Username,
	}
	if trackID != nil {
		out["selectedTrackId"] = *trackID
	}
	if regionIDs != nil {
		out["selectedRegionIds"] = *regionIDs
	}
	d.emitRoomExcept(room.ID, conn.ID(), "selection_changed", out)
	return nil
}

func (d *Dispatcher) handleLockAcquire(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	elementID := getString(payload, "elementId")
	lockType := arrange.LockType(getString(payload, "type"))

	info := arrange.LockInfo{
		UserID:    sess.UserID,
		Username:  sess.Username,
		Type:      lockType,
		Timestamp: d.clock.NowMs(),
	}
	ok, held := d.store.AcquireLock(room.ID, elementID, info)
	if !ok {
		lockedBy := ""
		if held != nil {
			lockedBy = held.Username
		}
		conn.Send("lock_conflict", map[string]interface{}{
			"elementId": elementID,
			"lockedBy":  lockedBy,
		})
		return nil
	}

	d.emitRoom(room.ID, "lock_acquired", map[string]interface{}{
		"elementId": elementID,
		"userId":    info.UserID,
		"username":  info.Username,
		"type":      info.Type,
		"timestamp": info.Timestamp,
	})
	return nil
}

func (d *Dispatcher) handleLockRelease(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	elementID := getString(payload, "elementId")
	if held := d.store.IsLocked(room.ID, elementID); held != nil && held.UserID != sess.UserID {
		return errors.NewPermissionError("lock is held by another user")
	}
	if !d.store.ReleaseLock(room.ID, elementID, sess.UserID) {
		// Releasing an absent lock is a no-op
		return nil
	}

	d.emitRoom(room.ID, "lock_released", map[string]interface{}{
		"elementId": elementID,
		"userId":    sess.UserID,
	})
	return nil
}

// handleRelayExceptSender forwards ephemeral preview traffic to everyone but
// the sender, with no state mutation
func (d *Dispatcher) handleRelayExceptSender(conn namespace.Conn, sess *session.Session, event string, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}
	broadcast := strings.TrimPrefix(event, "arrange:")
	d.emitRoomExcept(room.ID, conn.ID(), broadcast, withSender(payload, sess))
	return nil
}

func (d *Dispatcher) handleMarkerAdd(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	source := payload
	if obj := getObject(payload, "marker"); obj != nil {
		source = obj
	}
	marker, err := decodeMarker(source)
	if err != nil {
		return err
	}
	if marker.ID == "" {
		marker.ID = clock.NewID(clock.KindMarker)
	}

	if err := d.store.AddMarker(room.ID, marker); err != nil {
		return err
	}
	d.emitRoom(room.ID, "marker_added", map[string]interface{}{
		"marker": marker,
		"userId": sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleMarkerUpdate(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	source := payload
	if obj := getObject(payload, "marker"); obj != nil {
		source = obj
	}
	marker, err := decodeMarker(source)
	if err != nil {
		return err
	}
	if marker.ID == "" {
		return errors.NewValidationError("marker id is required")
	}

	if err := d.store.UpdateMarker(room.ID, marker); err != nil {
		return err
	}
	d.emitRoom(room.ID, "marker_updated", map[string]interface{}{
		"marker": marker,
		"userId": sess.UserID,
	})
	return nil
}

func (d *Dispatcher) handleMarkerRemove(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.arrangeSession(sess)
	if err != nil {
		return err
	}

	markerID := getString(payload, "markerId")
	if err := d.store.RemoveMarker(room.ID, markerID); err != nil {
		return err
	}
	d.emitRoom(room.ID, "marker_removed", map[string]interface{}{
		"markerId": markerID,
		"userId":   sess.UserID,
	})
	return nil
}

// reclaimAudio deletes the blobs of removed audio regions once the surviving
// region set holds no other reference. A blob shared by several removed
// regions is deleted at most once.
func (d *Dispatcher) reclaimAudio(roomID string, removed []*arrange.Region) {
	seen := make(map[string]struct{})
	for _, reg := range removed {
		if reg == nil || reg.Type != arrange.TrackAudio {
			continue
		}
		storageID := reg.AudioFileID
		if storageID == "" {
			storageID = storage.StorageIDFromURL(reg.AudioURL)
		}
		if storageID == "" {
			continue
		}
		if _, dup := seen[storageID]; dup {
			continue
		}
		seen[storageID] = struct{}{}

		if d.store.HasAudioReference(roomID, reg.AudioFileID, reg.AudioURL) {
			continue
		}
		if err := d.audio.DeleteRegionAudio(context.Background(), roomID, storageID); err != nil {
			d.logger.Warn("Failed to reclaim region audio",
				logger.String("room_id", roomID),
				logger.String("storage_id", storageID),
				logger.Err(err),
			)
		}
	}
}
