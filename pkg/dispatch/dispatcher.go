package dispatch

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/jamfoundry/jamcore/pkg/admission"
	"github.com/jamfoundry/jamcore/pkg/analytics"
	"github.com/jamfoundry/jamcore/pkg/approval"
	"github.com/jamfoundry/jamcore/pkg/arrange"
	"github.com/jamfoundry/jamcore/pkg/auth"
	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/ratelimit"
	"github.com/jamfoundry/jamcore/pkg/recovery"
	"github.com/jamfoundry/jamcore/pkg/repository"
	"github.com/jamfoundry/jamcore/pkg/session"
	"github.com/jamfoundry/jamcore/pkg/storage"
	"github.com/jamfoundry/jamcore/pkg/validate"
)

// Deps are the collaborators a Dispatcher is wired from. Everything is
// injected; the dispatcher owns no background goroutines of its own.
type Deps struct {
	Config     *config.Config
	Rooms      *Rooms
	Sessions   *session.Registry
	Arrange    *arrange.Store
	Namespaces *namespace.Manager
	Approvals  *approval.Coordinator
	Admission  *admission.Controller
	Limiter    *ratelimit.Limiter
	Faults     *recovery.Handler
	Analytics  *analytics.Tracker
	Audio      *storage.RegionAudio
	Auth       *auth.Service
	Repository repository.RoomRepository
	Clock      clock.Clock
	Logger     logger.Logger
}

// pendingJoin holds a join deferred while its connection waits in the
// admission queue
type pendingJoin struct {
	payload map[string]interface{}
}

// Dispatcher is the room event router: it resolves the caller's session,
// validates and rate-limits the event, applies the state mutation, and fans
// the result out to the room namespace.
type Dispatcher struct {
	cfg        *config.Config
	rooms      *Rooms
	sessions   *session.Registry
	store      *arrange.Store
	namespaces *namespace.Manager
	approvals  *approval.Coordinator
	admission  *admission.Controller
	batcher    *admission.Batcher
	limiter    *ratelimit.Limiter
	validator  *validate.Validator
	voice      *validate.VoiceValidator
	faults     *recovery.Handler
	analytics  *analytics.Tracker
	audio      *storage.RegionAudio
	auth       *auth.Service
	repo       repository.RoomRepository

	mu           sync.Mutex
	pendingJoins map[string]pendingJoin

	clock  clock.Clock
	logger logger.Logger
}

// New wires a dispatcher and registers it as the handler for grace expiry,
// approval timeouts, and admission-queue promotions.
func New(d Deps) *Dispatcher {
	disp := &Dispatcher{
		cfg:          d.Config,
		rooms:        d.Rooms,
		sessions:     d.Sessions,
		store:        d.Arrange,
		namespaces:   d.Namespaces,
		approvals:    d.Approvals,
		admission:    d.Admission,
		limiter:      d.Limiter,
		validator:    validate.New(),
		faults:       d.Faults,
		analytics:    d.Analytics,
		audio:        d.Audio,
		auth:         d.Auth,
		repo:         d.Repository,
		pendingJoins: make(map[string]pendingJoin),
		clock:        d.Clock,
		logger:       d.Logger,
	}

	disp.batcher = admission.NewBatcher(d.Config.Admission, disp.emitRoom, d.Logger)
	disp.voice = &validate.VoiceValidator{
		MemberCheck: func(roomID, userID string) bool {
			room := disp.rooms.Get(roomID)
			return room != nil && room.HasUser(userID)
		},
	}

	d.Sessions.SetExpiredHandler(disp.onGraceExpired)
	d.Approvals.SetExpireHandler(disp.onApprovalExpired)
	d.Admission.SetAdmitHandler(disp.onAdmitted)

	return disp
}

// Dispatch routes one event from a connection. Handler errors surface to the
// caller as an error envelope; nothing propagates to other members.
func (d *Dispatcher) Dispatch(conn namespace.Conn, event string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	sess := d.sessions.Get(conn.ID())
	if sess != nil {
		d.sessions.Touch(conn.ID())
	}

	if d.validator.Has(event) {
		if err := d.validator.Validate(event, payload); err != nil {
			d.fail(conn, sess, event, err)
			return
		}
	}

	if kind, limited := rateKind(event); limited {
		identity := conn.RemoteIP()
		if sess != nil && sess.UserID != "" {
			identity = sess.UserID
		}
		if res := d.limiter.Allow(identity, kind); !res.Allowed {
			d.fail(conn, sess, event, errors.NewRateLimitedError(res.RetryAfter))
			return
		}
	}

	if err := d.route(conn, sess, event, payload); err != nil {
		d.fail(conn, sess, event, err)
	}
}

func (d *Dispatcher) route(conn namespace.Conn, sess *session.Session, event string, payload map[string]interface{}) error {
	switch event {
	case "create_room":
		return d.handleCreateRoom(conn, payload)
	case "join_room":
		return d.handleJoinRoom(conn, payload)
	case "leave_room":
		return d.handleLeaveRoom(conn)
	case "transfer_ownership":
		return d.handleTransferOwnership(conn, sess, payload)
	case "member_action":
		return d.handleMemberAction(conn, sess, payload)
	case "approval_response":
		return d.handleApprovalResponse(conn, sess, payload)
	case "approval_cancel":
		return d.handleApprovalCancel(conn)

	case "play_note":
		return d.handlePlayNote(conn, sess, payload)
	case "stop_all_notes":
		return d.handleStopAllNotes(conn, sess)
	case "change_instrument":
		return d.handleChangeInstrument(conn, sess, payload)
	case "set_ready":
		return d.handleSetReady(conn, sess, payload)
	case "update_synth_params":
		return d.handleUpdateSynthParams(conn, sess, payload)
	case "request_synth_params":
		return d.handleRequestSynthParams(conn, sess, payload)
	case "update_effects_chain":
		return d.handleUpdateEffectsChain(conn, sess, payload)
	case "update_metronome":
		return d.handleUpdateMetronome(conn, sess, payload)
	case "request_metronome_state":
		return d.handleRequestMetronomeState(conn, sess)
	case "chat_message":
		return d.handleChatMessage(conn, sess, payload)

	case "voice_offer", "voice_answer", "voice_ice_candidate",
		"voice_join", "voice_leave", "voice_mute", "voice_participants":
		return d.handleVoice(conn, sess, event, payload)

	case "lobby_subscribe":
		return d.handleLobbySubscribe(conn)
	case "lobby_unsubscribe":
		return d.handleLobbyUnsubscribe(conn)

	case "ping_measurement":
		return d.handlePing(conn, payload)
	case "start_analytics_session":
		return d.handleStartAnalytics(sess, payload)
	case "end_analytics_session":
		return d.handleEndAnalytics(payload)

	case "arrange:request_state":
		return d.handleRequestState(conn, sess)
	case "arrange:track_add":
		return d.handleTrackAdd(conn, sess, payload)
	case "arrange:track_update":
		return d.handleTrackUpdate(conn, sess, payload)
	case "arrange:track_remove":
		return d.handleTrackRemove(conn, sess, payload)
	case "arrange:track_reorder":
		return d.handleTrackReorder(conn, sess, payload)
	case "arrange:region_add":
		return d.handleRegionAdd(conn, sess, payload)
	case "arrange:region_update":
		return d.handleRegionUpdate(conn, sess, payload)
	case "arrange:region_move":
		return d.handleRegionMove(conn, sess, payload)
	case "arrange:region_remove":
		return d.handleRegionRemove(conn, sess, payload)
	case "arrange:region_dragged":
		return d.handleRegionDragged(conn, sess, payload)
	case "arrange:note_add", "arrange:note_update", "arrange:note_remove":
		return d.handleNotes(conn, sess, event, payload)
	case "arrange:bpm_changed":
		return d.handleBPMChanged(conn, sess, payload)
	case "arrange:time_signature_changed":
		return d.handleTimeSignatureChanged(conn, sess, payload)
	case "arrange:selection_changed":
		return d.handleSelectionChanged(conn, sess, payload)
	case "arrange:lock_acquire":
		return d.handleLockAcquire(conn, sess, payload)
	case "arrange:lock_release":
		return d.handleLockRelease(conn, sess, payload)
	case "arrange:recording_preview", "arrange:recording_preview_end",
		"arrange:broadcast_state", "arrange:broadcast_note":
		return d.handleRelayExceptSender(conn, sess, event, payload)
	case "arrange:marker_add":
		return d.handleMarkerAdd(conn, sess, payload)
	case "arrange:marker_update":
		return d.handleMarkerUpdate(conn, sess, payload)
	case "arrange:marker_remove":
		return d.handleMarkerRemove(conn, sess, payload)
	}

	return errors.NewValidationError("unknown event: " + event)
}

// rateKind maps rate-limited events to their limiter kind
func rateKind(event string) (ratelimit.EventKind, bool) {
	switch event {
	case "play_note":
		return ratelimit.EventPlayNote, true
	case "chat_message":
		return ratelimit.EventChatMessage, true
	case "voice_offer":
		return ratelimit.EventVoiceOffer, true
	case "voice_answer":
		return ratelimit.EventVoiceAnswer, true
	case "voice_ice_candidate":
		return ratelimit.EventVoiceIceCandidate, true
	case "update_synth_params":
		return ratelimit.EventUpdateSynthParams, true
	case "update_effects_chain":
		return ratelimit.EventUpdateEffectsChain, true
	case "create_room":
		return ratelimit.EventCreateRoom, true
	case "join_room":
		return ratelimit.EventJoinRoom, true
	case "change_instrument":
		return ratelimit.EventChangeInstrument, true
	}
	return "", false
}

// fail converts a handler error into the caller-visible outcome. Lock
// conflicts short-circuit into lock_conflict to the sender only; everything
// else goes through fault classification.
func (d *Dispatcher) fail(conn namespace.Conn, sess *session.Session, event string, err error) {
	var conflict *arrange.LockConflictError
	if stderrors.As(err, &conflict) {
		conn.Send("lock_conflict", map[string]interface{}{
			"elementId": conflict.ElementID,
			"lockedBy":  conflict.LockedBy,
		})
		return
	}

	ctx := recovery.Context{ConnectionID: conn.ID(), Event: event}
	if sess != nil {
		ctx.RoomID = sess.RoomID
		ctx.UserID = sess.UserID
	}
	out := d.faults.Handle(err, ctx)

	switch out.Action {
	case recovery.ActionDisconnectSocket:
		conn.Close("critical_error")

	case recovery.ActionCleanupSession:
		if out.Envelope != nil {
			conn.Send("error", out.Envelope)
		}
		d.HandleDisconnect(conn.ID())
		conn.Close("session_error")

	case recovery.ActionResetRoomState, recovery.ActionSendErrorResponse:
		if out.Envelope != nil {
			conn.Send("error", out.Envelope)
		}

	case recovery.ActionLogOnly:
	}
}

// HandleDisconnect reacts to a closed socket: approval sessions are
// cancelled, queued connections dropped, and room sessions moved into grace.
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.mu.Lock()
	delete(d.pendingJoins, connID)
	d.mu.Unlock()

	sess := d.sessions.Get(connID)
	if sess == nil {
		return
	}

	switch sess.Kind {
	case session.KindApproval:
		d.cancelApproval(connID, sess, "disconnect")
	case session.KindRoom:
		d.enterGrace(connID, sess, false)
	default:
		d.sessions.Detach(connID)
	}
}

// enterGrace detaches a room session, releases the user's locks, and records
// a grace entry so a quick reconnect restores their place
func (d *Dispatcher) enterGrace(connID string, sess *session.Session, intended bool) {
	roomID := sess.RoomID
	room := d.rooms.Get(roomID)

	snapshot := session.UserSnapshot{Username: sess.Username, Role: sess.Role}
	if room != nil {
		if u := room.GetUser(sess.UserID); u != nil {
			snapshot = session.UserSnapshot{
				Username:   u.Username,
				Role:       u.Role,
				Instrument: u.CurrentInstrument,
				Category:   u.CurrentCategory,
				IsReady:    u.IsReady,
			}
		}
	}

	for _, elementID := range d.store.ReleaseUserLocks(roomID, sess.UserID) {
		d.emitRoom(roomID, "lock_released", map[string]interface{}{
			"elementId": elementID,
			"userId":    sess.UserID,
		})
	}

	d.sessions.AddGrace(sess.UserID, roomID, snapshot, intended)
	d.sessions.Detach(connID)
	if ns := d.namespaces.Lookup(namespace.RoomPath(roomID)); ns != nil {
		ns.Leave(connID)
	}
	d.admission.Release(roomID)
	d.analytics.EndSessionsForUser(sess.UserID)

	d.logger.Debug("Session entered grace",
		logger.String("room_id", roomID),
		logger.String("user_id", sess.UserID),
		logger.Bool("intended", intended),
	)
}

// onGraceExpired finalizes departures whose grace window lapsed
func (d *Dispatcher) onGraceExpired(expired map[string][]*session.GraceEntry) {
	for roomID, entries := range expired {
		for _, entry := range entries {
			d.finalizeDeparture(roomID, entry.UserID)
		}
	}
}

// finalizeDeparture removes the user from the room for good and broadcasts
// user_left. Repeated finalization for an already-removed user is a no-op.
func (d *Dispatcher) finalizeDeparture(roomID, userID string) {
	room := d.rooms.Get(roomID)
	if room == nil {
		return
	}

	u := room.RemoveUser(userID)
	if u == nil {
		return
	}

	d.emitRoom(roomID, "user_left", map[string]interface{}{
		"userId":   u.UserID,
		"username": u.Username,
	})

	if room.Owner() == userID {
		remaining := room.Users()
		if len(remaining) > 0 {
			next := remaining[0]
			room.SetOwner(next.UserID)
			d.persistRoom(room)
			d.emitRoom(roomID, "ownership_transferred", map[string]interface{}{
				"previousOwnerId": userID,
				"newOwnerId":      next.UserID,
			})
		}
	}

	if room.UserCount() == 0 {
		d.closeRoom(roomID)
		return
	}
	d.publishLobbyUpdate(room)
}

// closeRoom tears down a room whose last member departed. The repository
// record survives; only live state is reclaimed.
func (d *Dispatcher) closeRoom(roomID string) {
	d.rooms.Remove(roomID)
	d.store.Clear(roomID)
	d.approvals.CleanupRoom(roomID)
	d.namespaces.Dispose(namespace.RoomPath(roomID), "room_closed")
	d.namespaces.Dispose(namespace.ApprovalPath(roomID), "room_closed")
	d.emitLobby("lobby_room_closed", map[string]interface{}{"roomId": roomID})
	d.logger.Info("Room closed", logger.String("room_id", roomID))
}

// onApprovalExpired notifies both sides of a timed-out approval and drops the
// requester
func (d *Dispatcher) onApprovalExpired(s *approval.Session) {
	path := namespace.ApprovalPath(s.RoomID)
	if ns := d.namespaces.Lookup(path); ns != nil {
		ns.EmitTo(s.ConnectionID, "approval_timed_out", map[string]interface{}{
			"roomId": s.RoomID,
		})
		if conn := d.connIn(path, s.ConnectionID); conn != nil {
			conn.Close("approval_timeout")
		}
		ns.Leave(s.ConnectionID)
	}
	d.sessions.Detach(s.ConnectionID)

	if room := d.rooms.Get(s.RoomID); room != nil {
		d.emitToUser(s.RoomID, room.Owner(), "approval_cancelled", map[string]interface{}{
			"userId": s.UserID,
			"reason": "timeout",
		})
	}
}

// onAdmitted completes a join that waited in the admission queue. The freed
// slot is already accounted to this connection.
func (d *Dispatcher) onAdmitted(conn namespace.Conn, roomID string) {
	conn.Send("connection_approved", map[string]interface{}{"roomId": roomID})

	d.mu.Lock()
	pending, ok := d.pendingJoins[conn.ID()]
	delete(d.pendingJoins, conn.ID())
	d.mu.Unlock()

	if !ok {
		return
	}
	if err := d.completeJoin(conn, pending.payload, false); err != nil {
		d.admission.Release(roomID)
		d.fail(conn, nil, "join_room", err)
	}
}

// Stop flushes pending batched fan-out. Background components are stopped by
// the application root.
func (d *Dispatcher) Stop() {
	d.batcher.FlushAll()
}

// Batcher exposes the fan-out batcher for the performance endpoints
func (d *Dispatcher) Batcher() *admission.Batcher {
	return d.batcher
}

// LoadProject is the internal replace-project entry used by the project
// upload surface: it swaps in the arrangement, rewrites region audio URLs to
// the server stream path, and broadcasts the loaded state.
func (d *Dispatcher) LoadProject(roomID string, tracks []*arrange.Track, regions []*arrange.Region, bpm float64, ts arrange.TimeSignature, synthStates map[string]map[string]interface{}) error {
	for _, reg := range regions {
		if reg.AudioURL != "" {
			reg.AudioURL = d.audio.RewriteURL(roomID, reg.AudioURL)
		}
	}
	if err := d.store.ReplaceProject(roomID, tracks, regions, bpm, ts, synthStates); err != nil {
		return err
	}
	d.emitRoom(roomID, "arrange:project_loaded", d.store.Snapshot(roomID))
	return nil
}

// Emit helpers

func (d *Dispatcher) emitRoom(roomID, event string, payload interface{}) {
	d.namespaces.Get(namespace.RoomPath(roomID)).Emit(event, payload)
}

func (d *Dispatcher) emitRoomExcept(roomID, exceptConnID, event string, payload interface{}) {
	d.namespaces.Get(namespace.RoomPath(roomID)).EmitExcept(exceptConnID, event, payload)
}

// emitToUser delivers to the user's live room connection, if any
func (d *Dispatcher) emitToUser(roomID, userID, event string, payload interface{}) bool {
	sess := d.sessions.GetByUser(userID)
	if sess == nil || sess.RoomID != roomID {
		return false
	}
	ns := d.namespaces.Lookup(namespace.RoomPath(roomID))
	if ns == nil {
		return false
	}
	return ns.EmitTo(sess.ConnectionID, event, payload)
}

// connIn finds a connection handle inside a namespace
func (d *Dispatcher) connIn(path, connID string) namespace.Conn {
	ns := d.namespaces.Lookup(path)
	if ns == nil {
		return nil
	}
	for _, c := range ns.Connections() {
		if c.ID() == connID {
			return c
		}
	}
	return nil
}

// persistRoom writes the room's metadata through the repository, logging
// rather than failing the event on storage trouble
func (d *Dispatcher) persistRoom(room *Room) {
	snap := room.Snapshot()
	record := &repository.RoomRecord{
		ID:        snap.ID,
		Name:      snap.Name,
		OwnerID:   snap.OwnerID,
		IsPrivate: snap.IsPrivate,
		IsHidden:  snap.IsHidden,
		RoomType:  snap.RoomType,
		CreatedAt: room.CreatedAt,
	}
	if err := d.repo.Save(context.Background(), record); err != nil {
		d.logger.Warn("Failed to persist room",
			logger.String("room_id", snap.ID),
			logger.Err(err),
		)
	}
}

// memberSession resolves the caller's room session and room, failing with the
// appropriate coded error
func (d *Dispatcher) memberSession(sess *session.Session) (*session.Session, *Room, error) {
	if sess == nil || sess.Kind != session.KindRoom {
		return nil, nil, errors.NewSessionError("no active room session")
	}
	room := d.rooms.Get(sess.RoomID)
	if room == nil {
		return nil, nil, errors.NewNotFoundError("room not found: " + sess.RoomID)
	}
	if !room.HasUser(sess.UserID) {
		return nil, nil, errors.NewSessionError("caller is not a room member")
	}
	return sess, room, nil
}

// arrangeSession additionally requires an arrangement room
func (d *Dispatcher) arrangeSession(sess *session.Session) (*session.Session, *Room, error) {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return nil, nil, err
	}
	if room.RoomType != RoomArrange {
		return nil, nil, errors.NewRoomStateError("room is not an arrangement room")
	}
	return sess, room, nil
}
