package dispatch

import (
	"github.com/jamfoundry/jamcore/pkg/admission"
	"github.com/jamfoundry/jamcore/pkg/approval"
	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/session"
)

func roleFromPayload(payload map[string]interface{}) session.Role {
	if getString(payload, "role") == string(session.RoleAudience) {
		return session.RoleAudience
	}
	return session.RoleBandMember
}

func (d *Dispatcher) handleCreateRoom(conn namespace.Conn, payload map[string]interface{}) error {
	userID := getString(payload, "userId")
	if userID == "" {
		userID = clock.NewID("user")
	}

	room := d.rooms.Create(
		clock.NewID(clock.KindRoom),
		getString(payload, "name"),
		userID,
		getString(payload, "roomType"),
		getBool(payload, "isPrivate"),
		getBool(payload, "isHidden"),
	)
	d.persistRoom(room)
	d.publishLobbyUpdate(room)

	return conn.Send("room_created", map[string]interface{}{
		"room":   room.Snapshot(),
		"userId": userID,
	})
}

// emitLobby fans a listing change out to lobby monitor subscribers
func (d *Dispatcher) emitLobby(event string, payload interface{}) {
	if ns := d.namespaces.Lookup(namespace.LobbyMonitorPath); ns != nil {
		ns.Emit(event, payload)
	}
}

// publishLobbyUpdate announces a lobby-visible room's current snapshot.
// Private and hidden rooms never reach the lobby.
func (d *Dispatcher) publishLobbyUpdate(room *Room) {
	snap := room.Snapshot()
	if snap.IsPrivate || snap.IsHidden {
		return
	}
	d.emitLobby("lobby_room_updated", map[string]interface{}{"room": snap})
}

func (d *Dispatcher) handleLobbySubscribe(conn namespace.Conn) error {
	d.namespaces.Get(namespace.LobbyMonitorPath).Join(conn)

	all := d.rooms.List()
	rooms := make([]Snapshot, 0, len(all))
	for _, snap := range all {
		if !snap.IsPrivate && !snap.IsHidden {
			rooms = append(rooms, snap)
		}
	}
	return conn.Send("lobby_state", map[string]interface{}{"rooms": rooms})
}

func (d *Dispatcher) handleLobbyUnsubscribe(conn namespace.Conn) error {
	if ns := d.namespaces.Lookup(namespace.LobbyMonitorPath); ns != nil {
		ns.Leave(conn.ID())
	}
	return nil
}

func (d *Dispatcher) handleJoinRoom(conn namespace.Conn, payload map[string]interface{}) error {
	roomID := getString(payload, "roomId")
	userID := getString(payload, "userId")
	if userID == "" {
		userID = clock.NewID("user")
		payload["userId"] = userID
	}

	room := d.rooms.Get(roomID)
	if room == nil {
		return errors.NewNotFoundError("room not found: " + roomID)
	}

	if existing := d.sessions.Get(conn.ID()); existing != nil && existing.Kind == session.KindRoom {
		if existing.RoomID != roomID {
			return errors.NewConflictError("connection already holds a session in another room")
		}
		// Re-join on the same connection: resend the authoritative view
		conn.Send("room_joined", map[string]interface{}{
			"room":      room.Snapshot(),
			"roomToken": d.auth.IssueRoomToken(roomID, existing.UserID),
		})
		if room.RoomType == RoomArrange {
			conn.Send("state_sync", d.store.Init(roomID))
		}
		return nil
	}

	graced := d.sessions.IsInGrace(userID, roomID)
	if room.IsPrivate && userID != room.Owner() && !room.IsApproved(userID) && !graced {
		return d.routeToApproval(conn, room, userID, getString(payload, "username"), roleFromPayload(payload))
	}

	return d.completeJoin(conn, payload, true)
}

// completeJoin runs the join semantics. checkAdmission is false when the
// connection was promoted from the admission queue, whose slot is already
// counted.
func (d *Dispatcher) completeJoin(conn namespace.Conn, payload map[string]interface{}, checkAdmission bool) error {
	roomID := getString(payload, "roomId")
	userID := getString(payload, "userId")
	username := getString(payload, "username")
	role := roleFromPayload(payload)

	room := d.rooms.Get(roomID)
	if room == nil {
		return errors.NewNotFoundError("room not found: " + roomID)
	}

	if checkAdmission {
		switch decision := d.admission.ShouldAllow(conn, roomID); decision.Kind {
		case admission.Queued:
			d.mu.Lock()
			d.pendingJoins[conn.ID()] = pendingJoin{payload: payload}
			d.mu.Unlock()
			conn.Send("connection_rejected", map[string]interface{}{
				"reason":        "Room full, queued for connection",
				"queuePosition": decision.Position,
			})
			return nil
		case admission.Rejected:
			conn.Send("connection_rejected", map[string]interface{}{
				"reason": string(decision.Reason),
			})
			conn.Close("admission_rejected")
			return nil
		}
	}

	// A user holds one room session; a new connection replaces the old one
	if old := d.sessions.GetByUser(userID); old != nil && old.ConnectionID != conn.ID() {
		oldConn := d.connIn(old.NamespacePath, old.ConnectionID)
		d.sessions.Detach(old.ConnectionID)
		if ns := d.namespaces.Lookup(old.NamespacePath); ns != nil {
			ns.Leave(old.ConnectionID)
		}
		d.admission.Release(old.RoomID)
		if oldConn != nil {
			oldConn.Send("session_replaced", map[string]interface{}{"roomId": old.RoomID})
			oldConn.Close("session_replaced")
		}
	}

	grace := d.sessions.ClearGrace(userID, roomID)
	if grace != nil {
		if grace.Snapshot.Username != "" {
			username = grace.Snapshot.Username
		}
		role = grace.Snapshot.Role
	}

	path := namespace.RoomPath(roomID)
	d.sessions.Attach(&session.Session{
		ConnectionID:  conn.ID(),
		RoomID:        roomID,
		UserID:        userID,
		Username:      username,
		Role:          role,
		NamespacePath: path,
		Kind:          session.KindRoom,
	})
	d.namespaces.Get(path).Join(conn)

	user := &User{
		UserID:   userID,
		Username: username,
		Role:     role,
		JoinedAt: d.clock.Now(),
	}
	if grace != nil {
		user.CurrentInstrument = grace.Snapshot.Instrument
		user.CurrentCategory = grace.Snapshot.Category
		user.IsReady = grace.Snapshot.IsReady
	}
	if userID == room.Owner() {
		user.Role = session.RoleRoomOwner
	}
	room.AddUser(user)

	conn.Send("room_joined", map[string]interface{}{
		"room":      room.Snapshot(),
		"roomToken": d.auth.IssueRoomToken(roomID, userID),
	})

	if grace == nil {
		d.emitRoom(roomID, "user_joined", map[string]interface{}{
			"userId":   userID,
			"username": username,
			"role":     user.Role,
		})
	}
	d.publishLobbyUpdate(room)

	if room.RoomType == RoomArrange {
		conn.Send("state_sync", d.store.Init(roomID))
	}

	d.logger.Info("User joined room",
		logger.String("room_id", roomID),
		logger.String("user_id", userID),
		logger.Bool("rejoin", grace != nil),
	)
	return nil
}

func (d *Dispatcher) handleLeaveRoom(conn namespace.Conn) error {
	sess := d.sessions.Get(conn.ID())
	if sess == nil || sess.Kind != session.KindRoom {
		// Leaving twice is a no-op
		return nil
	}
	d.enterGrace(conn.ID(), sess, true)
	return nil
}

func (d *Dispatcher) handleTransferOwnership(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	if sess.UserID != room.Owner() {
		return errors.NewPermissionError("only the room owner may transfer ownership")
	}

	newOwnerID := getString(payload, "newOwnerId")
	if !room.HasUser(newOwnerID) {
		return errors.NewNotFoundError("new owner is not a room member")
	}

	previous := room.Owner()
	room.SetOwner(newOwnerID)
	d.persistRoom(room)

	d.emitRoom(room.ID, "ownership_transferred", map[string]interface{}{
		"previousOwnerId": previous,
		"newOwnerId":      newOwnerID,
	})
	return nil
}

func (d *Dispatcher) handleMemberAction(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	if sess.UserID != room.Owner() {
		return errors.NewPermissionError("only the room owner may act on members")
	}

	targetID := getString(payload, "targetUserId")
	action := getString(payload, "action")
	if targetID == sess.UserID {
		return errors.NewValidationError("cannot target yourself")
	}
	if !room.HasUser(targetID) {
		return errors.NewNotFoundError("target is not a room member")
	}

	switch action {
	case "kick":
		d.kickMember(room, targetID)
	case "promote":
		room.SetRole(targetID, session.RoleBandMember)
	case "demote":
		room.SetRole(targetID, session.RoleAudience)
	case "mute":
		// Mute is enforced client-side from the broadcast
	}

	d.emitRoom(room.ID, "member_action", map[string]interface{}{
		"targetUserId": targetID,
		"action":       action,
		"by":           sess.UserID,
	})
	return nil
}

// kickMember removes a member immediately: locks released, session evicted,
// socket closed. No grace period.
func (d *Dispatcher) kickMember(room *Room, userID string) {
	roomID := room.ID

	for _, elementID := range d.store.ReleaseUserLocks(roomID, userID) {
		d.emitRoom(roomID, "lock_released", map[string]interface{}{
			"elementId": elementID,
			"userId":    userID,
		})
	}

	if target := d.sessions.EvictUser(userID); target != nil {
		targetConn := d.connIn(target.NamespacePath, target.ConnectionID)
		if ns := d.namespaces.Lookup(target.NamespacePath); ns != nil {
			ns.Leave(target.ConnectionID)
		}
		d.admission.Release(roomID)
		if targetConn != nil {
			targetConn.Send("kicked", map[string]interface{}{"roomId": roomID})
			targetConn.Close("kicked")
		}
	}
	d.sessions.ClearGrace(userID, roomID)

	if u := room.RemoveUser(userID); u != nil {
		d.emitRoom(roomID, "user_left", map[string]interface{}{
			"userId":   u.UserID,
			"username": u.Username,
		})
	}
}

// routeToApproval parks a private-room join in the approval namespace and
// notifies the owner
func (d *Dispatcher) routeToApproval(conn namespace.Conn, room *Room, userID, username string, role session.Role) error {
	path := namespace.ApprovalPath(room.ID)
	d.namespaces.Get(path).Join(conn)
	d.sessions.Attach(&session.Session{
		ConnectionID:  conn.ID(),
		RoomID:        room.ID,
		UserID:        userID,
		Username:      username,
		Role:          role,
		NamespacePath: path,
		Kind:          session.KindApproval,
	})

	evicted := d.approvals.Register(&approval.Session{
		ConnectionID: conn.ID(),
		RoomID:       room.ID,
		UserID:       userID,
		Username:     username,
		Role:         role,
	})
	if evicted != nil && evicted.ConnectionID != conn.ID() {
		if oldConn := d.connIn(namespace.ApprovalPath(evicted.RoomID), evicted.ConnectionID); oldConn != nil {
			oldConn.Close("approval_superseded")
		}
		if ns := d.namespaces.Lookup(namespace.ApprovalPath(evicted.RoomID)); ns != nil {
			ns.Leave(evicted.ConnectionID)
		}
		d.sessions.Detach(evicted.ConnectionID)
	}

	d.emitToUser(room.ID, room.Owner(), "approval_requested", map[string]interface{}{
		"roomId":   room.ID,
		"userId":   userID,
		"username": username,
		"role":     role,
	})
	conn.Send("approval_pending", map[string]interface{}{"roomId": room.ID})

	d.logger.Info("Approval requested",
		logger.String("room_id", room.ID),
		logger.String("user_id", userID),
	)
	return nil
}

func (d *Dispatcher) handleApprovalResponse(conn namespace.Conn, sess *session.Session, payload map[string]interface{}) error {
	sess, room, err := d.memberSession(sess)
	if err != nil {
		return err
	}
	if sess.UserID != room.Owner() {
		return errors.NewPermissionError("only the room owner may respond to approvals")
	}

	targetID := getString(payload, "userId")
	pending := d.approvals.GetByUser(targetID)
	if pending == nil || pending.RoomID != room.ID {
		return errors.NewNotFoundError("no pending approval for user")
	}
	d.approvals.Remove(pending.ConnectionID)

	path := namespace.ApprovalPath(room.ID)
	requester := d.connIn(path, pending.ConnectionID)
	if ns := d.namespaces.Lookup(path); ns != nil {
		ns.Leave(pending.ConnectionID)
	}
	d.sessions.Detach(pending.ConnectionID)

	if !getBool(payload, "approved") {
		if requester != nil {
			requester.Send("approval_denied", map[string]interface{}{"roomId": room.ID})
			requester.Close("approval_denied")
		}
		return nil
	}

	room.Approve(targetID)
	if requester == nil {
		// Requester vanished between response and delivery
		return nil
	}
	requester.Send("approval_approved", map[string]interface{}{"roomId": room.ID})

	return d.completeJoin(requester, map[string]interface{}{
		"roomId":   room.ID,
		"userId":   pending.UserID,
		"username": pending.Username,
		"role":     string(pending.Role),
	}, true)
}

func (d *Dispatcher) handleApprovalCancel(conn namespace.Conn) error {
	sess := d.sessions.Get(conn.ID())
	if sess == nil || sess.Kind != session.KindApproval {
		return nil
	}
	d.cancelApproval(conn.ID(), sess, "cancelled")
	return nil
}

// cancelApproval withdraws a pending approval and hints the owner
func (d *Dispatcher) cancelApproval(connID string, sess *session.Session, reason string) {
	d.approvals.Remove(connID)
	if ns := d.namespaces.Lookup(namespace.ApprovalPath(sess.RoomID)); ns != nil {
		ns.Leave(connID)
	}
	d.sessions.Detach(connID)

	if room := d.rooms.Get(sess.RoomID); room != nil {
		d.emitToUser(sess.RoomID, room.Owner(), "approval_cancelled", map[string]interface{}{
			"userId": sess.UserID,
			"reason": reason,
		})
	}
}
