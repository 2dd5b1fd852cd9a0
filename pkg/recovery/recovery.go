// Package recovery classifies dispatcher faults, applies flood suppression,
// and maps each fault kind to a recovery action.
package recovery

import (
	"strings"
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Kind is the fault classification
type Kind string

const (
	KindNamespaceConnection Kind = "namespace_connection_error"
	KindSessionManagement   Kind = "session_management_error"
	KindRoomState           Kind = "room_state_error"
	KindValidation          Kind = "validation_error"
	KindRateLimit           Kind = "rate_limit_error"
	KindPermission          Kind = "permission_error"
	KindDatabase            Kind = "database_error"
	KindNetwork             Kind = "network_error"
	KindUnknown             Kind = "unknown_error"
)

// Action is what the dispatcher does about a fault
type Action string

const (
	ActionDisconnectSocket  Action = "disconnect_socket"
	ActionCleanupSession    Action = "cleanup_session"
	ActionResetRoomState    Action = "reset_room_state"
	ActionSendErrorResponse Action = "send_error_response"
	ActionLogOnly           Action = "log_only"
)

// floodThreshold puts a kind into suppression above this many faults per
// minute
const floodThreshold = 10

// floodWindow is the counter span
const floodWindow = time.Minute

// criticalPatterns force teardown when found in a fault message
var criticalPatterns = []string{
	"out of memory",
	"stack overflow",
	"database connection lost",
	"server shutting down",
}

// Context carries where a fault happened
type Context struct {
	ConnectionID string
	RoomID       string
	UserID       string
	Event        string
}

// Outcome is the handler's verdict on one fault
type Outcome struct {
	Kind       Kind
	Action     Action
	Suppressed bool
	Critical   bool
	RetryAfter int
	Envelope   *errors.Envelope
}

// Classify maps an error to its taxonomy kind
func Classify(err error) Kind {
	switch errors.CodeOf(err) {
	case errors.CodeValidation:
		return KindValidation
	case errors.CodeRateLimited:
		return KindRateLimit
	case errors.CodePermissionDenied:
		return KindPermission
	case errors.CodeRoomState, errors.CodeNotFound, errors.CodeConflict:
		return KindRoomState
	case errors.CodeSession:
		return KindSessionManagement
	case errors.CodeConnection:
		return KindNamespaceConnection
	case errors.CodeNetwork:
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database"), strings.Contains(msg, "redis"):
		return KindDatabase
	case strings.Contains(msg, "socket"), strings.Contains(msg, "namespace"):
		return KindNamespaceConnection
	case strings.Contains(msg, "network"), strings.Contains(msg, "timeout"):
		return KindNetwork
	case strings.Contains(msg, "session"):
		return KindSessionManagement
	}
	return KindUnknown
}

// ActionFor maps a kind to its recovery action
func ActionFor(kind Kind) Action {
	switch kind {
	case KindValidation, KindRateLimit, KindPermission:
		return ActionSendErrorResponse
	case KindSessionManagement:
		return ActionCleanupSession
	case KindRoomState:
		return ActionResetRoomState
	case KindNamespaceConnection, KindNetwork, KindDatabase:
		return ActionSendErrorResponse
	default:
		return ActionLogOnly
	}
}

// retryAfterFor supplies the hint attached to transient faults
func retryAfterFor(kind Kind) int {
	switch kind {
	case KindNamespaceConnection, KindNetwork:
		return 5
	case KindDatabase:
		return 10
	}
	return 0
}

// IsCritical reports whether the fault message matches a teardown pattern
func IsCritical(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range criticalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Handler applies classification, flood suppression, and action mapping
type Handler struct {
	mu       sync.Mutex
	counters map[Kind][]time.Time

	clock  clock.Clock
	logger logger.Logger
}

// NewHandler creates a handler with empty counters
func NewHandler(clk clock.Clock, log logger.Logger) *Handler {
	return &Handler{
		counters: make(map[Kind][]time.Time),
		clock:    clk,
		logger:   log,
	}
}

// Handle classifies one fault and decides the recovery action. A suppressed
// kind is only logged; critical faults are marked for teardown regardless.
func (h *Handler) Handle(err error, ctx Context) Outcome {
	kind := Classify(err)
	critical := IsCritical(err)
	suppressed := h.record(kind)

	out := Outcome{
		Kind:     kind,
		Critical: critical,
	}

	if critical {
		out.Action = ActionDisconnectSocket
		h.logger.Error("Critical fault, forcing teardown",
			logger.String("kind", string(kind)),
			logger.String("connection_id", ctx.ConnectionID),
			logger.String("room_id", ctx.RoomID),
			logger.Err(err),
		)
		return out
	}

	if suppressed {
		out.Suppressed = true
		out.Action = ActionLogOnly
		h.logger.Warn("Fault suppressed by flood control",
			logger.String("kind", string(kind)),
			logger.String("event", ctx.Event),
		)
		return out
	}

	out.Action = ActionFor(kind)
	out.RetryAfter = retryAfterFor(kind)

	base := errors.ToEnvelope(err)
	if out.RetryAfter > 0 && base.Error.RetryAfter == 0 {
		base.Error.RetryAfter = out.RetryAfter
	}
	out.Envelope = &base

	h.logger.Warn("Fault handled",
		logger.String("kind", string(kind)),
		logger.String("action", string(out.Action)),
		logger.String("connection_id", ctx.ConnectionID),
		logger.String("room_id", ctx.RoomID),
		logger.String("event", ctx.Event),
		logger.Err(err),
	)

	return out
}

// Counts reports faults per kind inside the current window
func (h *Handler) Counts() map[Kind]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.clock.Now().Add(-floodWindow)
	out := make(map[Kind]int, len(h.counters))
	for kind, times := range h.counters {
		h.counters[kind] = trimTimes(times, cutoff)
		if n := len(h.counters[kind]); n > 0 {
			out[kind] = n
		}
	}
	return out
}

// record appends a fault and reports whether the kind is now suppressed
func (h *Handler) record(kind Kind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	times := trimTimes(h.counters[kind], now.Add(-floodWindow))
	times = append(times, now)
	h.counters[kind] = times
	return len(times) > floodThreshold
}

func trimTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}
