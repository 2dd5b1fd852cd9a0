package recovery

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

func newTestHandler(t *testing.T) (*Handler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewHandler(clk, logger.NewDefaultLogger(logger.FatalLevel, "text")), clk
}

func TestClassifyCodedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{errors.NewValidationError("bad payload"), KindValidation},
		{errors.NewRateLimitedError(5), KindRateLimit},
		{errors.NewPermissionError("not owner"), KindPermission},
		{errors.NewRoomStateError("no state"), KindRoomState},
		{errors.NewNotFoundError("missing"), KindRoomState},
		{errors.NewSessionError("no session"), KindSessionManagement},
		{errors.NewNetworkError("peer gone"), KindNetwork},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"database query failed", KindDatabase},
		{"socket closed unexpectedly", KindNamespaceConnection},
		{"network timeout reaching peer", KindNetwork},
		{"session table corrupted", KindSessionManagement},
		{"something odd", KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(stderrors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestActionMapping(t *testing.T) {
	cases := map[Kind]Action{
		KindValidation:        ActionSendErrorResponse,
		KindRateLimit:         ActionSendErrorResponse,
		KindPermission:        ActionSendErrorResponse,
		KindSessionManagement: ActionCleanupSession,
		KindRoomState:         ActionResetRoomState,
		KindNetwork:           ActionSendErrorResponse,
		KindUnknown:           ActionLogOnly,
	}
	for kind, want := range cases {
		if got := ActionFor(kind); got != want {
			t.Errorf("ActionFor(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestCriticalPatternsForceTeardown(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, msg := range []string{
		"process out of memory",
		"stack overflow in handler",
		"database connection lost",
		"server shutting down now",
	} {
		out := h.Handle(stderrors.New(msg), Context{})
		if !out.Critical || out.Action != ActionDisconnectSocket {
			t.Errorf("%q should be critical with disconnect, got %+v", msg, out)
		}
	}

	if out := h.Handle(errors.NewValidationError("benign"), Context{}); out.Critical {
		t.Error("Validation faults are not critical")
	}
}

func TestRetryAfterHint(t *testing.T) {
	h, _ := newTestHandler(t)

	out := h.Handle(errors.NewNetworkError("peer unreachable"), Context{})
	if out.RetryAfter != 5 {
		t.Errorf("Network faults should carry retryAfter 5, got %d", out.RetryAfter)
	}
	if out.Envelope == nil || out.Envelope.Error.RetryAfter != 5 {
		t.Errorf("Envelope should carry the hint, got %+v", out.Envelope)
	}
}

func TestFloodSuppression(t *testing.T) {
	h, clk := newTestHandler(t)

	for i := 0; i < 10; i++ {
		out := h.Handle(errors.NewValidationError("bad"), Context{})
		if out.Suppressed {
			t.Fatalf("Fault %d should not be suppressed yet", i+1)
		}
	}

	out := h.Handle(errors.NewValidationError("bad"), Context{})
	if !out.Suppressed || out.Action != ActionLogOnly {
		t.Fatalf("11th fault in a minute should be suppressed, got %+v", out)
	}

	// Other kinds keep their own counters
	if out := h.Handle(errors.NewPermissionError("nope"), Context{}); out.Suppressed {
		t.Error("Suppression is per kind")
	}

	// The window slides
	clk.Advance(61 * time.Second)
	if out := h.Handle(errors.NewValidationError("bad"), Context{}); out.Suppressed {
		t.Error("Suppression should lift after the window passes")
	}
}

func TestCounts(t *testing.T) {
	h, clk := newTestHandler(t)

	h.Handle(errors.NewValidationError("a"), Context{})
	h.Handle(errors.NewValidationError("b"), Context{})
	h.Handle(errors.NewNetworkError("c"), Context{})

	counts := h.Counts()
	if counts[KindValidation] != 2 || counts[KindNetwork] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}

	clk.Advance(2 * time.Minute)
	if counts := h.Counts(); len(counts) != 0 {
		t.Errorf("Counters should empty after the window, got %v", counts)
	}
}

func TestEnvelopeHidesInternalDetail(t *testing.T) {
	h, _ := newTestHandler(t)

	out := h.Handle(stderrors.New("something odd"), Context{Event: "join_room"})
	if out.Envelope == nil {
		t.Fatal("Non-critical faults should produce an envelope")
	}
	if out.Envelope.Error.Code != errors.CodeInternal {
		t.Errorf("Uncoded faults should map to INTERNAL, got %s", out.Envelope.Error.Code)
	}
}
