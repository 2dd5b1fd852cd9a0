// Package ratelimit implements per-identity sliding-window rate limiting for
// room events.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// EventKind identifies a rate-limited event class
type EventKind string

const (
	EventPlayNote           EventKind = "play_note"
	EventChatMessage        EventKind = "chat_message"
	EventVoiceOffer         EventKind = "voice_offer"
	EventVoiceAnswer        EventKind = "voice_answer"
	EventVoiceIceCandidate  EventKind = "voice_ice_candidate"
	EventUpdateSynthParams  EventKind = "update_synth_params"
	EventUpdateEffectsChain EventKind = "update_effects_chain"
	EventCreateRoom         EventKind = "create_room"
	EventJoinRoom           EventKind = "join_room"
	EventChangeInstrument   EventKind = "change_instrument"
)

// Window is the sliding-window span for every event kind
const Window = 60 * time.Second

// recoveryWindow is how long a near-cap identity keeps its voice bypass
const recoveryWindow = 30 * time.Second

// sweepInterval is the cadence of the expired-bucket sweep
const sweepInterval = 5 * time.Minute

// Result is the outcome of a rate check
type Result struct {
	// Allowed reports whether the event may proceed
	Allowed bool

	// RetryAfter is the seconds until the window frees a slot (when denied)
	RetryAfter int

	// Remaining is the number of events left in the current window
	Remaining int
}

// Limiter applies per-(identity, event kind) sliding windows
type Limiter struct {
	mu      sync.Mutex
	caps    map[EventKind]int
	buckets map[bucketKey]*bucket

	// nearCap tracks the last time an identity came close to a voice cap,
	// which marks reconnect bursts eligible for recovery bypass
	nearCap map[string]time.Time

	disableSynth bool
	disableVoice bool

	clock  clock.Clock
	logger logger.Logger
	stop   chan struct{}
	once   sync.Once
}

type bucketKey struct {
	identity string
	kind     EventKind
}

type bucket struct {
	// events holds timestamps inside the current window, oldest first
	events []time.Time
}

// New creates a limiter from the rate-limit configuration
func New(cfg config.RateLimitConfig, clk clock.Clock, log logger.Logger) *Limiter {
	l := &Limiter{
		caps: map[EventKind]int{
			EventPlayNote:           cfg.PlayNote,
			EventChatMessage:        cfg.ChatMessage,
			EventVoiceOffer:         cfg.VoiceOffer,
			EventVoiceAnswer:        cfg.VoiceAnswer,
			EventVoiceIceCandidate:  cfg.VoiceIceCandidate,
			EventUpdateSynthParams:  cfg.UpdateSynthParams,
			EventUpdateEffectsChain: cfg.UpdateEffectsChain,
			EventCreateRoom:         cfg.CreateRoom,
			EventJoinRoom:           cfg.JoinRoom,
			EventChangeInstrument:   cfg.ChangeInstrument,
		},
		buckets:      make(map[bucketKey]*bucket),
		nearCap:      make(map[string]time.Time),
		disableSynth: cfg.DisableSynthRateLimit,
		disableVoice: cfg.DisableVoiceRateLimit,
		clock:        clk,
		logger:       log,
		stop:         make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// Allow checks one event against the identity's window and records it when
// allowed
func (l *Limiter) Allow(identity string, kind EventKind) Result {
	cap, known := l.capFor(kind)
	if !known || cap <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	key := bucketKey{identity: identity, kind: kind}

	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{}
		l.buckets[key] = b
	}
	b.trim(now)

	if len(b.events) >= cap {
		if l.isVoice(kind) && l.inRecoveryLocked(identity, now) {
			// Reconnect burst: a client renegotiating voice right after a
			// drop is allowed through despite the cap.
			b.events = append(b.events, now)
			return Result{Allowed: true, Remaining: 0}
		}

		retry := int(b.events[0].Add(Window).Sub(now).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		if retry > int(Window.Seconds()) {
			retry = int(Window.Seconds())
		}
		return Result{Allowed: false, RetryAfter: retry}
	}

	b.events = append(b.events, now)
	remaining := cap - len(b.events)

	if l.isVoice(kind) && remaining*10 <= cap {
		l.nearCap[identity] = now
	}

	return Result{Allowed: true, Remaining: remaining}
}

// Reset clears all windows for an identity
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.buckets {
		if key.identity == identity {
			delete(l.buckets, key)
		}
	}
	delete(l.nearCap, identity)
}

// Stop terminates the background sweep
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Sweep discards buckets with no events inside the window and stale near-cap
// marks. It runs on a timer but is exported for the cleanup scheduler.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0

	for key, b := range l.buckets {
		b.trim(now)
		if len(b.events) == 0 {
			delete(l.buckets, key)
			removed++
		}
	}
	for identity, at := range l.nearCap {
		if now.Sub(at) > recoveryWindow {
			delete(l.nearCap, identity)
		}
	}

	return removed
}

// BucketCount reports live buckets, for the performance endpoints
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) capFor(kind EventKind) (int, bool) {
	if l.disableSynth && (kind == EventUpdateSynthParams || kind == EventUpdateEffectsChain) {
		return 0, false
	}
	if l.disableVoice && l.isVoice(kind) {
		return 0, false
	}
	cap, ok := l.caps[kind]
	return cap, ok
}

func (l *Limiter) isVoice(kind EventKind) bool {
	switch kind {
	case EventVoiceOffer, EventVoiceAnswer, EventVoiceIceCandidate:
		return true
	}
	return false
}

func (l *Limiter) inRecoveryLocked(identity string, now time.Time) bool {
	at, ok := l.nearCap[identity]
	return ok && now.Sub(at) <= recoveryWindow
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := l.Sweep()
			if removed > 0 {
				l.logger.Debug("Rate limit sweep",
					logger.Int("buckets_removed", removed),
				)
			}
		case <-l.stop:
			return
		}
	}
}

func (b *bucket) trim(now time.Time) {
	cutoff := now.Add(-Window)
	idx := 0
	for idx < len(b.events) && !b.events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.events = append(b.events[:0], b.events[idx:]...)
	}
}
