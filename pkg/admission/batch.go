package admission

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// BatchSuffix is appended to the event name when a flush carries more than
// one element
const BatchSuffix = "_batch"

// EmitFunc delivers a flushed event to a room's namespace
type EmitFunc func(roomID, event string, payload interface{})

// Batcher buffers high-frequency events per room and flushes them either when
// the buffer reaches the batch size or after the batch delay.
type Batcher struct {
	mu      sync.Mutex
	cfg     config.AdmissionConfig
	buffers map[string]map[string][]interface{} // roomID -> event -> items
	timers  map[string]*time.Timer

	emit   EmitFunc
	logger logger.Logger
}

// NewBatcher creates a batcher that delivers through emit
func NewBatcher(cfg config.AdmissionConfig, emit EmitFunc, log logger.Logger) *Batcher {
	return &Batcher{
		cfg:     cfg,
		buffers: make(map[string]map[string][]interface{}),
		timers:  make(map[string]*time.Timer),
		emit:    emit,
		logger:  log,
	}
}

// OptimizedEmit sends an event to a room, batching unless batching is
// disabled or immediate is set
func (b *Batcher) OptimizedEmit(roomID, event string, data interface{}, immediate bool) {
	if !b.cfg.BatchingEnabled || immediate {
		b.emit(roomID, event, data)
		return
	}

	b.mu.Lock()

	events, ok := b.buffers[roomID]
	if !ok {
		events = make(map[string][]interface{})
		b.buffers[roomID] = events
	}
	events[event] = append(events[event], data)

	if len(events[event]) >= b.cfg.BatchSize {
		flushed := b.takeLocked(roomID)
		b.mu.Unlock()
		b.deliver(roomID, flushed)
		return
	}

	if _, pending := b.timers[roomID]; !pending {
		b.timers[roomID] = time.AfterFunc(b.cfg.BatchDelay, func() {
			b.Flush(roomID)
		})
	}
	b.mu.Unlock()
}

// Flush delivers everything buffered for a room immediately
func (b *Batcher) Flush(roomID string) {
	b.mu.Lock()
	flushed := b.takeLocked(roomID)
	b.mu.Unlock()
	b.deliver(roomID, flushed)
}

// FlushAll delivers every room's buffer; called on shutdown
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	roomIDs := make([]string, 0, len(b.buffers))
	for roomID := range b.buffers {
		roomIDs = append(roomIDs, roomID)
	}
	b.mu.Unlock()

	for _, roomID := range roomIDs {
		b.Flush(roomID)
	}
}

// takeLocked detaches a room's buffer and cancels its timer
func (b *Batcher) takeLocked(roomID string) map[string][]interface{} {
	if timer, ok := b.timers[roomID]; ok {
		timer.Stop()
		delete(b.timers, roomID)
	}
	events := b.buffers[roomID]
	delete(b.buffers, roomID)
	return events
}

// deliver groups a flushed buffer by event name: single-element groups go out
// as the original event, multi-element groups as `${event}_batch` carrying
// the list
func (b *Batcher) deliver(roomID string, events map[string][]interface{}) {
	for event, items := range events {
		if len(items) == 1 {
			b.emit(roomID, event, items[0])
			continue
		}
		b.emit(roomID, event+BatchSuffix, map[string]interface{}{
			"events": items,
			"count":  len(items),
		})
	}
}
