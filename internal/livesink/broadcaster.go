package livesink

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"inkflow/internal/core"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Broadcaster routes each stream's events to its subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster creates a broadcaster; buffer <= 0 means DefaultBuffer.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events for streamID and a function that
// detaches it. The channel is never closed; consumers stop on a terminal event
// or when they detach.
func (b *Broadcaster) Subscribe(streamID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[streamID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[streamID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(b.subs, streamID)
				}
			}
		})
	}
}

// Subscribers returns the number of subscribers attached to streamID.
func (b *Broadcaster) Subscribers(streamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[streamID])
}

// Dropped returns how many events were discarded for full subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.StreamID] {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		if !ev.Terminal() {
			b.dropped.Add(1)
			continue
		}
		// Make room so the consumer always learns the stream ended.
		select {
		case <-s.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("terminal event dropped", "stream_id", ev.StreamID)
		}
	}
}

func (b *Broadcaster) Start(id string) {
	b.publish(Event{Type: EventStart, StreamID: id})
}

func (b *Broadcaster) Status(id, phase string) {
	b.publish(Event{Type: EventStatus, StreamID: id, Phase: phase})
}

func (b *Broadcaster) Token(id, fragment string) {
	b.publish(Event{Type: EventToken, StreamID: id, Token: fragment})
}

func (b *Broadcaster) Done(id string, cancelled bool) {
	b.publish(Event{Type: EventDone, StreamID: id, Cancelled: cancelled})
}

func (b *Broadcaster) Error(id string, stage core.Stage, message string) {
	b.publish(Event{Type: EventError, StreamID: id, Stage: stage, Message: message})
}
