// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus implements the in-process single-publisher,
// multiple-subscriber broadcast channel used to fan out observable
// dispatch transitions. It is a deliberate durability relaxation:
// slow subscribers lose events rather than slow down the publisher.
// Durability lives in the audit sink, not here.
package bus

import (
	"sync"
)

// EventType is the closed set of stream event kinds.
type EventType string

const (
	ActionDispatched    EventType = "ActionDispatched"
	GroupFlushed        EventType = "GroupFlushed"
	ChainStepCompleted  EventType = "ChainStepCompleted"
	ChainCompleted      EventType = "ChainCompleted"
	ChainAdvanced       EventType = "ChainAdvanced"
	ApprovalRequired    EventType = "ApprovalRequired"
	ApprovalResolved    EventType = "ApprovalResolved"
	GroupEventAdded     EventType = "GroupEventAdded"
	GroupResolved       EventType = "GroupResolved"
	ScheduledActionDue  EventType = "ScheduledActionDue"
	Timeout             EventType = "Timeout"
	Unknown             EventType = "Unknown"
)

// Event is one observable transition broadcast to subscribers.
type Event struct {
	ID         string
	Namespace  string
	Tenant     string
	ActionID   string
	ActionType string
	EventType  EventType
	Payload    any
}

// defaultBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind the publisher starts losing events.
const defaultBuffer = 256

// Bus is a single-publisher, multiple-subscriber broadcaster.
// Subscribers only receive events published after they subscribed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]chan Event
	nextID int64
	buffer int
}

// New returns a Bus whose subscriber channels buffer up to buffer
// events each. buffer <= 0 uses a sane default.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[int64]chan Event), buffer: buffer}
}

// Subscription is a live subscriber handle. Events arrives on C;
// Unsubscribe stops delivery and closes C.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	id     int64
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return &Subscription{C: ch, bus: b, id: id}
}

// Unsubscribe removes s from the bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(ch)
	}
}

// Publish fans e out to every current subscriber. A subscriber whose
// channel is full has the event dropped for it; other subscribers are
// unaffected. Publish never blocks on a slow subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently live.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
