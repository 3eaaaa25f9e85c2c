// Copyright 2026 Blink Labs Software
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

// Package event provides a typed publish/subscribe bus for wallet
// events: request outcomes, registry transaction progress, and slice
// lifecycle changes.
package event

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const EventQueueSize = 20

type EventType string

// Wallet event types
const (
	RequestCompletedEventType     EventType = "request.completed"
	RequestFailedEventType        EventType = "request.failed"
	TransactionSubmittedEventType EventType = "transaction.submitted"
	TransactionCommittedEventType EventType = "transaction.committed"
	SliceExpiredEventType         EventType = "slice.expired"
	SliceReceivedEventType        EventType = "slice.received"
)

type EventSubscriberId int

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

// RequestEvent is the payload for request outcome events
type RequestEvent struct {
	RequestID string
	Owner     string
	Reason    string
}

// TransactionEvent is the payload for registry transaction events
type TransactionEvent struct {
	TransactionID string
	PipelineID    string
}

// SliceEvent is the payload for slice lifecycle events
type SliceEvent struct {
	SliceID  string
	Owner    string
	Quantity uint64
}

// EventBus fans events out to subscriber channels
type EventBus struct {
	subscribers map[EventType]map[EventSubscriberId]chan Event
	metrics     struct {
		eventsPublished *prometheus.CounterVec
	}
	lastSubId EventSubscriberId
	mu        sync.RWMutex
}

// NewEventBus creates a new EventBus
func NewEventBus(promRegistry prometheus.Registerer) *EventBus {
	e := &EventBus{
		subscribers: make(map[EventType]map[EventSubscriberId]chan Event),
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		e.metrics.eventsPublished = promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcwallet_events_published_total",
				Help: "total events published by type",
			},
			[]string{"type"},
		)
	}
	return e
}

// Subscribe registers a subscriber for a given event type and returns
// the subscriber id and the channel events will be delivered on
func (e *EventBus) Subscribe(
	eventType EventType,
) (EventSubscriberId, <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSubId++
	subId := e.lastSubId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[EventSubscriberId]chan Event)
	}
	evtCh := make(chan Event, EventQueueSize)
	e.subscribers[eventType][subId] = evtCh
	return subId, evtCh
}

// Unsubscribe removes a subscriber for a given event type
func (e *EventBus) Unsubscribe(
	eventType EventType,
	subId EventSubscriberId,
) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if subs, ok := e.subscribers[eventType]; ok {
		if evtCh, ok := subs[subId]; ok {
			close(evtCh)
			delete(subs, subId)
		}
	}
}

// Publish delivers an event to all subscribers of its type. Delivery is
// best effort: a subscriber with a full queue misses the event rather
// than blocking the publisher.
func (e *EventBus) Publish(eventType EventType, evt Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.metrics.eventsPublished != nil {
		e.metrics.eventsPublished.WithLabelValues(string(eventType)).Inc()
	}
	for _, evtCh := range e.subscribers[eventType] {
		select {
		case evtCh <- evt:
		default:
		}
	}
}
