// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events implements the typed-topic event bus connecting Sentinel to
// the external hub. Topics are explicit, subscriptions are registered and
// torn down explicitly, and every subscriber channel is bounded.
//
// Publish fails fast with ErrBusFull when a subscriber buffer is saturated;
// callers that need delivery guarantees (the publication auditor) retry on
// their own schedule rather than blocking the control plane.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic identifies an event stream on the bus.
type Topic string

// Inbound topics consumed from the external hub.
const (
	TopicGmailNewMessage   Topic = "gmail:new_message"
	TopicSlackNewMessage   Topic = "slack:new_message"
	TopicSheetsDataChanged Topic = "sheets:data_changed"
)

// Outbound topics emitted to the external hub.
const (
	TopicReasoningComplete      Topic = "reasoning:complete"
	TopicActionReady            Topic = "action:ready"
	TopicActionRequiresApproval Topic = "action:requires_approval"
	TopicActionRejected         Topic = "action:rejected"
	TopicReviewPending          Topic = "review:pending"
)

// Sentinel errors for publish failures.
var (
	// ErrBusFull is returned when a subscriber buffer has no room.
	ErrBusFull = errors.New("event bus: subscriber buffer full")

	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("event bus: closed")
)

// Event is one message on the bus.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Bus is a bounded, typed publish/subscribe hub.
//
// Thread Safety: safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	buffer int
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscription is one registered listener on a single topic.
// Close must be called when the listener is done; events published after
// Close are not delivered.
type Subscription struct {
	topic Topic
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// C returns the receive channel for this subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Close deregisters the subscription and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// NewBus creates a bus with the given per-subscriber buffer capacity.
// A non-positive buffer uses DefaultBufferSize.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a listener for a topic and returns its subscription.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.buffer),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers an event to every subscriber of the topic.
//
// Delivery is non-blocking: if any subscriber buffer is full the event is
// dropped for that subscriber and ErrBusFull is returned so the caller can
// decide whether to retry. Subscribers that did have room still receive the
// event.
func (b *Bus) Publish(topic Topic, payload any) error {
	evt := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		EmittedAt: time.Now(),
	}

	// Sends stay under the read lock: channels are only closed after the
	// subscription has been removed under the write lock, so a send here can
	// never hit a closed channel. Sends are non-blocking, so the hold is
	// bounded.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}

	var full bool
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- evt:
		default:
			full = true
			b.dropped.Add(1)
			slog.Warn("event dropped, subscriber buffer full",
				"topic", string(topic),
				"event_id", evt.ID,
			)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if full {
		return ErrBusFull
	}
	return nil
}

// Close shuts the bus down. Existing subscriptions are closed and further
// publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Published returns the total number of publish calls that reached at least
// the fan-out stage.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns the number of per-subscriber drops due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// unsubscribe removes a subscription from the registry.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}
