// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"errors"
	"sync"
	"testing"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe(TopicActionReady)
	defer sub.Close()

	if err := bus.Publish(TopicActionReady, "payload-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	evt := <-sub.C()
	if evt.Topic != TopicActionReady {
		t.Errorf("expected topic %s, got %s", TopicActionReady, evt.Topic)
	}
	if evt.Payload != "payload-1" {
		t.Errorf("unexpected payload: %v", evt.Payload)
	}
	if evt.ID == "" {
		t.Error("expected event id")
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ready := bus.Subscribe(TopicActionReady)
	defer ready.Close()
	rejected := bus.Subscribe(TopicActionRejected)
	defer rejected.Close()

	if err := bus.Publish(TopicActionRejected, "r"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-ready.C():
		t.Error("action:ready subscriber should not receive action:rejected")
	default:
	}

	evt := <-rejected.C()
	if evt.Payload != "r" {
		t.Errorf("unexpected payload: %v", evt.Payload)
	}
}

func TestBus_FullBufferReturnsError(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	sub := bus.Subscribe(TopicReviewPending)
	defer sub.Close()

	if err := bus.Publish(TopicReviewPending, 1); err != nil {
		t.Fatalf("first publish should fit: %v", err)
	}
	err := bus.Publish(TopicReviewPending, 2)
	if !errors.Is(err, ErrBusFull) {
		t.Fatalf("expected ErrBusFull, got %v", err)
	}
	if bus.Dropped() != 1 {
		t.Errorf("expected 1 drop, got %d", bus.Dropped())
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe(TopicActionReady)
	sub.Close()

	// No subscribers left: publish succeeds, nothing delivered.
	if err := bus.Publish(TopicActionReady, "x"); err != nil {
		t.Fatalf("publish to empty topic should succeed: %v", err)
	}

	if _, ok := <-sub.C(); ok {
		t.Error("closed subscription should not deliver")
	}
}

func TestBus_ClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus(4)
	bus.Close()

	err := bus.Publish(TopicActionReady, "x")
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(1024)
	defer bus.Close()

	sub := bus.Subscribe(TopicReasoningComplete)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = bus.Publish(TopicReasoningComplete, n)
		}(i)
	}
	wg.Wait()

	if bus.Published() != 100 {
		t.Errorf("expected 100 published, got %d", bus.Published())
	}
	for i := 0; i < 100; i++ {
		<-sub.C()
	}
}

func TestBus_CloseDuringPublish(t *testing.T) {
	bus := NewBus(1)

	subs := make([]*Subscription, 20)
	for i := range subs {
		subs[i] = bus.Subscribe(TopicActionReady)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Publish(TopicActionReady, j)
			}
		}()
	}
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Close()
		}(sub)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		bus.Close()
	}()
	wg.Wait()

	if err := bus.Publish(TopicActionReady, "late"); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed after Close, got %v", err)
	}
}
