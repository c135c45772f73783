// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocalisai/pkg/commons"
)

const memoryQueueSize = 4096

// MemoryAdapter is the in-memory backend, test use only. Each subscription
// drains a single ordered queue per topic, so per-key order is trivially
// preserved.
type MemoryAdapter struct {
	logger commons.Logger

	mu     sync.Mutex
	subs   map[string][]chan Message
	closed bool
	wg     sync.WaitGroup

	failPublishes bool
}

// SetFailPublishes forces Publish to error, for fallback-buffer tests.
func (a *MemoryAdapter) SetFailPublishes(fail bool) {
	a.mu.Lock()
	a.failPublishes = fail
	a.mu.Unlock()
}

// NewMemoryAdapter builds the in-memory backend.
func NewMemoryAdapter(logger commons.Logger) *MemoryAdapter {
	return &MemoryAdapter{
		logger: logger,
		subs:   make(map[string][]chan Message),
	}
}

func (a *MemoryAdapter) Publish(ctx context.Context, topic, key string, payload []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("pubsub: adapter closed")
	}
	if a.failPublishes {
		a.mu.Unlock()
		return fmt.Errorf("pubsub: publish forced to fail")
	}
	chans := append([]chan Message(nil), a.subs[topic]...)
	a.mu.Unlock()

	body := append([]byte(nil), payload...)
	for _, ch := range chans {
		select {
		case ch <- Message{Key: key, Payload: body}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	ch := make(chan Message, memoryQueueSize)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("pubsub: adapter closed")
	}
	a.subs[topic] = append(a.subs[topic], ch)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil {
					a.logger.Warnf("pubsub: in-memory handler failed on %s: %v", topic, err)
				}
			}
		}
	}()
	return nil
}

func (a *MemoryAdapter) Healthy(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed && !a.failPublishes
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, chans := range a.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	a.subs = make(map[string][]chan Message)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}
