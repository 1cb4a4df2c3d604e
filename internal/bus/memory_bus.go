// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/metrics"
)

const (
	memBufferSize = 64
	dropLogEvery  = 100
)

// MemoryBus is an in-process pub/sub for tests and single-binary setups
// (broker.driver=memory). Publish blocks while a subscriber buffer is full,
// until the publish context ends.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool

	dropped atomic.Uint64
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memSub(nil), b.subs[channel]...)
	b.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		if err := s.deliver(ctx, msg); err != nil {
			reason := publishDropReason(err)
			metrics.IncBusDropReason(channel, reason)
			if n := b.dropped.Add(1); n%dropLogEvery == 1 {
				log.L().Warn().
					Str(log.FieldChannel, channel).
					Str(log.FieldReason, reason).
					Uint64("dropped", n).
					Msg("memory bus dropped message")
			}
			metrics.IncBusPublish(channel, "dropped")
			return fmt.Errorf("publish channel %q: %w", channel, err)
		}
	}
	metrics.IncBusPublish(channel, "ok")
	return nil
}

// Subscribe registers a subscriber on channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscriber, error) {
	s := &memSub{
		b:       b,
		channel: channel,
		ch:      make(chan Message, memBufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[channel] = append(b.subs[channel], s)
	return s, nil
}

// Close closes every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memSub
	for _, lst := range b.subs {
		all = append(all, lst...)
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
	return nil
}

func (b *MemoryBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lst := b.subs[s.channel]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(b.subs, s.channel)
	} else {
		b.subs[s.channel] = out
	}
}

type memSub struct {
	b       *MemoryBus
	channel string
	ch      chan Message

	// done unblocks in-flight deliveries before ch is closed under mu.
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func (s *memSub) deliver(ctx context.Context, msg Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.b.remove(s)
	s.shutdown()
	return nil
}

func (s *memSub) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Bus = (*MemoryBus)(nil)
