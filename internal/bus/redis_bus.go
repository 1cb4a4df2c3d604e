// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/transcoder/internal/log"
	"github.com/ManuGH/transcoder/internal/metrics"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBus maps channels onto Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus connects and pings Redis.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	b := NewRedisBusFromClient(client)
	b.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis broker")
	return b, nil
}

// NewRedisBusFromClient wraps an existing client. The bus owns it after this call.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, logger: log.WithComponent("bus")}
}

// Publish sends payload to channel. Messages published while nobody is
// subscribed are lost.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.IncBusPublish(channel, "error")
		return fmt.Errorf("publish channel %q: %w", channel, err)
	}
	metrics.IncBusPublish(channel, "ok")
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe channel %q: %w", channel, err)
	}

	s := &redisSub{
		ps:   ps,
		out:  make(chan Message, memBufferSize),
		done: make(chan struct{}),
	}
	go s.forward(ps.Channel())
	return s, nil
}

// Ping reports broker reachability for readiness probes.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client and with it every subscription.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) C() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
