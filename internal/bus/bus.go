// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus is the message broker seam: named pub/sub channels carrying
// opaque payloads. Delivery is at-most-once on both implementations.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on or subscribing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Bus publishes to and subscribes on named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscriber, error)
	Close() error
}

// Subscriber delivers messages until Close, which also closes C.
type Subscriber interface {
	C() <-chan Message
	Close() error
}
