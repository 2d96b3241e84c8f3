// Package bus implements the connector every component uses to talk on the
// hivemesh message bus: envelope construction and parsing, request/response
// correlation, acknowledgements, and automatic reconnection. The underlying
// topic transport is pluggable; an in-memory broker and a PostgreSQL
// NOTIFY/LISTEN implementation are provided.
package bus

import "context"

// RawHandler receives the raw bytes published to a topic.
type RawHandler func(topic string, data []byte)

// Transport is the minimal topic pub/sub surface the connector is built on.
// Implementations own their connection lifecycle, including reconnection and
// re-subscription after an outage.
type Transport interface {
	// Connect establishes the transport. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down. Idempotent.
	Disconnect(ctx context.Context) error
	// Publish sends data to a topic. Returns once the transport has
	// accepted the message.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers a handler for a topic. A topic has at most one
	// raw handler per transport instance.
	Subscribe(ctx context.Context, topic string, handler RawHandler) error
	// Unsubscribe removes a topic registration.
	Unsubscribe(ctx context.Context, topic string) error
}
