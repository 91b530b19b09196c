package mqtt

import (
	"context"
)

// MessageHandler processes one received message. Handlers run on the
// client's reader, in arrival order, and must not block for long.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client defines the interface for a generic MQTT client.
// It abstracts the underlying paho implementation details.
type Client interface {
	// Start initiates the connection to the broker.
	// It is non-blocking and returns immediately. Use AwaitConnection to wait.
	Start(ctx context.Context) error

	// Disconnect cleanly closes the connection.
	Disconnect(ctx context.Context)

	// Publish sends a message to the specified topic.
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers a handler for a topic filter. Registered filters
	// are subscribed again whenever the connection comes up.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	// Unsubscribe removes the handler and sends an UNSUBSCRIBE packet.
	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until the client is connected to the broker.
	AwaitConnection(ctx context.Context) error

	// IsConnected reports whether the broker connection is currently up.
	IsConnected() bool

	// Done is closed when the connection is lost and will not be restored
	// by the client itself, or after Disconnect.
	Done() <-chan struct{}

	// Err returns the reason Done was closed.
	Err() error
}
