// Package bus provides broadcast bus abstractions for robocore.
package bus

import "context"

// DefaultCapacity is the per-subscriber buffer size. When a slow
// subscriber's buffer fills, the oldest buffered message is dropped.
const DefaultCapacity = 1024

// Subscription represents an active subscription delivering messages on C.
type Subscription[T any] interface {
	// C returns the channel carrying broadcast messages for this subscriber.
	C() <-chan T

	// Unsubscribe removes the subscription and closes C.
	Unsubscribe() error

	// IsValid returns whether the subscription is still active.
	IsValid() bool
}

// Bus is a process-wide broadcast channel. Every subscriber receives every
// published message, subject to the lossy buffering contract: messages are
// ephemeral notifications, not state transfer.
type Bus[T any] interface {
	// Publish broadcasts a message to all current subscribers.
	Publish(ctx context.Context, msg T) error

	// Subscribe registers a new subscriber with a buffered channel.
	Subscribe() (Subscription[T], error)

	// Close shuts the bus down and invalidates all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
