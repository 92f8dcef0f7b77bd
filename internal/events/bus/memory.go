package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/robocore/robocore/internal/common/logger"
)

// MemoryBus implements Bus using in-memory channels.
type MemoryBus[T any] struct {
	subscribers []*memorySubscription[T]
	capacity    int
	mu          sync.RWMutex
	logger      *logger.Logger
	closed      bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription[T any] struct {
	bus    *MemoryBus[T]
	ch     chan T
	active bool
	mu     sync.Mutex
}

// C returns the subscriber's message channel.
func (s *memorySubscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *memorySubscription[T]) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subscribers {
		if sub == s {
			s.bus.subscribers = append(s.bus.subscribers[:i], s.bus.subscribers[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription[T]) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory broadcast bus.
func NewMemoryBus[T any](log *logger.Logger) *MemoryBus[T] {
	return NewMemoryBusWithCapacity[T](log, DefaultCapacity)
}

// NewMemoryBusWithCapacity creates an in-memory bus with a custom
// per-subscriber buffer size. Used by tests to exercise the overflow path.
func NewMemoryBusWithCapacity[T any](log *logger.Logger, capacity int) *MemoryBus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryBus[T]{
		capacity: capacity,
		logger:   log,
	}
}

// Publish broadcasts a message to all subscribers. Subscribers whose buffer
// is full lose their oldest buffered message.
func (b *MemoryBus[T]) Publish(ctx context.Context, msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, sub := range b.subscribers {
		sub.mu.Lock()
		if !sub.active {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Buffer full: drop the oldest entry to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
		sub.mu.Unlock()
	}

	return nil
}

// Subscribe registers a new subscriber.
func (b *MemoryBus[T]) Subscribe() (Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription[T]{
		bus:    b,
		ch:     make(chan T, b.capacity),
		active: true,
	}
	b.subscribers = append(b.subscribers, sub)
	return sub, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	b.subscribers = nil
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus[T]) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
