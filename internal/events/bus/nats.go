package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/config"
	"github.com/robocore/robocore/internal/common/logger"
)

// NATSBus implements Bus over a NATS subject, allowing multiple cores to
// share one broadcast stream.
type NATSBus[T any] struct {
	conn    *nats.Conn
	subject string
	ownConn bool
	logger  *logger.Logger
}

// NewNATSBus connects to NATS and returns a bus bound to the given subject.
func NewNATSBus[T any](cfg config.NATSConfig, subject string, log *logger.Logger) (*NATSBus[T], error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject", subject))

	return &NATSBus[T]{
		conn:    conn,
		subject: subject,
		ownConn: true,
		logger:  log,
	}, nil
}

// NewNATSBusWithConn binds a bus to a subject over an existing connection.
// The connection is not closed when the bus closes.
func NewNATSBusWithConn[T any](conn *nats.Conn, subject string, log *logger.Logger) *NATSBus[T] {
	return &NATSBus[T]{
		conn:    conn,
		subject: subject,
		logger:  log,
	}
}

// Publish broadcasts a message on the bus subject.
func (b *NATSBus[T]) Publish(ctx context.Context, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe creates a channel subscription on the bus subject.
func (b *NATSBus[T]) Subscribe() (Subscription[T], error) {
	raw := make(chan *nats.Msg, DefaultCapacity)
	natsSub, err := b.conn.ChanSubscribe(b.subject, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	sub := &natsSubscription[T]{
		sub:  natsSub,
		raw:  raw,
		ch:   make(chan T, DefaultCapacity),
		done: make(chan struct{}),
	}
	go sub.decode(b.logger)
	return sub, nil
}

// Close drains the connection if owned by this bus.
func (b *NATSBus[T]) Close() {
	if !b.ownConn || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus[T]) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription[T any] struct {
	sub     *nats.Subscription
	raw     chan *nats.Msg
	ch      chan T
	done    chan struct{}
	once    sync.Once
	invalid bool
	mu      sync.Mutex
}

func (s *natsSubscription[T]) decode(log *logger.Logger) {
	defer close(s.ch)
	for {
		select {
		case msg, ok := <-s.raw:
			if !ok {
				return
			}
			var decoded T
			if err := json.Unmarshal(msg.Data, &decoded); err != nil {
				log.Error("Failed to unmarshal bus message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				continue
			}
			select {
			case s.ch <- decoded:
			default:
				// Drop the oldest buffered message for this slow subscriber.
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- decoded:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

// C returns the subscriber's message channel.
func (s *natsSubscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the NATS subscription and stops the decode loop.
func (s *natsSubscription[T]) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.invalid = true
		s.mu.Unlock()
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}

// IsValid returns whether the subscription is still active.
func (s *natsSubscription[T]) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid && s.sub.IsValid()
}
