package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/observability"
)

// ErrBusClosed is returned by publish and consume calls once the bus is closed.
var ErrBusClosed = errors.New("bus: closed")

// DefaultCapacity is used when NewMessageBus receives a non-positive capacity.
const DefaultCapacity = 100

const (
	dirInbound  = "inbound"
	dirOutbound = "outbound"
)

// MessageBus is the single queue pair shared by channels and the agent loop.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	// mu guards closing the channels against in-flight sends.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

// NewMessageBus creates a bus whose queues each hold up to capacity messages.
func NewMessageBus(capacity int, logger zerolog.Logger) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// PublishInbound enqueues a message for the agent loop, blocking while the
// queue is full.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	msg = msg.detach()
	if err := publish(ctx, b, b.inbound, msg, dirInbound); err != nil {
		return err
	}
	observability.RecordBusPublish(dirInbound, msg.Channel, len(b.inbound))
	b.logger.Debug().
		Str("channel", msg.Channel).
		Str("chat_id", msg.ChatID).
		Int("depth", len(b.inbound)).
		Msg("Inbound message published")
	return nil
}

// PublishOutbound enqueues a reply for the channel manager, blocking while the
// queue is full.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	msg = msg.detach()
	if err := publish(ctx, b, b.outbound, msg, dirOutbound); err != nil {
		return err
	}
	observability.RecordBusPublish(dirOutbound, msg.Channel, len(b.outbound))
	b.logger.Debug().
		Str("channel", msg.Channel).
		Str("chat_id", msg.ChatID).
		Int("depth", len(b.outbound)).
		Msg("Outbound message published")
	return nil
}

func publish[T any](ctx context.Context, b *MessageBus, ch chan T, msg T, dir string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		observability.RecordBusRejected(dir, "closed")
		return ErrBusClosed
	}

	select {
	case ch <- msg:
		return nil
	case <-b.done:
		observability.RecordBusRejected(dir, "closed")
		return ErrBusClosed
	case <-ctx.Done():
		observability.RecordBusRejected(dir, "context")
		return ctx.Err()
	}
}

// ConsumeInbound waits for the next inbound message. After Close it keeps
// returning queued messages and then ErrBusClosed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, error) {
	return consume(ctx, b.inbound, dirInbound)
}

// ConsumeOutbound waits for the next outbound message with the same drain
// semantics as ConsumeInbound.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, error) {
	return consume(ctx, b.outbound, dirOutbound)
}

func consume[T any](ctx context.Context, ch chan T, dir string) (T, error) {
	select {
	case msg, ok := <-ch:
		if !ok {
			var zero T
			return zero, ErrBusClosed
		}
		observability.SetBusDepth(dir, len(ch))
		return msg, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Inbound exposes the inbound queue for range loops. It is closed once the bus
// is closed and drained.
func (b *MessageBus) Inbound() <-chan InboundMessage {
	return b.inbound
}

// Outbound exposes the outbound queue for range loops.
func (b *MessageBus) Outbound() <-chan OutboundMessage {
	return b.outbound
}

// Close rejects further publishes and releases blocked publishers with
// ErrBusClosed. Messages already queued stay available to consumers.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.closed = true
		pendingIn, pendingOut := len(b.inbound), len(b.outbound)
		close(b.inbound)
		close(b.outbound)
		b.mu.Unlock()

		b.logger.Info().
			Int("pending_inbound", pendingIn).
			Int("pending_outbound", pendingOut).
			Msg("Message bus closed, draining")
	})
}

// Closed reports whether Close has been called.
func (b *MessageBus) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Capacity is the size of each queue.
func (b *MessageBus) Capacity() int {
	return cap(b.inbound)
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
