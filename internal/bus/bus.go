// Package bus joins a bridged peer's outbound queue and inbound stream into
// correlated request/reply calls.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/callback"
	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

var (
	ErrClosed   = errors.New("bus closed")
	ErrPeerGone = errors.New("peer gone")
	ErrTimeout  = errors.New("timed out waiting for reply")
)

const (
	DefaultQueueSize = 64

	recentRepliesSize = 256
)

// Handler receives messages that do not answer a pending request.
type Handler func(ctx context.Context, msg *protocol.Message)

type Config struct {
	QueueSize     int
	Slots         *callback.Pool
	Logger        logrus.FieldLogger
	OnUnsolicited Handler
}

type replyState uint8

const (
	replyDelivered replyState = iota + 1
	replyExpired
)

type Bus struct {
	out     chan *protocol.Message
	pending *xsync.MapOf[string, *callback.Slot]
	recent  *lru.Cache[string, replyState]
	slots   *callback.Pool
	handler Handler
	logger  logrus.FieldLogger

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Slots == nil {
		cfg.Slots = callback.NewPool(callback.DefaultPoolSize, cfg.Logger)
	}

	// lru.New only fails for a non-positive size.
	recent, _ := lru.New[string, replyState](recentRepliesSize)

	return &Bus{
		out:     make(chan *protocol.Message, cfg.QueueSize),
		pending: xsync.NewMapOf[string, *callback.Slot](),
		recent:  recent,
		slots:   cfg.Slots,
		handler: cfg.OnUnsolicited,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
}

// Send queues msg for the transport. It blocks while the queue is full.
func (b *Bus) Send(ctx context.Context, msg *protocol.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	select {
	case b.out <- msg:
		metricQueued.Inc()
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reply sends payload as the answer to req.
func (b *Bus) Reply(ctx context.Context, req *protocol.Message, payload protocol.Payload) error {
	return b.Send(ctx, &protocol.Message{
		ID:      uuid.NewString(),
		ReplyTo: req.ID,
		Payload: payload,
	})
}

// Request sends payload and waits up to timeout for the correlated reply.
// The correlation entry is gone and the slot released when it returns.
func (b *Bus) Request(ctx context.Context, payload protocol.Payload, timeout time.Duration) (*protocol.Message, error) {
	id := uuid.NewString()
	slot := b.slots.Acquire()

	b.pending.Store(id, slot)
	metricPending.Inc()

	if b.closed.Load() {
		b.abandon(id, slot)
		metricRequests.WithLabelValues("gone").Inc()
		return nil, ErrPeerGone
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.Send(waitCtx, &protocol.Message{ID: id, Payload: payload}); err != nil {
		b.abandon(id, slot)
		return nil, b.requestErr(ctx, err)
	}

	reply, err := slot.Await(waitCtx)
	if err != nil {
		if _, ok := b.pending.LoadAndDelete(id); ok {
			metricPending.Dec()
			b.recent.Add(id, replyExpired)
			b.slots.Release(slot)
			return nil, b.requestErr(ctx, err)
		}
		// Deliver or Close claimed the entry first and completes the slot
		// without blocking, so this returns promptly.
		reply, err = slot.Await(context.Background())
	}
	b.slots.Release(slot)

	if err != nil {
		return nil, b.requestErr(ctx, err)
	}
	metricRequests.WithLabelValues("replied").Inc()
	return reply, nil
}

func (b *Bus) abandon(id string, slot *callback.Slot) {
	if _, ok := b.pending.LoadAndDelete(id); ok {
		metricPending.Dec()
		b.slots.Release(slot)
		return
	}
	_, _ = slot.Await(context.Background())
	b.slots.Release(slot)
}

func (b *Bus) requestErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPeerGone), errors.Is(err, ErrClosed):
		metricRequests.WithLabelValues("gone").Inc()
		return ErrPeerGone
	case ctx.Err() != nil:
		metricRequests.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		metricRequests.WithLabelValues("timeout").Inc()
		return ErrTimeout
	default:
		metricRequests.WithLabelValues("error").Inc()
		return err
	}
}

// Deliver hands an inbound message to its waiter, or to the unsolicited
// handler when it is not a reply. Callers deliver one peer's messages in
// arrival order.
func (b *Bus) Deliver(ctx context.Context, msg *protocol.Message) {
	if !msg.IsReply() {
		if b.handler == nil {
			b.logger.WithField("type", msg.Type().String()).Debug("Dropping unsolicited message, no handler")
			return
		}
		b.handler(ctx, msg)
		return
	}

	slot, ok := b.pending.LoadAndDelete(msg.ReplyTo)
	if !ok {
		b.dropReply(msg)
		return
	}
	metricPending.Dec()
	b.recent.Add(msg.ReplyTo, replyDelivered)

	if err := slot.Signal(msg); err != nil {
		b.logger.WithError(err).WithField("reply_to", msg.ReplyTo).Error("Failed to signal callback slot")
	}
}

func (b *Bus) dropReply(msg *protocol.Message) {
	log := b.logger.WithFields(logrus.Fields{
		"reply_to": msg.ReplyTo,
		"type":     msg.Type().String(),
	})

	state, _ := b.recent.Get(msg.ReplyTo)
	switch state {
	case replyDelivered:
		metricDroppedReplies.WithLabelValues("duplicate").Inc()
		log.Warn("Dropping duplicate reply")
	case replyExpired:
		metricDroppedReplies.WithLabelValues("late").Inc()
		log.Info("Dropping reply that arrived after its request timed out")
	default:
		metricDroppedReplies.WithLabelValues("unknown").Inc()
		log.Warn("Dropping reply to unknown correlation id")
	}
}

// Outbound is drained by the transport writer.
func (b *Bus) Outbound() <-chan *protocol.Message {
	return b.out
}

// Done is closed once the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Pending returns the number of requests awaiting a reply.
func (b *Bus) Pending() int {
	return b.pending.Size()
}

// Close stops the bus and completes every pending request with ErrPeerGone.
func (b *Bus) Close(reason error) {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)

		failed := 0
		b.pending.Range(func(id string, _ *callback.Slot) bool {
			if slot, ok := b.pending.LoadAndDelete(id); ok {
				metricPending.Dec()
				_ = slot.Fail(ErrPeerGone)
				failed++
			}
			return true
		})

		log := b.logger.WithField("pending", failed)
		if reason != nil {
			log = log.WithError(reason)
		}
		log.Debug("Message bus closed")
	})
}
