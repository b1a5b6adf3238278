// Package broadcast fans normalized events out to connected subscribers
// through one bounded queue.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/observability"
)

// Message is one fan-out unit: the canonical event type plus the event
// itself.
type Message struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// SendFunc pushes one message to a subscriber. A non-nil error retires the
// subscriber; the bridge never retries a send.
type SendFunc func(Message) error

type subscription struct {
	id     string
	filter *Filter
	send   SendFunc
}

// Bridge decouples ingestion from delivery with a bounded queue and a
// single dispatcher goroutine. Publish never blocks: when the queue is
// full the message is dropped and counted, so a stalled subscriber can
// slow delivery but never ingestion.
type Bridge struct {
	queue       chan Message
	pollTimeout time.Duration
	metrics     *observability.Metrics
	log         *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	startOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

// NewBridge creates a bridge with the given queue capacity. The dispatcher
// starts lazily on first use and runs until Close.
func NewBridge(queueSize int, pollTimeout time.Duration, metrics *observability.Metrics, log *zap.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Bridge{
		queue:       make(chan Message, queueSize),
		pollTimeout: pollTimeout,
		metrics:     metrics,
		log:         log,
		subs:        make(map[string]*subscription),
		done:        make(chan struct{}),
	}
}

// Publish enqueues a message for fan-out. It reports false when the queue
// was full and the message dropped.
func (b *Bridge) Publish(kind string, payload any) bool {
	b.ensureDispatcher()

	select {
	case b.queue <- Message{Kind: kind, Payload: payload}:
		b.metrics.BroadcastQueueDepth.Set(float64(len(b.queue)))
		return true
	case <-b.done:
		return false
	default:
		b.metrics.BroadcastDroppedTotal.Inc()
		b.log.Warn("broadcast queue full, dropping message", zap.String("kind", kind))
		return false
	}
}

// Subscribe registers a delivery function with an optional filter and
// returns the subscription id. A nil filter receives everything.
func (b *Bridge) Subscribe(filter *Filter, send SendFunc) string {
	b.ensureDispatcher()

	id := uuid.New().String()
	b.mu.Lock()
	b.subs[id] = &subscription{id: id, filter: filter, send: send}
	b.mu.Unlock()

	b.metrics.SubscribersConnected.Inc()
	b.log.Info("subscriber connected", zap.String("subscription_id", id))
	return id
}

// Unsubscribe removes a subscription. It is safe to call for an id the
// bridge already retired.
func (b *Bridge) Unsubscribe(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		b.metrics.SubscribersConnected.Dec()
		b.log.Info("subscriber disconnected", zap.String("subscription_id", id))
	}
}

// Close stops the dispatcher. Queued but undelivered messages are
// discarded.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.done) })
}

func (b *Bridge) ensureDispatcher() {
	b.startOnce.Do(func() { go b.dispatch() })
}

func (b *Bridge) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			b.metrics.BroadcastQueueDepth.Set(float64(len(b.queue)))
			b.deliver(msg)
		case <-time.After(b.pollTimeout):
			// Idle tick keeps the depth gauge honest between messages.
			b.metrics.BroadcastQueueDepth.Set(float64(len(b.queue)))
		}
	}
}

// deliver pushes one message to every matching subscriber. A failed send
// retires that subscriber; the rest are unaffected.
func (b *Bridge) deliver(msg Message) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(msg) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if err := sub.send(msg); err != nil {
			b.log.Info("subscriber send failed, dropping it",
				zap.String("subscription_id", sub.id), zap.Error(err))
			b.Unsubscribe(sub.id)
			continue
		}
		b.metrics.BroadcastDeliveredTotal.Inc()
	}
}
