package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const defaultBufferSize = 256

// LocalBus delivers events in-process. Every subscriber owns a bounded queue and a
// goroutine, so a slow handler never blocks publishers or other subscribers. When a
// queue overflows the event is dropped and the subscriber receives a resync.
type LocalBus struct {
	mu         sync.RWMutex
	topics     map[string]map[string]*localSubscriber
	bufferSize int
	closed     bool
	logger     logrus.FieldLogger
}

type localSubscriber struct {
	sub      *Subscription
	handler  Handler
	queue    chan Event
	stop     chan struct{}
	overflow atomic.Bool
}

func NewLocalBus(bufferSize int, logger logrus.FieldLogger) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &LocalBus{
		topics:     make(map[string]map[string]*localSubscriber),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, subscriber := range b.topics[event.Topic] {
		select {
		case subscriber.queue <- event:
		default:
			subscriber.overflow.Store(true)
			b.logger.WithFields(logrus.Fields{
				"topic":        event.Topic,
				"subscription": subscriber.sub.id,
				"event":        event.Type,
			}).Warn("subscriber queue full, dropping event")
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subscriber := &localSubscriber{
		handler: handler,
		queue:   make(chan Event, b.bufferSize),
		stop:    make(chan struct{}),
	}
	subscriber.sub = NewSubscription(topic, func() {
		b.remove(topic, subscriber)
	})
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*localSubscriber)
	}
	b.topics[topic][subscriber.sub.id] = subscriber

	go b.run(ctx, subscriber)
	return subscriber.sub, nil
}

func (b *LocalBus) run(ctx context.Context, subscriber *localSubscriber) {
	defer subscriber.sub.Finish()
	for {
		select {
		case <-subscriber.stop:
			return
		case <-ctx.Done():
			subscriber.sub.Cancel()
			return
		case event := <-subscriber.queue:
			deliver(b.logger, subscriber.sub, subscriber.handler, event)
			if subscriber.overflow.CompareAndSwap(true, false) {
				deliver(b.logger, subscriber.sub, subscriber.handler, resyncEvent(subscriber.sub.topic))
			}
		}
	}
}

func (b *LocalBus) remove(topic string, subscriber *localSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		if _, ok := subs[subscriber.sub.id]; ok {
			delete(subs, subscriber.sub.id)
			close(subscriber.stop)
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscriberCount reports how many live subscriptions a topic has.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subscribers []*localSubscriber
	for _, subs := range b.topics {
		for _, subscriber := range subs {
			subscribers = append(subscribers, subscriber)
		}
	}
	b.mu.Unlock()

	for _, subscriber := range subscribers {
		subscriber.sub.Cancel()
	}
	return nil
}
