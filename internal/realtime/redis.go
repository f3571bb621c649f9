package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

type RedisOptions struct {
	Prefix           string
	PublishRetries   int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 250 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 30 * time.Second
	}
	if o.PublishRetries < 0 {
		o.PublishRetries = 0
	}
	return o
}

// RedisBus fans events out across API processes over Redis pub/sub. Events are
// msgpack encoded. A subscription that loses its connection reconnects with capped
// exponential backoff and then delivers a resync, since anything published while
// it was away is gone.
type RedisBus struct {
	client *redis.Client
	opts   RedisOptions
	logger logrus.FieldLogger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func NewRedisBus(ctx context.Context, redisURL string, opts RedisOptions, logger logrus.FieldLogger) (*RedisBus, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusWithClient(client, opts, logger), nil
}

func NewRedisBusWithClient(client *redis.Client, opts RedisOptions, logger logrus.FieldLogger) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

func (b *RedisBus) channelName(topic string) string {
	return b.opts.Prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	channel := b.channelName(event.Topic)
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(b.opts.PublishRetries)), ctx)
	err = backoff.Retry(func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransient, event.Topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	channel := b.channelName(topic)
	pubsub, err := b.subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransient, topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	state := &redisSubscription{pubsub: pubsub}
	var sub *Subscription
	sub = NewSubscription(topic, func() {
		cancel()
		state.close()
		b.forget(sub.id)
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.run(runCtx, sub, state, channel, handler)
	return sub, nil
}

// subscribe opens a pubsub and waits for the server to confirm it.
func (b *RedisBus) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

type redisSubscription struct {
	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

func (s *redisSubscription) current() *redis.PubSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubsub
}

func (s *redisSubscription) replace(pubsub *redis.PubSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = pubsub.Close()
		return false
	}
	s.pubsub = pubsub
	return true
}

// close unblocks a pending receive; cancelling the context alone does not.
func (s *redisSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
}

func (b *RedisBus) run(ctx context.Context, sub *Subscription, state *redisSubscription, channel string, handler Handler) {
	defer sub.Finish()
	logger := b.logger.WithFields(logrus.Fields{"topic": sub.topic, "subscription": sub.id})

	for {
		msg, err := state.current().ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("redis subscription lost, reconnecting")
			_ = state.current().Close()
			if !b.reconnect(ctx, state, channel, logger) {
				return
			}
			deliver(b.logger, sub, handler, resyncEvent(sub.topic))
			continue
		}

		var event Event
		if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
			logger.WithError(err).Warn("dropping undecodable event")
			continue
		}
		deliver(b.logger, sub, handler, event)
	}
}

func (b *RedisBus) reconnect(ctx context.Context, state *redisSubscription, channel string, logger logrus.FieldLogger) bool {
	policy := b.newBackOff()
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		pubsub, err := b.subscribe(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.WithError(err).WithField("attempt", attempt).Debug("redis resubscribe failed")
			continue
		}
		if !state.replace(pubsub) {
			return false
		}
		logger.WithField("attempt", attempt).Info("redis subscription restored")
		return true
	}
}

func (b *RedisBus) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.ReconnectInitial
	policy.MaxInterval = b.opts.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (b *RedisBus) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
		<-sub.Done()
	}
	return b.client.Close()
}
