package app

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"courier/api/internal/realtime"
)

const (
	dispatchLanes        = 16
	defaultDispatchQueue = 256
	publishTimeout       = 5 * time.Second
)

// dispatcher hands committed events to the bus off the request path. Events for
// one channel always go through the same lane, and a lane publishes one event
// at a time, so per-channel order is the order of enqueue.
type dispatcher struct {
	bus    realtime.Bus
	logger logrus.FieldLogger
	lanes  []chan realtime.Event
	ctx    context.Context
	abort  context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newDispatcher(bus realtime.Bus, queueSize int, logger logrus.FieldLogger) *dispatcher {
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}
	ctx, abort := context.WithCancel(context.Background())
	d := &dispatcher{
		bus:    bus,
		logger: logger,
		lanes:  make([]chan realtime.Event, dispatchLanes),
		ctx:    ctx,
		abort:  abort,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan realtime.Event, queueSize)
		d.wg.Add(1)
		go d.drain(d.lanes[i])
	}
	return d
}

// enqueue never blocks. A full lane drops the event; subscribers catch up on
// their next reconcile.
func (d *dispatcher) enqueue(events ...realtime.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, event := range events {
		if d.closed {
			d.logger.WithField("event", event.Type).Warn("dispatcher closed, dropping event")
			continue
		}
		select {
		case d.lanes[d.lane(event)] <- event:
		default:
			d.logger.WithFields(logrus.Fields{
				"event":      event.Type,
				"topic":      event.Topic,
				"channel_id": event.ChannelID,
			}).Warn("dispatch queue full, dropping event")
		}
	}
}

func (d *dispatcher) lane(event realtime.Event) int {
	key := event.ChannelID
	if key == "" {
		key = event.Topic
	}
	return int(xxhash.Sum64String(key) % dispatchLanes)
}

func (d *dispatcher) drain(lane chan realtime.Event) {
	defer d.wg.Done()
	for event := range lane {
		d.publish(event)
	}
}

func (d *dispatcher) publish(event realtime.Event) {
	ctx, cancel := context.WithTimeout(d.ctx, publishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, event); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"event":      event.Type,
			"topic":      event.Topic,
			"channel_id": event.ChannelID,
			"message_id": event.MessageID,
		}).Warn("publish event failed")
	}
}

// close stops accepting events and waits for queued ones to be published. If
// ctx ends first, in-flight publishes are aborted and the rest are dropped.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.abort()
		return nil
	case <-ctx.Done():
		d.abort()
		<-done
		return ctx.Err()
	}
}
