package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"courier/api/internal/util"
)

var (
	ErrClosed = errors.New("bus closed")
	// ErrTransient wraps publish and subscribe failures caused by the transport.
	ErrTransient = errors.New("realtime transport unavailable")
)

type Handler func(Event)

type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error)
	Close() error
}

// Subscription is the handle returned by Subscribe. Cancel stops delivery; Done is
// closed once the delivery goroutine has exited and no further handler calls will
// be made.
type Subscription struct {
	id     string
	topic  string
	stop   func()
	once   sync.Once
	done   chan struct{}
	closed sync.Once
}

// NewSubscription builds a handle for a bus implementation. stop runs at most once,
// on the first Cancel; the implementation calls Finish when delivery has ended.
func NewSubscription(topic string, stop func()) *Subscription {
	return &Subscription{
		id:    util.NewID("sub"),
		topic: topic,
		stop:  stop,
		done:  make(chan struct{}),
	}
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Cancel() {
	s.once.Do(s.stop)
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Finish() {
	s.closed.Do(func() { close(s.done) })
}

func deliver(logger logrus.FieldLogger, sub *Subscription, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"topic":        sub.topic,
				"subscription": sub.id,
				"event":        event.Type,
				"panic":        r,
			}).Error("event handler panic")
		}
	}()
	handler(event)
}
