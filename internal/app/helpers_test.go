package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"courier/api/internal/config"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

var testEpoch = time.Date(2026, time.April, 6, 8, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	bus   *realtime.LocalBus
	clock *fakeClock
	logs  *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dataStore := store.NewMemoryStore()
	bus := realtime.NewLocalBus(64, logger)
	t.Cleanup(func() { _ = bus.Close() })

	clock := &fakeClock{now: testEpoch}
	svc := New(config.Default(), dataStore, bus, logger)
	svc.now = clock.Now
	t.Cleanup(func() { closeService(t, svc) })
	return &fixture{svc: svc, store: dataStore, bus: bus, clock: clock, logs: hook}
}

func closeService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		t.Errorf("Service.Close: %v", err)
	}
}

func (f *fixture) group(t *testing.T, creator string, members ...string) store.Channel {
	t.Helper()
	channel, err := f.svc.CreateChannel(context.Background(), creator, CreateChannelInput{
		Name:      "Launch",
		Kind:      "group",
		MemberIDs: members,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

func (f *fixture) direct(t *testing.T, creator, other string) store.Channel {
	t.Helper()
	channel, err := f.svc.CreateChannel(context.Background(), creator, CreateChannelInput{
		Name:      "dm",
		Kind:      "direct",
		MemberIDs: []string{other},
	})
	if err != nil {
		t.Fatalf("CreateChannel direct: %v", err)
	}
	return channel
}

func (f *fixture) send(t *testing.T, sender, channelID, content string) store.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	msg, err := f.svc.SendMessage(context.Background(), sender, channelID, SendInput{Content: &content})
	if err != nil {
		t.Fatalf("SendMessage(%s): %v", sender, err)
	}
	return msg
}

func (f *fixture) unread(t *testing.T, userID, channelID string) int {
	t.Helper()
	count, err := f.svc.UnreadCount(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("UnreadCount(%s): %v", userID, err)
	}
	return count
}

func (f *fixture) memberCount(t *testing.T, channelID string) int {
	t.Helper()
	members, err := f.store.ListMembers(context.Background(), channelID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	return len(members)
}

func (f *fixture) messageCount(t *testing.T, channelID string) int {
	t.Helper()
	count, err := f.store.CountMessages(context.Background(), channelID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	return count
}

func expectKind(t *testing.T, err error, kind *DomainError) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind.Code)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %s, got %v", kind.Code, err)
	}
}

// eventLog records bus events for one topic.
type eventLog struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fixture) watch(t *testing.T, topic string) *eventLog {
	t.Helper()
	log := &eventLog{}
	sub, err := f.bus.Subscribe(context.Background(), topic, func(event realtime.Event) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.events = append(log.events, event)
	})
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", topic, err)
	}
	t.Cleanup(sub.Cancel)
	return log
}

func (l *eventLog) snapshot() []realtime.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]realtime.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(eventType realtime.EventType) int {
	n := 0
	for _, event := range l.snapshot() {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
