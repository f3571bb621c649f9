package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/api/internal/app"
	"courier/api/internal/config"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

type env struct {
	svc    *app.Service
	store  *store.MemoryStore
	bus    *realtime.LocalBus
	logger logrus.FieldLogger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger, _ := test.NewNullLogger()
	bus := realtime.NewLocalBus(64, logger)
	t.Cleanup(func() { _ = bus.Close() })
	dataStore := store.NewMemoryStore()
	svc := app.New(config.Default(), dataStore, bus, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &env{svc: svc, store: dataStore, bus: bus, logger: logger}
}

func (e *env) group(t *testing.T, creator string, members ...string) store.Channel {
	t.Helper()
	channel, err := e.svc.CreateChannel(context.Background(), creator, app.CreateChannelInput{Name: "Launch", MemberIDs: members})
	require.NoError(t, err)
	return channel
}

func (e *env) send(t *testing.T, sender, channelID, content string) store.Message {
	t.Helper()
	msg, err := e.svc.SendMessage(context.Background(), sender, channelID, app.SendInput{Content: &content})
	require.NoError(t, err)
	return msg
}

func (e *env) open(t *testing.T, userID, channelID string, live bool, pageSize int) *Viewer {
	t.Helper()
	scope := e.svc.ForUser(userID)
	var subscriber Subscriber
	if live {
		subscriber = scope
	}
	v, err := Open(context.Background(), scope, subscriber, userID, channelID, Options{PageSize: pageSize, Logger: e.logger})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func contents(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Message.Content == nil {
			out = append(out, "")
			continue
		}
		out = append(out, *entry.Message.Content)
	}
	return out
}

// flakyBackend wraps a real scope and fails on demand.
type flakyBackend struct {
	*app.UserScope
	failFetch atomic.Bool
	// loseReply makes SendMessage store the message, then report a failure.
	loseReply atomic.Bool
	block     atomic.Bool
	fetches   atomic.Int32
}

var errOffline = errors.New("offline")

func (b *flakyBackend) FetchMessages(ctx context.Context, channelID, before string, limit int) (app.Page, error) {
	b.fetches.Add(1)
	if b.block.Load() {
		<-ctx.Done()
		return app.Page{}, ctx.Err()
	}
	if b.failFetch.Load() {
		return app.Page{}, errOffline
	}
	return b.UserScope.FetchMessages(ctx, channelID, before, limit)
}

func (b *flakyBackend) SendMessage(ctx context.Context, channelID string, input app.SendInput) (store.Message, error) {
	if b.loseReply.Load() {
		if _, err := b.UserScope.SendMessage(ctx, channelID, input); err != nil {
			return store.Message{}, err
		}
		return store.Message{}, errOffline
	}
	return b.UserScope.SendMessage(ctx, channelID, input)
}

func TestOpenLoadsNewestPageAndUnread(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	for i := 1; i <= 3; i++ {
		e.send(t, "alice", channel.ID, fmt.Sprintf("m%d", i))
	}

	v := e.open(t, "bob", channel.ID, false, 10)

	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(v.Entries()))
	assert.Equal(t, 3, v.UnreadCount())
	assert.False(t, v.HasOlder())
	assert.False(t, v.Stale())
}

func TestOpenCreatesReadWatermark(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	e.send(t, "alice", channel.ID, "before bob looks")

	_, err := e.store.GetWatermark(context.Background(), channel.ID, "bob")
	require.ErrorIs(t, err, store.ErrNotFound)

	v := e.open(t, "bob", channel.ID, false, 10)

	watermark, err := e.store.GetWatermark(context.Background(), channel.ID, "bob")
	require.NoError(t, err)
	assert.True(t, watermark.LastReadAt.IsZero())
	assert.Equal(t, 1, v.UnreadCount())
}

func TestSendIsPendingThenConfirmed(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	v := e.open(t, "alice", channel.ID, true, 10)

	entry, err := v.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, EntryConfirmed, entry.State)
	assert.NotEmpty(t, entry.Message.ID)
	assert.NotEmpty(t, entry.ClientID)

	// The echo through the bus must not add a second copy.
	time.Sleep(50 * time.Millisecond)
	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entry.Message.ID, entries[0].Key())
	assert.Equal(t, EntryConfirmed, entries[0].State)
}

func TestSendShowsPendingUntilServerAnswers(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	backend := &gatedBackend{UserScope: e.svc.ForUser("alice"), entered: make(chan struct{}), release: make(chan struct{})}

	var changes atomic.Int32
	v, err := Open(context.Background(), backend, nil, "alice", channel.ID, Options{
		Logger:   e.logger,
		OnChange: func() { changes.Add(1) },
	})
	require.NoError(t, err)
	defer v.Close()
	afterOpen := changes.Load()

	done := make(chan error, 1)
	go func() {
		_, err := v.Send(context.Background(), "hello")
		done <- err
	}()

	<-backend.entered
	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryPending, entries[0].State)
	assert.Equal(t, "hello", *entries[0].Message.Content)
	assert.Greater(t, changes.Load(), afterOpen)

	close(backend.release)
	require.NoError(t, <-done)
	entries = v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryConfirmed, entries[0].State)
}

// gatedBackend holds SendMessage until released.
type gatedBackend struct {
	*app.UserScope
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) SendMessage(ctx context.Context, channelID string, input app.SendInput) (store.Message, error) {
	close(b.entered)
	<-b.release
	return b.UserScope.SendMessage(ctx, channelID, input)
}

func TestRetryAfterLostReplyDoesNotDuplicate(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	backend := &flakyBackend{UserScope: e.svc.ForUser("alice")}
	v, err := Open(context.Background(), backend, nil, "alice", channel.ID, Options{Logger: e.logger})
	require.NoError(t, err)
	defer v.Close()

	backend.loseReply.Store(true)
	failed, err := v.Send(context.Background(), "hello")
	require.ErrorIs(t, err, errOffline)
	assert.Equal(t, EntryFailed, failed.State)

	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryFailed, entries[0].State)

	backend.loseReply.Store(false)
	retried, err := v.Retry(context.Background(), failed.ClientID)
	require.NoError(t, err)
	assert.Equal(t, EntryConfirmed, retried.State)

	page, err := e.svc.FetchMessages(context.Background(), "bob", channel.ID, app.FetchInput{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1, "retry under the same client id must not store a second message")
	assert.Equal(t, retried.Message.ID, page.Messages[0].ID)

	entries = v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryConfirmed, entries[0].State)
}

func TestRetryRequiresFailedEntry(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice")
	v := e.open(t, "alice", channel.ID, false, 10)

	_, err := v.Retry(context.Background(), "never-sent")
	assert.Error(t, err)
}

func TestSendDeniedForNonMemberFails(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	v := e.open(t, "bob", channel.ID, false, 10)
	require.NoError(t, e.svc.RemoveMember(context.Background(), "alice", channel.ID, "bob"))

	entry, err := v.Send(context.Background(), "hi")
	require.ErrorIs(t, err, app.ErrPermissionDenied)
	assert.Equal(t, EntryFailed, entry.State)
}

func TestLoadOlderPagesBackToTheStart(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	for i := 1; i <= 120; i++ {
		e.send(t, "alice", channel.ID, fmt.Sprintf("m%03d", i))
	}

	v := e.open(t, "bob", channel.ID, false, 50)
	entries := v.Entries()
	require.Len(t, entries, 50)
	assert.Equal(t, "m071", *entries[0].Message.Content)
	assert.True(t, v.HasOlder())

	added, err := v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, added)
	assert.True(t, v.HasOlder())

	added, err = v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, added)
	assert.False(t, v.HasOlder())

	added, err = v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)

	got := contents(v.Entries())
	require.Len(t, got, 120)
	for i, content := range got {
		assert.Equal(t, fmt.Sprintf("m%03d", i+1), content)
	}
}

func TestLiveMessageFromOtherUserAppearsAndCountsUnread(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	v := e.open(t, "bob", channel.ID, true, 10)

	e.send(t, "alice", channel.ID, "ping")

	require.Eventually(t, func() bool {
		return len(v.Entries()) == 1 && v.UnreadCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, v.MarkRead(context.Background()))
	assert.Zero(t, v.UnreadCount())
}

func TestLiveEditAndDeleteUpdateInPlace(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	first := e.send(t, "alice", channel.ID, "first")
	second := e.send(t, "alice", channel.ID, "second")
	v := e.open(t, "bob", channel.ID, true, 10)

	_, err := e.svc.EditMessage(context.Background(), "alice", first.ID, "first, edited")
	require.NoError(t, err)
	_, err = e.svc.DeleteMessage(context.Background(), "alice", second.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := v.Entries()
		return len(entries) == 2 && entries[0].Message.Edited && entries[1].Message.Deleted()
	}, 2*time.Second, 5*time.Millisecond)

	entries := v.Entries()
	assert.Equal(t, first.ID, entries[0].Key())
	assert.Equal(t, "first, edited", *entries[0].Message.Content)
	assert.Equal(t, second.ID, entries[1].Key())
	assert.Nil(t, entries[1].Message.Content)
}

func TestResyncReconcilesMissedMessages(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	e.send(t, "alice", channel.ID, "before")
	v := e.open(t, "bob", channel.ID, false, 10)

	e.send(t, "alice", channel.ID, "missed 1")
	e.send(t, "alice", channel.ID, "missed 2")
	assert.Len(t, v.Entries(), 1)

	v.handleEvent(realtime.NewEvent(realtime.ChannelTopic(channel.ID), realtime.EventResync, time.Now()))

	require.Eventually(t, func() bool {
		return len(v.Entries()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before", "missed 1", "missed 2"}, contents(v.Entries()))
	assert.Equal(t, 3, v.UnreadCount())
}

func TestReconcileAcrossHoleResetsTimeline(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	for i := 1; i <= 3; i++ {
		e.send(t, "alice", channel.ID, fmt.Sprintf("m%02d", i))
	}
	v := e.open(t, "bob", channel.ID, false, 5)
	for i := 4; i <= 15; i++ {
		e.send(t, "alice", channel.ID, fmt.Sprintf("m%02d", i))
	}

	require.NoError(t, v.Reconcile(context.Background()))
	assert.Equal(t, []string{"m11", "m12", "m13", "m14", "m15"}, contents(v.Entries()))
	assert.True(t, v.HasOlder())

	added, err := v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.Equal(t, "m06", contents(v.Entries())[0])
}

func TestReconcileFailureKeepsLastKnownState(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	e.send(t, "alice", channel.ID, "kept")
	backend := &flakyBackend{UserScope: e.svc.ForUser("bob")}
	v, err := Open(context.Background(), backend, nil, "bob", channel.ID, Options{Logger: e.logger})
	require.NoError(t, err)
	defer v.Close()

	backend.failFetch.Store(true)
	require.ErrorIs(t, v.Reconcile(context.Background()), errOffline)
	assert.True(t, v.Stale())
	assert.Equal(t, []string{"kept"}, contents(v.Entries()))

	backend.failFetch.Store(false)
	require.NoError(t, v.Reconcile(context.Background()))
	assert.False(t, v.Stale())
}

func TestOpenFailsWhenInitialLoadFails(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	backend := &flakyBackend{UserScope: e.svc.ForUser("bob")}
	backend.failFetch.Store(true)

	_, err := Open(context.Background(), backend, e.svc.ForUser("bob"), "bob", channel.ID, Options{Logger: e.logger})
	require.ErrorIs(t, err, errOffline)
	require.Eventually(t, func() bool {
		return e.bus.SubscriberCount(realtime.ChannelTopic(channel.ID)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestOpenRejectsNonMemberSubscription(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	scope := e.svc.ForUser("mallory")

	_, err := Open(context.Background(), scope, scope, "mallory", channel.ID, Options{Logger: e.logger})
	require.ErrorIs(t, err, app.ErrPermissionDenied)
}

func TestRemovalRevokesViewer(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob", "carol")
	bob := e.open(t, "bob", channel.ID, true, 10)
	carol := e.open(t, "carol", channel.ID, true, 10)

	require.NoError(t, e.svc.RemoveMember(context.Background(), "alice", channel.ID, "bob"))

	require.Eventually(t, bob.Revoked, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, carol.Revoked())

	require.NoError(t, e.svc.DeleteChannel(context.Background(), "alice", channel.ID))
	require.Eventually(t, carol.Revoked, 2*time.Second, 5*time.Millisecond)
}

func TestCloseCancelsInFlightWorkAndDiscardsResults(t *testing.T) {
	e := newEnv(t)
	channel := e.group(t, "alice", "bob")
	e.send(t, "alice", channel.ID, "one")
	backend := &flakyBackend{UserScope: e.svc.ForUser("bob")}
	v, err := Open(context.Background(), backend, e.svc.ForUser("bob"), "bob", channel.ID, Options{Logger: e.logger})
	require.NoError(t, err)

	backend.block.Store(true)
	before := backend.fetches.Load()
	v.handleEvent(realtime.NewEvent(realtime.ChannelTopic(channel.ID), realtime.EventResync, time.Now()))
	require.Eventually(t, func() bool { return backend.fetches.Load() > before }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		v.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight fetch")
	}

	assert.Equal(t, []string{"one"}, contents(v.Entries()))
	_, err = v.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, e.bus.SubscriberCount(realtime.ChannelTopic(channel.ID)))
}
