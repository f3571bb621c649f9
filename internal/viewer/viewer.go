package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"courier/api/internal/app"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
	"courier/api/internal/util"
)

// ErrClosed is returned by operations on a closed viewer.
var ErrClosed = errors.New("viewer closed")

const (
	defaultPageSize = 50
	// refreshWindow bounds the page fetched around a single changed message.
	refreshWindow = 20
)

// Backend is the server surface a viewer needs. app.UserScope serves it in
// process; HTTPClient serves it over the REST API.
type Backend interface {
	FetchMessages(ctx context.Context, channelID, before string, limit int) (app.Page, error)
	SendMessage(ctx context.Context, channelID string, input app.SendInput) (store.Message, error)
	MarkRead(ctx context.Context, channelID string) (store.ReadWatermark, error)
	OpenChannel(ctx context.Context, channelID string) (app.ReadState, error)
	UnreadCount(ctx context.Context, channelID string) (int, error)
}

// Subscriber delivers realtime hints. app.UserScope and Feed implement it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler realtime.Handler) (*realtime.Subscription, error)
}

type Options struct {
	PageSize int
	Logger   logrus.FieldLogger
	// OnChange is called after any visible state changed. It runs on the goroutine
	// that made the change and must not call back into the viewer synchronously.
	OnChange func()
}

// Viewer is one open channel. It never trusts events for content: every hint is
// answered by a fetch, and every gap by a full reconcile.
type Viewer struct {
	backend    Backend
	subscriber Subscriber
	userID     string
	channelID  string
	pageSize   int
	logger     logrus.FieldLogger
	onChange   func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *realtime.Subscription

	mu          sync.Mutex
	timeline    *Timeline
	unread      int
	stale       bool
	hasOlder    bool
	olderCursor string
	revoked     bool
	closed      bool
}

// Open subscribes to the channel topic, records the open so the caller has a
// read watermark, then loads the newest page and the unread count. Subscribing
// first means nothing committed after the load is missed.
func Open(ctx context.Context, backend Backend, subscriber Subscriber, userID, channelID string, opts Options) (*Viewer, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		opts.Logger = logger
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &Viewer{
		backend:    backend,
		subscriber: subscriber,
		userID:     userID,
		channelID:  channelID,
		pageSize:   opts.PageSize,
		logger:     opts.Logger.WithFields(logrus.Fields{"channel_id": channelID, "user_id": userID}),
		onChange:   opts.OnChange,
		ctx:        runCtx,
		cancel:     cancel,
		timeline:   NewTimeline(),
	}

	if subscriber != nil {
		sub, err := subscriber.Subscribe(runCtx, realtime.ChannelTopic(channelID), v.handleEvent)
		if err != nil {
			cancel()
			return nil, err
		}
		v.sub = sub
	}

	if _, err := backend.OpenChannel(ctx, channelID); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.Reconcile(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *Viewer) ChannelID() string { return v.channelID }

func (v *Viewer) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeline.Entries()
}

func (v *Viewer) UnreadCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread
}

// Stale reports that the last reconcile failed and the timeline shows the last
// known state.
func (v *Viewer) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

func (v *Viewer) HasOlder() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasOlder
}

// Revoked reports that the channel was deleted or the user removed from it.
func (v *Viewer) Revoked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revoked
}

// Send appends a pending entry at once, then confirms or fails it with the server's
// answer. The stored message may also arrive first through an event; whichever
// lands first settles the entry.
func (v *Viewer) Send(ctx context.Context, content string) (Entry, error) {
	return v.send(ctx, util.NewCorrelationID(), content)
}

// Retry resends a failed entry under its original correlation id, so a send that
// did reach the server is not duplicated.
func (v *Viewer) Retry(ctx context.Context, clientID string) (Entry, error) {
	v.mu.Lock()
	entry, ok := v.timeline.Local(clientID)
	v.mu.Unlock()
	if !ok || entry.State != EntryFailed {
		return Entry{}, errors.New("no failed send with that client id")
	}
	content := ""
	if entry.Message.Content != nil {
		content = *entry.Message.Content
	}
	return v.send(ctx, clientID, content)
}

func (v *Viewer) send(ctx context.Context, clientID, content string) (Entry, error) {
	pending := Entry{
		ClientID: clientID,
		Message: store.Message{
			ChannelID: v.channelID,
			SenderID:  v.userID,
			ClientID:  clientID,
			Content:   &content,
			CreatedAt: time.Now().UTC(),
		},
	}
	if !v.apply(func() { v.timeline.AddPending(pending) }) {
		return Entry{}, ErrClosed
	}

	msg, err := v.backend.SendMessage(ctx, v.channelID, app.SendInput{Content: &content, ClientID: clientID})
	if err != nil {
		v.apply(func() { v.timeline.MarkFailed(clientID, err) })
		failed := pending
		failed.State = EntryFailed
		failed.Err = err
		return failed, err
	}
	v.apply(func() { v.timeline.Upsert(msg) })
	return Entry{Message: msg, State: EntryConfirmed, ClientID: clientID}, nil
}

// LoadOlder fetches the page before the oldest loaded message and splices it in
// front. It returns how many messages were added; pair it with AnchorOffset to
// keep the reader's position.
func (v *Viewer) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrClosed
	}
	if !v.hasOlder {
		v.mu.Unlock()
		return 0, nil
	}
	cursor := v.olderCursor
	v.mu.Unlock()

	ctx, cancel := v.scoped(ctx)
	defer cancel()
	page, err := v.backend.FetchMessages(ctx, v.channelID, cursor, v.pageSize)
	if err != nil {
		return 0, err
	}

	added := 0
	v.apply(func() {
		added = v.timeline.Merge(page.Messages)
		// A concurrent LoadOlder or reset may already have moved the cursor.
		if v.olderCursor == cursor {
			v.hasOlder = page.HasMore
			v.olderCursor = page.NextCursor
		}
	})
	return added, nil
}

// Reconcile reloads the newest page and the unread count. If the newest page does
// not reach back to what is already loaded, the older messages are dropped so the
// timeline has no hole; they can be paged in again.
func (v *Viewer) Reconcile(ctx context.Context) error {
	ctx, cancel := v.scoped(ctx)
	defer cancel()

	page, err := v.backend.FetchMessages(ctx, v.channelID, "", v.pageSize)
	if err == nil {
		var unread int
		unread, err = v.backend.UnreadCount(ctx, v.channelID)
		if err == nil {
			v.apply(func() {
				v.mergeNewest(page)
				v.unread = unread
				v.stale = false
			})
			return nil
		}
	}

	v.apply(func() { v.stale = true })
	v.logger.WithError(err).Warn("reconcile failed, keeping last known state")
	return err
}

func (v *Viewer) mergeNewest(page app.Page) {
	newest, loaded := v.timeline.Newest()
	bridged := !loaded || !page.HasMore
	if loaded && len(page.Messages) > 0 {
		oldestInPage := page.Messages[len(page.Messages)-1].Cursor()
		bridged = bridged || !newest.Before(oldestInPage)
	}

	if bridged {
		v.timeline.Merge(page.Messages)
		if !loaded {
			v.hasOlder = page.HasMore
			v.olderCursor = page.NextCursor
		}
		return
	}
	v.timeline.ResetTo(page.Messages)
	v.hasOlder = page.HasMore
	v.olderCursor = page.NextCursor
}

// MarkRead advances the watermark, then reloads the unread count from the server.
func (v *Viewer) MarkRead(ctx context.Context) error {
	ctx, cancel := v.scoped(ctx)
	defer cancel()
	if _, err := v.backend.MarkRead(ctx, v.channelID); err != nil {
		return err
	}
	return v.refreshUnread(ctx)
}

func (v *Viewer) refreshUnread(ctx context.Context) error {
	count, err := v.backend.UnreadCount(ctx, v.channelID)
	if err != nil {
		return err
	}
	v.apply(func() { v.unread = count })
	return nil
}

func (v *Viewer) handleEvent(event realtime.Event) {
	switch event.Type {
	case realtime.EventResync:
		v.background(func(ctx context.Context) {
			_ = v.Reconcile(ctx)
		})
	case realtime.EventMessageCreated, realtime.EventMessageEdited, realtime.EventMessageDeleted:
		v.background(func(ctx context.Context) {
			v.refreshAround(ctx, event)
		})
	case realtime.EventChannelDeleted:
		v.apply(func() { v.revoked = true })
	case realtime.EventMemberRemoved:
		if event.UserID == v.userID {
			v.apply(func() { v.revoked = true })
		}
	}
}

// refreshAround refetches the messages at and just before the event's position
// and merges whatever is new or changed.
func (v *Viewer) refreshAround(ctx context.Context, event realtime.Event) {
	if event.CreatedAt.IsZero() {
		_ = v.Reconcile(ctx)
		return
	}
	// "~" sorts after every id, so the page starts with the messages at CreatedAt.
	cursor := store.Cursor{CreatedAt: event.CreatedAt, ID: "~"}
	page, err := v.backend.FetchMessages(ctx, v.channelID, cursor.Encode(), refreshWindow)
	if err != nil {
		v.logger.WithError(err).Debug("refresh after event failed, reconciling")
		_ = v.Reconcile(ctx)
		return
	}

	v.apply(func() {
		for _, msg := range page.Messages {
			if msg.ID == event.MessageID || v.timeline.Contains(msg.ID) {
				v.timeline.Upsert(msg)
			}
		}
	})
	if event.Type == realtime.EventMessageCreated && event.ActorID != v.userID {
		_ = v.refreshUnread(ctx)
	}
}

// apply runs fn under the lock unless the viewer is closed. It reports whether fn
// ran.
func (v *Viewer) apply(fn func()) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	fn()
	v.mu.Unlock()
	if v.onChange != nil {
		v.onChange()
	}
	return true
}

// scoped ties ctx to the viewer's lifetime so Close cancels in-flight fetches.
func (v *Viewer) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (v *Viewer) background(fn func(ctx context.Context)) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		fn(v.ctx)
	}()
}

// Close cancels the subscription and every in-flight fetch. Results that arrive
// afterwards are discarded.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	if v.sub != nil {
		v.sub.Cancel()
	}
	v.wg.Wait()
}
