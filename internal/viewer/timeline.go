// Package viewer is the client side of a channel: an ordered timeline with
// optimistic sends, cursor paging that keeps the scroll anchor, and
// reconciliation against the server after every realtime gap.
package viewer

import "courier/api/internal/store"

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// Entry is one row of the timeline. Pending and failed entries have no server id
// yet and are keyed by their client correlation id.
type Entry struct {
	Message  store.Message
	State    EntryState
	ClientID string
	Err      error
}

func (e Entry) Key() string {
	if e.State == EntryConfirmed {
		return e.Message.ID
	}
	return "client:" + e.ClientID
}

// Timeline holds confirmed messages oldest first, followed by unconfirmed sends
// in the order they were made. Confirmed messages are unique by id.
type Timeline struct {
	confirmed []store.Message
	local     []Entry
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Len() int {
	return len(t.confirmed) + len(t.local)
}

func (t *Timeline) Entries() []Entry {
	out := make([]Entry, 0, t.Len())
	for _, msg := range t.confirmed {
		out = append(out, Entry{Message: msg, State: EntryConfirmed, ClientID: msg.ClientID})
	}
	return append(out, t.local...)
}

func (t *Timeline) AddPending(entry Entry) {
	entry.State = EntryPending
	entry.Err = nil
	for i := range t.local {
		if t.local[i].ClientID == entry.ClientID {
			t.local[i] = entry
			return
		}
	}
	t.local = append(t.local, entry)
}

func (t *Timeline) MarkFailed(clientID string, err error) bool {
	for i := range t.local {
		if t.local[i].ClientID == clientID {
			t.local[i].State = EntryFailed
			t.local[i].Err = err
			return true
		}
	}
	return false
}

func (t *Timeline) Local(clientID string) (Entry, bool) {
	for _, entry := range t.local {
		if entry.ClientID == clientID {
			return entry, true
		}
	}
	return Entry{}, false
}

// Upsert records a confirmed message. It replaces a stored copy with the same id
// and settles the unconfirmed send that carried the same correlation id.
func (t *Timeline) Upsert(msg store.Message) {
	if msg.ClientID != "" {
		for i := range t.local {
			if t.local[i].ClientID == msg.ClientID && t.local[i].Message.SenderID == msg.SenderID {
				t.local = append(t.local[:i], t.local[i+1:]...)
				break
			}
		}
	}
	for i := range t.confirmed {
		if t.confirmed[i].ID == msg.ID {
			t.confirmed[i] = msg
			return
		}
	}
	t.confirmed = append(t.confirmed, msg)
	store.SortOldestFirst(t.confirmed)
}

// Contains reports whether a confirmed message with id is loaded.
func (t *Timeline) Contains(id string) bool {
	for _, msg := range t.confirmed {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// Oldest returns the position of the oldest confirmed message.
func (t *Timeline) Oldest() (store.Cursor, bool) {
	if len(t.confirmed) == 0 {
		return store.Cursor{}, false
	}
	return t.confirmed[0].Cursor(), true
}

// Newest returns the position of the newest confirmed message.
func (t *Timeline) Newest() (store.Cursor, bool) {
	if len(t.confirmed) == 0 {
		return store.Cursor{}, false
	}
	return t.confirmed[len(t.confirmed)-1].Cursor(), true
}

// Merge upserts a page and returns how many messages were new.
func (t *Timeline) Merge(page []store.Message) int {
	added := 0
	for _, msg := range page {
		if !t.Contains(msg.ID) {
			added++
		}
		t.Upsert(msg)
	}
	return added
}

// ResetTo replaces the confirmed messages with page, keeping unconfirmed sends.
// It is used when a reconnect left a hole that paging cannot bridge.
func (t *Timeline) ResetTo(page []store.Message) {
	t.confirmed = append([]store.Message(nil), page...)
	store.SortOldestFirst(t.confirmed)
	for _, msg := range page {
		if msg.ClientID == "" {
			continue
		}
		for i := range t.local {
			if t.local[i].ClientID == msg.ClientID && t.local[i].Message.SenderID == msg.SenderID {
				t.local = append(t.local[:i], t.local[i+1:]...)
				break
			}
		}
	}
}
