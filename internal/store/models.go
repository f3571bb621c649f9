package store

import (
	"time"

	"courier/api/internal/rbac"
)

type ChannelKind string

const (
	KindDirect ChannelKind = "direct"
	KindGroup  ChannelKind = "group"
)

type Channel struct {
	ID        string
	Name      string
	Kind      ChannelKind
	WriteMode rbac.WriteMode
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ChannelSummary is a channel as seen from one member's channel list.
type ChannelSummary struct {
	Channel
	Role           rbac.Role
	LastActivityAt time.Time
	UnreadCount    int
}

// ChannelPatch holds the mutable channel metadata. Nil fields are left untouched.
type ChannelPatch struct {
	Name      *string
	WriteMode *rbac.WriteMode
}

type Membership struct {
	ChannelID string
	UserID    string
	Role      rbac.Role
	JoinedAt  time.Time
}

type Message struct {
	ID            string
	ChannelID     string
	SenderID      string
	ClientID      string
	Content       *string
	AttachmentRef *string
	Edited        bool
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReadWatermark struct {
	ChannelID  string
	UserID     string
	LastReadAt time.Time
}

type MessageState string

const (
	StateActive  MessageState = "active"
	StateEdited  MessageState = "edited"
	StateDeleted MessageState = "deleted"
)

// Body is the mutable part of a message, layered over its immutable id and created_at.
type Body struct {
	State         MessageState
	Content       string
	AttachmentRef string
	At            time.Time
}

func (m Message) Body() Body {
	switch {
	case m.DeletedAt != nil:
		return Body{State: StateDeleted, At: *m.DeletedAt}
	case m.Edited:
		return Body{State: StateEdited, Content: deref(m.Content), AttachmentRef: deref(m.AttachmentRef), At: m.UpdatedAt}
	default:
		return Body{State: StateActive, Content: deref(m.Content), AttachmentRef: deref(m.AttachmentRef), At: m.CreatedAt}
	}
}

func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
