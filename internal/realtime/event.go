// Package realtime fans out change notifications to subscribers of channel and
// user topics. Delivery is at-least-once and events are invalidation hints: the
// store stays authoritative and consumers refetch on every event they care about.
package realtime

import (
	"strings"
	"time"

	"courier/api/internal/util"
)

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageEdited  EventType = "message.edited"
	EventMessageDeleted EventType = "message.deleted"
	EventMemberAdded    EventType = "member.added"
	EventMemberRemoved  EventType = "member.removed"
	EventChannelCreated EventType = "channel.created"
	EventChannelUpdated EventType = "channel.updated"
	EventChannelDeleted EventType = "channel.deleted"
	// EventChannelActivity tells a member's user topic that a channel changed and
	// its unread count should be recomputed.
	EventChannelActivity EventType = "channel.activity"
	EventReadUpdated     EventType = "read.updated"
	// EventResync is synthesized by the bus after any gap in delivery. Consumers
	// must reconcile against the store instead of trusting earlier events.
	EventResync EventType = "resync"
)

type Event struct {
	ID        string    `msgpack:"id" json:"id"`
	Type      EventType `msgpack:"type" json:"type"`
	Topic     string    `msgpack:"topic" json:"topic"`
	ChannelID string    `msgpack:"channel_id,omitempty" json:"channelId,omitempty"`
	ActorID   string    `msgpack:"actor_id,omitempty" json:"actorId,omitempty"`
	UserID    string    `msgpack:"user_id,omitempty" json:"userId,omitempty"`
	MessageID string    `msgpack:"message_id,omitempty" json:"messageId,omitempty"`
	ClientID  string    `msgpack:"client_id,omitempty" json:"clientId,omitempty"`
	CreatedAt time.Time `msgpack:"created_at,omitempty" json:"createdAt,omitempty"`
	At        time.Time `msgpack:"at" json:"at"`
}

// NewEvent stamps an event for topic with a fresh id.
func NewEvent(topic string, eventType EventType, at time.Time) Event {
	return Event{
		ID:    util.NewID("evt"),
		Type:  eventType,
		Topic: topic,
		At:    at,
	}
}

func resyncEvent(topic string) Event {
	return NewEvent(topic, EventResync, time.Now().UTC())
}

const (
	channelTopicPrefix = "channel:"
	userTopicPrefix    = "user:"
)

func ChannelTopic(channelID string) string { return channelTopicPrefix + channelID }

func UserTopic(userID string) string { return userTopicPrefix + userID }

type TopicKind string

const (
	TopicChannel TopicKind = "channel"
	TopicUser    TopicKind = "user"
)

// ParseTopic splits "channel:{id}" or "user:{id}".
func ParseTopic(topic string) (TopicKind, string, bool) {
	switch {
	case strings.HasPrefix(topic, channelTopicPrefix) && len(topic) > len(channelTopicPrefix):
		return TopicChannel, strings.TrimPrefix(topic, channelTopicPrefix), true
	case strings.HasPrefix(topic, userTopicPrefix) && len(topic) > len(userTopicPrefix):
		return TopicUser, strings.TrimPrefix(topic, userTopicPrefix), true
	default:
		return "", "", false
	}
}
