package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"courier/api/internal/rbac"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
	"courier/api/internal/util"
)

const maxClientIDLength = 128

type SendInput struct {
	Content       *string `json:"content"`
	AttachmentRef *string `json:"attachmentRef"`
	// ClientID is the sender's correlation id. Resending with the same value
	// returns the stored message instead of creating a second one.
	ClientID string `json:"clientId"`
}

type FetchInput struct {
	Before string
	Limit  int
}

type Page struct {
	Messages   []store.Message
	NextCursor string
	HasMore    bool
}

func (s *Service) SendMessage(ctx context.Context, senderID, channelID string, input SendInput) (store.Message, error) {
	content := blankToNil(input.Content)
	attachment := blankToNil(input.AttachmentRef)
	if content == nil && attachment == nil {
		return store.Message{}, validationError("content or attachment is required")
	}
	if content != nil {
		if err := s.checkLength(*content); err != nil {
			return store.Message{}, err
		}
	}
	clientID := strings.TrimSpace(input.ClientID)
	if len(clientID) > maxClientIDLength {
		return store.Message{}, validationError("clientId is too long")
	}

	channel, membership, err := s.requireMember(ctx, channelID, senderID)
	if err != nil {
		return store.Message{}, err
	}
	if !rbac.CanWrite(channel.WriteMode, membership.Role) {
		return store.Message{}, permissionDenied("only channel admins can post in this channel")
	}

	var (
		msg     store.Message
		created bool
	)
	err = s.seq.run(channelID, s.clock(), func(at time.Time) error {
		msg, created, err = s.store.InsertMessage(ctx, store.Message{
			ID:            util.NewID("msg"),
			ChannelID:     channelID,
			SenderID:      senderID,
			ClientID:      clientID,
			Content:       content,
			AttachmentRef: attachment,
			CreatedAt:     at,
		})
		if err != nil || !created {
			return err
		}
		s.publish(s.messageEvent(realtime.EventMessageCreated, msg, senderID, msg.CreatedAt))
		return nil
	})
	if err != nil {
		return store.Message{}, storeError("message", err)
	}
	if created {
		s.publishActivity(ctx, msg)
	}
	return msg, nil
}

// publishActivity nudges each member's user topic so channel lists can refresh
// their unread counts.
func (s *Service) publishActivity(ctx context.Context, msg store.Message) {
	members, err := s.store.ListMembers(ctx, msg.ChannelID)
	if err != nil {
		s.logger.WithError(err).WithField("channel_id", msg.ChannelID).Warn("list members for activity failed")
		return
	}
	events := make([]realtime.Event, 0, len(members))
	for _, member := range members {
		event := s.channelEvent(realtime.UserTopic(member.UserID), realtime.EventChannelActivity, msg.ChannelID, msg.SenderID, msg.CreatedAt)
		event.UserID = member.UserID
		event.MessageID = msg.ID
		event.CreatedAt = msg.CreatedAt
		events = append(events, event)
	}
	s.publish(events...)
}

func (s *Service) EditMessage(ctx context.Context, requesterID, messageID, content string) (store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return store.Message{}, validationError("content is required")
	}
	if err := s.checkLength(content); err != nil {
		return store.Message{}, err
	}

	msg, channel, membership, err := s.loadMessage(ctx, messageID, requesterID)
	if err != nil {
		return store.Message{}, err
	}
	if membership == nil || msg.SenderID != requesterID {
		return store.Message{}, permissionDenied("only the sender can edit a message")
	}
	if !rbac.CanWrite(channel.WriteMode, membership.Role) {
		return store.Message{}, permissionDenied("only channel admins can post in this channel")
	}

	var edited store.Message
	err = s.seq.run(msg.ChannelID, s.clock(), func(at time.Time) error {
		edited, err = s.store.EditMessage(ctx, messageID, content, at)
		if err != nil {
			return err
		}
		s.publish(s.messageEvent(realtime.EventMessageEdited, edited, requesterID, at))
		return nil
	})
	if err != nil {
		return store.Message{}, storeError("message", err)
	}
	return edited, nil
}

// DeleteMessage soft-deletes a message. The sender may always delete their own
// message; anyone else must be a current admin of the channel.
func (s *Service) DeleteMessage(ctx context.Context, requesterID, messageID string) (store.Message, error) {
	msg, _, membership, err := s.loadMessage(ctx, messageID, requesterID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.SenderID != requesterID && (membership == nil || !rbac.Can(membership.Role, rbac.ActionModerate)) {
		return store.Message{}, permissionDenied("only the sender or a channel admin can delete a message")
	}

	var deleted store.Message
	err = s.seq.run(msg.ChannelID, s.clock(), func(at time.Time) error {
		deleted, err = s.store.DeleteMessage(ctx, messageID, at)
		if err != nil {
			return err
		}
		s.publish(s.messageEvent(realtime.EventMessageDeleted, deleted, requesterID, at))
		return nil
	})
	if err != nil {
		return store.Message{}, storeError("message", err)
	}
	return deleted, nil
}

// FetchMessages returns one page of a channel's history, newest first, strictly
// before input.Before. Deleted messages come back as tombstones.
func (s *Service) FetchMessages(ctx context.Context, userID, channelID string, input FetchInput) (Page, error) {
	before, err := store.ParseCursor(input.Before)
	if err != nil {
		return Page{}, validationError("invalid cursor")
	}
	limit, err := s.pageLimit(input.Limit)
	if err != nil {
		return Page{}, err
	}
	if _, _, err := s.requireMember(ctx, channelID, userID); err != nil {
		return Page{}, err
	}

	messages, err := s.store.ListMessages(ctx, channelID, before, limit+1)
	if err != nil {
		return Page{}, storeError("messages", err)
	}
	page := Page{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.HasMore = true
	}
	if page.HasMore {
		page.NextCursor = page.Messages[len(page.Messages)-1].Cursor().Encode()
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	return page, nil
}

func (s *Service) pageLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, validationError("limit must not be negative")
	case limit == 0:
		return s.cfg.DefaultPageSize, nil
	case limit > s.cfg.MaxPageSize:
		return s.cfg.MaxPageSize, nil
	default:
		return limit, nil
	}
}

// loadMessage resolves a live message, its channel, and the requester's membership.
// membership is nil when the requester has left the channel.
func (s *Service) loadMessage(ctx context.Context, messageID, requesterID string) (store.Message, store.Channel, *store.Membership, error) {
	if strings.TrimSpace(messageID) == "" {
		return store.Message{}, store.Channel{}, nil, validationError("message id is required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, store.Channel{}, nil, storeError("message", err)
	}
	if msg.Deleted() {
		return store.Message{}, store.Channel{}, nil, notFound("message")
	}
	channel, err := s.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return store.Message{}, store.Channel{}, nil, storeError("message", err)
	}
	membership, err := s.store.GetMembership(ctx, msg.ChannelID, requesterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return msg, channel, nil, nil
		}
		return store.Message{}, store.Channel{}, nil, storeError("membership", err)
	}
	return msg, channel, &membership, nil
}

func (s *Service) checkLength(content string) error {
	if limit := s.cfg.MaxContentLength; limit > 0 && utf8.RuneCountInString(content) > limit {
		return domainError(ErrValidation.Status, CodeValidation, "content is too long", map[string]any{"max": limit})
	}
	return nil
}

func (s *Service) messageEvent(eventType realtime.EventType, msg store.Message, actorID string, at time.Time) realtime.Event {
	event := s.channelEvent(realtime.ChannelTopic(msg.ChannelID), eventType, msg.ChannelID, actorID, at)
	event.MessageID = msg.ID
	event.ClientID = msg.ClientID
	event.CreatedAt = msg.CreatedAt
	return event
}

func blankToNil(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	return value
}
