package app

import (
	"time"

	"courier/api/internal/rbac"
	"courier/api/internal/store"
)

// Wire shapes for the HTTP API. The viewer package decodes the same types.

type ChannelView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	WriteMode      string     `json:"writeMode"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Role           string     `json:"role,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	UnreadCount    *int       `json:"unreadCount,omitempty"`
}

func NewChannelView(channel store.Channel) ChannelView {
	return ChannelView{
		ID:        channel.ID,
		Name:      channel.Name,
		Kind:      string(channel.Kind),
		WriteMode: string(channel.WriteMode),
		CreatedBy: channel.CreatedBy,
		CreatedAt: channel.CreatedAt,
		UpdatedAt: channel.UpdatedAt,
	}
}

func NewChannelSummaryView(summary store.ChannelSummary) ChannelView {
	view := NewChannelView(summary.Channel)
	view.Role = string(summary.Role)
	lastActivity := summary.LastActivityAt
	unread := summary.UnreadCount
	view.LastActivityAt = &lastActivity
	view.UnreadCount = &unread
	return view
}

type MembershipView struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
}

func NewMembershipView(member store.Membership) MembershipView {
	return MembershipView{
		ChannelID: member.ChannelID,
		UserID:    member.UserID,
		Role:      string(member.Role),
		JoinedAt:  member.JoinedAt,
	}
}

func (v MembershipView) Membership() store.Membership {
	return store.Membership{ChannelID: v.ChannelID, UserID: v.UserID, Role: rbac.Role(v.Role), JoinedAt: v.JoinedAt}
}

type MessageView struct {
	ID            string     `json:"id"`
	ChannelID     string     `json:"channelId"`
	SenderID      string     `json:"senderId"`
	ClientID      string     `json:"clientId,omitempty"`
	State         string     `json:"state"`
	Content       *string    `json:"content"`
	AttachmentRef *string    `json:"attachmentRef"`
	Edited        bool       `json:"edited"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

func NewMessageView(msg store.Message) MessageView {
	return MessageView{
		ID:            msg.ID,
		ChannelID:     msg.ChannelID,
		SenderID:      msg.SenderID,
		ClientID:      msg.ClientID,
		State:         string(msg.Body().State),
		Content:       msg.Content,
		AttachmentRef: msg.AttachmentRef,
		Edited:        msg.Edited,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.UpdatedAt,
		DeletedAt:     msg.DeletedAt,
	}
}

func (v MessageView) Message() store.Message {
	return store.Message{
		ID:            v.ID,
		ChannelID:     v.ChannelID,
		SenderID:      v.SenderID,
		ClientID:      v.ClientID,
		Content:       v.Content,
		AttachmentRef: v.AttachmentRef,
		Edited:        v.Edited,
		DeletedAt:     v.DeletedAt,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}

type PageView struct {
	Messages   []MessageView `json:"messages"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

func NewPageView(page Page) PageView {
	view := PageView{
		Messages:   make([]MessageView, 0, len(page.Messages)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, msg := range page.Messages {
		view.Messages = append(view.Messages, NewMessageView(msg))
	}
	return view
}

func (v PageView) Page() Page {
	page := Page{
		Messages:   make([]store.Message, 0, len(v.Messages)),
		NextCursor: v.NextCursor,
		HasMore:    v.HasMore,
	}
	for _, msg := range v.Messages {
		page.Messages = append(page.Messages, msg.Message())
	}
	return page
}

type WatermarkView struct {
	ChannelID  string    `json:"channelId"`
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}

func NewWatermarkView(watermark store.ReadWatermark) WatermarkView {
	return WatermarkView{ChannelID: watermark.ChannelID, UserID: watermark.UserID, LastReadAt: watermark.LastReadAt}
}

func (v WatermarkView) Watermark() store.ReadWatermark {
	return store.ReadWatermark{ChannelID: v.ChannelID, UserID: v.UserID, LastReadAt: v.LastReadAt}
}
