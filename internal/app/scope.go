package app

import (
	"context"

	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

// UserScope is the service seen by one signed-in user. It lets in-process clients
// call the operations without passing the user id each time.
type UserScope struct {
	service *Service
	userID  string
}

func (s *Service) ForUser(userID string) *UserScope {
	return &UserScope{service: s, userID: userID}
}

func (u *UserScope) UserID() string { return u.userID }

func (u *UserScope) ListChannels(ctx context.Context) ([]store.ChannelSummary, error) {
	return u.service.ListChannels(ctx, u.userID)
}

func (u *UserScope) CreateChannel(ctx context.Context, input CreateChannelInput) (store.Channel, error) {
	return u.service.CreateChannel(ctx, u.userID, input)
}

func (u *UserScope) FetchMessages(ctx context.Context, channelID, before string, limit int) (Page, error) {
	return u.service.FetchMessages(ctx, u.userID, channelID, FetchInput{Before: before, Limit: limit})
}

func (u *UserScope) SendMessage(ctx context.Context, channelID string, input SendInput) (store.Message, error) {
	return u.service.SendMessage(ctx, u.userID, channelID, input)
}

func (u *UserScope) EditMessage(ctx context.Context, messageID, content string) (store.Message, error) {
	return u.service.EditMessage(ctx, u.userID, messageID, content)
}

func (u *UserScope) DeleteMessage(ctx context.Context, messageID string) (store.Message, error) {
	return u.service.DeleteMessage(ctx, u.userID, messageID)
}

func (u *UserScope) MarkRead(ctx context.Context, channelID string) (store.ReadWatermark, error) {
	return u.service.MarkRead(ctx, u.userID, channelID)
}

func (u *UserScope) OpenChannel(ctx context.Context, channelID string) (ReadState, error) {
	return u.service.OpenChannel(ctx, u.userID, channelID)
}

func (u *UserScope) UnreadCount(ctx context.Context, channelID string) (int, error) {
	return u.service.UnreadCount(ctx, u.userID, channelID)
}

func (u *UserScope) Subscribe(ctx context.Context, topic string, handler realtime.Handler) (*realtime.Subscription, error) {
	return u.service.Subscribe(ctx, u.userID, topic, handler)
}
