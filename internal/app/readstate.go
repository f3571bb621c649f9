package app

import (
	"context"
	"time"

	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

type ReadState struct {
	Watermark   store.ReadWatermark
	UnreadCount int
}

// MarkRead moves the caller's watermark to now. A watermark never moves backwards.
func (s *Service) MarkRead(ctx context.Context, userID, channelID string) (store.ReadWatermark, error) {
	if _, _, err := s.requireMember(ctx, channelID, userID); err != nil {
		return store.ReadWatermark{}, err
	}
	at := s.seq.observe(channelID, s.clock())
	watermark, err := s.store.AdvanceWatermark(ctx, channelID, userID, at)
	if err != nil {
		return store.ReadWatermark{}, storeError("watermark", err)
	}

	event := s.channelEvent(realtime.UserTopic(userID), realtime.EventReadUpdated, channelID, userID, watermark.LastReadAt)
	event.UserID = userID
	s.publish(event)
	return watermark, nil
}

// OpenChannel creates the caller's watermark on first open, at the zero time so
// nothing is implicitly read, and returns it with the current unread count.
func (s *Service) OpenChannel(ctx context.Context, userID, channelID string) (ReadState, error) {
	if _, _, err := s.requireMember(ctx, channelID, userID); err != nil {
		return ReadState{}, err
	}
	watermark, err := s.store.EnsureWatermark(ctx, channelID, userID, time.Time{})
	if err != nil {
		return ReadState{}, storeError("watermark", err)
	}
	count, err := s.store.CountUnread(ctx, channelID, userID)
	if err != nil {
		return ReadState{}, storeError("unread count", err)
	}
	return ReadState{Watermark: watermark, UnreadCount: count}, nil
}

// UnreadCount is recomputed from the message log on every call.
func (s *Service) UnreadCount(ctx context.Context, userID, channelID string) (int, error) {
	if _, _, err := s.requireMember(ctx, channelID, userID); err != nil {
		return 0, err
	}
	count, err := s.store.CountUnread(ctx, channelID, userID)
	if err != nil {
		return 0, storeError("unread count", err)
	}
	return count, nil
}
