package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as PostgresStore. It
// backs the "memory" store driver and the service tests.
type MemoryStore struct {
	mu         sync.RWMutex
	channels   map[string]Channel
	members    map[string]map[string]Membership
	messages   map[string]Message
	byChannel  map[string][]string
	watermarks map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:   make(map[string]Channel),
		members:    make(map[string]map[string]Membership),
		messages:   make(map[string]Message),
		byChannel:  make(map[string][]string),
		watermarks: make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) ListChannelsForUser(_ context.Context, userID string) ([]ChannelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]ChannelSummary, 0)
	for channelID, members := range s.members {
		member, ok := members[userID]
		if !ok {
			continue
		}
		channel, ok := s.channels[channelID]
		if !ok || channel.DeletedAt != nil {
			continue
		}
		lastActivity := channel.CreatedAt
		if len(s.byChannel[channelID]) > 0 {
			lastActivity = s.latestLocked(channelID).CreatedAt
		}
		if channel.UpdatedAt.After(lastActivity) {
			lastActivity = channel.UpdatedAt
		}
		items = append(items, ChannelSummary{
			Channel:        channel,
			Role:           member.Role,
			LastActivityAt: lastActivity,
			UnreadCount:    s.countUnreadLocked(channelID, userID),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastActivityAt.Equal(items[j].LastActivityAt) {
			return items[i].LastActivityAt.After(items[j].LastActivityAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[channelID]
	if !ok || channel.DeletedAt != nil {
		return Channel{}, ErrNotFound
	}
	return channel, nil
}

func (s *MemoryStore) CreateChannel(_ context.Context, channel Channel, members []Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[channel.ID]; exists {
		return ErrConflict
	}
	set := make(map[string]Membership, len(members))
	for _, member := range members {
		if _, dup := set[member.UserID]; dup {
			return ErrConflict
		}
		member.ChannelID = channel.ID
		set[member.UserID] = member
	}
	s.channels[channel.ID] = channel
	s.members[channel.ID] = set
	return nil
}

func (s *MemoryStore) UpdateChannel(_ context.Context, channelID string, patch ChannelPatch, at time.Time) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok || channel.DeletedAt != nil {
		return Channel{}, ErrNotFound
	}
	if patch.Name != nil {
		channel.Name = *patch.Name
	}
	if patch.WriteMode != nil {
		channel.WriteMode = *patch.WriteMode
	}
	if at.After(channel.UpdatedAt) {
		channel.UpdatedAt = at
	}
	s.channels[channelID] = channel
	return channel, nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok || channel.DeletedAt != nil {
		return ErrNotFound
	}
	deletedAt := at
	channel.DeletedAt = &deletedAt
	if at.After(channel.UpdatedAt) {
		channel.UpdatedAt = at
	}
	s.channels[channelID] = channel
	return nil
}

func (s *MemoryStore) GetMembership(_ context.Context, channelID, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[channelID][userID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return member, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, channelID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Membership, 0, len(s.members[channelID]))
	for _, member := range s.members[channelID] {
		items = append(items, member)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].JoinedAt.Before(items[j].JoinedAt)
		}
		return items[i].UserID < items[j].UserID
	})
	return items, nil
}

func (s *MemoryStore) AddMember(_ context.Context, member Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[member.ChannelID]
	if !ok || channel.DeletedAt != nil {
		return ErrNotFound
	}
	if _, exists := s.members[member.ChannelID][member.UserID]; exists {
		return ErrConflict
	}
	if s.members[member.ChannelID] == nil {
		s.members[member.ChannelID] = make(map[string]Membership)
	}
	s.members[member.ChannelID][member.UserID] = member
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, channelID, userID string, floor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok || channel.DeletedAt != nil {
		return ErrNotFound
	}
	members := s.members[channelID]
	if _, exists := members[userID]; !exists {
		return ErrNotFound
	}
	if len(members)-1 < floor {
		return ErrMembershipFloor
	}
	delete(members, userID)
	delete(s.watermarks[channelID], userID)
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ClientID != "" {
		for _, id := range s.byChannel[msg.ChannelID] {
			existing := s.messages[id]
			if existing.SenderID == msg.SenderID && existing.ClientID == msg.ClientID {
				return cloneMessage(existing), false, nil
			}
		}
	}
	if _, exists := s.messages[msg.ID]; exists {
		return Message{}, false, ErrConflict
	}
	msg.Edited = false
	msg.DeletedAt = nil
	msg.UpdatedAt = msg.CreatedAt
	msg = cloneMessage(msg)
	s.messages[msg.ID] = msg
	s.byChannel[msg.ChannelID] = append(s.byChannel[msg.ChannelID], msg.ID)
	return cloneMessage(msg), true, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) EditMessage(_ context.Context, messageID, content string, at time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return Message{}, ErrNotFound
	}
	msg.Content = &content
	msg.Edited = true
	if at.After(msg.UpdatedAt) {
		msg.UpdatedAt = at
	}
	s.messages[messageID] = msg
	return cloneMessage(msg), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string, at time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return Message{}, ErrNotFound
	}
	deletedAt := at
	msg.Content = nil
	msg.AttachmentRef = nil
	msg.DeletedAt = &deletedAt
	if at.After(msg.UpdatedAt) {
		msg.UpdatedAt = at
	}
	s.messages[messageID] = msg
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, channelID string, before *Cursor, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Message, 0, len(s.byChannel[channelID]))
	for _, id := range s.byChannel[channelID] {
		msg := s.messages[id]
		if before != nil && !msg.Cursor().Before(*before) {
			continue
		}
		items = append(items, cloneMessage(msg))
	}
	SortNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChannel[channelID]), nil
}

func (s *MemoryStore) GetWatermark(_ context.Context, channelID, userID string) (ReadWatermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.watermarks[channelID][userID]
	if !ok {
		return ReadWatermark{}, ErrNotFound
	}
	return ReadWatermark{ChannelID: channelID, UserID: userID, LastReadAt: at}, nil
}

func (s *MemoryStore) EnsureWatermark(_ context.Context, channelID, userID string, at time.Time) (ReadWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermarks[channelID] == nil {
		s.watermarks[channelID] = make(map[string]time.Time)
	}
	current, ok := s.watermarks[channelID][userID]
	if !ok {
		current = at
		s.watermarks[channelID][userID] = at
	}
	return ReadWatermark{ChannelID: channelID, UserID: userID, LastReadAt: current}, nil
}

func (s *MemoryStore) AdvanceWatermark(_ context.Context, channelID, userID string, at time.Time) (ReadWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermarks[channelID] == nil {
		s.watermarks[channelID] = make(map[string]time.Time)
	}
	current, ok := s.watermarks[channelID][userID]
	if !ok || at.After(current) {
		current = at
		s.watermarks[channelID][userID] = at
	}
	return ReadWatermark{ChannelID: channelID, UserID: userID, LastReadAt: current}, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, channelID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countUnreadLocked(channelID, userID), nil
}

func (s *MemoryStore) countUnreadLocked(channelID, userID string) int {
	lastRead, hasWatermark := s.watermarks[channelID][userID]
	count := 0
	for _, id := range s.byChannel[channelID] {
		msg := s.messages[id]
		if msg.SenderID == userID || msg.DeletedAt != nil {
			continue
		}
		if hasWatermark && !msg.CreatedAt.After(lastRead) {
			continue
		}
		count++
	}
	return count
}

func (s *MemoryStore) latestLocked(channelID string) Message {
	var latest Message
	for i, id := range s.byChannel[channelID] {
		msg := s.messages[id]
		if i == 0 || latest.Cursor().Before(msg.Cursor()) {
			latest = msg
		}
	}
	return latest
}

func cloneMessage(msg Message) Message {
	if msg.Content != nil {
		content := *msg.Content
		msg.Content = &content
	}
	if msg.AttachmentRef != nil {
		ref := *msg.AttachmentRef
		msg.AttachmentRef = &ref
	}
	if msg.DeletedAt != nil {
		deletedAt := *msg.DeletedAt
		msg.DeletedAt = &deletedAt
	}
	return msg
}
