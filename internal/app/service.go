package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"courier/api/internal/config"
	"courier/api/internal/rbac"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
	"courier/api/internal/util"
)

// Store is the persistence surface the service needs. Both store.PostgresStore and
// store.MemoryStore satisfy it.
type Store interface {
	Ping(context.Context) error
	ListChannelsForUser(context.Context, string) ([]store.ChannelSummary, error)
	GetChannel(context.Context, string) (store.Channel, error)
	CreateChannel(context.Context, store.Channel, []store.Membership) error
	UpdateChannel(context.Context, string, store.ChannelPatch, time.Time) (store.Channel, error)
	DeleteChannel(context.Context, string, time.Time) error
	GetMembership(context.Context, string, string) (store.Membership, error)
	ListMembers(context.Context, string) ([]store.Membership, error)
	AddMember(context.Context, store.Membership) error
	RemoveMember(context.Context, string, string, int) error
	InsertMessage(context.Context, store.Message) (store.Message, bool, error)
	GetMessage(context.Context, string) (store.Message, error)
	EditMessage(context.Context, string, string, time.Time) (store.Message, error)
	DeleteMessage(context.Context, string, time.Time) (store.Message, error)
	ListMessages(context.Context, string, *store.Cursor, int) ([]store.Message, error)
	GetWatermark(context.Context, string, string) (store.ReadWatermark, error)
	EnsureWatermark(context.Context, string, string, time.Time) (store.ReadWatermark, error)
	AdvanceWatermark(context.Context, string, string, time.Time) (store.ReadWatermark, error)
	CountUnread(context.Context, string, string) (int, error)
}

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

type Service struct {
	cfg    config.Config
	store  Store
	bus    realtime.Bus
	logger logrus.FieldLogger
	now    func() time.Time
	seq    sequencer
	events *dispatcher
}

func New(cfg config.Config, dataStore Store, bus realtime.Bus, logger logrus.FieldLogger) *Service {
	defaults := config.Default()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaults.DefaultPageSize
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	if bus != nil {
		svc.events = newDispatcher(bus, cfg.Realtime.BufferSize, logger)
	}
	return svc
}

// Close flushes events still queued for the bus. It does not close the bus or
// the store.
func (s *Service) Close(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	return s.events.close(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// clock returns the service time at store precision.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type CreateChannelInput struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	WriteMode string   `json:"writeMode"`
	MemberIDs []string `json:"memberIds"`
}

type UpdateChannelInput struct {
	Name      *string `json:"name"`
	WriteMode *string `json:"writeMode"`
}

func (s *Service) ListChannels(ctx context.Context, userID string) ([]store.ChannelSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user id is required")
	}
	channels, err := s.store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return nil, storeError("list channels", err)
	}
	return channels, nil
}

func (s *Service) CreateChannel(ctx context.Context, creatorID string, input CreateChannelInput) (store.Channel, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Channel{}, validationError("name is required")
	}
	if strings.TrimSpace(creatorID) == "" {
		return store.Channel{}, validationError("creator is required")
	}

	kind := store.ChannelKind(strings.TrimSpace(input.Kind))
	switch kind {
	case "":
		kind = store.KindGroup
	case store.KindDirect, store.KindGroup:
	default:
		return store.Channel{}, validationError("kind must be direct or group")
	}

	writeMode, ok := rbac.ParseWriteMode(strings.TrimSpace(input.WriteMode))
	if !ok {
		return store.Channel{}, validationError("writeMode must be all or admin_only")
	}

	userIDs := []string{creatorID}
	seen := map[string]struct{}{creatorID: {}}
	for _, raw := range input.MemberIDs {
		userID := strings.TrimSpace(raw)
		if userID == "" {
			return store.Channel{}, validationError("member ids must not be blank")
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		userIDs = append(userIDs, userID)
	}
	if kind == store.KindDirect && len(userIDs) != 2 {
		return store.Channel{}, validationError("a direct channel has exactly two members")
	}

	now := s.clock()
	channel := store.Channel{
		ID:        util.NewID("ch"),
		Name:      name,
		Kind:      kind,
		WriteMode: writeMode,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	members := make([]store.Membership, 0, len(userIDs))
	for _, userID := range userIDs {
		role := rbac.RoleMember
		if userID == creatorID {
			role = rbac.RoleAdmin
		}
		members = append(members, store.Membership{ChannelID: channel.ID, UserID: userID, Role: role, JoinedAt: now})
	}

	if err := s.store.CreateChannel(ctx, channel, members); err != nil {
		return store.Channel{}, storeError("create channel", err)
	}

	events := make([]realtime.Event, 0, len(members))
	for _, member := range members {
		event := s.channelEvent(realtime.UserTopic(member.UserID), realtime.EventChannelCreated, channel.ID, creatorID, now)
		event.UserID = member.UserID
		events = append(events, event)
	}
	s.publish(events...)
	return channel, nil
}

func (s *Service) UpdateChannel(ctx context.Context, actorID, channelID string, input UpdateChannelInput) (store.Channel, error) {
	var patch store.ChannelPatch
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return store.Channel{}, validationError("name must not be blank")
		}
		patch.Name = &name
	}
	if input.WriteMode != nil {
		mode, ok := rbac.ParseWriteMode(strings.TrimSpace(*input.WriteMode))
		if !ok || strings.TrimSpace(*input.WriteMode) == "" {
			return store.Channel{}, validationError("writeMode must be all or admin_only")
		}
		patch.WriteMode = &mode
	}
	if patch.Name == nil && patch.WriteMode == nil {
		return store.Channel{}, validationError("nothing to update")
	}

	_, membership, err := s.requireMember(ctx, channelID, actorID)
	if err != nil {
		return store.Channel{}, err
	}
	if !rbac.Can(membership.Role, rbac.ActionManage) {
		return store.Channel{}, permissionDenied("only channel admins can update the channel")
	}

	now := s.clock()
	updated, err := s.store.UpdateChannel(ctx, channelID, patch, now)
	if err != nil {
		return store.Channel{}, storeError("channel", err)
	}
	s.publish(s.channelEvent(realtime.ChannelTopic(channelID), realtime.EventChannelUpdated, channelID, actorID, now))
	return updated, nil
}

func (s *Service) DeleteChannel(ctx context.Context, actorID, channelID string) error {
	_, membership, err := s.requireMember(ctx, channelID, actorID)
	if err != nil {
		return err
	}
	if !rbac.Can(membership.Role, rbac.ActionManage) {
		return permissionDenied("only channel admins can delete the channel")
	}
	members, err := s.store.ListMembers(ctx, channelID)
	if err != nil {
		return storeError("channel", err)
	}

	now := s.clock()
	if err := s.store.DeleteChannel(ctx, channelID, now); err != nil {
		return storeError("channel", err)
	}

	events := []realtime.Event{s.channelEvent(realtime.ChannelTopic(channelID), realtime.EventChannelDeleted, channelID, actorID, now)}
	for _, member := range members {
		event := s.channelEvent(realtime.UserTopic(member.UserID), realtime.EventChannelDeleted, channelID, actorID, now)
		event.UserID = member.UserID
		events = append(events, event)
	}
	s.publish(events...)
	return nil
}

func (s *Service) ListMembers(ctx context.Context, actorID, channelID string) ([]store.Membership, error) {
	if _, _, err := s.requireMember(ctx, channelID, actorID); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, channelID)
	if err != nil {
		return nil, storeError("channel", err)
	}
	return members, nil
}

func (s *Service) AddMember(ctx context.Context, actorID, channelID, userID, role string) (store.Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return store.Membership{}, validationError("user id is required")
	}
	parsedRole, ok := rbac.ParseRole(strings.TrimSpace(role))
	if !ok {
		return store.Membership{}, validationError("role must be admin or member")
	}

	channel, membership, err := s.requireMember(ctx, channelID, actorID)
	if err != nil {
		return store.Membership{}, err
	}
	if !rbac.Can(membership.Role, rbac.ActionManage) {
		return store.Membership{}, permissionDenied("only channel admins can add members")
	}
	if channel.Kind == store.KindDirect {
		return store.Membership{}, invariantViolation("direct channel membership is fixed")
	}

	now := s.clock()
	added := store.Membership{ChannelID: channelID, UserID: userID, Role: parsedRole, JoinedAt: now}
	if err := s.store.AddMember(ctx, added); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Membership{}, validationError("user is already a member")
		}
		return store.Membership{}, storeError("channel", err)
	}

	onChannel := s.channelEvent(realtime.ChannelTopic(channelID), realtime.EventMemberAdded, channelID, actorID, now)
	onChannel.UserID = userID
	onUser := s.channelEvent(realtime.UserTopic(userID), realtime.EventMemberAdded, channelID, actorID, now)
	onUser.UserID = userID
	s.publish(onChannel, onUser)
	return added, nil
}

// RemoveMember removes userID from a group channel. Admins may remove anyone;
// members may only remove themselves.
func (s *Service) RemoveMember(ctx context.Context, actorID, channelID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationError("user id is required")
	}

	channel, membership, err := s.requireMember(ctx, channelID, actorID)
	if err != nil {
		return err
	}
	if actorID != userID && !rbac.Can(membership.Role, rbac.ActionManage) {
		return permissionDenied("only channel admins can remove other members")
	}
	if channel.Kind == store.KindDirect {
		return invariantViolation("direct channel membership is fixed")
	}

	if err := s.store.RemoveMember(ctx, channelID, userID, 1); err != nil {
		return storeError("member", err)
	}

	now := s.clock()
	onChannel := s.channelEvent(realtime.ChannelTopic(channelID), realtime.EventMemberRemoved, channelID, actorID, now)
	onChannel.UserID = userID
	onUser := s.channelEvent(realtime.UserTopic(userID), realtime.EventMemberRemoved, channelID, actorID, now)
	onUser.UserID = userID
	s.publish(onChannel, onUser)
	return nil
}

// requireMember loads a live channel and the caller's membership in it.
func (s *Service) requireMember(ctx context.Context, channelID, userID string) (store.Channel, store.Membership, error) {
	if strings.TrimSpace(channelID) == "" {
		return store.Channel{}, store.Membership{}, validationError("channel id is required")
	}
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return store.Channel{}, store.Membership{}, storeError("channel", err)
	}
	membership, err := s.store.GetMembership(ctx, channelID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Channel{}, store.Membership{}, permissionDenied("not a member of this channel")
		}
		return store.Channel{}, store.Membership{}, storeError("membership", err)
	}
	return channel, membership, nil
}

func (s *Service) channelEvent(topic string, eventType realtime.EventType, channelID, actorID string, at time.Time) realtime.Event {
	event := realtime.NewEvent(topic, eventType, at)
	event.ChannelID = channelID
	event.ActorID = actorID
	return event
}

// publish queues events for the bus once the mutation has committed. Delivery
// happens off the request path; a failed publish is logged and subscribers
// recover through resync.
func (s *Service) publish(events ...realtime.Event) {
	if s.events == nil {
		return
	}
	s.events.enqueue(events...)
}
