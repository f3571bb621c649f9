package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"courier/api/internal/rbac"
	"courier/api/internal/util"
)

// contractStore is the method set shared by MemoryStore and PostgresStore.
type contractStore interface {
	ListChannelsForUser(context.Context, string) ([]ChannelSummary, error)
	GetChannel(context.Context, string) (Channel, error)
	CreateChannel(context.Context, Channel, []Membership) error
	UpdateChannel(context.Context, string, ChannelPatch, time.Time) (Channel, error)
	DeleteChannel(context.Context, string, time.Time) error
	GetMembership(context.Context, string, string) (Membership, error)
	ListMembers(context.Context, string) ([]Membership, error)
	AddMember(context.Context, Membership) error
	RemoveMember(context.Context, string, string, int) error
	InsertMessage(context.Context, Message) (Message, bool, error)
	GetMessage(context.Context, string) (Message, error)
	EditMessage(context.Context, string, string, time.Time) (Message, error)
	DeleteMessage(context.Context, string, time.Time) (Message, error)
	ListMessages(context.Context, string, *Cursor, int) ([]Message, error)
	CountMessages(context.Context, string) (int, error)
	GetWatermark(context.Context, string, string) (ReadWatermark, error)
	EnsureWatermark(context.Context, string, string, time.Time) (ReadWatermark, error)
	AdvanceWatermark(context.Context, string, string, time.Time) (ReadWatermark, error)
	CountUnread(context.Context, string, string) (int, error)
}

var (
	_ contractStore = (*MemoryStore)(nil)
	_ contractStore = (*PostgresStore)(nil)
)

var contractBase = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func text(value string) *string { return &value }

func seedChannel(t *testing.T, s contractStore, kind ChannelKind, users ...string) Channel {
	t.Helper()
	channel := Channel{
		ID:        util.NewID("ch"),
		Name:      "launch",
		Kind:      kind,
		WriteMode: rbac.WriteAll,
		CreatedBy: users[0],
		CreatedAt: contractBase,
		UpdatedAt: contractBase,
	}
	members := make([]Membership, 0, len(users))
	for i, user := range users {
		role := rbac.RoleMember
		if i == 0 {
			role = rbac.RoleAdmin
		}
		members = append(members, Membership{ChannelID: channel.ID, UserID: user, Role: role, JoinedAt: contractBase})
	}
	if err := s.CreateChannel(context.Background(), channel, members); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

func seedMessage(t *testing.T, s contractStore, channelID, sender string, at time.Time) Message {
	t.Helper()
	msg, created, err := s.InsertMessage(context.Background(), Message{
		ID:        util.NewID("msg"),
		ChannelID: channelID,
		SenderID:  sender,
		Content:   text(fmt.Sprintf("hello at %s", at.Format(time.RFC3339Nano))),
		CreatedAt: at,
	})
	if err != nil || !created {
		t.Fatalf("InsertMessage: created=%v err=%v", created, err)
	}
	return msg
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) contractStore) {
	ctx := context.Background()

	t.Run("create channel is atomic", func(t *testing.T) {
		s := newStore(t)
		channel := Channel{ID: util.NewID("ch"), Name: "dup", Kind: KindGroup, WriteMode: rbac.WriteAll, CreatedBy: "a", CreatedAt: contractBase, UpdatedAt: contractBase}
		members := []Membership{
			{ChannelID: channel.ID, UserID: "a", Role: rbac.RoleAdmin, JoinedAt: contractBase},
			{ChannelID: channel.ID, UserID: "a", Role: rbac.RoleMember, JoinedAt: contractBase},
		}
		if err := s.CreateChannel(ctx, channel, members); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := s.GetChannel(ctx, channel.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("channel must not exist after failed create, got %v", err)
		}
	})

	t.Run("members and floor", func(t *testing.T) {
		s := newStore(t)
		a, b := util.NewID("u"), util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a, b)

		members, err := s.ListMembers(ctx, channel.ID)
		if err != nil || len(members) != 2 {
			t.Fatalf("ListMembers: %v %+v", err, members)
		}
		if err := s.AddMember(ctx, Membership{ChannelID: channel.ID, UserID: b, Role: rbac.RoleMember, JoinedAt: contractBase}); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict on duplicate member, got %v", err)
		}
		if err := s.RemoveMember(ctx, channel.ID, b, 1); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		if err := s.RemoveMember(ctx, channel.ID, a, 1); !errors.Is(err, ErrMembershipFloor) {
			t.Fatalf("expected ErrMembershipFloor, got %v", err)
		}
		if err := s.RemoveMember(ctx, channel.ID, b, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for removed member, got %v", err)
		}
		if _, err := s.GetMembership(ctx, channel.ID, a); err != nil {
			t.Fatalf("admin membership should survive: %v", err)
		}
	})

	t.Run("pages have no gaps or duplicates", func(t *testing.T) {
		s := newStore(t)
		a := util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a)
		for i := 0; i < 9; i++ {
			// pairs of messages share a timestamp so the id tie-break is exercised
			seedMessage(t, s, channel.ID, a, contractBase.Add(time.Duration(i/2)*time.Millisecond))
		}

		first, err := s.ListMessages(ctx, channel.ID, nil, 4)
		if err != nil || len(first) != 4 {
			t.Fatalf("first page: %v len=%d", err, len(first))
		}
		cursor := first[len(first)-1].Cursor()
		second, err := s.ListMessages(ctx, channel.ID, &cursor, 4)
		if err != nil || len(second) != 4 {
			t.Fatalf("second page: %v len=%d", err, len(second))
		}
		cursor = second[len(second)-1].Cursor()
		third, err := s.ListMessages(ctx, channel.ID, &cursor, 4)
		if err != nil || len(third) != 1 {
			t.Fatalf("third page: %v len=%d", err, len(third))
		}

		all := append(append(first, second...), third...)
		seen := map[string]bool{}
		for i, msg := range all {
			if seen[msg.ID] {
				t.Fatalf("duplicate id %s", msg.ID)
			}
			seen[msg.ID] = true
			if i > 0 && all[i-1].Cursor().Before(msg.Cursor()) {
				t.Fatalf("sequence increases at %d", i)
			}
		}
	})

	t.Run("client id makes inserts idempotent", func(t *testing.T) {
		s := newStore(t)
		a := util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a)
		msg := Message{ID: util.NewID("msg"), ChannelID: channel.ID, SenderID: a, ClientID: "c-1", Content: text("hi"), CreatedAt: contractBase}
		first, created, err := s.InsertMessage(ctx, msg)
		if err != nil || !created {
			t.Fatalf("first insert: created=%v err=%v", created, err)
		}
		msg.ID = util.NewID("msg")
		msg.CreatedAt = contractBase.Add(time.Second)
		again, created, err := s.InsertMessage(ctx, msg)
		if err != nil || created {
			t.Fatalf("retry insert: created=%v err=%v", created, err)
		}
		if again.ID != first.ID || !again.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("retry returned %s@%s, want %s@%s", again.ID, again.CreatedAt, first.ID, first.CreatedAt)
		}
		if count, _ := s.CountMessages(ctx, channel.ID); count != 1 {
			t.Fatalf("expected 1 stored message, got %d", count)
		}
	})

	t.Run("edit and delete keep position", func(t *testing.T) {
		s := newStore(t)
		a := util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a)
		msg := seedMessage(t, s, channel.ID, a, contractBase)

		edited, err := s.EditMessage(ctx, msg.ID, "fixed", contractBase.Add(time.Minute))
		if err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
		if edited.ID != msg.ID || !edited.CreatedAt.Equal(msg.CreatedAt) || !edited.Edited || *edited.Content != "fixed" {
			t.Fatalf("unexpected edit result %+v", edited)
		}

		deleted, err := s.DeleteMessage(ctx, msg.ID, contractBase.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if deleted.Content != nil || deleted.DeletedAt == nil || !deleted.CreatedAt.Equal(msg.CreatedAt) {
			t.Fatalf("unexpected delete result %+v", deleted)
		}
		if deleted.Body().State != StateDeleted {
			t.Fatalf("expected deleted body, got %s", deleted.Body().State)
		}
		if _, err := s.EditMessage(ctx, msg.ID, "again", contractBase.Add(3*time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("editing a deleted message should be ErrNotFound, got %v", err)
		}
		if _, err := s.DeleteMessage(ctx, msg.ID, contractBase.Add(3*time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleting twice should be ErrNotFound, got %v", err)
		}
		page, err := s.ListMessages(ctx, channel.ID, nil, 10)
		if err != nil || len(page) != 1 || page[0].ID != msg.ID {
			t.Fatalf("tombstone should stay in the page: %v %+v", err, page)
		}
	})

	t.Run("watermark is monotonic and drives unread", func(t *testing.T) {
		s := newStore(t)
		a, b := util.NewID("u"), util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a, b)
		seedMessage(t, s, channel.ID, b, contractBase.Add(time.Second))
		seedMessage(t, s, channel.ID, a, contractBase.Add(2*time.Second))
		late := seedMessage(t, s, channel.ID, b, contractBase.Add(3*time.Second))

		if count, _ := s.CountUnread(ctx, channel.ID, a); count != 2 {
			t.Fatalf("expected 2 unread without watermark, got %d", count)
		}
		if _, err := s.EnsureWatermark(ctx, channel.ID, a, time.Time{}); err != nil {
			t.Fatalf("EnsureWatermark: %v", err)
		}
		if count, _ := s.CountUnread(ctx, channel.ID, a); count != 2 {
			t.Fatalf("opening must not mark anything read, got %d", count)
		}

		mark, err := s.AdvanceWatermark(ctx, channel.ID, a, contractBase.Add(2*time.Second))
		if err != nil {
			t.Fatalf("AdvanceWatermark: %v", err)
		}
		back, err := s.AdvanceWatermark(ctx, channel.ID, a, contractBase)
		if err != nil {
			t.Fatalf("AdvanceWatermark backwards: %v", err)
		}
		if !back.LastReadAt.Equal(mark.LastReadAt) {
			t.Fatalf("watermark moved backwards to %s", back.LastReadAt)
		}
		if count, _ := s.CountUnread(ctx, channel.ID, a); count != 1 {
			t.Fatalf("expected 1 unread after mark, got %d", count)
		}
		if _, err := s.DeleteMessage(ctx, late.ID, contractBase.Add(4*time.Second)); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if count, _ := s.CountUnread(ctx, channel.ID, a); count != 0 {
			t.Fatalf("deleted messages are not unread, got %d", count)
		}
	})

	t.Run("channel list orders by activity", func(t *testing.T) {
		s := newStore(t)
		a, b := util.NewID("u"), util.NewID("u")
		quiet := seedChannel(t, s, KindGroup, a)
		busy := seedChannel(t, s, KindDirect, a, b)
		seedMessage(t, s, busy.ID, b, contractBase.Add(time.Hour))
		gone := seedChannel(t, s, KindGroup, a)
		if err := s.DeleteChannel(ctx, gone.ID, contractBase.Add(time.Minute)); err != nil {
			t.Fatalf("DeleteChannel: %v", err)
		}

		list, err := s.ListChannelsForUser(ctx, a)
		if err != nil {
			t.Fatalf("ListChannelsForUser: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 live channels, got %d", len(list))
		}
		if list[0].ID != busy.ID || list[1].ID != quiet.ID {
			t.Fatalf("unexpected order %s, %s", list[0].ID, list[1].ID)
		}
		if list[0].UnreadCount != 1 || list[0].Role != rbac.RoleAdmin {
			t.Fatalf("unexpected summary %+v", list[0])
		}
		if _, err := s.GetChannel(ctx, gone.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted channel should be ErrNotFound, got %v", err)
		}
	})

	t.Run("paging is stable while newer messages arrive", func(t *testing.T) {
		s := newStore(t)
		a, b := util.NewID("u"), util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a, b)
		var want []string
		for i := 0; i < 20; i++ {
			msg := seedMessage(t, s, channel.ID, a, contractBase.Add(time.Duration(i/3)*time.Millisecond))
			want = append(want, msg.ID)
		}

		page, err := s.ListMessages(ctx, channel.ID, nil, 6)
		if err != nil || len(page) != 6 {
			t.Fatalf("first page: %v len=%d", err, len(page))
		}
		got := append([]Message(nil), page...)

		var wg sync.WaitGroup
		errs := make(chan error, 12)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := s.InsertMessage(ctx, Message{
					ID:        util.NewID("msg"),
					ChannelID: channel.ID,
					SenderID:  b,
					Content:   text("late arrival"),
					CreatedAt: contractBase.Add(time.Second + time.Duration(i%4)*time.Millisecond),
				})
				if err != nil {
					errs <- err
				}
			}(i)
		}

		for len(page) == 6 {
			cursor := page[len(page)-1].Cursor()
			page, err = s.ListMessages(ctx, channel.ID, &cursor, 6)
			if err != nil {
				t.Fatalf("next page: %v", err)
			}
			got = append(got, page...)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent insert: %v", err)
		}

		if len(got) != len(want) {
			t.Fatalf("expected %d messages across pages, got %d", len(want), len(got))
		}
		seen := map[string]bool{}
		for i, msg := range got {
			if seen[msg.ID] {
				t.Fatalf("duplicate id %s", msg.ID)
			}
			seen[msg.ID] = true
			if msg.SenderID != a {
				t.Fatalf("newer message %s leaked into an older page", msg.ID)
			}
			if i > 0 && got[i-1].Cursor().Before(msg.Cursor()) {
				t.Fatalf("sequence increases at %d", i)
			}
		}
		for _, id := range want {
			if !seen[id] {
				t.Fatalf("gap: %s missing from pages", id)
			}
		}

		total, err := s.CountMessages(ctx, channel.ID)
		if err != nil || total != 32 {
			t.Fatalf("CountMessages: %v total=%d", err, total)
		}
	})

	t.Run("concurrent removals respect the floor", func(t *testing.T) {
		s := newStore(t)
		a, b := util.NewID("u"), util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a, b)

		results := make([]error, 2)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, user := range []string{a, b} {
			wg.Add(1)
			go func(i int, user string) {
				defer wg.Done()
				<-start
				results[i] = s.RemoveMember(ctx, channel.ID, user, 1)
			}(i, user)
		}
		close(start)
		wg.Wait()

		removed, refused := 0, 0
		for _, err := range results {
			switch {
			case err == nil:
				removed++
			case errors.Is(err, ErrMembershipFloor):
				refused++
			default:
				t.Fatalf("unexpected RemoveMember error: %v", err)
			}
		}
		if removed != 1 || refused != 1 {
			t.Fatalf("expected one removal and one refusal, got %d and %d", removed, refused)
		}
		members, err := s.ListMembers(ctx, channel.ID)
		if err != nil || len(members) != 1 {
			t.Fatalf("ListMembers: %v %+v", err, members)
		}
	})

	t.Run("update channel patches only given fields", func(t *testing.T) {
		s := newStore(t)
		a := util.NewID("u")
		channel := seedChannel(t, s, KindGroup, a)
		mode := rbac.WriteAdminOnly
		updated, err := s.UpdateChannel(ctx, channel.ID, ChannelPatch{WriteMode: &mode}, contractBase.Add(time.Minute))
		if err != nil {
			t.Fatalf("UpdateChannel: %v", err)
		}
		if updated.Name != "launch" || updated.WriteMode != rbac.WriteAdminOnly || !updated.UpdatedAt.Equal(contractBase.Add(time.Minute)) {
			t.Fatalf("unexpected update %+v", updated)
		}
	})
}
