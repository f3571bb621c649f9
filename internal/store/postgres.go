package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"courier/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const channelColumns = `c.id, c.name, c.kind, c.write_mode, c.created_by, c.created_at, c.updated_at, c.deleted_at`

func scanChannel(row rowScanner, extra ...any) (Channel, error) {
	var (
		item      Channel
		kind      string
		writeMode string
		deletedAt sql.NullTime
	)
	dest := append([]any{&item.ID, &item.Name, &kind, &writeMode, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &deletedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Channel{}, err
	}
	item.Kind = ChannelKind(kind)
	item.WriteMode = rbac.WriteMode(writeMode)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.DeletedAt = timePtr(deletedAt)
	return item, nil
}

func (s *PostgresStore) ListChannelsForUser(ctx context.Context, userID string) ([]ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`, m.role,
			GREATEST(c.updated_at, COALESCE(last.created_at, c.created_at)) AS last_activity_at,
			(
				SELECT COUNT(*) FROM messages x
				WHERE x.channel_id = c.id
					AND x.sender_id <> m.user_id
					AND x.deleted_at IS NULL
					AND x.created_at > COALESCE(w.last_read_at, '-infinity'::timestamptz)
			) AS unread_count
		FROM memberships m
		JOIN channels c ON c.id = m.channel_id AND c.deleted_at IS NULL
		LEFT JOIN read_watermarks w ON w.channel_id = m.channel_id AND w.user_id = m.user_id
		LEFT JOIN LATERAL (
			SELECT created_at FROM messages
			WHERE channel_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) last ON TRUE
		WHERE m.user_id = $1
		ORDER BY last_activity_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]ChannelSummary, 0)
	for rows.Next() {
		var (
			item ChannelSummary
			role string
		)
		channel, err := scanChannel(rows, &role, &item.LastActivityAt, &item.UnreadCount)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		item.Channel = channel
		item.Role = rbac.Role(role)
		item.LastActivityAt = item.LastActivityAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id=$1 AND c.deleted_at IS NULL`, channelID)
	item, err := scanChannel(row)
	if err != nil {
		return Channel{}, notFound(err)
	}
	return item, nil
}

// CreateChannel inserts the channel and its initial memberships as one unit.
func (s *PostgresStore) CreateChannel(ctx context.Context, channel Channel, members []Membership) error {
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name, kind, write_mode, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, channel.ID, channel.Name, string(channel.Kind), string(channel.WriteMode), channel.CreatedBy, channel.CreatedAt, channel.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memberships (channel_id, user_id, role, joined_at)
				VALUES ($1, $2, $3, $4)
			`, channel.ID, member.UserID, string(member.Role), member.JoinedAt); err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert membership: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID string, patch ChannelPatch, at time.Time) (Channel, error) {
	var name, writeMode any
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.WriteMode != nil {
		writeMode = string(*patch.WriteMode)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE channels c
		SET name = COALESCE($2::text, c.name),
			write_mode = COALESCE($3::text, c.write_mode),
			updated_at = GREATEST(c.updated_at, $4)
		WHERE c.id = $1 AND c.deleted_at IS NULL
		RETURNING `+channelColumns, channelID, name, writeMode, at)
	item, err := scanChannel(row)
	if err != nil {
		return Channel{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET deleted_at=$2, updated_at=GREATEST(updated_at, $2)
		WHERE id=$1 AND deleted_at IS NULL
	`, channelID, at)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return expectAffected(result)
}

func (s *PostgresStore) GetMembership(ctx context.Context, channelID, userID string) (Membership, error) {
	var (
		item Membership
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, role, joined_at FROM memberships WHERE channel_id=$1 AND user_id=$2
	`, channelID, userID).Scan(&item.ChannelID, &item.UserID, &role, &item.JoinedAt)
	if err != nil {
		return Membership{}, notFound(err)
	}
	item.Role = rbac.Role(role)
	item.JoinedAt = item.JoinedAt.UTC()
	return item, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, channelID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, role, joined_at FROM memberships
		WHERE channel_id=$1
		ORDER BY joined_at ASC, user_id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var (
			item Membership
			role string
		)
		if err := rows.Scan(&item.ChannelID, &item.UserID, &role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		item.Role = rbac.Role(role)
		item.JoinedAt = item.JoinedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member Membership) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (channel_id, user_id, role, joined_at)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM channels WHERE id=$1 AND deleted_at IS NULL)
	`, member.ChannelID, member.UserID, string(member.Role), member.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("add member: %w", err)
	}
	return expectAffected(result)
}

// RemoveMember deletes a membership unless that would leave fewer than floor
// members. The channel row is locked for the duration so concurrent removals see
// each other's effect on the count.
func (s *PostgresStore) RemoveMember(ctx context.Context, channelID, userID string, floor int) error {
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, channelID).Scan(&locked)
		if err != nil {
			return notFound(err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE channel_id=$1`, channelID).Scan(&count); err != nil {
			return fmt.Errorf("count members: %w", err)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM memberships WHERE channel_id=$1 AND user_id=$2)`, channelID, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check member: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		if count-1 < floor {
			return ErrMembershipFloor
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE channel_id=$1 AND user_id=$2`, channelID, userID); err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM read_watermarks WHERE channel_id=$1 AND user_id=$2`, channelID, userID); err != nil {
			return fmt.Errorf("delete watermark: %w", err)
		}
		return nil
	})
}

const messageColumns = `id, channel_id, sender_id, client_id, content, attachment_ref, edited, deleted_at, created_at, updated_at`

func scanMessage(row rowScanner) (Message, error) {
	var (
		item          Message
		clientID      sql.NullString
		content       sql.NullString
		attachmentRef sql.NullString
		deletedAt     sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.ChannelID, &item.SenderID, &clientID, &content, &attachmentRef, &item.Edited, &deletedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Message{}, err
	}
	item.ClientID = clientID.String
	item.Content = stringPtr(content)
	item.AttachmentRef = stringPtr(attachmentRef)
	item.DeletedAt = timePtr(deletedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

// InsertMessage stores msg. When msg carries a client id already used by the same
// sender in the same channel, the stored message is returned with created=false.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, client_id, content, attachment_ref, edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		ON CONFLICT (channel_id, sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, msg.ChannelID, msg.SenderID, nilIfEmpty(msg.ClientID), msg.Content, msg.AttachmentRef, msg.CreatedAt)
	stored, err := scanMessage(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id=$1 AND sender_id=$2 AND client_id=$3
	`, msg.ChannelID, msg.SenderID, msg.ClientID)
	existing, err := scanMessage(row)
	if err != nil {
		return Message{}, false, fmt.Errorf("lookup message by client id: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	item, err := scanMessage(row)
	if err != nil {
		return Message{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, messageID, content string, at time.Time) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET content=$2, edited=TRUE, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+messageColumns, messageID, content, at)
	item, err := scanMessage(row)
	if err != nil {
		return Message{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string, at time.Time) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET content=NULL, attachment_ref=NULL, deleted_at=$2, updated_at=GREATEST(updated_at, $2)
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+messageColumns, messageID, at)
	item, err := scanMessage(row)
	if err != nil {
		return Message{}, notFound(err)
	}
	return item, nil
}

// ListMessages returns up to limit messages strictly before the cursor, newest first.
// Tombstones are included so page boundaries do not move when messages are deleted.
func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, before *Cursor, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE channel_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, channelID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE channel_id=$1 AND (created_at, id) < ($2::timestamptz, $3::text)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, channelID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, channelID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id=$1`, channelID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetWatermark(ctx context.Context, channelID, userID string) (ReadWatermark, error) {
	var item ReadWatermark
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, last_read_at FROM read_watermarks WHERE channel_id=$1 AND user_id=$2
	`, channelID, userID).Scan(&item.ChannelID, &item.UserID, &item.LastReadAt)
	if err != nil {
		return ReadWatermark{}, notFound(err)
	}
	item.LastReadAt = item.LastReadAt.UTC()
	return item, nil
}

// EnsureWatermark creates the watermark at the given position if none exists and
// returns the current one.
func (s *PostgresStore) EnsureWatermark(ctx context.Context, channelID, userID string, at time.Time) (ReadWatermark, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO read_watermarks (channel_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID, at); err != nil {
		return ReadWatermark{}, fmt.Errorf("ensure watermark: %w", err)
	}
	return s.GetWatermark(ctx, channelID, userID)
}

// AdvanceWatermark moves last_read_at forward to at. An older at leaves the stored
// value untouched.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, channelID, userID string, at time.Time) (ReadWatermark, error) {
	var item ReadWatermark
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO read_watermarks (channel_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id)
		DO UPDATE SET last_read_at = GREATEST(read_watermarks.last_read_at, EXCLUDED.last_read_at)
		RETURNING channel_id, user_id, last_read_at
	`, channelID, userID, at).Scan(&item.ChannelID, &item.UserID, &item.LastReadAt)
	if err != nil {
		return ReadWatermark{}, fmt.Errorf("advance watermark: %w", err)
	}
	item.LastReadAt = item.LastReadAt.UTC()
	return item, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, channelID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.channel_id = $1
			AND m.sender_id <> $2
			AND m.deleted_at IS NULL
			AND m.created_at > COALESCE(
				(SELECT last_read_at FROM read_watermarks WHERE channel_id = $1 AND user_id = $2),
				'-infinity'::timestamptz
			)
	`, channelID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time.UTC()
	return &v
}
