package store

import (
	"encoding/base64"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cursor is the (created_at, id) position of a message. Pages are fetched strictly
// before a cursor, newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var ErrInvalidCursor = errors.New("invalid cursor")

// Before reports whether c sorts strictly before other in (created_at, id) order.
func (c Cursor) Before(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func ParseCursor(token string) (*Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	micros, id, ok := strings.Cut(string(decoded), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	value, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.UnixMicro(value).UTC(), ID: id}, nil
}

// SortNewestFirst orders messages by (created_at, id) descending.
func SortNewestFirst(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[j].Cursor().Before(messages[i].Cursor())
	})
}

// SortOldestFirst orders messages by (created_at, id) ascending, the display order.
func SortOldestFirst(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Cursor().Before(messages[j].Cursor())
	})
}
