package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Pagination limits for listing queries. Requests above the ceiling are
// clamped, not rejected.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// MessageFilter narrows message listings and counts. Nil pointer fields are
// ignored. DateFrom is inclusive, DateTo exclusive, both unix seconds.
// Keyword is a substring match against the message text.
type MessageFilter struct {
	ChatID   *int64
	SenderID *int64
	Keyword  string
	DateFrom *int64
	DateTo   *int64
}

// MessagePage is one page of a message listing. NextCursor is empty when the
// listing is exhausted.
type MessagePage struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
}

// UserPage is one page of a user listing.
type UserPage struct {
	Users      []User
	NextCursor string
	HasMore    bool
}

// MediaPage is one page of a media listing.
type MediaPage struct {
	Media      []Media
	NextCursor string
	HasMore    bool
}

// SearchResult holds full-text matches in reverse-chronological order.
type SearchResult struct {
	Messages []Message
	HasMore  bool
}

// Store defines the data access layer. All upserts are idempotent on the
// upstream-assigned keys: re-ingesting the same entity overwrites its mutable
// fields and never creates a duplicate row.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertChat inserts or updates a chat keyed by its upstream id.
	UpsertChat(ctx context.Context, chat *Chat) error

	// UpsertUser inserts or updates a user keyed by its upstream id.
	UpsertUser(ctx context.Context, user *User) error

	// UpsertMessage inserts or updates a message (and its media attachment,
	// if any) keyed by (chat_id, id), atomically.
	UpsertMessage(ctx context.Context, msg *Message, media *Media) error

	// UpsertBatch upserts a whole normalized chunk and, when state is
	// non-nil, persists the new backfill resume boundary in the same
	// transaction. Either everything in the chunk commits or nothing does.
	UpsertBatch(ctx context.Context, batch *Batch, state *BackfillState) error

	// GetBackfillState returns the persisted resume boundary for a chat, or
	// nil if backfill has never run for it.
	GetBackfillState(ctx context.Context, chatID int64) (*BackfillState, error)

	// GetAllChats returns every archived chat ordered by title.
	GetAllChats(ctx context.Context) ([]Chat, error)

	// QueryMessages returns one page of messages matching the filter in
	// (date DESC, id DESC) order, resuming after the cursor if given.
	QueryMessages(ctx context.Context, filter MessageFilter, cursor string, limit int) (*MessagePage, error)

	// CountMessages counts messages matching the filter. The count reflects
	// the latest committed state and is eventually consistent with respect to
	// in-flight ingestion.
	CountMessages(ctx context.Context, filter MessageFilter) (int64, error)

	// QueryUsers returns one page of users, optionally keyword-filtered
	// across username and names, ordered by id.
	QueryUsers(ctx context.Context, keyword string, cursor string, limit int) (*UserPage, error)

	// QueryMedia returns one page of media records in msg_id descending
	// order, optionally filtered by chat and media type.
	QueryMedia(ctx context.Context, chatID *int64, mediaType string, cursor string, limit int) (*MediaPage, error)

	// SearchMessages runs a full-text query against the maintained index.
	// Results reflect all committed upserts at the time of the call.
	SearchMessages(ctx context.Context, query string, dateFrom, dateTo *int64, limit int) (*SearchResult, error)

	// RunMaintenance checkpoints the WAL, optimizes the full-text index, and
	// vacuums the database file.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx over SQLite.
//
// writeMu serializes the write path: backfill and live-listen race on the
// same keyspace, and SQLite wants a single writer. Readers are not guarded;
// in WAL mode they see the last committed state without waiting on writers.
type sqlxStore struct {
	db      *sqlx.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const upsertChatQuery = `
	INSERT INTO chats (id, title, username)
	VALUES (:id, :title, :username)
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		username = excluded.username;
`

const upsertUserQuery = `
	INSERT INTO users (id, username, first_name, last_name)
	VALUES (:id, :username, :first_name, :last_name)
	ON CONFLICT (id) DO UPDATE SET
		username = excluded.username,
		first_name = excluded.first_name,
		last_name = excluded.last_name;
`

const upsertMessageQuery = `
	INSERT INTO messages (id, chat_id, sender_id, date, text, reply_to_msg_id, is_forwarded, raw_json)
	VALUES (:id, :chat_id, :sender_id, :date, :text, :reply_to_msg_id, :is_forwarded, :raw_json)
	ON CONFLICT (chat_id, id) DO UPDATE SET
		sender_id = excluded.sender_id,
		date = excluded.date,
		text = excluded.text,
		reply_to_msg_id = excluded.reply_to_msg_id,
		is_forwarded = excluded.is_forwarded,
		raw_json = excluded.raw_json;
`

const upsertMediaQuery = `
	INSERT INTO media (msg_id, chat_id, media_type, media_ref)
	VALUES (:msg_id, :chat_id, :media_type, :media_ref)
	ON CONFLICT (msg_id, chat_id) DO UPDATE SET
		media_type = excluded.media_type,
		media_ref = excluded.media_ref;
`

const upsertBackfillStateQuery = `
	INSERT INTO backfill_state (chat_id, oldest_id, oldest_date, completed, updated_at)
	VALUES (:chat_id, :oldest_id, :oldest_date, :completed, :updated_at)
	ON CONFLICT (chat_id) DO UPDATE SET
		oldest_id = excluded.oldest_id,
		oldest_date = excluded.oldest_date,
		completed = excluded.completed,
		updated_at = excluded.updated_at;
`

func (s *sqlxStore) UpsertChat(ctx context.Context, chat *Chat) error {
	if chat == nil {
		return fmt.Errorf("cannot upsert nil chat")
	}
	if chat.ID == 0 {
		return fmt.Errorf("chat must have a non-zero id")
	}
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, upsertChatQuery, chat); err != nil {
			return fmt.Errorf("failed to upsert chat %d: %w", chat.ID, err)
		}
		return nil
	})
}

func (s *sqlxStore) UpsertUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("cannot upsert nil user")
	}
	if user.ID == 0 {
		return fmt.Errorf("user must have a non-zero id")
	}
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, upsertUserQuery, user); err != nil {
			return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
		}
		return nil
	})
}

func (s *sqlxStore) UpsertMessage(ctx context.Context, msg *Message, media *Media) error {
	if msg == nil {
		return fmt.Errorf("cannot upsert nil message")
	}
	if msg.ID == 0 || msg.ChatID == 0 {
		return fmt.Errorf("message must have non-zero (chat_id, id)")
	}
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		return upsertMessageTx(ctx, tx, msg, media)
	})
}

func upsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg *Message, media *Media) error {
	if _, err := tx.NamedExecContext(ctx, upsertMessageQuery, msg); err != nil {
		return fmt.Errorf("failed to upsert message (%d, %d): %w", msg.ChatID, msg.ID, err)
	}
	if media != nil {
		if _, err := tx.NamedExecContext(ctx, upsertMediaQuery, media); err != nil {
			return fmt.Errorf("failed to upsert media for message (%d, %d): %w", media.ChatID, media.MsgID, err)
		}
	}
	return nil
}

func (s *sqlxStore) UpsertBatch(ctx context.Context, batch *Batch, state *BackfillState) error {
	if batch == nil {
		return fmt.Errorf("cannot upsert nil batch")
	}

	err := s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		// Chats and users first so foreign keys on messages hold.
		for i := range batch.Chats {
			if _, err := tx.NamedExecContext(ctx, upsertChatQuery, &batch.Chats[i]); err != nil {
				return fmt.Errorf("failed to upsert chat %d: %w", batch.Chats[i].ID, err)
			}
		}
		for i := range batch.Users {
			if _, err := tx.NamedExecContext(ctx, upsertUserQuery, &batch.Users[i]); err != nil {
				return fmt.Errorf("failed to upsert user %d: %w", batch.Users[i].ID, err)
			}
		}
		for i := range batch.Messages {
			msg := &batch.Messages[i]
			if _, err := tx.NamedExecContext(ctx, upsertMessageQuery, msg); err != nil {
				return fmt.Errorf("failed to upsert message (%d, %d): %w", msg.ChatID, msg.ID, err)
			}
		}
		for i := range batch.Media {
			m := &batch.Media[i]
			if _, err := tx.NamedExecContext(ctx, upsertMediaQuery, m); err != nil {
				return fmt.Errorf("failed to upsert media for message (%d, %d): %w", m.ChatID, m.MsgID, err)
			}
		}
		if state != nil {
			state.UpdatedAt = time.Now().UTC().Unix()
			if _, err := tx.NamedExecContext(ctx, upsertBackfillStateQuery, state); err != nil {
				return fmt.Errorf("failed to persist backfill boundary for chat %d: %w", state.ChatID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Batch upserted",
		"chats", len(batch.Chats),
		"users", len(batch.Users),
		"messages", len(batch.Messages),
		"media", len(batch.Media))
	return nil
}

// withWriteTx serializes the write path and runs fn inside a transaction,
// committing on success and rolling back on failure.
func (s *sqlxStore) withWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

func (s *sqlxStore) GetBackfillState(ctx context.Context, chatID int64) (*BackfillState, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("chat_id cannot be zero")
	}

	var state BackfillState
	query := `SELECT chat_id, oldest_id, oldest_date, completed, updated_at
	          FROM backfill_state WHERE chat_id = ?`

	err := s.db.GetContext(ctx, &state, query, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get backfill state for chat %d: %w", chatID, err)
	}
	return &state, nil
}

func (s *sqlxStore) GetAllChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	query := `SELECT id, title, username FROM chats ORDER BY title`
	if err := s.db.SelectContext(ctx, &chats, query); err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	return chats, nil
}

const messageColumns = `m.id, m.chat_id, m.sender_id, m.date, m.text, m.reply_to_msg_id, m.is_forwarded, m.raw_json`

// buildMessageConditions translates a MessageFilter into WHERE conditions.
func buildMessageConditions(filter MessageFilter) ([]string, []any) {
	var conditions []string
	var args []any

	if filter.ChatID != nil {
		conditions = append(conditions, "m.chat_id = ?")
		args = append(args, *filter.ChatID)
	}
	if filter.SenderID != nil {
		conditions = append(conditions, "m.sender_id = ?")
		args = append(args, *filter.SenderID)
	}
	if filter.Keyword != "" {
		conditions = append(conditions, "m.text LIKE ?")
		args = append(args, "%"+filter.Keyword+"%")
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "m.date < ?")
		args = append(args, *filter.DateTo)
	}
	return conditions, args
}

func (s *sqlxStore) QueryMessages(ctx context.Context, filter MessageFilter, cursor string, limit int) (*MessagePage, error) {
	limit = clampLimit(limit)

	conditions, args := buildMessageConditions(filter)

	if cursor != "" {
		c, err := decodeMessageCursor(cursor)
		if err != nil {
			return nil, err
		}
		// Keyset continuation: strictly after the last row of the previous
		// page in (date DESC, id DESC) order. Offset pagination would skip
		// or repeat rows as ingestion inserts ahead of the scan position.
		conditions = append(conditions, "(m.date < ? OR (m.date = ? AND m.id < ?))")
		args = append(args, c.LastDate, c.LastDate, c.LastID)
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM messages m
		WHERE %s
		ORDER BY m.date DESC, m.id DESC
		LIMIT ?`, messageColumns, where)
	args = append(args, limit+1)

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	page := &MessagePage{}
	page.HasMore = len(messages) > limit
	if page.HasMore {
		messages = messages[:limit]
	}
	page.Messages = messages

	if page.HasMore && len(messages) > 0 {
		last := messages[len(messages)-1]
		page.NextCursor = encodeMessageCursor(messageCursor{LastID: last.ID, LastDate: last.Date})
	}
	return page, nil
}

func (s *sqlxStore) CountMessages(ctx context.Context, filter MessageFilter) (int64, error) {
	conditions, args := buildMessageConditions(filter)

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM messages m WHERE %s`, where)
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *sqlxStore) QueryUsers(ctx context.Context, keyword string, cursor string, limit int) (*UserPage, error) {
	limit = clampLimit(limit)

	var conditions []string
	var args []any

	if keyword != "" {
		pattern := "%" + keyword + "%"
		conditions = append(conditions, "(username LIKE ? OR first_name LIKE ? OR last_name LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if cursor != "" {
		c, err := decodeIDCursor(cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, "id > ?")
		args = append(args, c.LastID)
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, username, first_name, last_name
		FROM users
		WHERE %s
		ORDER BY id
		LIMIT ?`, where)
	args = append(args, limit+1)

	var users []User
	if err := s.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	page := &UserPage{}
	page.HasMore = len(users) > limit
	if page.HasMore {
		users = users[:limit]
	}
	page.Users = users

	if page.HasMore && len(users) > 0 {
		page.NextCursor = encodeIDCursor(idCursor{LastID: users[len(users)-1].ID})
	}
	return page, nil
}

func (s *sqlxStore) QueryMedia(ctx context.Context, chatID *int64, mediaType string, cursor string, limit int) (*MediaPage, error) {
	limit = clampLimit(limit)

	var conditions []string
	var args []any

	if chatID != nil {
		conditions = append(conditions, "chat_id = ?")
		args = append(args, *chatID)
	}
	if mediaType != "" {
		conditions = append(conditions, "media_type = ?")
		args = append(args, mediaType)
	}
	if cursor != "" {
		c, err := decodeIDCursor(cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, "msg_id < ?")
		args = append(args, c.LastID)
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT msg_id, chat_id, media_type, media_ref
		FROM media
		WHERE %s
		ORDER BY msg_id DESC
		LIMIT ?`, where)
	args = append(args, limit+1)

	var media []Media
	if err := s.db.SelectContext(ctx, &media, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}

	page := &MediaPage{}
	page.HasMore = len(media) > limit
	if page.HasMore {
		media = media[:limit]
	}
	page.Media = media

	if page.HasMore && len(media) > 0 {
		page.NextCursor = encodeIDCursor(idCursor{LastID: media[len(media)-1].MsgID})
	}
	return page, nil
}

func (s *sqlxStore) SearchMessages(ctx context.Context, query string, dateFrom, dateTo *int64, limit int) (*SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	limit = clampLimit(limit)

	conditions := []string{"messages_fts MATCH ?"}
	args := []any{query}

	if dateFrom != nil {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, *dateFrom)
	}
	if dateTo != nil {
		conditions = append(conditions, "m.date < ?")
		args = append(args, *dateTo)
	}

	ftsQuery := fmt.Sprintf(`
		SELECT %s
		FROM messages m
		JOIN messages_fts ON messages_fts.rowid = m.rid
		WHERE %s
		ORDER BY m.date DESC, m.id DESC
		LIMIT ?`, messageColumns, strings.Join(conditions, " AND "))
	args = append(args, limit)

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, ftsQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}

	return &SearchResult{
		Messages: messages,
		HasMore:  len(messages) == limit,
	}, nil
}

// RunMaintenance checkpoints the WAL, optimizes the FTS index, and vacuums.
// VACUUM must run outside a transaction in SQLite, so the write lock alone
// guards it against concurrent upserts.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting store maintenance...")
	start := time.Now()

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO messages_fts (messages_fts) VALUES ('optimize');`); err != nil {
		return fmt.Errorf("failed to optimize full-text index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Store maintenance completed", "duration", time.Since(start))
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
