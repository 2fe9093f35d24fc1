package database

import (
	"database/sql"
)

// Chat represents a Telegram chat or channel being archived. The id is
// assigned upstream and stable; chats are upserted whenever a message
// referencing them arrives and are never deleted.
type Chat struct {
	ID       int64          `db:"id"`
	Title    string         `db:"title"`
	Username sql.NullString `db:"username"`
}

// User represents a message sender. All fields except the upstream-assigned
// id are optional.
type User struct {
	ID        int64          `db:"id"`
	Username  sql.NullString `db:"username"`
	FirstName sql.NullString `db:"first_name"`
	LastName  sql.NullString `db:"last_name"`
}

// Message represents an archived message. Its identity is the composite
// (chat_id, id): message ids are only unique within a chat. Date is the
// upstream-assigned timestamp in unix seconds. SenderID is null for channel
// posts without an individual sender. RawJSON preserves the serialized
// upstream record for audit and forward compatibility.
type Message struct {
	ID           int64          `db:"id"`
	ChatID       int64          `db:"chat_id"`
	SenderID     sql.NullInt64  `db:"sender_id"`
	Date         int64          `db:"date"`
	Text         string         `db:"text"`
	ReplyToMsgID sql.NullInt64  `db:"reply_to_msg_id"`
	IsForwarded  bool           `db:"is_forwarded"`
	RawJSON      sql.NullString `db:"raw_json"`
}

// Media represents a message's media attachment, at most one per message.
// MediaRef is the opaque upstream media identifier, not the media bytes.
type Media struct {
	MsgID     int64  `db:"msg_id"`
	ChatID    int64  `db:"chat_id"`
	MediaType string `db:"media_type"`
	MediaRef  string `db:"media_ref"`
}

// Media types recognized by the archiver.
const (
	MediaTypePhoto    = "photo"
	MediaTypeVideo    = "video"
	MediaTypeAudio    = "audio"
	MediaTypeVoice    = "voice"
	MediaTypeSticker  = "sticker"
	MediaTypeDocument = "document"
	MediaTypeOther    = "other"
)

// BackfillState records how far the historical backfill has walked for a
// chat. OldestID/OldestDate are the resume boundary: the oldest message seen
// so far. Completed is set once the upstream reports no further history.
type BackfillState struct {
	ChatID     int64 `db:"chat_id"`
	OldestID   int64 `db:"oldest_id"`
	OldestDate int64 `db:"oldest_date"`
	Completed  bool  `db:"completed"`
	UpdatedAt  int64 `db:"updated_at"`
}

// Batch is one backfill chunk (or a single live record) in normalized form,
// ready to be upserted atomically.
type Batch struct {
	Chats    []Chat
	Users    []User
	Messages []Message
	Media    []Media
}

// Empty reports whether the batch contains no messages.
func (b *Batch) Empty() bool {
	return len(b.Messages) == 0
}
