// Package ingest contains the normalization layer and the reconciler that
// drives backfill and live ingestion against the store.
package ingest

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatvault/chatvault/internal/database"
	"github.com/chatvault/chatvault/internal/feed"
)

// ErrMalformedRecord marks an upstream record that cannot be normalized.
// The reconciler skips and logs such records; they never abort a chunk or
// a live session.
var ErrMalformedRecord = errors.New("malformed upstream record")

// Normalize converts one raw upstream record into a storable batch: exactly
// one message plus its chat, sender, and media fragments. It is a pure
// transformation with no side effects.
//
// A missing sender is allowed (channel posts); a missing id, chat, or date
// is malformed. The indexed text is always a string, never null, so the
// full-text index stays consistent.
func Normalize(rec feed.Record) (*database.Batch, error) {
	if rec.ID == 0 {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedRecord)
	}
	if rec.ChatID == 0 {
		return nil, fmt.Errorf("%w: missing chat id for message %d", ErrMalformedRecord, rec.ID)
	}
	if rec.Date.IsZero() {
		return nil, fmt.Errorf("%w: missing date for message (%d, %d)", ErrMalformedRecord, rec.ChatID, rec.ID)
	}

	batch := &database.Batch{
		Chats: []database.Chat{{
			ID:       rec.ChatID,
			Title:    rec.ChatTitle,
			Username: nullString(rec.ChatUsername),
		}},
	}

	msg := database.Message{
		ID:           rec.ID,
		ChatID:       rec.ChatID,
		Date:         rec.Date.UTC().Unix(),
		Text:         rec.Text,
		ReplyToMsgID: nullInt64(rec.ReplyToMsgID),
		IsForwarded:  rec.Forwarded,
		RawJSON:      nullString(string(rec.Raw)),
	}

	if rec.SenderID != 0 {
		msg.SenderID = nullInt64(rec.SenderID)
		batch.Users = append(batch.Users, database.User{
			ID:        rec.SenderID,
			Username:  nullString(rec.SenderUsername),
			FirstName: nullString(rec.SenderFirstName),
			LastName:  nullString(rec.SenderLastName),
		})
	}

	batch.Messages = append(batch.Messages, msg)

	if rec.MediaType != "" {
		batch.Media = append(batch.Media, database.Media{
			MsgID:     rec.ID,
			ChatID:    rec.ChatID,
			MediaType: normalizeMediaType(rec.MediaType),
			MediaRef:  rec.MediaRef,
		})
	}

	return batch, nil
}

// normalizeMediaType collapses unknown upstream media kinds into "other".
func normalizeMediaType(t string) string {
	switch t {
	case database.MediaTypePhoto, database.MediaTypeVideo, database.MediaTypeAudio,
		database.MediaTypeVoice, database.MediaTypeSticker, database.MediaTypeDocument:
		return t
	}
	return database.MediaTypeOther
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
