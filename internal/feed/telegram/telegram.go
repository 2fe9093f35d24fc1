// Package telegram adapts the Telegram Bot API to the feed interface using
// the go-telegram/bot library.
//
// The Bot API delivers new messages as updates but exposes no chat history,
// so this adapter serves the live subscription and reports history as
// exhausted; historical backfill needs an upstream that can walk backward
// (an MTProto session or a prior export replayed through the same interface).
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/chatvault/chatvault/internal/feed"
)

// Adapter implements feed.Feed over a Telegram bot session.
type Adapter struct {
	bot    *bot.Bot
	logger *slog.Logger

	mu      sync.Mutex
	chatID  int64
	records chan feed.Record
}

// New creates a Telegram feed adapter. The token is validated lazily on the
// first API call.
func New(token string, logger *slog.Logger) (*Adapter, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		logger: logger.With("component", "telegram_feed"),
	}

	b, err := bot.New(token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	a.bot = b

	return a, nil
}

// FetchHistory always reports exhaustion: the Bot API has no message history
// endpoint. Backfill driven through this adapter terminates immediately and
// the archive fills from the live subscription onward.
func (a *Adapter) FetchHistory(ctx context.Context, chatID int64, beforeID int64, limit int) ([]feed.Record, error) {
	a.logger.DebugContext(ctx, "History fetch not supported by Bot API, reporting exhaustion",
		"chat_id", chatID, "before_id", beforeID)
	return nil, feed.ErrExhausted
}

// Live starts long polling and returns a channel of records for the given
// chat. The channel closes when ctx is cancelled.
func (a *Adapter) Live(ctx context.Context, chatID int64) (<-chan feed.Record, error) {
	if _, err := a.bot.GetMe(ctx); err != nil {
		return nil, classifyError(err)
	}

	a.mu.Lock()
	a.chatID = chatID
	a.records = make(chan feed.Record, 64)
	ch := a.records
	a.mu.Unlock()

	go func() {
		a.bot.Start(ctx) // blocks until ctx is cancelled
		a.mu.Lock()
		close(ch)
		if a.records == ch {
			a.records = nil
		}
		a.mu.Unlock()
	}()

	a.logger.InfoContext(ctx, "Live subscription started", "chat_id", chatID)
	return ch, nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	a.mu.Lock()
	ch := a.records
	want := a.chatID
	a.mu.Unlock()

	if ch == nil || msg.Chat.ID != want {
		return
	}

	rec := recordFromMessage(msg)
	select {
	case ch <- rec:
	case <-ctx.Done():
	}
}

func recordFromMessage(msg *models.Message) feed.Record {
	rec := feed.Record{
		ID:           int64(msg.ID),
		ChatID:       msg.Chat.ID,
		ChatTitle:    chatTitle(&msg.Chat),
		ChatUsername: msg.Chat.Username,
		Date:         time.Unix(int64(msg.Date), 0).UTC(),
		Text:         messageText(msg),
		Forwarded:    msg.ForwardOrigin != nil,
	}

	if msg.From != nil {
		rec.SenderID = msg.From.ID
		rec.SenderUsername = msg.From.Username
		rec.SenderFirstName = msg.From.FirstName
		rec.SenderLastName = msg.From.LastName
	}
	if msg.ReplyToMessage != nil {
		rec.ReplyToMsgID = int64(msg.ReplyToMessage.ID)
	}

	rec.MediaType, rec.MediaRef = classifyMedia(msg)

	if raw, err := json.Marshal(msg); err == nil {
		rec.Raw = raw
	}

	return rec
}

// chatTitle falls back through username and first name for private chats,
// which carry no title.
func chatTitle(chat *models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.Username != "" {
		return chat.Username
	}
	return chat.FirstName
}

func messageText(msg *models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func classifyMedia(msg *models.Message) (mediaType, mediaRef string) {
	switch {
	case len(msg.Photo) > 0:
		// Largest size last; any size shares the same photo.
		return "photo", msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return "video", msg.Video.FileID
	case msg.Audio != nil:
		return "audio", msg.Audio.FileID
	case msg.Voice != nil:
		return "voice", msg.Voice.FileID
	case msg.Sticker != nil:
		return "sticker", msg.Sticker.FileID
	case msg.Document != nil:
		return "document", msg.Document.FileID
	}
	return "", ""
}

// classifyError maps Bot API failures onto the feed error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &feed.RateLimitedError{Wait: time.Duration(tooMany.RetryAfter) * time.Second}
	}

	if errors.Is(err, bot.ErrorUnauthorized) {
		return fmt.Errorf("%w: %v", feed.ErrFatal, err)
	}

	return err
}
