// Package feed defines the upstream message source consumed by the ingestion
// reconciler. The core depends only on this interface; the concrete transport
// (Telegram, a simulated feed in tests) is interchangeable.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by FetchHistory when the upstream has no records
// older than the requested boundary.
var ErrExhausted = errors.New("feed: history exhausted")

// ErrFatal marks unrecoverable upstream failures (invalid credentials,
// revoked session). The affected ingestion mode halts; retrying is pointless.
var ErrFatal = errors.New("feed: fatal upstream failure")

// RateLimitedError is the upstream's back-pressure signal. The caller must
// not issue another request to the feed before Wait has elapsed, then must
// retry the identical request. It is never fatal.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("feed: rate limited, retry after %s", e.Wait)
}

// Record is a raw upstream message record, before normalization. Identifiers
// are upstream-assigned; SenderID is zero for channel posts without an
// individual sender, MediaType is empty when the message carries no media.
type Record struct {
	ID           int64
	ChatID       int64
	ChatTitle    string
	ChatUsername string

	SenderID        int64
	SenderUsername  string
	SenderFirstName string
	SenderLastName  string

	Date         time.Time
	Text         string
	ReplyToMsgID int64
	Forwarded    bool

	MediaType string
	MediaRef  string

	Raw json.RawMessage
}

// Feed is the upstream source capability set.
type Feed interface {
	// FetchHistory returns up to limit records older than beforeID, newest
	// first. beforeID zero means "start from the most recent message".
	// Returns ErrExhausted when no older records exist, or a
	// *RateLimitedError when the upstream demands a pause.
	FetchHistory(ctx context.Context, chatID int64, beforeID int64, limit int) ([]Record, error)

	// Live opens a long-lived subscription delivering new records in arrival
	// order. The channel closes when the subscription ends; the caller
	// decides whether to reconnect. Returns a *RateLimitedError when the
	// upstream refuses the (re)connect.
	Live(ctx context.Context, chatID int64) (<-chan Record, error)
}
