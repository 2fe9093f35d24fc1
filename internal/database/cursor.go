package database

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor indicates a pagination cursor that failed to decode.
// Callers should surface it as a rejected request; it never corrupts state.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// messageCursor is the resume position of a message listing: the sort key of
// the last row of the previous page in (date DESC, id DESC) order. The
// encoded form is opaque to callers; any lossless round-trip would do.
type messageCursor struct {
	LastID   int64 `json:"last_id"`
	LastDate int64 `json:"last_date"`
}

func encodeMessageCursor(c messageCursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeMessageCursor(s string) (messageCursor, error) {
	var c messageCursor
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.LastID == 0 && c.LastDate == 0 {
		return c, fmt.Errorf("%w: missing sort key", ErrInvalidCursor)
	}
	return c, nil
}

// idCursor is the simpler resume position used by user and media listings,
// a single last-seen id encoded the same opaque way.
type idCursor struct {
	LastID int64 `json:"last_id"`
}

func encodeIDCursor(c idCursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeIDCursor(s string) (idCursor, error) {
	var c idCursor
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.LastID == 0 {
		return c, fmt.Errorf("%w: missing sort key", ErrInvalidCursor)
	}
	return c, nil
}
