package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/chatvault/chatvault/internal/database"
)

// handle dispatches one parsed JSON-RPC request to its method handler and
// wraps the outcome in a response envelope. Every failure mode maps to a
// well-defined error code; handler panics are not expected and not caught.
func (s *Server) handle(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" {
		return errorResponse(&rpcError{codeInvalidRequest, "invalid JSON-RPC version"}, req.ID)
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "getMessages":
		result, err = s.getMessages(ctx, req.Params)
	case "getChats":
		result, err = s.getChats(ctx)
	case "getUsers":
		result, err = s.getUsers(ctx, req.Params)
	case "getMedia":
		result, err = s.getMedia(ctx, req.Params)
	case "search":
		result, err = s.search(ctx, req.Params)
	default:
		return errorResponse(&rpcError{codeMethodNotFound, "method not found: " + req.Method}, req.ID)
	}

	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) {
			return errorResponse(rerr, req.ID)
		}
		if errors.Is(err, database.ErrInvalidCursor) {
			return errorResponse(errInvalidParams("invalid cursor"), req.ID)
		}
		s.logger.Error("method failed", "method", req.Method, "error", err)
		return errorResponse(&rpcError{codeInternalError, "internal error"}, req.ID)
	}
	return successResponse(result, req.ID)
}

type getMessagesParams struct {
	ChatID   *int64 `json:"chat_id"`
	SenderID *int64 `json:"sender_id"`
	Keyword  string `json:"keyword"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	Limit    *int   `json:"limit"`
	Cursor   string `json:"cursor"`
}

func (s *Server) getMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getMessagesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	limit, err := resolveLimit(p.Limit)
	if err != nil {
		return nil, err
	}

	filter := database.MessageFilter{
		ChatID:   p.ChatID,
		SenderID: p.SenderID,
		Keyword:  p.Keyword,
	}
	if filter.DateFrom, err = parseDate(p.DateFrom, "date_from"); err != nil {
		return nil, err
	}
	if filter.DateTo, err = parseDate(p.DateTo, "date_to"); err != nil {
		return nil, err
	}

	page, err := s.store.QueryMessages(ctx, filter, p.Cursor, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountMessages(ctx, filter)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"messages":    serializeMessages(page.Messages),
		"next_cursor": nullableString(page.NextCursor),
		"has_more":    page.HasMore,
		"total_count": total,
	}, nil
}

func (s *Server) getChats(ctx context.Context) (any, error) {
	chats, err := s.store.GetAllChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(chats))
	for _, c := range chats {
		out = append(out, map[string]any{
			"id":       c.ID,
			"title":    c.Title,
			"username": nullString(c.Username),
		})
	}
	return map[string]any{"chats": out}, nil
}

type getUsersParams struct {
	Keyword string `json:"keyword"`
	Limit   *int   `json:"limit"`
	Cursor  string `json:"cursor"`
}

func (s *Server) getUsers(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getUsersParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	limit, err := resolveLimit(p.Limit)
	if err != nil {
		return nil, err
	}

	page, err := s.store.QueryUsers(ctx, p.Keyword, p.Cursor, limit)
	if err != nil {
		return nil, err
	}
	users := make([]map[string]any, 0, len(page.Users))
	for _, u := range page.Users {
		users = append(users, map[string]any{
			"id":         u.ID,
			"username":   nullString(u.Username),
			"first_name": nullString(u.FirstName),
			"last_name":  nullString(u.LastName),
		})
	}
	return map[string]any{
		"users":       users,
		"next_cursor": nullableString(page.NextCursor),
		"has_more":    page.HasMore,
	}, nil
}

type getMediaParams struct {
	ChatID    *int64 `json:"chat_id"`
	MediaType string `json:"media_type"`
	Limit     *int   `json:"limit"`
	Cursor    string `json:"cursor"`
}

func (s *Server) getMedia(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getMediaParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	limit, err := resolveLimit(p.Limit)
	if err != nil {
		return nil, err
	}

	page, err := s.store.QueryMedia(ctx, p.ChatID, p.MediaType, p.Cursor, limit)
	if err != nil {
		return nil, err
	}
	media := make([]map[string]any, 0, len(page.Media))
	for _, m := range page.Media {
		media = append(media, map[string]any{
			"msg_id":     m.MsgID,
			"chat_id":    m.ChatID,
			"media_type": m.MediaType,
			"media_ref":  m.MediaRef,
		})
	}
	return map[string]any{
		"media":       media,
		"next_cursor": nullableString(page.NextCursor),
		"has_more":    page.HasMore,
	}, nil
}

type searchParams struct {
	Query    string `json:"query"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	Limit    *int   `json:"limit"`
}

func (s *Server) search(ctx context.Context, raw json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, errInvalidParams("query parameter is required")
	}
	limit, err := resolveLimit(p.Limit)
	if err != nil {
		return nil, err
	}

	from, err := parseDate(p.DateFrom, "date_from")
	if err != nil {
		return nil, err
	}
	to, err := parseDate(p.DateTo, "date_to")
	if err != nil {
		return nil, err
	}

	result, err := s.store.SearchMessages(ctx, p.Query, from, to, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results":  serializeMessages(result.Messages),
		"has_more": result.HasMore,
	}, nil
}

// decodeParams unmarshals params into dst. Absent params are fine; a
// non-object value or a type mismatch inside the object is an invalid
// params error.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidParams("params must be an object with valid field types: %v", err)
	}
	return nil
}

// resolveLimit applies the default and the ceiling. Zero and negative
// limits are rejected rather than clamped.
func resolveLimit(limit *int) (int, error) {
	if limit == nil {
		return database.DefaultLimit, nil
	}
	if *limit <= 0 {
		return 0, errInvalidParams("limit must be greater than 0")
	}
	if *limit > database.MaxLimit {
		return database.MaxLimit, nil
	}
	return *limit, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates and returns unix
// seconds. An empty string means the filter is absent.
func parseDate(s, field string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			v := t.UTC().Unix()
			return &v, nil
		}
	}
	return nil, errInvalidParams("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", field)
}

func serializeMessages(msgs []database.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":              m.ID,
			"chat_id":         m.ChatID,
			"sender_id":       nullInt(m.SenderID),
			"date":            time.Unix(m.Date, 0).UTC().Format(time.RFC3339),
			"text":            m.Text,
			"reply_to_msg_id": nullInt(m.ReplyToMsgID),
			"is_forwarded":    m.IsForwarded,
			"raw_json":        nullString(m.RawJSON),
		})
	}
	return out
}

func nullString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
