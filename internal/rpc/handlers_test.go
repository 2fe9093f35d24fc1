package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/chatvault/chatvault/internal/database"

	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T) (*Server, database.Store) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, logger)
	return NewServer(store, logger, "127.0.0.1", 0), store
}

func seedArchive(t *testing.T, store database.Store, n int64) {
	t.Helper()
	batch := &database.Batch{
		Chats: []database.Chat{{ID: 10, Title: "archive"}},
	}
	for i := int64(1); i <= n; i++ {
		batch.Messages = append(batch.Messages, database.Message{
			ID: i, ChatID: 10, Date: 1000 + i, Text: fmt.Sprintf("message %d", i),
		})
	}
	if err := store.UpsertBatch(context.Background(), batch, nil); err != nil {
		t.Fatalf("seeding archive: %v", err)
	}
}

// call processes a single-request frame and returns the response envelope.
func call(t *testing.T, s *Server, frame string) response {
	t.Helper()
	out := s.process(context.Background(), []byte(frame))
	resp, ok := out.(response)
	if !ok {
		t.Fatalf("expected a single response, got %T", out)
	}
	return resp
}

func resultMap(t *testing.T, resp response) map[string]any {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %T", resp.Result)
	}
	return m
}

func TestProcessProtocolErrors(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	tests := []struct {
		name     string
		frame    string
		wantCode int
	}{
		{name: "invalid json", frame: `{not json`, wantCode: codeParseError},
		{name: "wrong version", frame: `{"jsonrpc":"1.0","method":"getChats","id":1}`, wantCode: codeInvalidRequest},
		{name: "missing version", frame: `{"method":"getChats","id":1}`, wantCode: codeInvalidRequest},
		{name: "unknown method", frame: `{"jsonrpc":"2.0","method":"dropTables","id":1}`, wantCode: codeMethodNotFound},
		{name: "scalar request", frame: `42`, wantCode: codeInvalidRequest},
		{name: "zero limit", frame: `{"jsonrpc":"2.0","method":"getMessages","params":{"limit":0},"id":1}`, wantCode: codeInvalidParams},
		{name: "negative limit", frame: `{"jsonrpc":"2.0","method":"getMessages","params":{"limit":-5},"id":1}`, wantCode: codeInvalidParams},
		{name: "fractional limit", frame: `{"jsonrpc":"2.0","method":"getMessages","params":{"limit":2.5},"id":1}`, wantCode: codeInvalidParams},
		{name: "params not object", frame: `{"jsonrpc":"2.0","method":"getMessages","params":[1,2],"id":1}`, wantCode: codeInvalidParams},
		{name: "bad cursor", frame: `{"jsonrpc":"2.0","method":"getMessages","params":{"cursor":"garbage!!"},"id":1}`, wantCode: codeInvalidParams},
		{name: "bad date", frame: `{"jsonrpc":"2.0","method":"getMessages","params":{"date_from":"soon"},"id":1}`, wantCode: codeInvalidParams},
		{name: "search without query", frame: `{"jsonrpc":"2.0","method":"search","id":1}`, wantCode: codeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, tt.frame)
			if resp.Error == nil {
				t.Fatalf("expected error response, got result %v", resp.Result)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d (%s)", tt.wantCode, resp.Error.Code, resp.Error.Message)
			}
		})
	}
}

func TestGetMessages(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	seedArchive(t, store, 75)

	resp := call(t, s, `{"jsonrpc":"2.0","method":"getMessages","params":{"chat_id":10},"id":1}`)
	result := resultMap(t, resp)

	msgs, ok := result["messages"].([]map[string]any)
	if !ok {
		t.Fatalf("expected messages array, got %T", result["messages"])
	}
	if len(msgs) != database.DefaultLimit {
		t.Errorf("expected default page of %d, got %d", database.DefaultLimit, len(msgs))
	}
	if result["has_more"] != true {
		t.Error("expected has_more with 75 rows and a page of 50")
	}
	if result["total_count"] != int64(75) {
		t.Errorf("expected total_count 75, got %v", result["total_count"])
	}
	if result["next_cursor"] == nil {
		t.Error("expected a continuation cursor")
	}

	// Newest first with RFC 3339 dates.
	if msgs[0]["id"] != int64(75) {
		t.Errorf("expected newest message first, got %v", msgs[0]["id"])
	}
	if _, ok := msgs[0]["date"].(string); !ok {
		t.Errorf("expected string date, got %T", msgs[0]["date"])
	}
}

func TestGetMessagesCursorContinuation(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	seedArchive(t, store, 30)

	first := resultMap(t, call(t, s,
		`{"jsonrpc":"2.0","method":"getMessages","params":{"limit":20},"id":1}`))
	cursor, _ := first["next_cursor"].(string)
	if cursor == "" {
		t.Fatal("expected a cursor on the first page")
	}

	frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"getMessages","params":{"limit":20,"cursor":%q},"id":2}`, cursor)
	second := resultMap(t, call(t, s, frame))
	msgs := second["messages"].([]map[string]any)
	if len(msgs) != 10 {
		t.Errorf("expected remaining 10 messages, got %d", len(msgs))
	}
	if second["has_more"] != false {
		t.Error("expected exhausted listing")
	}
	if second["next_cursor"] != nil {
		t.Errorf("expected null cursor at the end, got %v", second["next_cursor"])
	}
}

func TestGetChats(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	seedArchive(t, store, 1)

	resp := call(t, s, `{"jsonrpc":"2.0","method":"getChats","id":7}`)
	result := resultMap(t, resp)
	chats, ok := result["chats"].([]map[string]any)
	if !ok || len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %v", result["chats"])
	}
	if chats[0]["title"] != "archive" {
		t.Errorf("unexpected chat payload: %v", chats[0])
	}
	if string(resp.ID) != "7" {
		t.Errorf("expected request id echoed, got %s", resp.ID)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)

	batch := &database.Batch{
		Chats: []database.Chat{{ID: 10, Title: "archive"}},
		Messages: []database.Message{
			{ID: 1, ChatID: 10, Date: 1000, Text: "the quick brown fox"},
			{ID: 2, ChatID: 10, Date: 2000, Text: "a lazy dog"},
		},
	}
	if err := store.UpsertBatch(context.Background(), batch, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result := resultMap(t, call(t, s,
		`{"jsonrpc":"2.0","method":"search","params":{"query":"quick"},"id":1}`))
	hits := result["results"].([]map[string]any)
	if len(hits) != 1 || hits[0]["id"] != int64(1) {
		t.Errorf("expected message 1 to match, got %v", hits)
	}
	if result["has_more"] != false {
		t.Error("expected has_more false for a single hit")
	}
}

func TestBatchRequests(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	seedArchive(t, store, 3)

	frame := `[
		{"jsonrpc":"2.0","method":"getChats","id":1},
		{"jsonrpc":"2.0","method":"nope","id":2},
		"not an object"
	]`
	out := s.process(context.Background(), []byte(frame))
	responses, ok := out.([]response)
	if !ok {
		t.Fatalf("expected batch response, got %T", out)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses for the 2 object items, got %d", len(responses))
	}
	if responses[0].Error != nil {
		t.Errorf("first item should succeed: %+v", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != codeMethodNotFound {
		t.Errorf("second item should fail with method not found: %+v", responses[1].Error)
	}
}

func TestBatchAllInvalid(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	out := s.process(context.Background(), []byte(`[1, "two", 3]`))
	resp, ok := out.(response)
	if !ok {
		t.Fatalf("expected single error response, got %T", out)
	}
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Errorf("expected invalid request, got %+v", resp.Error)
	}
}

func TestResponseSerialization(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	resp := call(t, s, `{"jsonrpc":"2.0","method":"getChats","id":"abc"}`)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("expected jsonrpc 2.0 envelope, got %v", decoded["jsonrpc"])
	}
	if decoded["id"] != "abc" {
		t.Errorf("expected string id echoed, got %v", decoded["id"])
	}
	if _, hasErr := decoded["error"]; hasErr {
		t.Error("success response must omit the error member")
	}
}
