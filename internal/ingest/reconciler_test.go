package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatvault/chatvault/internal/database"
	"github.com/chatvault/chatvault/internal/feed"
	"github.com/chatvault/chatvault/internal/ingest"

	_ "modernc.org/sqlite"
)

const testChatID = int64(10)

// fakeFeed serves a fixed in-memory history newest-first in chunks, the way
// the real upstream does, plus an injectable per-call failure and a live
// channel under test control.
type fakeFeed struct {
	mu         sync.Mutex
	history    []feed.Record // ascending by ID
	fetchCalls int
	failFetch  func(call int) error

	liveCh chan feed.Record
}

func (f *fakeFeed) FetchHistory(_ context.Context, _ int64, beforeID int64, limit int) ([]feed.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls++
	if f.failFetch != nil {
		if err := f.failFetch(f.fetchCalls); err != nil {
			return nil, err
		}
	}

	var out []feed.Record
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		rec := f.history[i]
		if beforeID == 0 || rec.ID < beforeID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, feed.ErrExhausted
	}
	return out, nil
}

func (f *fakeFeed) Live(context.Context, int64) (<-chan feed.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveCh, nil
}

func historyRecords(from, to int64) []feed.Record {
	var recs []feed.Record
	for i := from; i <= to; i++ {
		recs = append(recs, feed.Record{
			ID:        i,
			ChatID:    testChatID,
			ChatTitle: "history",
			SenderID:  1,
			Date:      time.Unix(1000+i, 0),
			Text:      fmt.Sprintf("message %d", i),
		})
	}
	return recs
}

func newIngestStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testIngestConfig(limit int) ingest.Config {
	return ingest.Config{
		ChatID:        testChatID,
		ChunkSize:     100,
		MinChunkDelay: time.Millisecond,
		MaxChunkDelay: time.Millisecond,
		Limit:         limit,
		Retry: ingest.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
			RandomFactor:    0.1,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackfillIngestsFullHistoryWithoutGaps(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	upstream := &fakeFeed{history: historyRecords(1, 1000)}

	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	if err := r.RunBackfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	ctx := context.Background()
	count, err := store.CountMessages(ctx, database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1000 {
		t.Errorf("expected all 1000 messages, got %d", count)
	}

	state, err := store.GetBackfillState(ctx, testChatID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || !state.Completed {
		t.Errorf("expected completed boundary, got %+v", state)
	}
	if state != nil && state.OldestID != 1 {
		t.Errorf("expected boundary at oldest message 1, got %d", state.OldestID)
	}
}

func TestBackfillResumesAfterStall(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	upstream := &fakeFeed{history: historyRecords(1, 500)}
	// The third fetch and everything after it fails until the budget runs
	// out, stranding the walk after two committed chunks.
	upstream.failFetch = func(call int) error {
		if call >= 3 {
			return errors.New("upstream down")
		}
		return nil
	}

	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	err := r.RunBackfill(context.Background())
	if !errors.Is(err, ingest.ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}

	ctx := context.Background()
	state, err := store.GetBackfillState(ctx, testChatID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || state.Completed {
		t.Fatalf("expected in-progress boundary, got %+v", state)
	}
	if state.OldestID != 301 {
		t.Errorf("expected boundary after two chunks of 100 (oldest 301), got %d", state.OldestID)
	}

	// Recovery: a fresh run resumes from the boundary, no duplicates.
	upstream.mu.Lock()
	upstream.failFetch = nil
	upstream.mu.Unlock()

	r = ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	if err := r.RunBackfill(ctx); err != nil {
		t.Fatalf("resumed backfill: %v", err)
	}

	count, err := store.CountMessages(ctx, database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 500 {
		t.Errorf("expected exactly 500 messages after resume, got %d", count)
	}
}

func TestBackfillHonorsLimit(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	upstream := &fakeFeed{history: historyRecords(1, 1000)}

	r := ingest.NewReconciler(store, upstream, testIngestConfig(250), quietLogger())
	if err := r.RunBackfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	ctx := context.Background()
	count, err := store.CountMessages(ctx, database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 250 {
		t.Errorf("expected the limit of 250 messages, got %d", count)
	}
	state, err := store.GetBackfillState(ctx, testChatID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || state.Completed {
		t.Errorf("limited run must not mark history completed: %+v", state)
	}
}

func TestBackfillSkipsWhenCompleted(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	upstream := &fakeFeed{history: historyRecords(1, 100)}

	state := &database.BackfillState{ChatID: testChatID, OldestID: 1, OldestDate: 1001, Completed: true}
	if err := store.UpsertBatch(context.Background(), &database.Batch{}, state); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	if err := r.RunBackfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if upstream.fetchCalls != 0 {
		t.Errorf("completed backfill must not touch the upstream, got %d fetches", upstream.fetchCalls)
	}
}

func TestBackfillRecoversFromRateLimit(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	upstream := &fakeFeed{history: historyRecords(1, 150)}
	upstream.failFetch = func(call int) error {
		if call == 1 {
			return &feed.RateLimitedError{Wait: 10 * time.Millisecond}
		}
		return nil
	}

	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	start := time.Now()
	if err := r.RunBackfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("mandated wait not honored, took %v", elapsed)
	}

	count, err := store.CountMessages(context.Background(), database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 150 {
		t.Errorf("expected 150 messages, got %d", count)
	}
}

func TestLiveStoresArrivalsAndSkipsMalformed(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	ch := make(chan feed.Record)
	upstream := &fakeFeed{liveCh: ch}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())
	go func() { done <- r.RunLive(ctx) }()

	for _, rec := range historyRecords(501, 504) {
		ch <- rec
	}
	ch <- feed.Record{ChatID: testChatID, Date: time.Unix(2000, 0), Text: "no id"} // malformed, skipped

	cancel()
	close(ch)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean cancellation, got %v", err)
	}

	count, err := store.CountMessages(context.Background(), database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Errorf("expected the 4 well-formed arrivals, got %d", count)
	}
}

func TestBackfillAndLiveOverlapDeduplicates(t *testing.T) {
	t.Parallel()
	store := newIngestStore(t)
	liveCh := make(chan feed.Record)
	upstream := &fakeFeed{history: historyRecords(1, 500), liveCh: liveCh}
	r := ingest.NewReconciler(store, upstream, testIngestConfig(0), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	liveDone := make(chan error, 1)
	go func() { liveDone <- r.RunLive(ctx) }()

	// Live delivery overlaps the tail of the history: 480..500 arrive on
	// both paths, 501..520 only live.
	backfillDone := make(chan error, 1)
	go func() { backfillDone <- r.RunBackfill(ctx) }()

	for _, rec := range historyRecords(480, 520) {
		liveCh <- rec
	}

	if err := <-backfillDone; err != nil {
		t.Fatalf("backfill: %v", err)
	}
	cancel()
	close(liveCh)
	if err := <-liveDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean cancellation, got %v", err)
	}

	count, err := store.CountMessages(context.Background(), database.MessageFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 520 {
		t.Errorf("expected 520 distinct messages across both modes, got %d", count)
	}
}
