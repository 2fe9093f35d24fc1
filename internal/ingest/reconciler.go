package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chatvault/chatvault/internal/database"
	"github.com/chatvault/chatvault/internal/feed"
)

// Config holds the reconciler's ingestion parameters for a single chat.
type Config struct {
	ChatID int64

	// ChunkSize is the number of records requested per history fetch.
	ChunkSize int

	// MinChunkDelay and MaxChunkDelay bound the randomized pause between
	// consecutive history chunks, independent of any upstream-mandated
	// rate-limit wait.
	MinChunkDelay time.Duration
	MaxChunkDelay time.Duration

	// Limit caps the total number of messages backfilled in one run.
	// Zero means walk until the upstream history is exhausted.
	Limit int

	Retry RetryConfig
}

// Reconciler drives the two ingestion modes against one chat: a chunked
// backward walk over the upstream history, and a long-lived live
// subscription. Both funnel through the same normalize-then-upsert path, so
// the overlap between them is absorbed by idempotent writes.
type Reconciler struct {
	store  database.Store
	feed   feed.Feed
	cfg    Config
	logger *slog.Logger
	rnd    *rand.Rand
}

// NewReconciler wires a reconciler. Zero config fields fall back to
// defaults.
func NewReconciler(store database.Store, f feed.Feed, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.MinChunkDelay <= 0 {
		cfg.MinChunkDelay = time.Second
	}
	if cfg.MaxChunkDelay < cfg.MinChunkDelay {
		cfg.MaxChunkDelay = 3 * time.Second
		if cfg.MaxChunkDelay < cfg.MinChunkDelay {
			cfg.MaxChunkDelay = cfg.MinChunkDelay
		}
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Reconciler{
		store:  store,
		feed:   f,
		cfg:    cfg,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunBackfill walks the chat history backward in chunks, persisting each
// chunk atomically together with the updated resume boundary. A restart at
// any point resumes from the last committed boundary; messages already
// stored are re-upserted without harm.
//
// Returns nil when the history is exhausted or the configured limit is
// reached, ctx.Err() on cancellation, and a wrapped error when ingestion
// stalls or the upstream fails fatally.
func (r *Reconciler) RunBackfill(ctx context.Context) error {
	log := r.logger.With("component", "backfill", "chat_id", r.cfg.ChatID)

	state, err := r.store.GetBackfillState(ctx, r.cfg.ChatID)
	if err != nil {
		return fmt.Errorf("loading resume boundary: %w", err)
	}
	if state != nil && state.Completed {
		log.Info("backfill already completed, nothing to do")
		return nil
	}

	var beforeID int64
	if state != nil {
		beforeID = state.OldestID
		log.Info("resuming backfill", "before_id", beforeID)
	} else {
		log.Info("starting backfill from most recent message")
	}

	total := 0
	for {
		size := r.cfg.ChunkSize
		if r.cfg.Limit > 0 && r.cfg.Limit-total < size {
			size = r.cfg.Limit - total
		}

		var records []feed.Record
		err := withRetry(ctx, log, r.cfg.Retry, func(ctx context.Context) error {
			var ferr error
			records, ferr = r.feed.FetchHistory(ctx, r.cfg.ChatID, beforeID, size)
			return ferr
		})
		if errors.Is(err, feed.ErrExhausted) || (err == nil && len(records) == 0) {
			return r.markCompleted(ctx, log, beforeID, total)
		}
		if err != nil {
			return fmt.Errorf("fetching chunk before %d: %w", beforeID, err)
		}

		batch, oldest := r.normalizeChunk(log, records)
		if oldest.id == 0 {
			// No record in the chunk carried an id, so the walk cannot
			// advance past it.
			return fmt.Errorf("%w: chunk before %d contained no usable records", ErrStalled, beforeID)
		}
		next := &database.BackfillState{
			ChatID:     r.cfg.ChatID,
			OldestID:   oldest.id,
			OldestDate: oldest.date,
		}

		// The chunk and its boundary commit in one transaction, and the
		// upsert is idempotent, so a storage failure retries the whole
		// chunk safely.
		err = withRetry(ctx, log, r.cfg.Retry, func(ctx context.Context) error {
			return r.store.UpsertBatch(ctx, batch, next)
		})
		if err != nil {
			return fmt.Errorf("persisting chunk before %d: %w", beforeID, err)
		}

		total += len(records)
		beforeID = oldest.id
		log.Info("chunk persisted",
			"messages", len(records),
			"total", total,
			"oldest_id", oldest.id)

		if r.cfg.Limit > 0 && total >= r.cfg.Limit {
			log.Info("backfill limit reached", "limit", r.cfg.Limit)
			return nil
		}
		if err := r.chunkPause(ctx); err != nil {
			return err
		}
	}
}

// RunLive holds a live subscription open, normalizing and storing each
// record as it arrives. A closed subscription is reconnected with the usual
// retry discipline; the loop ends only on cancellation, a fatal upstream
// error, or permanently unavailable storage.
func (r *Reconciler) RunLive(ctx context.Context) error {
	log := r.logger.With("component", "live", "chat_id", r.cfg.ChatID)

	for {
		var ch <-chan feed.Record
		err := withRetry(ctx, log, r.cfg.Retry, func(ctx context.Context) error {
			var ferr error
			ch, ferr = r.feed.Live(ctx, r.cfg.ChatID)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("opening live subscription: %w", err)
		}
		log.Info("live subscription open")

		for rec := range ch {
			batch, nerr := Normalize(rec)
			if nerr != nil {
				log.Warn("skipping malformed record", "error", nerr)
				continue
			}
			err := withRetry(ctx, log, r.cfg.Retry, func(ctx context.Context) error {
				return r.store.UpsertBatch(ctx, batch, nil)
			})
			if err != nil {
				return fmt.Errorf("storing live message (%d, %d): %w", rec.ChatID, rec.ID, err)
			}
			log.Debug("live message stored", "msg_id", rec.ID)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("live subscription closed, reconnecting")
	}
}

type chunkBoundary struct {
	id   int64
	date int64
}

// normalizeChunk converts a fetched chunk into a deduplicated batch and
// computes the new resume boundary. Malformed records are skipped but still
// advance the boundary, so a bad record can never stall the walk.
func (r *Reconciler) normalizeChunk(log *slog.Logger, records []feed.Record) (*database.Batch, chunkBoundary) {
	batch := &database.Batch{}
	seenChats := make(map[int64]bool)
	seenUsers := make(map[int64]bool)
	var oldest chunkBoundary

	for _, rec := range records {
		if oldest.id == 0 || (rec.ID != 0 && rec.ID < oldest.id) {
			oldest.id = rec.ID
			oldest.date = rec.Date.UTC().Unix()
		}

		frag, err := Normalize(rec)
		if err != nil {
			log.Warn("skipping malformed record", "error", err)
			continue
		}
		for _, c := range frag.Chats {
			if !seenChats[c.ID] {
				seenChats[c.ID] = true
				batch.Chats = append(batch.Chats, c)
			}
		}
		for _, u := range frag.Users {
			if !seenUsers[u.ID] {
				seenUsers[u.ID] = true
				batch.Users = append(batch.Users, u)
			}
		}
		batch.Messages = append(batch.Messages, frag.Messages...)
		batch.Media = append(batch.Media, frag.Media...)
	}
	return batch, oldest
}

// markCompleted persists the terminal backfill state.
func (r *Reconciler) markCompleted(ctx context.Context, log *slog.Logger, boundaryID int64, total int) error {
	state := &database.BackfillState{
		ChatID:    r.cfg.ChatID,
		OldestID:  boundaryID,
		Completed: true,
	}
	if prev, err := r.store.GetBackfillState(ctx, r.cfg.ChatID); err == nil && prev != nil {
		state.OldestID = prev.OldestID
		state.OldestDate = prev.OldestDate
		state.Completed = true
	}
	if err := r.store.UpsertBatch(ctx, &database.Batch{}, state); err != nil {
		return fmt.Errorf("marking backfill completed: %w", err)
	}
	log.Info("backfill completed", "total", total)
	return nil
}

// chunkPause sleeps a randomized duration between chunks.
func (r *Reconciler) chunkPause(ctx context.Context) error {
	span := r.cfg.MaxChunkDelay - r.cfg.MinChunkDelay
	d := r.cfg.MinChunkDelay
	if span > 0 {
		d += time.Duration(r.rnd.Int63n(int64(span)))
	}
	return sleepCtx(ctx, d)
}
