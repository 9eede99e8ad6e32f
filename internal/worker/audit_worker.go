package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// EventStore persists proctor events.
type EventStore interface {
	CopyEvents(ctx context.Context, events []model.ProctorEvent) error
	InsertEvent(ctx context.Context, ev model.ProctorEvent) error
}

// AuditWorker drains the proctor event queue into Postgres in batches.
type AuditWorker struct {
	store EventStore
	rdb   *redis.Client
	log   zerolog.Logger

	requeuePause time.Duration
}

func NewAuditWorker(store EventStore, rdb *redis.Client, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "audit_worker").Logger(),
		requeuePause: 2 * time.Second,
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")

	buffer := make([]model.ProctorEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age.
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown.
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. BLPop blocks for PollTimeout and returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistProctorEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue // shutdown is handled at the top of the loop
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		ev, ok := w.decode(result[1])
		if !ok {
			continue
		}
		buffer = append(buffer, ev)
	}
}

// decode parses one queued payload. Malformed payloads cannot be retried and
// are discarded.
func (w *AuditWorker) decode(raw string) (model.ProctorEvent, bool) {
	var ev model.ProctorEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return ev, false
	}
	if ev.TestID <= 0 || ev.StudentID <= 0 || ev.Kind == "" {
		w.log.Error().Str("data", raw).Msg("Discarding proctor event without identifiers")
		return ev, false
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	return ev, true
}

// flushSafe attempts a bulk insert, then row-by-row, then requeues the rest.
func (w *AuditWorker) flushSafe(ctx context.Context, batch []model.ProctorEvent) {
	if err := w.store.CopyEvents(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		if failed := w.fallbackInsert(ctx, batch); len(failed) > 0 {
			w.requeue(ctx, failed)
		}
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Proctor events persisted")
}

// fallbackInsert inserts one by one and returns the events that failed.
func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []model.ProctorEvent) []model.ProctorEvent {
	var failed []model.ProctorEvent
	for _, ev := range batch {
		if err := w.store.InsertEvent(ctx, ev); err != nil {
			w.log.Error().Err(err).
				Int64("test_id", ev.TestID).
				Int64("student_id", ev.StudentID).
				Msg("Insert failed, requeueing")
			failed = append(failed, ev)
		}
	}
	return failed
}

func (w *AuditWorker) requeue(ctx context.Context, items []model.ProctorEvent) {
	if w.rdb == nil {
		w.log.Error().Int("count", len(items)).Msg("No queue to requeue into, dropping events")
		return
	}

	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, config.WorkerKey.PersistProctorEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue proctor events. Data loss occurred.")
		return
	}

	w.log.Info().Int("count", len(items)).Msg("Requeued failed events back to Redis")
	// Back off so a database that is down hard is not hammered.
	time.Sleep(w.requeuePause)
}

func (w *AuditWorker) shutdown(buffer []model.ProctorEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
