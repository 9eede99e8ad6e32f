package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const publishTimeout = 2 * time.Second

// EventPublisher delivers proctor events to the audit queue and the live
// monitor channel.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.ProctorEvent) error
}

// RedisEventPublisher queues events for the audit worker and fans them out to
// faculty monitors in one pipeline.
type RedisEventPublisher struct {
	rdb *redis.Client
}

// NewRedisEventPublisher creates a new RedisEventPublisher.
func NewRedisEventPublisher(rdb *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb}
}

// Publish implements EventPublisher.
func (p *RedisEventPublisher) Publish(ctx context.Context, ev model.ProctorEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode proctor event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistProctorEventsQueue, payload)
	pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(ev.TestID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish proctor event: %w", err)
	}
	return nil
}

// AuditObserver records the milestones of one attempt: start, each counted
// violation and the terminal state. It never feeds back into the session.
type AuditObserver struct {
	proctor.NopObserver

	publisher EventPublisher
	testID    int64
	studentID int64
	log       zerolog.Logger

	mu       sync.Mutex
	last     model.SessionState
	attempt  int64
	finished bool
}

// NewAuditObserver creates an observer for one attempt.
func NewAuditObserver(publisher EventPublisher, testID, studentID int64, log zerolog.Logger) *AuditObserver {
	return &AuditObserver{
		publisher: publisher,
		testID:    testID,
		studentID: studentID,
		log:       log.With().Str("component", "audit").Logger(),
	}
}

// StateChanged implements proctor.Observer.
func (a *AuditObserver) StateChanged(snap proctor.Snapshot) {
	a.mu.Lock()
	prev := a.last
	a.last = snap.State
	if snap.StudentTestID != 0 {
		a.attempt = snap.StudentTestID
	}

	var kind model.ProctorEventKind
	switch {
	case snap.State == model.SessionStateInProgress && prev != model.SessionStateInProgress:
		kind = model.ProctorEventStarted
	case snap.State.Terminal() && !a.finished && prev != model.SessionStateNotStarted && prev != "":
		// Runs that never reached the quiz service leave nothing to audit.
		a.finished = true
		kind = model.ProctorEventFinished
	}
	a.mu.Unlock()

	if kind == "" {
		return
	}

	ev := a.event(kind, snap.State, snap.ViolationCount)
	if kind == model.ProctorEventFinished {
		ev.Reason = string(snap.SubmitReason)
	}
	a.publish(ev)
}

// Violated implements proctor.Observer.
func (a *AuditObserver) Violated(v model.ViolationEvent) {
	a.mu.Lock()
	state := a.last
	a.mu.Unlock()

	ev := a.event(model.ProctorEventViolation, state, v.Count)
	ev.Reason = v.Reason
	ev.RecordedAt = v.Timestamp
	a.publish(ev)
}

func (a *AuditObserver) event(kind model.ProctorEventKind, state model.SessionState, count int) model.ProctorEvent {
	a.mu.Lock()
	attempt := a.attempt
	a.mu.Unlock()

	return model.ProctorEvent{
		TestID:         a.testID,
		StudentID:      a.studentID,
		StudentTestID:  attempt,
		Kind:           kind,
		State:          state,
		ViolationCount: count,
		RecordedAt:     time.Now().UTC(),
	}
}

func (a *AuditObserver) publish(ev model.ProctorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := a.publisher.Publish(ctx, ev); err != nil {
		// Audit is best effort; the attempt carries on.
		a.log.Warn().Err(err).
			Str("kind", string(ev.Kind)).
			Int64("test_id", ev.TestID).
			Int64("student_id", ev.StudentID).
			Msg("Failed to publish proctor event")
	}
}
