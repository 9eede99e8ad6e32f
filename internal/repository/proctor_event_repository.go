package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProctorEventRepository provides data access for the proctor audit trail.
type ProctorEventRepository struct {
	pool *pgxpool.Pool
}

// NewProctorEventRepository creates a new ProctorEventRepository.
func NewProctorEventRepository(pool *pgxpool.Pool) *ProctorEventRepository {
	return &ProctorEventRepository{pool: pool}
}

var proctorEventColumns = []string{
	"test_id", "student_id", "student_test_id", "kind", "state", "reason", "violation_count", "recorded_at",
}

// CopyEvents bulk inserts a batch with COPY.
func (r *ProctorEventRepository) CopyEvents(ctx context.Context, events []model.ProctorEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow(ev))
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_events"},
		proctorEventColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// InsertEvent inserts one event.
func (r *ProctorEventRepository) InsertEvent(ctx context.Context, ev model.ProctorEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctor_events (test_id, student_id, student_test_id, kind, state, reason, violation_count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		eventRow(ev)...,
	)
	return err
}

// ListActivity returns the latest state and highest violation count of every
// student with at least one event in the test.
func (r *ProctorEventRepository) ListActivity(ctx context.Context, testID int64) ([]model.StudentActivity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (student_id)
		        student_id,
		        COALESCE(student_test_id, 0),
		        state,
		        MAX(violation_count) OVER (PARTITION BY student_id),
		        recorded_at
		 FROM proctor_events
		 WHERE test_id = $1
		 ORDER BY student_id, recorded_at DESC, id DESC`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StudentActivity
	for rows.Next() {
		var a model.StudentActivity
		var state string
		if err := rows.Scan(&a.StudentID, &a.StudentTestID, &state, &a.ViolationCount, &a.LastEventAt); err != nil {
			return nil, err
		}
		a.State = model.SessionState(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

func eventRow(ev model.ProctorEvent) []interface{} {
	var attempt *int64
	if ev.StudentTestID != 0 {
		id := ev.StudentTestID
		attempt = &id
	}
	var reason *string
	if ev.Reason != "" {
		r := ev.Reason
		reason = &r
	}
	return []interface{}{
		ev.TestID, ev.StudentID, attempt, string(ev.Kind), string(ev.State), reason, ev.ViolationCount, ev.RecordedAt,
	}
}
