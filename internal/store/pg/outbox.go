package pg

import (
	"context"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

const outboxColumns = `id, kind, ref, payload, created_at, next_attempt_at, processed_at, attempts, COALESCE(last_error,'')`

func scanOutboxTask(row interface{ Scan(dest ...any) error }) (store.OutboxTask, error) {
	var t store.OutboxTask
	var kind string
	err := row.Scan(&t.ID, &kind, &t.Ref, &t.Payload, &t.CreatedAt, &t.NextAttemptAt, &t.ProcessedAt, &t.Attempts, &t.LastError)
	t.Kind = domain.TaskKind(kind)
	return t, err
}

func (s *Store) InsertOutboxTask(ctx context.Context, t store.OutboxTask) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO outbox_tasks (id, kind, ref, payload, created_at, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, t.ID, string(t.Kind), t.Ref, t.Payload, t.CreatedAt, t.NextAttemptAt)
	return mapErr(err)
}

func (s *Store) FindPendingOutboxTask(ctx context.Context, kind domain.TaskKind, ref string) (store.OutboxTask, bool, error) {
	t, err := scanOutboxTask(s.q.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_tasks
		WHERE kind=$1 AND ref=$2 AND processed_at IS NULL
		ORDER BY created_at DESC LIMIT 1
	`, string(kind), ref))
	ok, err := found(err)
	return t, ok, err
}

func (s *Store) SetOutboxTaskNextAttempt(ctx context.Context, id string, at *time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_tasks SET next_attempt_at=$2 WHERE id=$1 AND processed_at IS NULL
	`, id, at)
	return err
}

// ClaimDueOutboxTasks follows the SKIP LOCKED claim used by outbox relays:
// competing drainers never see the same row, and the lease pushes the task
// out of the due window until it expires.
func (s *Store) ClaimDueOutboxTasks(ctx context.Context, now, leaseUntil time.Time, limit int) ([]store.OutboxTask, error) {
	rows, err := s.q.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_tasks
			WHERE processed_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY next_attempt_at NULLS FIRST, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_tasks o SET next_attempt_at=$2, attempts=o.attempts+1
		FROM due WHERE o.id = due.id
		RETURNING o.id, o.kind, o.ref, o.payload, o.created_at, o.next_attempt_at, o.processed_at, o.attempts, COALESCE(o.last_error,'')
	`, now, leaseUntil, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OutboxTask
	for rows.Next() {
		t, err := scanOutboxTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxTaskProcessed(ctx context.Context, id, lastError string, now time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_tasks SET processed_at=$2, last_error=COALESCE($3, last_error)
		WHERE id=$1 AND processed_at IS NULL
	`, id, now, nullIfEmpty(lastError))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RescheduleOutboxTask(ctx context.Context, id string, at time.Time, lastError string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_tasks SET next_attempt_at=$2, last_error=$3
		WHERE id=$1 AND processed_at IS NULL
	`, id, at, nullIfEmpty(lastError))
	return err
}

func (s *Store) GetOutboxTask(ctx context.Context, id string) (store.OutboxTask, bool, error) {
	t, err := scanOutboxTask(s.q.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_tasks WHERE id=$1`, id))
	ok, err := found(err)
	return t, ok, err
}

func (s *Store) CountPendingOutboxTasks(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT count(*) FROM outbox_tasks
		WHERE processed_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	`, now).Scan(&n)
	return n, err
}
