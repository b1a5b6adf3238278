package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queuescope/queuescope/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL event store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskEventColumns = `id, task_id, task_name, event_type, timestamp, hostname,
       queue, args, kwargs, result, runtime, exception,
       retry_of, retried_by, retry_count, is_orphan, orphaned_at`

// InsertTaskEvent appends one task event.
func (s *PgStore) InsertTaskEvent(ctx context.Context, ev model.TaskEvent) error {
	kwargsJSON, err := json.Marshal(ev.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal kwargs: %w", err)
	}
	retriedByJSON, err := json.Marshal(ev.RetriedBy)
	if err != nil {
		return fmt.Errorf("marshal retried_by: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_events (
			id, task_id, task_name, event_type, timestamp, hostname,
			queue, args, kwargs, result, runtime, exception,
			retry_of, retried_by, retry_count, is_orphan, orphaned_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		ev.ID, ev.TaskID, ev.TaskName, ev.EventType, ev.Timestamp, ev.Hostname,
		ev.Queue, ev.Args, kwargsJSON, ev.Result, ev.Runtime, ev.Exception,
		nullIfEmpty(ev.RetryOf), retriedByJSON, ev.RetryCount, ev.IsOrphan, ev.OrphanedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// InsertWorkerEvent appends one worker event.
func (s *PgStore) InsertWorkerEvent(ctx context.Context, ev model.WorkerEvent) error {
	loadJSON, err := json.Marshal(ev.LoadAvg)
	if err != nil {
		return fmt.Errorf("marshal loadavg: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO worker_events (
			id, hostname, event_type, timestamp, active, processed, loadavg, freq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Hostname, ev.EventType, ev.Timestamp, ev.Active, ev.Processed, loadJSON, ev.FreqHz,
	)
	if err != nil {
		return fmt.Errorf("insert worker event: %w", err)
	}
	return nil
}

// ReceivedEvent returns the earliest "task-received" event for a task.
func (s *PgStore) ReceivedEvent(ctx context.Context, taskID string) (model.TaskEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskEventColumns+`
		FROM task_events
		WHERE task_id = $1 AND event_type = $2
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`,
		taskID, model.TaskEventReceived,
	)
	ev, err := scanTaskEvent(row)
	if err == pgx.ErrNoRows {
		return model.TaskEvent{}, model.NewNotFoundError(
			fmt.Sprintf("no received event for task %q", taskID),
		)
	}
	if err != nil {
		return model.TaskEvent{}, fmt.Errorf("query received event: %w", err)
	}
	return ev, nil
}

// TaskEvents returns all events for a task ordered by (timestamp, id).
func (s *PgStore) TaskEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskEventColumns+`
		FROM task_events
		WHERE task_id = $1
		ORDER BY timestamp ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	return collectTaskEvents(rows)
}

// LatestEventsByHost returns each task's single latest event for tasks
// observed on the given hostname.
func (s *PgStore) LatestEventsByHost(ctx context.Context, hostname string) ([]model.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (task_id) `+taskEventColumns+`
		FROM task_events
		WHERE task_id IN (
			SELECT DISTINCT task_id FROM task_events WHERE hostname = $1
		)
		ORDER BY task_id, timestamp DESC, id DESC`,
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest events by host: %w", err)
	}
	defer rows.Close()
	return collectTaskEvents(rows)
}

// MarkOrphaned flags the given tasks as orphaned in one statement inside
// the read transaction that determined the affected set. Tasks already
// orphaned are excluded so earlier orphaned_at values survive.
func (s *PgStore) MarkOrphaned(ctx context.Context, taskIDs []string, at time.Time) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin orphan marking: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE task_events
		SET is_orphan = TRUE, orphaned_at = $2
		WHERE task_id = ANY($1)
		  AND task_id NOT IN (
			SELECT DISTINCT task_id FROM task_events WHERE is_orphan
		  )
		RETURNING task_id`,
		taskIDs, at,
	)
	if err != nil {
		return nil, fmt.Errorf("mark orphaned: %w", err)
	}

	seen := make(map[string]bool)
	var updated []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphaned task id: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			updated = append(updated, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark orphaned rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit orphan marking: %w", err)
	}
	return updated, nil
}

// RecentTaskEvents returns up to limit most recent task events, newest first.
func (s *PgStore) RecentTaskEvents(ctx context.Context, limit int) ([]model.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskEventColumns+`
		FROM task_events
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent task events: %w", err)
	}
	defer rows.Close()
	return collectTaskEvents(rows)
}

// RecentWorkerEvents returns up to limit most recent worker events, newest first.
func (s *PgStore) RecentWorkerEvents(ctx context.Context, limit int) ([]model.WorkerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, event_type, timestamp, active, processed, loadavg, freq
		FROM worker_events
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent worker events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkerEvent
	for rows.Next() {
		var ev model.WorkerEvent
		var loadJSON []byte
		if err := rows.Scan(
			&ev.ID, &ev.Hostname, &ev.EventType, &ev.Timestamp,
			&ev.Active, &ev.Processed, &loadJSON, &ev.FreqHz,
		); err != nil {
			return nil, fmt.Errorf("scan worker event: %w", err)
		}
		if loadJSON != nil {
			_ = json.Unmarshal(loadJSON, &ev.LoadAvg)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Relationship returns the retry relationship row owned by taskID.
func (s *PgStore) Relationship(ctx context.Context, taskID string) (model.RetryRelationship, error) {
	return s.relationship(ctx, s.pool, taskID)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PgStore) relationship(ctx context.Context, q rowQuerier, taskID string) (model.RetryRelationship, error) {
	var rel model.RetryRelationship
	var chainJSON []byte

	err := q.QueryRow(ctx, `
		SELECT task_id, original_id, retry_chain, total_retries
		FROM retry_relationships
		WHERE task_id = $1`,
		taskID,
	).Scan(&rel.TaskID, &rel.OriginalID, &chainJSON, &rel.TotalRetries)
	if err == pgx.ErrNoRows {
		return model.RetryRelationship{}, model.NewNotFoundError(
			fmt.Sprintf("no retry relationship for task %q", taskID),
		)
	}
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("query retry relationship: %w", err)
	}
	if chainJSON != nil {
		if err := json.Unmarshal(chainJSON, &rel.RetryChain); err != nil {
			return model.RetryRelationship{}, fmt.Errorf("unmarshal retry chain: %w", err)
		}
	}
	return rel, nil
}

// CreateRetry records newID as a retry in the chain rooted at originalID.
// The child insert, root chain append, and retroactive event stamping run
// in one transaction; any error rolls back the whole mutation.
func (s *PgStore) CreateRetry(ctx context.Context, originalID, newID string) (model.RetryRelationship, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("begin retry creation: %w", err)
	}
	defer tx.Rollback(ctx)

	root, err := s.relationship(ctx, tx, originalID)
	if model.IsNotFound(err) {
		root = model.RetryRelationship{TaskID: originalID, OriginalID: originalID}
	} else if err != nil {
		return model.RetryRelationship{}, err
	}

	root.RetryChain = append(root.RetryChain, newID)
	root.TotalRetries = len(root.RetryChain)

	chainJSON, err := json.Marshal(root.RetryChain)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("marshal retry chain: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO retry_relationships (task_id, original_id, retry_chain, total_retries)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET retry_chain = EXCLUDED.retry_chain, total_retries = EXCLUDED.total_retries`,
		root.TaskID, root.OriginalID, chainJSON, root.TotalRetries,
	)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("upsert root relationship: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO retry_relationships (task_id, original_id, retry_chain, total_retries)
		VALUES ($1, $2, '[]', 0)`,
		newID, root.OriginalID,
	)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("insert child relationship: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_events
		SET retried_by = $2, retry_count = $3
		WHERE task_id = $1`,
		originalID, chainJSON, root.TotalRetries,
	)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("stamp retried events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RetryRelationship{}, fmt.Errorf("commit retry creation: %w", err)
	}
	return root, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanTaskEvent(row pgx.Row) (model.TaskEvent, error) {
	var ev model.TaskEvent
	var kwargsJSON, retriedByJSON []byte
	var retryOf *string

	err := row.Scan(
		&ev.ID, &ev.TaskID, &ev.TaskName, &ev.EventType, &ev.Timestamp, &ev.Hostname,
		&ev.Queue, &ev.Args, &kwargsJSON, &ev.Result, &ev.Runtime, &ev.Exception,
		&retryOf, &retriedByJSON, &ev.RetryCount, &ev.IsOrphan, &ev.OrphanedAt,
	)
	if err != nil {
		return model.TaskEvent{}, err
	}
	if retryOf != nil {
		ev.RetryOf = *retryOf
	}
	if kwargsJSON != nil {
		_ = json.Unmarshal(kwargsJSON, &ev.Kwargs)
	}
	if retriedByJSON != nil {
		_ = json.Unmarshal(retriedByJSON, &ev.RetriedBy)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

func collectTaskEvents(rows pgx.Rows) ([]model.TaskEvent, error) {
	var events []model.TaskEvent
	for rows.Next() {
		ev, err := scanTaskEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
