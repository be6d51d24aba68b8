package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/fieldsync/internal/payload"
	"github.com/reliefops/fieldsync/internal/store"
)

// ErrItemNotFound is returned when a status transition targets an
// unknown queue item id.
var ErrItemNotFound = errors.New("queue item not found")

// QueueConfig holds tunables for the durable queue.
type QueueConfig struct {
	// MaxItems caps the number of unsynced items held in the queue.
	// When the cap is reached, Enqueue evicts the lowest-priority
	// oldest pending item rather than failing (0 = unlimited).
	MaxItems int

	// MaxAttempts bounds automatic retries. Once an item has failed
	// this many times it requires an explicit RetryFailed call.
	MaxAttempts int

	// BackoffBase is the retry window after the first failure. The
	// window doubles per attempt up to BackoffMax.
	BackoffBase time.Duration

	// BackoffMax caps the retry window.
	BackoffMax time.Duration

	// Logger for queue activity.
	Logger *log.Logger

	// OnEvict is called after a pending item is evicted to make room
	// for a new one. Used to surface evictions on the dashboard.
	OnEvict func(evicted QueueItem)
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxItems:    10000,
		MaxAttempts: 5,
		BackoffBase: 30 * time.Second,
		BackoffMax:  15 * time.Minute,
		Logger:      log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable, priority-ordered holding area for mutations
// awaiting transmission. It exclusively owns the sync_queue table.
type Queue struct {
	db     *store.DB
	config *QueueConfig
}

// NewQueue creates a queue over an opened database.
//
// The database must have its schema initialized before use.
//
// Example:
//
//	db, err := store.Open(".fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	if err := db.InitSchema(); err != nil {
//	    return err
//	}
//	queue := sync.NewQueue(db, nil)
func NewQueue(db *store.DB, config *QueueConfig) *Queue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, config: config}
}

const itemColumns = `id, entity_type, action, entity_uuid, payload, priority,
	status, attempts, last_error, local_version, local_modified_at,
	created_at, last_attempt_at, next_eligible_at, conflict_id`

// Enqueue validates the envelope and persists a new pending item.
//
// The item is written to durable storage before Enqueue returns; a
// process restart never loses an enqueued mutation. If the queue is at
// capacity, the lowest-priority oldest pending item is evicted to make
// room and the eviction is logged.
func (q *Queue) Enqueue(ctx context.Context, env *payload.Envelope) (*QueueItem, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation envelope: %w", err)
	}

	tx, err := q.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if q.config.MaxItems > 0 {
		if err := q.evictIfFull(ctx, tx); err != nil {
			return nil, err
		}
	}

	item := &QueueItem{
		ID:              uuid.NewString(),
		EntityType:      env.EntityType,
		Action:          env.Action,
		EntityUUID:      env.EntityUUID,
		Payload:         env.Data,
		Priority:        env.Priority,
		Status:          StatusPending,
		LocalVersion:    env.LocalVersion,
		LocalModifiedAt: env.LocalModifiedAt,
		CreatedAt:       time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_queue (
		id, entity_type, action, entity_uuid, payload, priority,
		status, attempts, local_version, local_modified_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		item.ID,
		string(item.EntityType),
		string(item.Action),
		item.EntityUUID,
		string(item.Payload),
		item.Priority,
		string(item.Status),
		item.LocalVersion,
		store.TimeToNullString(item.LocalModifiedAt),
		store.FormatTime(item.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return item, nil
}

// evictIfFull drops the lowest-priority oldest pending item when the
// unsynced population is at capacity. Runs inside the enqueue
// transaction so the eviction and the insert are atomic.
func (q *Queue) evictIfFull(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status != 'synced'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count queue items: %w", err)
	}
	if count < q.config.MaxItems {
		return nil
	}

	// Lowest priority = largest priority value; oldest within that.
	row := tx.QueryRowContext(ctx, `
	SELECT `+itemColumns+`
	FROM sync_queue
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at ASC
	LIMIT 1`)

	victim, err := scanItem(row)
	if err == sql.ErrNoRows {
		// Nothing evictable; accept the overflow rather than reject.
		q.config.Logger.Printf("WARNING: queue over capacity (%d items) with no pending item to evict", count)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to select eviction victim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, victim.ID); err != nil {
		return fmt.Errorf("failed to evict item %s: %w", victim.ID, err)
	}

	q.config.Logger.Printf("WARNING: queue full (%d items), evicted %s %s %s (priority=%d, created=%s)",
		count, victim.EntityType, victim.Action, victim.EntityUUID,
		victim.Priority, victim.CreatedAt.Format(time.RFC3339))

	if q.config.OnEvict != nil {
		q.config.OnEvict(*victim)
	}
	return nil
}

// DequeueBatch atomically claims up to maxItems eligible items,
// transitioning them pending -> syncing so no other caller can claim
// the same items.
//
// Eligibility and ordering:
//   - pending items, plus failed items whose backoff window has expired
//   - at most the oldest eligible item per entity uuid, and only when
//     no item for that entity is currently syncing (single-flight per
//     entity, FIFO within an entity)
//   - across entities: priority ascending, then created_at ascending
func (q *Queue) DequeueBatch(ctx context.Context, maxItems int) ([]*QueueItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	now := store.FormatTime(time.Now())

	tx, err := q.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
	SELECT `+itemColumns+`
	FROM sync_queue q
	WHERE (
		q.status = 'pending'
		OR (q.status = 'failed' AND q.next_eligible_at IS NOT NULL AND q.next_eligible_at <= ?)
	)
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue s
		WHERE s.entity_uuid = q.entity_uuid AND s.status = 'syncing'
	)
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue e
		WHERE e.entity_uuid = q.entity_uuid
		  AND e.status IN ('pending', 'failed')
		  AND e.created_at < q.created_at
	)
	ORDER BY q.priority ASC, q.created_at ASC
	LIMIT ?`, now, maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible items: %w", err)
	}

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(items)+1)
	placeholders := make([]string, 0, len(items))
	ids = append(ids, now)
	for _, item := range items {
		placeholders = append(placeholders, "?")
		ids = append(ids, item.ID)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'syncing', last_attempt_at = ?
	WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	attemptAt := time.Now().UTC()
	for _, item := range items {
		item.Status = StatusSyncing
		item.LastAttemptAt = &attemptAt
	}
	return items, nil
}

// MarkSynced records a successful push for the item.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'synced', last_error = NULL, next_eligible_at = NULL
	WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark item synced: %w", err)
	}
	return requireRow(res, id)
}

// MarkFailed records a failed push attempt. Transient failures get a
// backoff window (doubling per attempt, capped); permanent failures
// and items over the attempt budget get none and wait for an explicit
// RetryFailed.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, permanent bool) error {
	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	attempts := item.Attempts + 1
	var nextEligible sql.NullString
	if !permanent && attempts < q.config.MaxAttempts {
		window := q.backoffWindow(attempts)
		at := time.Now().UTC().Add(window)
		nextEligible = sql.NullString{String: store.FormatTime(at), Valid: true}
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.db.RawDB().ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'failed', attempts = ?, last_error = ?, next_eligible_at = ?
	WHERE id = ?`, attempts, msg, nextEligible, id)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	if permanent {
		q.config.Logger.Printf("item %s failed permanently: %s", id, msg)
	} else if !nextEligible.Valid {
		q.config.Logger.Printf("item %s exhausted %d attempts, manual retry required: %s",
			id, attempts, msg)
	}
	return nil
}

// backoffWindow computes the retry window for the given attempt count.
func (q *Queue) backoffWindow(attempts int) time.Duration {
	window := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		window *= 2
		if window >= q.config.BackoffMax {
			return q.config.BackoffMax
		}
	}
	if window > q.config.BackoffMax {
		window = q.config.BackoffMax
	}
	return window
}

// MarkConflict transitions the item to conflict state, cross-referencing
// the audit record created by the resolver.
func (q *Queue) MarkConflict(ctx context.Context, id, conflictID string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'conflict', conflict_id = ?, next_eligible_at = NULL
	WHERE id = ?`, conflictID, id)
	if err != nil {
		return fmt.Errorf("failed to mark item conflicted: %w", err)
	}
	return requireRow(res, id)
}

// RetryFailed forces all failed items back to pending regardless of
// backoff window. Attempt counts reset so retried items get a full
// retry budget. Returns the number of items reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'pending', attempts = 0, next_eligible_at = NULL
	WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.config.Logger.Printf("reset %d failed items to pending", n)
	}
	return int(n), nil
}

// ClearFailed discards all failed items without retry. Explicit
// operator action only. Returns the number of items removed.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `DELETE FROM sync_queue WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.config.Logger.Printf("cleared %d failed items", n)
	}
	return int(n), nil
}

// PruneSynced removes synced items older than the given age.
func (q *Queue) PruneSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := store.FormatTime(time.Now().Add(-olderThan))
	res, err := q.db.RawDB().ExecContext(ctx, `
	DELETE FROM sync_queue WHERE status = 'synced' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
	SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSyncing:
			stats.Syncing = count
		case StatusSynced:
			stats.Synced = count
		case StatusFailed:
			stats.Failed = count
		case StatusConflict:
			stats.Conflict = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, fmt.Errorf("error iterating queue stats: %w", err)
	}
	return stats, nil
}

// Get retrieves a single item by id.
func (q *Queue) Get(ctx context.Context, id string) (*QueueItem, error) {
	row := q.db.RawDB().QueryRowContext(ctx, `
	SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return item, nil
}

// ListByStatus retrieves items in the given status, priority order.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]*QueueItem, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
	SELECT `+itemColumns+` FROM sync_queue
	WHERE status = ?
	ORDER BY priority ASC, created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return scanItems(rows)
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var entityType, action, status, createdAt string
	var pyld string
	var lastError, conflictID sql.NullString
	var localModifiedAt, lastAttemptAt, nextEligibleAt sql.NullString

	err := row.Scan(
		&item.ID,
		&entityType,
		&action,
		&item.EntityUUID,
		&pyld,
		&item.Priority,
		&status,
		&item.Attempts,
		&lastError,
		&item.LocalVersion,
		&localModifiedAt,
		&createdAt,
		&lastAttemptAt,
		&nextEligibleAt,
		&conflictID,
	)
	if err != nil {
		return nil, err
	}

	item.EntityType = payload.EntityType(entityType)
	item.Action = payload.Action(action)
	item.Status = Status(status)
	item.Payload = []byte(pyld)
	item.LastError = lastError.String
	item.ConflictID = conflictID.String

	if t, err := store.ParseTime(createdAt); err == nil {
		item.CreatedAt = t
	}
	item.LocalModifiedAt = store.NullStringToTime(localModifiedAt)
	item.LastAttemptAt = store.NullStringToTime(lastAttemptAt)
	item.NextEligibleAt = store.NullStringToTime(nextEligibleAt)

	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}
