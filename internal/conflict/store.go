package conflict

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
	"github.com/reliefops/fieldsync/internal/store"
)

// Store owns durable persistence and read-side querying of conflict
// records. It exclusively owns the conflicts table; records are
// appended on detection, updated at most once to mark resolution, and
// never deleted (audit requirement).
type Store struct {
	db     *store.DB
	logger *log.Logger
}

// NewStore creates a conflict store over an opened database.
func NewStore(db *store.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflicts] ", log.LstdFlags)
	}
	return &Store{db: db, logger: logger}
}

const recordColumns = `conflict_id, entity_type, entity_uuid, local_version,
	server_version, local_data, server_data, resolution_strategy,
	resolved_data, is_resolved, resolved_at, resolved_by,
	conflict_reason, auto_resolved, created_at`

// Insert appends a new conflict record. The record may arrive already
// resolved (automatic resolution happens at detection time).
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	resolved := 0
	if rec.IsResolved {
		resolved = 1
	}
	auto := 0
	if rec.AutoResolved {
		auto = 1
	}

	_, err := s.db.RawDB().ExecContext(ctx, `
	INSERT INTO conflicts (
		conflict_id, entity_type, entity_uuid, local_version,
		server_version, local_data, server_data, resolution_strategy,
		resolved_data, is_resolved, resolved_at, resolved_by,
		conflict_reason, auto_resolved, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConflictID,
		string(rec.EntityType),
		rec.EntityUUID,
		rec.LocalVersion,
		rec.ServerVersion,
		string(rec.LocalData),
		string(rec.ServerData),
		rec.ResolutionStrategy,
		nullableJSON(rec.ResolvedData),
		resolved,
		store.TimeToNullString(rec.ResolvedAt),
		nullableString(rec.ResolvedBy),
		nullableString(rec.ConflictReason),
		auto,
		store.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

// MarkResolved records the resolution of an unresolved conflict,
// exactly once. The WHERE clause guards the immutability invariant:
// a second resolution attempt affects zero rows.
func (s *Store) MarkResolved(ctx context.Context, conflictID string, resolvedData []byte, resolvedBy string, auto bool) error {
	autoFlag := 0
	if auto {
		autoFlag = 1
	}
	now := time.Now().UTC()

	res, err := s.db.RawDB().ExecContext(ctx, `
	UPDATE conflicts
	SET resolved_data = ?, is_resolved = 1, resolved_at = ?,
	    resolved_by = ?, auto_resolved = ?
	WHERE conflict_id = ? AND is_resolved = 0`,
		string(resolvedData),
		store.FormatTime(now),
		resolvedBy,
		autoFlag,
		conflictID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing record from a double resolution.
		if _, err := s.Get(ctx, conflictID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
	}

	s.logger.Printf("conflict %s resolved by %s", conflictID, resolvedBy)
	return nil
}

// Get retrieves a single record by conflict id.
func (s *Store) Get(ctx context.Context, conflictID string) (*Record, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `
	SELECT `+recordColumns+` FROM conflicts WHERE conflict_id = ?`, conflictID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conflictID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", conflictID, err)
	}
	return rec, nil
}

// History returns records matching the filter, newest first.
func (s *Store) History(ctx context.Context, filter Filter) ([]Record, error) {
	query, args := buildFilterQuery(filter)

	rows, err := s.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict records: %w", err)
	}
	return records, nil
}

// buildFilterQuery assembles the filtered SELECT shared by History
// and ExportCSV.
func buildFilterQuery(filter Filter) (string, []any) {
	var conditions []string
	var args []any

	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			conditions = append(conditions, "is_resolved = 1")
		} else {
			conditions = append(conditions, "is_resolved = 0")
		}
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, store.FormatTime(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, store.FormatTime(*filter.DateTo))
	}

	query := `SELECT ` + recordColumns + ` FROM conflicts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite only accepts OFFSET after a LIMIT clause; -1 means
		// unbounded.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}
	return query, args
}

// Stats aggregates the audit log. Resolution rate is the percentage of
// conflicts resolved (auto + manual) over the total.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ConflictsByType: make(map[string]int)}

	err := s.db.RawDB().QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_resolved = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_resolved = 1 AND auto_resolved = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_resolved = 1 AND auto_resolved = 0 THEN 1 ELSE 0 END), 0)
	FROM conflicts`).Scan(
		&stats.TotalConflicts,
		&stats.UnresolvedConflicts,
		&stats.AutoResolvedConflicts,
		&stats.ManuallyResolvedConflicts,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate conflict stats: %w", err)
	}

	if stats.TotalConflicts > 0 {
		resolved := stats.AutoResolvedConflicts + stats.ManuallyResolvedConflicts
		stats.ResolutionRate = float64(resolved) / float64(stats.TotalConflicts) * 100
	}

	rows, err := s.db.RawDB().QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM conflicts GROUP BY entity_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count conflicts by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.ConflictsByType[entityType] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating type counts: %w", err)
	}

	recent, err := s.History(ctx, Filter{Limit: 5})
	if err != nil {
		return Stats{}, err
	}
	stats.RecentConflicts = recent

	return stats, nil
}

// csvHeader is the fixed export column order. Operator tooling parses
// exports positionally; do not reorder.
var csvHeader = []string{
	"conflict_id",
	"entity_type",
	"entity_uuid",
	"conflict_date",
	"resolution_method",
	"local_version",
	"server_version",
	"resolved",
	"resolved_at",
	"resolved_by",
	"auto_resolved",
	"conflict_reason",
}

// ExportCSV writes the filtered record set as CSV, one row per
// conflict. Fields containing commas or quotes are escaped per
// standard CSV quoting (encoding/csv handles this).
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, filter Filter) error {
	records, err := s.History(ctx, filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		resolvedAt := ""
		if rec.ResolvedAt != nil {
			resolvedAt = store.FormatTime(*rec.ResolvedAt)
		}
		row := []string{
			rec.ConflictID,
			string(rec.EntityType),
			rec.EntityUUID,
			store.FormatTime(rec.CreatedAt),
			rec.ResolutionStrategy,
			strconv.FormatInt(rec.LocalVersion, 10),
			strconv.FormatInt(rec.ServerVersion, 10),
			strconv.FormatBool(rec.IsResolved),
			resolvedAt,
			rec.ResolvedBy,
			strconv.FormatBool(rec.AutoResolved),
			rec.ConflictReason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var entityType, createdAt string
	var localData, serverData string
	var resolvedData, resolvedAt, resolvedBy, reason sql.NullString
	var isResolved, autoResolved int

	err := row.Scan(
		&rec.ConflictID,
		&entityType,
		&rec.EntityUUID,
		&rec.LocalVersion,
		&rec.ServerVersion,
		&localData,
		&serverData,
		&rec.ResolutionStrategy,
		&resolvedData,
		&isResolved,
		&resolvedAt,
		&resolvedBy,
		&reason,
		&autoResolved,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.EntityType = payload.EntityType(entityType)
	rec.LocalData = []byte(localData)
	rec.ServerData = []byte(serverData)
	if resolvedData.Valid {
		rec.ResolvedData = []byte(resolvedData.String)
	}
	rec.IsResolved = isResolved == 1
	rec.AutoResolved = autoResolved == 1
	rec.ResolvedAt = store.NullStringToTime(resolvedAt)
	rec.ResolvedBy = resolvedBy.String
	rec.ConflictReason = reason.String
	if t, err := store.ParseTime(createdAt); err == nil {
		rec.CreatedAt = t
	}

	return &rec, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
