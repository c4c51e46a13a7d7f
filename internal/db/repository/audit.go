// Package repository implements SQLite-backed storage for audit entries.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"dbgate/internal/domain"
)

// AuditFilter narrows a List query. Nil fields mean "no filter".
type AuditFilter struct {
	Environment *string
	ToolName    *string
	Limit       int
}

// AuditRepo stores audit entries in the local metastore.
type AuditRepo struct {
	pool *sql.DB
}

// NewAuditRepo creates a new AuditRepo over the given pool.
func NewAuditRepo(pool *sql.DB) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// InsertBatch writes a batch of entries in one transaction.
func (r *AuditRepo) InsertBatch(ctx context.Context, entries []*domain.AuditLogEntry) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (id, timestamp, tool_name, environment, arguments, result, duration_ms, session_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		args, err := nullableJSON(e.Arguments)
		if err != nil {
			return fmt.Errorf("marshal arguments for %s: %w", e.ToolName, err)
		}
		result, err := nullableJSON(e.Result)
		if err != nil {
			return fmt.Errorf("marshal result for %s: %w", e.ToolName, err)
		}

		var duration sql.NullInt64
		if e.DurationMs != nil {
			duration = sql.NullInt64{Int64: *e.DurationMs, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), e.Timestamp, e.ToolName,
			nullableString(e.Environment), args, result,
			duration, nullableString(e.SessionID), nullableString(e.UserID),
		); err != nil {
			return fmt.Errorf("insert audit entry for %s: %w", e.ToolName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit insert: %w", err)
	}
	return nil
}

// List returns stored entries, newest first.
func (r *AuditRepo) List(ctx context.Context, filter AuditFilter) ([]domain.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT timestamp, tool_name, environment, arguments, result, duration_ms, session_id, user_id
		FROM audit_log
		WHERE (? IS NULL OR environment = ?)
		  AND (? IS NULL OR tool_name = ?)
		ORDER BY timestamp DESC
		LIMIT ?`

	var envFilter, toolFilter interface{}
	if filter.Environment != nil {
		envFilter = *filter.Environment
	}
	if filter.ToolName != nil {
		toolFilter = *filter.ToolName
	}

	rows, err := r.pool.QueryContext(ctx, query,
		envFilter, envFilter, toolFilter, toolFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var (
			e          domain.AuditLogEntry
			env        sql.NullString
			args       sql.NullString
			result     sql.NullString
			durationMs sql.NullInt64
			sessionID  sql.NullString
			userID     sql.NullString
		)
		if err := rows.Scan(&e.Timestamp, &e.ToolName, &env, &args, &result,
			&durationMs, &sessionID, &userID); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		e.Environment = env.String
		e.SessionID = sessionID.String
		e.UserID = userID.String
		if durationMs.Valid {
			d := durationMs.Int64
			e.DurationMs = &d
		}
		if args.Valid {
			if err := json.Unmarshal([]byte(args.String), &e.Arguments); err != nil {
				return nil, fmt.Errorf("decode stored arguments: %w", err)
			}
		}
		if result.Valid {
			var res domain.InvocationResult
			if err := json.Unmarshal([]byte(result.String), &res); err != nil {
				return nil, fmt.Errorf("decode stored result: %w", err)
			}
			e.Result = &res
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *domain.InvocationResult:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
