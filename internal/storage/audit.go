package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opsagent/agent/internal/types"
)

func (s *SQLiteStore) AppendAuditLogEntry(ctx context.Context, e *types.AuditLogEntry) error {
	params, err := marshalJSON(e.Parameters)
	if err != nil {
		return fmt.Errorf("storage: marshal audit parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, server_id, plugin_id, session_id, approval_id, operation, parameters,
			risk_level, status, result, error, executed_by, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ServerID, e.PluginID, toNullString(e.SessionID), toNullString(e.ApprovalID), e.Operation,
		toNullString(params), e.RiskLevel, e.Status, toNullString(e.Result), toNullString(e.Error),
		e.ExecutedBy, e.ExecutionTimeMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append audit log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryAuditLog(ctx context.Context, f AuditFilter) ([]*types.AuditLogEntry, error) {
	var where []string
	var args []any

	if f.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, f.ServerID)
	}
	if f.PluginID != "" {
		where = append(where, "plugin_id = ?")
		args = append(args, f.PluginID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.RiskLevel != "" {
		where = append(where, "risk_level = ?")
		args = append(args, f.RiskLevel)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.SinceTs > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, time.Unix(f.SinceTs, 0))
	}

	query := "SELECT id, server_id, plugin_id, session_id, approval_id, operation, parameters, risk_level, status, result, error, executed_by, execution_time_ms, created_at FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditLogEntry
	for rows.Next() {
		var e types.AuditLogEntry
		var sessionID, approvalID, params, result, errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.ServerID, &e.PluginID, &sessionID, &approvalID, &e.Operation,
			&params, &e.RiskLevel, &e.Status, &result, &errStr, &e.ExecutedBy, &e.ExecutionTimeMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit log entry: %w", err)
		}
		e.SessionID = sessionID.String
		e.ApprovalID = approvalID.String
		e.Result = result.String
		e.Error = errStr.String
		if err := unmarshalJSON(params, &e.Parameters); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
