package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

func (s *SQLiteStore) CreateAlert(ctx context.Context, a *types.Alert) error {
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal alert metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, server_id, rule_id, fingerprint, severity, status, message, metric,
			current_value, threshold, created_at, last_occurred_at, resolved_at, acknowledged,
			acknowledged_by, source, occurrence_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ServerID, a.RuleID, a.Fingerprint, a.Severity, a.Status, a.Message, a.Metric,
		a.CurrentValue, a.Threshold, a.CreatedAt, a.LastOccurredAt, toNullTime(a.ResolvedAt), a.Acknowledged,
		toNullString(a.AcknowledgedBy), a.Source, a.OccurrenceCount, toNullString(meta))
	if err != nil {
		return fmt.Errorf("storage: create alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, a *types.Alert) error {
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal alert metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status=?, current_value=?, last_occurred_at=?, resolved_at=?,
			acknowledged=?, acknowledged_by=?, occurrence_count=?, metadata=?
		WHERE id = ?
	`, a.Status, a.CurrentValue, a.LastOccurredAt, toNullTime(a.ResolvedAt),
		a.Acknowledged, toNullString(a.AcknowledgedBy), a.OccurrenceCount, toNullString(meta), a.ID)
	if err != nil {
		return fmt.Errorf("storage: update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("alert", a.ID)
	}
	return nil
}

func (s *SQLiteStore) scanAlert(row interface {
	Scan(dest ...any) error
}) (*types.Alert, error) {
	var a types.Alert
	var resolvedAt sql.NullTime
	var ackBy sql.NullString
	var meta sql.NullString
	err := row.Scan(&a.ID, &a.ServerID, &a.RuleID, &a.Fingerprint, &a.Severity, &a.Status, &a.Message,
		&a.Metric, &a.CurrentValue, &a.Threshold, &a.CreatedAt, &a.LastOccurredAt, &resolvedAt,
		&a.Acknowledged, &ackBy, &a.Source, &a.OccurrenceCount, &meta)
	if err != nil {
		return nil, err
	}
	a.ResolvedAt = fromNullTime(resolvedAt)
	a.AcknowledgedBy = ackBy.String
	if err := unmarshalJSON(meta, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

const alertColumns = `id, server_id, rule_id, fingerprint, severity, status, message, metric,
	current_value, threshold, created_at, last_occurred_at, resolved_at, acknowledged,
	acknowledged_by, source, occurrence_count, metadata`

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := s.scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("alert", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get alert: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetOpenAlertByFingerprint(ctx context.Context, serverID, fingerprint string) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE server_id = ? AND fingerprint = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, serverID, fingerprint, types.AlertOpen)
	a, err := s.scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get open alert by fingerprint: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListActiveAlerts(ctx context.Context, serverID string) ([]*types.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE server_id = ? AND status = ?
		ORDER BY created_at DESC
	`, serverID, types.AlertOpen)
	if err != nil {
		return nil, fmt.Errorf("storage: list active alerts: %w", err)
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := s.scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
