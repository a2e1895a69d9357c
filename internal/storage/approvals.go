package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

const approvalColumns = `id, server_id, session_id, plugin_id, message_id, operation, parameters,
	risk_level, reason, status, requested_at, responded_at, responded_by, response_reason, expires_at`

func (s *SQLiteStore) CreateApprovalRequest(ctx context.Context, a *types.ApprovalRequest) error {
	params, err := marshalJSON(a.Parameters)
	if err != nil {
		return fmt.Errorf("storage: marshal approval parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ServerID, toNullString(a.SessionID), a.PluginID, toNullString(a.MessageID), a.Operation,
		toNullString(params), a.RiskLevel, a.Reason, a.Status, a.RequestedAt,
		toNullTime(a.RespondedAt), toNullString(a.RespondedBy), toNullString(a.ResponseReason), a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage: create approval request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateApprovalRequest(ctx context.Context, a *types.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status=?, responded_at=?, responded_by=?, response_reason=?
		WHERE id = ?
	`, a.Status, toNullTime(a.RespondedAt), toNullString(a.RespondedBy), toNullString(a.ResponseReason), a.ID)
	if err != nil {
		return fmt.Errorf("storage: update approval request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("approval_request", a.ID)
	}
	return nil
}

func (s *SQLiteStore) scanApproval(row interface {
	Scan(dest ...any) error
}) (*types.ApprovalRequest, error) {
	var a types.ApprovalRequest
	var sessionID, messageID, params, respondedBy, responseReason sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ServerID, &sessionID, &a.PluginID, &messageID, &a.Operation, &params,
		&a.RiskLevel, &a.Reason, &a.Status, &a.RequestedAt, &respondedAt, &respondedBy, &responseReason, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	a.SessionID = sessionID.String
	a.MessageID = messageID.String
	a.RespondedBy = respondedBy.String
	a.ResponseReason = responseReason.String
	a.RespondedAt = fromNullTime(respondedAt)
	if err := unmarshalJSON(params, &a.Parameters); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetApprovalRequest(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get approval request: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests WHERE status = ? ORDER BY requested_at ASC
	`, types.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval request: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
