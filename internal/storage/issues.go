package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

const issueColumns = `id, server_id, fingerprint, title, description, severity, status, source,
	first_seen_at, last_seen_at, resolved_at, alert_count, metadata`

func (s *SQLiteStore) CreateIssue(ctx context.Context, i *types.Issue) error {
	meta, err := marshalJSON(i.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal issue metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.ID, i.ServerID, i.Fingerprint, i.Title, i.Description, i.Severity, i.Status, i.Source,
		i.FirstSeenAt, i.LastSeenAt, toNullTime(i.ResolvedAt), i.AlertCount, toNullString(meta))
	if err != nil {
		return fmt.Errorf("storage: create issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIssue(ctx context.Context, i *types.Issue) error {
	meta, err := marshalJSON(i.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal issue metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues SET title=?, description=?, severity=?, status=?, last_seen_at=?,
			resolved_at=?, alert_count=?, metadata=?
		WHERE id = ?
	`, i.Title, i.Description, i.Severity, i.Status, i.LastSeenAt,
		toNullTime(i.ResolvedAt), i.AlertCount, toNullString(meta), i.ID)
	if err != nil {
		return fmt.Errorf("storage: update issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("issue", i.ID)
	}
	return nil
}

func (s *SQLiteStore) scanIssue(row interface {
	Scan(dest ...any) error
}) (*types.Issue, error) {
	var i types.Issue
	var resolvedAt sql.NullTime
	var meta sql.NullString
	err := row.Scan(&i.ID, &i.ServerID, &i.Fingerprint, &i.Title, &i.Description, &i.Severity,
		&i.Status, &i.Source, &i.FirstSeenAt, &i.LastSeenAt, &resolvedAt, &i.AlertCount, &meta)
	if err != nil {
		return nil, err
	}
	i.ResolvedAt = fromNullTime(resolvedAt)
	if err := unmarshalJSON(meta, &i.Metadata); err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	i, err := s.scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("issue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get issue: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) GetActionableIssueByFingerprint(ctx context.Context, serverID, fingerprint string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE server_id = ? AND fingerprint = ? AND status IN (?, ?)
		ORDER BY first_seen_at DESC LIMIT 1
	`, serverID, fingerprint, types.IssueOpen, types.IssueInvestigating)
	i, err := s.scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get actionable issue by fingerprint: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, serverID string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues WHERE server_id = ? ORDER BY last_seen_at DESC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("storage: list issues: %w", err)
	}
	defer rows.Close()

	var out []*types.Issue
	for rows.Next() {
		i, err := s.scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan issue: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendIssueComment(ctx context.Context, c *types.IssueComment) error {
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal comment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issue_comments (id, issue_id, author_type, author_name, type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.IssueID, c.AuthorType, toNullString(c.AuthorName), c.Type, c.Content, toNullString(meta), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append issue comment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIssueComments(ctx context.Context, issueID string) ([]*types.IssueComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_type, author_name, type, content, metadata, created_at
		FROM issue_comments WHERE issue_id = ? ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("storage: list issue comments: %w", err)
	}
	defer rows.Close()

	var out []*types.IssueComment
	for rows.Next() {
		var c types.IssueComment
		var authorName, meta sql.NullString
		if err := rows.Scan(&c.ID, &c.IssueID, &c.AuthorType, &authorName, &c.Type, &c.Content, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan issue comment: %w", err)
		}
		c.AuthorName = authorName.String
		if err := unmarshalJSON(meta, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
