package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

const sessionColumns = `id, server_id, title, status, plugin_instance_ids, system_context,
	created_at, updated_at, closed_at, created_by`

func (s *SQLiteStore) CreateChatSession(ctx context.Context, sess *types.ChatSession) error {
	ids, err := marshalJSON(sess.PluginInstanceIDs)
	if err != nil {
		return fmt.Errorf("storage: marshal session plugin instance ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ServerID, sess.Title, sess.Status, toNullString(ids), toNullString(sess.SystemContext),
		sess.CreatedAt, sess.UpdatedAt, toNullTime(sess.ClosedAt), toNullString(sess.CreatedBy))
	if err != nil {
		return fmt.Errorf("storage: create chat session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateChatSession(ctx context.Context, sess *types.ChatSession) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET title=?, status=?, updated_at=?, closed_at=? WHERE id = ?
	`, sess.Title, sess.Status, sess.UpdatedAt, toNullTime(sess.ClosedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("storage: update chat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("chat_session", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*types.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)

	var sess types.ChatSession
	var ids, sysCtx, createdBy sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ServerID, &sess.Title, &sess.Status, &ids, &sysCtx,
		&sess.CreatedAt, &sess.UpdatedAt, &closedAt, &createdBy)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("chat_session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get chat session: %w", err)
	}
	sess.SystemContext = sysCtx.String
	sess.CreatedBy = createdBy.String
	sess.ClosedAt = fromNullTime(closedAt)
	if err := unmarshalJSON(ids, &sess.PluginInstanceIDs); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) AppendChatMessage(ctx context.Context, m *types.ChatMessage) error {
	calls, err := marshalJSON(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("storage: marshal tool calls: %w", err)
	}
	results, err := marshalJSON(m.ToolResults)
	if err != nil {
		return fmt.Errorf("storage: marshal tool results: %w", err)
	}
	meta, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, tool_calls, tool_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.Role, m.Content, toNullString(calls), toNullString(results), toNullString(meta), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append chat message: %w", err)
	}
	return nil
}

// ListChatSessionsByServer returns every session for a server, most
// recently updated first.
func (s *SQLiteStore) ListChatSessionsByServer(ctx context.Context, serverID string) ([]*types.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions WHERE server_id = ? ORDER BY updated_at DESC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chat sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.ChatSession
	for rows.Next() {
		var sess types.ChatSession
		var ids, sysCtx, createdBy sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ServerID, &sess.Title, &sess.Status, &ids, &sysCtx,
			&sess.CreatedAt, &sess.UpdatedAt, &closedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("storage: scan chat session: %w", err)
		}
		sess.SystemContext = sysCtx.String
		sess.CreatedBy = createdBy.String
		sess.ClosedAt = fromNullTime(closedAt)
		if err := unmarshalJSON(ids, &sess.PluginInstanceIDs); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chat messages: %w", err)
	}
	defer rows.Close()

	var out []*types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var calls, results, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &calls, &results, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chat message: %w", err)
		}
		if err := unmarshalJSON(calls, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(results, &m.ToolResults); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(meta, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
