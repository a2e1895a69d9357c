package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

// UpsertServer inserts or updates a server by id, used by bootstrap and
// heartbeat writes.
func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *types.Server) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, hostname, ip, os, first_seen_at, last_seen_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname=excluded.hostname, ip=excluded.ip, os=excluded.os,
			last_seen_at=excluded.last_seen_at, status=excluded.status
	`, srv.ID, srv.Hostname, srv.IP, srv.OS, srv.FirstSeenAt, srv.LastSeenAt, srv.Status)
	if err != nil {
		return fmt.Errorf("storage: upsert server: %w", err)
	}
	return nil
}

// GetServer looks up a server by id.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*types.Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, ip, os, first_seen_at, last_seen_at, status
		FROM servers WHERE id = ?
	`, id)

	var srv types.Server
	err := row.Scan(&srv.ID, &srv.Hostname, &srv.IP, &srv.OS, &srv.FirstSeenAt, &srv.LastSeenAt, &srv.Status)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("server", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get server: %w", err)
	}
	return &srv, nil
}

// ListServers returns every known server, most recently seen first.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*types.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, ip, os, first_seen_at, last_seen_at, status
		FROM servers ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list servers: %w", err)
	}
	defer rows.Close()

	var out []*types.Server
	for rows.Next() {
		var srv types.Server
		if err := rows.Scan(&srv.ID, &srv.Hostname, &srv.IP, &srv.OS, &srv.FirstSeenAt, &srv.LastSeenAt, &srv.Status); err != nil {
			return nil, fmt.Errorf("storage: scan server: %w", err)
		}
		out = append(out, &srv)
	}
	return out, rows.Err()
}
