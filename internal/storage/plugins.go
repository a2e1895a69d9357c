package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

func (s *SQLiteStore) RegisterPlugin(ctx context.Context, p *types.Plugin) error {
	caps, err := marshalJSON(p.Capabilities)
	if err != nil {
		return fmt.Errorf("storage: marshal plugin capabilities: %w", err)
	}
	tools, err := marshalJSON(p.Tools)
	if err != nil {
		return fmt.Errorf("storage: marshal plugin tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, name, version, type, description, capabilities, tools)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Version, p.Type, p.Description, toNullString(caps), toNullString(tools))
	if err != nil {
		return fmt.Errorf("storage: register plugin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanPlugin(row interface {
	Scan(dest ...any) error
}) (*types.Plugin, error) {
	var p types.Plugin
	var caps, tools sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Type, &p.Description, &caps, &tools)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(caps, &p.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tools, &p.Tools); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetPlugin(ctx context.Context, id string) (*types.Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, type, description, capabilities, tools FROM plugins WHERE id = ?
	`, id)
	p, err := s.scanPlugin(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("plugin", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get plugin: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPlugins(ctx context.Context) ([]*types.Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, type, description, capabilities, tools FROM plugins ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list plugins: %w", err)
	}
	defer rows.Close()

	var out []*types.Plugin
	for rows.Next() {
		p, err := s.scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePlugin fails with apperror.CodeConflict if any instance of it
// still exists, matching the registry's unregister invariant.
func (s *SQLiteStore) DeletePlugin(ctx context.Context, id string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugin_instances WHERE plugin_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("storage: count plugin instances: %w", err)
	}
	if count > 0 {
		return apperror.New(apperror.CodeConflict, "plugin has active instances")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("plugin", id)
	}
	return nil
}

const instanceColumns = `id, server_id, plugin_id, config, status, health_status, health_message,
	enabled, last_health_check, created_at`

func (s *SQLiteStore) CreatePluginInstance(ctx context.Context, inst *types.PluginInstance) error {
	cfg, err := marshalJSON(inst.Config)
	if err != nil {
		return fmt.Errorf("storage: marshal instance config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.ServerID, inst.PluginID, cfg, inst.Status, inst.HealthStatus,
		toNullString(inst.HealthMessage), inst.Enabled, inst.LastHealthCheck, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create plugin instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePluginInstance(ctx context.Context, inst *types.PluginInstance) error {
	cfg, err := marshalJSON(inst.Config)
	if err != nil {
		return fmt.Errorf("storage: marshal instance config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_instances SET config=?, status=?, health_status=?, health_message=?,
			enabled=?, last_health_check=?
		WHERE id = ?
	`, cfg, inst.Status, inst.HealthStatus, toNullString(inst.HealthMessage),
		inst.Enabled, inst.LastHealthCheck, inst.ID)
	if err != nil {
		return fmt.Errorf("storage: update plugin instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("plugin_instance", inst.ID)
	}
	return nil
}

func (s *SQLiteStore) scanInstance(row interface {
	Scan(dest ...any) error
}) (*types.PluginInstance, error) {
	var inst types.PluginInstance
	var cfg sql.NullString
	var healthMsg sql.NullString
	var lastCheck sql.NullTime
	err := row.Scan(&inst.ID, &inst.ServerID, &inst.PluginID, &cfg, &inst.Status, &inst.HealthStatus,
		&healthMsg, &inst.Enabled, &lastCheck, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	inst.HealthMessage = healthMsg.String
	if t := fromNullTime(lastCheck); t != nil {
		inst.LastHealthCheck = *t
	}
	if err := unmarshalJSON(cfg, &inst.Config); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLiteStore) GetPluginInstance(ctx context.Context, id string) (*types.PluginInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM plugin_instances WHERE id = ?`, id)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("plugin_instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get plugin instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) DeletePluginInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugin_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete plugin instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("plugin_instance", id)
	}
	return nil
}

func (s *SQLiteStore) ListInstancesByServer(ctx context.Context, serverID string) ([]*types.PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM plugin_instances WHERE server_id = ? ORDER BY created_at ASC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances by server: %w", err)
	}
	defer rows.Close()
	return s.collectInstances(rows)
}

func (s *SQLiteStore) ListInstancesByPlugin(ctx context.Context, pluginID string) ([]*types.PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM plugin_instances WHERE plugin_id = ? ORDER BY created_at ASC
	`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances by plugin: %w", err)
	}
	defer rows.Close()
	return s.collectInstances(rows)
}

func (s *SQLiteStore) collectInstances(rows *sql.Rows) ([]*types.PluginInstance, error) {
	var out []*types.PluginInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan plugin instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
