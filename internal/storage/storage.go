// Package storage is the durable entity store. The domain only depends
// on the Store interface; SQLiteStore is the concrete adaptor, grounded
// on the teacher's embedded-schema-plus-WAL-pragma pattern and kept
// CGo-free via modernc.org/sqlite.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/opsagent/agent/internal/types"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store is the durable-entity adaptor the core depends on. Only the
// entities the core writes are specified; the underlying schema is not.
type Store interface {
	Close() error

	UpsertServer(ctx context.Context, s *types.Server) error
	GetServer(ctx context.Context, id string) (*types.Server, error)
	ListServers(ctx context.Context) ([]*types.Server, error)

	CreateAlert(ctx context.Context, a *types.Alert) error
	UpdateAlert(ctx context.Context, a *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	GetOpenAlertByFingerprint(ctx context.Context, serverID, fingerprint string) (*types.Alert, error)
	ListActiveAlerts(ctx context.Context, serverID string) ([]*types.Alert, error)

	CreateIssue(ctx context.Context, i *types.Issue) error
	UpdateIssue(ctx context.Context, i *types.Issue) error
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	GetActionableIssueByFingerprint(ctx context.Context, serverID, fingerprint string) (*types.Issue, error)
	ListIssues(ctx context.Context, serverID string) ([]*types.Issue, error)
	AppendIssueComment(ctx context.Context, c *types.IssueComment) error
	ListIssueComments(ctx context.Context, issueID string) ([]*types.IssueComment, error)

	RegisterPlugin(ctx context.Context, p *types.Plugin) error
	GetPlugin(ctx context.Context, id string) (*types.Plugin, error)
	ListPlugins(ctx context.Context) ([]*types.Plugin, error)
	DeletePlugin(ctx context.Context, id string) error

	CreatePluginInstance(ctx context.Context, inst *types.PluginInstance) error
	UpdatePluginInstance(ctx context.Context, inst *types.PluginInstance) error
	GetPluginInstance(ctx context.Context, id string) (*types.PluginInstance, error)
	DeletePluginInstance(ctx context.Context, id string) error
	ListInstancesByServer(ctx context.Context, serverID string) ([]*types.PluginInstance, error)
	ListInstancesByPlugin(ctx context.Context, pluginID string) ([]*types.PluginInstance, error)

	CreateChatSession(ctx context.Context, s *types.ChatSession) error
	UpdateChatSession(ctx context.Context, s *types.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*types.ChatSession, error)
	ListChatSessionsByServer(ctx context.Context, serverID string) ([]*types.ChatSession, error)
	AppendChatMessage(ctx context.Context, m *types.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error)

	CreateApprovalRequest(ctx context.Context, a *types.ApprovalRequest) error
	UpdateApprovalRequest(ctx context.Context, a *types.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*types.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context) ([]*types.ApprovalRequest, error)

	AppendAuditLogEntry(ctx context.Context, e *types.AuditLogEntry) error
	QueryAuditLog(ctx context.Context, f AuditFilter) ([]*types.AuditLogEntry, error)
}

// AuditFilter narrows an audit log query by any subset of its fields.
type AuditFilter struct {
	ServerID  string
	PluginID  string
	SessionID string
	RiskLevel types.RiskLevel
	Status    types.AuditStatus
	SinceTs   int64
	Limit     int
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create dir: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	if memory {
		// Bare ":memory:" gives every pooled connection its own empty
		// database; share one in-process instance across connections.
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check schema version: %w", err)
	}
	if version < schemaVersion {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
