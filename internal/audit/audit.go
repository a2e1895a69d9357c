// Package audit implements the Audit Log: an append-only record of every
// plugin tool invocation, redacted before it ever reaches storage or a
// client.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
	"github.com/opsagent/agent/internal/vault"
)

const (
	defaultMaxSize     = 10000
	redactLongStringAt = 20
)

// Stats summarizes the audit log for a dashboard widget.
type Stats struct {
	Total        int                     `json:"total"`
	ByStatus     map[types.AuditStatus]int `json:"by_status"`
	ByRiskLevel  map[types.RiskLevel]int   `json:"by_risk_level"`
	Last24Hours  int                     `json:"last_24_hours"`
}

// Log appends redacted AuditLogEntry records to durable storage and
// keeps a bounded in-memory ring buffer as a fast-path cache; storage
// remains the authoritative copy.
type Log struct {
	mu sync.Mutex

	store   storage.Store
	log     *zap.Logger
	maxSize int
	ring    []*types.AuditLogEntry
}

// New builds an audit Log. maxSize<=0 uses the default 10000-entry cache.
func New(store storage.Store, maxSize int, log *zap.Logger) *Log {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{store: store, log: log.Named("audit"), maxSize: maxSize}
}

// LogOperation redacts parameters and appends the entry to storage and
// the in-memory cache. Always appends, even for denied/failed/cancelled
// operations — a gap in the audit trail is a defect.
func (l *Log) LogOperation(ctx context.Context, entry *types.AuditLogEntry) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()
	entry.Parameters = redactParameters(entry.Parameters)

	if err := l.store.AppendAuditLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}

	l.mu.Lock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.maxSize {
		l.ring = l.ring[len(l.ring)-l.maxSize:]
	}
	l.mu.Unlock()

	return nil
}

// Query filters the durable, authoritative log by any subset of the
// given fields, sorted by createdAt descending.
func (l *Log) Query(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditLogEntry, error) {
	entries, err := l.store.QueryAuditLog(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// Stats aggregates the full durable log into summary counters.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	entries, err := l.store.QueryAuditLog(ctx, storage.AuditFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("audit: stats query: %w", err)
	}

	stats := Stats{
		ByStatus:    make(map[types.AuditStatus]int),
		ByRiskLevel: make(map[types.RiskLevel]int),
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByRiskLevel[e.RiskLevel]++
		if e.CreatedAt.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}

// redactParameters applies the vault's sensitive-field rule plus a
// length heuristic: any string value over 20 characters is treated as
// potentially sensitive free text and collapsed.
func redactParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if vault.IsSensitiveField(k) || len(str) > redactLongStringAt {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = str
	}
	return out
}
