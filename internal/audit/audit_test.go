package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

func newTestLog(t *testing.T) (*Log, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 0, nil), store
}

func TestLogOperationRedactsSensitiveAndLongFields(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	entry := &types.AuditLogEntry{
		ServerID:   "srv-1",
		PluginID:   "pg",
		Operation:  "connect",
		RiskLevel:  types.RiskLow,
		Status:     types.AuditSuccess,
		ExecutedBy: "agent",
		Parameters: map[string]any{
			"password": "hunter2",
			"host":     "db.internal",
			"note":     strings.Repeat("x", 25),
		},
	}
	if err := l.LogOperation(ctx, entry); err != nil {
		t.Fatalf("log operation: %v", err)
	}
	if entry.Parameters["password"] != "[REDACTED]" {
		t.Fatalf("expected password redacted, got %v", entry.Parameters["password"])
	}
	if entry.Parameters["note"] != "[REDACTED]" {
		t.Fatalf("expected long note redacted, got %v", entry.Parameters["note"])
	}
	if entry.Parameters["host"] != "db.internal" {
		t.Fatalf("expected short non-sensitive field untouched, got %v", entry.Parameters["host"])
	}
}

func TestQueryFiltersByServerID(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	for _, srv := range []string{"srv-1", "srv-2"} {
		if err := l.LogOperation(ctx, &types.AuditLogEntry{
			ServerID: srv, PluginID: "pg", Operation: "op", RiskLevel: types.RiskLow,
			Status: types.AuditSuccess, ExecutedBy: "agent",
		}); err != nil {
			t.Fatalf("log operation: %v", err)
		}
	}

	entries, err := l.Query(ctx, storage.AuditFilter{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].ServerID != "srv-1" {
		t.Fatalf("expected one entry for srv-1, got %+v", entries)
	}
}

func TestStatsAggregatesByStatusAndRisk(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	ops := []struct {
		status types.AuditStatus
		risk   types.RiskLevel
	}{
		{types.AuditSuccess, types.RiskLow},
		{types.AuditSuccess, types.RiskHigh},
		{types.AuditDenied, types.RiskHigh},
	}
	for _, op := range ops {
		if err := l.LogOperation(ctx, &types.AuditLogEntry{
			ServerID: "srv-1", PluginID: "pg", Operation: "op",
			RiskLevel: op.risk, Status: op.status, ExecutedBy: "agent",
		}); err != nil {
			t.Fatalf("log operation: %v", err)
		}
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("expected total 3, got %d", stats.Total)
	}
	if stats.ByStatus[types.AuditSuccess] != 2 || stats.ByStatus[types.AuditDenied] != 1 {
		t.Fatalf("unexpected status breakdown: %+v", stats.ByStatus)
	}
	if stats.ByRiskLevel[types.RiskHigh] != 2 {
		t.Fatalf("unexpected risk breakdown: %+v", stats.ByRiskLevel)
	}
	if stats.Last24Hours != 3 {
		t.Fatalf("expected all 3 entries within last 24h, got %d", stats.Last24Hours)
	}
}
