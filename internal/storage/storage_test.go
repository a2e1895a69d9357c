package storage

import (
	"context"
	"testing"
	"time"

	"github.com/opsagent/agent/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := &types.Server{
		ID:          "srv-1",
		Hostname:    "host-a",
		IP:          "10.0.0.1",
		OS:          "linux",
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
		Status:      types.ServerActive,
	}
	if err := s.UpsertServer(ctx, srv); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	got, err := s.GetServer(ctx, "srv-1")
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got.Hostname != "host-a" {
		t.Errorf("expected hostname host-a, got %s", got.Hostname)
	}

	srv.Hostname = "host-b"
	if err := s.UpsertServer(ctx, srv); err != nil {
		t.Fatalf("re-upsert server: %v", err)
	}
	got, err = s.GetServer(ctx, "srv-1")
	if err != nil {
		t.Fatalf("get server after update: %v", err)
	}
	if got.Hostname != "host-b" {
		t.Errorf("expected updated hostname host-b, got %s", got.Hostname)
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := &types.Alert{
		ID:              "alert-1",
		ServerID:        "srv-1",
		RuleID:          "rule-cpu-usage",
		Fingerprint:     "fp-cpu-usage",
		Severity:        types.SeverityWarning,
		Status:          types.AlertOpen,
		Message:         "cpu usage high",
		Metric:          "cpu.usage",
		CurrentValue:    91.2,
		Threshold:       85,
		CreatedAt:       now,
		LastOccurredAt:  now,
		Source:          "intrinsic",
		OccurrenceCount: 1,
	}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	found, err := s.GetOpenAlertByFingerprint(ctx, "srv-1", "fp-cpu-usage")
	if err != nil {
		t.Fatalf("get open alert by fingerprint: %v", err)
	}
	if found == nil || found.ID != "alert-1" {
		t.Fatalf("expected to find alert-1, got %+v", found)
	}

	a.OccurrenceCount = 2
	a.CurrentValue = 95.0
	if err := s.UpdateAlert(ctx, a); err != nil {
		t.Fatalf("update alert: %v", err)
	}

	active, err := s.ListActiveAlerts(ctx, "srv-1")
	if err != nil {
		t.Fatalf("list active alerts: %v", err)
	}
	if len(active) != 1 || active[0].OccurrenceCount != 2 {
		t.Fatalf("expected one active alert with occurrence count 2, got %+v", active)
	}

	resolvedAt := now.Add(time.Minute)
	a.Status = types.AlertResolved
	a.ResolvedAt = &resolvedAt
	if err := s.UpdateAlert(ctx, a); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}

	active, err = s.ListActiveAlerts(ctx, "srv-1")
	if err != nil {
		t.Fatalf("list active alerts after resolve: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active alerts after resolution, got %d", len(active))
	}
}

func TestIssueFoldingAndComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	issue := &types.Issue{
		ID:          "issue-1",
		ServerID:    "srv-1",
		Fingerprint: "fp-cpu-usage",
		Title:       "CPU usage high",
		Description: "sustained high CPU usage",
		Severity:    types.SeverityWarning,
		Status:      types.IssueOpen,
		Source:      "rules",
		FirstSeenAt: now,
		LastSeenAt:  now,
		AlertCount:  1,
	}
	if err := s.CreateIssue(ctx, issue); err != nil {
		t.Fatalf("create issue: %v", err)
	}

	found, err := s.GetActionableIssueByFingerprint(ctx, "srv-1", "fp-cpu-usage")
	if err != nil {
		t.Fatalf("get actionable issue: %v", err)
	}
	if found == nil {
		t.Fatal("expected to find actionable issue")
	}

	issue.AlertCount = 2
	issue.LastSeenAt = now.Add(time.Minute)
	if err := s.UpdateIssue(ctx, issue); err != nil {
		t.Fatalf("update issue: %v", err)
	}

	comment := &types.IssueComment{
		ID:         "comment-1",
		IssueID:    issue.ID,
		AuthorType: types.AuthorAgent,
		Type:       types.CommentAlertFired,
		Content:    "alert fired again (2nd occurrence)",
		CreatedAt:  now,
	}
	if err := s.AppendIssueComment(ctx, comment); err != nil {
		t.Fatalf("append issue comment: %v", err)
	}

	comments, err := s.ListIssueComments(ctx, issue.ID)
	if err != nil {
		t.Fatalf("list issue comments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(comments))
	}

	issue.Status = types.IssueResolved
	resolvedAt := now.Add(2 * time.Minute)
	issue.ResolvedAt = &resolvedAt
	if err := s.UpdateIssue(ctx, issue); err != nil {
		t.Fatalf("resolve issue: %v", err)
	}

	found, err = s.GetActionableIssueByFingerprint(ctx, "srv-1", "fp-cpu-usage")
	if err != nil {
		t.Fatalf("get actionable issue after resolve: %v", err)
	}
	if found != nil {
		t.Fatalf("expected no actionable issue after resolution, got %+v", found)
	}
}

func TestPluginRegistrationBlocksWhileInstanceExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &types.Plugin{ID: "plugin-1", Name: "postgres", Version: "1.0.0", Type: "database"}
	if err := s.RegisterPlugin(ctx, p); err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	inst := &types.PluginInstance{
		ID:           "inst-1",
		ServerID:     "srv-1",
		PluginID:     "plugin-1",
		Status:       types.InstanceActive,
		HealthStatus: types.HealthUnknown,
		Enabled:      true,
		CreatedAt:    time.Now(),
	}
	if err := s.CreatePluginInstance(ctx, inst); err != nil {
		t.Fatalf("create plugin instance: %v", err)
	}

	if err := s.DeletePlugin(ctx, "plugin-1"); err == nil {
		t.Fatal("expected delete to fail while instance exists")
	}

	if err := s.DeletePluginInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("delete plugin instance: %v", err)
	}
	if err := s.DeletePlugin(ctx, "plugin-1"); err != nil {
		t.Fatalf("expected delete to succeed after instance removal: %v", err)
	}
}

func TestApprovalRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	req := &types.ApprovalRequest{
		ID:          "approval-1",
		ServerID:    "srv-1",
		PluginID:    "plugin-1",
		Operation:   "restart_service",
		RiskLevel:   types.RiskHigh,
		Reason:      "high risk operation",
		Status:      types.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := s.CreateApprovalRequest(ctx, req); err != nil {
		t.Fatalf("create approval request: %v", err)
	}

	pending, err := s.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("list pending approvals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	req.Status = types.ApprovalApproved
	respondedAt := now.Add(time.Minute)
	req.RespondedAt = &respondedAt
	req.RespondedBy = "operator@example.com"
	if err := s.UpdateApprovalRequest(ctx, req); err != nil {
		t.Fatalf("update approval request: %v", err)
	}

	pending, err = s.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("list pending approvals after approval: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending approvals, got %d", len(pending))
	}
}

func TestAuditLogQueryFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entries := []*types.AuditLogEntry{
		{ID: "audit-1", ServerID: "srv-1", PluginID: "plugin-1", Operation: "op-a", RiskLevel: types.RiskLow, Status: types.AuditSuccess, ExecutedBy: "system", CreatedAt: now},
		{ID: "audit-2", ServerID: "srv-1", PluginID: "plugin-2", Operation: "op-b", RiskLevel: types.RiskHigh, Status: types.AuditDenied, ExecutedBy: "system", CreatedAt: now.Add(time.Second)},
	}
	for _, e := range entries {
		if err := s.AppendAuditLogEntry(ctx, e); err != nil {
			t.Fatalf("append audit log entry: %v", err)
		}
	}

	got, err := s.QueryAuditLog(ctx, AuditFilter{PluginID: "plugin-2"})
	if err != nil {
		t.Fatalf("query audit log: %v", err)
	}
	if len(got) != 1 || got[0].ID != "audit-2" {
		t.Fatalf("expected only audit-2, got %+v", got)
	}

	got, err = s.QueryAuditLog(ctx, AuditFilter{Status: types.AuditSuccess})
	if err != nil {
		t.Fatalf("query audit log by status: %v", err)
	}
	if len(got) != 1 || got[0].ID != "audit-1" {
		t.Fatalf("expected only audit-1, got %+v", got)
	}
}
