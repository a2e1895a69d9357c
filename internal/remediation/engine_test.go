package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/opsagent/agent/internal/approval"
	"github.com/opsagent/agent/internal/audit"
	"github.com/opsagent/agent/internal/chatllm"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/issues"
	"github.com/opsagent/agent/internal/plugins"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

type fakeCapability struct {
	tools    []types.PluginTool
	executed []string
}

func (f *fakeCapability) Initialize(ctx context.Context, config map[string]any) error { return nil }
func (f *fakeCapability) Shutdown(ctx context.Context) error                          { return nil }
func (f *fakeCapability) CheckHealth(ctx context.Context) (types.HealthStatus, string, error) {
	return types.HealthHealthy, "", nil
}
func (f *fakeCapability) GetCapabilities() []string    { return []string{"restart"} }
func (f *fakeCapability) GetTools() []types.PluginTool { return f.tools }
func (f *fakeCapability) ValidateConfig(map[string]any) error { return nil }
func (f *fakeCapability) ValidateToolParams(toolName string, params map[string]any) error {
	return nil
}
func (f *fakeCapability) ExecuteTool(ctx context.Context, toolName string, params map[string]any, toolCtx plugins.ToolContext) (plugins.ExecResult, error) {
	f.executed = append(f.executed, toolName)
	return plugins.ExecResult{Success: true, Output: "restarted"}, nil
}

type fakeClient struct {
	content string
}

func (f *fakeClient) Complete(ctx context.Context, req chatllm.CompletionRequest) (chatllm.CompletionResponse, error) {
	return chatllm.CompletionResponse{Content: f.content}, nil
}

func lowRiskTool(name string) types.PluginTool {
	return types.PluginTool{Name: name, RiskLevel: types.RiskLow, RequiresApproval: false}
}

func highRiskTool(name string) types.PluginTool {
	return types.PluginTool{Name: name, RiskLevel: types.RiskHigh, RequiresApproval: true}
}

func newTestEngine(t *testing.T, cap *fakeCapability, client chatllm.Client, cfg types.AgentConfig) (*Engine, *plugins.Registry, storage.Store, string) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil, nil)
	registry := plugins.New(time.Hour, store, bus, nil, nil)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres", Type: "database"}
	if err := registry.RegisterPlugin(ctx, plugin, func() plugins.Capability { return cap }); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	inst, err := registry.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	approvals := approval.New(store, bus, nil)
	t.Cleanup(approvals.Shutdown)
	issuesMgr := issues.New(store, bus, nil)
	auditLog := audit.New(store, 0, nil)

	return New(client, registry, approvals, issuesMgr, auditLog, store, bus, cfg, nil), registry, store, inst.ID
}

func seedAlertAndIssue(t *testing.T, ctx context.Context, store storage.Store, issuesMgr *issues.Manager) *types.Alert {
	t.Helper()
	alert := &types.Alert{
		ID: "alert-1", ServerID: "srv-1", RuleID: "rule-1", Fingerprint: "fp-1",
		Severity: types.SeverityCritical, Status: types.AlertOpen, Message: "disk full",
		Metric: "disk.used_pct", CurrentValue: 97, Threshold: 90,
		CreatedAt: time.Now(), LastOccurredAt: time.Now(), Source: "rules", OccurrenceCount: 1,
	}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if _, err := issuesMgr.OnAlertNew(ctx, alert); err != nil {
		t.Fatalf("fold alert into issue: %v", err)
	}
	return alert
}

func TestAnalyzeAutoExecutesLowRiskActionUnderAutoRemediate(t *testing.T) {
	cap := &fakeCapability{tools: []types.PluginTool{lowRiskTool("vacuum")}}
	client := &fakeClient{}
	cfg := types.AgentConfig{Model: "gpt-4", AutoRemediate: true, PermissionLevel: types.PermissionFull}
	engine, _, store, instanceID := newTestEngine(t, cap, client, cfg)
	client.content = `{"summary":"disk usage high, vacuum recommended","canAutoRemediate":true,"requiresHumanAttention":false,"actions":[{"description":"run vacuum","toolName":"vacuum","instanceId":"` + instanceID + `","parameters":{},"riskLevel":"low"}]}`

	ctx := context.Background()
	issuesMgr := issues.New(store, nil, nil)
	alert := seedAlertAndIssue(t, ctx, store, issuesMgr)
	issue, err := store.GetActionableIssueByFingerprint(ctx, alert.ServerID, alert.Fingerprint)
	if err != nil || issue == nil {
		t.Fatalf("lookup issue: %v", err)
	}

	if err := engine.Analyze(ctx, alert, issue); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(cap.executed) != 1 || cap.executed[0] != "vacuum" {
		t.Fatalf("expected vacuum to auto-execute, got %+v", cap.executed)
	}

	result, err := engine.Results(ctx, alert.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if result == nil || len(result.Actions) != 1 {
		t.Fatalf("expected one stored action, got %+v", result)
	}
	if result.Actions[0].Status != ActionExecuted {
		t.Fatalf("expected action to be executed, got %s", result.Actions[0].Status)
	}
}

func TestAnalyzeLeavesHighRiskActionPendingAndApproveExecutesIt(t *testing.T) {
	cap := &fakeCapability{tools: []types.PluginTool{highRiskTool("restart-service")}}
	client := &fakeClient{}
	cfg := types.AgentConfig{Model: "gpt-4", AutoRemediate: true, PermissionLevel: types.PermissionFull}
	engine, _, store, instanceID := newTestEngine(t, cap, client, cfg)
	client.content = `{"summary":"service unresponsive","canAutoRemediate":false,"requiresHumanAttention":true,"actions":[{"description":"restart the service","toolName":"restart-service","instanceId":"` + instanceID + `","parameters":{},"riskLevel":"high"}]}`

	ctx := context.Background()
	issuesMgr := issues.New(store, nil, nil)
	alert := seedAlertAndIssue(t, ctx, store, issuesMgr)
	issue, err := store.GetActionableIssueByFingerprint(ctx, alert.ServerID, alert.Fingerprint)
	if err != nil || issue == nil {
		t.Fatalf("lookup issue: %v", err)
	}

	if err := engine.Analyze(ctx, alert, issue); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(cap.executed) != 0 {
		t.Fatalf("expected no auto-execution of a high-risk action, got %+v", cap.executed)
	}

	updatedIssue, err := store.GetIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if updatedIssue.Status != types.IssueInvestigating {
		t.Fatalf("expected issue escalated to investigating, got %s", updatedIssue.Status)
	}

	action, err := engine.ApproveAction(ctx, alert.ID, 0, "operator-1")
	if err != nil {
		t.Fatalf("approve action: %v", err)
	}
	if action.Status != ActionExecuted {
		t.Fatalf("expected action executed after approval, got %s", action.Status)
	}
	if len(cap.executed) != 1 {
		t.Fatalf("expected exactly one execution after approval, got %+v", cap.executed)
	}

	if _, err := engine.ApproveAction(ctx, alert.ID, 0, "operator-1"); err == nil {
		t.Fatal("expected re-approval of an already-executed action to fail")
	}
}
