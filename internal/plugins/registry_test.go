package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
	"github.com/opsagent/agent/internal/vault"
)

type fakeCapability struct {
	initErr      error
	healthStatus types.HealthStatus
	healthErr    error
	shutdownErr  error
	tools        []types.PluginTool
	executed     []string
	execErr      error
	validateErr  error
}

func (f *fakeCapability) Initialize(ctx context.Context, config map[string]any) error { return f.initErr }
func (f *fakeCapability) Shutdown(ctx context.Context) error                          { return f.shutdownErr }
func (f *fakeCapability) CheckHealth(ctx context.Context) (types.HealthStatus, string, error) {
	return f.healthStatus, "", f.healthErr
}
func (f *fakeCapability) GetCapabilities() []string       { return []string{"restart", "inspect"} }
func (f *fakeCapability) GetTools() []types.PluginTool    { return f.tools }
func (f *fakeCapability) ValidateConfig(map[string]any) error { return nil }
func (f *fakeCapability) ValidateToolParams(toolName string, params map[string]any) error {
	return f.validateErr
}
func (f *fakeCapability) ExecuteTool(ctx context.Context, toolName string, params map[string]any, toolCtx ToolContext) (ExecResult, error) {
	f.executed = append(f.executed, toolName)
	if f.execErr != nil {
		return ExecResult{}, f.execErr
	}
	return ExecResult{Success: true, Output: "ok"}, nil
}

func lowRiskTool() types.PluginTool {
	return types.PluginTool{Name: "status", RiskLevel: types.RiskLow, RequiresApproval: false}
}

func adminTool() types.PluginTool {
	return types.PluginTool{Name: "restart-service", RiskLevel: types.RiskHigh, RequiresApproval: true}
}

func newTestRegistry(t *testing.T) (*Registry, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(time.Hour, store, events.NewBus(nil, nil), nil, nil), store
}

func TestRegisterPluginRejectsDuplicateID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}

	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{} }); err == nil {
		t.Fatal("expected conflict on duplicate registration")
	}
}

func TestUnregisterPluginFailsWithLiveInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{tools: []types.PluginTool{lowRiskTool()}} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{"host": "db"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := r.UnregisterPlugin(ctx, "pg"); err == nil {
		t.Fatal("expected unregister to fail while an instance exists")
	}
}

func TestCreateInstanceInitFailureLeavesNothingBehind(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{initErr: errors.New("connection refused")} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{}); err == nil {
		t.Fatal("expected create instance to surface init failure")
	}
	if len(r.GetServerInstances("srv-1")) != 0 {
		t.Fatal("expected no instance recorded after init failure")
	}
}

func TestExecuteToolLowRiskRunsImmediately(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability {
		return &fakeCapability{tools: []types.PluginTool{lowRiskTool()}}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	result, err := r.ExecuteTool(ctx, inst.ID, "status", nil, ToolContext{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if !result.Success || result.RequiresApproval {
		t.Fatalf("expected immediate success, got %+v", result)
	}
}

func TestExecuteToolHighRiskRequiresApprovalWithoutExecuting(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cap := &fakeCapability{tools: []types.PluginTool{adminTool()}}
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return cap }); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	result, err := r.ExecuteTool(ctx, inst.ID, "restart-service", nil, ToolContext{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if result.Success || !result.RequiresApproval || result.ApprovalRequest == nil {
		t.Fatalf("expected unexecuted approval-required result, got %+v", result)
	}
	if len(cap.executed) != 0 {
		t.Fatal("expected the backend to never be called before approval")
	}
}

func TestExecuteToolApprovalIDBypassesGate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cap := &fakeCapability{tools: []types.PluginTool{adminTool()}}
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return cap }); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	result, err := r.ExecuteTool(ctx, inst.ID, "restart-service", nil, ToolContext{ServerID: "srv-1", ApprovalID: "appr-1"})
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if !result.Success || result.RequiresApproval {
		t.Fatalf("expected approved call to execute immediately, got %+v", result)
	}
	if len(cap.executed) != 1 {
		t.Fatal("expected the backend to be called exactly once")
	}
}

func TestExecuteToolInvalidParamsNeverCallsBackend(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cap := &fakeCapability{tools: []types.PluginTool{lowRiskTool()}, validateErr: errors.New("missing required field")}
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return cap }); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	result, err := r.ExecuteTool(ctx, inst.ID, "status", nil, ToolContext{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("expected validation failure result, got %+v", result)
	}
	if len(cap.executed) != 0 {
		t.Fatal("expected the backend to never be called on invalid params")
	}
}

func TestExecuteToolRejectsDisabledInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{tools: []types.PluginTool{lowRiskTool()}} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := r.SetInstanceEnabled(ctx, inst.ID, false); err != nil {
		t.Fatalf("disable instance: %v", err)
	}

	if _, err := r.ExecuteTool(ctx, inst.ID, "status", nil, ToolContext{}); err == nil {
		t.Fatal("expected execute to reject a disabled instance")
	}
}

func TestRemoveInstanceCallsShutdownAndDeletesMetadata(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{tools: []types.PluginTool{lowRiskTool()}} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := r.RemoveInstance(ctx, inst.ID); err != nil {
		t.Fatalf("remove instance: %v", err)
	}
	if len(r.GetServerInstances("srv-1")) != 0 {
		t.Fatal("expected instance gone after removal")
	}
}

func TestCreateInstanceEncryptsSensitiveConfigAtRest(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	v, err := vault.New("0000000000000000000000000000000000000000000000000000000000000000"[:64])
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	r := New(time.Hour, store, events.NewBus(nil, nil), v, nil)
	ctx := context.Background()
	plugin := &types.Plugin{ID: "pg", Name: "postgres"}
	if err := r.RegisterPlugin(ctx, plugin, func() Capability { return &fakeCapability{tools: []types.PluginTool{lowRiskTool()}} }); err != nil {
		t.Fatalf("register: %v", err)
	}

	inst, err := r.CreateInstance(ctx, "pg", "srv-1", map[string]any{"password": "hunter2"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	stored, err := store.GetPluginInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get stored instance: %v", err)
	}
	pw, ok := stored.Config["password"].(string)
	if !ok || pw == "hunter2" {
		t.Fatalf("expected password encrypted at rest, got %v", stored.Config["password"])
	}
}
