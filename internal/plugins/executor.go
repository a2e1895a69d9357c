package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/types"
)

// ExecuteTool runs the registry's execute contract: reject an unusable
// instance, validate params without touching the backend on failure,
// gate on approval, then execute and emit the outcome.
func (r *Registry) ExecuteTool(ctx context.Context, instanceID, toolName string, params map[string]any, toolCtx ToolContext) (ExecResult, error) {
	entry, err := r.entry(instanceID)
	if err != nil {
		return ExecResult{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.meta.Enabled {
		return ExecResult{}, apperror.New(apperror.CodeConflict, "instance is disabled")
	}
	if entry.meta.Status == types.InstanceError {
		return ExecResult{}, apperror.New(apperror.CodeConflict, "instance is in error state")
	}

	tool, ok := findTool(entry.cap.GetTools(), toolName)
	if !ok {
		return ExecResult{}, apperror.NotFound("tool", toolName)
	}

	if err := entry.cap.ValidateToolParams(toolName, params); err != nil {
		return ExecResult{Success: false, Error: err.Error()}, nil
	}

	if toolRequiresApproval(tool, toolCtx) {
		return ExecResult{
			Success:          false,
			RequiresApproval: true,
			ApprovalRequest: &ApprovalDraft{
				Operation:  toolName,
				Parameters: params,
				Reason:     fmt.Sprintf("%s requires approval (risk: %s)", toolName, tool.RiskLevel),
				RiskLevel:  tool.RiskLevel,
			},
		}, nil
	}

	start := time.Now()
	result, execErr := entry.cap.ExecuteTool(ctx, toolName, params, toolCtx)
	duration := time.Since(start)
	if execErr != nil {
		result = ExecResult{Success: false, Error: execErr.Error()}
	}

	r.publish(events.EventPluginToolExecuted, "tool_executed", map[string]interface{}{
		"instance_id": instanceID,
		"tool":        toolName,
		"success":     result.Success,
		"duration_ms": duration.Milliseconds(),
	})

	return result, nil
}

func findTool(tools []types.PluginTool, name string) (types.PluginTool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return types.PluginTool{}, false
}

// toolRequiresApproval is true unless an approvalId is already attached
// to the call (a post-approval re-invocation) or the tool is low-risk
// and explicitly opted out of approval.
func toolRequiresApproval(tool types.PluginTool, toolCtx ToolContext) bool {
	if toolCtx.ApprovalID != "" {
		return false
	}
	if tool.RiskLevel == types.RiskLow && !tool.RequiresApproval {
		return false
	}
	return true
}
