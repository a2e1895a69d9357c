// Package plugins implements the Plugin Registry: a type catalogue of
// backend connectors plus per-server instance lifecycle, health
// supervision, and the approval-gated tool execution contract.
package plugins

import (
	"context"

	"github.com/opsagent/agent/internal/types"
)

// ToolContext carries the identity of whoever is invoking a tool, and an
// approvalId once a previously-gated call has been approved.
type ToolContext struct {
	ServerID   string
	SessionID  string
	UserID     string
	ApprovalID string
}

// ApprovalDraft is the shape of an approval request a Capability's
// ExecuteTool (or the registry itself, ahead of calling it) proposes when
// a tool invocation needs a human decision first.
type ApprovalDraft struct {
	Operation  string
	Parameters map[string]any
	Reason     string
	RiskLevel  types.RiskLevel
}

// ExecResult is the outcome of executeTool: either a completed invocation
// or an unexecuted one awaiting approval.
type ExecResult struct {
	Success          bool
	Output           any
	Error            string
	RequiresApproval bool
	ApprovalRequest  *ApprovalDraft
}

// Capability is the contract every plugin implementation must satisfy.
// An instance owns its backend connection exclusively from Initialize
// until Shutdown.
type Capability interface {
	Initialize(ctx context.Context, config map[string]any) error
	Shutdown(ctx context.Context) error
	CheckHealth(ctx context.Context) (types.HealthStatus, string, error)
	GetCapabilities() []string
	GetTools() []types.PluginTool
	ExecuteTool(ctx context.Context, toolName string, params map[string]any, toolCtx ToolContext) (ExecResult, error)
	ValidateConfig(config map[string]any) error
	ValidateToolParams(toolName string, params map[string]any) error
}

// Factory constructs a fresh, uninitialized Capability for one instance.
// Registered alongside the Plugin metadata it backs.
type Factory func() Capability
