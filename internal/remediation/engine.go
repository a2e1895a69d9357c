// Package remediation implements the autonomous agent loop: it asks the
// LLM to analyze an Issue against the tools its server's plugin
// instances expose, proposes an indexed list of remediation actions, and
// executes the ones the operator (or the AutoRemediate policy) approves.
package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/approval"
	"github.com/opsagent/agent/internal/audit"
	"github.com/opsagent/agent/internal/chatllm"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/issues"
	"github.com/opsagent/agent/internal/plugins"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

// ActionStatus tracks one proposed action through its lifecycle.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionExecuted ActionStatus = "executed"
	ActionRejected ActionStatus = "rejected"
	ActionFailed   ActionStatus = "failed"
)

// ProposedAction is one indexable remediation step the agent proposed.
// It lives inside an Alert's Metadata, not a dedicated table — spec
// storage is illustrative, not normative, and Alert already carries a
// freeform Metadata bag.
type ProposedAction struct {
	Description string          `json:"description"`
	ToolName    string          `json:"toolName"`
	InstanceID  string          `json:"instanceId"`
	Parameters  map[string]any  `json:"parameters"`
	RiskLevel   types.RiskLevel `json:"riskLevel"`
	Status      ActionStatus    `json:"status"`
	ApprovalID  string          `json:"approvalId,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Result is the LLM's structured analysis of an issue.
type Result struct {
	Summary                string           `json:"summary"`
	CanAutoRemediate       bool             `json:"canAutoRemediate"`
	RequiresHumanAttention bool             `json:"requiresHumanAttention"`
	Actions                []ProposedAction `json:"actions"`
}

const metadataKey = "agent_result"

// Engine drives the analyze-then-approve loop for issues.
type Engine struct {
	client    chatllm.Client
	registry  *plugins.Registry
	approvals *approval.Manager
	issuesMgr *issues.Manager
	audit     *audit.Log
	store     storage.Store
	bus       *events.Bus
	cfg       types.AgentConfig
	log       *zap.Logger
}

// New builds a remediation Engine. An empty cfg.Model disables analysis:
// Analyze becomes a no-op so the agent can run with no LLM configured.
func New(client chatllm.Client, registry *plugins.Registry, approvals *approval.Manager, issuesMgr *issues.Manager, auditLog *audit.Log, store storage.Store, bus *events.Bus, cfg types.AgentConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		client: client, registry: registry, approvals: approvals, issuesMgr: issuesMgr,
		audit: auditLog, store: store, bus: bus, cfg: cfg, log: log.Named("remediation"),
	}
}

// Analyze asks the LLM to propose remediation actions for an alert/issue
// pair, persists the analysis onto the issue's comment timeline, stores
// the indexed action list on the alert's metadata, and auto-executes any
// low-risk action when the agent is configured for AutoRemediate.
func (e *Engine) Analyze(ctx context.Context, alert *types.Alert, issue *types.Issue) error {
	if e.cfg.Model == "" {
		return nil
	}

	toolDefs, toolOwner := e.toolDefinitions(alert.ServerID)
	prompt := buildAnalysisPrompt(alert, issue, toolDefs)

	completion, err := e.client.Complete(ctx, chatllm.CompletionRequest{
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: prompt}},
	})
	if err != nil {
		return fmt.Errorf("remediation: analyze: %w", err)
	}

	result := parseAnalysis(completion.Content)
	for i := range result.Actions {
		result.Actions[i].Status = ActionPending
		if _, ok := toolOwner[result.Actions[i].ToolName]; !ok && result.Actions[i].InstanceID == "" {
			result.Actions[i].Error = "no instance owns this tool"
		}
	}

	if _, err := e.issuesMgr.AgentAnalysis(ctx, issue.ID, result.Summary, result.CanAutoRemediate, result.RequiresHumanAttention); err != nil {
		return fmt.Errorf("remediation: record analysis: %w", err)
	}

	autoRemediate := e.cfg.AutoRemediate && e.cfg.PermissionLevel != types.PermissionReadonly
	for i := range result.Actions {
		action := &result.Actions[i]
		if action.Error != "" {
			continue
		}
		if autoRemediate && action.RiskLevel == types.RiskLow {
			e.execute(ctx, issue, action, "auto-remediate")
			continue
		}
		// Not auto-executed: raise a standing approval request so the
		// action surfaces in the unified approval queue alongside
		// chat-triggered ones, even though it's resolved through
		// ApproveAction rather than the approval endpoints.
		meta, _ := e.registry.InstanceMeta(action.InstanceID)
		pluginID := ""
		if meta != nil {
			pluginID = meta.PluginID
		}
		req, aerr := e.approvals.CreateRequest(ctx, approval.CreateRequestInput{
			ServerID: alert.ServerID, PluginID: pluginID, Operation: action.ToolName,
			Parameters: action.Parameters, RiskLevel: action.RiskLevel,
			Reason: fmt.Sprintf("agent-proposed: %s", action.Description),
		})
		if aerr != nil {
			e.log.Error("create standing approval failed", zap.Error(aerr))
			continue
		}
		action.ApprovalID = req.ID
	}

	return e.saveResult(ctx, alert, result)
}

// Results returns the most recently stored agent result for an alert, if
// any analysis has run.
func (e *Engine) Results(ctx context.Context, alertID string) (*Result, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("remediation: get alert: %w", err)
	}
	return loadResult(alert), nil
}

// ApproveAction executes the action at actionIndex on an alert's most
// recent agent result. It is idempotent against re-approval: an action
// that isn't pending returns a conflict.
func (e *Engine) ApproveAction(ctx context.Context, alertID string, actionIndex int, approvedBy string) (*ProposedAction, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("remediation: get alert: %w", err)
	}

	result := loadResult(alert)
	if result == nil || actionIndex < 0 || actionIndex >= len(result.Actions) {
		return nil, apperror.NotFound("agent action", fmt.Sprintf("%s[%d]", alertID, actionIndex))
	}
	action := &result.Actions[actionIndex]
	if action.Status != ActionPending {
		return nil, apperror.New(apperror.CodeConflict, fmt.Sprintf("action is %s, not pending", action.Status))
	}

	issue, err := e.store.GetActionableIssueByFingerprint(ctx, alert.ServerID, alert.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("remediation: lookup issue: %w", err)
	}
	if issue == nil {
		return nil, apperror.NotFound("issue", alert.Fingerprint)
	}

	if action.ApprovalID != "" {
		if _, aerr := e.approvals.Approve(ctx, action.ApprovalID, approvedBy, "approved via agent results"); aerr != nil {
			return nil, fmt.Errorf("remediation: resolve standing approval: %w", aerr)
		}
	}

	action.Status = ActionApproved
	e.execute(ctx, issue, action, approvedBy)

	if err := e.saveResult(ctx, alert, *result); err != nil {
		return nil, err
	}
	return action, nil
}

// execute runs one action via the plugin registry, bypassing the
// per-tool approval gate (this call IS the approval) and recording the
// outcome to the audit log and the issue timeline.
func (e *Engine) execute(ctx context.Context, issue *types.Issue, action *ProposedAction, executedBy string) {
	start := time.Now()
	result, err := e.registry.ExecuteTool(ctx, action.InstanceID, action.ToolName, action.Parameters, plugins.ToolContext{
		ServerID: issue.ServerID, ApprovalID: "agent:" + executedBy,
	})
	duration := time.Since(start)
	if err != nil {
		result = plugins.ExecResult{Success: false, Error: err.Error()}
	}

	if result.Success {
		action.Status = ActionExecuted
	} else {
		action.Status = ActionFailed
	}
	action.Output = stringifyOutput(result.Output)
	action.Error = result.Error

	meta, _ := e.registry.InstanceMeta(action.InstanceID)
	pluginID := ""
	if meta != nil {
		pluginID = meta.PluginID
	}
	status := types.AuditSuccess
	if !result.Success {
		status = types.AuditFailed
	}
	if e.audit != nil {
		if auditErr := e.audit.LogOperation(ctx, &types.AuditLogEntry{
			ServerID: issue.ServerID, PluginID: pluginID, Operation: action.ToolName,
			Parameters: action.Parameters, RiskLevel: action.RiskLevel, Status: status,
			Result: action.Output, Error: result.Error, ExecutedBy: executedBy,
			ExecutionTimeMs: duration.Milliseconds(),
		}); auditErr != nil {
			e.log.Error("audit log failed", zap.Error(auditErr))
		}
	}

	if err := e.issuesMgr.ActionRecorded(ctx, issue.ID, action.ToolName, result.Success, action.Output, result.Error); err != nil {
		e.log.Error("record action failed", zap.Error(err))
	}

	e.publish(issue.ServerID, action)
}

func (e *Engine) saveResult(ctx context.Context, alert *types.Alert, result Result) error {
	if alert.Metadata == nil {
		alert.Metadata = map[string]any{}
	}
	alert.Metadata[metadataKey] = result
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return fmt.Errorf("remediation: save result: %w", err)
	}
	e.publish(alert.ServerID, nil)
	return nil
}

func (e *Engine) publish(serverID string, action *ProposedAction) {
	if e.bus == nil {
		return
	}
	payload := map[string]interface{}{"server_id": serverID}
	if action != nil {
		payload["action"] = action
	}
	e.bus.Publish(events.NewEvent(events.EventAgentResult, "remediation", serverID, events.PriorityNormal, payload))
}

func (e *Engine) toolDefinitions(serverID string) ([]chatllm.ToolDef, map[string]string) {
	var defs []chatllm.ToolDef
	owner := make(map[string]string)
	for _, inst := range e.registry.GetServerInstances(serverID) {
		tools, err := e.registry.GetInstanceTools(inst.ID)
		if err != nil {
			continue
		}
		for _, t := range tools {
			defs = append(defs, chatllm.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
			owner[t.Name] = inst.ID
		}
	}
	return defs, owner
}

func buildAnalysisPrompt(alert *types.Alert, issue *types.Issue, tools []chatllm.ToolDef) string {
	var toolLines strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&toolLines, "- %s: %s\n", t.Name, t.Description)
	}
	return fmt.Sprintf(`An alert fired on a monitored server and needs triage.

Alert: %s (severity: %s, metric: %s, value: %.2f, threshold: %.2f)
Issue: %s
Occurrences: %d

Available tools:
%s
Respond with a JSON object of the form {"summary": "...", "canAutoRemediate": bool, "requiresHumanAttention": bool, "actions": [{"description": "...", "toolName": "...", "instanceId": "...", "parameters": {...}, "riskLevel": "low|medium|high|critical"}]}.`,
		alert.Message, alert.Severity, alert.Metric, alert.CurrentValue, alert.Threshold,
		issue.Description, issue.AlertCount, toolLines.String())
}

// stringifyOutput normalizes a tool's arbitrary Output value to the
// string ProposedAction and AuditLogEntry both store it as.
func stringifyOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func parseAnalysis(raw string) Result {
	if span := extractBalancedJSON(raw); span != "" {
		var result Result
		if err := json.Unmarshal([]byte(span), &result); err == nil {
			return result
		}
	}
	return Result{Summary: raw}
}

// loadResult decodes the agent result stored on an alert's metadata,
// round-tripping through JSON since it comes back from storage as a
// generic map[string]any.
func loadResult(alert *types.Alert) *Result {
	if alert == nil || alert.Metadata == nil {
		return nil
	}
	raw, ok := alert.Metadata[metadataKey]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var result Result
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil
	}
	return &result
}

// extractBalancedJSON returns the first balanced {...} span in s,
// tracking string literals so braces inside quoted text don't unbalance
// the count.
func extractBalancedJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
