package chatllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/approval"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/plugins"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

// StreamEventType identifies one event in a turn's lazy event sequence.
type StreamEventType string

const (
	StreamMessage          StreamEventType = "message"
	StreamTyping           StreamEventType = "typing"
	StreamToolExecution    StreamEventType = "tool_execution"
	StreamToolResult       StreamEventType = "tool_result"
	StreamApprovalRequired StreamEventType = "approval_required"
	StreamError            StreamEventType = "error"
)

// StreamEvent is one item of a HandleTurn event sequence. Only the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type            StreamEventType
	Message         *types.ChatMessage
	ToolName        string
	ToolCallID      string
	Result          *plugins.ExecResult
	ApprovalRequest *types.ApprovalRequest
	Err             string
}

// Orchestrator drives the per-session tool-calling loop.
type Orchestrator struct {
	store     storage.Store
	registry  *plugins.Registry
	approvals *approval.Manager
	client    Client
	bus       *events.Bus
	log       *zap.Logger
}

// New builds a chat Orchestrator.
func New(store storage.Store, registry *plugins.Registry, approvals *approval.Manager, client Client, bus *events.Bus, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, registry: registry, approvals: approvals, client: client, bus: bus, log: log.Named("chatllm")}
}

// CreateSession records the selected instances, builds the system
// prompt, and appends it as the session's first message.
func (o *Orchestrator) CreateSession(ctx context.Context, serverID string, instanceIDs []string, title, createdBy string) (*types.ChatSession, error) {
	now := time.Now()
	prompt := o.buildSystemPrompt(instanceIDs)

	sess := &types.ChatSession{
		ID:                uuid.New().String(),
		ServerID:          serverID,
		Title:             title,
		Status:            types.SessionActive,
		PluginInstanceIDs: instanceIDs,
		SystemContext:     prompt,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         createdBy,
	}
	if err := o.store.CreateChatSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("chatllm: create session: %w", err)
	}

	sysMsg := &types.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      types.RoleSystem,
		Content:   prompt,
		CreatedAt: now,
	}
	if err := o.store.AppendChatMessage(ctx, sysMsg); err != nil {
		return nil, fmt.Errorf("chatllm: append system message: %w", err)
	}
	return sess, nil
}

func (o *Orchestrator) buildSystemPrompt(instanceIDs []string) string {
	var b strings.Builder
	b.WriteString("You are an operations assistant with access to the following plugin instances:\n")
	for _, id := range instanceIDs {
		meta, err := o.registry.InstanceMeta(id)
		if err != nil {
			continue
		}
		name := meta.PluginID
		if plugin, ok := o.registry.Plugin(meta.PluginID); ok {
			name = fmt.Sprintf("%s (%s)", plugin.Name, plugin.Type)
		}
		tools, _ := o.registry.GetInstanceTools(id)
		var toolNames []string
		for _, t := range tools {
			toolNames = append(toolNames, fmt.Sprintf("%s[risk:%s]", t.Name, t.RiskLevel))
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(toolNames, ", "))
	}
	b.WriteString("Risk posture: low-risk read tools execute immediately; medium, high, and critical tools require human approval before they run.\n")
	return b.String()
}

// HandleTurn runs one user turn and returns a channel carrying its lazy
// ordered event sequence. The channel closes when the turn completes.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userMessage, userID string) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		o.runTurn(ctx, sessionID, userMessage, userID, out)
	}()
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, sessionID, userMessage, userID string, out chan<- StreamEvent) {
	sess, err := o.store.GetChatSession(ctx, sessionID)
	if err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}

	// 1. Append user message.
	userMsg := &types.ChatMessage{ID: uuid.New().String(), SessionID: sessionID, Role: types.RoleUser, Content: userMessage, CreatedAt: time.Now()}
	if err := o.store.AppendChatMessage(ctx, userMsg); err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}
	out <- StreamEvent{Type: StreamMessage, Message: userMsg}

	history, err := o.store.ListChatMessages(ctx, sessionID)
	if err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}

	// 2. Compose tool definitions from all instances' tools.
	toolDefs, toolOwner := o.toolDefinitions(sess.PluginInstanceIDs)

	out <- StreamEvent{Type: StreamTyping}

	// 3. Call the LLM with the full message history and tool set.
	completion, err := o.client.Complete(ctx, CompletionRequest{Messages: dereferenceAll(history), Tools: toolDefs})
	if err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}

	assistantMsg := &types.ChatMessage{
		ID: uuid.New().String(), SessionID: sessionID, Role: types.RoleAssistant,
		Content: completion.Content, ToolCalls: completion.ToolCalls, CreatedAt: time.Now(),
	}

	// 4. Execute any requested tool calls.
	executedAny := false
	for _, call := range completion.ToolCalls {
		instanceID, ok := toolOwner[call.ToolName]
		if !ok {
			assistantMsg.ToolResults = append(assistantMsg.ToolResults, types.ToolResult{ToolCallID: call.ID, Error: "no instance owns this tool"})
			continue
		}

		out <- StreamEvent{Type: StreamToolExecution, ToolName: call.ToolName, ToolCallID: call.ID}

		execResult, execErr := o.registry.ExecuteTool(ctx, instanceID, call.ToolName, call.Parameters, plugins.ToolContext{
			ServerID: sess.ServerID, SessionID: sessionID, UserID: userID,
		})
		if execErr != nil {
			execResult = plugins.ExecResult{Success: false, Error: execErr.Error()}
		}

		if execResult.RequiresApproval && execResult.ApprovalRequest != nil {
			meta, _ := o.registry.InstanceMeta(instanceID)
			req, aerr := o.approvals.CreateRequest(ctx, approval.CreateRequestInput{
				ServerID:   sess.ServerID,
				PluginID:   meta.PluginID,
				SessionID:  sessionID,
				Operation:  execResult.ApprovalRequest.Operation,
				Parameters: execResult.ApprovalRequest.Parameters,
				RiskLevel:  execResult.ApprovalRequest.RiskLevel,
				Reason:     execResult.ApprovalRequest.Reason,
			})
			if aerr != nil {
				out <- StreamEvent{Type: StreamError, Err: aerr.Error()}
				assistantMsg.ToolResults = append(assistantMsg.ToolResults, types.ToolResult{ToolCallID: call.ID, Error: aerr.Error()})
				continue
			}
			out <- StreamEvent{Type: StreamApprovalRequired, ToolCallID: call.ID, ApprovalRequest: req}
			assistantMsg.ToolResults = append(assistantMsg.ToolResults, types.ToolResult{
				ToolCallID: call.ID,
				Output:     map[string]any{"requiresApproval": true, "approvalId": req.ID},
			})
			continue
		}

		executedAny = true
		assistantMsg.ToolResults = append(assistantMsg.ToolResults, types.ToolResult{ToolCallID: call.ID, Output: execResult.Output, Error: execResult.Error})
		out <- StreamEvent{Type: StreamToolResult, ToolCallID: call.ID, Result: &execResult}
	}

	// 5. Persist the assistant message, then one tool message per result.
	if err := o.store.AppendChatMessage(ctx, assistantMsg); err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}
	out <- StreamEvent{Type: StreamMessage, Message: assistantMsg}

	for _, tr := range assistantMsg.ToolResults {
		serialised, _ := json.Marshal(tr)
		toolMsg := &types.ChatMessage{
			ID: uuid.New().String(), SessionID: sessionID, Role: types.RoleTool,
			Content: string(serialised), CreatedAt: time.Now(),
		}
		if err := o.store.AppendChatMessage(ctx, toolMsg); err != nil {
			out <- StreamEvent{Type: StreamError, Err: err.Error()}
			return
		}
	}

	// 6. If any tool executed, issue a single follow-up call to narrate.
	if !executedAny {
		return
	}

	history, err = o.store.ListChatMessages(ctx, sessionID)
	if err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}
	followUp, err := o.client.Complete(ctx, CompletionRequest{Messages: dereferenceAll(history)})
	if err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}
	narration := &types.ChatMessage{ID: uuid.New().String(), SessionID: sessionID, Role: types.RoleAssistant, Content: followUp.Content, CreatedAt: time.Now()}
	if err := o.store.AppendChatMessage(ctx, narration); err != nil {
		out <- StreamEvent{Type: StreamError, Err: err.Error()}
		return
	}
	out <- StreamEvent{Type: StreamMessage, Message: narration}
}

// toolDefinitions composes every instance's tools into the wire tool set,
// annotating each description with risk/category/approval per §4.7, and
// returns the toolName→instanceID ownership map ExecuteTool dispatch needs.
func (o *Orchestrator) toolDefinitions(instanceIDs []string) ([]ToolDef, map[string]string) {
	var defs []ToolDef
	owner := make(map[string]string)
	for _, id := range instanceIDs {
		tools, err := o.registry.GetInstanceTools(id)
		if err != nil {
			continue
		}
		for _, t := range tools {
			approvalSuffix := ""
			if t.RequiresApproval {
				approvalSuffix = " [Requires Approval]"
			}
			defs = append(defs, ToolDef{
				Name:        t.Name,
				Description: fmt.Sprintf("%s [Risk: %s] [Category: %s]%s", t.Description, t.RiskLevel, t.Category, approvalSuffix),
				Parameters:  t.Parameters,
			})
			owner[t.Name] = id
		}
	}
	return defs, owner
}

func dereferenceAll(msgs []*types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}
