// Package issues implements the Issue Manager: it folds the Alert stream
// into durable Issues with an append-only comment timeline, keyed by the
// same fingerprint scheme the Alert Manager uses for dedup.
package issues

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

// Manager folds Alerts into Issues and their comment timelines. Timeline
// writes are append-only; the agent never deletes a comment.
type Manager struct {
	store storage.Store
	bus   *events.Bus
	log   *zap.Logger
}

// New builds an Issue Manager.
func New(store storage.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, bus: bus, log: log.Named("issues")}
}

// OnAlertNew folds a newly-created Alert into the issue timeline: attach
// to the existing open/investigating issue for this fingerprint, or open
// a new one.
func (m *Manager) OnAlertNew(ctx context.Context, alert *types.Alert) (*types.Issue, error) {
	existing, err := m.store.GetActionableIssueByFingerprint(ctx, alert.ServerID, alert.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("issues: lookup by fingerprint: %w", err)
	}

	if existing != nil {
		existing.AlertCount++
		existing.LastSeenAt = alert.LastOccurredAt
		if err := m.store.UpdateIssue(ctx, existing); err != nil {
			return nil, fmt.Errorf("issues: update folded issue: %w", err)
		}

		elapsed := alert.LastOccurredAt.Sub(existing.FirstSeenAt)
		m.appendComment(ctx, existing.ID, types.AuthorAgent, types.CommentAlertFired,
			fmt.Sprintf("alert fired again (occurrence %d, %s since first seen)", existing.AlertCount, elapsed.Round(time.Second)),
			map[string]any{"occurrence": existing.AlertCount, "elapsed_ms": elapsed.Milliseconds()})

		m.publish(existing, "updated")
		return existing, nil
	}

	issue := &types.Issue{
		ID:          uuid.New().String(),
		ServerID:    alert.ServerID,
		Fingerprint: alert.Fingerprint,
		Title:       alert.Message,
		Description: fmt.Sprintf("%s: %s", alert.Metric, alert.Message),
		Severity:    alert.Severity,
		Status:      types.IssueOpen,
		Source:      alert.Source,
		FirstSeenAt: alert.CreatedAt,
		LastSeenAt:  alert.LastOccurredAt,
		AlertCount:  1,
	}
	if err := m.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("issues: create issue: %w", err)
	}

	m.appendComment(ctx, issue.ID, types.AuthorAgent, types.CommentAlertFired,
		fmt.Sprintf("alert fired: %s", alert.Message), nil)

	m.publish(issue, "created")
	return issue, nil
}

// OnAlertResolved transitions the folded issue to resolved when its
// backing alert clears.
func (m *Manager) OnAlertResolved(ctx context.Context, alert *types.Alert) (*types.Issue, error) {
	issue, err := m.store.GetActionableIssueByFingerprint(ctx, alert.ServerID, alert.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("issues: lookup by fingerprint: %w", err)
	}
	if issue == nil {
		return nil, nil
	}

	now := time.Now()
	issue.Status = types.IssueResolved
	issue.ResolvedAt = &now
	if err := m.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("issues: resolve issue: %w", err)
	}

	m.appendComment(ctx, issue.ID, types.AuthorAgent, types.CommentStatusChange,
		"alert cleared, issue resolved", map[string]any{"status": string(types.IssueResolved)})

	m.publish(issue, "resolved")
	return issue, nil
}

// AgentAnalysis attaches an LLM-produced analysis to the issue, escalating
// status to investigating when the analysis flags human attention.
func (m *Manager) AgentAnalysis(ctx context.Context, issueID, analysis string, canAutoRemediate, requiresHumanAttention bool) (*types.Issue, error) {
	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("issues: get issue: %w", err)
	}

	m.appendComment(ctx, issue.ID, types.AuthorAgent, types.CommentAnalysis, analysis, map[string]any{
		"analysis":                analysis,
		"can_auto_remediate":      canAutoRemediate,
		"requires_human_attention": requiresHumanAttention,
	})

	if requiresHumanAttention && issue.Status == types.IssueOpen {
		issue.Status = types.IssueInvestigating
		if err := m.store.UpdateIssue(ctx, issue); err != nil {
			return nil, fmt.Errorf("issues: escalate to investigating: %w", err)
		}
		m.appendComment(ctx, issue.ID, types.AuthorAgent, types.CommentStatusChange,
			"escalated to investigating: requires human attention", nil)
		m.publish(issue, "updated")
	}

	return issue, nil
}

// ActionRecorded appends an action comment describing a remediation
// attempt, successful or not.
func (m *Manager) ActionRecorded(ctx context.Context, issueID, actionType string, success bool, output, actionErr string) error {
	content := fmt.Sprintf("action %s: %s", actionType, outcomeLabel(success))
	metadata := map[string]any{"action_type": actionType, "success": success}
	if output != "" {
		metadata["output"] = output
	}
	if actionErr != "" {
		metadata["error"] = actionErr
	}
	m.appendComment(ctx, issueID, types.AuthorAgent, types.CommentAction, content, metadata)
	return nil
}

func outcomeLabel(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

// FeedbackResult carries what AddFeedback needs the caller to know to
// decide whether to trigger an LLM follow-up (§4.7); the Issue Manager
// itself never calls the chat orchestrator, avoiding a dependency cycle.
type FeedbackResult struct {
	Issue           *types.Issue
	ShouldFollowUp  bool
}

// AddFeedback appends a human feedback comment. A follow-up is warranted
// whenever the issue's serverId is known.
func (m *Manager) AddFeedback(ctx context.Context, issueID, feedback, authorName string) (FeedbackResult, error) {
	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("issues: get issue: %w", err)
	}

	comment := &types.IssueComment{
		ID:         uuid.New().String(),
		IssueID:    issue.ID,
		AuthorType: types.AuthorHuman,
		AuthorName: authorName,
		Type:       types.CommentFeedback,
		Content:    feedback,
		CreatedAt:  time.Now(),
	}
	if err := m.store.AppendIssueComment(ctx, comment); err != nil {
		return FeedbackResult{}, fmt.Errorf("issues: append feedback: %w", err)
	}

	return FeedbackResult{Issue: issue, ShouldFollowUp: issue.ServerID != ""}, nil
}

// Timeline returns an issue's full, strictly createdAt-ordered comment
// history.
func (m *Manager) Timeline(ctx context.Context, issueID string) ([]*types.IssueComment, error) {
	return m.store.ListIssueComments(ctx, issueID)
}

// List returns every issue known for a server.
func (m *Manager) List(ctx context.Context, serverID string) ([]*types.Issue, error) {
	return m.store.ListIssues(ctx, serverID)
}

func (m *Manager) appendComment(ctx context.Context, issueID string, author types.CommentAuthorType, t types.CommentType, content string, metadata map[string]any) {
	comment := &types.IssueComment{
		ID:         uuid.New().String(),
		IssueID:    issueID,
		AuthorType: author,
		Type:       t,
		Content:    content,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := m.store.AppendIssueComment(ctx, comment); err != nil {
		m.log.Error("append issue comment failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (m *Manager) publish(issue *types.Issue, action string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewEvent(events.EventIssue, "issues", "all", events.PriorityNormal, map[string]interface{}{
		"action": action,
		"issue":  issue,
	}))
}
