package chatllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsagent/agent/internal/types"
)

// FeedbackResponse is the LLM's reply to an operator's feedback on a
// resolved issue.
type FeedbackResponse struct {
	Analysis               string   `json:"analysis"`
	Recommendations        []string `json:"recommendations"`
	FeedbackAcknowledgment string   `json:"feedbackAcknowledgment"`
}

// FollowUpOnFeedback is the consumer of issues.Manager.AddFeedback's
// ShouldFollowUp signal: it asks the LLM to analyze operator feedback
// against an issue's context and timeline.
func (o *Orchestrator) FollowUpOnFeedback(ctx context.Context, issueContext, timeline, feedback string) (FeedbackResponse, error) {
	prompt := buildFeedbackPrompt(issueContext, timeline, feedback)
	resp, err := o.client.Complete(ctx, CompletionRequest{
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: prompt}},
	})
	if err != nil {
		return FeedbackResponse{}, fmt.Errorf("chatllm: feedback follow-up: %w", err)
	}
	return parseFeedbackResponse(resp.Content), nil
}

func buildFeedbackPrompt(issueContext, timeline, feedback string) string {
	return fmt.Sprintf(`An operator reviewed the following issue and left feedback on its resolution.

Issue context:
%s

Timeline:
%s

Operator feedback:
%s

Respond with a JSON object of the form {"analysis": "...", "recommendations": ["..."], "feedbackAcknowledgment": "..."}.`,
		issueContext, timeline, feedback)
}

// parseFeedbackResponse extracts the first balanced JSON object from raw
// and decodes it. Models wrap JSON in prose often enough that a naive
// json.Unmarshal on the full string would fail more often than it works.
func parseFeedbackResponse(raw string) FeedbackResponse {
	if span := extractBalancedJSON(raw); span != "" {
		var resp FeedbackResponse
		if err := json.Unmarshal([]byte(span), &resp); err == nil {
			return resp
		}
	}
	return FeedbackResponse{Analysis: raw, Recommendations: []string{}}
}

// extractBalancedJSON returns the first balanced {...} span in s, tracking
// string literals so braces inside quoted text don't unbalance the count.
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
