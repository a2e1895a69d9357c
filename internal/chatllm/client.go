// Package chatllm implements the Chat Orchestrator: a per-session
// tool-calling loop between an operator, an LLM, and the plugin
// registry's tools.
package chatllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsagent/agent/internal/types"
)

// ToolDef is one tool definition offered to the LLM for a turn,
// annotated the way §4.7 requires: risk, category, and whether it gates
// on approval, folded into the description the model sees.
type ToolDef struct {
	Name        string
	Description string
	Parameters  []types.Parameter
}

// CompletionRequest is one LLM call: full message history plus the tool
// set composed from every session instance's tools.
type CompletionRequest struct {
	Messages []types.ChatMessage
	Tools    []ToolDef
}

// CompletionResponse is the model's reply: narration content and zero or
// more requested tool calls.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
}

// Client abstracts the LLM backend so the orchestrator never depends on
// a concrete provider's wire format.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// HTTPClient is a thin OpenAI-chat-completions-shaped client, suitable
// for the opencode/openrouter-style proxy endpoints this config targets.
// Calls are wrapped in a circuit breaker so a failing provider degrades
// the orchestrator instead of hanging every session on it.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPClient builds an HTTPClient. baseURL is the provider's chat
// completions endpoint root (e.g. "https://openrouter.ai/api/v1").
func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	settings := gobreaker.Settings{
		Name:        "chatllm",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.doComplete(ctx, req)
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("chatllm: complete: %w", err)
	}
	return out.(CompletionResponse), nil
}

func (c *HTTPClient) doComplete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	body := wireRequest{
		Model:    c.model,
		Messages: toWireMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		body.Tools = toWireTools(req.Tools)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return CompletionResponse{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return CompletionResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return fromWireResponse(wire), nil
}

// wire types mirror the OpenAI-compatible chat completions shape common
// to both opencode and openrouter gateways.

type wireRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Tools    []wireToolSpec `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolSpec struct {
	Type     string           `json:"type"`
	Function wireFunctionSpec `json:"function"`
}

type wireFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  wireJSONSchema `json:"parameters"`
}

type wireJSONSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]wireJSONSchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
	Enum       []string                  `json:"enum,omitempty"`
	Pattern    string                    `json:"pattern,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

func toWireMessages(msgs []types.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			ToolCalls: toWireToolCalls(m.ToolCalls),
		})
	}
	return out
}

func toWireToolCalls(calls []types.ToolCall) []wireToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]wireToolCall, 0, len(calls))
	for _, c := range calls {
		args, _ := json.Marshal(c.Parameters)
		out = append(out, wireToolCall{
			ID:   c.ID,
			Type: "function",
			Function: wireToolCallFunc{
				Name:      c.ToolName,
				Arguments: string(args),
			},
		})
	}
	return out
}

func toWireTools(tools []ToolDef) []wireToolSpec {
	out := make([]wireToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireToolSpec{
			Type: "function",
			Function: wireFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toWireSchema(t.Parameters),
			},
		})
	}
	return out
}

func toWireSchema(params []types.Parameter) wireJSONSchema {
	schema := wireJSONSchema{Type: "object", Properties: make(map[string]wireJSONSchema)}
	for _, p := range params {
		prop := wireJSONSchema{Type: p.Type, Enum: p.Enum, Pattern: p.Pattern}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func fromWireResponse(wire wireResponse) CompletionResponse {
	if len(wire.Choices) == 0 {
		return CompletionResponse{}
	}
	msg := wire.Choices[0].Message
	resp := CompletionResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		var params map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &params)
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:         tc.ID,
			ToolName:   tc.Function.Name,
			Parameters: params,
		})
	}
	return resp
}
