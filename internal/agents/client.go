package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ToolSpec declares one tool offered to a role.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome fed back for one tool call.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// TurnResult is one assistant turn: accumulated text plus any requested tool
// calls. StopForTools is true when the model paused to await tool results.
type TurnResult struct {
	Text         string
	ToolCalls    []ToolCall
	StopForTools bool
}

// Session is one role's conversation with the model.
type Session interface {
	Start(ctx context.Context, system string, tools []ToolSpec, user string) (*TurnResult, error)
	Continue(ctx context.Context, results []ToolResult) (*TurnResult, error)
}

// LLM creates role sessions. The production implementation wraps the
// Anthropic SDK; tests script their own.
type LLM interface {
	NewSession() Session
}

// Client is the Anthropic-backed LLM.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 2048,
	}
}

func (c *Client) NewSession() Session {
	return &apiSession{client: c}
}

type apiSession struct {
	client   *Client
	system   []anthropic.TextBlockParam
	tools    []anthropic.ToolUnionParam
	messages []anthropic.MessageParam
}

func (s *apiSession) Start(ctx context.Context, system string, tools []ToolSpec, user string) (*TurnResult, error) {
	s.system = []anthropic.TextBlockParam{{Text: system}}
	s.tools = convertTools(tools)
	s.messages = []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
	}
	return s.send(ctx)
}

func (s *apiSession) Continue(ctx context.Context, results []ToolResult) (*TurnResult, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ID, r.Content, r.IsError))
	}
	s.messages = append(s.messages, anthropic.NewUserMessage(blocks...))
	return s.send(ctx)
}

func (s *apiSession) send(ctx context.Context) (*TurnResult, error) {
	message, err := s.client.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       s.client.model,
		MaxTokens:   s.client.maxTokens,
		System:      s.system,
		Messages:    s.messages,
		Tools:       s.tools,
		Temperature: anthropic.Float(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	s.messages = append(s.messages, message.ToParam())

	result := &TurnResult{StopForTools: string(message.StopReason) == "tool_use"}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += variant.Text
		case anthropic.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(variant.JSON.Input.Raw()),
			})
		}
	}
	return result, nil
}

func convertTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	params := make([]anthropic.ToolParam, len(specs))
	for i, spec := range specs {
		schemaJSON, _ := json.Marshal(map[string]interface{}{
			"type":       "object",
			"properties": spec.Properties,
			"required":   spec.Required,
		})
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(schemaJSON, &schema)

		params[i] = anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: schema,
		}
	}
	out := make([]anthropic.ToolUnionParam, len(params))
	for i := range params {
		out[i] = anthropic.ToolUnionParam{OfTool: &params[i]}
	}
	return out
}
