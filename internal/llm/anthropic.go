package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(opts Options) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL), option.WithMaxRetries(0))
	}

	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
		switch req.ToolChoice {
		case ToolChoiceNone:
			none := anthropic.NewToolChoiceNoneParam()
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &none}
		case ToolChoiceAuto:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		metrics.RecordLLMCall(c.Name(), "error", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	tokensIn := int(resp.Usage.InputTokens)
	tokensOut := int(resp.Usage.OutputTokens)
	metrics.RecordLLMCall(c.Name(), "ok", time.Since(start).Seconds(), tokensIn, tokensOut)

	out := &CompletionResponse{
		Model:      string(resp.Model),
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}

	// Extract content
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return out, nil
}

// toAnthropicMessages converts the neutral history. Consecutive tool results
// are folded into a single user turn as the Messages API requires.
func toAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleSystem:
			// System text travels in MessageNewParams.System.
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flush()

	return out
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Parameters.Properties,
					Required:   t.Parameters.Required,
				},
			},
		})
	}
	return out
}
