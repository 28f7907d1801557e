// Package agent runs the bounded tool-calling exchange between a customer
// message and the reasoning service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/llm"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// MaxToolRounds is how many rounds of tool execution a single reply may use.
// The request after the last round disallows tools and must produce text.
const MaxToolRounds = 1

var (
	// ErrReasoning wraps any failure of the reasoning service call itself.
	ErrReasoning = errors.New("reasoning service failed")

	// ErrEmptyReply is returned when the final answer has no text.
	ErrEmptyReply = errors.New("reasoning service returned an empty reply")

	// ErrToolLoopExceeded is returned when the model still asks for tools
	// after the round limit.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
)

// DefaultSystemPrompt frames the assistant. Wording is intentionally plain.
const DefaultSystemPrompt = "You are the shop assistant for a thrift store that sells unique, single-unit items. " +
	"Use search_inventory to look up items and reserve_item only when the customer clearly asks to hold or buy one. " +
	"Keep replies short and friendly."

// Inventory is the subset of the inventory manager the tools call.
type Inventory interface {
	Search(ctx context.Context, query string, limit int) ([]model.InventoryItem, error)
	Reserve(ctx context.Context, sku, requesterID string) (bool, error)
}

// Config tunes the agent.
type Config struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	CallTimeout  time.Duration
}

// Agent turns a customer message into a reply.
type Agent struct {
	llm       llm.Client
	inventory Inventory
	cfg       Config
	logger    *logger.Logger
}

// Request is one customer message with its recent history.
type Request struct {
	SenderID string
	Text     string
	History  []model.ConversationTurn
}

// Reply is the final answer and how many tools were run to get it.
type Reply struct {
	Text      string
	ToolCalls int
	TokensIn  int
	TokensOut int
}

// New creates an agent.
func New(client llm.Client, inv Inventory, cfg Config, log *logger.Logger) *Agent {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Agent{
		llm:       client,
		inventory: inv,
		cfg:       cfg,
		logger:    log.WithComponent("agent"),
	}
}

// Respond runs the exchange: one reasoning call, at most MaxToolRounds
// rounds of tool execution each followed by another call, then a final
// answer. Tools are disallowed on the request after the last round.
func (a *Agent) Respond(ctx context.Context, req Request) (*Reply, error) {
	messages := toChatMessages(req.History)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: req.Text})

	reply := &Reply{}
	for round := 0; ; round++ {
		choice := llm.ToolChoiceAuto
		if round >= MaxToolRounds {
			choice = llm.ToolChoiceNone
		}

		resp, err := a.complete(ctx, messages, choice)
		if err != nil {
			return nil, err
		}
		reply.TokensIn += resp.TokensIn
		reply.TokensOut += resp.TokensOut

		if !resp.WantsTools() {
			text := strings.TrimSpace(resp.Content)
			if text == "" {
				return nil, ErrEmptyReply
			}
			reply.Text = text
			return reply, nil
		}

		if round >= MaxToolRounds {
			return nil, fmt.Errorf("%w: %d tool calls after round %d", ErrToolLoopExceeded, len(resp.ToolCalls), round)
		}

		messages = append(messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := a.runTool(ctx, req.SenderID, call)
			if err != nil {
				return nil, err
			}
			reply.ToolCalls++
			messages = append(messages, result)
		}
	}
}

func (a *Agent) complete(ctx context.Context, messages []llm.ChatMessage, choice llm.ToolChoice) (*llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	resp, err := a.llm.Complete(callCtx, &llm.CompletionRequest{
		Model:      a.cfg.Model,
		System:     a.cfg.SystemPrompt,
		Messages:   messages,
		Tools:      Tools(),
		ToolChoice: choice,
		MaxTokens:  a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReasoning, err)
	}

	a.logger.Debug("reasoning call completed",
		zap.String("provider", a.llm.Name()),
		zap.String("tool_choice", string(choice)),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return resp, nil
}

func toChatMessages(history []model.ConversationTurn) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history)+1)
	for _, turn := range history {
		switch turn.Role {
		case model.RoleUser:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: turn.Content})
		case model.RoleAssistant:
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: turn.Content})
		}
	}
	return out
}
