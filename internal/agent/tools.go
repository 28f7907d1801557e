package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/llm"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

// Tool names exposed to the reasoning service.
const (
	ToolSearchInventory = "search_inventory"
	ToolReserveItem     = "reserve_item"
)

// Tools returns the tool definitions offered to the model.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolSearchInventory,
			Description: "Search available thrift items by name or description. Returns at most five items, newest first.",
			Parameters: llm.ToolSchema{
				Properties: map[string]llm.Property{
					"query": {Type: "string", Description: "Words to look for, e.g. \"nike jacket\"."},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        ToolReserveItem,
			Description: "Reserve one item for the customer by sku. Returns whether the reservation succeeded.",
			Parameters: llm.ToolSchema{
				Properties: map[string]llm.Property{
					"sku": {Type: "string", Description: "The sku of the item to reserve."},
				},
				Required: []string{"sku"},
			},
		},
	}
}

type searchArgs struct {
	Query string `json:"query"`
}

type reserveArgs struct {
	SKU string `json:"sku"`
}

type itemView struct {
	SKU          string             `json:"sku"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Price        string             `json:"price"`
	SizeLabel    string             `json:"size_label,omitempty"`
	Measurements model.Measurements `json:"measurements,omitempty"`
}

type reserveResult struct {
	SKU      string `json:"sku"`
	Reserved bool   `json:"reserved"`
}

// runTool executes one call. Malformed arguments and unknown tools are
// reported back to the model as error results; storage failures abort.
func (a *Agent) runTool(ctx context.Context, senderID string, call llm.ToolCall) (llm.ChatMessage, error) {
	result := llm.ChatMessage{Role: llm.RoleTool, ToolCallID: call.ID}

	var (
		payload any
		err     error
	)
	switch call.Name {
	case ToolSearchInventory:
		payload, err = a.search(ctx, call.Arguments)
	case ToolReserveItem:
		payload, err = a.reserve(ctx, senderID, call.Arguments)
	default:
		err = &toolInputError{msg: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	var input *toolInputError
	if errors.As(err, &input) {
		metrics.ToolCallsTotal.WithLabelValues(call.Name, "invalid").Inc()
		a.logger.Warn("tool call rejected", zap.String("tool", call.Name), zap.String("reason", input.msg))
		result.Content = input.msg
		result.IsError = true
		return result, nil
	}
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(call.Name, "error").Inc()
		return result, fmt.Errorf("tool %s: %w", call.Name, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("tool %s: encode result: %w", call.Name, err)
	}
	metrics.ToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	result.Content = string(body)
	return result, nil
}

func (a *Agent) search(ctx context.Context, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(orEmpty(raw), &args); err != nil {
		return nil, &toolInputError{msg: "arguments must be a JSON object with a query string"}
	}

	items, err := a.inventory.Search(ctx, args.Query, inventory.DefaultSearchLimit)
	if err != nil {
		return nil, err
	}

	views := make([]itemView, 0, len(items))
	for _, it := range items {
		views = append(views, itemView{
			SKU:          it.SKU,
			Name:         it.Name,
			Description:  it.Description,
			Price:        it.Price.StringFixed(2),
			SizeLabel:    it.SizeLabel,
			Measurements: it.Measurements.Data(),
		})
	}
	return views, nil
}

func (a *Agent) reserve(ctx context.Context, senderID string, raw json.RawMessage) (any, error) {
	var args reserveArgs
	if err := json.Unmarshal(orEmpty(raw), &args); err != nil || strings.TrimSpace(args.SKU) == "" {
		return nil, &toolInputError{msg: "arguments must be a JSON object with a non-empty sku"}
	}

	ok, err := a.inventory.Reserve(ctx, args.SKU, senderID)
	if err != nil {
		return nil, err
	}
	return reserveResult{SKU: args.SKU, Reserved: ok}, nil
}

type toolInputError struct {
	msg string
}

func (e *toolInputError) Error() string { return e.msg }

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
