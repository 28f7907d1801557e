package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/capitalize-ai/thrift-inbox/internal/agent"
	"github.com/capitalize-ai/thrift-inbox/internal/delivery"
	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/llm"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/service"
	"github.com/capitalize-ai/thrift-inbox/internal/store/storetest"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// llmFunc adapts a function to llm.Client.
type llmFunc func(req *llm.CompletionRequest) (*llm.CompletionResponse, error)

func (f llmFunc) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return f(req)
}

func (f llmFunc) Name() string { return "func" }

// shopLLM searches for the first word of the message containing "jacket"
// and answers with the names it found.
func shopLLM(calls *int) llmFunc {
	var mu sync.Mutex
	return func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		mu.Lock()
		*calls++
		mu.Unlock()

		last := req.Messages[len(req.Messages)-1]
		if last.Role == llm.RoleTool {
			var items []struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal([]byte(last.Content), &items); err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return &llm.CompletionResponse{Content: "Nothing like that right now."}, nil
			}
			return &llm.CompletionResponse{Content: "Yes! We have the " + items[0].Name + "."}, nil
		}

		query := ""
		for _, word := range strings.Fields(strings.ToLower(last.Content)) {
			if strings.Contains(word, "jacket") {
				query = "jacket"
			}
		}
		if query == "" {
			return &llm.CompletionResponse{Content: "Hi there!"}, nil
		}
		args, _ := json.Marshal(map[string]string{"query": query})
		return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: agent.ToolSearchInventory, Arguments: args}}}, nil
	}
}

type sentMessage struct {
	recipient string
	text      string
}

// fakeSender returns queued outcomes, then Delivered.
type fakeSender struct {
	mu       sync.Mutex
	outcomes []delivery.Outcome
	sent     []sentMessage
}

func (f *fakeSender) Send(ctx context.Context, recipientID, text string) delivery.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{recipient: recipientID, text: text})
	if len(f.outcomes) == 0 {
		return delivery.Outcome{Kind: delivery.Delivered, Status: 200}
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	db        *gorm.DB
	guard     *idempotency.Guard
	inventory *inventory.Manager
	sender    *fakeSender
	llmCalls  int
	processor *Processor
}

func newHarness(t *testing.T, client llm.Client) *harness {
	t.Helper()
	log := logger.NewNop()
	db := storetest.New(t)

	h := &harness{
		db:        db,
		guard:     idempotency.NewGuard(nil, db, 0, log),
		inventory: inventory.NewManager(db, log),
		sender:    &fakeSender{},
	}
	if client == nil {
		client = shopLLM(&h.llmCalls)
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h.processor = NewProcessor(
		h.guard,
		service.NewUserService(db, log),
		service.NewConversationService(db, log),
		agent.New(client, h.inventory, agent.Config{}, log),
		h.sender,
		cfg,
		log,
	)
	return h
}

func (h *harness) seedJacket(t *testing.T) {
	t.Helper()
	_, err := h.inventory.Seed(context.Background(), []model.InventoryItem{{
		SKU:         "CRD-JKT-L-001",
		Name:        "Corduroy Chore Jacket",
		Description: "Size L, tan, workwear cut",
		Price:       decimal.RequireFromString("58.00"),
		SizeLabel:   "L",
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) ledgerStatus(t *testing.T, eventID string) model.LedgerStatus {
	t.Helper()
	entry, err := h.guard.LedgerEntry(context.Background(), eventID)
	if err != nil {
		t.Fatalf("ledger entry for %s: %v", eventID, err)
	}
	return entry.Status
}

func (h *harness) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&model.IdempotencyLog{}).Count(&n).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return n
}

func newTask(eventID, sender, text string) model.Task {
	return model.Task{
		EventID:    eventID,
		Event:      "message",
		SenderID:   sender,
		Text:       text,
		OccurredAt: time.Now().UTC(),
	}
}

func TestProcess_SearchReplyDeliverLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.seedJacket(t)

	res := h.processor.Process(context.Background(), newTask("e1", "user-1", "Do you have size L jackets?"), 1)
	if res.State != StateSuccess {
		t.Fatalf("expected success, got %s (%v)", res.State, res.Err)
	}
	if h.sender.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", h.sender.count())
	}
	if sent := h.sender.sent[0]; sent.recipient != "user-1" || !strings.Contains(sent.text, "Corduroy Chore Jacket") {
		t.Fatalf("unexpected delivery %+v", sent)
	}
	if h.llmCalls != 2 {
		t.Fatalf("expected a tool round and a final call, got %d calls", h.llmCalls)
	}
	if got := h.ledgerStatus(t, "e1"); got != model.LedgerSuccess {
		t.Fatalf("expected success ledger, got %s", got)
	}

	var turns []model.ConversationTurn
	h.db.Where("user_id = ?", "user-1").Order("created_at ASC, id ASC").Find(&turns)
	if len(turns) != 2 || turns[0].Role != model.RoleUser || turns[1].Role != model.RoleAssistant {
		t.Fatalf("expected user and assistant turns, got %+v", turns)
	}
}

func TestProcess_RedeliveredTaskSkipped(t *testing.T) {
	h := newHarness(t, nil)
	task := newTask("e1", "user-1", "hello")

	if res := h.processor.Process(context.Background(), task, 1); res.State != StateSuccess {
		t.Fatalf("first run: %s (%v)", res.State, res.Err)
	}
	if res := h.processor.Process(context.Background(), task, 2); res.State != StateSkipped {
		t.Fatalf("second run: expected skipped, got %s", res.State)
	}
	if h.sender.count() != 1 || h.ledgerCount(t) != 1 {
		t.Fatalf("expected one delivery and one ledger entry, got %d/%d", h.sender.count(), h.ledgerCount(t))
	}
}

func TestProcess_ConcurrentRedeliveriesSendOnce(t *testing.T) {
	h := newHarness(t, nil)
	task := newTask("e-dup", "user-1", "hello")

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.processor.Process(context.Background(), task, 1)
		}(i)
	}
	wg.Wait()

	if h.ledgerCount(t) != 1 {
		t.Fatalf("expected one ledger entry, got %d", h.ledgerCount(t))
	}
	if h.sender.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", h.sender.count())
	}
	successes := 0
	for _, r := range results {
		switch r.State {
		case StateSuccess:
			successes++
		case StateFailed:
			t.Fatalf("unexpected failure: %v", r.Err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected one run to succeed, got %d", successes)
	}

	var turns int64
	h.db.Model(&model.ConversationTurn{}).Where("event_id = ?", "e-dup").Count(&turns)
	if turns != 2 {
		t.Fatalf("expected one stored exchange, got %d turns", turns)
	}
}

func TestProcess_HeldClaimDefersDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := newTask("e-held", "user-1", "hello")

	if ok, err := h.guard.Claim(ctx, "e-held", "other-worker", time.Minute); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	res := h.processor.Process(ctx, task, 1)
	if res.State != StateRetry || res.RetryDelay != 30*time.Second {
		t.Fatalf("expected retry after 30s, got %s %s", res.State, res.RetryDelay)
	}
	if h.sender.count() != 0 || h.llmCalls != 0 {
		t.Fatal("expected no reasoning or delivery while another worker holds the event")
	}

	if err := h.guard.Unclaim(ctx, "e-held", "other-worker"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if res := h.processor.Process(ctx, task, 2); res.State != StateSuccess {
		t.Fatalf("expected success once released, got %s (%v)", res.State, res.Err)
	}
}

func TestProcess_FailedEventRecoversOnRedelivery(t *testing.T) {
	healthy := false
	var calls int
	shop := shopLLM(&calls)
	h := newHarness(t, llmFunc(func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if !healthy {
			return nil, errors.New("upstream 500")
		}
		return shop(req)
	}))
	task := newTask("e-retry", "user-1", "hello")

	first := h.processor.Process(context.Background(), task, 1)
	if first.State != StateFailed {
		t.Fatalf("expected first run to fail, got %s", first.State)
	}
	if got := h.ledgerStatus(t, "e-retry"); got != model.LedgerFailed {
		t.Fatalf("expected failed ledger, got %s", got)
	}

	healthy = true
	second := h.processor.Process(context.Background(), task, 1)
	if second.State != StateSuccess {
		t.Fatalf("expected redelivery to succeed, got %s (%v)", second.State, second.Err)
	}
	if h.sender.count() != 1 {
		t.Fatalf("expected one delivery, got %d", h.sender.count())
	}
	// The ledger is insert-once; the original failed row stands.
	if got := h.ledgerStatus(t, "e-retry"); got != model.LedgerFailed {
		t.Fatalf("expected ledger to keep its first status, got %s", got)
	}

	third := h.processor.Process(context.Background(), task, 1)
	if third.State != StateSkipped {
		t.Fatalf("expected a delivered event to be skipped, got %s", third.State)
	}
	if h.sender.count() != 1 || h.ledgerCount(t) != 1 {
		t.Fatalf("expected one delivery and one ledger entry, got %d/%d", h.sender.count(), h.ledgerCount(t))
	}
}

func TestProcess_DeliveredWithoutLedgerIsCompleted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A worker that sent and then died before writing the ledger.
	if ok, err := h.guard.Claim(ctx, "e-crash", "dead-worker", time.Minute); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if err := h.guard.MarkDelivered(ctx, "e-crash"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	res := h.processor.Process(ctx, newTask("e-crash", "user-1", "hello"), 2)
	if res.State != StateSkipped {
		t.Fatalf("expected skipped, got %s (%v)", res.State, res.Err)
	}
	if h.sender.count() != 0 {
		t.Fatal("expected no second delivery")
	}
	if got := h.ledgerStatus(t, "e-crash"); got != model.LedgerSuccess {
		t.Fatalf("expected success ledger, got %s", got)
	}
}

func TestProcess_UnknownSender(t *testing.T) {
	h := newHarness(t, nil)

	res := h.processor.Process(context.Background(), newTask("e2", model.UnknownSender, "hi"), 1)
	if res.State != StateFailed || !errors.Is(res.Err, ErrUnknownSender) {
		t.Fatalf("expected unknown sender failure, got %s (%v)", res.State, res.Err)
	}
	if h.sender.count() != 0 || h.llmCalls != 0 {
		t.Fatal("expected no reasoning or delivery")
	}
	if got := h.ledgerStatus(t, "e2"); got != model.LedgerFailed {
		t.Fatalf("expected failed ledger, got %s", got)
	}
}

func TestProcess_EmptyText(t *testing.T) {
	h := newHarness(t, nil)

	res := h.processor.Process(context.Background(), newTask("e3", "user-1", ""), 1)
	if res.State != StateSuccess {
		t.Fatalf("expected success, got %s", res.State)
	}
	if h.sender.count() != 0 || h.llmCalls != 0 {
		t.Fatal("expected no reasoning or delivery")
	}
}

func TestProcess_ReasoningFailure(t *testing.T) {
	h := newHarness(t, llmFunc(func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("upstream 500")
	}))

	res := h.processor.Process(context.Background(), newTask("e4", "user-1", "hi"), 1)
	if res.State != StateFailed || !errors.Is(res.Err, agent.ErrReasoning) {
		t.Fatalf("expected reasoning failure, got %s (%v)", res.State, res.Err)
	}
	if h.sender.count() != 0 {
		t.Fatal("no message may be sent for an internal failure")
	}
	if got := h.ledgerStatus(t, "e4"); got != model.LedgerFailed {
		t.Fatalf("expected failed ledger, got %s", got)
	}
}

func TestProcess_PanicRecovered(t *testing.T) {
	h := newHarness(t, llmFunc(func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		panic("boom")
	}))

	res := h.processor.Process(context.Background(), newTask("e5", "user-1", "hi"), 1)
	if res.State != StateFailed || !errors.Is(res.Err, ErrTaskPanicked) {
		t.Fatalf("expected recovered panic, got %s (%v)", res.State, res.Err)
	}
	if got := h.ledgerStatus(t, "e5"); got != model.LedgerFailed {
		t.Fatalf("expected failed ledger, got %s", got)
	}
}

func TestProcess_RetryResumesAtDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.outcomes = []delivery.Outcome{{Kind: delivery.ServerError, Status: 503, Err: delivery.ErrRetryable}}
	task := newTask("e6", "user-1", "hello")

	first := h.processor.Process(context.Background(), task, 1)
	if first.State != StateRetry || first.RetryDelay != 5*time.Second {
		t.Fatalf("expected retry after 5s, got %s %s", first.State, first.RetryDelay)
	}
	if _, err := h.guard.LedgerEntry(context.Background(), "e6"); err == nil {
		t.Fatal("ledger must not be written while a retry is pending")
	}

	second := h.processor.Process(context.Background(), task, 2)
	if second.State != StateSuccess {
		t.Fatalf("expected success on redelivery, got %s (%v)", second.State, second.Err)
	}
	if h.llmCalls != 1 {
		t.Fatalf("expected the stored reply to be reused, got %d reasoning calls", h.llmCalls)
	}
	if h.sender.count() != 2 || h.sender.sent[0].text != h.sender.sent[1].text {
		t.Fatalf("expected the same reply sent twice, got %+v", h.sender.sent)
	}

	var turns int64
	h.db.Model(&model.ConversationTurn{}).Where("event_id = ?", "e6").Count(&turns)
	if turns != 2 {
		t.Fatalf("expected one stored exchange, got %d turns", turns)
	}
}

func TestProcess_RetriesExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.outcomes = []delivery.Outcome{{Kind: delivery.RateLimited, Status: 429, Err: delivery.ErrRetryable}}

	res := h.processor.Process(context.Background(), newTask("e7", "user-1", "hello"), 3)
	if res.State != StateFailed || !errors.Is(res.Err, ErrRetriesExhausted) {
		t.Fatalf("expected exhausted failure, got %s (%v)", res.State, res.Err)
	}
	if got := h.ledgerStatus(t, "e7"); got != model.LedgerFailed {
		t.Fatalf("expected failed ledger, got %s", got)
	}
}

func TestProcess_TerminalDeliveryFailure(t *testing.T) {
	for _, kind := range []delivery.Kind{delivery.TerminalAuth, delivery.TerminalWindow, delivery.TerminalRejected} {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			h.sender.outcomes = []delivery.Outcome{{Kind: kind, Err: fmt.Errorf("%w: %s", delivery.ErrTerminal, kind)}}

			res := h.processor.Process(context.Background(), newTask("e8", "user-1", "hello"), 1)
			if res.State != StateFailed || !errors.Is(res.Err, delivery.ErrTerminal) {
				t.Fatalf("expected terminal failure, got %s (%v)", res.State, res.Err)
			}
			if h.sender.count() != 1 {
				t.Fatalf("expected a single attempt, got %d", h.sender.count())
			}
		})
	}
}

func TestProcess_OutsideReplyWindow(t *testing.T) {
	h := newHarness(t, nil)
	task := newTask("e9", "user-1", "hello")
	task.OccurredAt = time.Now().Add(-49 * time.Hour)

	res := h.processor.Process(context.Background(), task, 1)
	if res.State != StateFailed || !errors.Is(res.Err, ErrOutsideWindow) {
		t.Fatalf("expected window failure, got %s (%v)", res.State, res.Err)
	}
	if h.sender.count() != 0 {
		t.Fatal("expected no delivery outside the window")
	}
}

func TestProcess_CancelledContextStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.processor.Process(ctx, newTask("e10", "user-1", "hello"), 1)
	if res.State != StateSuccess {
		t.Fatalf("expected the task to run to completion, got %s (%v)", res.State, res.Err)
	}
}
