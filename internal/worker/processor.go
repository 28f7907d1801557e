// Package worker consumes queued webhook tasks and drives each one to a
// terminal state: skipped, success, failed, or a delayed retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/agent"
	"github.com/capitalize-ai/thrift-inbox/internal/delivery"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/service"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
	"github.com/capitalize-ai/thrift-inbox/pkg/tracing"
)

// State is where a task ended up after one delivery.
type State string

const (
	StateSkipped State = "skipped"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateRetry   State = "retry"
)

var (
	ErrUnknownSender    = errors.New("sender could not be identified")
	ErrOutsideWindow    = errors.New("recipient outside reply window")
	ErrTaskPanicked     = errors.New("task panicked")
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)

// Ledger is the permanent idempotency record plus the per-event claim that
// keeps concurrent deliveries of one event from both replying.
type Ledger interface {
	LedgerEntry(ctx context.Context, eventID string) (*model.IdempotencyLog, error)
	MarkPermanent(ctx context.Context, eventID string, status model.LedgerStatus) error
	Claim(ctx context.Context, eventID, owner string, ttl time.Duration) (bool, error)
	Unclaim(ctx context.Context, eventID, owner string) error
	MarkDelivered(ctx context.Context, eventID string) error
	Delivered(ctx context.Context, eventID string) (bool, error)
}

// Users tracks senders and their reply window.
type Users interface {
	Upsert(ctx context.Context, tiktokID string, occurredAt time.Time) (*model.User, error)
	WithinWindow(ctx context.Context, tiktokID string, now time.Time) (bool, error)
}

// Conversations stores and reads conversation turns.
type Conversations interface {
	History(ctx context.Context, userID string, n int) ([]model.ConversationTurn, error)
	AppendExchange(ctx context.Context, userID, eventID, userText, reply string) error
	ReplyForEvent(ctx context.Context, userID, eventID string) (string, bool, error)
}

// Responder produces the reply text for a message.
type Responder interface {
	Respond(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// Config tunes the processor.
type Config struct {
	// MaxAttempts is the delivery count after which retryable failures
	// become terminal. It matches the consumer's MaxDeliver.
	MaxAttempts int
	// DBTimeout bounds each store call.
	DBTimeout time.Duration
	// DeliveryTimeout bounds the outbound send.
	DeliveryTimeout time.Duration
	Backoff         delivery.Backoff
	// ClaimTTL is how long a crashed worker's claim blocks other deliveries.
	ClaimTTL time.Duration
	// ClaimBusyDelay is the redelivery delay when another worker holds the claim.
	ClaimBusyDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		DBTimeout:       5 * time.Second,
		DeliveryTimeout: delivery.DefaultTimeout,
		Backoff:         delivery.DefaultBackoff(),
		ClaimTTL:        5 * time.Minute,
		ClaimBusyDelay:  30 * time.Second,
	}
}

// Result is the outcome of processing one delivery of a task.
type Result struct {
	State State
	// RetryDelay is set when State is StateRetry.
	RetryDelay time.Duration
	// Delivery is set when a send was attempted.
	Delivery *delivery.Outcome
	Err      error
}

// Processor runs the conversation pipeline for a single task.
type Processor struct {
	ledger        Ledger
	users         Users
	conversations Conversations
	responder     Responder
	sender        delivery.Sender
	cfg           Config
	now           func() time.Time
	logger        *logger.Logger
}

// NewProcessor creates a processor.
func NewProcessor(
	ledger Ledger,
	users Users,
	conversations Conversations,
	responder Responder,
	sender delivery.Sender,
	cfg Config,
	log *logger.Logger,
) *Processor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 5 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = delivery.DefaultTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = delivery.DefaultBackoff()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.ClaimBusyDelay <= 0 {
		cfg.ClaimBusyDelay = 30 * time.Second
	}
	return &Processor{
		ledger:        ledger,
		users:         users,
		conversations: conversations,
		responder:     responder,
		sender:        sender,
		cfg:           cfg,
		now:           time.Now,
		logger:        log.WithComponent("worker"),
	}
}

// Process handles one delivery of task. attempt is 1-based. It never
// panics and never returns a bare error; the Result says what the caller
// should do with the queue message.
func (p *Processor) Process(ctx context.Context, task model.Task, attempt int) (result Result) {
	start := time.Now()
	// Tasks run to completion once dequeued, even during shutdown.
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracing.Tracer().Start(ctx, "worker.process_task")
	span.SetAttributes(
		attribute.String("event.id", task.EventID),
		attribute.String("sender.id", task.SenderID),
		attribute.Int("attempt", attempt),
	)
	log := p.logger.WithEvent(task.EventID, task.SenderID).With(zap.Int("attempt", attempt))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err := fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			result = p.fail(ctx, log, task.EventID, err)
		}

		span.SetAttributes(attribute.String("task.state", string(result.State)))
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		span.End()
		metrics.RecordTask(string(result.State), time.Since(start).Seconds())
	}()

	return p.process(ctx, log, task, attempt)
}

func (p *Processor) process(ctx context.Context, log *logger.Logger, task model.Task, attempt int) Result {
	if p.completed(ctx, log, task.EventID) {
		log.Info("Event already processed, skipping")
		return Result{State: StateSkipped}
	}

	if !task.HasKnownSender() {
		return p.fail(ctx, log, task.EventID, ErrUnknownSender)
	}

	owner := uuid.NewString()
	claimed, err := p.claim(ctx, task.EventID, owner)
	if err != nil {
		log.Warn("Claim failed, will retry", zap.Error(err))
		return Result{State: StateRetry, RetryDelay: p.cfg.ClaimBusyDelay, Err: err}
	}
	if !claimed {
		log.Info("Event claimed by another worker, deferring",
			zap.Duration("delay", p.cfg.ClaimBusyDelay),
		)
		return Result{State: StateRetry, RetryDelay: p.cfg.ClaimBusyDelay}
	}
	defer p.unclaim(ctx, log, task.EventID, owner)

	// A concurrent holder may have finished between the first check and the claim.
	if p.completed(ctx, log, task.EventID) {
		log.Info("Event completed by another worker, skipping")
		return Result{State: StateSkipped}
	}

	if err := p.upsertUser(ctx, task); err != nil {
		return p.fail(ctx, log, task.EventID, err)
	}

	if task.Text == "" {
		log.Info("Event has no text, nothing to reply to")
		return p.succeed(ctx, log, task.EventID)
	}

	reply, err := p.compose(ctx, log, task)
	if err != nil {
		return p.fail(ctx, log, task.EventID, err)
	}

	within, err := p.withinWindow(ctx, task.SenderID)
	if err != nil {
		return p.fail(ctx, log, task.EventID, err)
	}
	if !within {
		log.Warn("Reply window expired, not delivering")
		return p.fail(ctx, log, task.EventID, ErrOutsideWindow)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	outcome := p.sender.Send(sendCtx, task.SenderID, reply)
	cancel()

	switch {
	case outcome.Delivered():
		if err := p.markDelivered(ctx, task.EventID); err != nil {
			log.Error("Failed to record delivery", zap.Error(err))
		}
		res := p.succeed(ctx, log, task.EventID)
		res.Delivery = &outcome
		return res
	case outcome.Retryable() && attempt < p.cfg.MaxAttempts:
		delay := p.cfg.Backoff.Delay(attempt, outcome)
		log.Warn("Delivery will be retried",
			zap.String("outcome", outcome.Kind.String()),
			zap.Duration("delay", delay),
		)
		return Result{State: StateRetry, RetryDelay: delay, Delivery: &outcome, Err: outcome.Err}
	case outcome.Retryable():
		res := p.fail(ctx, log, task.EventID, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, outcome.Err))
		res.Delivery = &outcome
		return res
	default:
		res := p.fail(ctx, log, task.EventID, outcome.Err)
		res.Delivery = &outcome
		return res
	}
}

// compose returns the reply for task. A redelivered task whose exchange was
// already stored reuses that reply instead of asking the reasoning service again.
func (p *Processor) compose(ctx context.Context, log *logger.Logger, task model.Task) (string, error) {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	stored, found, err := p.conversations.ReplyForEvent(dbCtx, task.SenderID, task.EventID)
	cancel()
	if err != nil {
		return "", err
	}
	if found {
		log.Info("Resuming at delivery with stored reply")
		return stored, nil
	}

	dbCtx, cancel = context.WithTimeout(ctx, p.cfg.DBTimeout)
	history, err := p.conversations.History(dbCtx, task.SenderID, service.HistoryWindow)
	cancel()
	if err != nil {
		return "", err
	}

	reply, err := p.responder.Respond(ctx, agent.Request{
		SenderID: task.SenderID,
		Text:     task.Text,
		History:  history,
	})
	if err != nil {
		return "", err
	}
	log.Info("Reply composed",
		zap.Int("history_turns", len(history)),
		zap.Int("tool_calls", reply.ToolCalls),
		zap.Int("tokens_in", reply.TokensIn),
		zap.Int("tokens_out", reply.TokensOut),
	)

	dbCtx, cancel = context.WithTimeout(ctx, p.cfg.DBTimeout)
	err = p.conversations.AppendExchange(dbCtx, task.SenderID, task.EventID, task.Text, reply.Text)
	cancel()
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// completed reports whether eventID needs no further work: its ledger entry
// says success, or its reply was already delivered. A failed entry does not
// count, so redelivery can still answer the event. Lookup errors are logged
// and treated as not completed; the claim still guards the send.
func (p *Processor) completed(ctx context.Context, log *logger.Logger, eventID string) bool {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	entry, err := p.ledger.LedgerEntry(dbCtx, eventID)
	cancel()
	switch {
	case err == nil && entry.Status == model.LedgerSuccess:
		return true
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Warn("Ledger lookup failed, continuing", zap.Error(err))
	}

	dbCtx, cancel = context.WithTimeout(ctx, p.cfg.DBTimeout)
	delivered, err := p.ledger.Delivered(dbCtx, eventID)
	cancel()
	if err != nil {
		log.Warn("Delivery lookup failed, continuing", zap.Error(err))
		return false
	}
	if delivered {
		// The worker that sent may have died before writing the ledger.
		if err := p.mark(ctx, eventID, model.LedgerSuccess); err != nil {
			log.Error("Failed to write ledger entry", zap.Error(err))
		}
	}
	return delivered
}

func (p *Processor) claim(ctx context.Context, eventID, owner string) (bool, error) {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	return p.ledger.Claim(dbCtx, eventID, owner, p.cfg.ClaimTTL)
}

func (p *Processor) unclaim(ctx context.Context, log *logger.Logger, eventID, owner string) {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	if err := p.ledger.Unclaim(dbCtx, eventID, owner); err != nil {
		log.Warn("Failed to release claim", zap.Error(err))
	}
}

func (p *Processor) markDelivered(ctx context.Context, eventID string) error {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	return p.ledger.MarkDelivered(dbCtx, eventID)
}

func (p *Processor) upsertUser(ctx context.Context, task model.Task) error {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	occurred := task.OccurredAt
	if occurred.IsZero() {
		occurred = p.now()
	}
	_, err := p.users.Upsert(dbCtx, task.SenderID, occurred)
	return err
}

func (p *Processor) withinWindow(ctx context.Context, senderID string) (bool, error) {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	return p.users.WithinWindow(dbCtx, senderID, p.now())
}

func (p *Processor) succeed(ctx context.Context, log *logger.Logger, eventID string) Result {
	if err := p.mark(ctx, eventID, model.LedgerSuccess); err != nil {
		log.Error("Failed to write ledger entry", zap.Error(err))
	}
	log.Info("Task succeeded")
	return Result{State: StateSuccess}
}

func (p *Processor) fail(ctx context.Context, log *logger.Logger, eventID string, cause error) Result {
	log.Error("Task failed", zap.Error(cause))
	if err := p.mark(ctx, eventID, model.LedgerFailed); err != nil {
		log.Error("Failed to write ledger entry", zap.Error(err))
	}
	return Result{State: StateFailed, Err: cause}
}

func (p *Processor) mark(ctx context.Context, eventID string, status model.LedgerStatus) error {
	dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
	defer cancel()
	return p.ledger.MarkPermanent(dbCtx, eventID, status)
}
