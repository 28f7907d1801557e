package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	natsclient "github.com/capitalize-ai/thrift-inbox/internal/nats"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

// Source hands out queued task deliveries. *nats.Subscription satisfies it.
type Source interface {
	Next() (natsclient.Message, error)
	Stop()
}

// TaskProcessor is implemented by *Processor.
type TaskProcessor interface {
	Process(ctx context.Context, task model.Task, attempt int) Result
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Concurrency int
	// Heartbeat, when positive, extends the ack deadline of in-flight
	// deliveries at this interval.
	Heartbeat time.Duration
}

// Pool runs tasks from a Source on a bounded number of goroutines.
type Pool struct {
	source    Source
	processor TaskProcessor
	cfg       PoolConfig
	logger    *logger.Logger
}

// NewPool creates a worker pool.
func NewPool(source Source, processor TaskProcessor, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pool{
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    log.WithComponent("worker-pool"),
	}
}

// Run pulls deliveries until ctx is cancelled or the source closes, then
// waits for in-flight tasks to finish.
func (p *Pool) Run(ctx context.Context) error {
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.source.Stop()
		case <-stopped:
		}
	}()
	defer close(stopped)

	p.logger.Info("Worker pool started", zap.Int("concurrency", p.cfg.Concurrency))

loop:
	for {
		msg, err := p.source.Next()
		if err != nil {
			if errors.Is(err, natsclient.ErrSubscriptionClosed) || ctx.Err() != nil {
				break
			}
			p.logger.Error("Failed to fetch task", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Hand the delivery back for another consumer.
			_ = msg.NakWithDelay(0)
			break loop
		}

		wg.Add(1)
		go func(msg natsclient.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			p.handle(ctx, msg)
		}(msg)
	}

	p.logger.Info("Worker pool draining")
	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

func (p *Pool) handle(ctx context.Context, msg natsclient.Message) {
	var task model.Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil || task.EventID == "" {
		p.logger.Error("Dropping malformed task", zap.Error(err), zap.ByteString("data", msg.Data()))
		metrics.TasksTotal.WithLabelValues("malformed").Inc()
		if err := msg.Term(); err != nil {
			p.logger.Warn("Failed to terminate message", zap.Error(err))
		}
		return
	}

	if p.cfg.Heartbeat > 0 {
		stop := p.heartbeat(msg)
		defer stop()
	}

	result := p.processor.Process(ctx, task, msg.Attempt())

	var err error
	if result.State == StateRetry {
		err = msg.NakWithDelay(result.RetryDelay)
	} else {
		err = msg.Ack()
	}
	if err != nil {
		p.logger.Warn("Failed to settle message",
			zap.String("event_id", task.EventID),
			zap.String("state", string(result.State)),
			zap.Error(err),
		)
	}
}

func (p *Pool) heartbeat(msg natsclient.Message) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}
