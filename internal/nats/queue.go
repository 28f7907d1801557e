package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

const (
	// StreamName is the work-queue stream holding pending event tasks.
	StreamName = "WEBHOOK_TASKS"

	// SubjectPrefix is the prefix for all task subjects.
	SubjectPrefix = "tasks.webhook"

	// ConsumerName is the durable pull consumer shared by all workers.
	ConsumerName = "conversation-workers"

	// DefaultEvent names the subject token for payloads without an event type.
	DefaultEvent = "message"
)

// QueueConfig tunes the task stream and its consumer.
type QueueConfig struct {
	MaxDeliver      int
	AckWait         time.Duration
	DuplicateWindow time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
}

// DefaultQueueConfig returns the settings the binaries use unless overridden.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxDeliver:      5,
		AckWait:         2 * time.Minute,
		DuplicateWindow: 10 * time.Minute,
		PublishAttempts: 3,
		PublishBackoff:  10 * time.Millisecond,
	}
}

// Queue publishes tasks to and consumes tasks from JetStream.
type Queue struct {
	client *Client
	cfg    QueueConfig
	logger *logger.Logger
}

// NewQueue creates a new task queue.
func NewQueue(client *Client, cfg QueueConfig, log *logger.Logger) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("queue"),
	}
}

// TaskSubject returns the subject for a task of the given event type.
func TaskSubject(event string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(event))
	if token == "" {
		token = DefaultEvent
	}
	return fmt.Sprintf("%s.%s", SubjectPrefix, token)
}

// EnsureStream ensures the task stream exists with work-queue retention.
func (q *Queue) EnsureStream(ctx context.Context) error {
	js := q.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  q.cfg.DuplicateWindow,
		Description: "Inbound webhook events awaiting a conversation worker",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	q.logger.Info("created task stream", zap.String("stream", StreamName))
	return nil
}

// Enqueue durably queues task. It returns once JetStream has acknowledged
// the publish. The event id doubles as the message id so JetStream drops
// repeated publishes inside its duplicate window.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	subject := TaskSubject(task.Event)
	attempts := q.cfg.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}

	var ack *jetstream.PubAck
	publish := func() error {
		var err error
		ack, err = q.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(task.EventID))
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.cfg.PublishBackoff), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(publish, policy); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	if ack.Duplicate {
		q.logger.Info("task already queued", zap.String("event_id", task.EventID))
	}
	return nil
}

// Subscribe binds the durable consumer and starts pulling up to batch
// messages ahead of the workers.
func (q *Queue) Subscribe(ctx context.Context, batch int) (*Subscription, error) {
	consumer, err := q.client.JetStream().CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		MaxAckPending: batch * 2,
		FilterSubject: SubjectPrefix + ".>",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(batch))
	if err != nil {
		return nil, fmt.Errorf("failed to start message iterator: %w", err)
	}

	return &Subscription{iter: iter}, nil
}

// Ready reports whether the queue can accept publishes.
func (q *Queue) Ready(ctx context.Context) error {
	if !q.client.IsConnected() {
		return errors.New("nats not connected")
	}
	if _, err := q.client.JetStream().Stream(ctx, StreamName); err != nil {
		return fmt.Errorf("task stream unavailable: %w", err)
	}
	return nil
}
