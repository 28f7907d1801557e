package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/webhook"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

// Enqueuer hands a task to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.Task) error
}

// Reserver is the layer-1 idempotency check.
type Reserver interface {
	CheckAndReserve(ctx context.Context, eventID string, ttl time.Duration) idempotency.Result
	Release(ctx context.Context, eventID string) error
}

// WebhookConfig bounds the ingress path.
type WebhookConfig struct {
	MaxBodyBytes   int64
	IdempotencyTTL time.Duration
	EnqueueTimeout time.Duration
	VerifyToken    string
}

// WebhookResponse is returned for every accepted POST.
type WebhookResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// WebhookHandler receives platform events. It only ever answers 200, or 401
// for a bad signature; the real outcome of a task is in the logs and ledger.
type WebhookHandler struct {
	verifier *webhook.Verifier
	guard    Reserver
	queue    Enqueuer
	cfg      WebhookConfig
	now      func() time.Time
	logger   *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifier *webhook.Verifier, guard Reserver, queue Enqueuer, cfg WebhookConfig, log *logger.Logger) *WebhookHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 150 * time.Millisecond
	}
	return &WebhookHandler{
		verifier: verifier,
		guard:    guard,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.WithComponent("webhook"),
	}
}

// Receive handles POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now().UTC()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("Webhook body too large", zap.Int64("limit", tooLarge.Limit))
		} else {
			h.logger.Warn("Failed to read webhook body", zap.Error(err))
		}
		h.ignore(w, "unreadable")
		return
	}

	if !h.verifier.Verify(r.Header.Get(webhook.SignatureHeader), body) {
		h.logger.Warn("Webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
		metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, err := webhook.ParsePayload(body)
	if err != nil {
		h.logger.Warn("Webhook payload is not valid JSON", zap.Error(err))
		h.ignore(w, "invalid")
		return
	}

	task := webhook.BuildTask(payload, body, receivedAt)
	log := h.logger.WithEvent(task.EventID, task.SenderID)

	if h.guard.CheckAndReserve(r.Context(), task.EventID, h.cfg.IdempotencyTTL) == idempotency.ResultDuplicate {
		log.Info("Duplicate event")
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", EventID: task.EventID, Duplicate: true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.EnqueueTimeout)
	err = h.queue.Enqueue(ctx, task)
	cancel()
	if err != nil {
		// Drop the reservation so a platform redelivery can try again.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.EnqueueTimeout)
		if relErr := h.guard.Release(releaseCtx, task.EventID); relErr != nil {
			log.Warn("Failed to release idempotency key", zap.Error(relErr))
		}
		cancel()
		log.Error("Failed to enqueue event", zap.Error(err))
		metrics.WebhookEventsTotal.WithLabelValues("enqueue_failed").Inc()
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", EventID: task.EventID})
		return
	}

	log.Info("Event accepted",
		zap.String("event", task.Event),
		zap.Duration("elapsed", h.now().Sub(receivedAt)),
	)
	metrics.WebhookEventsTotal.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", EventID: task.EventID})
}

// Challenge handles GET /webhook, echoing hub.challenge for a subscribe request.
func (h *WebhookHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("hub.mode") != "subscribe" {
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	if h.cfg.VerifyToken != "" && q.Get("hub.verify_token") != h.cfg.VerifyToken {
		h.logger.Warn("Webhook verification token mismatch")
		writeError(w, http.StatusForbidden, "invalid verify token")
		return
	}
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		writeError(w, http.StatusBadRequest, "missing challenge")
		return
	}

	h.logger.Info("Webhook subscription verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (h *WebhookHandler) ignore(w http.ResponseWriter, outcome string) {
	metrics.WebhookEventsTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
}
