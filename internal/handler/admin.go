package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/middleware"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// EventInspector reads both idempotency layers for one event.
type EventInspector interface {
	Reserver
	Status(ctx context.Context, eventID string) (string, error)
	LedgerEntry(ctx context.Context, eventID string) (*model.IdempotencyLog, error)
	Delivered(ctx context.Context, eventID string) (bool, error)
}

// InventoryStore is the inventory surface operators can drive.
type InventoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]model.InventoryItem, error)
	Reserve(ctx context.Context, sku, requesterID string) (bool, error)
	GetBySKU(ctx context.Context, sku string) (*model.InventoryItem, error)
}

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	events    EventInspector
	inventory InventoryStore
	queue     Enqueuer
	ttl       time.Duration
	logger    *logger.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(events EventInspector, inv InventoryStore, queue Enqueuer, ttl time.Duration, log *logger.Logger) *AdminHandler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &AdminHandler{
		events:    events,
		inventory: inv,
		queue:     queue,
		ttl:       ttl,
		logger:    log.WithComponent("admin"),
	}
}

// EventStatus handles GET /admin/events/{id}
func (h *AdminHandler) EventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if err := middleware.ValidatePlatformID(eventID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := model.EventStatusResponse{EventID: eventID}

	value, err := h.events.Status(r.Context(), eventID)
	if err != nil {
		h.logger.Warn("failed to read idempotency key", zap.String("event_id", eventID), zap.Error(err))
	}
	resp.Processing = value == idempotency.ProcessingValue

	entry, err := h.events.LedgerEntry(r.Context(), eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		h.logger.Error("failed to read ledger", zap.String("event_id", eventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	default:
		resp.Processed = true
		resp.Ledger = entry
	}

	delivered, err := h.events.Delivered(r.Context(), eventID)
	if err != nil {
		h.logger.Warn("failed to read delivery marker", zap.String("event_id", eventID), zap.Error(err))
	}
	resp.Delivered = delivered

	writeJSON(w, http.StatusOK, resp)
}

// SearchInventory handles GET /admin/inventory?q=
func (h *AdminHandler) SearchInventory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if err := middleware.ValidateQuery(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", inventory.DefaultSearchLimit, 50)

	items, err := h.inventory.Search(r.Context(), query, limit)
	if err != nil {
		h.logger.Error("inventory search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "inventory search failed")
		return
	}
	if items == nil {
		items = []model.InventoryItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query": query,
		"items": items,
	})
}

type reserveRequest struct {
	RequesterID string `json:"requester_id"`
}

// Reserve handles POST /admin/inventory/{sku}/reserve
func (h *AdminHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	if err := middleware.ValidateSKU(sku); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePlatformID(req.RequesterID); err != nil {
		writeError(w, http.StatusBadRequest, "requester_id: "+err.Error())
		return
	}

	ok, err := h.inventory.Reserve(r.Context(), sku, req.RequesterID)
	if err != nil {
		h.logger.Error("reservation failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reservation failed")
		return
	}
	if !ok {
		if _, err := h.inventory.GetBySKU(r.Context(), sku); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"sku": sku, "reserved": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "reserved": true})
}

// Simulate handles POST /admin/simulate. The synthetic event goes through
// the same idempotency check and queue as a real webhook.
func (h *AdminHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req model.SimulateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePlatformID(req.SenderID); err != nil {
		writeError(w, http.StatusBadRequest, "sender_id: "+err.Error())
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = fmt.Sprintf("sim_%s", uuid.Must(uuid.NewV7()))
	} else if err := middleware.ValidatePlatformID(eventID); err != nil {
		writeError(w, http.StatusBadRequest, "event_id: "+err.Error())
		return
	}

	now := time.Now().UTC()
	raw, _ := json.Marshal(map[string]any{
		"event":     "message",
		"event_id":  eventID,
		"timestamp": now.Unix(),
		"data":      map[string]any{"sender_id": req.SenderID, "message": map[string]any{"text": req.Text}},
	})
	task := model.Task{
		EventID:    eventID,
		Event:      "message",
		SenderID:   req.SenderID,
		Text:       req.Text,
		OccurredAt: now,
		RawPayload: raw,
	}

	if h.events.CheckAndReserve(r.Context(), eventID, h.ttl) == idempotency.ResultDuplicate {
		writeJSON(w, http.StatusConflict, model.SimulateMessageResponse{Status: "duplicate", EventID: eventID})
		return
	}
	if err := h.queue.Enqueue(r.Context(), task); err != nil {
		_ = h.events.Release(context.WithoutCancel(r.Context()), eventID)
		h.logger.Error("failed to enqueue simulated message", zap.String("event_id", eventID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue")
		return
	}

	h.logger.Info("simulated message queued", zap.String("event_id", eventID), zap.String("sender_id", req.SenderID))
	writeJSON(w, http.StatusAccepted, model.SimulateMessageResponse{Status: "queued", EventID: eventID})
}
